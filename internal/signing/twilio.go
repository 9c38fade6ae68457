package signing

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"strings"
)

// Header carries the provider's request signature on inbound webhooks.
const Header = "X-Twilio-Signature"

// Sign returns the base64 HMAC-SHA1 of the full request URL followed by every
// form parameter, sorted by key, as key then value.
func Sign(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func Validate(authToken, url string, params map[string]string, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := Sign(authToken, url, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}
