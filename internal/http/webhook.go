package httpapi

import (
	"net/http"
	"strings"

	"github.com/Cypherspark/sms-outreach/internal/inbox"
	"github.com/Cypherspark/sms-outreach/internal/signing"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// inboundWebhook accepts the provider's form callback. Replies are sent
// through the REST client, so the TwiML answer is always empty.
func (s *Server) inboundWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	if s.opt.ValidateSignature {
		url := s.webhookURL(r)
		if !signing.Validate(s.opt.AuthToken, url, params, r.Header.Get(signing.Header)) {
			s.log.Warn().Str("url", url).Msg("inbound webhook signature rejected")
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	out, err := s.Inbox.Process(r.Context(), inbox.Inbound{
		From:        params["From"],
		Body:        params["Body"],
		MessageSID:  firstNonEmpty(params["MessageSid"], params["SmsMessageSid"], params["SmsSid"]),
		ProfileName: params["ProfileName"],
		Raw:         params,
	})
	if err != nil {
		// non-2xx lets the provider redeliver; the sid check absorbs repeats
		s.internalError(w, r, err)
		return
	}
	s.log.Debug().Str("status", out.Status).Int64("thread_id", out.ThreadID).Msg("inbound webhook handled")

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

// webhookURL rebuilds the URL the provider signed.
func (s *Server) webhookURL(r *http.Request) string {
	if base := strings.TrimRight(s.opt.PublicURL, "/"); base != "" {
		return base + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
