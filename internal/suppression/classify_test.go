package suppression_test

import (
	"testing"

	"github.com/Cypherspark/sms-outreach/internal/suppression"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := map[string]suppression.Category{
		"Reply STOP to opt out":                             suppression.OptOut,
		"Attempt to send to unsubscribed recipient (21610)": suppression.OptOut,
		"Carrier violation: 30005":                          suppression.HardFail,
		"The 'To' number +1555 is not a valid phone number": suppression.HardFail,
		"Unknown subscriber":                                suppression.HardFail,
		"Service unavailable: 503":                          suppression.SoftFail,
		"Too Many Requests":                                 suppression.SoftFail,
		"something nobody anticipated":                      suppression.SoftFail,
		"":                                                  suppression.SoftFail,
	}
	for in, want := range cases {
		require.Equal(t, want, suppression.Classify(in), "input %q", in)
	}
}

func TestClassifyOptOutWinsOverHardFail(t *testing.T) {
	require.Equal(t, suppression.OptOut, suppression.Classify("invalid: recipient has opted out"))
}
