package sms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerificationMessage(t *testing.T) {
	assert.Equal(t, "ACOLYTE VERIFY 042137", VerificationMessage("042137"))
}

func TestParseInbound(t *testing.T) {
	cases := []struct {
		name string
		body string
		code string
		ok   bool
	}{
		{"exact", "ACOLYTE VERIFY 123456", "123456", true},
		{"lowercase", "acolyte verify 123456", "123456", true},
		{"surrounding whitespace", "  ACOLYTE VERIFY 123456  ", "123456", true},
		{"extra spaces between words", "ACOLYTE  VERIFY  123456", "123456", true},
		{"leading zeros preserved", "ACOLYTE VERIFY 000042", "000042", true},
		{"five digits", "ACOLYTE VERIFY 12345", "", false},
		{"seven digits", "ACOLYTE VERIFY 1234567", "", false},
		{"wrong keyword", "ACOLYTE CONFIRM 123456", "", false},
		{"trailing text", "ACOLYTE VERIFY 123456 thanks", "", false},
		{"empty", "", "", false},
		{"unrelated message", "hey what time is dinner", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, ok := ParseInbound(tc.body)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.code, code)
		})
	}
}
