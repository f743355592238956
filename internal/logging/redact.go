package logging

import (
	"regexp"

	"go.uber.org/zap"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Redact masks emails, card numbers and phone numbers. Player text and model
// error bodies can carry either, and neither belongs in logs.
func Redact(input string) string {
	out := emailPattern.ReplaceAllString(input, "[REDACTED_EMAIL]")
	// Cards first so long digit runs are not classified as phones.
	out = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	return phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
}

// RedactedError is zap.Error with the message passed through Redact.
func RedactedError(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", Redact(err.Error()))
}
