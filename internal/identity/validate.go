package identity

import (
	"fmt"
	"strings"
)

// NormalizeEmail lowercases and trims an email address and checks its basic
// shape. Full RFC validation is the credential provider's problem; this only
// guards the uniqueness index against junk keys.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("%w: empty email", ErrValidation)
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("%w: malformed email", ErrValidation)
	}
	if strings.IndexByte(email[at+1:], '.') < 0 {
		return "", fmt.Errorf("%w: malformed email domain", ErrValidation)
	}
	return email, nil
}

// NormalizePhone normalizes a phone number to E.164: strips spaces, dashes
// and parentheses, requires a leading + and 8-15 digits.
func NormalizePhone(phone string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		switch r {
		case ' ', '-', '(', ')', '.':
			continue
		default:
			b.WriteRune(r)
		}
	}
	p := b.String()
	if p == "" {
		return "", fmt.Errorf("%w: empty phone", ErrValidation)
	}
	if !strings.HasPrefix(p, "+") {
		return "", fmt.Errorf("%w: phone must be E.164 (+country...)", ErrValidation)
	}
	digits := p[1:]
	if len(digits) < 8 || len(digits) > 15 {
		return "", fmt.Errorf("%w: phone must have 8-15 digits", ErrValidation)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: phone contains non-digits", ErrValidation)
		}
	}
	return p, nil
}
