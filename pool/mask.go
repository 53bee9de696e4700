package pool

import (
	"fmt"
	"strings"
)

// MaskContact precomputes the redacted summary stored alongside a request.
// The redaction is irreversible: only the trailing digits of the phone and
// the first characters of the email local part survive.
func MaskContact(c Contact) string {
	parts := make([]string, 0, 2)
	if p := maskPhone(c.Phone); p != "" {
		parts = append(parts, p)
	}
	if e := maskEmail(c.Email); e != "" {
		parts = append(parts, e)
	}
	if len(parts) == 0 {
		return "***"
	}
	return strings.Join(parts, " / ")
}

func maskPhone(phone string) string {
	digits := make([]rune, 0, len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) < 7 {
		return ""
	}
	return fmt.Sprintf("%s *** %s", string(digits[:2]), string(digits[len(digits)-4:]))
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at < 2 {
		return ""
	}
	return email[:2] + "***" + email[at:]
}
