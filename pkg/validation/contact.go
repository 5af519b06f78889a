// Package validation provides input validation for notification recipients
// and upload payloads.
package validation

import (
	"net/mail"
	"strings"
	"unicode"
)

// ValidPhone reports whether s looks like a dialable phone number. The rule is
// deliberately permissive: an optional leading +, separators stripped, and a
// national/international digit count between 7 and 15 (E.164 upper bound).
func ValidPhone(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}

	if strings.HasPrefix(s, "+") {
		s = s[1:]
		if s == "" || s[0] == '0' {
			return false
		}
	}

	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators are fine
		default:
			return false
		}
	}

	return digits >= 7 && digits <= 15
}

// ValidEmail reports whether s is an acceptable recipient address.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	// Reject display-name forms; we only accept a bare mailbox.
	return addr.Address == s
}
