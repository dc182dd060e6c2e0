package notifications

import (
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{7,14}$`)

// NormalizePhone strips formatting characters from a phone number.
func NormalizePhone(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// IsPhone reports whether s looks like an E.164 number once normalized.
func IsPhone(s string) bool {
	return phonePattern.MatchString(NormalizePhone(s))
}
