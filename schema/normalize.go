package schema

import (
	"strings"
	"unicode"
)

// NormalizeHostname validates and lower-cases a hostname for rule lookups.
// Allowed characters: letters, digits, '.', '-', '_', and ':' '[' ']' for IPv6 literals.
func NormalizeHostname(host string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(host))
	if trimmed == "" {
		return "", ErrInvalidHostname
	}
	for _, r := range trimmed {
		if r == '.' || r == '-' || r == '_' || r == ':' || r == '[' || r == ']' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return "", ErrInvalidHostname
	}
	return trimmed, nil
}
