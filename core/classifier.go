package core

import (
	"net/url"
	"strings"

	"pkt.systems/tabunloader/schema"
)

// Classifier decides whether a tab may be discarded.
type Classifier struct {
	prefixes []string
}

// NewClassifier returns a classifier that rejects URLs with any of the given
// schemes (without ':').
func NewClassifier(reservedSchemes []string) *Classifier {
	prefixes := make([]string, 0, len(reservedSchemes))
	for _, scheme := range reservedSchemes {
		scheme = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(scheme)), ":")
		if scheme == "" {
			continue
		}
		prefixes = append(prefixes, scheme+":")
	}
	return &Classifier{prefixes: prefixes}
}

// IsDiscardable reports whether tab has a URL outside the reserved schemes.
func (c *Classifier) IsDiscardable(tab schema.Tab) bool {
	if tab.URL == "" {
		return false
	}
	for _, prefix := range c.prefixes {
		if len(tab.URL) >= len(prefix) && strings.EqualFold(tab.URL[:len(prefix)], prefix) {
			return false
		}
	}
	return true
}

// Hostname extracts the lower-cased hostname of rawURL. Unparseable URLs,
// URLs without a host and hosts that could never carry a rule report false.
func Hostname(rawURL string) (string, bool) {
	if rawURL == "" {
		return "", false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host, err := schema.NormalizeHostname(parsed.Hostname())
	if err != nil {
		return "", false
	}
	return host, true
}
