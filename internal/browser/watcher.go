package browser

import (
	"net/url"
	"strings"
	"time"

	"github.com/Autonion/Autonion-Extension/api/schemas"
)

// observeNavigation turns a navigated URL into an observation. Blank and
// unparseable URLs yield nothing.
func observeNavigation(rawURL string, at time.Time) (schemas.Observation, bool) {
	if rawURL == "" || rawURL == "about:blank" {
		return schemas.Observation{}, false
	}

	return schemas.Observation{
		Category:   categorize(rawURL),
		Value:      rawURL,
		ObservedAt: at,
	}, true
}

// categorize reduces a URL to its host with any "www." prefix stripped. URLs
// without a host (file:, data:) fall back to the scheme.
func categorize(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return strings.ToLower(parsed.Scheme)
	}
	return host
}
