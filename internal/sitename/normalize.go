// Package sitename normalizes raw URLs and hostnames into site identifiers.
package sitename

import (
	"net/url"
	"strings"

	"github.com/quarterlit/sitecap/internal/domain"
)

// Prefixes stripped during normalization, longest first so "mobile." is
// never half-stripped as "m.". At most one prefix is removed.
var strippedPrefixes = []string{"mobile.", "www.", "m."}

// Normalize reduces a raw URL or bare hostname to its site identifier:
// lowercase hostname with at most one known prefix removed. Normalization
// is idempotent.
func Normalize(raw string) domain.SiteID {
	host := hostOf(strings.TrimSpace(raw))
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	for _, p := range strippedPrefixes {
		if rest, ok := strings.CutPrefix(host, p); ok && rest != "" {
			host = rest
			break
		}
	}

	return domain.SiteID(host)
}

// hostOf extracts the hostname from raw, which may be a full URL, a
// scheme-less URL with a path, or already a bare hostname.
func hostOf(raw string) string {
	if raw == "" {
		return ""
	}

	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}

	// Scheme-less: take everything up to the first path/query separator,
	// then drop any port.
	host := raw
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host, "]") {
		host = host[:i]
	}
	return host
}
