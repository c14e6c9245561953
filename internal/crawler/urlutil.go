package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// Canonicalize maps every spelling of the same documentation page to one
// stored form: lowercase scheme, host and path, no query, no fragment, no
// trailing slash. Canonicalization is idempotent.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(strings.ToLower(u.Path), "/")
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}

// InPrefix reports whether canonical falls under the allowed URL prefix.
// The prefix is compared in canonical form too, so a configured trailing
// slash still matches.
func InPrefix(canonical, prefix string) bool {
	p := strings.TrimRight(strings.ToLower(prefix), "/")
	if p == "" {
		return true
	}
	return canonical == p || strings.HasPrefix(canonical, p+"/")
}
