package session

import "strings"

// allowedOrigins parses a comma-separated origin pattern list (exact host,
// "*.example.com" wildcard subdomain, or "localhost").
type allowedOrigins struct {
	exact      map[string]bool
	wildcards  []string // each entry is the suffix after "*", e.g. ".example.com"
	localhost  bool
}

func newAllowedOrigins(patterns string) *allowedOrigins {
	a := &allowedOrigins{exact: make(map[string]bool)}
	for _, raw := range strings.Split(patterns, ",") {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		switch {
		case p == "localhost":
			a.localhost = true
		case strings.HasPrefix(p, "*."):
			a.wildcards = append(a.wildcards, strings.TrimPrefix(p, "*"))
		default:
			a.exact[p] = true
		}
	}
	return a
}

// Allowed reports whether origin host matches an exact entry, a wildcarded
// subdomain entry, or the localhost special case.
func (a *allowedOrigins) Allowed(host string) bool {
	if host == "" {
		return false
	}
	if a.exact[host] {
		return true
	}
	for _, suffix := range a.wildcards {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	if a.localhost && (host == "localhost" || strings.HasPrefix(host, "localhost:") ||
		host == "127.0.0.1" || strings.HasPrefix(host, "127.0.0.1:")) {
		return true
	}
	return false
}
