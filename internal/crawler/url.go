package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so duplicates hash identically. Relative
// URLs are resolved against base (which may be nil for absolute input). The
// fragment is dropped, the trailing slash stripped, the query kept, scheme
// and host lowercased, and default ports removed.
func NormalizeURL(rawURL string, base *url.URL) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String(), nil
}

// DomainOf extracts the lowercase hostname from a URL, or "" on failure.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SameOrSubdomain reports whether host is domain itself or a subdomain of it.
// A www prefix on either side is ignored.
func SameOrSubdomain(host, domain string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
