package urlutil

import (
	"net/url"
	"strings"
)

// canonicalRules rewrite a parsed endpoint URL in place, in order.
var canonicalRules = []struct {
	name  string
	apply func(u *url.URL)
}{
	// hosts are case-insensitive; the scheme is already lowered by Normalize
	{"lowercase host", func(u *url.URL) { u.Host = strings.ToLower(u.Host) }},
	{"drop default port", func(u *url.URL) {
		if (u.Scheme == "http" && u.Port() == "80") || (u.Scheme == "https" && u.Port() == "443") {
			u.Host = u.Hostname()
		}
	}},
	// the fragment never reaches the server, so it cannot tell endpoints apart
	{"drop fragment", func(u *url.URL) { u.Fragment, u.RawFragment = "", "" }},
	{"trim trailing slash", func(u *url.URL) {
		if len(u.Path) > 1 {
			u.Path = strings.TrimSuffix(u.Path, "/")
			u.RawPath = ""
		}
		if u.Path == "/" && u.RawQuery == "" {
			u.Path = ""
		}
	}},
}

// Canonicalize returns the key two spellings of the same endpoint share, so
// that "API.example.com:443/" and "https://api.example.com" are stored once.
// It accepts anything Normalize accepts; a bare host is read as https.
func Canonicalize(raw string) (string, error) {
	normalized, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", &ValidationError{Input: raw, Reason: err.Error()}
	}
	for _, rule := range canonicalRules {
		rule.apply(u)
	}
	return u.String(), nil
}
