package urlutil

import (
	"net/url"
	"strconv"
	"strings"
)

// ValidationError is returned when user input does not describe a
// monitorable endpoint.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid url " + strconv.Quote(e.Input) + ": " + e.Reason
}

// Normalize trims raw, validates it and returns a full URL with a lowercase
// scheme. Inputs without a scheme get https:// prepended; the prober may
// still fall back to http.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !IsValidDomainOrURL(s) {
		return "", &ValidationError{Input: raw, Reason: "expected an http(s) URL, IPv4 address, localhost or domain name with optional port"}
	}
	if !hasHTTPScheme(s) {
		return "https://" + s, nil
	}
	scheme, rest, _ := strings.Cut(s, "://")
	return strings.ToLower(scheme) + "://" + rest, nil
}

// IsValidDomainOrURL reports whether s is an absolute http(s) URL, an IPv4
// address, localhost, or a dotted domain name. Each form may carry a port.
// Surrounding or embedded whitespace is rejected.
func IsValidDomainOrURL(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return false
	}

	full := s
	if !hasHTTPScheme(s) {
		if strings.Contains(s, "://") {
			return false
		}
		full = "https://" + s
	}

	u, err := url.Parse(full)
	if err != nil || u.Host == "" || u.User != nil {
		return false
	}

	host := u.Host
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		port, err := strconv.Atoi(host[i+1:])
		if err != nil || port < 1 || port > 65535 {
			return false
		}
		host = host[:i]
	}

	switch {
	case isIPv4(host):
		return true
	case strings.EqualFold(host, "localhost"):
		return true
	case strings.Contains(host, "."):
		return isDomain(host)
	default:
		return false
	}
}

func hasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func isIPv4(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

func isDomain(host string) bool {
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			if !(c == '-' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
				return false
			}
		}
	}
	return true
}
