// Package origin decides which browser origins may talk to the hub.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Policy holds the configured origin allow-list. An empty list means
// same-host only; "*" allows any origin.
type Policy struct {
	Allowed []string
}

// Check reports whether r may proceed. Requests without an Origin header
// (non-browser clients) are always allowed and return an empty origin.
func (p Policy) Check(r *http.Request) (normalized string, ok bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	normalized, host, ok := Normalize(header)
	if !ok {
		return "", false
	}
	return normalized, IsAllowed(normalized, host, r.Host, p.Allowed)
}

// Normalize validates an Origin header and returns scheme://host[:port] plus
// the host[:port] part. Default ports are dropped and names are lowercased.
// The opaque origin "null" is returned as-is with an empty host.
func Normalize(header string) (normalized, host string, ok bool) {
	header = strings.TrimSpace(header)
	switch header {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(header)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed matches a normalized origin against allowed, or against the
// request's own Host when allowed is empty. Scheme is ignored for the
// same-host comparison since TLS may terminate in front of the hub.
func IsAllowed(normalized, originHost, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	var scheme string
	switch {
	case strings.HasPrefix(normalized, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalized, "https://"):
		scheme = "https"
	default:
		return false
	}
	reqHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	return ok && reqHost == originHost
}

func canonicalHost(authority, scheme string) (string, bool) {
	name, port, ok := splitHostPort(strings.ToLower(authority))
	if !ok || name == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(name, ":") {
		name = "[" + name + "]"
	}
	if port == "" {
		return name, true
	}
	return name + ":" + port, true
}

// splitHostPort splits host[:port], unbracketing IPv6 literals. Unlike
// net.SplitHostPort the port is optional.
func splitHostPort(authority string) (name, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		name, rest := authority[1:end], authority[end+1:]
		if rest == "" {
			return name, "", true
		}
		if len(rest) < 2 || rest[0] != ':' {
			return "", "", false
		}
		return name, rest[1:], true
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		name, port, _ := strings.Cut(authority, ":")
		if name == "" || port == "" {
			return "", "", false
		}
		return name, port, true
	default:
		return "", "", false
	}
}
