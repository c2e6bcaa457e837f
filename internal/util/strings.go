package util

import (
	"net/url"
	"strings"
)

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// It is used to log a recognisable prefix of a bearer secret instead of the
// secret itself. A negative maxLen yields "".
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// NormalizeURL returns the form in which redirect URIs are compared:
// scheme and host lowercased, a default port dropped and trailing slashes
// removed from the path. Query strings are kept verbatim. Values that do not
// parse as absolute URLs only lose their trailing slashes.
//
// Example:
//
//	NormalizeURL("HTTPS://App.Example.com:443/cb/") // Returns: "https://app.example.com/cb"
//	NormalizeURL("https://app.example.com")         // Returns: "https://app.example.com"
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPorts[u.Scheme] {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		host += ":" + port
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	return u.String()
}
