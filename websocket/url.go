package websocket

import (
	"fmt"
	"net/url"
	"strings"
)

// Parsed parts of a ws/wss URL.
type wsURL struct {
	// "ws" or "wss".
	scheme string
	// Host name or address, without IPv6 brackets.
	hostname string
	// Port, as a string. Defaulted from the scheme when absent.
	service string
	// Host header value: hostname with the port only when one was given
	// explicitly, brackets kept for IPv6 addresses.
	host string
	// Request path starting with "/", with the query string appended.
	path string
}

// # Description
//
// Parse a websocket URL of the shape
// scheme://[user[:pass]@]host[:port][/path][?query][#fragment] per RFC 6455
// section 3. The scheme defaults to ws when absent and must be ws or wss.
// The host is mandatory. The service defaults to 80 for ws and 443 for wss.
// The path defaults to "/", a non-empty query is kept and the fragment is
// discarded.
//
// # Returns
//
// The parsed URL parts or an InvalidURLError.
func parseURL(raw string) (wsURL, error) {
	input := raw
	if !strings.Contains(input, "://") {
		input = "ws://" + input
	}
	u, err := url.Parse(input)
	if err != nil {
		return wsURL{}, &InvalidURLError{URL: raw, Reason: err.Error()}
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "ws"
	} else if scheme != "ws" && scheme != "wss" {
		return wsURL{}, &InvalidURLError{URL: raw, Reason: fmt.Sprintf("invalid scheme: %s", scheme)}
	}
	hostname := u.Hostname()
	if hostname == "" {
		return wsURL{}, &InvalidURLError{URL: raw, Reason: "missing host"}
	}
	service := u.Port()
	host := u.Host
	if service == "" {
		if scheme == "ws" {
			service = "80"
		} else {
			service = "443"
		}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return wsURL{
		scheme:   scheme,
		hostname: hostname,
		service:  service,
		host:     host,
		path:     path,
	}, nil
}

// String reconstructs the canonical URL from the parsed parts.
func (u wsURL) String() string {
	return u.scheme + "://" + u.host + u.path
}
