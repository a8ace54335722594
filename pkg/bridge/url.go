package bridge

import "strings"

const wsScheme = "ws://"

// AddressFromURL extracts the dialable host:port from a bind string. The
// string is either plain "host:port" or "ws://host[:port]/path"; a ws URL
// without a port defaults to 80. "*:port" binds every interface and
// "host:*" picks a random port.
func AddressFromURL(s string) string {
	addr := s
	if strings.HasPrefix(s, wsScheme) {
		addr = s[len(wsScheme):]
		if i := strings.IndexByte(addr, '/'); i >= 0 {
			addr = addr[:i]
		}
		if !strings.Contains(addr, ":") {
			addr += ":80"
		}
	}
	if host, port, ok := strings.Cut(addr, ":"); ok {
		if host == "*" {
			host = ""
		}
		if port == "*" {
			port = "0"
		}
		addr = host + ":" + port
	}
	return addr
}

// PathFromURL extracts the mount path from a bind string; "/" when absent.
func PathFromURL(s string) string {
	if !strings.HasPrefix(s, wsScheme) {
		return "/"
	}
	rest := s[len(wsScheme):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[i:]
	}
	return "/"
}
