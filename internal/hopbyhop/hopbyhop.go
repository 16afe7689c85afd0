// Package hopbyhop removes connection-scoped headers (RFC 9110 §7.6.1) that a
// proxy must not forward in either direction.
package hopbyhop

import (
	"net/http"
	"strings"
)

// Headers lists the fixed hop-by-hop header names in canonical form.
var Headers = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Strip deletes every name in Headers plus any header listed in Connection.
func Strip(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range Headers {
		h.Del(name)
	}
}
