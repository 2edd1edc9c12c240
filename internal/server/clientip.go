package server

import (
	"net"
	"net/http"
	"strings"
)

// clientIP resolves the peer address. Behind a trusted proxy the first
// X-Forwarded-For entry wins; otherwise the transport address is
// authoritative, because the header is trivially spoofable.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return first
			}
		}
		if rip := r.Header.Get("X-Real-IP"); rip != "" {
			return rip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
