package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIP returns the best-effort client address. Proxy headers are
// only honored when the direct peer falls inside one of the configured
// trusted proxy ranges; otherwise RemoteAddr wins, so untrusted clients
// cannot pick their own admission bucket via headers.
func (a *API) clientIP(r *http.Request) string {
	remote, _ := parseIPCandidate(r.RemoteAddr)

	trusted := false
	if len(a.trustedProxies) > 0 && remote != "" {
		if addr, err := netip.ParseAddr(remote); err == nil {
			for _, prefix := range a.trustedProxies {
				if prefix.Contains(addr) {
					trusted = true
					break
				}
			}
		}
	}

	if trusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}
	return remote
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}
