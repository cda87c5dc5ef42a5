package guard

import (
	"net"
	"net/http"
	"strings"
)

// clientIP extracts the real client IP address from the request.
// Supports X-Forwarded-For and X-Real-IP headers when behind a proxy.
//
// SECURITY CONSIDERATIONS:
// - Only enable trustProxy when behind a trusted reverse proxy (nginx, haproxy, etc.)
// - X-Forwarded-For format: "client, proxy1, proxy2, ..."
// - trustedProxyCount specifies how many proxies to trust from the right
// - This prevents X-Forwarded-For spoofing in multi-proxy setups
func clientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := ipFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// ipFromXFF parses the X-Forwarded-For header and extracts the client IP.
// The rightmost IPs are the trusted proxies we control; the client IP sits
// at len(ips) - trustedProxyCount - 1.
func ipFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	idx := clientIPIndex(len(ips), trustedProxyCount)
	ip := strings.TrimSpace(ips[idx])

	if net.ParseIP(ip) != nil {
		return ip
	}
	return ""
}

// clientIPIndex determines the index of the client IP in the X-Forwarded-For
// list. A trustedProxyCount of 0 defaults to 1 (assume one trusted proxy).
// If the list is shorter than the proxy chain, the leftmost IP is used.
func clientIPIndex(numIPs, trustedProxyCount int) int {
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	idx := numIPs - proxyCount - 1
	if idx < 0 {
		return 0
	}
	return idx
}

// ipFromXRealIP parses the X-Real-IP header (set by some proxies).
func ipFromXRealIP(xri string) string {
	if xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return ""
}

// ipFromRemoteAddr extracts the IP from RemoteAddr for direct connections.
func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
