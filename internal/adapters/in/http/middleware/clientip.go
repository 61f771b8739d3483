package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ParseTrustedProxies parses IP addresses and CIDR ranges. A bare address
// becomes a single-host prefix; unparsable entries are skipped.
func ParseTrustedProxies(proxies []string) []netip.Prefix {
	var prefixes []netip.Prefix
	for _, proxy := range proxies {
		proxy = strings.TrimSpace(proxy)
		if p, err := netip.ParsePrefix(proxy); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(proxy); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return prefixes
}

// IsTrustedProxy reports whether ip falls inside one of prefixes.
func IsTrustedProxy(ip string, prefixes []netip.Prefix) bool {
	if len(prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// GetClientIP returns the address of the client. X-Forwarded-For and
// X-Real-IP are only honored when the direct peer is a trusted proxy, so a
// client connecting directly cannot choose its own address.
func GetClientIP(r *http.Request, trusted []netip.Prefix) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}

	if !IsTrustedProxy(remoteIP, trusted) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return remoteIP
}
