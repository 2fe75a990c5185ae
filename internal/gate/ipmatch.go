package gate

import "net"

// ipAllowed matches a client IP against allowlist entries, which are either
// exact IP literals or CIDR blocks. An unparseable client IP never matches.
func ipAllowed(clientIP string, allowlist []string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if exact := net.ParseIP(entry); exact != nil && exact.Equal(ip) {
			return true
		}
	}
	return false
}
