// Package webhooks delivers signed gateway events to operator-configured
// HTTP endpoints. Every destination URL passes the SSRF guard before any
// request is attempted.
package webhooks

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// privateV4Blocks are the IPv4 ranges an outbound webhook must never reach.
var privateV4Blocks = mustParseCIDRs(
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"169.254.0.0/16", // link-local (cloud metadata lives here)
	"100.64.0.0/10",  // carrier-grade NAT
	"0.0.0.0/8",
)

var privateV6Blocks = mustParseCIDRs(
	"::1/128",   // loopback
	"fc00::/7",  // unique local
	"fe80::/10", // link-local
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, block, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("webhooks: bad builtin cidr %s: %v", c, err))
		}
		out = append(out, block)
	}
	return out
}

var loopbackNames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
}

// CheckSSRF returns a non-empty reason when the URL must not be fetched:
// non-http(s) schemes, invalid URLs, loopback names, and private, link-local,
// CGN or IPv4-mapped addresses. An empty string means the URL is deliverable.
func CheckSSRF(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Sprintf("scheme %q is not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "missing host"
	}
	if loopbackNames[strings.ToLower(host)] {
		return "loopback host is not allowed"
	}
	if ip := net.ParseIP(host); ip != nil {
		if reason := checkIP(ip); reason != "" {
			return reason
		}
	}
	return ""
}

func checkIP(ip net.IP) string {
	// IPv4-mapped IPv6 resolves to its embedded IPv4 target
	if v4 := ip.To4(); v4 != nil {
		for _, block := range privateV4Blocks {
			if block.Contains(v4) {
				return fmt.Sprintf("address %s is in a private range", ip)
			}
		}
		return ""
	}
	for _, block := range privateV6Blocks {
		if block.Contains(ip) {
			return fmt.Sprintf("address %s is in a private range", ip)
		}
	}
	return ""
}
