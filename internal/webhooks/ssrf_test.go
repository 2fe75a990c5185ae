package webhooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckSSRF_Blocked(t *testing.T) {
	blocked := []string{
		"ftp://example.com/hook",
		"file:///etc/passwd",
		"http://localhost/hook",
		"http://LOCALHOST:8080/hook",
		"http://localhost.localdomain/hook",
		"http://127.0.0.1/hook",
		"http://127.8.8.8/hook",
		"http://10.0.0.5/hook",
		"http://172.16.0.1/hook",
		"http://172.31.255.255/hook",
		"http://192.168.1.1:9000/hook",
		"http://169.254.169.254/latest/meta-data/",
		"http://100.64.0.1/hook",
		"http://0.0.0.0/hook",
		"http://[::1]/hook",
		"http://[fc00::1]/hook",
		"http://[fe80::1]/hook",
		"http://[::ffff:127.0.0.1]/hook", // IPv4-mapped loopback
		"http://[::ffff:10.0.0.1]/hook",
		"http:///hook", // no host
	}
	for _, u := range blocked {
		assert.NotEmpty(t, CheckSSRF(u), "expected %s to be blocked", u)
	}
}

func TestCheckSSRF_Allowed(t *testing.T) {
	allowed := []string{
		"https://hooks.example.com/paygate",
		"http://example.com:8080/hook",
		"https://8.8.8.8/hook",
		"http://[2001:db8::1]/hook",
		"https://172.32.0.1/hook", // just outside 172.16/12
	}
	for _, u := range allowed {
		assert.Empty(t, CheckSSRF(u), "expected %s to be deliverable", u)
	}
}

func TestCheckSSRF_HostnamesPassStaticCheck(t *testing.T) {
	// names that might resolve privately are allowed here; resolution-time
	// defenses are out of scope for the static guard
	assert.Empty(t, CheckSSRF("http://internal.corp.example/hook"))
}
