package netutil

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SplitTarget normalizes a tcp/port probe target into host and port.
// Accepts "host:port", "[ipv6]:port", and URL forms.
func SplitTarget(target string) (host, port string, err error) {
	t := target
	if strings.Contains(t, "://") {
		u, perr := url.Parse(t)
		if perr != nil || u.Host == "" {
			return "", "", fmt.Errorf("netutil: invalid target %q", target)
		}
		t = u.Host
	}
	host, port, err = net.SplitHostPort(t)
	if err != nil {
		return "", "", fmt.Errorf("netutil: target %q must include a port: %w", target, err)
	}
	if host == "" || port == "" {
		return "", "", fmt.Errorf("netutil: invalid target %q", target)
	}
	return host, port, nil
}

// ValidSubdomain reports whether s is a DNS-safe label usable as a nest
// subdomain: 1-63 chars, lowercase alphanumerics and hyphens, no leading or
// trailing hyphen.
func ValidSubdomain(s string) bool {
	if len(s) < 1 || len(s) > 63 {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			continue
		}
		return false
	}
	return true
}
