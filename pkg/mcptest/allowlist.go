package mcptest

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// normalizeAllowlist trims entries, drops blanks and rejects anything that
// is neither an address nor a CIDR range.
func normalizeAllowlist(entries []string) ([]string, error) {
	var out []string
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, err := netip.ParsePrefix(e); err == nil {
			out = append(out, e)
			continue
		}
		if _, err := netip.ParseAddr(e); err == nil {
			out = append(out, e)
			continue
		}
		return nil, fmt.Errorf("invalid allowlist entry %q", e)
	}
	return out, nil
}

// ipAllowed reports whether the client at remoteAddr matches allowlist. An
// empty allowlist allows everyone.
func ipAllowed(allowlist []string, remoteAddr string) bool {
	if len(allowlist) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, e := range allowlist {
		if p, err := netip.ParsePrefix(e); err == nil {
			if p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}
