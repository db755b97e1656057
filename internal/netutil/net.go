// Package netutil provides shared host/address normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && IsDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// StripPort removes a trailing ":port" suffix. IPv6 literals without
// brackets are returned unchanged.
func StripPort(raw string) string {
	raw = strings.TrimSpace(raw)
	if h, p, err := net.SplitHostPort(raw); err == nil && IsDigits(p) {
		return h
	}
	if strings.Count(raw, ":") == 1 {
		left, right, _ := strings.Cut(raw, ":")
		if IsDigits(right) {
			return left
		}
	}
	return raw
}

// ParseAddr parses an IP literal, tolerating brackets, ports and zones.
func ParseAddr(raw string) (netip.Addr, bool) {
	host := NormalizeHost(raw)
	if host == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// IsLoopback reports whether raw is a loopback IP or the localhost name.
func IsLoopback(raw string) bool {
	host := NormalizeHost(raw)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, ok := ParseAddr(host)
	return ok && addr.IsLoopback()
}

// IsPrivate reports whether addr is in RFC1918, ULA, CGNAT or link-local space.
func IsPrivate(addr netip.Addr) bool {
	if addr.IsPrivate() || addr.IsLinkLocalUnicast() {
		return true
	}
	return cgnat.Contains(addr)
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// LocalAddresses returns the normalized set of names this host answers to:
// interface addresses, loopback names and the OS hostname.
func LocalAddresses() map[string]struct{} {
	out := map[string]struct{}{
		"localhost": {},
		"127.0.0.1": {},
		"::1":       {},
	}
	if hn, err := os.Hostname(); err == nil && strings.TrimSpace(hn) != "" {
		out[NormalizeHost(hn)] = struct{}{}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range addrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		out[prefix.Addr().Unmap().WithZone("").String()] = struct{}{}
	}
	return out
}

// ClientIP returns the remote IP of r without its port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// IsDigits reports whether v is a non-empty run of ASCII digits.
func IsDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
