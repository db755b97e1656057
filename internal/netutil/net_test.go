package netutil

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Example.COM:443":      "example.com",
		" example.com. ":       "example.com",
		"[2001:db8::1]:8443":   "2001:db8::1",
		"2001:db8::1":          "2001:db8::1",
		"localhost:10443":      "localhost",
		"sub.test.EXAMPLE.com": "sub.test.example.com",
	}

	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Fatalf("NormalizeHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestStripPort(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"gateway:8443":      "gateway",
		"10.0.0.1:22":       "10.0.0.1",
		"[2001:db8::1]:443": "2001:db8::1",
		"2001:db8::1":       "2001:db8::1",
		"phone":             "phone",
		"phone:abc":         "phone:abc",
	}
	for in, want := range tests {
		if got := StripPort(in); got != want {
			t.Fatalf("StripPort(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"localhost", "127.0.0.1", "127.1.2.3:80", "[::1]:22", "api.localhost"} {
		if !IsLoopback(v) {
			t.Fatalf("expected %q to be loopback", v)
		}
	}
	for _, v := range []string{"", "10.0.0.1", "example.com"} {
		if IsLoopback(v) {
			t.Fatalf("expected %q not to be loopback", v)
		}
	}
}

func TestIsPrivate(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"10.1.2.3", "192.168.0.4", "172.16.5.5", "fd00::1", "169.254.1.1", "100.64.0.9"} {
		addr, ok := ParseAddr(v)
		if !ok {
			t.Fatalf("parse %q failed", v)
		}
		if !IsPrivate(addr) {
			t.Fatalf("expected %q to be private", v)
		}
	}
	addr, _ := ParseAddr("203.0.113.5")
	if IsPrivate(addr) {
		t.Fatal("expected documentation range to be non-private")
	}
}

func TestLocalAddressesIncludesLoopback(t *testing.T) {
	t.Parallel()

	got := LocalAddresses()
	if _, ok := got["127.0.0.1"]; !ok {
		t.Fatalf("expected loopback in local addresses, got %v", got)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	if got := ClientIP(r); got != "192.0.2.10" {
		t.Fatalf("expected 192.0.2.10, got %q", got)
	}
}
