// Package domain defines the core data types shared across the hub, the
// credential store and the delivery router.
package domain

import (
	"net"
	"slices"
	"strconv"
	"strings"
	"time"
)

// User is a credential record. Keys are stored only as hashes.
type User struct {
	ID        string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
	Settings  Settings
}

// Settings are the per-user limits returned by a successful verification.
type Settings struct {
	// MaxConnections caps concurrent connections; 0 or less is unlimited.
	MaxConnections int `json:"maxConnections" yaml:"maxConnections"`
	// AllowTCP enables TCP passthrough for the user's reverse devices.
	AllowTCP bool `json:"allowTcp" yaml:"allowTcp"`
	// TCPAllow lists extra passthrough destinations as host, host:port or *.
	TCPAllow []string `json:"tcpAllow,omitempty" yaml:"tcpAllow,omitempty"`
}

// DefaultSettings is used when a verifier has no stored settings.
func DefaultSettings() Settings {
	return Settings{AllowTCP: true}
}

// PermitsTCP reports whether host:port is on the user's passthrough
// allow-list.
func (s Settings) PermitsTCP(host string, port int) bool {
	host = strings.ToLower(strings.Trim(strings.TrimSpace(host), "[]"))
	return slices.ContainsFunc(s.TCPAllow, func(entry string) bool {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "*" || strings.Trim(entry, "[]") == host {
			return true
		}
		h, p, err := net.SplitHostPort(entry)
		return err == nil && h == host && p == strconv.Itoa(port)
	})
}
