package topology

import (
	"net/url"
	"path"
	"strings"

	"github.com/koltyakov/backhaul/internal/netutil"
)

// Node is a statically configured member of the mesh. It lets operators
// name peers that are not (or not yet) connected.
type Node struct {
	ID      string   `yaml:"id" json:"id"`
	PeerID  string   `yaml:"peerId,omitempty" json:"peerId,omitempty"`
	Label   string   `yaml:"label,omitempty" json:"label,omitempty"`
	Origin  string   `yaml:"origin,omitempty" json:"origin,omitempty"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Domains []string `yaml:"domains,omitempty" json:"domains,omitempty"`
	Masks   []string `yaml:"masks,omitempty" json:"masks,omitempty"`
}

// Canonical returns the id a match on n resolves to.
func (n Node) Canonical() string {
	if v := normalizeToken(n.PeerID); v != "" {
		return v
	}
	return normalizeToken(n.ID)
}

// Matches reports whether token names n through any of its aliases, id,
// peer id, label, origin host, domains or glob masks.
func (n Node) Matches(token string) bool {
	token = normalizeToken(token)
	if token == "" {
		return false
	}
	for _, a := range n.Aliases {
		if normalizeToken(a) == token {
			return true
		}
	}
	switch token {
	case normalizeToken(n.ID), normalizeToken(n.PeerID), normalizeToken(n.Label):
		return true
	}
	host := netutil.NormalizeHost(token)
	if oh := originHost(n.Origin); oh != "" && oh == host {
		return true
	}
	for _, d := range n.Domains {
		d = netutil.NormalizeHost(d)
		if d != "" && (host == d || strings.HasSuffix(host, "."+d)) {
			return true
		}
	}
	for _, m := range n.Masks {
		m = normalizeToken(m)
		if m == "" {
			continue
		}
		if ok, err := path.Match(m, token); err == nil && ok {
			return true
		}
	}
	return false
}

func originHost(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	if strings.Contains(origin, "://") {
		u, err := url.Parse(origin)
		if err != nil {
			return ""
		}
		return netutil.NormalizeHost(u.Host)
	}
	return netutil.NormalizeHost(origin)
}
