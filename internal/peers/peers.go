// Package peers resolves a free-form target token to a canonical peer id
// using the live peer profiles, the network alias map and the static
// topology.
package peers

import (
	"strings"

	"github.com/koltyakov/backhaul/internal/topology"
)

// Strategy names the cascade step that produced a Result.
type Strategy string

const (
	StrategyExactID         Strategy = "exact-id"
	StrategyExactLabel      Strategy = "exact-label"
	StrategyLabelSubstring  Strategy = "label-substring"
	StrategyAliasExactID    Strategy = "alias-exact-id"
	StrategyAliasExactLabel Strategy = "alias-exact-label"
	StrategyTopology        Strategy = "topology"
	StrategyFallback        Strategy = "fallback"
)

// Peer is a profile derived from a live reverse connection.
type Peer struct {
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
	PeerID string `json:"peerId,omitempty"`
}

// Context is everything resolution may consult.
type Context struct {
	Peers   []Peer
	Aliases topology.AliasMap
	Nodes   []topology.Node
}

// Result is the outcome of Resolve.
type Result struct {
	ID             string   `json:"id"`
	Strategy       Strategy `json:"strategy"`
	Input          string   `json:"input"`
	Resolved       string   `json:"resolved,omitempty"`
	PrefixStripped string   `json:"prefixStripped,omitempty"`
}

// Matched reports whether a live peer or topology node was found.
func (r Result) Matched() bool {
	return r.Strategy != StrategyFallback
}

// Resolve runs the identity cascade for token. The first step that matches
// wins; when nothing does the normalized token is returned as is.
func Resolve(token string, c Context) Result {
	res := Result{Input: token}
	tok := normalize(token)

	if prefix, rest, ok := strings.Cut(tok, ":"); ok && prefix != "" && rest != "" && c.Aliases.Has(prefix) {
		res.PrefixStripped = prefix
		tok = rest
	}

	resolved := normalize(topology.ResolveAlias(c.Aliases, tok))
	if resolved != tok {
		res.Resolved = resolved
	}

	if p, ok := byID(c.Peers, tok); ok {
		return res.with(p.ID, StrategyExactID)
	}
	if p, ok := byLabel(c.Peers, tok); ok {
		return res.with(p.ID, StrategyExactLabel)
	}
	if p, ok := byLabelSubstring(c.Peers, tok); ok {
		return res.with(p.ID, StrategyLabelSubstring)
	}
	if resolved != tok {
		if p, ok := byID(c.Peers, resolved); ok {
			return res.with(p.ID, StrategyAliasExactID)
		}
		if p, ok := byLabel(c.Peers, resolved); ok {
			return res.with(p.ID, StrategyAliasExactLabel)
		}
	}
	for _, n := range c.Nodes {
		if n.Matches(tok) || (resolved != tok && n.Matches(resolved)) {
			return res.with(n.Canonical(), StrategyTopology)
		}
	}
	return res.with(resolved, StrategyFallback)
}

func (r Result) with(id string, s Strategy) Result {
	r.ID = normalize(id)
	r.Strategy = s
	return r
}

func byID(peers []Peer, tok string) (Peer, bool) {
	if tok == "" {
		return Peer{}, false
	}
	for _, p := range peers {
		if normalize(p.ID) == tok || normalize(p.PeerID) == tok {
			return p, true
		}
	}
	return Peer{}, false
}

func byLabel(peers []Peer, tok string) (Peer, bool) {
	if tok == "" {
		return Peer{}, false
	}
	for _, p := range peers {
		if normalize(p.Label) == tok {
			return p, true
		}
	}
	return Peer{}, false
}

func byLabelSubstring(peers []Peer, tok string) (Peer, bool) {
	if tok == "" {
		return Peer{}, false
	}
	for _, p := range peers {
		label := normalize(p.Label)
		if label == "" {
			continue
		}
		if strings.Contains(label, tok) || strings.Contains(tok, label) {
			return p, true
		}
	}
	return Peer{}, false
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
