// Package policy implements the endpoint policy engine: a per-identity table
// of allow/deny rules and default forward targets, answering "what does this
// id forward to" and "may source reach target".
package policy

import (
	"strings"

	"github.com/koltyakov/backhaul/internal/netutil"
)

const (
	// FallbackID names the synthesized policy that matches any identity.
	FallbackID = "*"
	// UnknownID is returned by strict resolution when nothing matches.
	UnknownID = "unknown"
	// ForwardSelf stops a forward chain.
	ForwardSelf = "self"

	maxForwardHops = 8
)

// Flags carries per-identity capability markers.
type Flags struct {
	Mobile  bool `yaml:"mobile,omitempty" json:"mobile,omitempty"`
	Gateway bool `yaml:"gateway,omitempty" json:"gateway,omitempty"`
	Direct  bool `yaml:"direct,omitempty" json:"direct,omitempty"`
}

// Policy is one endpoint identity's routing rules.
type Policy struct {
	ID               string   `yaml:"id" json:"id"`
	Origins          []string `yaml:"origins,omitempty" json:"origins,omitempty"`
	Tokens           []string `yaml:"tokens,omitempty" json:"tokens,omitempty"`
	Forward          string   `yaml:"forward,omitempty" json:"forward,omitempty"`
	Flags            Flags    `yaml:"flags,omitempty" json:"flags,omitempty"`
	AllowedIncoming  RuleList `yaml:"allowedIncoming,omitempty" json:"allowedIncoming,omitempty"`
	AllowedOutcoming RuleList `yaml:"allowedOutcoming,omitempty" json:"allowedOutcoming,omitempty"`
}

// IsFallback reports whether p is the synthesized default policy.
func (p Policy) IsFallback() bool {
	return p.ID == FallbackID
}

// Decision is the result of a route permission check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason"`
	SourcePolicy string `json:"sourcePolicy"`
	TargetPolicy string `json:"targetPolicy"`
}

// Engine is an immutable policy table. Build a new Engine to change rules.
type Engine struct {
	byID  map[string]Policy
	order []string
}

// New normalizes raw policies into an Engine. Duplicate ids keep the first
// occurrence; empty rule lists become allow-all; a "*" policy is synthesized
// when absent.
func New(raw []Policy) *Engine {
	e := &Engine{byID: make(map[string]Policy, len(raw)+1)}
	for _, p := range raw {
		p.ID = normalize(p.ID)
		if p.ID == "" {
			continue
		}
		if _, dup := e.byID[p.ID]; dup {
			continue
		}
		p.Forward = normalize(p.Forward)
		if p.Forward == "" {
			p.Forward = ForwardSelf
		}
		if len(p.AllowedIncoming) == 0 {
			p.AllowedIncoming = AllowAll
		}
		if len(p.AllowedOutcoming) == 0 {
			p.AllowedOutcoming = AllowAll
		}
		p.Tokens = normalizeList(p.Tokens)
		p.Origins = normalizeList(p.Origins)
		e.byID[p.ID] = p
		e.order = append(e.order, p.ID)
	}
	if _, ok := e.byID[FallbackID]; !ok {
		e.byID[FallbackID] = Policy{
			ID:               FallbackID,
			Forward:          ForwardSelf,
			AllowedIncoming:  AllowAll,
			AllowedOutcoming: AllowAll,
		}
	}
	return e
}

// Policies returns the configured policies in load order, fallback last.
func (e *Engine) Policies() []Policy {
	out := make([]Policy, 0, len(e.byID))
	for _, id := range e.order {
		if id == FallbackID {
			continue
		}
		out = append(out, e.byID[id])
	}
	return append(out, e.byID[FallbackID])
}

// Resolve returns the policy for token: exact id, then a two-way
// substring scan of every policy's tokens and origins, then the fallback.
func (e *Engine) Resolve(token string) Policy {
	if p, ok := e.ResolveStrict(token); ok {
		return p
	}
	return e.byID[FallbackID]
}

// ResolveStrict is Resolve without the fallback. Unmatched tokens return
// the "unknown" policy and false so callers can tell known identities from
// default-treated ones.
func (e *Engine) ResolveStrict(token string) (Policy, bool) {
	token = normalize(token)
	if token == "" {
		return Policy{ID: UnknownID}, false
	}
	if p, ok := e.byID[token]; ok && !p.IsFallback() {
		return p, true
	}
	for _, id := range e.order {
		p := e.byID[id]
		if p.IsFallback() {
			continue
		}
		for _, t := range p.Tokens {
			if Overlaps(t, token) {
				return p, true
			}
		}
		for _, o := range p.Origins {
			if Overlaps(o, token) {
				return p, true
			}
		}
	}
	return Policy{ID: UnknownID}, false
}

// ResolveForwardTarget maps a raw delivery target to a forward id. An
// explicit target is port-stripped and replaced by its policy id when one
// matches. An empty target follows the source's forward chain for at most
// eight hops, stopping at "self", on an empty forward or on a revisit; the
// last token reached is returned ("" when the source forwards to self).
func (e *Engine) ResolveForwardTarget(rawTarget, sourceID string) string {
	if target := normalize(netutil.StripPort(rawTarget)); target != "" {
		p := e.Resolve(target)
		if p.IsFallback() {
			return target
		}
		return p.ID
	}

	visited := map[string]struct{}{}
	if src := normalize(sourceID); src != "" {
		visited[src] = struct{}{}
	}
	current := ""
	next := e.Resolve(sourceID).Forward
	for hops := 0; hops < maxForwardHops; hops++ {
		next = normalize(next)
		if next == "" || next == ForwardSelf {
			break
		}
		if _, seen := visited[next]; seen {
			break
		}
		visited[next] = struct{}{}
		current = next
		next = e.Resolve(next).Forward
	}
	return current
}

// CheckRoute reports whether source may deliver to target: source's
// outgoing rules must permit target and target's incoming rules must
// permit source.
func (e *Engine) CheckRoute(source, target string) Decision {
	sp := e.Resolve(source)
	tp := e.Resolve(target)
	d := Decision{SourcePolicy: sp.ID, TargetPolicy: tp.ID}
	switch {
	case !sp.AllowedOutcoming.Permits(target, policyName(tp)):
		d.Reason = "source " + sp.ID + " may not send to " + normalize(target)
	case !tp.AllowedIncoming.Permits(source, policyName(sp)):
		d.Reason = "target " + tp.ID + " does not accept " + normalize(source)
	default:
		d.Allowed = true
		d.Reason = "allowed"
	}
	return d
}

// policyName is the extra candidate a rule may match besides the raw token.
func policyName(p Policy) string {
	if p.IsFallback() {
		return ""
	}
	return p.ID
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = normalize(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
