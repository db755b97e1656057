// Package dispatch decides where a delivery goes: the local hub, the
// upstream gateway, both or nowhere. Planning is pure and never fails; every
// decision carries a human readable reason.
package dispatch

import (
	"net/netip"
	"strings"

	"github.com/koltyakov/backhaul/internal/topology"
)

// Route is a requested or decided delivery route.
type Route string

const (
	RouteAuto     Route = "auto"
	RouteLocal    Route = "local"
	RouteUpstream Route = "upstream"
	RouteBoth     Route = "both"
	RouteNone     Route = "none"
)

// ParseRoute maps a user supplied route to a Route. Unknown values are
// treated as auto.
func ParseRoute(raw string) Route {
	switch r := Route(strings.ToLower(strings.TrimSpace(raw))); r {
	case RouteLocal, RouteUpstream, RouteBoth:
		return r
	default:
		return RouteAuto
	}
}

// Input is everything Plan needs about one delivery.
type Input struct {
	Route         Route
	Target        string
	Broadcast     bool
	HasUpstream   bool
	IsLocalTarget func(target string) bool
	Surface       topology.Surface
}

// Decision is the planned route.
type Decision struct {
	Route    Route  `json:"route"`
	Local    bool   `json:"local"`
	Upstream bool   `json:"upstream"`
	Reason   string `json:"reason"`
}

// Plan computes the delivery route for in.
func Plan(in Input) Decision {
	target := strings.TrimSpace(in.Target)
	isLocal := func() bool {
		return in.IsLocalTarget != nil && target != "" && in.IsLocalTarget(target)
	}

	switch in.Route {
	case RouteLocal:
		return local("local route requested")
	case RouteUpstream:
		if in.HasUpstream {
			return upstream("upstream route requested")
		}
		return none("upstream route requested but no upstream transport")
	case RouteBoth:
		d := Decision{Local: isLocal(), Upstream: in.HasUpstream}
		switch {
		case d.Local && d.Upstream:
			d.Route, d.Reason = RouteBoth, "target is local and upstream is available"
		case d.Local:
			d.Route, d.Reason = RouteLocal, "target is local, no upstream transport"
		case d.Upstream:
			d.Route, d.Reason = RouteUpstream, "target is not local, upstream only"
		default:
			d.Route, d.Reason = RouteNone, "target is not local and no upstream transport"
		}
		return d
	}

	switch {
	case in.Broadcast:
		return local("broadcast is delivered locally")
	case target == "":
		return local("no target, delivered locally")
	case LooksExternal(target):
		if in.HasUpstream {
			return upstream("external host target")
		}
		return none("external host target but no upstream transport")
	case isLocal():
		return local("target is connected locally")
	case in.HasUpstream:
		return upstream("target is not local" + surfaceNote(in.Surface))
	default:
		return none("target is not local and no upstream transport")
	}
}

// LooksExternal reports whether target names a host outside the mesh: a
// URL, a dotted name or an IPv4 address.
func LooksExternal(target string) bool {
	if strings.Contains(target, "://") || strings.Contains(target, ".") {
		return true
	}
	addr, err := netip.ParseAddr(target)
	return err == nil && addr.Is4()
}

func surfaceNote(s topology.Surface) string {
	if s == "" || s == topology.SurfaceUnknown {
		return ""
	}
	return " (caller " + string(s) + ")"
}

func local(reason string) Decision {
	return Decision{Route: RouteLocal, Local: true, Reason: reason}
}

func upstream(reason string) Decision {
	return Decision{Route: RouteUpstream, Upstream: true, Reason: reason}
}

func none(reason string) Decision {
	return Decision{Route: RouteNone, Reason: reason}
}
