// Package relay ties the routing layer to the transports: it resolves a
// delivery's audience through aliases, forward policies and peer identity,
// plans the route and hands frames to the local hub, the upstream link or
// both. It also receives frames from upstream and forwards frames the hub
// cannot deliver locally.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/koltyakov/backhaul/internal/hubproto"
	"github.com/koltyakov/backhaul/internal/metrics"
	"github.com/koltyakov/backhaul/internal/peers"
	"github.com/koltyakov/backhaul/internal/policy"
	"github.com/koltyakov/backhaul/internal/topology"
)

const (
	defaultLoopGuardSize  = 4096
	defaultRequestTimeout = 15 * time.Second
)

// Hub is the local delivery surface the router needs.
type Hub interface {
	IsLocal(userID, target string) bool
	Peers(userID string) []peers.Peer
	SendToDevice(userID, target string, f hubproto.Frame) bool
	Multicast(userID string, f hubproto.Frame, namespace, excludeID string) int
	RequestToDevice(ctx context.Context, userID, target string, f hubproto.Frame, timeout time.Duration) (hubproto.Frame, error)
}

// Upstream is the outbound link to a gateway hub.
type Upstream interface {
	Send(f hubproto.Frame) bool
	Connected() bool
}

// Snapshot is the immutable routing configuration. Replace it with Swap.
type Snapshot struct {
	Aliases         topology.AliasMap
	Policy          *policy.Engine
	Nodes           []topology.Node
	ImplicitTargets []string
}

// Options wires a Router.
type Options struct {
	Hub      Hub
	Upstream Upstream
	// UpstreamUser is the local user that frames arriving from upstream
	// are delivered to.
	UpstreamUser   string
	RequestTimeout time.Duration
	LoopGuardSize  int
}

// Router routes deliveries between the local hub and upstream.
type Router struct {
	hub            Hub
	upstream       Upstream
	upstreamUser   string
	requestTimeout time.Duration
	log            *slog.Logger
	metrics        *metrics.Metrics

	snap atomic.Pointer[Snapshot]
	seen *lru.Cache[string, struct{}]

	mu       sync.Mutex
	awaiting map[string]chan hubproto.Frame
}

// New builds a router over snap.
func New(opts Options, snap Snapshot, logger *slog.Logger, m *metrics.Metrics) (*Router, error) {
	if opts.Hub == nil {
		return nil, errors.New("relay requires a hub")
	}
	size := opts.LoopGuardSize
	if size <= 0 {
		size = defaultLoopGuardSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	r := &Router{
		hub:            opts.Hub,
		upstream:       opts.Upstream,
		upstreamUser:   strings.TrimSpace(opts.UpstreamUser),
		requestTimeout: timeout,
		log:            logger,
		metrics:        m,
		seen:           seen,
		awaiting:       map[string]chan hubproto.Frame{},
	}
	r.Swap(snap)
	return r, nil
}

// Swap atomically replaces the routing configuration.
func (r *Router) Swap(s Snapshot) {
	if s.Policy == nil {
		s.Policy = policy.New(nil)
	}
	if s.Aliases == nil {
		s.Aliases = topology.AliasMap{}
	}
	r.snap.Store(&s)
}

// Snapshot returns the active routing configuration.
func (r *Router) Snapshot() *Snapshot {
	return r.snap.Load()
}

func (r *Router) hasUpstream() bool {
	return r.upstream != nil && r.upstream.Connected()
}

// Resolve reports how target would be resolved for userID from source,
// without delivering anything.
func (r *Router) Resolve(userID, source, target string) Resolution {
	return r.resolve(r.snap.Load(), userID, source, target)
}
