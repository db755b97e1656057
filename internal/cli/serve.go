package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/backhaul/internal/auth"
	"github.com/koltyakov/backhaul/internal/config"
	"github.com/koltyakov/backhaul/internal/debughttp"
	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/hub"
	"github.com/koltyakov/backhaul/internal/hubproto"
	ilog "github.com/koltyakov/backhaul/internal/log"
	"github.com/koltyakov/backhaul/internal/metrics"
	"github.com/koltyakov/backhaul/internal/relay"
	"github.com/koltyakov/backhaul/internal/store/sqlite"
	"github.com/koltyakov/backhaul/internal/upstream"
)

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := config.ParseHubFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "serve config error:", err)
		return 2
	}
	logger := ilog.NewWithOptions(ilog.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	routing, err := config.LoadRouting(cfg.RoutingFile)
	if err != nil {
		fmt.Fprintln(stderr, "routing config error:", err)
		return 2
	}

	var store *sqlite.Store
	if cfg.DBPath != "" {
		store, err = sqlite.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintln(stderr, "db error:", err)
			return 1
		}
		defer func() { _ = store.Close() }()
	}

	rt, err := newRuntime(cfg, routing, store, logger)
	if err != nil {
		fmt.Fprintln(stderr, "serve config error:", err)
		return 2
	}
	if err := rt.run(ctx); err != nil {
		fmt.Fprintln(stderr, "serve error:", err)
		return 1
	}
	return 0
}

// runtime is the wired hub process: hub, router, upstream link and the
// credential sources behind them.
type runtime struct {
	cfg      config.HubConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	users    *staticUsers
	hub      *hub.Hub
	router   *relay.Router
	upstream *upstream.Connector
}

func newRuntime(cfg config.HubConfig, routing *config.Routing, store *sqlite.Store, logger *slog.Logger) (*runtime, error) {
	m := metrics.New()
	users := newStaticUsers(routing.StaticUsers())
	verifier := auth.Chain{users}
	if store != nil {
		verifier = append(verifier, store)
	}

	h := hub.New(hub.Config{
		RequestTimeout:  cfg.RequestTimeout,
		PingTimeout:     cfg.PingTimeout,
		JanitorInterval: cfg.JanitorInterval,
		MaxTCPSessions:  cfg.MaxTCPSessions,
		HandshakeRate:   cfg.HandshakeRate,
		HandshakeBurst:  cfg.HandshakeBurst,
	}, verifier, ilog.Component(logger, "hub"), m)

	up, err := config.ResolveUpstream(routing.Upstream)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: logger, metrics: m, users: users, hub: h}
	handler := func(f hubproto.Frame) { rt.router.HandleUpstream(f) }
	upLog := ilog.Component(logger, "upstream")
	rt.upstream, err = upstream.New(up.Config, handler, upLog, m)
	if errors.Is(err, domain.ErrNoCandidates) {
		// Every endpoint is this host: this node is the gateway.
		upLog.Warn("all upstream endpoints point at this host; running without upstream", "endpoints", up.Config.Endpoints)
		up.Config.Mode = upstream.ModePassive
		rt.upstream, err = upstream.New(up.Config, handler, upLog, m)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	rt.router, err = relay.New(relay.Options{
		Hub:            h,
		Upstream:       rt.upstream,
		UpstreamUser:   up.LocalUser,
		RequestTimeout: cfg.RequestTimeout,
	}, routing.Snapshot(), ilog.Component(logger, "relay"), m)
	if err != nil {
		return nil, err
	}
	h.SetUnroutable(rt.router.Unroutable)
	return rt, nil
}

// apply installs a reloaded routing file. Upstream settings only take
// effect on restart.
func (rt *runtime) apply(routing *config.Routing) {
	rt.router.Swap(routing.Snapshot())
	rt.users.Store(routing.StaticUsers())
	rt.log.Info("routing reloaded",
		"aliases", len(routing.Aliases),
		"policies", len(routing.Policies),
		"users", len(routing.Users))
}

func (rt *runtime) sources() debughttp.Sources {
	return debughttp.Sources{
		Metrics:  rt.metrics.Handler(),
		Users:    rt.hub.Users,
		Peers:    rt.hub.Peers,
		Upstream: rt.upstream.Status,
		Resolve:  rt.router.Resolve,
		Deliver: func(ctx context.Context, req domain.DeliverRequest) relay.Result {
			return rt.router.Deliver(ctx, req)
		},
	}
}

// run serves until ctx is done or a component fails.
func (rt *runtime) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := debughttp.Start(gctx, rt.cfg.DebugListen, ilog.Component(rt.log, "debug"), rt.sources()); err != nil {
		return fmt.Errorf("debug listener: %w", err)
	}

	g.Go(func() error {
		rt.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		defer rt.upstream.Stop()
		return rt.upstream.Run(gctx)
	})
	if rt.cfg.RoutingFile != "" {
		g.Go(func() error {
			return config.WatchRouting(gctx, rt.cfg.RoutingFile, rt.log, rt.apply)
		})
	}
	g.Go(func() error {
		return serveHub(gctx, rt.cfg, rt.hub, ilog.Component(rt.log, "listener"))
	})

	return g.Wait()
}

// staticUsers verifies against the routing file users and follows reloads.
type staticUsers struct {
	p atomic.Pointer[auth.Static]
}

func newStaticUsers(s auth.Static) *staticUsers {
	u := &staticUsers{}
	u.Store(s)
	return u
}

func (u *staticUsers) Store(s auth.Static) {
	if s == nil {
		s = auth.Static{}
	}
	u.p.Store(&s)
}

func (u *staticUsers) Verify(ctx context.Context, userID, userKey string) (*domain.Settings, error) {
	return u.p.Load().Verify(ctx, userID, userKey)
}
