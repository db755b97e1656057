// Package upstream maintains the relay's outbound reverse connection to a
// gateway hub. It dials configured candidates round-robin, keeps the link
// alive with heartbeats and reconnects with backoff until stopped.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/backhaul/internal/envelope"
	"github.com/koltyakov/backhaul/internal/hubproto"
	"github.com/koltyakov/backhaul/internal/metrics"
	"github.com/koltyakov/backhaul/internal/netutil"
)

const (
	ModeActive  = "active"
	ModePassive = "passive"
)

const (
	defaultConnectTimeout = 12 * time.Second
	defaultPingInterval   = 20 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultReconnectMax   = time.Minute
	defaultAuthPenalty    = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// State is the connector lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config describes the upstream link. Zero durations take defaults.
type Config struct {
	Mode      string
	Endpoints []string
	UserID    string
	UserKey   string
	DeviceID  string
	Label     string
	ClientID  string
	Namespace string

	Secret        string
	PrivateKeyPEM []byte
	PeerKeyPEM    []byte

	ConnectTimeout time.Duration
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	ReconnectMax   time.Duration
	AuthPenalty    time.Duration

	// LocalAddrs overrides the host's own address set used for self-loop
	// filtering.
	LocalAddrs map[string]struct{}
}

func (c Config) withDefaults() Config {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = ModeActive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ReconnectMax < c.ReconnectDelay {
		c.ReconnectMax = max(defaultReconnectMax, c.ReconnectDelay)
	}
	if c.AuthPenalty <= 0 {
		c.AuthPenalty = defaultAuthPenalty
	}
	return c
}

// Handler receives frames read from the upstream hub.
type Handler func(f hubproto.Frame)

// Status is a point-in-time view of the connector.
type Status struct {
	Mode        string    `json:"mode"`
	State       string    `json:"state"`
	Connected   bool      `json:"connected"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Candidates  []string  `json:"candidates,omitempty"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
}

// Connector owns the upstream connection.
type Connector struct {
	cfg        Config
	log        *slog.Logger
	metrics    *metrics.Metrics
	codec      *envelope.Codec
	handler    Handler
	candidates []string
	next       atomic.Uint64

	mu          sync.Mutex
	state       State
	ws          *websocket.Conn
	pump        *hubproto.WritePump
	endpoint    string
	attempts    int
	lastErr     string
	connectedAt time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New validates cfg and returns an idle connector. Active mode needs at
// least one endpoint that is not this host, and credentials.
func New(cfg Config, handler Handler, logger *slog.Logger, m *metrics.Metrics) (*Connector, error) {
	cfg = cfg.withDefaults()
	c := &Connector{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		handler: handler,
		stop:    make(chan struct{}),
	}
	switch cfg.Mode {
	case ModePassive:
		return c, nil
	case ModeActive:
	default:
		return nil, fmt.Errorf("unknown upstream mode %q", cfg.Mode)
	}

	if strings.TrimSpace(cfg.UserID) == "" || strings.TrimSpace(cfg.UserKey) == "" {
		return nil, errors.New("upstream requires user id and key")
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errors.New("upstream requires a device id")
	}
	local := cfg.LocalAddrs
	if local == nil {
		local = netutil.LocalAddresses()
	}
	candidates, err := FilterCandidates(cfg.Endpoints, local)
	if err != nil {
		return nil, err
	}
	c.candidates = candidates

	if cfg.Secret != "" {
		codec, err := envelope.New(envelope.Options{
			Secret:        cfg.Secret,
			From:          cfg.DeviceID,
			PrivateKeyPEM: cfg.PrivateKeyPEM,
			PeerKeyPEM:    cfg.PeerKeyPEM,
		})
		if err != nil {
			return nil, fmt.Errorf("upstream envelope: %w", err)
		}
		c.codec = codec
	}
	return c, nil
}

// Active reports whether the connector dials.
func (c *Connector) Active() bool {
	return c != nil && c.cfg.Mode == ModeActive
}

// Connected reports whether the link is open.
func (c *Connector) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// Send writes f upstream. It reports false when the link is not open or
// the write could not be queued.
func (c *Connector) Send(f hubproto.Frame) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	pump := c.pump
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || pump == nil {
		return false
	}

	data, err := c.encode(f)
	if err != nil {
		c.log.Debug("upstream frame encode failed", "type", f.Type, "err", err)
		return false
	}
	if err := pump.WriteText(data, f.Control()); err != nil {
		c.log.Debug("upstream write failed", "type", f.Type, "err", err)
		return false
	}
	return true
}

// Status returns a snapshot of the connector.
func (c *Connector) Status() Status {
	if c == nil {
		return Status{Mode: ModePassive, State: StateClosed.String()}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Mode == ModePassive {
		return Status{Mode: ModePassive, State: StateIdle.String()}
	}
	return Status{
		Mode:        c.cfg.Mode,
		State:       c.state.String(),
		Connected:   c.state == StateOpen,
		Endpoint:    c.endpoint,
		Candidates:  append([]string(nil), c.candidates...),
		Attempts:    c.attempts,
		LastError:   c.lastErr,
		ConnectedAt: c.connectedAt,
	}
}

// Stop ends the reconnect loop and closes the current connection.
func (c *Connector) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		ws := c.ws
		if c.state == StateOpen || c.state == StateConnecting {
			c.state = StateClosing
		}
		c.mu.Unlock()
		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stopping"), time.Now().Add(time.Second))
			_ = ws.Close()
		}
	})
}

func (c *Connector) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// waitStop blocks until ctx is done or Stop is called.
func (c *Connector) waitStop(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-c.stop:
	}
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connector) nextCandidate() string {
	n := c.next.Add(1) - 1
	return c.candidates[n%uint64(len(c.candidates))]
}
