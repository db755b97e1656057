// Package hub implements the reverse connection hub: it accepts push and
// reverse WebSocket connections, indexes reverse devices by identity,
// correlates device replies with pending requests and multiplexes ad-hoc TCP
// sessions over a device's connection.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/hubproto"
	"github.com/koltyakov/backhaul/internal/metrics"
	"github.com/koltyakov/backhaul/internal/netutil"
	"github.com/koltyakov/backhaul/internal/topology"
)

// Verifier checks connection credentials and returns the user's settings.
// A rejection must wrap domain.ErrUnauthorized.
type Verifier interface {
	Verify(ctx context.Context, userID, userKey string) (*domain.Settings, error)
}

// UnroutableFunc receives routed frames whose target is not connected
// locally. It reports whether the frame was taken.
type UnroutableFunc func(userID string, f hubproto.Frame) bool

// Config tunes hub limits and timeouts. Zero values take defaults.
type Config struct {
	RequestTimeout  time.Duration
	PingTimeout     time.Duration
	JanitorInterval time.Duration
	VerifyTimeout   time.Duration
	WriteTimeout    time.Duration
	TCPDialTimeout  time.Duration
	MaxTCPSessions  int
	ReadLimit       int64
	HandshakeRate   float64
	HandshakeBurst  int
}

const (
	defaultRequestTimeout  = 15 * time.Second
	defaultPingTimeout     = 90 * time.Second
	defaultJanitorInterval = 15 * time.Second
	defaultVerifyTimeout   = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultTCPDialTimeout  = 10 * time.Second
	defaultMaxTCPSessions  = 16
	defaultReadLimit       = 4 << 20
	defaultHandshakeRate   = 5
	defaultHandshakeBurst  = 10

	shutdownWait = 15 * time.Second
)

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = defaultJanitorInterval
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = defaultVerifyTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.TCPDialTimeout <= 0 {
		c.TCPDialTimeout = defaultTCPDialTimeout
	}
	if c.MaxTCPSessions <= 0 {
		c.MaxTCPSessions = defaultMaxTCPSessions
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.HandshakeRate <= 0 {
		c.HandshakeRate = defaultHandshakeRate
	}
	if c.HandshakeBurst <= 0 {
		c.HandshakeBurst = defaultHandshakeBurst
	}
	return c
}

type reverseKey struct {
	user string
	key  string
}

type Hub struct {
	cfg      Config
	verifier Verifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rateLimiter

	unroutable atomic.Pointer[UnroutableFunc]
	dialTCP    func(ctx context.Context, network, addr string) (net.Conn, error)

	mu         sync.Mutex
	conns      map[string]*Conn
	reverse    map[reverseKey]*Conn
	keysByConn map[string][]reverseKey
	userConns  map[string]int
	pending    map[pendingKey]*pendingRequest
	closed     bool

	wg sync.WaitGroup
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates a hub. m may be nil.
func New(cfg Config, verifier Verifier, logger *slog.Logger, m *metrics.Metrics) *Hub {
	cfg = cfg.withDefaults()
	var d net.Dialer
	return &Hub{
		cfg:        cfg,
		verifier:   verifier,
		log:        logger,
		metrics:    m,
		limiter:    newRateLimiter(cfg.HandshakeRate, cfg.HandshakeBurst),
		conns:      map[string]*Conn{},
		reverse:    map[reverseKey]*Conn{},
		keysByConn: map[string][]reverseKey{},
		userConns:  map[string]int{},
		pending:    map[pendingKey]*pendingRequest{},
		dialTCP:    d.DialContext,
	}
}

// SetUnroutable installs the hook for frames without a local target.
func (h *Hub) SetUnroutable(fn UnroutableFunc) {
	if fn == nil {
		h.unroutable.Store(nil)
		return
	}
	h.unroutable.Store(&fn)
}

type handshake struct {
	userID    string
	userKey   string
	namespace string
	mode      string
	deviceID  string
	label     string
	clientID  string
}

func parseHandshake(r *http.Request) (handshake, int, string) {
	q := r.URL.Query()
	hs := handshake{
		userID:    strings.TrimSpace(q.Get("userId")),
		userKey:   strings.TrimSpace(q.Get("userKey")),
		namespace: strings.TrimSpace(q.Get("namespace")),
		mode:      strings.ToLower(strings.TrimSpace(q.Get("mode"))),
		deviceID:  strings.TrimSpace(q.Get("deviceId")),
		label:     strings.TrimSpace(q.Get("label")),
		clientID:  strings.TrimSpace(q.Get("clientId")),
	}
	if hs.userID == "" || hs.userKey == "" {
		return hs, hubproto.CloseInvalidCredentials, "missing credentials"
	}
	if hs.namespace == "" {
		hs.namespace = hs.userID
	}
	switch hs.mode {
	case "":
		hs.mode = hubproto.ModePush
	case hubproto.ModePush, hubproto.ModeReverse:
	default:
		return hs, hubproto.CloseBadRequest, "unknown mode"
	}
	if hs.mode == hubproto.ModeReverse && hs.deviceID == "" {
		return hs, hubproto.CloseBadRequest, "reverse mode requires deviceId"
	}
	return hs, 0, ""
}

// ServeHTTP upgrades a connect request. Handshake failures are reported as
// WebSocket close codes after the upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs, code, reason := parseHandshake(r)
	remote := netutil.ClientIP(r)

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "remote", remote, "err", err)
		return
	}

	if !h.limiter.allow(remote) {
		h.reject(ws, hubproto.CloseRateLimited, "rate limited", "rate_limited")
		return
	}
	if code != 0 {
		h.reject(ws, code, reason, "bad_request")
		return
	}

	verifyCtx, cancel := context.WithTimeout(r.Context(), h.cfg.VerifyTimeout)
	settings, err := h.verify(verifyCtx, hs.userID, hs.userKey)
	cancel()
	if err != nil {
		h.log.Warn("connection rejected", "user_id", hs.userID, "remote", remote, "err", err)
		h.reject(ws, hubproto.CloseInvalidCredentials, "invalid credentials", "unauthorized")
		return
	}

	c := &Conn{
		ID:        uuid.NewString(),
		UserID:    hs.userID,
		Namespace: hs.namespace,
		Mode:      hs.mode,
		Remote:    remote,
		Surface:   topology.ClassifySurface(remote),
		Settings:  *settings,
		ws:        ws,
		tcp:       map[string]*tcpSession{},
	}
	if hs.mode == hubproto.ModeReverse {
		c.DeviceID = hs.deviceID
		c.PeerLabel = hs.label
		c.PeerID = hs.clientID
	}
	c.log = h.log.With("conn_id", c.ID, "user_id", c.UserID)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.setState(StateConnecting)
	ws.SetReadLimit(h.cfg.ReadLimit)

	c.pump = hubproto.NewWritePump(ws, h.cfg.WriteTimeout, 16, 256)
	c.touch(time.Now())

	superseded, err := h.register(c)
	if err != nil {
		closeCode, closeReason := hubproto.CloseConnectionLimit, "connection limit"
		if !errors.Is(err, domain.ErrConnectionLimit) {
			closeCode, closeReason = websocket.CloseGoingAway, "shutting down"
		}
		c.log.Warn("connection rejected", "err", err)
		h.reject(ws, closeCode, closeReason, "limit")
		c.pump.Close()
		c.cancel()
		return
	}
	c.setState(StateEstablished)
	h.metrics.ConnectionOpened(c.Mode)

	if superseded != nil {
		superseded.log.Info("reverse device superseded", "device_id", superseded.DeviceID, "by", c.ID)
		superseded.close(websocket.CloseNormalClosure, "superseded")
	}

	if c.Mode == hubproto.ModeReverse {
		c.log.Info("reverse device connected", "device_id", c.DeviceID, "label", c.PeerLabel, "peer_id", c.PeerID, "surface", c.Surface)
	} else {
		c.log.Info("push client connected", "namespace", c.Namespace, "surface", c.Surface)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.readLoop(c)
	}()

	c.Send(hubproto.Frame{
		Type:      hubproto.TypeWelcome,
		ID:        c.ID,
		UserID:    c.UserID,
		DeviceID:  c.DeviceID,
		PeerLabel: c.PeerLabel,
		PeerID:    c.PeerID,
		TS:        time.Now().UnixMilli(),
	})
}

func (h *Hub) verify(ctx context.Context, userID, userKey string) (*domain.Settings, error) {
	if h.verifier == nil {
		return nil, domain.ErrUnauthorized
	}
	settings, err := h.verifier.Verify(ctx, userID, userKey)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		s := domain.DefaultSettings()
		settings = &s
	}
	return settings, nil
}

func (h *Hub) reject(ws *websocket.Conn, code int, reason, metric string) {
	h.metrics.HandshakeRejected(metric)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = ws.Close()
}

// register indexes c. A reverse connection replacing a live connection of
// the same device returns the replaced connection so the caller can close
// it outside the lock.
func (h *Hub) register(c *Conn) (*Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.New("hub closed")
	}
	if limit := c.Settings.MaxConnections; limit > 0 && h.userConns[c.UserID] >= limit {
		return nil, domain.ErrConnectionLimit
	}

	h.conns[c.ID] = c
	h.userConns[c.UserID]++

	var superseded *Conn
	if c.Mode == hubproto.ModeReverse {
		if prev := h.reverse[reverseKey{c.UserID, normalizeKey(c.DeviceID)}]; prev != nil && prev != c {
			superseded = prev
		}
		keys := make([]reverseKey, 0, 3)
		for _, raw := range []string{c.DeviceID, c.PeerID, c.PeerLabel} {
			k := normalizeKey(raw)
			if k == "" {
				continue
			}
			rk := reverseKey{c.UserID, k}
			h.reverse[rk] = c
			keys = append(keys, rk)
		}
		h.keysByConn[c.ID] = keys
	}
	return superseded, nil
}

// unregister removes every trace of c from the hub and returns the pending
// requests it owned.
func (h *Hub) unregister(c *Conn) []*pendingRequest {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.ID]; !ok {
		return nil
	}
	delete(h.conns, c.ID)
	if n := h.userConns[c.UserID] - 1; n > 0 {
		h.userConns[c.UserID] = n
	} else {
		delete(h.userConns, c.UserID)
	}
	for _, rk := range h.keysByConn[c.ID] {
		if h.reverse[rk] == c {
			delete(h.reverse, rk)
		}
	}
	delete(h.keysByConn, c.ID)

	var owned []*pendingRequest
	for k, p := range h.pending {
		if p.connID == c.ID {
			delete(h.pending, k)
			owned = append(owned, p)
		}
	}
	return owned
}

// Run drives the janitor until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.runJanitor(ctx)
}

// Close closes every connection with GoingAway and waits for their read
// loops to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "shutting down")
	}
	if !waitGroupWait(&h.wg, shutdownWait) {
		h.log.Warn("timed out waiting for connections to close")
	}
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// indexSize reports the reverse index and per-connection key table sizes.
func (h *Hub) indexSize() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reverse), len(h.keysByConn)
}

func normalizeKey(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// waitGroupWait blocks until wg reaches zero or timeout elapses.
// Returns false if the timeout fired before all goroutines finished.
func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err,
		websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure)
}
