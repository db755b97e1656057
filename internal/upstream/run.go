package upstream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/koltyakov/backhaul/internal/hubproto"
)

// Run dials and serves the upstream link until ctx is done or Stop is
// called. A passive connector just waits.
func (c *Connector) Run(ctx context.Context) error {
	if !c.Active() {
		c.waitStop(ctx)
		return nil
	}
	defer c.setState(StateClosed)

	b := &backoff.Backoff{Min: c.cfg.ReconnectDelay, Max: c.cfg.ReconnectMax, Factor: 2, Jitter: true}
	for {
		if ctx.Err() != nil || c.stopped() {
			return nil
		}
		endpoint := c.nextCandidate()
		opened, err := c.session(ctx, endpoint)
		if ctx.Err() != nil || c.stopped() {
			return nil
		}

		var delay time.Duration
		switch {
		case isAuthRejected(err):
			delay = c.cfg.AuthPenalty
			c.log.Warn("upstream rejected credentials; backing off", "endpoint", endpoint, "retry_in", delay.String())
		case opened:
			b.Reset()
			delay = c.cfg.ReconnectDelay
			c.log.Warn("upstream disconnected; reconnecting", "endpoint", endpoint, "err", err, "retry_in", delay.String())
		case isTLSVerifyError(err):
			delay = b.Duration()
			c.log.Warn("upstream TLS verification failed; check the gateway certificate chain and hostname, or use ws:// for a plain link",
				"endpoint", endpoint, "err", shortenError(err), "retry_in", delay.Round(time.Second).String())
		default:
			delay = b.Duration()
			c.log.Warn("upstream connect failed", "endpoint", endpoint, "err", shortenError(err), "retry_in", delay.Round(time.Second).String())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case <-time.After(delay):
		}
	}
}

// session dials endpoint and serves it until the connection ends. opened
// reports whether the WebSocket handshake succeeded.
func (c *Connector) session(ctx context.Context, endpoint string) (opened bool, err error) {
	c.mu.Lock()
	c.state = StateConnecting
	c.endpoint = endpoint
	c.attempts++
	c.mu.Unlock()

	target, err := c.connectURL(endpoint)
	if err != nil {
		c.recordErr(err)
		return false, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	ws, _, err := dialer.DialContext(dialCtx, target, nil)
	cancel()
	if err != nil {
		c.metrics.UpstreamDial("error")
		c.recordErr(err)
		return false, err
	}
	c.metrics.UpstreamDial("ok")

	pump := hubproto.NewWritePump(ws, defaultWriteTimeout, 16, 256)
	c.mu.Lock()
	if c.stopped() {
		c.mu.Unlock()
		pump.Close()
		_ = ws.Close()
		return true, nil
	}
	c.ws = ws
	c.pump = pump
	c.state = StateOpen
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.metrics.UpstreamConnected(true)
	c.log.Info("upstream connected", "endpoint", endpoint, "device_id", c.cfg.DeviceID, "sealed", c.codec != nil)

	done := make(chan struct{})
	defer func() {
		close(done)
		pump.Close()
		_ = ws.Close()
		c.mu.Lock()
		c.ws = nil
		c.pump = nil
		if c.state == StateOpen {
			c.state = StateClosed
		}
		c.mu.Unlock()
		c.metrics.UpstreamConnected(false)
		if err != nil {
			c.recordErr(err)
		}
	}()

	c.Send(hubproto.Frame{
		Type:      hubproto.TypeHello,
		DeviceID:  c.cfg.DeviceID,
		PeerLabel: c.cfg.Label,
		PeerID:    c.cfg.ClientID,
		TS:        time.Now().UnixMilli(),
	})
	go c.keepAlive(ctx, ws, done)

	return true, c.readLoop(ws)
}

func (c *Connector) keepAlive(ctx context.Context, ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = ws.Close()
			return
		case <-ticker.C:
			if !c.Send(hubproto.Ping()) {
				c.log.Debug("upstream ping failed")
			}
		}
	}
}

func (c *Connector) readLoop(ws *websocket.Conn) error {
	idle := 3 * c.cfg.PingInterval
	for {
		_ = ws.SetReadDeadline(time.Now().Add(idle))
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			c.metrics.FrameDropped("upstream_binary")
			continue
		}
		f, err := c.decode(data)
		if err != nil {
			c.metrics.FrameDropped("upstream_decode")
			c.log.Debug("dropping upstream frame", "err", err)
			continue
		}
		switch f.Type {
		case hubproto.TypePing:
			c.Send(hubproto.Pong(f))
			continue
		case hubproto.TypePong:
			continue
		case hubproto.TypeWelcome:
			c.log.Debug("upstream welcome", "conn_id", f.ID)
			continue
		}
		if c.handler != nil {
			c.handler(f)
		}
	}
}

func (c *Connector) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = shortenError(err)
	c.mu.Unlock()
}
