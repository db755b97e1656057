package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/hubproto"
	"github.com/koltyakov/backhaul/internal/metrics"
	"github.com/koltyakov/backhaul/internal/topology"
)

// ConnState is the lifecycle state of a Conn.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateEstablished
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// Conn is one accepted push or reverse connection. Identity fields are
// immutable after the handshake.
type Conn struct {
	ID        string
	UserID    string
	Namespace string
	Mode      string
	DeviceID  string
	PeerLabel string
	PeerID    string
	Remote    string
	Surface   topology.Surface
	Settings  domain.Settings

	ws   *websocket.Conn
	pump *hubproto.WritePump
	log  *slog.Logger

	// ctx is canceled by close so blocking work started from the read
	// loop ends with the connection.
	ctx    context.Context
	cancel context.CancelFunc

	state            atomic.Int32
	lastSeenUnixNano atomic.Int64
	closeOnce        sync.Once

	tcpMu sync.Mutex
	tcp   map[string]*tcpSession
}

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
}

func (c *Conn) touch(now time.Time) {
	c.lastSeenUnixNano.Store(now.UnixNano())
}

func (c *Conn) lastSeen() time.Time {
	return time.Unix(0, c.lastSeenUnixNano.Load())
}

// identity is the name other peers see in the from field.
func (c *Conn) identity() string {
	if c.DeviceID != "" {
		return c.DeviceID
	}
	return c.ID
}

// Send writes f to the connection. It reports false when the connection is
// closed or the write failed.
func (c *Conn) Send(f hubproto.Frame) bool {
	if c.State() == StateClosed || c.pump == nil {
		return false
	}
	if err := c.pump.WriteFrame(f); err != nil {
		c.log.Debug("frame write failed", "type", f.Type, "err", err)
		return false
	}
	return true
}

// close tears the socket down once. The read loop observes the failure and
// unregisters the connection.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = c.ws.Close()
		if c.pump != nil {
			c.pump.Close()
		}
	})
}

func (h *Hub) readLoop(c *Conn) {
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		c.closeAllTCP(h)
		owned := h.unregister(c)
		for _, p := range owned {
			h.finishPending(p, pendingResult{err: domain.ErrDeviceDisconnected}, metrics.OutcomeDisconnect)
		}
		h.metrics.ConnectionClosed(c.Mode)
		if c.Mode == hubproto.ModeReverse {
			c.log.Info("reverse device disconnected", "device_id", c.DeviceID, "pending_rejected", len(owned))
		} else {
			c.log.Info("push client disconnected")
		}
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !isClosedConnErr(err) && c.State() != StateClosed {
				c.log.Warn("connection read error", "err", err)
			}
			return
		}
		c.touch(time.Now())
		if msgType != websocket.TextMessage {
			h.metrics.FrameDropped("binary")
			continue
		}
		f, err := hubproto.Decode(data)
		if err != nil {
			h.metrics.FrameDropped("decode")
			c.log.Debug("dropping malformed frame", "err", err)
			continue
		}
		h.handleFrame(c, f)
	}
}

func (h *Hub) handleFrame(c *Conn, f hubproto.Frame) {
	switch f.Kind() {
	case hubproto.KindInvalid:
		h.metrics.FrameDropped("invalid")
	case hubproto.KindHandshake:
		if f.Type == hubproto.TypeHello {
			c.log.Debug("hello received", "peer_label", f.PeerLabel)
		}
	case hubproto.KindHeartbeat:
		if f.Type == hubproto.TypePing {
			c.Send(hubproto.Pong(f))
		}
	case hubproto.KindTCPConnect:
		h.handleTCPConnect(c, f)
	case hubproto.KindTCPSend:
		h.handleTCPSend(c, f)
	case hubproto.KindTCPClose:
		h.handleTCPClose(c, f)
	case hubproto.KindNotify, hubproto.KindTCPEvent, hubproto.KindRouted:
		if id := f.CorrelationID(); id != "" && h.completePending(c, id, f) {
			return
		}
		h.route(c, f)
	}
}
