package hub

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/hubproto"
	"github.com/koltyakov/backhaul/internal/netutil"
)

// TCP error reasons reported in tcp.error frames.
const (
	TCPReasonBadRequest     = "bad-request"
	TCPReasonForbidden      = "forbidden"
	TCPReasonLimitExceeded  = "limit-exceeded"
	TCPReasonDuplicate      = "duplicate-session"
	TCPReasonConnectFailed  = "connect-failed"
	TCPReasonUnknownSession = "unknown-session"
	TCPReasonWriteFailed    = "write-failed"
)

const (
	tcpReadBufferSize = 32 << 10
	tcpWriteTimeout   = 10 * time.Second
)

type tcpSession struct {
	id   string
	host string
	port int
	conn net.Conn
}

func tcpError(sessionID, reason string, err error) hubproto.Frame {
	f := hubproto.Frame{Type: hubproto.TypeTCPError, SessionID: sessionID, Reason: reason}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

func parseTCPTarget(f hubproto.Frame) (string, int) {
	host := strings.TrimSpace(f.Host)
	if host == "" {
		host = strings.TrimSpace(f.Target)
	}
	port := f.Port
	if port == 0 {
		if h, p, err := net.SplitHostPort(host); err == nil {
			if n, err := strconv.Atoi(p); err == nil {
				host, port = h, n
			}
		}
	}
	return strings.Trim(host, "[]"), port
}

// tcpAllowed applies the passthrough allow-list: loopback and private
// destinations are always reachable, anything else needs an entry.
func tcpAllowed(s domain.Settings, host string, port int) bool {
	if !s.AllowTCP {
		return false
	}
	if netutil.IsLoopback(host) {
		return true
	}
	if addr, ok := netutil.ParseAddr(host); ok && netutil.IsPrivate(addr) {
		return true
	}
	return s.PermitsTCP(host, port)
}

// dialTimeout honors a client-requested timeout up to the configured one.
func (h *Hub) dialTimeout(requestedMS int) time.Duration {
	timeout := h.cfg.TCPDialTimeout
	if requestedMS > 0 {
		timeout = min(timeout, time.Duration(requestedMS)*time.Millisecond)
	}
	return timeout
}

func (h *Hub) handleTCPConnect(c *Conn, f hubproto.Frame) {
	sid := strings.TrimSpace(f.SessionID)
	if sid == "" {
		sid = uuid.NewString()
	}
	host, port := parseTCPTarget(f)
	if host == "" || port < 1 || port > 65535 {
		c.Send(tcpError(sid, TCPReasonBadRequest, errors.New("missing or invalid host/port")))
		return
	}
	if !tcpAllowed(c.Settings, host, port) {
		c.log.Warn("tcp destination not allowed", "session_id", sid, "host", host, "port", port)
		c.Send(tcpError(sid, TCPReasonForbidden, nil))
		return
	}

	sess := &tcpSession{id: sid, host: host, port: port}
	c.tcpMu.Lock()
	if _, dup := c.tcp[sid]; dup {
		c.tcpMu.Unlock()
		c.Send(tcpError(sid, TCPReasonDuplicate, nil))
		return
	}
	if len(c.tcp) >= h.cfg.MaxTCPSessions {
		c.tcpMu.Unlock()
		c.Send(tcpError(sid, TCPReasonLimitExceeded, nil))
		return
	}
	c.tcp[sid] = sess
	c.tcpMu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, h.dialTimeout(f.TimeoutMS))
	nc, err := h.dialTCP(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	cancel()
	if err != nil {
		if c.takeTCP(sid) != nil {
			c.Send(tcpError(sid, TCPReasonConnectFailed, err))
		}
		return
	}

	c.tcpMu.Lock()
	if c.tcp[sid] != sess {
		c.tcpMu.Unlock()
		_ = nc.Close()
		return
	}
	sess.conn = nc
	c.tcpMu.Unlock()

	h.metrics.TCPSessionOpened()
	c.log.Debug("tcp session opened", "session_id", sid, "host", host, "port", port)
	c.Send(hubproto.Frame{Type: hubproto.TypeTCPConnected, SessionID: sid, Host: host, Port: port})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.pumpTCP(c, sess)
	}()
}

func (h *Hub) pumpTCP(c *Conn, sess *tcpSession) {
	buf := make([]byte, tcpReadBufferSize)
	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !c.Send(hubproto.Frame{Type: hubproto.TypeTCPData, SessionID: sess.id, Data: hubproto.TCPData(chunk)}) {
				h.endTCP(c, sess.id, hubproto.Frame{})
				return
			}
		}
		if err != nil {
			reason := "eof"
			if !errors.Is(err, io.EOF) {
				reason = "read-error"
			}
			h.endTCP(c, sess.id, hubproto.Frame{Type: hubproto.TypeTCPClosed, SessionID: sess.id, Reason: reason})
			return
		}
	}
}

func (h *Hub) handleTCPSend(c *Conn, f hubproto.Frame) {
	sid := strings.TrimSpace(f.SessionID)
	c.tcpMu.Lock()
	sess := c.tcp[sid]
	c.tcpMu.Unlock()
	if sess == nil || sess.conn == nil {
		c.Send(tcpError(sid, TCPReasonUnknownSession, nil))
		return
	}
	data, err := f.TCPBytes()
	if err != nil {
		c.Send(tcpError(sid, TCPReasonBadRequest, err))
		return
	}
	if len(data) == 0 {
		return
	}
	_ = sess.conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
	if _, err := sess.conn.Write(data); err != nil {
		h.endTCP(c, sid, tcpError(sid, TCPReasonWriteFailed, err))
	}
}

func (h *Hub) handleTCPClose(c *Conn, f hubproto.Frame) {
	sid := strings.TrimSpace(f.SessionID)
	h.endTCP(c, sid, hubproto.Frame{Type: hubproto.TypeTCPClosed, SessionID: sid, Reason: "closed"})
}

// endTCP removes a session once and sends terminal when this call did the
// removal. An empty terminal frame sends nothing.
func (h *Hub) endTCP(c *Conn, sid string, terminal hubproto.Frame) {
	sess := c.takeTCP(sid)
	if sess == nil {
		return
	}
	if sess.conn != nil {
		_ = sess.conn.Close()
		h.metrics.TCPSessionClosed()
	}
	c.log.Debug("tcp session closed", "session_id", sid, "reason", terminal.Reason)
	if terminal.Type != "" {
		c.Send(terminal)
	}
}

func (c *Conn) takeTCP(sid string) *tcpSession {
	c.tcpMu.Lock()
	defer c.tcpMu.Unlock()
	sess := c.tcp[sid]
	if sess == nil {
		return nil
	}
	delete(c.tcp, sid)
	return sess
}

func (c *Conn) closeAllTCP(h *Hub) {
	c.tcpMu.Lock()
	sessions := make([]*tcpSession, 0, len(c.tcp))
	for sid, sess := range c.tcp {
		sessions = append(sessions, sess)
		delete(c.tcp, sid)
	}
	c.tcpMu.Unlock()

	for _, sess := range sessions {
		if sess.conn != nil {
			_ = sess.conn.Close()
			h.metrics.TCPSessionClosed()
		}
	}
}

// TCPSessionCount returns the open passthrough sessions on the connection.
func (c *Conn) TCPSessionCount() int {
	c.tcpMu.Lock()
	defer c.tcpMu.Unlock()
	return len(c.tcp)
}
