package hub

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

func (h *Hub) runJanitor(ctx context.Context) {
	staleTicker := time.NewTicker(h.cfg.JanitorInterval)
	limiterTicker := time.NewTicker(limiterIdleAge)
	defer staleTicker.Stop()
	defer limiterTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTicker.C:
			h.expireStaleConns(time.Now())
		case <-limiterTicker.C:
			h.limiter.cleanup()
		}
	}
}

// expireStaleConns closes connections silent for longer than the ping
// timeout. It returns how many were closed.
func (h *Hub) expireStaleConns(now time.Time) int {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	expired := 0
	for _, c := range conns {
		lastSeen := c.lastSeen()
		if now.Sub(lastSeen) <= h.cfg.PingTimeout || c.State() == StateClosed {
			continue
		}
		c.log.Warn("client heartbeat timeout", "last_seen", lastSeen.UTC().Format(time.RFC3339))
		c.close(websocket.CloseGoingAway, "heartbeat timeout")
		expired++
	}
	return expired
}
