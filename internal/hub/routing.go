package hub

import (
	"encoding/json"
	"sort"

	"github.com/koltyakov/backhaul/internal/hubproto"
	"github.com/koltyakov/backhaul/internal/peers"
)

// lookup finds the connection of userID named by target: a reverse index key
// (device id, client id or label) or a connection id.
func (h *Hub) lookup(userID, target string) *Conn {
	k := normalizeKey(target)
	if k == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c := h.reverse[reverseKey{userID, k}]; c != nil {
		return c
	}
	if c := h.conns[target]; c != nil && c.UserID == userID {
		return c
	}
	return nil
}

func (h *Hub) userConnsSnapshot(userID string) []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, h.userConns[userID])
	for _, c := range h.conns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

// route relays a frame received from c to its addressed peer. Frames
// without a target, or marked broadcast, fan out to c's namespace.
func (h *Hub) route(c *Conn, f hubproto.Frame) {
	if f.From == "" {
		f.From = c.identity()
	}
	target := f.To
	if target == "" {
		target = f.DeviceID
	}
	if target == "" {
		target = f.PeerID
	}
	if target == "" || f.Broadcast {
		ns := f.Namespace
		if ns == "" {
			ns = c.Namespace
		}
		if h.Multicast(c.UserID, f, ns, c.ID) == 0 {
			h.metrics.FrameDropped("no_audience")
		}
		return
	}

	if dst := h.lookup(c.UserID, target); dst != nil {
		if dst == c {
			h.metrics.FrameDropped("self")
			return
		}
		if !dst.Send(f) {
			h.metrics.FrameDropped("write")
		}
		return
	}
	if fn := h.unroutable.Load(); fn != nil && (*fn)(c.UserID, f) {
		return
	}
	h.metrics.FrameDropped("unroutable")
	c.log.Debug("dropping unroutable frame", "type", f.Type, "to", target)
}

// Multicast sends f to every connection of userID in namespace (all
// namespaces when empty) except excludeID. It returns the number of
// successful writes.
func (h *Hub) Multicast(userID string, f hubproto.Frame, namespace, excludeID string) int {
	sent := 0
	for _, c := range h.userConnsSnapshot(userID) {
		if c.ID == excludeID {
			continue
		}
		if namespace != "" && c.Namespace != namespace {
			continue
		}
		if c.Send(f) {
			sent++
		}
	}
	return sent
}

// SendToDevice writes f to the connection matching target.
func (h *Hub) SendToDevice(userID, target string, f hubproto.Frame) bool {
	c := h.lookup(userID, target)
	if c == nil {
		return false
	}
	return c.Send(f)
}

// Notify pushes a notify frame to the user's push connections.
func (h *Hub) Notify(userID string, payload json.RawMessage) int {
	f := hubproto.Frame{Type: hubproto.TypeNotify, Payload: payload}
	sent := 0
	for _, c := range h.userConnsSnapshot(userID) {
		if c.Mode != hubproto.ModePush {
			continue
		}
		if c.Send(f) {
			sent++
		}
	}
	return sent
}

// IsLocal reports whether target names a live connection of userID.
func (h *Hub) IsLocal(userID, target string) bool {
	return h.lookup(userID, target) != nil
}

// Peers derives the peer profiles of userID's reverse devices, ordered by
// device id.
func (h *Hub) Peers(userID string) []peers.Peer {
	var out []peers.Peer
	for _, c := range h.userConnsSnapshot(userID) {
		if c.Mode != hubproto.ModeReverse || c.State() == StateClosed {
			continue
		}
		out = append(out, peers.Peer{ID: c.DeviceID, Label: c.PeerLabel, PeerID: c.PeerID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Users returns the ids of users with at least one connection.
func (h *Hub) Users() []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.userConns))
	for u := range h.userConns {
		out = append(out, u)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out
}
