package relay

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/hubproto"
)

// sendUpstream marks f as seen and writes it to the upstream link.
func (r *Router) sendUpstream(f hubproto.Frame) bool {
	if !r.hasUpstream() {
		return false
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	r.seen.Add(f.ID, struct{}{})
	return r.upstream.Send(f)
}

// requestUpstream sends f upstream and waits for the frame carrying its
// request id.
func (r *Router) requestUpstream(ctx context.Context, f hubproto.Frame, timeout time.Duration) (hubproto.Frame, error) {
	ch := make(chan hubproto.Frame, 1)
	r.mu.Lock()
	r.awaiting[f.RequestID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.awaiting, f.RequestID)
		r.mu.Unlock()
	}()

	if !r.sendUpstream(f) {
		return hubproto.Frame{}, &domain.RelayError{Op: "upstream request", Target: f.To, Err: domain.ErrDeviceNotConnected}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return hubproto.Frame{}, &domain.RelayError{Op: "upstream request", Target: f.To, Err: domain.ErrRequestTimeout}
	case <-ctx.Done():
		return hubproto.Frame{}, &domain.RelayError{Op: "upstream request", Target: f.To, Err: ctx.Err()}
	}
}

// completeUpstream hands f to the request waiting for it.
func (r *Router) completeUpstream(f hubproto.Frame) bool {
	id := f.CorrelationID()
	if id == "" {
		return false
	}
	r.mu.Lock()
	ch, ok := r.awaiting[id]
	if ok {
		delete(r.awaiting, id)
	}
	r.mu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

// HandleUpstream delivers a frame received from the upstream link to the
// local hub. Frames already seen are dropped so a cycle in the mesh cannot
// bounce a frame forever.
func (r *Router) HandleUpstream(f hubproto.Frame) {
	if f.ID != "" {
		if seen, _ := r.seen.ContainsOrAdd(f.ID, struct{}{}); seen {
			r.metrics.FrameDropped("loop")
			return
		}
	}
	if r.completeUpstream(f) {
		return
	}
	userID := r.upstreamUser
	if userID == "" {
		r.metrics.FrameDropped("upstream_no_user")
		return
	}

	target := f.To
	if target == "" {
		target = f.DeviceID
	}
	if target == "" {
		target = f.PeerID
	}
	if target == "" {
		if f.Broadcast {
			r.hub.Multicast(userID, f, f.Namespace, "")
			return
		}
		r.metrics.FrameDropped("upstream_no_target")
		return
	}

	s := r.snap.Load()
	res := r.resolve(s, userID, f.From, target)
	if !res.Decision.Allowed {
		r.log.Info("upstream frame denied", "from", f.From, "to", target, "reason", res.Decision.Reason)
		r.metrics.FrameDropped("not_allowed")
		return
	}
	f.To = res.Peer.ID

	if f.CorrelationID() != "" && f.Kind() == hubproto.KindRouted {
		go r.answerUpstream(userID, f)
		return
	}
	if !r.hub.SendToDevice(userID, f.To, f) {
		r.metrics.FrameDropped("upstream_undeliverable")
		r.log.Debug("upstream frame not deliverable", "to", f.To, "type", f.Type)
	}
}

// answerUpstream forwards an upstream request to the local device and
// sends its reply back upstream addressed to the requester.
func (r *Router) answerUpstream(userID string, f hubproto.Frame) {
	reply, err := r.hub.RequestToDevice(context.Background(), userID, f.To, f, r.requestTimeout)
	if err != nil {
		r.log.Debug("upstream request failed", "to", f.To, "request_id", f.RequestID, "err", err)
		return
	}
	reply.ID = uuid.NewString()
	reply.RequestID = f.CorrelationID()
	if reply.To == "" {
		reply.To = f.From
	}
	if reply.From == "" {
		reply.From = f.To
	}
	r.sendUpstream(reply)
}

// Unroutable is the hub hook for frames without a local target: they go
// upstream when the link is up and policy allows.
func (r *Router) Unroutable(userID string, f hubproto.Frame) bool {
	if !r.hasUpstream() {
		return false
	}
	if f.ID != "" && r.seen.Contains(f.ID) {
		return false
	}
	s := r.snap.Load()
	target := f.To
	if target == "" {
		target = f.DeviceID
	}
	res := r.resolve(s, userID, f.From, target)
	if !res.Decision.Allowed {
		r.log.Info("frame not forwarded upstream", "user_id", userID, "from", f.From, "to", target, "reason", res.Decision.Reason)
		return false
	}
	f.To = res.Peer.ID
	return r.sendUpstream(f)
}
