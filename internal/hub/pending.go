package hub

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/hubproto"
	"github.com/koltyakov/backhaul/internal/metrics"
)

type pendingKey struct {
	user    string
	device  string
	request string
}

type pendingResult struct {
	frame hubproto.Frame
	err   error
}

type pendingRequest struct {
	key    pendingKey
	connID string
	ch     chan pendingResult
}

// RequestToDevice sends f to the connection matching target and waits for
// the frame carrying the same request id. A zero timeout uses the configured
// default. The request completes exactly once: by reply, timeout, context
// cancellation or the device disconnecting.
func (h *Hub) RequestToDevice(ctx context.Context, userID, target string, f hubproto.Frame, timeout time.Duration) (hubproto.Frame, error) {
	if timeout <= 0 {
		timeout = h.cfg.RequestTimeout
	}
	c := h.lookup(userID, target)
	if c == nil {
		return hubproto.Frame{}, &domain.RelayError{Op: "request", Target: target, Err: domain.ErrDeviceNotConnected}
	}

	reqID := f.CorrelationID()
	if reqID == "" {
		reqID = uuid.NewString()
	}
	f.RequestID = reqID

	p := &pendingRequest{
		key:    pendingKey{user: c.UserID, device: c.identity(), request: reqID},
		connID: c.ID,
		ch:     make(chan pendingResult, 1),
	}
	if !h.addPending(p) {
		return hubproto.Frame{}, &domain.RelayError{Op: "request", Target: target, Err: errors.New("duplicate request id " + reqID)}
	}

	if !c.Send(f) {
		if h.takePending(p.key) {
			h.metrics.PendingDone(metrics.OutcomeDisconnect)
		}
		return hubproto.Frame{}, &domain.RelayError{Op: "request", Target: target, Err: domain.ErrDeviceDisconnected}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var outcome error
	select {
	case res := <-p.ch:
		return res.frame, wrapRequestErr(target, res.err)
	case <-timer.C:
		outcome = domain.ErrRequestTimeout
	case <-ctx.Done():
		outcome = ctx.Err()
	}

	if h.takePending(p.key) {
		label := metrics.OutcomeTimeout
		if !errors.Is(outcome, domain.ErrRequestTimeout) {
			label = metrics.OutcomeCanceled
		}
		h.metrics.PendingDone(label)
		return hubproto.Frame{}, wrapRequestErr(target, outcome)
	}
	// Another path removed the entry first and owns the result.
	res := <-p.ch
	return res.frame, wrapRequestErr(target, res.err)
}

func wrapRequestErr(target string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.RelayError{Op: "request", Target: target, Err: err}
}

func (h *Hub) addPending(p *pendingRequest) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.pending[p.key]; exists {
		return false
	}
	h.pending[p.key] = p
	h.metrics.PendingAdded()
	return true
}

// takePending removes the entry under key and reports whether this caller
// did the removal.
func (h *Hub) takePending(key pendingKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[key]; !ok {
		return false
	}
	delete(h.pending, key)
	return true
}

// completePending resolves the pending request answered by f. The exact
// (user, device, request) key is tried first, then any pending request of
// the same user with that request id.
func (h *Hub) completePending(c *Conn, requestID string, f hubproto.Frame) bool {
	h.mu.Lock()
	key := pendingKey{user: c.UserID, device: c.identity(), request: requestID}
	p, ok := h.pending[key]
	if !ok {
		for k, candidate := range h.pending {
			if k.user == c.UserID && k.request == requestID {
				p, ok = candidate, true
				break
			}
		}
	}
	if ok {
		delete(h.pending, p.key)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	h.finishPending(p, pendingResult{frame: f}, metrics.OutcomeReply)
	return true
}

// finishPending delivers the result of an entry already removed from the
// table.
func (h *Hub) finishPending(p *pendingRequest, res pendingResult, outcome string) {
	p.ch <- res
	h.metrics.PendingDone(outcome)
}

// PendingCount returns the number of requests awaiting a reply.
func (h *Hub) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
