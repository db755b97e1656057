package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koltyakov/backhaul/internal/dispatch"
	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/hubproto"
	"github.com/koltyakov/backhaul/internal/peers"
	"github.com/koltyakov/backhaul/internal/policy"
	"github.com/koltyakov/backhaul/internal/topology"
)

type sent struct {
	user   string
	target string
	frame  hubproto.Frame
}

type fakeHub struct {
	mu       sync.Mutex
	peers    []peers.Peer
	sent     []sent
	requests []sent
	reply    func(f hubproto.Frame) (hubproto.Frame, error)
}

func (h *fakeHub) IsLocal(_, target string) bool {
	for _, p := range h.peers {
		if strings.EqualFold(p.ID, target) {
			return true
		}
	}
	return false
}

func (h *fakeHub) Peers(string) []peers.Peer { return h.peers }

func (h *fakeHub) SendToDevice(user, target string, f hubproto.Frame) bool {
	if !h.IsLocal(user, target) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sent{user, target, f})
	return true
}

func (h *fakeHub) Multicast(user string, f hubproto.Frame, _, _ string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		h.sent = append(h.sent, sent{user, p.ID, f})
	}
	return len(h.peers)
}

func (h *fakeHub) RequestToDevice(_ context.Context, user, target string, f hubproto.Frame, _ time.Duration) (hubproto.Frame, error) {
	h.mu.Lock()
	h.requests = append(h.requests, sent{user, target, f})
	reply := h.reply
	h.mu.Unlock()
	if reply == nil {
		return hubproto.Frame{}, domain.ErrRequestTimeout
	}
	return reply(f)
}

func (h *fakeHub) sentFrames() []sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sent(nil), h.sent...)
}

type fakeUpstream struct {
	mu        sync.Mutex
	connected bool
	frames    []hubproto.Frame
	onSend    func(f hubproto.Frame)
}

func (u *fakeUpstream) Connected() bool { return u.connected }

func (u *fakeUpstream) Send(f hubproto.Frame) bool {
	if !u.connected {
		return false
	}
	u.mu.Lock()
	u.frames = append(u.frames, f)
	fn := u.onSend
	u.mu.Unlock()
	if fn != nil {
		fn(f)
	}
	return true
}

func (u *fakeUpstream) sentFrames() []hubproto.Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]hubproto.Frame(nil), u.frames...)
}

func testSnapshot() Snapshot {
	return Snapshot{
		Aliases: topology.NormalizeAliasMap(map[string]string{"cam": "pixel", "work": "laptop-1"}),
		Policy: policy.New([]policy.Policy{
			{ID: "phone", Tokens: []string{"phone"}, Forward: "gateway", AllowedOutcoming: policy.RuleList{"*", "!tablet"}},
			{ID: "tablet", Tokens: []string{"tablet"}},
			{ID: "gateway", Tokens: []string{"gateway"}},
		}),
		Nodes: []topology.Node{{ID: "nas", Domains: []string{"nas.home.arpa"}}},
	}
}

func newTestRouter(t *testing.T, h *fakeHub, up *fakeUpstream, snap Snapshot) *Router {
	t.Helper()
	opts := Options{Hub: h, UpstreamUser: "alice", RequestTimeout: time.Second}
	if up != nil {
		opts.Upstream = up
	}
	r, err := New(opts, snap, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDeliverLocalViaAlias(t *testing.T) {
	t.Parallel()

	h := &fakeHub{peers: []peers.Peer{{ID: "laptop-1", Label: "Work Laptop"}}}
	r := newTestRouter(t, h, nil, testSnapshot())

	res := r.Deliver(context.Background(), domain.DeliverRequest{UserID: "alice", Target: "work", Type: "clipboard.set", Payload: json.RawMessage(`{"t":1}`)})
	if !res.OK || res.Route != dispatch.RouteLocal || res.Audience != dispatch.AudienceExplicit {
		t.Fatalf("unexpected result %+v", res)
	}
	tr := res.Targets[0]
	if tr.Alias != "laptop-1" || tr.Peer.ID != "laptop-1" || !tr.Local {
		t.Fatalf("unexpected target result %+v", tr)
	}
	got := h.sentFrames()
	if len(got) != 1 || got[0].target != "laptop-1" || got[0].frame.ID == "" || string(got[0].frame.Payload) != `{"t":1}` {
		t.Fatalf("unexpected sends %+v", got)
	}
}

func TestDeliverPolicyDenied(t *testing.T) {
	t.Parallel()

	h := &fakeHub{peers: []peers.Peer{{ID: "tablet"}}}
	r := newTestRouter(t, h, nil, testSnapshot())

	res := r.Deliver(context.Background(), domain.DeliverRequest{UserID: "alice", Source: "phone", Target: "tablet", Type: "x"})
	if res.OK || res.Error != ErrCodeNotAllowed || !strings.Contains(res.Reason, "phone") {
		t.Fatalf("expected policy denial, got %+v", res)
	}
	if len(h.sentFrames()) != 0 {
		t.Fatal("denied delivery must not send")
	}
}

func TestDeliverUpstreamWhenNotLocal(t *testing.T) {
	t.Parallel()

	h := &fakeHub{}
	up := &fakeUpstream{connected: true}
	r := newTestRouter(t, h, up, testSnapshot())

	res := r.Deliver(context.Background(), domain.DeliverRequest{UserID: "alice", Source: "phone", Target: "nas.home.arpa", Type: "x"})
	if !res.OK || res.Route != dispatch.RouteUpstream {
		t.Fatalf("unexpected result %+v", res)
	}
	frames := up.sentFrames()
	if len(frames) != 1 || frames[0].From != "phone" {
		t.Fatalf("unexpected upstream frames %+v", frames)
	}
	// The frame id is remembered so an echo from upstream is dropped.
	r.HandleUpstream(frames[0])
	if len(h.sentFrames()) != 0 {
		t.Fatal("expected echoed frame to be dropped")
	}
}

func TestDeliverForwardChain(t *testing.T) {
	t.Parallel()

	h := &fakeHub{peers: []peers.Peer{{ID: "gateway"}}}
	r := newTestRouter(t, h, nil, testSnapshot())

	res := r.Deliver(context.Background(), domain.DeliverRequest{UserID: "alice", Source: "phone", Type: "x", Target: ""})
	// No target and no implicit targets: local broadcast fallback.
	if res.Audience != dispatch.AudienceImplicitEmpty || !res.OK {
		t.Fatalf("unexpected result %+v", res)
	}

	rr := r.Resolve("alice", "phone", "")
	if rr.Forward != "gateway" {
		t.Fatalf("expected phone to forward to gateway, got %+v", rr)
	}
}

func TestDeliverNoTransport(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeHub{}, nil, testSnapshot())
	res := r.Deliver(context.Background(), domain.DeliverRequest{UserID: "alice", Target: "ghost", Type: "x"})
	if res.OK || res.Error != ErrCodeNotDelivered || !strings.Contains(res.Reason, "no upstream") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDeliverBadRequest(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeHub{}, nil, testSnapshot())
	if res := r.Deliver(context.Background(), domain.DeliverRequest{UserID: "alice"}); res.Error != ErrCodeBadRequest {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDeliverImplicitTargetsAndBoth(t *testing.T) {
	t.Parallel()

	h := &fakeHub{peers: []peers.Peer{{ID: "laptop-1"}, {ID: "pixel"}}}
	up := &fakeUpstream{connected: true}
	snap := testSnapshot()
	snap.ImplicitTargets = []string{"work", "cam", "WORK"}
	r := newTestRouter(t, h, up, snap)

	res := r.Deliver(context.Background(), domain.DeliverRequest{UserID: "alice", Type: "x", Route: "both"})
	if !res.OK || res.Audience != dispatch.AudienceImplicitConfig || len(res.Targets) != 2 || res.Local != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := len(up.sentFrames()); n != 2 {
		t.Fatalf("expected both targets mirrored upstream, got %d", n)
	}
}

func TestDeliverAwaitLocal(t *testing.T) {
	t.Parallel()

	h := &fakeHub{
		peers: []peers.Peer{{ID: "laptop-1"}},
		reply: func(f hubproto.Frame) (hubproto.Frame, error) {
			return hubproto.Frame{Type: "reply", RequestID: f.RequestID}, nil
		},
	}
	r := newTestRouter(t, h, nil, testSnapshot())
	res := r.Deliver(context.Background(), domain.DeliverRequest{UserID: "alice", Target: "laptop-1", Type: "clipboard.get", Await: true})
	if !res.OK || res.Reply == nil || res.Reply.Type != "reply" || res.Reply.RequestID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	h.reply = nil
	res = r.Deliver(context.Background(), domain.DeliverRequest{UserID: "alice", Target: "laptop-1", Type: "clipboard.get", Await: true})
	if res.OK || res.Error != ErrCodeTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
}

func TestDeliverAwaitUpstream(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{connected: true}
	r := newTestRouter(t, &fakeHub{}, up, testSnapshot())
	up.onSend = func(f hubproto.Frame) {
		go r.HandleUpstream(hubproto.Frame{Type: "reply", ID: "r-1", RequestID: f.RequestID, From: f.To})
	}

	res := r.Deliver(context.Background(), domain.DeliverRequest{UserID: "alice", Target: "remote", Type: "q", Await: true})
	if !res.OK || res.Reply == nil || res.Reply.ID != "r-1" || res.Route != dispatch.RouteUpstream {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHandleUpstreamDeliversLocally(t *testing.T) {
	t.Parallel()

	h := &fakeHub{peers: []peers.Peer{{ID: "pixel", Label: "Pixel 8"}}}
	r := newTestRouter(t, h, &fakeUpstream{connected: true}, testSnapshot())

	r.HandleUpstream(hubproto.Frame{Type: "note", ID: "f-1", To: "cam"})
	r.HandleUpstream(hubproto.Frame{Type: "note", ID: "f-1", To: "cam"})
	got := h.sentFrames()
	if len(got) != 1 || got[0].target != "pixel" {
		t.Fatalf("expected one delivery to pixel, got %+v", got)
	}

	r.HandleUpstream(hubproto.Frame{Type: "note", ID: "f-2", Broadcast: true})
	if n := len(h.sentFrames()); n != 2 {
		t.Fatalf("expected broadcast delivery, got %d sends", n)
	}
}

func TestHandleUpstreamAnswersRequests(t *testing.T) {
	t.Parallel()

	h := &fakeHub{
		peers: []peers.Peer{{ID: "pixel"}},
		reply: func(f hubproto.Frame) (hubproto.Frame, error) {
			return hubproto.Frame{Type: "reply", Payload: json.RawMessage(`"ok"`)}, nil
		},
	}
	up := &fakeUpstream{connected: true}
	r := newTestRouter(t, h, up, testSnapshot())

	r.HandleUpstream(hubproto.Frame{Type: "clipboard.get", ID: "q-1", RequestID: "req-9", To: "pixel", From: "far-device"})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(up.sentFrames()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	frames := up.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected reply upstream, got %+v", frames)
	}
	if f := frames[0]; f.RequestID != "req-9" || f.To != "far-device" || f.From != "pixel" {
		t.Fatalf("unexpected reply %+v", f)
	}
}

func TestUnroutableHook(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	r := newTestRouter(t, &fakeHub{}, up, testSnapshot())

	if r.Unroutable("alice", hubproto.Frame{Type: "x", To: "remote"}) {
		t.Fatal("expected hook to decline without upstream")
	}
	up.connected = true
	if !r.Unroutable("alice", hubproto.Frame{Type: "x", To: "cam", From: "phone"}) {
		t.Fatal("expected hook to forward upstream")
	}
	if r.Unroutable("alice", hubproto.Frame{Type: "x", To: "tablet", From: "phone"}) {
		t.Fatal("expected policy to block forwarding")
	}
	frames := up.sentFrames()
	if len(frames) != 1 || frames[0].To != "pixel" || frames[0].ID == "" {
		t.Fatalf("unexpected upstream frames %+v", frames)
	}
}

func TestSwapReplacesSnapshot(t *testing.T) {
	t.Parallel()

	h := &fakeHub{peers: []peers.Peer{{ID: "tablet"}}}
	r := newTestRouter(t, h, nil, testSnapshot())
	req := domain.DeliverRequest{UserID: "alice", Source: "phone", Target: "tablet", Type: "x"}
	if r.Deliver(context.Background(), req).OK {
		t.Fatal("expected denial before swap")
	}
	r.Swap(Snapshot{})
	if res := r.Deliver(context.Background(), req); !res.OK {
		t.Fatalf("expected default-open routing after swap, got %+v", res)
	}
}
