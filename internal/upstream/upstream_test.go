package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/backhaul/internal/auth"
	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/envelope"
	"github.com/koltyakov/backhaul/internal/hub"
	"github.com/koltyakov/backhaul/internal/hubproto"
)

var noLocal = map[string]struct{}{}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startGateway(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New(hub.Config{HandshakeRate: 1000, HandshakeBurst: 1000}, auth.Static{
		"relay": {Key: "k"},
	}, testLogger(), nil)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runConnector(t *testing.T, c *Connector) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		c.Stop()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("connector did not stop")
		}
	})
}

func TestFilterCandidates(t *testing.T) {
	t.Parallel()

	local := map[string]struct{}{"10.0.0.5": {}, "myhost": {}, "localhost": {}}
	got, err := FilterCandidates([]string{
		"gateway.example.com:8443",
		"ws://gateway.example.com:8443/v1/connect",
		"https://secure.example.com",
		"10.0.0.5:9000",
		"ws://MyHost:9000",
		"localhost:1",
		"ftp://nope",
		"",
	}, local)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"ws://gateway.example.com:8443/v1/connect",
		"wss://secure.example.com/v1/connect",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("FilterCandidates = %v, want %v", got, want)
	}

	if _, err := FilterCandidates([]string{"10.0.0.5:9000", "localhost"}, local); !errors.Is(err, domain.ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	base := Config{Endpoints: []string{"gw.example.com:80"}, UserID: "u", UserKey: "k", DeviceID: "edge", LocalAddrs: noLocal}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
		ok      bool
	}{
		{"valid", func(*Config) {}, nil, true},
		{"passive needs nothing", func(c *Config) { *c = Config{Mode: ModePassive} }, nil, true},
		{"missing key", func(c *Config) { c.UserKey = "" }, nil, false},
		{"missing device", func(c *Config) { c.DeviceID = "" }, nil, false},
		{"unknown mode", func(c *Config) { c.Mode = "sometimes" }, nil, false},
		{"only self", func(c *Config) { c.LocalAddrs = map[string]struct{}{"gw.example.com": {}} }, domain.ErrNoCandidates, false},
		{"no endpoints", func(c *Config) { c.Endpoints = nil }, domain.ErrNoCandidates, false},
	}
	for _, tt := range tests {
		cfg := base
		tt.mutate(&cfg)
		_, err := New(cfg, nil, testLogger(), nil)
		if tt.ok != (err == nil) {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestPassiveConnector(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Mode: ModePassive}, nil, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Active() || c.Send(hubproto.Frame{Type: "x"}) {
		t.Fatal("passive connector must not send")
	}
	if st := c.Status(); st.Mode != ModePassive || st.Connected {
		t.Fatalf("unexpected status %+v", st)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestRoundRobinCandidates(t *testing.T) {
	t.Parallel()

	c, err := New(Config{
		Endpoints:  []string{"a.example.com", "b.example.com"},
		UserID:     "u",
		UserKey:    "k",
		DeviceID:   "edge",
		LocalAddrs: noLocal,
	}, nil, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, c.nextCandidate())
	}
	if got[0] == got[1] || got[0] != got[2] || got[1] != got[3] {
		t.Fatalf("expected alternating candidates, got %v", got)
	}
}

func TestConnectorRelaysThroughGateway(t *testing.T) {
	t.Parallel()

	gw, srv := startGateway(t)
	received := make(chan hubproto.Frame, 4)
	c, err := New(Config{
		Endpoints:  []string{srv.URL},
		UserID:     "relay",
		UserKey:    "k",
		DeviceID:   "edge-1",
		Label:      "Edge",
		LocalAddrs: noLocal,
	}, func(f hubproto.Frame) { received <- f }, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	runConnector(t, c)

	waitFor(t, "connector registered on gateway", func() bool { return gw.IsLocal("relay", "edge-1") && c.Connected() })
	st := c.Status()
	if !st.Connected || st.State != "open" || st.Attempts != 1 || !strings.HasPrefix(st.Endpoint, "ws://") {
		t.Fatalf("unexpected status %+v", st)
	}
	if !gw.IsLocal("relay", "edge") {
		t.Fatal("expected label to be indexed on the gateway")
	}

	if !gw.SendToDevice("relay", "edge-1", hubproto.Frame{Type: "clipboard.set", From: "phone"}) {
		t.Fatal("gateway send failed")
	}
	select {
	case f := <-received:
		if f.Type != "clipboard.set" || f.From != "phone" {
			t.Fatalf("unexpected frame %+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame not delivered to handler")
	}

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/connect?userId=relay&userKey=k&mode=reverse&deviceId=dev-2", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	_ = peer.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := peer.ReadMessage(); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if !c.Send(hubproto.Frame{Type: "note", To: "dev-2"}) {
		t.Fatal("connector send failed")
	}
	_, data, err := peer.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	f, err := hubproto.Decode(data)
	if err != nil || f.Type != "note" || f.From != "edge-1" {
		t.Fatalf("unexpected relayed frame %+v (%v)", f, err)
	}

	c.Stop()
	waitFor(t, "gateway sees disconnect", func() bool { return !gw.IsLocal("relay", "edge-1") })
	if c.Send(hubproto.Frame{Type: "x"}) {
		t.Fatal("send after stop must fail")
	}
}

func TestConnectorCredentialPenalty(t *testing.T) {
	t.Parallel()

	_, srv := startGateway(t)
	c, err := New(Config{
		Endpoints:      []string{srv.URL},
		UserID:         "relay",
		UserKey:        "wrong",
		DeviceID:       "edge-1",
		LocalAddrs:     noLocal,
		ReconnectDelay: 5 * time.Millisecond,
		ReconnectMax:   10 * time.Millisecond,
		AuthPenalty:    time.Hour,
	}, nil, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	runConnector(t, c)

	waitFor(t, "rejection recorded", func() bool { return strings.Contains(c.Status().LastError, "4001") })
	time.Sleep(100 * time.Millisecond)
	if n := c.Status().Attempts; n != 1 {
		t.Fatalf("expected credential rejection to suppress reconnects, attempts=%d", n)
	}
}

func TestConnectorRetriesUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(nil)
	addr := srv.URL
	srv.Close()

	c, err := New(Config{
		Endpoints:      []string{addr},
		UserID:         "relay",
		UserKey:        "k",
		DeviceID:       "edge-1",
		LocalAddrs:     noLocal,
		ReconnectDelay: 5 * time.Millisecond,
		ReconnectMax:   10 * time.Millisecond,
	}, nil, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	runConnector(t, c)

	waitFor(t, "several attempts", func() bool { return c.Status().Attempts >= 3 })
	if st := c.Status(); st.Connected || st.LastError == "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestDecodeChain(t *testing.T) {
	t.Parallel()

	c := &Connector{}
	sealed := &Connector{}
	codec, err := envelope.New(envelope.Options{Secret: "shared"})
	if err != nil {
		t.Fatal(err)
	}
	sealed.codec = codec
	other, _ := envelope.New(envelope.Options{Secret: "other"})

	plain := []byte(`{"type":"note","to":"dev-1"}`)
	env, _ := codec.Marshal(plain)
	wrong, _ := other.Marshal(plain)

	tests := []struct {
		name string
		c    *Connector
		data []byte
		ok   bool
	}{
		{"plain json", c, plain, true},
		{"base64 json", c, []byte(base64.StdEncoding.EncodeToString(plain)), true},
		{"envelope", sealed, env, true},
		{"envelope without secret", c, env, false},
		{"wrong secret", sealed, wrong, false},
		{"garbage", sealed, []byte("%%%"), false},
		{"typeless json", c, []byte(`{"to":"x"}`), false},
	}
	for _, tt := range tests {
		f, err := tt.c.decode(tt.data)
		if tt.ok != (err == nil) {
			t.Errorf("%s: unexpected error %v", tt.name, err)
			continue
		}
		if tt.ok && (f.Type != "note" || f.To != "dev-1") {
			t.Errorf("%s: unexpected frame %+v", tt.name, f)
		}
	}
}

func TestEncodeSealsRoutedFrames(t *testing.T) {
	t.Parallel()

	codec, _ := envelope.New(envelope.Options{Secret: "shared"})
	c := &Connector{codec: codec}

	data, err := c.encode(hubproto.Frame{Type: "note", To: "dev-1"})
	if err != nil {
		t.Fatal(err)
	}
	env, ok := envelope.Parse(data)
	if !ok {
		t.Fatalf("expected sealed frame, got %s", data)
	}
	if f, err := c.openEnvelope(env); err != nil || f.To != "dev-1" {
		t.Fatalf("openEnvelope = %+v, %v", f, err)
	}

	ping, err := c.encode(hubproto.Ping())
	if err != nil {
		t.Fatal(err)
	}
	if f, err := hubproto.Decode(ping); err != nil || f.Type != hubproto.TypePing {
		t.Fatalf("expected plain ping, got %s", ping)
	}
}

func TestIsAuthRejected(t *testing.T) {
	t.Parallel()

	if !isAuthRejected(&websocket.CloseError{Code: hubproto.CloseInvalidCredentials}) {
		t.Fatal("expected 4001 to be a credential rejection")
	}
	if isAuthRejected(&websocket.CloseError{Code: websocket.CloseGoingAway}) || isAuthRejected(nil) {
		t.Fatal("unexpected credential rejection")
	}
	if !isTLSVerifyError(errors.New("tls: failed to verify certificate: x509: certificate signed by unknown authority")) {
		t.Fatal("expected tls verification error")
	}
}
