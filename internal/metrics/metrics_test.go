package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	return rr.Body.String()
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ConnectionOpened("push")
	m.PendingAdded()
	m.PendingDone(OutcomeReply)
	m.UpstreamConnected(true)
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestPendingOutcomes(t *testing.T) {
	t.Parallel()

	m := New()
	m.PendingAdded()
	m.PendingAdded()
	m.PendingDone(OutcomeReply)
	m.PendingDone(OutcomeTimeout)

	body := scrape(t, m)
	for _, want := range []string{
		"backhaul_hub_pending_requests 0",
		`backhaul_hub_pending_outcomes_total{outcome="timeout"} 1`,
		`backhaul_hub_pending_outcomes_total{outcome="reply"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestHandlerExposesInstruments(t *testing.T) {
	t.Parallel()

	m := New()
	m.ConnectionOpened("reverse")
	m.Delivery("local")

	body := scrape(t, m)
	for _, want := range []string{`backhaul_hub_connections{mode="reverse"} 1`, `backhaul_relay_deliveries_total{route="local"} 1`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}
