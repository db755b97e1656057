package debughttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/peers"
	"github.com/koltyakov/backhaul/internal/relay"
	"github.com/koltyakov/backhaul/internal/upstream"
)

const maxDeliverBody = 1 << 20

// Sources supplies the data behind the JSON endpoints.
type Sources struct {
	Metrics  http.Handler
	Users    func() []string
	Peers    func(userID string) []peers.Peer
	Upstream func() upstream.Status
	Resolve  func(userID, source, target string) relay.Resolution
	Deliver  func(ctx context.Context, req domain.DeliverRequest) relay.Result
}

func (s Sources) register(mux *http.ServeMux) {
	if s.Users != nil {
		mux.HandleFunc("GET /v1/users", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"users": s.Users()})
		})
	}
	if s.Peers != nil {
		mux.HandleFunc("GET /v1/peers", s.handlePeers)
	}
	if s.Upstream != nil {
		mux.HandleFunc("GET /v1/upstream", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.Upstream())
		})
	}
	if s.Resolve != nil {
		mux.HandleFunc("GET /v1/resolve", s.handleResolve)
	}
	if s.Deliver != nil {
		mux.HandleFunc("POST /v1/deliver", s.handleDeliver)
	}
}

func (s Sources) handlePeers(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing userId", "bad_request")
		return
	}
	list := s.Peers(userID)
	if list == nil {
		list = []peers.Peer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "peers": list})
}

func (s Sources) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("userId"))
	target := strings.TrimSpace(q.Get("target"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing userId", "bad_request")
		return
	}
	writeJSON(w, http.StatusOK, s.Resolve(userID, strings.TrimSpace(q.Get("source")), target))
}

func (s Sources) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req domain.DeliverRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDeliverBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", "bad_request")
		return
	}
	res := s.Deliver(r.Context(), req)
	status := http.StatusOK
	switch res.Error {
	case "":
	case relay.ErrCodeBadRequest:
		status = http.StatusBadRequest
	case relay.ErrCodeNotAllowed:
		status = http.StatusForbidden
	case relay.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code})
}
