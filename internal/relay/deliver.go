package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/backhaul/internal/dispatch"
	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/hubproto"
	"github.com/koltyakov/backhaul/internal/peers"
	"github.com/koltyakov/backhaul/internal/policy"
	"github.com/koltyakov/backhaul/internal/topology"
)

// Error codes reported in Result.Error.
const (
	ErrCodeBadRequest   = "bad-request"
	ErrCodeNotAllowed   = "not-allowed"
	ErrCodeNotDelivered = "not-delivered"
	ErrCodeTimeout      = "timeout"
)

// Resolution is how one target token was resolved.
type Resolution struct {
	Input    string          `json:"input"`
	Alias    string          `json:"alias,omitempty"`
	Forward  string          `json:"forward"`
	Peer     peers.Result    `json:"peer"`
	Decision policy.Decision `json:"decision"`
}

// TargetResult is the outcome of delivering to one target.
type TargetResult struct {
	Resolution
	Plan      dispatch.Decision `json:"plan"`
	Local     bool              `json:"local"`
	Upstream  bool              `json:"upstream"`
	Delivered bool              `json:"delivered"`
	Error     string            `json:"error,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Result is the outcome of Deliver.
type Result struct {
	OK       bool                    `json:"ok"`
	Error    string                  `json:"error,omitempty"`
	Reason   string                  `json:"reason,omitempty"`
	Route    dispatch.Route          `json:"route,omitempty"`
	Audience dispatch.AudienceSource `json:"audience"`
	Targets  []TargetResult          `json:"targets,omitempty"`
	Local    int                     `json:"local"`
	Reply    *hubproto.Frame         `json:"reply,omitempty"`
}

func (r *Router) resolve(s *Snapshot, userID, source, target string) Resolution {
	res := Resolution{Input: target}
	aliased := topology.ResolveAlias(s.Aliases, target)
	if !strings.EqualFold(aliased, target) {
		res.Alias = aliased
	}
	res.Forward = s.Policy.ResolveForwardTarget(aliased, source)
	if res.Forward == "" {
		res.Forward = strings.ToLower(strings.TrimSpace(aliased))
	}
	res.Decision = s.Policy.CheckRoute(source, res.Forward)
	res.Peer = peers.Resolve(res.Forward, peers.Context{
		Peers:   r.hub.Peers(userID),
		Aliases: s.Aliases,
		Nodes:   s.Nodes,
	})
	return res
}

// Deliver routes req to its audience. It never panics and reports every
// failure in the Result.
func (r *Router) Deliver(ctx context.Context, req domain.DeliverRequest) Result {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" || strings.TrimSpace(req.Type) == "" {
		return Result{Error: ErrCodeBadRequest, Reason: "userId and type are required"}
	}
	s := r.snap.Load()
	source := strings.ToLower(strings.TrimSpace(topology.ResolveAlias(s.Aliases, req.Source)))
	route := dispatch.ParseRoute(req.Route)

	aud := dispatch.ResolveAudience(dispatch.AudienceRequest{
		Target:          req.Target,
		Targets:         req.Targets,
		Broadcast:       req.Broadcast,
		ImplicitTargets: s.ImplicitTargets,
	})
	out := Result{Audience: aud.Source}

	if len(aud.Targets) == 0 {
		return r.deliverBroadcast(req, source, route, out)
	}

	denied := 0
	for _, target := range aud.Targets {
		tr := TargetResult{Resolution: r.resolve(s, userID, source, target)}
		if !tr.Decision.Allowed {
			tr.Error, tr.Reason = ErrCodeNotAllowed, tr.Decision.Reason
			denied++
			out.Targets = append(out.Targets, tr)
			r.log.Info("delivery denied", "user_id", userID, "source", source, "target", target, "reason", tr.Reason)
			continue
		}

		tr.Plan = dispatch.Plan(dispatch.Input{
			Route:         route,
			Target:        tr.Peer.ID,
			Broadcast:     aud.Broadcast,
			HasUpstream:   r.hasUpstream(),
			IsLocalTarget: func(t string) bool { return r.hub.IsLocal(userID, t) },
		})
		tr.Reason = tr.Plan.Reason
		r.metrics.Delivery(string(tr.Plan.Route))

		f := hubproto.Frame{
			Type:      req.Type,
			ID:        uuid.NewString(),
			To:        tr.Peer.ID,
			From:      source,
			Namespace: req.Namespace,
			Broadcast: aud.Broadcast,
			Payload:   req.Payload,
		}
		if req.Await && out.Reply == nil {
			r.deliverAwait(ctx, req, userID, f, &tr, &out)
		} else {
			if tr.Plan.Local {
				tr.Local = r.hub.SendToDevice(userID, tr.Peer.ID, f)
			}
			if tr.Plan.Upstream {
				tr.Upstream = r.sendUpstream(f)
			}
		}
		tr.Delivered = tr.Local || tr.Upstream
		if !tr.Delivered && tr.Error == "" {
			tr.Error = ErrCodeNotDelivered
		}
		if tr.Local {
			out.Local++
		}
		out.Targets = append(out.Targets, tr)
	}

	for _, tr := range out.Targets {
		if tr.Delivered {
			out.OK = true
			if out.Route == "" {
				out.Route = tr.Plan.Route
			}
		}
	}
	if !out.OK {
		first := out.Targets[0]
		out.Error, out.Reason = first.Error, first.Reason
		if denied == len(out.Targets) {
			out.Error = ErrCodeNotAllowed
		}
	}
	return out
}

func (r *Router) deliverBroadcast(req domain.DeliverRequest, source string, route dispatch.Route, out Result) Result {
	plan := dispatch.Plan(dispatch.Input{Route: route, Broadcast: true, HasUpstream: r.hasUpstream()})
	out.Route = plan.Route
	out.Reason = plan.Reason
	r.metrics.Delivery(string(plan.Route))

	f := hubproto.Frame{
		Type:      req.Type,
		ID:        uuid.NewString(),
		From:      source,
		Namespace: req.Namespace,
		Broadcast: true,
		Payload:   req.Payload,
	}
	sentUpstream := false
	if plan.Local {
		out.Local = r.hub.Multicast(req.UserID, f, req.Namespace, "")
	}
	if plan.Upstream {
		sentUpstream = r.sendUpstream(f)
	}
	out.OK = out.Local > 0 || sentUpstream
	if !out.OK {
		out.Error = ErrCodeNotDelivered
	}
	return out
}

// deliverAwait sends f as a request and stores the reply in out. The local
// hub is preferred when the plan includes it.
func (r *Router) deliverAwait(ctx context.Context, req domain.DeliverRequest, userID string, f hubproto.Frame, tr *TargetResult, out *Result) {
	timeout := r.requestTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	f.RequestID = uuid.NewString()

	var (
		reply hubproto.Frame
		err   error
	)
	switch {
	case tr.Plan.Local:
		reply, err = r.hub.RequestToDevice(ctx, userID, tr.Peer.ID, f, timeout)
		tr.Local = err == nil
	case tr.Plan.Upstream:
		reply, err = r.requestUpstream(ctx, f, timeout)
		tr.Upstream = err == nil
	default:
		return
	}
	if err != nil {
		tr.Error = ErrCodeNotDelivered
		if errors.Is(err, domain.ErrRequestTimeout) {
			tr.Error = ErrCodeTimeout
		}
		tr.Reason = err.Error()
		return
	}
	out.Reply = &reply
}
