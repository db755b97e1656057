package dispatch

import "strings"

// AudienceSource tells where an Audience's targets came from.
type AudienceSource string

const (
	AudienceExplicit               AudienceSource = "explicit"
	AudienceImplicitConfig         AudienceSource = "implicit-config"
	AudienceImplicitLocalBroadcast AudienceSource = "implicit-local-broadcast"
	AudienceImplicitEmpty          AudienceSource = "implicit-empty"
)

// AudienceRequest is the raw addressing of a delivery.
type AudienceRequest struct {
	Target          string
	Targets         []string
	Broadcast       bool
	ImplicitTargets []string
}

// Audience is the resolved target set of a delivery. An audience without
// targets is delivered to every local connection of the user.
type Audience struct {
	Targets   []string       `json:"targets,omitempty"`
	Broadcast bool           `json:"broadcast"`
	Source    AudienceSource `json:"source"`
}

// ResolveAudience picks explicit targets first, then the configured
// implicit targets, then a local broadcast.
func ResolveAudience(req AudienceRequest) Audience {
	explicit := dedupe(append([]string{req.Target}, req.Targets...))
	if len(explicit) > 0 {
		return Audience{Targets: explicit, Broadcast: req.Broadcast, Source: AudienceExplicit}
	}
	if implicit := dedupe(req.ImplicitTargets); len(implicit) > 0 {
		return Audience{Targets: implicit, Source: AudienceImplicitConfig}
	}
	if req.Broadcast {
		return Audience{Broadcast: true, Source: AudienceImplicitLocalBroadcast}
	}
	return Audience{Source: AudienceImplicitEmpty}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if v == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
