package policy

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestCheckRouteDefaultOpen(t *testing.T) {
	t.Parallel()

	e := New(nil)
	for _, pair := range [][2]string{{"phone", "laptop"}, {"", ""}, {"a", "203.0.113.5"}} {
		d := e.CheckRoute(pair[0], pair[1])
		if !d.Allowed {
			t.Fatalf("expected default policy to allow %q -> %q, got %+v", pair[0], pair[1], d)
		}
		if d.SourcePolicy != FallbackID || d.TargetPolicy != FallbackID {
			t.Fatalf("expected fallback policies, got %+v", d)
		}
	}
}

func TestNewSynthesizesFallback(t *testing.T) {
	t.Parallel()

	e := New([]Policy{{ID: "Phone"}})
	ps := e.Policies()
	if len(ps) != 2 {
		t.Fatalf("expected configured + fallback, got %d", len(ps))
	}
	last := ps[len(ps)-1]
	if !last.IsFallback() || last.Forward != ForwardSelf {
		t.Fatalf("unexpected fallback %+v", last)
	}
	if ps[0].ID != "phone" || ps[0].Forward != ForwardSelf || ps[0].AllowedIncoming[0] != "*" {
		t.Fatalf("expected normalized defaults, got %+v", ps[0])
	}
}

func TestResolveCascade(t *testing.T) {
	t.Parallel()

	e := New([]Policy{
		{ID: "gateway", Origins: []string{"https://gw.example.net"}},
		{ID: "phone", Tokens: []string{"pixel"}},
	})

	tests := []struct {
		token string
		want  string
	}{
		{"phone", "phone"},
		{"PHONE", "phone"},
		{"pixel-7", "phone"},
		{"pix", "phone"},
		{"gw.example.net", "gateway"},
		{"tablet", FallbackID},
	}
	for _, tt := range tests {
		if got := e.Resolve(tt.token).ID; got != tt.want {
			t.Fatalf("Resolve(%q): got %q, want %q", tt.token, got, tt.want)
		}
	}
}

func TestResolveStrict(t *testing.T) {
	t.Parallel()

	e := New([]Policy{{ID: "phone"}})
	if p, ok := e.ResolveStrict("phone"); !ok || p.ID != "phone" {
		t.Fatalf("expected strict match, got %+v %v", p, ok)
	}
	p, ok := e.ResolveStrict("tablet")
	if ok || p.ID != UnknownID {
		t.Fatalf("expected unknown, got %+v %v", p, ok)
	}
	if _, ok := e.ResolveStrict("*"); ok {
		t.Fatal("expected fallback to be excluded from strict resolution")
	}
}

func TestResolveForwardTargetExplicit(t *testing.T) {
	t.Parallel()

	e := New([]Policy{{ID: "gateway", Tokens: []string{"gw.example.net"}}})
	if got := e.ResolveForwardTarget("gw.example.net:8443", "phone"); got != "gateway" {
		t.Fatalf("expected policy id, got %q", got)
	}
	if got := e.ResolveForwardTarget("Laptop:22", "phone"); got != "laptop" {
		t.Fatalf("expected stripped literal token, got %q", got)
	}
}

func TestResolveForwardTargetChain(t *testing.T) {
	t.Parallel()

	e := New([]Policy{
		{ID: "phone", Forward: "hub"},
		{ID: "hub", Forward: "gateway"},
		{ID: "gateway", Forward: "self"},
		{ID: "lonely"},
	})
	if got := e.ResolveForwardTarget("", "phone"); got != "gateway" {
		t.Fatalf("expected chain to end at gateway, got %q", got)
	}
	if got := e.ResolveForwardTarget("", "lonely"); got != "" {
		t.Fatalf("expected self forward to yield empty, got %q", got)
	}
	if got := e.ResolveForwardTarget("", "stranger"); got != "" {
		t.Fatalf("expected fallback forward self, got %q", got)
	}
}

func TestResolveForwardTargetCycleTerminates(t *testing.T) {
	t.Parallel()

	e := New([]Policy{
		{ID: "a", Forward: "b"},
		{ID: "b", Forward: "a"},
	})
	if got := e.ResolveForwardTarget("", "a"); got != "b" {
		t.Fatalf("expected cycle guard to stop at b, got %q", got)
	}

	// A long chain is cut at eight hops.
	var chain []Policy
	for i := 0; i < 20; i++ {
		chain = append(chain, Policy{ID: string(rune('a'+i)) + "x", Forward: string(rune('a'+i+1)) + "x"})
	}
	long := New(chain)
	if got := long.ResolveForwardTarget("", "ax"); got != "ix" {
		t.Fatalf("expected eighth hop ix, got %q", got)
	}
}

func TestCheckRouteRules(t *testing.T) {
	t.Parallel()

	e := New([]Policy{
		{ID: "phone", AllowedOutcoming: RuleList{"laptop", "printer"}},
		{ID: "laptop", AllowedIncoming: RuleList{"*", "!phone"}},
		{ID: "printer", AllowedIncoming: RuleList{"phone"}},
		{ID: "kiosk", AllowedOutcoming: RuleList{"!printer"}},
	})

	tests := []struct {
		source, target string
		want           bool
	}{
		{"phone", "laptop", false},
		{"phone", "printer", true},
		{"phone", "tablet", false},
		{"kiosk", "printer", false},
		{"kiosk", "tablet", true},
		{"tablet", "printer", false},
		{"tablet", "laptop", true},
	}
	for _, tt := range tests {
		d := e.CheckRoute(tt.source, tt.target)
		if d.Allowed != tt.want {
			t.Fatalf("CheckRoute(%q, %q): got %+v, want allowed=%v", tt.source, tt.target, d, tt.want)
		}
		if d.Reason == "" {
			t.Fatalf("expected reason for %q -> %q", tt.source, tt.target)
		}
	}
}

func TestRuleListPermitsTwoWaySubstring(t *testing.T) {
	t.Parallel()

	rules := RuleList{"phone"}
	if !rules.Permits("phone-2") {
		t.Fatal("expected rule to match longer token")
	}
	if !rules.Permits("ph") {
		t.Fatal("expected rule to match shorter token")
	}
	if rules.Permits("laptop") {
		t.Fatal("expected unrelated token to be rejected")
	}
}

func TestRuleListUnmarshalDegrades(t *testing.T) {
	t.Parallel()

	var doc struct {
		A RuleList `yaml:"a"`
		B RuleList `yaml:"b"`
		C RuleList `yaml:"c"`
		D RuleList `yaml:"d"`
	}
	src := "a: [Phone, ' Laptop ']\nb: phone, !tablet\nc: {broken: true}\nd: []\n"
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.A) != 2 || doc.A[1] != "laptop" {
		t.Fatalf("unexpected list %v", doc.A)
	}
	if len(doc.B) != 2 || doc.B[1] != "!tablet" {
		t.Fatalf("unexpected scalar list %v", doc.B)
	}
	if len(doc.C) != 1 || doc.C[0] != "*" {
		t.Fatalf("expected malformed list to degrade to allow-all, got %v", doc.C)
	}
	if len(doc.D) != 1 || doc.D[0] != "*" {
		t.Fatalf("expected empty list to degrade to allow-all, got %v", doc.D)
	}
}
