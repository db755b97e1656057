package peers

import (
	"testing"

	"github.com/koltyakov/backhaul/internal/topology"
)

func TestResolveCascade(t *testing.T) {
	t.Parallel()

	ctx := Context{
		Peers: []Peer{
			{ID: "dev-1", Label: "Work Laptop", PeerID: "client-a"},
			{ID: "dev-2", Label: "Pixel"},
		},
		Aliases: topology.NormalizeAliasMap(map[string]string{
			"ws1":  "dev-1",
			"cam":  "pixel",
			"home": "gateway",
			"nas":  "storage-node",
		}),
		Nodes: []topology.Node{
			{ID: "storage-node", PeerID: "nas-01", Domains: []string{"nas.lan"}},
			{ID: "printer", Masks: []string{"printer-*"}},
		},
	}

	tests := []struct {
		name     string
		token    string
		wantID   string
		strategy Strategy
	}{
		{"exact id", "DEV-2", "dev-2", StrategyExactID},
		{"peer id alias", "client-a", "dev-1", StrategyExactID},
		{"exact label", "work laptop", "dev-1", StrategyExactLabel},
		{"label substring shorter", "laptop", "dev-1", StrategyLabelSubstring},
		{"label substring longer", "pixel-7a", "dev-2", StrategyLabelSubstring},
		{"alias to id", "ws1", "dev-1", StrategyAliasExactID},
		{"alias to label", "cam", "dev-2", StrategyAliasExactLabel},
		{"alias to topology", "nas", "nas-01", StrategyTopology},
		{"topology domain", "box.nas.lan", "nas-01", StrategyTopology},
		{"topology mask", "printer-3", "printer", StrategyTopology},
		{"fallback literal", "Tablet", "tablet", StrategyFallback},
		{"fallback alias value", "home", "gateway", StrategyFallback},
	}
	for _, tt := range tests {
		got := Resolve(tt.token, ctx)
		if got.ID != tt.wantID || got.Strategy != tt.strategy {
			t.Fatalf("%s: Resolve(%q) = %+v, want %s via %s", tt.name, tt.token, got, tt.wantID, tt.strategy)
		}
		if got.Input != tt.token {
			t.Fatalf("%s: expected input to be kept, got %q", tt.name, got.Input)
		}
	}
}

func TestResolveStripsKnownAliasPrefix(t *testing.T) {
	t.Parallel()

	ctx := Context{
		Peers:   []Peer{{ID: "dev-1", Label: "desk"}},
		Aliases: topology.AliasMap{"office": "gateway"},
	}

	got := Resolve("office:desk", ctx)
	if got.PrefixStripped != "office" || got.ID != "dev-1" || got.Strategy != StrategyExactLabel {
		t.Fatalf("unexpected result %+v", got)
	}

	// Unknown prefixes are part of the token.
	got = Resolve("host:8080", ctx)
	if got.PrefixStripped != "" || got.ID != "host:8080" || got.Matched() {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestResolveEmpty(t *testing.T) {
	t.Parallel()

	got := Resolve("  ", Context{Peers: []Peer{{ID: "dev-1", Label: "x"}}})
	if got.ID != "" || got.Strategy != StrategyFallback {
		t.Fatalf("unexpected result %+v", got)
	}
}
