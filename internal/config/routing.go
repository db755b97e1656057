package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/koltyakov/backhaul/internal/auth"
	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/policy"
	"github.com/koltyakov/backhaul/internal/relay"
	"github.com/koltyakov/backhaul/internal/topology"
	"github.com/koltyakov/backhaul/internal/upstream"
)

// Routing is the parsed routing file.
type Routing struct {
	Aliases         map[string]string        `yaml:"aliases"`
	Policies        map[string]policy.Policy `yaml:"policies"`
	Topology        []topology.Node          `yaml:"topology"`
	ImplicitTargets []string                 `yaml:"implicitTargets"`
	Upstream        UpstreamFile             `yaml:"upstream"`
	Users           map[string]UserEntry     `yaml:"users"`
}

// UpstreamFile is the upstream section of the routing file.
type UpstreamFile struct {
	Mode           string   `yaml:"mode"`
	Endpoints      []string `yaml:"endpoints"`
	UserID         string   `yaml:"userId"`
	UserKey        string   `yaml:"userKey"`
	DeviceID       string   `yaml:"deviceId"`
	Label          string   `yaml:"label"`
	ClientID       string   `yaml:"clientId"`
	Namespace      string   `yaml:"namespace"`
	LocalUser      string   `yaml:"localUser"`
	Secret         string   `yaml:"secret"`
	PrivateKeyFile string   `yaml:"privateKeyFile"`
	PeerKeyFile    string   `yaml:"peerKeyFile"`
	AuthPenalty    string   `yaml:"authPenalty"`
}

// UserEntry is a statically configured hub user.
type UserEntry struct {
	Key            string   `yaml:"key"`
	MaxConnections int      `yaml:"maxConnections"`
	AllowTCP       *bool    `yaml:"allowTcp"`
	TCPAllow       []string `yaml:"tcpAllow"`
}

// LoadRouting reads and parses path. An empty path yields an empty
// configuration.
func LoadRouting(path string) (*Routing, error) {
	if strings.TrimSpace(path) == "" {
		return &Routing{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing file: %w", err)
	}
	return ParseRouting(data)
}

// ParseRouting decodes a routing document. Malformed rule lists degrade to
// allow-all instead of failing.
func ParseRouting(data []byte) (*Routing, error) {
	var r Routing
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse routing file: %w", err)
	}
	return &r, nil
}

// PolicyList returns the policies ordered by id. A policy without an id
// takes its map key.
func (r *Routing) PolicyList() []policy.Policy {
	keys := make([]string, 0, len(r.Policies))
	for k := range r.Policies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]policy.Policy, 0, len(keys))
	for _, k := range keys {
		p := r.Policies[k]
		if strings.TrimSpace(p.ID) == "" {
			p.ID = k
		}
		out = append(out, p)
	}
	return out
}

// Snapshot builds the router snapshot described by the file.
func (r *Routing) Snapshot() relay.Snapshot {
	return relay.Snapshot{
		Aliases:         topology.NormalizeAliasMap(r.Aliases),
		Policy:          policy.New(r.PolicyList()),
		Nodes:           append([]topology.Node(nil), r.Topology...),
		ImplicitTargets: append([]string(nil), r.ImplicitTargets...),
	}
}

// StaticUsers returns the users listed in the file as a verifier.
func (r *Routing) StaticUsers() auth.Static {
	out := make(auth.Static, len(r.Users))
	for id, u := range r.Users {
		id = strings.TrimSpace(id)
		if id == "" || u.Key == "" {
			continue
		}
		s := domain.DefaultSettings()
		s.MaxConnections = u.MaxConnections
		if u.AllowTCP != nil {
			s.AllowTCP = *u.AllowTCP
		}
		s.TCPAllow = append([]string(nil), u.TCPAllow...)
		out[id] = auth.StaticUser{Key: u.Key, Settings: s}
	}
	return out
}

// UpstreamSettings is the resolved upstream configuration plus the local
// user that receives frames from it.
type UpstreamSettings struct {
	Config    upstream.Config
	LocalUser string
	Enabled   bool
}

// ResolveUpstream merges the upstream section with BACKHAUL_UPSTREAM_*
// environment overrides. Environment wins over the file; a missing device
// id is derived.
func ResolveUpstream(file UpstreamFile) (UpstreamSettings, error) {
	pick := func(env, fromFile string) string {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
		return strings.TrimSpace(fromFile)
	}

	endpoints := file.Endpoints
	if v := strings.TrimSpace(os.Getenv("BACKHAUL_UPSTREAM_ENDPOINTS")); v != "" {
		endpoints = strings.Split(v, ",")
	}
	cfg := upstream.Config{
		Mode:      pick("BACKHAUL_UPSTREAM_MODE", file.Mode),
		Endpoints: endpoints,
		UserID:    pick("BACKHAUL_UPSTREAM_USER_ID", file.UserID),
		UserKey:   pick("BACKHAUL_UPSTREAM_USER_KEY", file.UserKey),
		DeviceID:  pick("BACKHAUL_UPSTREAM_DEVICE_ID", file.DeviceID),
		Label:     pick("BACKHAUL_UPSTREAM_LABEL", file.Label),
		ClientID:  pick("BACKHAUL_UPSTREAM_CLIENT_ID", file.ClientID),
		Namespace: pick("BACKHAUL_UPSTREAM_NAMESPACE", file.Namespace),
		Secret:    pick("BACKHAUL_UPSTREAM_SECRET", file.Secret),
	}
	out := UpstreamSettings{LocalUser: pick("BACKHAUL_UPSTREAM_LOCAL_USER", file.LocalUser)}

	if cfg.Mode == "" {
		if len(cfg.Endpoints) == 0 {
			cfg.Mode = upstream.ModePassive
		} else {
			cfg.Mode = upstream.ModeActive
		}
	}
	out.Enabled = strings.EqualFold(cfg.Mode, upstream.ModeActive)
	if cfg.DeviceID == "" {
		cfg.DeviceID = "relay-" + uuid.NewString()
	}
	if out.LocalUser == "" {
		out.LocalUser = cfg.UserID
	}

	if v := pick("BACKHAUL_UPSTREAM_AUTH_PENALTY", file.AuthPenalty); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return out, fmt.Errorf("upstream auth penalty: %w", err)
		}
		cfg.AuthPenalty = d
	}

	var err error
	if cfg.PrivateKeyPEM, err = readOptional(pick("BACKHAUL_UPSTREAM_PRIVATE_KEY_FILE", file.PrivateKeyFile)); err != nil {
		return out, fmt.Errorf("upstream private key: %w", err)
	}
	if cfg.PeerKeyPEM, err = readOptional(pick("BACKHAUL_UPSTREAM_PEER_KEY_FILE", file.PeerKeyFile)); err != nil {
		return out, fmt.Errorf("upstream peer key: %w", err)
	}
	out.Config = cfg
	return out, nil
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s does not exist", path)
	}
	return data, err
}
