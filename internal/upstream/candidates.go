package upstream

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/netutil"
)

const connectPath = "/v1/connect"

// NormalizeEndpoint turns a configured endpoint into a WebSocket URL. Bare
// host:port values default to ws, http(s) schemes map to ws(s) and an empty
// path becomes the hub connect path.
func NormalizeEndpoint(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("endpoint %q has no host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = connectPath
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// FilterCandidates normalizes and deduplicates endpoints and drops those
// pointing at this host. It fails with domain.ErrNoCandidates when nothing
// is left.
func FilterCandidates(endpoints []string, local map[string]struct{}) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, raw := range endpoints {
		u, err := NormalizeEndpoint(raw)
		if err != nil {
			continue
		}
		if _, self := local[netutil.NormalizeHost(u.Hostname())]; self {
			continue
		}
		key := u.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	if len(out) == 0 {
		return nil, domain.ErrNoCandidates
	}
	return out, nil
}

// connectURL adds the reverse-mode identity parameters to endpoint.
func (c *Connector) connectURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("mode", "reverse")
	q.Set("userId", c.cfg.UserID)
	q.Set("userKey", c.cfg.UserKey)
	q.Set("deviceId", c.cfg.DeviceID)
	if c.cfg.Namespace != "" {
		q.Set("namespace", c.cfg.Namespace)
	}
	if c.cfg.Label != "" {
		q.Set("label", c.cfg.Label)
	}
	if c.cfg.ClientID != "" {
		q.Set("clientId", c.cfg.ClientID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
