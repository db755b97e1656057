// Package config parses command-line flags, environment overrides and the
// YAML routing file.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// TLS modes for the hub listener.
const (
	TLSModeOff    = "off"
	TLSModeStatic = "static"
	TLSModeAuto   = "auto"
)

type HubConfig struct {
	Listen          string
	ListenHTTP      string
	DebugListen     string
	DBPath          string
	RoutingFile     string
	TLSMode         string
	TLSDomain       string
	CertCacheDir    string
	TLSCertFile     string
	TLSKeyFile      string
	LogLevel        string
	LogFormat       string
	RequestTimeout  time.Duration
	PingTimeout     time.Duration
	JanitorInterval time.Duration
	MaxTCPSessions  int
	HandshakeRate   float64
	HandshakeBurst  int
}

type StoreConfig struct {
	DBPath   string
	LogLevel string
}

const defaultHubListen = ":8420"
const defaultHubHTTPChallengeListen = ":8080"
const defaultDBPath = "./backhaul.db"
const defaultCertCacheDir = "./cert"
const defaultRequestTimeout = 15 * time.Second
const defaultPingTimeout = 90 * time.Second
const defaultJanitorInterval = 15 * time.Second

func ParseHubFlags(args []string) (HubConfig, error) {
	cfg := HubConfig{
		Listen:          envOrDefault("BACKHAUL_LISTEN", defaultHubListen),
		ListenHTTP:      envOrDefault("BACKHAUL_LISTEN_HTTP_CHALLENGE", defaultHubHTTPChallengeListen),
		DebugListen:     envOrDefault("BACKHAUL_DEBUG_LISTEN", ""),
		DBPath:          envOrDefault("BACKHAUL_DB_PATH", defaultDBPath),
		RoutingFile:     envOrDefault("BACKHAUL_ROUTING_FILE", ""),
		TLSMode:         envOrDefault("BACKHAUL_TLS_MODE", TLSModeOff),
		TLSDomain:       envOrDefault("BACKHAUL_TLS_DOMAIN", ""),
		CertCacheDir:    envOrDefault("BACKHAUL_CERT_CACHE_DIR", defaultCertCacheDir),
		TLSCertFile:     envOrDefault("BACKHAUL_TLS_CERT_FILE", ""),
		TLSKeyFile:      envOrDefault("BACKHAUL_TLS_KEY_FILE", ""),
		LogLevel:        envOrDefault("BACKHAUL_LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("BACKHAUL_LOG_FORMAT", "text"),
		RequestTimeout:  envDurationOrDefault("BACKHAUL_REQUEST_TIMEOUT", defaultRequestTimeout),
		PingTimeout:     envDurationOrDefault("BACKHAUL_PING_TIMEOUT", defaultPingTimeout),
		JanitorInterval: defaultJanitorInterval,
		MaxTCPSessions:  envIntOrDefault("BACKHAUL_MAX_TCP_SESSIONS", 16),
		HandshakeRate:   5,
		HandshakeBurst:  10,
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Hub listen address")
	fs.StringVar(&cfg.ListenHTTP, "http-challenge-listen", cfg.ListenHTTP, "HTTP-01 challenge listen address (tls-mode=auto)")
	fs.StringVar(&cfg.DebugListen, "debug-listen", cfg.DebugListen, "Debug listener for pprof, metrics and peers (empty disables)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite credential store path (empty uses routing file users only)")
	fs.StringVar(&cfg.RoutingFile, "routing", cfg.RoutingFile, "YAML routing file (aliases, policies, topology, upstream, users)")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|static|auto")
	fs.StringVar(&cfg.TLSDomain, "tls-domain", cfg.TLSDomain, "Domain for automatic certificates (tls-mode=auto)")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Default device request timeout")
	fs.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "Close connections silent for longer than this")
	fs.IntVar(&cfg.MaxTCPSessions, "max-tcp-sessions", cfg.MaxTCPSessions, "TCP passthrough sessions per connection")
	fs.Float64Var(&cfg.HandshakeRate, "handshake-rate", cfg.HandshakeRate, "Handshakes per second allowed per remote IP")
	fs.IntVar(&cfg.HandshakeBurst, "handshake-burst", cfg.HandshakeBurst, "Handshake burst per remote IP")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeOff
	}
	switch cfg.TLSMode {
	case TLSModeOff:
	case TLSModeStatic:
		if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
			return cfg, errors.New("tls mode static requires --tls-cert-file and --tls-key-file")
		}
	case TLSModeAuto:
		cfg.TLSDomain = normalizeDomainHost(cfg.TLSDomain)
		if cfg.TLSDomain == "" {
			return cfg, errors.New("tls mode auto requires --tls-domain or BACKHAUL_TLS_DOMAIN")
		}
	default:
		return cfg, errors.New("tls mode must be one of: off, static, auto")
	}
	if cfg.RequestTimeout <= 0 {
		return cfg, errors.New("request timeout must be > 0")
	}
	if cfg.PingTimeout <= 0 {
		return cfg, errors.New("ping timeout must be > 0")
	}
	if cfg.MaxTCPSessions <= 0 {
		return cfg, errors.New("max tcp sessions must be > 0")
	}
	if cfg.HandshakeRate <= 0 || cfg.HandshakeBurst <= 0 {
		return cfg, errors.New("handshake rate and burst must be > 0")
	}

	return cfg, nil
}

// ParseStoreFlags parses the flags shared by the user management commands
// and returns the remaining arguments. extra, when set, registers the
// command's own flags on the same set.
func ParseStoreFlags(name string, args []string, extra func(*flag.FlagSet)) (StoreConfig, []string, error) {
	cfg := StoreConfig{
		DBPath:   envOrDefault("BACKHAUL_DB_PATH", defaultDBPath),
		LogLevel: envOrDefault("BACKHAUL_LOG_LEVEL", "warn"),
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite credential store path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, nil, errors.New("missing --db or BACKHAUL_DB_PATH")
	}
	return cfg, fs.Args(), nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
