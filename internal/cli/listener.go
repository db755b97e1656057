package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/backhaul/internal/config"
	"github.com/koltyakov/backhaul/internal/netutil"
)

const (
	connectPath     = "/v1/connect"
	shutdownTimeout = 5 * time.Second
)

// hubHandler is closed before the listener shuts down because http.Server
// does not track hijacked WebSocket connections.
type hubHandler interface {
	http.Handler
	Close()
}

func newHubMux(h http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(connectPath, h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// serveHub serves the hub WebSocket endpoint until ctx is done. In auto TLS
// mode an ACME HTTP-01 challenge server runs alongside.
func serveHub(ctx context.Context, cfg config.HubConfig, h hubHandler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newHubMux(h),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	var manager *autocert.Manager
	switch cfg.TLSMode {
	case config.TLSModeStatic:
		cert, err := loadStaticCertificate(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return err
		}
		log.Info("static TLS certificate loaded", "cert_file", cfg.TLSCertFile, "subject", cert.subject())
		if d := netutil.NormalizeHost(cfg.TLSDomain); d != "" && !cert.supportsHost(d) {
			log.Warn("static TLS certificate does not cover the configured domain", "domain", d)
		}
		srv.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert.cert},
		}
	case config.TLSModeAuto:
		manager = newCertManager(cfg)
		srv.TLSConfig = manager.TLSConfig()
		srv.TLSConfig.MinVersion = tls.VersionTLS12
	}

	errCh := make(chan error, 2)

	var challengeServer *http.Server
	if manager != nil {
		challengeServer = &http.Server{
			Addr:              cfg.ListenHTTP,
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
		go func() {
			log.Info("starting ACME challenge server", "addr", cfg.ListenHTTP)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	}

	go func() {
		log.Info("starting hub listener", "addr", cfg.Listen, "tls_mode", cfg.TLSMode, "path", connectPath)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("hub listener: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	h.Close()
	if err := shutdownServer(srv, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, shutdownTimeout); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func shutdownServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func newCertManager(cfg config.HubConfig) *autocert.Manager {
	domain := netutil.NormalizeHost(cfg.TLSDomain)
	return &autocert.Manager{
		Cache:  autocert.DirCache(cfg.CertCacheDir),
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(_ context.Context, host string) error {
			if netutil.NormalizeHost(host) == domain {
				return nil
			}
			return errors.New("host not allowed")
		},
	}
}

type staticCertificate struct {
	cert tls.Certificate
	leaf *x509.Certificate
}

func loadStaticCertificate(certFile, keyFile string) (*staticCertificate, error) {
	certFile = strings.TrimSpace(certFile)
	keyFile = strings.TrimSpace(keyFile)
	if certFile == "" || keyFile == "" {
		return nil, errors.New("static TLS requires both a cert and a key file")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}
	var leaf *x509.Certificate
	if len(cert.Certificate) > 0 {
		leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	return &staticCertificate{cert: cert, leaf: leaf}, nil
}

func (c *staticCertificate) subject() string {
	if c == nil || c.leaf == nil {
		return ""
	}
	return c.leaf.Subject.String()
}

// supportsHost reports whether the certificate covers host. An empty host
// or an unparsed leaf is accepted.
func (c *staticCertificate) supportsHost(host string) bool {
	if c == nil {
		return false
	}
	if host == "" || c.leaf == nil {
		return true
	}
	return c.leaf.VerifyHostname(host) == nil
}
