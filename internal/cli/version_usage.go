package cli

import (
	"fmt"
	"io"

	"github.com/koltyakov/backhaul/internal/versionutil"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `backhaul - reverse-connection relay hub

Devices behind NAT dial in over WebSocket; the hub routes frames between
them, correlates replies and optionally links to an upstream gateway hub.

Usage:
  backhaul serve                        Start the hub
  backhaul serve --routing relay.yml    Start with aliases, policies and upstream
  backhaul user add --id ID             Create a user and print its key
  backhaul user list                    List users
  backhaul user revoke --id ID          Revoke a user
  backhaul version                      Print version
  backhaul help                         Show this help

Environment Variables:
  BACKHAUL_LISTEN               Hub listen address (default: :8420)
  BACKHAUL_DEBUG_LISTEN         Debug listener for pprof, metrics and the API
  BACKHAUL_DB_PATH              SQLite credential store (default: ./backhaul.db)
  BACKHAUL_ROUTING_FILE         YAML routing file, reloaded on change
  BACKHAUL_TLS_MODE             TLS mode: off|static|auto (default: off)
  BACKHAUL_LOG_LEVEL            Log level: debug|info|warn|error (default: info)
  BACKHAUL_LOG_FORMAT           Log format: text|json (default: text)
  BACKHAUL_UPSTREAM_ENDPOINTS   Comma-separated gateway hub URLs
  BACKHAUL_UPSTREAM_USER_ID     Gateway credentials
  BACKHAUL_UPSTREAM_USER_KEY
  BACKHAUL_UPSTREAM_SECRET      Shared secret for sealed envelopes`)
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, versionutil.String("backhaul"))
}
