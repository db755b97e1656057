package cli

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/koltyakov/backhaul/internal/auth"
	"github.com/koltyakov/backhaul/internal/config"
	"github.com/koltyakov/backhaul/internal/domain"
	"github.com/koltyakov/backhaul/internal/store/sqlite"
)

func runUserAdmin(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: backhaul user <add|list|revoke> [flags]")
		return 2
	}
	switch args[0] {
	case "add", "create":
		return runUserAdd(ctx, args[1:], stdout, stderr)
	case "list":
		return runUserList(ctx, args[1:], stdout, stderr)
	case "revoke":
		return runUserRevoke(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintln(stderr, "unknown user command:", args[0])
		return 2
	}
}

func runUserAdd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var id, key, tcpAllow string
	settings := domain.DefaultSettings()
	cfg, rest, err := config.ParseStoreFlags("user-add", args, func(fs *flag.FlagSet) {
		fs.StringVar(&id, "id", "", "user id")
		fs.StringVar(&key, "key", "", "user key (generated when empty)")
		fs.IntVar(&settings.MaxConnections, "max-connections", 0, "concurrent connection cap (0 is unlimited)")
		fs.BoolVar(&settings.AllowTCP, "allow-tcp", settings.AllowTCP, "permit TCP passthrough")
		fs.StringVar(&tcpAllow, "tcp-allow", "", "comma-separated hostnames allowed for TCP passthrough")
	})
	if err != nil {
		return 2
	}
	if id == "" && len(rest) > 0 {
		id = rest[0]
	}
	id = strings.TrimSpace(id)
	if id == "" {
		fmt.Fprintln(stderr, "missing --id")
		return 2
	}
	settings.TCPAllow = splitCSV(tcpAllow)

	if key == "" {
		if key, err = auth.GenerateUserKey(); err != nil {
			fmt.Fprintln(stderr, "generate key:", err)
			return 1
		}
	}
	hash, err := auth.HashUserKey(key)
	if err != nil {
		fmt.Fprintln(stderr, "hash key:", err)
		return 1
	}

	store, code := openSQLiteStoreOrExit(cfg.DBPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	u, err := store.CreateUser(ctx, id, hash, settings)
	if errors.Is(err, domain.ErrUserExists) {
		fmt.Fprintln(stderr, "user already exists:", id)
		return 1
	}
	if err != nil {
		fmt.Fprintln(stderr, "create user:", err)
		return 1
	}
	fmt.Fprintln(stdout, "id:", u.ID)
	fmt.Fprintln(stdout, "user_key:", key)
	return 0
}

func runUserList(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, _, err := config.ParseStoreFlags("user-list", args, nil)
	if err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(cfg.DBPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	users, err := store.ListUsers(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "list users:", err)
		return 1
	}
	for _, u := range users {
		lastSeen := "never"
		if t, ok, err := store.LastSeen(ctx, u.ID); err == nil && ok {
			lastSeen = t.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(stdout, "%s\trevoked=%t\tmax_connections=%d\tallow_tcp=%t\tcreated=%s\tlast_seen=%s\n",
			u.ID, u.RevokedAt != nil, u.Settings.MaxConnections, u.Settings.AllowTCP, u.CreatedAt.Format(time.RFC3339), lastSeen)
	}
	return 0
}

func runUserRevoke(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var id string
	cfg, rest, err := config.ParseStoreFlags("user-revoke", args, func(fs *flag.FlagSet) {
		fs.StringVar(&id, "id", "", "user id")
	})
	if err != nil {
		return 2
	}
	if id == "" && len(rest) > 0 {
		id = rest[0]
	}
	if strings.TrimSpace(id) == "" {
		fmt.Fprintln(stderr, "missing --id")
		return 2
	}

	store, code := openSQLiteStoreOrExit(cfg.DBPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.RevokeUser(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			fmt.Fprintln(stderr, "no active user:", id)
			return 1
		}
		fmt.Fprintln(stderr, "revoke user:", err)
		return 1
	}
	fmt.Fprintln(stdout, "revoked:", id)
	return 0
}

func openSQLiteStoreOrExit(dbPath string, stderr io.Writer) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
