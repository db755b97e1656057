package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/koltyakov/backhaul/internal/auth"
	"github.com/koltyakov/backhaul/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "backhaul.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndVerifyUser(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	hash, err := auth.HashUserKey("secret-key")
	if err != nil {
		t.Fatal(err)
	}
	settings := domain.Settings{MaxConnections: 3, AllowTCP: true, TCPAllow: []string{"db.lan:5432", " *.ignored "}}
	if _, err := store.CreateUser(ctx, "alice", hash, settings); err != nil {
		t.Fatal(err)
	}

	got, err := store.Verify(ctx, "alice", "secret-key")
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxConnections != 3 || !got.AllowTCP || len(got.TCPAllow) != 2 || got.TCPAllow[1] != "*.ignored" {
		t.Fatalf("unexpected settings %+v", got)
	}
	if _, ok, err := store.LastSeen(ctx, "alice"); err != nil || !ok {
		t.Fatalf("expected last seen to be recorded, ok=%v err=%v", ok, err)
	}

	if _, err := store.Verify(ctx, "alice", "wrong"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for wrong key, got %v", err)
	}
	if _, err := store.Verify(ctx, "bob", "secret-key"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown user, got %v", err)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "alice", "h1", domain.DefaultSettings()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateUser(ctx, "alice", "h2", domain.DefaultSettings()); !errors.Is(err, domain.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	if _, err := store.CreateUser(ctx, " ", "h3", domain.DefaultSettings()); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestRevokeUser(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	hash, err := auth.HashUserKey("k")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateUser(ctx, "carol", hash, domain.Settings{}); err != nil {
		t.Fatal(err)
	}
	if err := store.RevokeUser(ctx, "carol"); err != nil {
		t.Fatal(err)
	}
	if err := store.RevokeUser(ctx, "carol"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected second revoke to report no rows, got %v", err)
	}
	if _, err := store.Verify(ctx, "carol", "k"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected revoked user to be rejected, got %v", err)
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].RevokedAt == nil || users[0].Settings.AllowTCP {
		t.Fatalf("unexpected users %+v", users)
	}
}

func TestTouchUserThrottled(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "dave", "h", domain.Settings{}); err != nil {
		t.Fatal(err)
	}
	if err := store.TouchUser(ctx, "dave"); err != nil {
		t.Fatal(err)
	}
	first, ok, err := store.LastSeen(ctx, "dave")
	if err != nil || !ok {
		t.Fatalf("expected last seen, ok=%v err=%v", ok, err)
	}
	if err := store.TouchUser(ctx, "dave"); err != nil {
		t.Fatal(err)
	}
	second, _, err := store.LastSeen(ctx, "dave")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Equal(first) {
		t.Fatalf("expected throttled touch to keep %v, got %v", first, second)
	}
}

func TestOpenInMemory(t *testing.T) {
	store, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("expected migrate to be idempotent: %v", err)
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "path", "backhaul.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file to exist at %s: %v", dbPath, err)
	}
}
