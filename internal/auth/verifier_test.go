package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/koltyakov/backhaul/internal/domain"
)

type failingVerifier struct{ err error }

func (f failingVerifier) Verify(context.Context, string, string) (*domain.Settings, error) {
	return nil, f.err
}

func TestStaticVerify(t *testing.T) {
	s := Static{"alice": {Key: "k1", Settings: domain.Settings{MaxConnections: 2}}}

	got, err := s.Verify(context.Background(), " alice ", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxConnections != 2 {
		t.Fatalf("unexpected settings %+v", got)
	}
	if _, err := s.Verify(context.Background(), "alice", "k2"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := s.Verify(context.Background(), "bob", ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestChainFallsThroughUnauthorized(t *testing.T) {
	c := Chain{
		failingVerifier{err: domain.ErrUnauthorized},
		nil,
		Static{"alice": {Key: "k1"}},
	}
	if _, err := c.Verify(context.Background(), "alice", "k1"); err != nil {
		t.Fatalf("expected second verifier to accept, got %v", err)
	}
	if _, err := c.Verify(context.Background(), "alice", "nope"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestChainStopsOnBackendError(t *testing.T) {
	boom := errors.New("db down")
	c := Chain{failingVerifier{err: boom}, Static{"alice": {Key: "k1"}}}
	if _, err := c.Verify(context.Background(), "alice", "k1"); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
}
