package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/koltyakov/backhaul/internal/domain"
)

// StaticUser is a user declared in configuration with a plain key.
type StaticUser struct {
	Key      string          `yaml:"key" json:"-"`
	Settings domain.Settings `yaml:"settings" json:"settings"`
}

// Static verifies against a fixed user table.
type Static map[string]StaticUser

func (s Static) Verify(_ context.Context, userID, userKey string) (*domain.Settings, error) {
	u, ok := s[strings.TrimSpace(userID)]
	if !ok || !ConstantTimeKeyEquals(u.Key, userKey) {
		return nil, domain.ErrUnauthorized
	}
	settings := u.Settings
	return &settings, nil
}

// UserVerifier is implemented by every credential source.
type UserVerifier interface {
	Verify(ctx context.Context, userID, userKey string) (*domain.Settings, error)
}

// Chain tries each verifier in order. Unauthorized answers fall through to
// the next verifier; any other error stops the chain.
type Chain []UserVerifier

func (c Chain) Verify(ctx context.Context, userID, userKey string) (*domain.Settings, error) {
	for _, v := range c {
		if v == nil {
			continue
		}
		settings, err := v.Verify(ctx, userID, userKey)
		if err == nil {
			return settings, nil
		}
		if !errors.Is(err, domain.ErrUnauthorized) {
			return nil, err
		}
	}
	return nil, domain.ErrUnauthorized
}
