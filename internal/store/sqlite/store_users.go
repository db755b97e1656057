package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/koltyakov/backhaul/internal/auth"
	"github.com/koltyakov/backhaul/internal/domain"
)

// CreateUser stores a user with an already hashed key.
func (s *Store) CreateUser(ctx context.Context, id, keyHash string, settings domain.Settings) (domain.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.User{}, errors.New("empty user id")
	}
	u := domain.User{
		ID:        id,
		KeyHash:   keyHash,
		CreatedAt: time.Now().UTC(),
		Settings:  settings,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(id, key_hash, created_at, revoked_at, max_connections, allow_tcp, tcp_allow)
VALUES(?, ?, ?, NULL, ?, ?, ?)`,
		u.ID, u.KeyHash, u.CreatedAt, settings.MaxConnections, boolToInt(settings.AllowTCP), joinList(settings.TCPAllow))
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return domain.User{}, domain.ErrUserExists
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, key_hash, created_at, revoked_at, max_connections, allow_tcp, tcp_allow
FROM users
ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.User
	for rows.Next() {
		var u domain.User
		var revoked sql.NullTime
		var allowTCP int
		var tcpAllow string
		if err := rows.Scan(&u.ID, &u.KeyHash, &u.CreatedAt, &revoked, &u.Settings.MaxConnections, &allowTCP, &tcpAllow); err != nil {
			return nil, err
		}
		if revoked.Valid {
			t := revoked.Time
			u.RevokedAt = &t
		}
		u.Settings.AllowTCP = allowTCP != 0
		u.Settings.TCPAllow = splitList(tcpAllow)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) RevokeUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Verify checks userKey against the stored hash of an active user and
// returns the user's settings. Any mismatch is reported as
// domain.ErrUnauthorized.
func (s *Store) Verify(ctx context.Context, userID, userKey string) (*domain.Settings, error) {
	var (
		hash     string
		settings domain.Settings
		allowTCP int
		tcpAllow string
	)
	err := s.verifyUserStmt.QueryRowContext(ctx, userID).Scan(&hash, &settings.MaxConnections, &allowTCP, &tcpAllow)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !auth.VerifyUserKey(hash, userKey) {
		return nil, domain.ErrUnauthorized
	}
	settings.AllowTCP = allowTCP != 0
	settings.TCPAllow = splitList(tcpAllow)
	_ = s.TouchUser(ctx, userID)
	return &settings, nil
}
