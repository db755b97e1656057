package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// TouchUser records a successful verification, at most once per
// touchMinInterval per user.
func (s *Store) TouchUser(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	if !s.reserveUserTouch(userID, now) {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen_at = ? WHERE id = ?`, now, userID)
	if err != nil {
		s.rollbackUserTouch(userID, now)
	}
	return err
}

// LastSeen returns the recorded last verification time of userID.
func (s *Store) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	var seen sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT last_seen_at FROM users WHERE id = ?`, userID).Scan(&seen); err != nil {
		return time.Time{}, false, err
	}
	return seen.Time, seen.Valid, nil
}

func (s *Store) reserveUserTouch(userID string, now time.Time) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}

	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if now.After(s.nextTouchCleanupAt) {
		s.cleanupStaleTouchEntriesLocked(now)
		s.nextTouchCleanupAt = now.Add(s.touchCleanupInterval)
	}
	if last, ok := s.lastUserTouch[userID]; ok && now.Sub(last) < s.touchMinInterval {
		return false
	}
	s.lastUserTouch[userID] = now
	return true
}

func (s *Store) rollbackUserTouch(userID string, reservedAt time.Time) {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if last, ok := s.lastUserTouch[userID]; ok && last.Equal(reservedAt) {
		delete(s.lastUserTouch, userID)
	}
}

func (s *Store) cleanupStaleTouchEntriesLocked(now time.Time) {
	cutoff := now.Add(-(s.touchMinInterval * 4))
	for userID, last := range s.lastUserTouch {
		if last.Before(cutoff) {
			delete(s.lastUserTouch, userID)
		}
	}
}
