package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DashboardSession is a login session for the out-of-scope dashboard
// (spec section 3: Session). PS only needs to create, validate, and
// expire these; the dashboard API itself is a Non-goal.
type DashboardSession struct {
	SessionID  string
	UserID     string
	ExpiresAt  time.Time
	LastSeenAt time.Time
}

// CreateSession starts a new dashboard session, valid for ttl.
func (s *Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (DashboardSession, error) {
	now := time.Now().UTC()
	sess := DashboardSession{SessionID: uuid.NewString(), UserID: userID, ExpiresAt: now.Add(ttl), LastSeenAt: now}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, expires_at, last_seen_at) VALUES (?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, sess.ExpiresAt.Format(time.RFC3339Nano), sess.LastSeenAt.Format(time.RFC3339Nano))
	if err != nil {
		return DashboardSession{}, fmt.Errorf("dbstore: creating session for %s: %w", userID, err)
	}
	return sess, nil
}

var errSessionExpired = errors.New("dbstore: session expired")

// TouchSession validates a session id, refreshing last_seen_at, and
// returns the owning user id.
func (s *Store) TouchSession(ctx context.Context, sessionID string) (string, error) {
	var userID, expiresAt string
	err := s.db.QueryRowContext(ctx, `SELECT user_id, expires_at FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("dbstore: loading session %s: %w", sessionID, err)
	}
	expiry, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return "", fmt.Errorf("dbstore: parsing session expiry %s: %w", sessionID, err)
	}
	if time.Now().UTC().After(expiry) {
		return "", errSessionExpired
	}
	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = ? WHERE session_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return "", fmt.Errorf("dbstore: touching session %s: %w", sessionID, err)
	}
	return userID, nil
}

// DeleteSession logs a session out.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("dbstore: deleting session %s: %w", sessionID, err)
	}
	return nil
}

// PruneExpiredSessions removes every session past its expiry, meant to
// be called periodically alongside the other cron-scheduled sweeps.
func (s *Store) PruneExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("dbstore: pruning sessions: %w", err)
	}
	return res.RowsAffected()
}
