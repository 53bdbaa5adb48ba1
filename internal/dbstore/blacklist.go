package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func scanBlacklistEntry(row interface{ Scan(...any) error }) (BlacklistEntry, error) {
	var e BlacklistEntry
	var createdAt string
	err := row.Scan(&e.ID, &e.WorkspaceID, &e.UserID, &e.Owner, &e.Reason, &createdAt)
	if err != nil {
		return BlacklistEntry{}, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return e, nil
}

// IsBlacklisted reports whether owner is blocked in a workspace (spec
// section 4.3 step 1: "if buyer is blacklisted, reject the order").
func (s *Store) IsBlacklisted(ctx context.Context, workspaceID, owner string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM blacklist_entries WHERE workspace_id = ? AND owner = ?`, workspaceID, owner).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("dbstore: checking blacklist for %s: %w", owner, err)
	}
	return count > 0, nil
}

// AddBlacklistEntry blocks a buyer, idempotently (re-adding an existing
// entry just refreshes the reason).
func (s *Store) AddBlacklistEntry(ctx context.Context, e BlacklistEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blacklist_entries (id, workspace_id, user_id, owner, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, user_id, owner) DO UPDATE SET reason = excluded.reason`,
		e.ID, e.WorkspaceID, e.UserID, e.Owner, e.Reason, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("dbstore: blacklisting %s: %w", e.Owner, err)
	}
	return nil
}

// RemoveBlacklistEntry unblocks a buyer, used by Order Handler's
// auto-unblacklist once compensation reaches the threshold (spec
// section 4.3).
func (s *Store) RemoveBlacklistEntry(ctx context.Context, workspaceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blacklist_entries WHERE workspace_id = ? AND owner = ?`, workspaceID, owner)
	if err != nil {
		return fmt.Errorf("dbstore: unblacklisting %s: %w", owner, err)
	}
	return nil
}

// ListBlacklistEntries returns every blocked buyer in a workspace.
func (s *Store) ListBlacklistEntries(ctx context.Context, workspaceID string) ([]BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, user_id, owner, reason, created_at FROM blacklist_entries
		WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing blacklist entries: %w", err)
	}
	defer rows.Close()
	var out []BlacklistEntry
	for rows.Next() {
		e, err := scanBlacklistEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("dbstore: scanning blacklist entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendBlacklistLog records one immutable audit row (spec section 3:
// Blacklist Log). Used both for manual admin actions and for the
// blacklist-compensation math logged by the auto-unblacklist task.
func (s *Store) AppendBlacklistLog(ctx context.Context, l BlacklistLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blacklist_logs (id, owner, action, reason, details, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Owner, l.Action, l.Reason, l.Details, l.Amount, l.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("dbstore: logging blacklist action for %s: %w", l.Owner, err)
	}
	return nil
}

// ListBlacklistLogs returns an owner's audit trail, newest first.
func (s *Store) ListBlacklistLogs(ctx context.Context, owner string) ([]BlacklistLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, action, reason, details, amount, created_at FROM blacklist_logs
		WHERE owner = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing blacklist logs for %s: %w", owner, err)
	}
	defer rows.Close()
	var out []BlacklistLog
	for rows.Next() {
		var l BlacklistLog
		var createdAt string
		if err := rows.Scan(&l.ID, &l.Owner, &l.Action, &l.Reason, &l.Details, &l.Amount, &createdAt); err != nil {
			return nil, fmt.Errorf("dbstore: scanning blacklist log: %w", err)
		}
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

var errNoBlacklistEntry = errors.New("dbstore: owner is not blacklisted")

// BlacklistedSince reports when a buyer was blacklisted (the entry's
// created_at). The auto-unblacklist decision does not use it: Order
// Handler sums the buyer's blacklist_comp minutes instead.
func (s *Store) BlacklistedSince(ctx context.Context, workspaceID, owner string) (time.Time, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM blacklist_entries WHERE workspace_id = ? AND owner = ?`, workspaceID, owner).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, errNoBlacklistEntry
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("dbstore: reading blacklist timestamp for %s: %w", owner, err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("dbstore: parsing blacklist timestamp for %s: %w", owner, err)
	}
	return t, nil
}
