package dbstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RaiseAdminCall increments the "call an admin" counter for a chat and
// stamps the call time (spec section 3: Admin Call; SPEC_FULL section
// 4.6 admin-call detection).
func (s *Store) RaiseAdminCall(ctx context.Context, workspaceID, userID, chatID, owner string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_calls (workspace_id, user_id, chat_id, owner, count, last_called_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(workspace_id, user_id, chat_id) DO UPDATE SET
			count = count + 1,
			owner = excluded.owner,
			last_called_at = excluded.last_called_at`,
		workspaceID, userID, chatID, owner, now)
	if err != nil {
		return fmt.Errorf("dbstore: raising admin call %s: %w", chatID, err)
	}
	return nil
}

// ClearAdminCall resets a chat's admin-call counter once a human has
// responded.
func (s *Store) ClearAdminCall(ctx context.Context, workspaceID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE admin_calls SET count = 0 WHERE workspace_id = ? AND chat_id = ?`, workspaceID, chatID)
	if err != nil {
		return fmt.Errorf("dbstore: clearing admin call %s: %w", chatID, err)
	}
	return nil
}

// ListAdminCalls returns every chat in a workspace with a nonzero
// admin-call counter, used to populate the dashboard's "needs a human"
// queue.
func (s *Store) ListAdminCalls(ctx context.Context, workspaceID string) ([]AdminCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, user_id, chat_id, owner, count, last_called_at
		FROM admin_calls WHERE workspace_id = ? AND count > 0 ORDER BY last_called_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing admin calls: %w", err)
	}
	defer rows.Close()
	var out []AdminCall
	for rows.Next() {
		var c AdminCall
		var lastCalledAt sql.NullString
		if err := rows.Scan(&c.WorkspaceID, &c.UserID, &c.ChatID, &c.Owner, &c.Count, &lastCalledAt); err != nil {
			return nil, fmt.Errorf("dbstore: scanning admin call: %w", err)
		}
		c.LastCalledAt = parseNullTime(lastCalledAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
