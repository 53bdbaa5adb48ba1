package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("dbstore: not found")

func scanWorkspace(row interface{ Scan(...any) error }) (Workspace, error) {
	var w Workspace
	var isDefault int
	var createdAt string
	err := row.Scan(&w.ID, &w.UserID, &w.Label, &w.Token, &w.ProxyURI, &w.ProxyUser, &w.ProxyPass,
		&isDefault, &w.Status, &w.StatusMsg, &createdAt)
	if err != nil {
		return Workspace{}, err
	}
	w.IsDefault = isDefault != 0
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return w, nil
}

const workspaceColumns = `id, user_id, label, token, proxy_uri, proxy_user, proxy_pass, is_default, status, status_msg, created_at`

// ListWorkspaces returns every workspace, used by the Bot Manager's
// StartAll/Reconcile sweep (spec section 4.1).
func (s *Store) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing workspaces: %w", err)
	}
	defer rows.Close()
	var out []Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("dbstore: scanning workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetWorkspace loads one workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, ErrNotFound
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("dbstore: getting workspace %s: %w", id, err)
	}
	return w, nil
}

// UpsertWorkspace creates or updates a workspace row.
func (s *Store) UpsertWorkspace(ctx context.Context, w Workspace) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, user_id, label, token, proxy_uri, proxy_user, proxy_pass, is_default, status, status_msg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			token = excluded.token,
			proxy_uri = excluded.proxy_uri,
			proxy_user = excluded.proxy_user,
			proxy_pass = excluded.proxy_pass,
			is_default = excluded.is_default,
			status = excluded.status,
			status_msg = excluded.status_msg`,
		w.ID, w.UserID, w.Label, w.Token, w.ProxyURI, w.ProxyUser, w.ProxyPass,
		boolToInt(w.IsDefault), w.Status, w.StatusMsg, w.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("dbstore: upserting workspace %s: %w", w.ID, err)
	}
	return nil
}

// SetWorkspaceStatus records the BM-observed health of a workspace's
// bot (spec section 4.1: "workspace_status in {ok, unauthorized, error}").
func (s *Store) SetWorkspaceStatus(ctx context.Context, id, status, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workspaces SET status = ?, status_msg = ? WHERE id = ?`, status, msg, id)
	if err != nil {
		return fmt.Errorf("dbstore: setting workspace status %s: %w", id, err)
	}
	return nil
}

// DeleteWorkspace removes a workspace and cascades to its owned rows.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("dbstore: deleting workspace %s: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
