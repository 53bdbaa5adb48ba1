package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ExtendPendingHint records which account a buyer's !продлить reply
// pointed at for a lot (spec section 4.4): the Order Handler consults
// this before falling back to the plain lot mapping, so a repeat lot
// payment after a !replace/!lpexchange swap still extends the account
// the buyer actually holds.
type ExtendPendingHint struct {
	WorkspaceID string
	Owner       string
	LotNumber   int
	AccountID   string
	ExpiresAt   time.Time
}

// SetExtendPendingHint upserts the hint for (workspace, owner, lot),
// overwriting any earlier hint for that pair.
func (s *Store) SetExtendPendingHint(ctx context.Context, h ExtendPendingHint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extend_pending_hints (workspace_id, owner, lot_number, account_id, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, owner, lot_number) DO UPDATE SET
			account_id = excluded.account_id,
			expires_at = excluded.expires_at`,
		h.WorkspaceID, h.Owner, h.LotNumber, h.AccountID, h.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("dbstore: setting extend pending hint %s/%s/%d: %w", h.WorkspaceID, h.Owner, h.LotNumber, err)
	}
	return nil
}

// GetExtendPendingHint returns the live hint for (workspace, owner,
// lot), or ErrNotFound if there is none or it has expired. An expired
// hint is opportunistically deleted so the table doesn't grow unbounded.
func (s *Store) GetExtendPendingHint(ctx context.Context, workspaceID, owner string, lotNumber int) (ExtendPendingHint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, owner, lot_number, account_id, expires_at
		FROM extend_pending_hints WHERE workspace_id = ? AND owner = ? AND lot_number = ?`,
		workspaceID, owner, lotNumber)

	var h ExtendPendingHint
	var expiresAt string
	err := row.Scan(&h.WorkspaceID, &h.Owner, &h.LotNumber, &h.AccountID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ExtendPendingHint{}, ErrNotFound
	}
	if err != nil {
		return ExtendPendingHint{}, fmt.Errorf("dbstore: getting extend pending hint %s/%s/%d: %w", workspaceID, owner, lotNumber, err)
	}
	expiry, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return ExtendPendingHint{}, fmt.Errorf("dbstore: parsing extend pending hint expiry: %w", err)
	}
	h.ExpiresAt = expiry

	if time.Now().UTC().After(expiry) {
		if _, delErr := s.db.ExecContext(ctx, `DELETE FROM extend_pending_hints WHERE workspace_id = ? AND owner = ? AND lot_number = ?`,
			workspaceID, owner, lotNumber); delErr != nil {
			return ExtendPendingHint{}, fmt.Errorf("dbstore: clearing expired extend pending hint: %w", delErr)
		}
		return ExtendPendingHint{}, ErrNotFound
	}
	return h, nil
}

// DeleteExtendPendingHint clears a hint once OH has consumed it, so a
// later unrelated order for the same lot doesn't replay it.
func (s *Store) DeleteExtendPendingHint(ctx context.Context, workspaceID, owner string, lotNumber int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM extend_pending_hints WHERE workspace_id = ? AND owner = ? AND lot_number = ?`,
		workspaceID, owner, lotNumber)
	if err != nil {
		return fmt.Errorf("dbstore: deleting extend pending hint %s/%s/%d: %w", workspaceID, owner, lotNumber, err)
	}
	return nil
}
