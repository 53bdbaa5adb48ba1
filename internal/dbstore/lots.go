package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const lotColumns = `workspace_id, user_id, lot_number, account_id, lot_url`

func scanLotMapping(row interface{ Scan(...any) error }) (LotMapping, error) {
	var lm LotMapping
	err := row.Scan(&lm.WorkspaceID, &lm.UserID, &lm.LotNumber, &lm.AccountID, &lm.LotURL)
	return lm, err
}

// GetLotMapping resolves a marketplace lot number to its account
// within a workspace (spec section 4.3 step 2: "lookup lot_mappings by
// lot_number").
func (s *Store) GetLotMapping(ctx context.Context, workspaceID string, lotNumber int) (LotMapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lot_mappings WHERE workspace_id = ? AND lot_number = ?`,
		workspaceID, lotNumber)
	lm, err := scanLotMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LotMapping{}, ErrNotFound
	}
	if err != nil {
		return LotMapping{}, fmt.Errorf("dbstore: getting lot mapping %s/%d: %w", workspaceID, lotNumber, err)
	}
	return lm, nil
}

// ListLotMappings returns every lot mapping in a workspace.
func (s *Store) ListLotMappings(ctx context.Context, workspaceID string) ([]LotMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lotColumns+` FROM lot_mappings WHERE workspace_id = ? ORDER BY lot_number`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing lot mappings: %w", err)
	}
	defer rows.Close()
	var out []LotMapping
	for rows.Next() {
		lm, err := scanLotMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("dbstore: scanning lot mapping: %w", err)
		}
		out = append(out, lm)
	}
	return out, rows.Err()
}

// UpsertLotMapping creates or repoints a lot-to-account mapping.
func (s *Store) UpsertLotMapping(ctx context.Context, lm LotMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lot_mappings (`+lotColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, lot_number) DO UPDATE SET
			account_id = excluded.account_id,
			lot_url = excluded.lot_url`,
		lm.WorkspaceID, lm.UserID, lm.LotNumber, lm.AccountID, lm.LotURL)
	if err != nil {
		return fmt.Errorf("dbstore: upserting lot mapping %s/%d: %w", lm.WorkspaceID, lm.LotNumber, err)
	}
	return nil
}

// DeleteLotMapping removes a lot mapping.
func (s *Store) DeleteLotMapping(ctx context.Context, workspaceID string, lotNumber int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM lot_mappings WHERE workspace_id = ? AND lot_number = ?`, workspaceID, lotNumber)
	if err != nil {
		return fmt.Errorf("dbstore: deleting lot mapping %s/%d: %w", workspaceID, lotNumber, err)
	}
	return nil
}
