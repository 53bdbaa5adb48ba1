package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetBonusBalance reads a buyer's accrued compensation minutes,
// returning 0 if the wallet row does not exist yet.
func (s *Store) GetBonusBalance(ctx context.Context, workspaceID, owner string) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_minutes FROM bonus_wallets WHERE workspace_id = ? AND owner = ?`, workspaceID, owner).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dbstore: reading bonus wallet for %s: %w", owner, err)
	}
	return balance, nil
}

var errInsufficientBonus = errors.New("dbstore: insufficient bonus balance")

// AdjustBonusBalance applies deltaMinutes (positive to credit, negative
// to debit) to a buyer's wallet inside a transaction and records a
// bonus_history row, per spec section 3's "row-level locking ...
// for bonus adjustments". Debits that would drive the balance negative
// are rejected.
func (s *Store) AdjustBonusBalance(ctx context.Context, workspaceID, userID, owner string, deltaMinutes int, reason string) (int, error) {
	var newBalance int
	err := s.withImmediateTx(ctx, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx, `
			SELECT balance_minutes FROM bonus_wallets WHERE workspace_id = ? AND owner = ?`, workspaceID, owner).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			current = 0
		} else if err != nil {
			return fmt.Errorf("dbstore: reading bonus wallet for %s: %w", owner, err)
		}

		newBalance = current + deltaMinutes
		if newBalance < 0 {
			return errInsufficientBonus
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO bonus_wallets (workspace_id, user_id, owner, balance_minutes)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(workspace_id, user_id, owner) DO UPDATE SET balance_minutes = excluded.balance_minutes`,
			workspaceID, userID, owner, newBalance)
		if err != nil {
			return fmt.Errorf("dbstore: updating bonus wallet for %s: %w", owner, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO bonus_history (id, workspace_id, user_id, owner, delta_minutes, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), workspaceID, userID, owner, deltaMinutes, reason, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("dbstore: recording bonus history for %s: %w", owner, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// ListBonusHistory returns a buyer's bonus ledger, newest first.
func (s *Store) ListBonusHistory(ctx context.Context, workspaceID, owner string) ([]BonusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, delta_minutes, reason, created_at FROM bonus_history
		WHERE workspace_id = ? AND owner = ? ORDER BY created_at DESC`, workspaceID, owner)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing bonus history for %s: %w", owner, err)
	}
	defer rows.Close()
	var out []BonusHistoryEntry
	for rows.Next() {
		var h BonusHistoryEntry
		var createdAt string
		if err := rows.Scan(&h.ID, &h.DeltaMinutes, &h.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("dbstore: scanning bonus history: %w", err)
		}
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// BonusHistoryEntry is one ledger row backing a wallet balance (spec
// section 3: Bonus History).
type BonusHistoryEntry struct {
	ID           string
	DeltaMinutes int
	Reason       string
	CreatedAt    time.Time
}
