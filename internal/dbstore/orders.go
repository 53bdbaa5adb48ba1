package dbstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const orderEventColumns = `id, workspace_id, user_id, order_id, owner, account_id, account_name, steam_id,
	lot_number, amount, price, rental_minutes, action, created_at`

func scanOrderEvent(row interface{ Scan(...any) error }) (OrderEvent, error) {
	var e OrderEvent
	var accountID sql.NullString
	var lotNumber sql.NullInt64
	var createdAt string
	err := row.Scan(&e.ID, &e.WorkspaceID, &e.UserID, &e.OrderID, &e.Owner, &accountID, &e.AccountName,
		&e.SteamID, &lotNumber, &e.Amount, &e.Price, &e.RentalMinutes, &e.Action, &createdAt)
	if err != nil {
		return OrderEvent{}, err
	}
	e.AccountID = parseNullString(accountID)
	e.LotNumber = parseNullInt(lotNumber)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return e, nil
}

// AppendOrderEvent inserts one append-only history row (spec section 3:
// "Order Event ... append-only"). CreatedAt defaults to now when zero.
func (s *Store) AppendOrderEvent(ctx context.Context, e OrderEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_events (`+orderEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkspaceID, e.UserID, e.OrderID, e.Owner, nullString(e.AccountID), e.AccountName,
		e.SteamID, nullableInt(e.LotNumber), e.Amount, e.Price, e.RentalMinutes, string(e.Action),
		e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("dbstore: appending order event for %s: %w", e.OrderID, err)
	}
	return nil
}

// HasAction reports whether an order already has an event of the given
// action, used to dedup idempotent retries (spec section 4.3: "paid
// events are idempotent per order_id").
func (s *Store) HasAction(ctx context.Context, workspaceID, orderID string, action OrderAction) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM order_events WHERE workspace_id = ? AND order_id = ? AND action = ?`,
		workspaceID, orderID, string(action)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("dbstore: checking order action %s/%s: %w", orderID, action, err)
	}
	return count > 0, nil
}

// ListOrderEventsForOrder returns the full history of one order, oldest first.
func (s *Store) ListOrderEventsForOrder(ctx context.Context, workspaceID, orderID string) ([]OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderEventColumns+` FROM order_events
		WHERE workspace_id = ? AND order_id = ? ORDER BY created_at`, workspaceID, orderID)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing order events for %s: %w", orderID, err)
	}
	defer rows.Close()
	var out []OrderEvent
	for rows.Next() {
		e, err := scanOrderEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("dbstore: scanning order event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListOrderEventsForOwner returns an owner's (buyer's) order history,
// newest first, used by Order Handler to sum a blacklisted buyer's
// compensation minutes. A negative limit returns every row.
func (s *Store) ListOrderEventsForOwner(ctx context.Context, workspaceID, owner string, limit int) ([]OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderEventColumns+` FROM order_events
		WHERE workspace_id = ? AND owner = ? ORDER BY created_at DESC LIMIT ?`, workspaceID, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing order events for owner %s: %w", owner, err)
	}
	defer rows.Close()
	var out []OrderEvent
	for rows.Next() {
		e, err := scanOrderEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("dbstore: scanning order event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}
