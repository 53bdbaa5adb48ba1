package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const accountColumns = `id, workspace_id, user_id, display_name, login, password, mafile_json, mmr,
	rental_duration_minutes, owner, rental_start, rental_frozen, rental_frozen_at, account_frozen,
	rental_order_id, low_priority, expire_delay_since, last_reminder_expiry_at`

func scanAccount(row interface {
	Scan(...any) error
}) (Account, error) {
	var a Account
	var rentalFrozen, accountFrozen, lowPriority int
	var owner, rentalOrderID sql.NullString
	var rentalStart, rentalFrozenAt, expireDelaySince, lastReminder sql.NullString
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.UserID, &a.DisplayName, &a.Login, &a.Password, &a.MafileJSON,
		&a.MMR, &a.RentalDurationMinutes, &owner, &rentalStart, &rentalFrozen, &rentalFrozenAt,
		&accountFrozen, &rentalOrderID, &lowPriority, &expireDelaySince, &lastReminder)
	if err != nil {
		return Account{}, err
	}
	a.Owner = parseNullString(owner)
	a.RentalOrderID = parseNullString(rentalOrderID)
	a.RentalStart = parseNullTime(rentalStart)
	a.RentalFrozenAt = parseNullTime(rentalFrozenAt)
	a.ExpireDelaySince = parseNullTime(expireDelaySince)
	a.LastReminderExpiryAt = parseNullTime(lastReminder)
	a.RentalFrozen = rentalFrozen != 0
	a.AccountFrozen = accountFrozen != 0
	a.LowPriority = lowPriority != 0
	return a, nil
}

// GetAccount loads one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("dbstore: getting account %s: %w", id, err)
	}
	return a, nil
}

// ListAccounts returns every account in a workspace.
func (s *Store) ListAccounts(ctx context.Context, workspaceID string) ([]Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE workspace_id = ?`, workspaceID)
}

// ListOwnedAccounts returns every account currently rented by owner in a workspace.
func (s *Store) ListOwnedAccounts(ctx context.Context, workspaceID, owner string) ([]Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE workspace_id = ? AND owner = ?`, workspaceID, owner)
}

// ListActiveRentals returns every account with an owner set, across all
// workspaces, used by the Rental Reaper's scan (spec section 4.5).
func (s *Store) ListActiveRentals(ctx context.Context) ([]Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner IS NOT NULL`)
}

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dbstore: querying accounts: %w", err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("dbstore: scanning account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const joinedAccountColumns = `a.id, a.workspace_id, a.user_id, a.display_name, a.login, a.password, a.mafile_json, a.mmr,
	a.rental_duration_minutes, a.owner, a.rental_start, a.rental_frozen, a.rental_frozen_at, a.account_frozen,
	a.rental_order_id, a.low_priority, a.expire_delay_since, a.last_reminder_expiry_at`

// FindFreeCandidatesSameLot returns free, usable accounts mapped to
// lotNumber only, with no MMR-band fallback — used by `!lpexchange`
// (SPEC_FULL section 9: "no MMR banding restriction", unlike
// `!replace`, which is also willing to cross lots within a band).
func (s *Store) FindFreeCandidatesSameLot(ctx context.Context, workspaceID string, lotNumber int) ([]Account, error) {
	return s.queryAccounts(ctx, `
		SELECT `+joinedAccountColumns+` FROM accounts a
		JOIN lot_mappings lm ON lm.account_id = a.id AND lm.workspace_id = a.workspace_id
		WHERE a.workspace_id = ? AND lm.lot_number = ?
		  AND a.owner IS NULL AND a.account_frozen = 0 AND a.rental_frozen = 0 AND a.low_priority = 0
		ORDER BY a.id`, workspaceID, lotNumber)
}

// FindFreeCandidates returns free, usable accounts in workspaceID
// matching lotNumber (via its mapping) or, if none match, within
// mmrBand of targetMMR, per the replacement search in spec section 4.3
// step 5.
func (s *Store) FindFreeCandidates(ctx context.Context, workspaceID string, lotNumber int, targetMMR, mmrBand int) ([]Account, error) {
	sameLot, err := s.queryAccounts(ctx, `
		SELECT `+joinedAccountColumns+` FROM accounts a
		JOIN lot_mappings lm ON lm.account_id = a.id AND lm.workspace_id = a.workspace_id
		WHERE a.workspace_id = ? AND lm.lot_number = ?
		  AND a.owner IS NULL AND a.account_frozen = 0 AND a.rental_frozen = 0 AND a.low_priority = 0
		ORDER BY a.id`, workspaceID, lotNumber)
	if err != nil {
		return nil, err
	}
	if len(sameLot) > 0 {
		return sameLot, nil
	}
	return s.queryAccounts(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE workspace_id = ? AND owner IS NULL AND account_frozen = 0 AND rental_frozen = 0 AND low_priority = 0
		  AND mmr BETWEEN ? AND ?
		ORDER BY ABS(mmr - ?), id`, workspaceID, targetMMR-mmrBand, targetMMR+mmrBand, targetMMR)
}

// UpsertAccount creates or fully replaces an account row (dashboard
// CRUD path; credentials are expected already encrypted by the caller).
func (s *Store) UpsertAccount(ctx context.Context, a Account) error {
	return s.withImmediateTx(ctx, func(tx *sql.Tx) error {
		return upsertAccountTx(ctx, tx, a)
	})
}

func upsertAccountTx(ctx context.Context, tx *sql.Tx, a Account) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			login = excluded.login,
			password = excluded.password,
			mafile_json = excluded.mafile_json,
			mmr = excluded.mmr,
			rental_duration_minutes = excluded.rental_duration_minutes,
			owner = excluded.owner,
			rental_start = excluded.rental_start,
			rental_frozen = excluded.rental_frozen,
			rental_frozen_at = excluded.rental_frozen_at,
			account_frozen = excluded.account_frozen,
			rental_order_id = excluded.rental_order_id,
			low_priority = excluded.low_priority,
			expire_delay_since = excluded.expire_delay_since,
			last_reminder_expiry_at = excluded.last_reminder_expiry_at`,
		a.ID, a.WorkspaceID, a.UserID, a.DisplayName, a.Login, a.Password, a.MafileJSON, a.MMR,
		a.RentalDurationMinutes, nullString(a.Owner), nullTime(a.RentalStart), boolToInt(a.RentalFrozen),
		nullTime(a.RentalFrozenAt), boolToInt(a.AccountFrozen), nullString(a.RentalOrderID),
		boolToInt(a.LowPriority), nullTime(a.ExpireDelaySince), nullTime(a.LastReminderExpiryAt))
	if err != nil {
		return fmt.Errorf("dbstore: upserting account %s: %w", a.ID, err)
	}
	return nil
}

// WithAccountLock loads the account for update inside a transaction,
// passes it to fn, and persists whatever fn returns. This is the
// building block for every owner-assignment, freeze-flip, and bonus
// adjustment in the spec (section 5: "row-level locking in PS... for
// owner assignment, freeze flips, and bonus adjustments").
func (s *Store) WithAccountLock(ctx context.Context, id string, fn func(a Account) (Account, error)) (Account, error) {
	var result Account
	err := s.withImmediateTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
		current, err := scanAccount(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("dbstore: locking account %s: %w", id, err)
		}
		updated, err := fn(current)
		if err != nil {
			return err
		}
		if err := upsertAccountTx(ctx, tx, updated); err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return result, nil
}

// AssignAccount sets owner/duration and clears the deferred timer
// (rental_start stays nil until the first !код, per spec section 4.3
// and the "Rental start" glossary entry).
func AssignAccount(a Account, owner, orderID string, durationMinutes int) Account {
	a.Owner = &owner
	a.RentalStart = nil
	a.RentalDurationMinutes = durationMinutes
	a.RentalFrozen = false
	a.RentalFrozenAt = nil
	a.RentalOrderID = &orderID
	a.ExpireDelaySince = nil
	a.LastReminderExpiryAt = nil
	return a
}

// ExtendAccount adds minutes to an already-owned account (same buyer
// extension path, spec section 4.3 step 6).
func ExtendAccount(a Account, addMinutes int) Account {
	a.RentalDurationMinutes += addMinutes
	return a
}

// ReleaseAccount clears ownership per invariant 1 in spec section 8:
// "owner = NULL iff rental_start = NULL and rental_frozen = 0 and
// rental_frozen_at = NULL".
func ReleaseAccount(a Account) Account {
	a.Owner = nil
	a.RentalStart = nil
	a.RentalFrozen = false
	a.RentalFrozenAt = nil
	a.RentalOrderID = nil
	a.ExpireDelaySince = nil
	a.LastReminderExpiryAt = nil
	return a
}

var errRentalAlreadyStarted = errors.New("dbstore: rental already started")

// StartRentalTimer sets rental_start to the given marketplace-zone
// instant, only if it is not already set (spec section 4.4 !код: "if
// any rental has rental_start IS NULL, set it to now+3h").
func StartRentalTimer(a Account, marketplaceNow time.Time) (Account, error) {
	if a.RentalStart != nil {
		return a, errRentalAlreadyStarted
	}
	a.RentalStart = &marketplaceNow
	return a, nil
}
