package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var errReviewAlreadyClaimed = errors.New("dbstore: review bonus already claimed for this order")

// ClaimReviewReward records a one-time review bonus grant for an
// order, rejecting a second claim (SPEC_FULL section 9 review-bonus
// subhandler: "at most one bonus grant per order_id").
func (s *Store) ClaimReviewReward(ctx context.Context, r ReviewReward) error {
	if r.ClaimedAt.IsZero() {
		r.ClaimedAt = time.Now().UTC()
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM review_rewards WHERE order_id = ?`, r.OrderID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("dbstore: checking review reward %s: %w", r.OrderID, err)
	}
	if exists > 0 {
		return errReviewAlreadyClaimed
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_rewards (order_id, owner, user_id, rating, review_text, account_id, claimed_at, revoked_at, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		r.OrderID, r.Owner, r.UserID, r.Rating, r.ReviewText, r.AccountID,
		r.ClaimedAt.Format(time.RFC3339Nano), nullTime(r.ReviewedAt))
	if err != nil {
		return fmt.Errorf("dbstore: claiming review reward %s: %w", r.OrderID, err)
	}
	return nil
}

// RevokeReviewReward marks a granted review bonus as reverted, used
// when a buyer deletes a review (FEEDBACK_DELETED) after the bonus was
// already paid; the caller also records a review_bonus_revert event.
func (s *Store) RevokeReviewReward(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE review_rewards SET revoked_at = ? WHERE order_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), orderID)
	if err != nil {
		return fmt.Errorf("dbstore: revoking review reward %s: %w", orderID, err)
	}
	return nil
}

// GetReviewReward loads the reward row for an order, if any.
func (s *Store) GetReviewReward(ctx context.Context, orderID string) (ReviewReward, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, owner, user_id, rating, review_text, account_id, claimed_at, revoked_at, reviewed_at
		FROM review_rewards WHERE order_id = ?`, orderID)
	var r ReviewReward
	var claimedAt string
	var revokedAt, reviewedAt sql.NullString
	err := row.Scan(&r.OrderID, &r.Owner, &r.UserID, &r.Rating, &r.ReviewText, &r.AccountID,
		&claimedAt, &revokedAt, &reviewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReviewReward{}, ErrNotFound
	}
	if err != nil {
		return ReviewReward{}, fmt.Errorf("dbstore: getting review reward %s: %w", orderID, err)
	}
	r.ClaimedAt, _ = time.Parse(time.RFC3339Nano, claimedAt)
	r.RevokedAt = parseNullTime(revokedAt)
	r.ReviewedAt = parseNullTime(reviewedAt)
	return r, nil
}
