package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetSetting reads one per-user key/value setting (spec section 3:
// Settings), returning fallback if unset.
func (s *Store) GetSetting(ctx context.Context, userID, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE user_id = ? AND key = ?`, userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("dbstore: reading setting %s/%s: %w", userID, key, err)
	}
	return value, nil
}

// SetSetting writes one per-user key/value setting.
func (s *Store) SetSetting(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`, userID, key, value)
	if err != nil {
		return fmt.Errorf("dbstore: setting %s/%s: %w", userID, key, err)
	}
	return nil
}

// ListSettings returns every key/value pair for a user, used to hydrate
// per-user tunable overrides (spec section 6) on top of the process
// defaults.
func (s *Store) ListSettings(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing settings for %s: %w", userID, err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("dbstore: scanning setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
