package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertChatSnapshot writes the dashboard-facing summary row for one
// chat (spec section 3: Chat Snapshot; section 4.6 chat sync).
func (s *Store) UpsertChatSnapshot(ctx context.Context, c ChatSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_snapshots (workspace_id, user_id, chat_id, peer_name, last_message_text,
			last_message_time, unread, admin_unread_count, admin_requested)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, user_id, chat_id) DO UPDATE SET
			peer_name = excluded.peer_name,
			last_message_text = excluded.last_message_text,
			last_message_time = excluded.last_message_time,
			unread = excluded.unread,
			admin_unread_count = excluded.admin_unread_count,
			admin_requested = excluded.admin_requested`,
		c.WorkspaceID, c.UserID, c.ChatID, c.PeerName, c.LastMessageText, nullTime(c.LastMessageTime),
		c.Unread, c.AdminUnreadCount, boolToInt(c.AdminRequested))
	if err != nil {
		return fmt.Errorf("dbstore: upserting chat snapshot %s/%s: %w", c.WorkspaceID, c.ChatID, err)
	}
	return nil
}

// GetChatSnapshot returns one chat's snapshot, or ErrNotFound if the
// chat bridge has never seen it.
func (s *Store) GetChatSnapshot(ctx context.Context, workspaceID, chatID string) (ChatSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, user_id, chat_id, peer_name, last_message_text, last_message_time,
			unread, admin_unread_count, admin_requested
		FROM chat_snapshots WHERE workspace_id = ? AND chat_id = ?`, workspaceID, chatID)
	var c ChatSnapshot
	var lastMessageTime sql.NullString
	var adminRequested int
	err := row.Scan(&c.WorkspaceID, &c.UserID, &c.ChatID, &c.PeerName, &c.LastMessageText,
		&lastMessageTime, &c.Unread, &c.AdminUnreadCount, &adminRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSnapshot{}, ErrNotFound
	}
	if err != nil {
		return ChatSnapshot{}, fmt.Errorf("dbstore: getting chat snapshot %s/%s: %w", workspaceID, chatID, err)
	}
	c.LastMessageTime = parseNullTime(lastMessageTime)
	c.AdminRequested = adminRequested != 0
	return c, nil
}

// ListChatSnapshots returns every chat known for a workspace, most
// recently active first.
func (s *Store) ListChatSnapshots(ctx context.Context, workspaceID string) ([]ChatSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, user_id, chat_id, peer_name, last_message_text, last_message_time,
			unread, admin_unread_count, admin_requested
		FROM chat_snapshots WHERE workspace_id = ? ORDER BY last_message_time DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing chat snapshots: %w", err)
	}
	defer rows.Close()
	var out []ChatSnapshot
	for rows.Next() {
		var c ChatSnapshot
		var lastMessageTime sql.NullString
		var adminRequested int
		if err := rows.Scan(&c.WorkspaceID, &c.UserID, &c.ChatID, &c.PeerName, &c.LastMessageText,
			&lastMessageTime, &c.Unread, &c.AdminUnreadCount, &adminRequested); err != nil {
			return nil, fmt.Errorf("dbstore: scanning chat snapshot: %w", err)
		}
		c.LastMessageTime = parseNullTime(lastMessageTime)
		c.AdminRequested = adminRequested != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendChatMessage persists one chat line, deduplicated by
// (workspace_id, chat_id, message_id) as spec section 4.6 requires for
// replayed history pages.
func (s *Store) AppendChatMessage(ctx context.Context, m ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (workspace_id, user_id, chat_id, message_id, author, text, sent_time, by_bot, type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, chat_id, message_id) DO NOTHING`,
		m.WorkspaceID, m.UserID, m.ChatID, m.MessageID, m.Author, m.Text,
		m.SentTime.Format(time.RFC3339Nano), boolToInt(m.ByBot), m.Type)
	if err != nil {
		return fmt.Errorf("dbstore: appending chat message %s/%s: %w", m.ChatID, m.MessageID, err)
	}
	return nil
}

// ListChatHistory returns a chat's messages, oldest first, limited to
// the most recent limit rows.
func (s *Store) ListChatHistory(ctx context.Context, workspaceID, chatID string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, user_id, chat_id, message_id, author, text, sent_time, by_bot, type
		FROM chat_messages WHERE workspace_id = ? AND chat_id = ?
		ORDER BY sent_time DESC LIMIT ?`, workspaceID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing chat history %s: %w", chatID, err)
	}
	defer rows.Close()
	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var sentTime string
		var byBot int
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.ChatID, &m.MessageID, &m.Author, &m.Text,
			&sentTime, &byBot, &m.Type); err != nil {
			return nil, fmt.Errorf("dbstore: scanning chat message: %w", err)
		}
		m.SentTime, _ = time.Parse(time.RFC3339Nano, sentTime)
		m.ByBot = byBot != 0
		out = append(out, m)
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// EnqueueOutboxMessage queues one outbound chat line for the chat
// bridge's outbox drain loop (spec section 3: Chat Outbox; section 4.6).
func (s *Store) EnqueueOutboxMessage(ctx context.Context, workspaceID, userID, chatID, text string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_outbox (id, workspace_id, user_id, chat_id, text, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?)`,
		id, workspaceID, userID, chatID, text, string(OutboxPending), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("dbstore: enqueuing outbox message for %s: %w", chatID, err)
	}
	return id, nil
}

// ListPendingOutbox returns up to limit pending outbox rows, oldest
// first, used by the drain loop (SPEC_FULL section 4.6: "drain at most
// 20 messages per tick").
func (s *Store) ListPendingOutbox(ctx context.Context, workspaceID string, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, user_id, chat_id, text, status, attempts, last_error, created_at
		FROM chat_outbox WHERE workspace_id = ? AND status = ? ORDER BY created_at LIMIT ?`,
		workspaceID, string(OutboxPending), limit)
	if err != nil {
		return nil, fmt.Errorf("dbstore: listing pending outbox: %w", err)
	}
	defer rows.Close()
	var out []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("dbstore: scanning outbox message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanOutboxMessage(row interface{ Scan(...any) error }) (OutboxMessage, error) {
	var m OutboxMessage
	var status, createdAt string
	err := row.Scan(&m.ID, &m.WorkspaceID, &m.UserID, &m.ChatID, &m.Text, &status, &m.Attempts, &m.LastError, &createdAt)
	if err != nil {
		return OutboxMessage{}, err
	}
	m.Status = OutboxStatus(status)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return m, nil
}

// MarkOutboxSent flips a queued message to sent.
func (s *Store) MarkOutboxSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chat_outbox SET status = ? WHERE id = ?`, string(OutboxSent), id)
	if err != nil {
		return fmt.Errorf("dbstore: marking outbox %s sent: %w", id, err)
	}
	return nil
}

// MarkOutboxAttemptFailed increments the attempt counter and records
// the error, flipping to failed once attempts reaches maxAttempts
// (SPEC_FULL section 4.6: "fail permanently after 3 attempts").
func (s *Store) MarkOutboxAttemptFailed(ctx context.Context, id, errMsg string, maxAttempts int) error {
	return s.withImmediateTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM chat_outbox WHERE id = ?`, id).Scan(&attempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("dbstore: reading outbox attempts %s: %w", id, err)
		}
		attempts++
		status := string(OutboxPending)
		if attempts >= maxAttempts {
			status = string(OutboxFailed)
		}
		_, err := tx.ExecContext(ctx, `UPDATE chat_outbox SET attempts = ?, last_error = ?, status = ? WHERE id = ?`,
			attempts, errMsg, status, id)
		if err != nil {
			return fmt.Errorf("dbstore: updating outbox %s: %w", id, err)
		}
		return nil
	})
}
