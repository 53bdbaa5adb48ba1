// Package chatbridge is the Chat Bridge (CB, spec.md section 4.6): the
// loop that drains the outbox to the marketplace, pulls chat history
// in for command/order handling, and detects admin calls. Dedup is
// grounded on the teacher's pkg/connector/dedupe.go DedupeCache, kept
// as a fixed-size, time-ordered signature set rather than a true LRU.
package chatbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/marketplace"
)

// Config carries the tunables CB needs from spec.md section 6.
type Config struct {
	ChatSyncInterval time.Duration // default 30s
	OutboxDrainLimit int           // default 20 per tick
	MaxSendAttempts  int           // default 3
	HistoryBatch     int           // chats to prefetch history for, per tick; default 8
	HistoryPageSize  int           // default 4 messages per prefetch
	DedupWindow      time.Duration // default 2s
	DedupMaxEntries  int           // default 5000
}

func DefaultConfig() Config {
	return Config{
		ChatSyncInterval: 30 * time.Second,
		OutboxDrainLimit: 20,
		MaxSendAttempts:  3,
		HistoryBatch:     8,
		HistoryPageSize:  4,
		DedupWindow:      2 * time.Second,
		DedupMaxEntries:  5000,
	}
}

// IncomingHandler processes one freshly-seen buyer chat line. Returns
// true if it was consumed as a command (spec.md section 4.4's
// CH.Handle contract).
type IncomingHandler func(ctx context.Context, chatID, sender, text string) (bool, error)

// OrderHandler processes one ORDER_PURCHASED poll event (spec.md
// section 4.3).
type OrderHandler func(ctx context.Context, orderID, chatID string) error

// Bridge owns the outbox drain, chat sync, and admin-call detection
// for one workspace. Its dedup cache is in-memory and scoped to this
// instance (spec.md section 8: no cross-workspace state).
type Bridge struct {
	workspaceID, userID string
	store               *dbstore.Store
	mc                  marketplace.Client
	cfg                 Config
	onMessage           IncomingHandler
	onOrder             OrderHandler
	log                 zerolog.Logger

	dedup *dedupeCache
}

func New(workspaceID, userID string, store *dbstore.Store, mc marketplace.Client, cfg Config, onMessage IncomingHandler, onOrder OrderHandler, log zerolog.Logger) *Bridge {
	return &Bridge{
		workspaceID: workspaceID, userID: userID, store: store, mc: mc, cfg: cfg,
		onMessage: onMessage, onOrder: onOrder,
		log:   log.With().Str("component", "chatbridge").Str("workspace", workspaceID).Logger(),
		dedup: newDedupeCache(cfg.DedupWindow, cfg.DedupMaxEntries),
	}
}

// HandlePollEvent dispatches one marketplace.Event, the event-loop
// side of CB's job (spec.md section 4.2: the Bot's event subtask feeds
// poll events to whichever component owns them).
func (b *Bridge) HandlePollEvent(ctx context.Context, ev marketplace.Event) error {
	switch ev.Type {
	case marketplace.EventNewMessage:
		return b.handleIncoming(ctx, ev.ChatID, ev.Author, ev.Text, ev.MessageID, ev.SentAt)
	case marketplace.EventOrderPurchased:
		if b.onOrder == nil {
			return nil
		}
		return b.onOrder(ctx, ev.OrderID, ev.ChatID)
	default:
		return nil
	}
}

func (b *Bridge) handleIncoming(ctx context.Context, chatID, author, text, messageID string, sentAt time.Time) error {
	sig := dedupeSignature(chatID, author, text)
	if b.dedup.Check(sig) {
		b.log.Debug().Str("chat", chatID).Msg("dropping debounced duplicate message")
		return nil
	}
	if messageID == "" {
		messageID = xid.New().String()
	}
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	if err := b.store.AppendChatMessage(ctx, dbstore.ChatMessage{
		WorkspaceID: b.workspaceID, UserID: b.userID, ChatID: chatID, MessageID: messageID,
		Author: author, Text: text, SentTime: sentAt, ByBot: false, Type: "text",
	}); err != nil {
		return fmt.Errorf("chatbridge: recording incoming message %s: %w", messageID, err)
	}
	snap, err := b.snapshotFor(ctx, chatID)
	if err != nil {
		return err
	}
	snap.PeerName = author
	snap.LastMessageText = text
	snap.LastMessageTime = &sentAt
	snap.Unread++

	consumed := false
	if b.onMessage != nil {
		consumed, err = b.onMessage(ctx, chatID, author, text)
		if err != nil {
			return fmt.Errorf("chatbridge: dispatching message from %s: %w", chatID, err)
		}
	}
	if !consumed && looksLikeAdminCall(text) {
		if err := b.store.RaiseAdminCall(ctx, b.workspaceID, b.userID, chatID, author); err != nil {
			return fmt.Errorf("chatbridge: raising admin call for %s: %w", chatID, err)
		}
		snap.AdminRequested = true
		snap.AdminUnreadCount++
		b.log.Info().Str("chat", chatID).Str("owner", author).Msg("admin call raised from incoming message")
	}
	if err := b.store.UpsertChatSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("chatbridge: updating chat snapshot %s: %w", chatID, err)
	}
	return nil
}

// snapshotFor returns the existing chat snapshot, or a zero-value one
// scoped to this chat if none exists yet, so updates only ever touch
// the fields the caller actually changes.
func (b *Bridge) snapshotFor(ctx context.Context, chatID string) (dbstore.ChatSnapshot, error) {
	snap, err := b.store.GetChatSnapshot(ctx, b.workspaceID, chatID)
	if errors.Is(err, dbstore.ErrNotFound) {
		return dbstore.ChatSnapshot{WorkspaceID: b.workspaceID, UserID: b.userID, ChatID: chatID}, nil
	}
	if err != nil {
		return dbstore.ChatSnapshot{}, fmt.Errorf("chatbridge: reading chat snapshot %s: %w", chatID, err)
	}
	return snap, nil
}

func looksLikeAdminCall(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "!админ" || t == "!admin" || t == "!support" || t == "!тех"
}

// DrainOutbox sends up to cfg.OutboxDrainLimit pending messages
// (spec.md section 4.6's outbox drain tick).
func (b *Bridge) DrainOutbox(ctx context.Context) error {
	pending, err := b.store.ListPendingOutbox(ctx, b.workspaceID, b.cfg.OutboxDrainLimit)
	if err != nil {
		return fmt.Errorf("chatbridge: listing pending outbox: %w", err)
	}
	for _, m := range pending {
		sent, err := b.mc.SendMessage(ctx, m.ChatID, m.Text)
		if err != nil {
			if markErr := b.store.MarkOutboxAttemptFailed(ctx, m.ID, err.Error(), b.cfg.MaxSendAttempts); markErr != nil {
				return fmt.Errorf("chatbridge: recording outbox failure %s: %w", m.ID, markErr)
			}
			b.log.Warn().Err(err).Str("chat", m.ChatID).Msg("outbox send failed")
			continue
		}
		if err := b.store.MarkOutboxSent(ctx, m.ID); err != nil {
			return fmt.Errorf("chatbridge: marking outbox sent %s: %w", m.ID, err)
		}
		sentAt := sent.SentAt
		if sentAt.IsZero() {
			sentAt = time.Now().UTC()
		}
		msgID := sent.MessageID
		if msgID == "" {
			msgID = xid.New().String()
		}
		if err := b.store.AppendChatMessage(ctx, dbstore.ChatMessage{
			WorkspaceID: b.workspaceID, UserID: b.userID, ChatID: m.ChatID, MessageID: msgID,
			Author: "bot", Text: m.Text, SentTime: sentAt, ByBot: true, Type: "text",
		}); err != nil {
			return fmt.Errorf("chatbridge: logging sent message %s: %w", m.ID, err)
		}
		snap, err := b.snapshotFor(ctx, m.ChatID)
		if err != nil {
			return err
		}
		snap.LastMessageText = m.Text
		snap.LastMessageTime = &sentAt
		if err := b.store.UpsertChatSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("chatbridge: updating chat snapshot after send %s: %w", m.ID, err)
		}
	}
	return nil
}

// SyncChats upserts chat snapshots and batch-prefetches history for
// chats PS has never seen (spec.md section 4.6's chat sync tick).
func (b *Bridge) SyncChats(ctx context.Context) error {
	chats, err := b.mc.GetChats(ctx)
	if err != nil {
		return fmt.Errorf("chatbridge: fetching chat list: %w", err)
	}
	existing, err := b.store.ListChatSnapshots(ctx, b.workspaceID)
	if err != nil {
		return fmt.Errorf("chatbridge: listing chat snapshots: %w", err)
	}
	known := make(map[string]bool, len(existing))
	priorByID := make(map[string]dbstore.ChatSnapshot, len(existing))
	for _, c := range existing {
		known[c.ChatID] = true
		priorByID[c.ChatID] = c
	}

	var needHistory []marketplace.Chat
	for _, c := range chats {
		prior := priorByID[c.ChatID]
		lastTime := c.LastMessageTime
		if err := b.store.UpsertChatSnapshot(ctx, dbstore.ChatSnapshot{
			WorkspaceID: b.workspaceID, UserID: b.userID, ChatID: c.ChatID, PeerName: c.PeerName,
			LastMessageText: c.LastMessageText, LastMessageTime: &lastTime, Unread: c.Unread,
			AdminUnreadCount: prior.AdminUnreadCount, AdminRequested: prior.AdminRequested,
		}); err != nil {
			return fmt.Errorf("chatbridge: upserting chat snapshot %s: %w", c.ChatID, err)
		}
		if !known[c.ChatID] {
			needHistory = append(needHistory, c)
		}
	}

	batch := needHistory
	if len(batch) > b.cfg.HistoryBatch {
		batch = batch[:b.cfg.HistoryBatch]
	}
	for _, c := range batch {
		history, err := b.mc.GetChatHistory(ctx, c.ChatID, b.cfg.HistoryPageSize)
		if err != nil {
			b.log.Warn().Err(err).Str("chat", c.ChatID).Msg("history prefetch failed")
			continue
		}
		for _, msg := range history {
			author := c.PeerName
			if msg.ByBot {
				author = "bot"
			}
			if err := b.store.AppendChatMessage(ctx, dbstore.ChatMessage{
				WorkspaceID: b.workspaceID, UserID: b.userID, ChatID: c.ChatID, MessageID: msg.MessageID,
				Author: author, Text: msg.Text, SentTime: msg.SentAt, ByBot: msg.ByBot, Type: "text",
			}); err != nil {
				return fmt.Errorf("chatbridge: persisting prefetched message %s: %w", msg.MessageID, err)
			}
		}
	}
	if len(needHistory) > len(batch) {
		b.log.Debug().Int("deferred", len(needHistory)-len(batch)).Msg("history prefetch backlog carried to next tick")
	}
	return nil
}

func dedupeSignature(chatID, author, text string) string {
	return chatID + "|" + author + "|" + strings.ToLower(strings.TrimSpace(text))
}

// dedupeCache is a fixed-size, TTL-windowed signature set, adapted
// from the teacher's connector.DedupeCache for the 2-second replay
// window spec.md section 4.6 asks for instead of its 20-minute one.
type dedupeCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
	maxSize int
}

func newDedupeCache(window time.Duration, maxSize int) *dedupeCache {
	if window <= 0 {
		window = 2 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &dedupeCache{entries: make(map[string]time.Time), window: window, maxSize: maxSize}
}

// Check reports whether sig was already seen within the window,
// recording it either way.
func (c *dedupeCache) Check(sig string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if ts, ok := c.entries[sig]; ok && now.Sub(ts) < c.window {
		c.entries[sig] = now
		return true
	}
	c.entries[sig] = now
	c.prune(now)
	return false
}

func (c *dedupeCache) prune(now time.Time) {
	for k, ts := range c.entries {
		if now.Sub(ts) > c.window {
			delete(c.entries, k)
		}
	}
	for len(c.entries) > c.maxSize {
		var oldest string
		var oldestTS time.Time
		first := true
		for k, ts := range c.entries {
			if first || ts.Before(oldestTS) {
				oldest, oldestTS = k, ts
				first = false
			}
		}
		delete(c.entries, oldest)
	}
}
