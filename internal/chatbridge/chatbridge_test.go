package chatbridge

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/marketplace"
)

type fakeClient struct {
	marketplace.Client
	chats      []marketplace.Chat
	history    map[string][]marketplace.Message
	sendCalls  []string
	sendErr    error
	sentReturn marketplace.Message
}

func (f *fakeClient) GetChats(ctx context.Context) ([]marketplace.Chat, error) {
	return f.chats, nil
}

func (f *fakeClient) GetChatHistory(ctx context.Context, chatID string, limit int) ([]marketplace.Message, error) {
	return f.history[chatID], nil
}

func (f *fakeClient) SendMessage(ctx context.Context, chatID, text string) (marketplace.Message, error) {
	f.sendCalls = append(f.sendCalls, chatID)
	if f.sendErr != nil {
		return marketplace.Message{}, f.sendErr
	}
	return f.sentReturn, nil
}

func newTestStore(t *testing.T) *dbstore.Store {
	t.Helper()
	s, err := dbstore.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.UpsertWorkspace(context.Background(), dbstore.Workspace{ID: "ws1", UserID: "u1", Label: "main", Token: "t", ProxyURI: "socks5://p"}))
	return s
}

func newBridge(store *dbstore.Store, client marketplace.Client, onMessage IncomingHandler, onOrder OrderHandler) *Bridge {
	return New("ws1", "u1", store, client, DefaultConfig(), onMessage, onOrder, zerolog.Nop())
}

func TestDrainOutboxSendsAndLogsMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.EnqueueOutboxMessage(ctx, "ws1", "u1", "chat1", "hello buyer")
	require.NoError(t, err)

	client := &fakeClient{sentReturn: marketplace.Message{MessageID: "m1", SentAt: time.Now().UTC()}}
	b := newBridge(store, client, nil, nil)

	require.NoError(t, b.DrainOutbox(ctx))
	require.Equal(t, []string{"chat1"}, client.sendCalls)

	pending, err := store.ListPendingOutbox(ctx, "ws1", 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	history, err := store.ListChatHistory(ctx, "ws1", "chat1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].ByBot)
}

func TestDrainOutboxMarksFailedAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.EnqueueOutboxMessage(ctx, "ws1", "u1", "chat1", "hello buyer")
	require.NoError(t, err)

	client := &fakeClient{sendErr: marketplace.ErrUnauthorized}
	b := newBridge(store, client, nil, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.DrainOutbox(ctx))
	}

	pending, err := store.ListPendingOutbox(ctx, "ws1", 10)
	require.NoError(t, err)
	require.Empty(t, pending, "message must stop being retried once failed")
}

func TestHandlePollEventDispatchesOrderPurchased(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := &fakeClient{}

	var gotOrder, gotChat string
	onOrder := func(ctx context.Context, orderID, chatID string) error {
		gotOrder, gotChat = orderID, chatID
		return nil
	}
	b := newBridge(store, client, nil, onOrder)

	require.NoError(t, b.HandlePollEvent(ctx, marketplace.Event{
		Type: marketplace.EventOrderPurchased, OrderID: "order-1", ChatID: "chat1",
	}))
	require.Equal(t, "order-1", gotOrder)
	require.Equal(t, "chat1", gotChat)
}

func TestHandlePollEventDedupesRepeatedMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := &fakeClient{}

	calls := 0
	onMessage := func(ctx context.Context, chatID, sender, text string) (bool, error) {
		calls++
		return true, nil
	}
	b := newBridge(store, client, onMessage, nil)

	ev := marketplace.Event{Type: marketplace.EventNewMessage, ChatID: "chat1", Author: "buyer1", Text: "!акк", MessageID: "m1"}
	require.NoError(t, b.HandlePollEvent(ctx, ev))
	require.NoError(t, b.HandlePollEvent(ctx, ev))
	require.Equal(t, 1, calls, "replayed message within the dedup window must be suppressed")
}

func TestHandlePollEventRaisesAdminCallWhenUnconsumed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := &fakeClient{}

	onMessage := func(ctx context.Context, chatID, sender, text string) (bool, error) {
		return false, nil
	}
	b := newBridge(store, client, onMessage, nil)

	require.NoError(t, b.HandlePollEvent(ctx, marketplace.Event{
		Type: marketplace.EventNewMessage, ChatID: "chat1", Author: "buyer1", Text: "!admin", MessageID: "m1",
	}))

	calls, err := store.ListAdminCalls(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "buyer1", calls[0].Owner)

	snap, err := store.GetChatSnapshot(ctx, "ws1", "chat1")
	require.NoError(t, err)
	require.True(t, snap.AdminRequested)
}

func TestSyncChatsPrefetchesHistoryForNewChats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := &fakeClient{
		chats: []marketplace.Chat{{ChatID: "chat1", PeerName: "buyer1", LastMessageTime: time.Now().UTC()}},
		history: map[string][]marketplace.Message{
			"chat1": {{MessageID: "h1", Text: "hi", SentAt: time.Now().UTC()}},
		},
	}
	b := newBridge(store, client, nil, nil)

	require.NoError(t, b.SyncChats(ctx))

	snaps, err := store.ListChatSnapshots(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	history, err := store.ListChatHistory(ctx, "ws1", "chat1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "hi", history[0].Text)
}

func TestSyncChatsPreservesAdminFlagsOnResync(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.RaiseAdminCall(ctx, "ws1", "u1", "chat1", "buyer1"))
	require.NoError(t, store.UpsertChatSnapshot(ctx, dbstore.ChatSnapshot{
		WorkspaceID: "ws1", UserID: "u1", ChatID: "chat1", PeerName: "buyer1",
		AdminRequested: true, AdminUnreadCount: 2,
	}))

	client := &fakeClient{chats: []marketplace.Chat{{ChatID: "chat1", PeerName: "buyer1", LastMessageTime: time.Now().UTC()}}}
	b := newBridge(store, client, nil, nil)

	require.NoError(t, b.SyncChats(ctx))

	snap, err := store.GetChatSnapshot(ctx, "ws1", "chat1")
	require.NoError(t, err)
	require.True(t, snap.AdminRequested)
	require.Equal(t, 2, snap.AdminUnreadCount)
}
