// Package bot is the per-workspace Bot (B, spec.md section 4.2): it
// owns one Marketplace Client session and runs the poll/chat-sync/
// outbox-drain/auto-raise loops that drive Order Handler, Chat
// Bridge, and Command Handler for that workspace. Grounded on the
// teacher's AIClient (pkg/connector/client.go): one struct per login,
// Connect/Disconnect lifecycle, background loops joined on shutdown.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/megafartCc/funpay-rental-bot/internal/aiadapter"
	"github.com/megafartCc/funpay-rental-bot/internal/chatbridge"
	"github.com/megafartCc/funpay-rental-bot/internal/commandhandler"
	"github.com/megafartCc/funpay-rental-bot/internal/cryptbox"
	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/marketplace"
	"github.com/megafartCc/funpay-rental-bot/internal/orderhandler"
	"github.com/megafartCc/funpay-rental-bot/internal/steamadapter"
)

func newEventID() string { return uuid.NewString() }

// Config carries every tunable Bot needs, composing the sub-component
// configs it constructs (spec.md section 6).
type Config struct {
	PollInterval         time.Duration
	OutboxDrainInterval  time.Duration
	TokenRefreshInterval time.Duration // default 22m
	AutoRaiseInterval    time.Duration // default 10m
	AutoTicketGrace      time.Duration // default 24h, SPEC_FULL section 4.3 auto-ticket watcher
	ReviewBonusMinutes   int           // default 60, SPEC_FULL section 9
	IPEchoURL            string        // empty disables the startup proxy check
	SteamWorkerURL       string

	OrderHandler   orderhandler.Config
	ChatBridge     chatbridge.Config
	CommandHandler commandhandler.Config
}

// DefaultConfig mirrors config.DefaultTunables's defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:         1500 * time.Millisecond,
		OutboxDrainInterval:  5 * time.Second,
		TokenRefreshInterval: 22 * time.Minute,
		AutoRaiseInterval:    10 * time.Minute,
		AutoTicketGrace:      24 * time.Hour,
		ReviewBonusMinutes:   60,
		OrderHandler: orderhandler.Config{
			UnitMinutes:                   60,
			BlacklistCompThresholdMinutes: 5 * 60,
			MMRBand:                       1000,
		},
		ChatBridge:     chatbridge.DefaultConfig(),
		CommandHandler: commandhandler.DefaultConfig(),
	}
}

type ticketWatcher struct {
	timer     *time.Timer
	accountID string
}

// sessionClient is a Marketplace Client plus the startup exit-IP check
// (spec.md section 4.7); *marketplace.HTTPClient satisfies it. Split
// out so tests can swap in a fake bound to an httptest.Server instead
// of the real marketplace host.
type sessionClient interface {
	marketplace.Client
	CheckExitIP(ctx context.Context, ipEchoURL string) error
}

func newRealClient(token, proxyURI, proxyUser, proxyPass string) (sessionClient, error) {
	return marketplace.NewHTTPClient("", token, proxyURI, proxyUser, proxyPass)
}

// Bot runs every background loop for one workspace's marketplace
// session (spec.md section 4.2). Its Marketplace Client is held
// behind a swappable proxy so RequestTokenUpdate/UpdateProxy can
// rebuild the session without reconstructing Order Handler, Chat
// Bridge, or Command Handler.
type Bot struct {
	workspaceID string
	userID      string
	store       *dbstore.Store
	ai          *aiadapter.Adapter
	proxy       *clientProxy
	oh          *orderhandler.Handler
	cb          *chatbridge.Bridge
	ch          *commandhandler.Handler
	cfg         Config
	log         zerolog.Logger

	mu               sync.Mutex
	token            string
	proxyURI         string
	proxyUser        string
	proxyPass        string
	lastSuccess      time.Time
	refreshRequested atomic.Bool
	ipCheckOnce      sync.Once

	ticketMu       sync.Mutex
	ticketWatchers map[string]*ticketWatcher

	autoRaiseMu          sync.Mutex
	autoRaiseNextAttempt map[int]time.Time

	// newClient builds the session for (re)bootstrap; overridden in
	// tests to avoid talking to the real marketplace.
	newClient func(token, proxyURI, proxyUser, proxyPass string) (sessionClient, error)

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Bot bound to ws's token/proxy. The Marketplace Client
// session is not bootstrapped until Start runs its first poll tick.
// box decrypts Account.Password/MafileJSON transparently for the
// command handler; pass cryptbox.New("") when no encryption key is
// configured.
func New(ws dbstore.Workspace, store *dbstore.Store, ai *aiadapter.Adapter, box *cryptbox.Box, cfg Config, log zerolog.Logger) (*Bot, error) {
	log = log.With().Str("component", "bot").Str("workspace", ws.ID).Logger()

	client, err := newRealClient(ws.Token, ws.ProxyURI, ws.ProxyUser, ws.ProxyPass)
	if err != nil {
		return nil, fmt.Errorf("bot: building marketplace client: %w", err)
	}

	b := &Bot{
		workspaceID:          ws.ID,
		userID:               ws.UserID,
		store:                store,
		ai:                   ai,
		proxy:                newClientProxy(client),
		cfg:                  cfg,
		log:                  log,
		token:                ws.Token,
		proxyURI:             ws.ProxyURI,
		proxyUser:            ws.ProxyUser,
		proxyPass:            ws.ProxyPass,
		ticketWatchers:       make(map[string]*ticketWatcher),
		autoRaiseNextAttempt: make(map[int]time.Time),
		newClient:            newRealClient,
	}

	b.oh = orderhandler.New(ws.ID, ws.UserID, store, b.proxy, ai, cfg.OrderHandler, log)
	b.cb = chatbridge.New(ws.ID, ws.UserID, store, b.proxy, cfg.ChatBridge, b.handleChatMessage, b.oh.HandleOrderPurchased, log)
	b.ch = commandhandler.New(ws.ID, ws.UserID, store, steamadapter.New(cfg.SteamWorkerURL), box, cfg.CommandHandler, log)

	return b, nil
}

func (b *Bot) handleChatMessage(ctx context.Context, chatID, sender, text string) (bool, error) {
	return b.ch.Handle(ctx, chatID, sender, text)
}

// Start launches every background loop and returns immediately; call
// Stop to tear them down. Mirrors the teacher's Connect/Disconnect
// pair on AIClient.
func (b *Bot) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		if err := b.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error().Err(err).Msg("bot loop exited")
		}
	}()
}

// Stop cancels every loop and waits for them to return.
func (b *Bot) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// RequestTokenUpdate marks the session for rebuild on the next poll
// tick with newToken (spec.md section 4.1: "re-init on token/proxy
// change").
func (b *Bot) RequestTokenUpdate(newToken string) {
	b.mu.Lock()
	b.token = newToken
	b.mu.Unlock()
	b.refreshRequested.Store(true)
}

// UpdateProxy marks the session for rebuild with a new proxy route.
func (b *Bot) UpdateProxy(proxyURI, proxyUser, proxyPass string) {
	b.mu.Lock()
	b.proxyURI, b.proxyUser, b.proxyPass = proxyURI, proxyUser, proxyPass
	b.mu.Unlock()
	b.refreshRequested.Store(true)
}

func (b *Bot) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.pollLoop(ctx) })
	g.Go(func() error { return b.chatSyncLoop(ctx) })
	g.Go(func() error { return b.outboxLoop(ctx) })
	g.Go(func() error { return b.autoRaiseLoop(ctx) })
	return g.Wait()
}

func (b *Bot) pollLoop(ctx context.Context) error {
	if err := b.ensureSession(ctx); err != nil {
		b.log.Warn().Err(err).Msg("initial session bootstrap failed")
	}

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.ensureSession(ctx); err != nil {
				b.log.Warn().Err(err).Msg("session refresh failed")
				continue
			}
			events, err := b.proxy.Poll(ctx)
			if err != nil {
				b.handlePollError(ctx, err)
				continue
			}
			b.mu.Lock()
			b.lastSuccess = time.Now()
			b.mu.Unlock()
			for _, ev := range events {
				if err := b.dispatch(ctx, ev); err != nil {
					b.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("handling poll event failed")
				}
			}
		}
	}
}

func (b *Bot) chatSyncLoop(ctx context.Context) error {
	interval := b.cfg.ChatBridge.ChatSyncInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.cb.SyncChats(ctx); err != nil {
				b.log.Warn().Err(err).Msg("chat sync failed")
			}
		}
	}
}

func (b *Bot) outboxLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.OutboxDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.cb.DrainOutbox(ctx); err != nil {
				b.log.Warn().Err(err).Msg("outbox drain failed")
			}
		}
	}
}

func (b *Bot) autoRaiseLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.AutoRaiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.runAutoRaise(ctx)
		}
	}
}

// ensureSession bootstraps or re-bootstraps the Marketplace Client
// whenever a caller requested it, or no call has succeeded within
// TokenRefreshInterval (spec.md section 4.2 token refresh rule). The
// startup direct-vs-proxy exit IP check (spec.md section 4.7) runs at
// most once, on the first successful bootstrap attempt.
func (b *Bot) ensureSession(ctx context.Context) error {
	b.mu.Lock()
	stale := b.lastSuccess.IsZero() || time.Since(b.lastSuccess) > b.cfg.TokenRefreshInterval
	needsRefresh := b.refreshRequested.Swap(false) || stale
	token, proxyURI, proxyUser, proxyPass := b.token, b.proxyURI, b.proxyUser, b.proxyPass
	b.mu.Unlock()
	if !needsRefresh {
		return nil
	}

	client, err := b.newClient(token, proxyURI, proxyUser, proxyPass)
	if err != nil {
		return fmt.Errorf("bot: building marketplace client: %w", err)
	}

	var ipErr error
	b.ipCheckOnce.Do(func() {
		if b.cfg.IPEchoURL != "" {
			ipErr = client.CheckExitIP(ctx, b.cfg.IPEchoURL)
		}
	})
	if ipErr != nil {
		_ = b.store.SetWorkspaceStatus(ctx, b.workspaceID, "error", ipErr.Error())
		return fmt.Errorf("bot: startup proxy check: %w", ipErr)
	}

	session, err := client.Get(ctx)
	if err != nil {
		if errors.Is(err, marketplace.ErrUnauthorized) {
			_ = b.store.SetWorkspaceStatus(ctx, b.workspaceID, "unauthorized", err.Error())
		}
		return fmt.Errorf("bot: bootstrapping session: %w", err)
	}

	b.proxy.swap(client)
	b.mu.Lock()
	b.lastSuccess = time.Now()
	b.mu.Unlock()
	_ = b.store.SetWorkspaceStatus(ctx, b.workspaceID, "ok", "")
	b.log.Info().Str("marketplace_user", session.DisplayName).Msg("marketplace session bootstrapped")
	return nil
}

func (b *Bot) handlePollError(ctx context.Context, err error) {
	if errors.Is(err, marketplace.ErrUnauthorized) {
		b.refreshRequested.Store(true)
		_ = b.store.SetWorkspaceStatus(ctx, b.workspaceID, "unauthorized", err.Error())
		return
	}
	if rl, ok := marketplace.AsRateLimited(err); ok {
		b.log.Warn().Int("wait_seconds", rl.WaitSeconds).Msg("poll rate limited")
		return
	}
	b.log.Warn().Err(err).Msg("poll failed")
}

func (b *Bot) dispatch(ctx context.Context, ev marketplace.Event) error {
	switch ev.Type {
	case marketplace.EventNewMessage:
		return b.cb.HandlePollEvent(ctx, ev)
	case marketplace.EventOrderPurchased:
		if err := b.cb.HandlePollEvent(ctx, ev); err != nil {
			return err
		}
		b.maybeScheduleAutoTicket(ctx, ev.OrderID)
		return nil
	case marketplace.EventOrderConfirmed, marketplace.EventOrderConfirmedAdm:
		b.cancelTicketWatcher(ev.OrderID)
		return b.recordOrderEvent(ctx, ev.OrderID, dbstore.ActionClosed)
	case marketplace.EventRefund, marketplace.EventPartialRefund, marketplace.EventRefundByAdmin:
		b.cancelTicketWatcher(ev.OrderID)
		return b.recordOrderEvent(ctx, ev.OrderID, dbstore.ActionRefunded)
	case marketplace.EventNewFeedback, marketplace.EventFeedbackChanged:
		return b.handleReviewGranted(ctx, ev)
	case marketplace.EventFeedbackDeleted:
		return b.handleReviewRevoked(ctx, ev)
	}
	return nil
}

func (b *Bot) recordOrderEvent(ctx context.Context, orderID string, action dbstore.OrderAction) error {
	order, err := b.proxy.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("bot: fetching order %s: %w", orderID, err)
	}
	evt := dbstore.OrderEvent{
		ID:          newEventID(),
		WorkspaceID: b.workspaceID,
		UserID:      b.userID,
		OrderID:     orderID,
		Owner:       order.Buyer,
		Amount:      order.Amount,
		Price:       order.Price,
		Action:      action,
	}
	if order.LotNumber != nil {
		evt.LotNumber = order.LotNumber
	}
	if err := b.store.AppendOrderEvent(ctx, evt); err != nil {
		return fmt.Errorf("bot: recording %s for order %s: %w", action, orderID, err)
	}
	return nil
}

// --- review-bonus subhandler (SPEC_FULL section 9) ---

func (b *Bot) handleReviewGranted(ctx context.Context, ev marketplace.Event) error {
	_, err := b.store.GetReviewReward(ctx, ev.OrderID)
	if err == nil {
		return nil // at most one grant per order, spec section 3's ReviewReward invariant
	}
	if !errors.Is(err, dbstore.ErrNotFound) {
		return fmt.Errorf("bot: checking review reward for %s: %w", ev.OrderID, err)
	}

	positive := ev.Rating == 5
	if ev.Rating == 0 {
		positive, err = b.ai.ClassifyReviewSentiment(ctx, ev.Text, ev.Rating)
		if err != nil {
			return fmt.Errorf("bot: classifying review for %s: %w", ev.OrderID, err)
		}
	}
	if !positive {
		return nil
	}

	order, err := b.proxy.GetOrder(ctx, ev.OrderID)
	if err != nil {
		return fmt.Errorf("bot: fetching order %s for review bonus: %w", ev.OrderID, err)
	}
	if _, err := b.store.AdjustBonusBalance(ctx, b.workspaceID, b.userID, order.Buyer, b.cfg.ReviewBonusMinutes, "review_bonus:"+ev.OrderID); err != nil {
		return fmt.Errorf("bot: crediting review bonus for %s: %w", ev.OrderID, err)
	}
	if err := b.store.AppendOrderEvent(ctx, dbstore.OrderEvent{
		ID: newEventID(), WorkspaceID: b.workspaceID, UserID: b.userID, OrderID: ev.OrderID,
		Owner: order.Buyer, RentalMinutes: b.cfg.ReviewBonusMinutes, Action: dbstore.ActionReviewBonus,
	}); err != nil {
		return fmt.Errorf("bot: recording review bonus for %s: %w", ev.OrderID, err)
	}
	return b.store.ClaimReviewReward(ctx, dbstore.ReviewReward{
		OrderID: ev.OrderID, Owner: order.Buyer, UserID: b.userID, Rating: ev.Rating, ReviewText: ev.Text,
	})
}

func (b *Bot) handleReviewRevoked(ctx context.Context, ev marketplace.Event) error {
	reward, err := b.store.GetReviewReward(ctx, ev.OrderID)
	if errors.Is(err, dbstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bot: loading review reward for %s: %w", ev.OrderID, err)
	}
	if reward.RevokedAt != nil {
		return nil
	}

	balance, err := b.store.GetBonusBalance(ctx, b.workspaceID, reward.Owner)
	if err != nil {
		return fmt.Errorf("bot: reading bonus balance for %s: %w", reward.Owner, err)
	}
	debit := b.cfg.ReviewBonusMinutes
	if balance < debit {
		debit = balance // clamp at 0, spec section 9
	}
	if debit > 0 {
		if _, err := b.store.AdjustBonusBalance(ctx, b.workspaceID, b.userID, reward.Owner, -debit, "review_bonus_revert:"+ev.OrderID); err != nil {
			return fmt.Errorf("bot: reverting review bonus for %s: %w", ev.OrderID, err)
		}
	}
	if err := b.store.AppendOrderEvent(ctx, dbstore.OrderEvent{
		ID: newEventID(), WorkspaceID: b.workspaceID, UserID: b.userID, OrderID: ev.OrderID,
		Owner: reward.Owner, RentalMinutes: debit, Action: dbstore.ActionReviewBonusRevert,
	}); err != nil {
		return fmt.Errorf("bot: recording review bonus revert for %s: %w", ev.OrderID, err)
	}
	return b.store.RevokeReviewReward(ctx, ev.OrderID)
}

// --- auto-ticket watcher (SPEC_FULL section 4.3) ---

func (b *Bot) maybeScheduleAutoTicket(ctx context.Context, orderID string) {
	enabled, err := b.store.GetSetting(ctx, b.userID, "auto_ticket_enabled", "false")
	if err != nil || enabled != "true" {
		return
	}
	events, err := b.store.ListOrderEventsForOrder(ctx, b.workspaceID, orderID)
	if err != nil || len(events) == 0 {
		return
	}
	last := events[len(events)-1]
	if last.Action != dbstore.ActionIssued && last.Action != dbstore.ActionReplaceAssign && last.Action != dbstore.ActionExtended {
		return
	}
	if last.AccountID == nil {
		return
	}
	acc, err := b.store.GetAccount(ctx, *last.AccountID)
	if err != nil {
		return
	}
	start := time.Now().UTC()
	if acc.RentalStart != nil {
		start = *acc.RentalStart
	}
	fireAt := start.Add(time.Duration(acc.RentalDurationMinutes) * time.Minute).Add(b.cfg.AutoTicketGrace)
	delay := time.Until(fireAt)
	if delay <= 0 {
		delay = time.Second
	}
	b.scheduleTicketWatcher(orderID, *last.AccountID, delay)
}

func (b *Bot) scheduleTicketWatcher(orderID, accountID string, delay time.Duration) {
	b.ticketMu.Lock()
	defer b.ticketMu.Unlock()
	if w, ok := b.ticketWatchers[orderID]; ok {
		w.timer.Stop()
	}
	b.ticketWatchers[orderID] = &ticketWatcher{
		accountID: accountID,
		timer: time.AfterFunc(delay, func() {
			b.ticketMu.Lock()
			delete(b.ticketWatchers, orderID)
			b.ticketMu.Unlock()
			b.fireTicketWatcher(orderID, accountID)
		}),
	}
}

func (b *Bot) cancelTicketWatcher(orderID string) {
	b.ticketMu.Lock()
	defer b.ticketMu.Unlock()
	if w, ok := b.ticketWatchers[orderID]; ok {
		w.timer.Stop()
		delete(b.ticketWatchers, orderID)
	}
}

func (b *Bot) fireTicketWatcher(orderID, accountID string) {
	ctx := context.Background()
	events, err := b.store.ListOrderEventsForOrder(ctx, b.workspaceID, orderID)
	if err != nil {
		b.log.Warn().Err(err).Str("order", orderID).Msg("auto-ticket: loading order history failed")
		return
	}
	for _, e := range events {
		if e.Action == dbstore.ActionClosed || e.Action == dbstore.ActionRefunded {
			return
		}
	}

	acc, err := b.store.GetAccount(ctx, accountID)
	if err != nil {
		b.log.Warn().Err(err).Str("account", accountID).Msg("auto-ticket: loading account failed")
		return
	}
	body, err := b.ai.GenerateTicketBody(ctx, orderID, acc.DisplayName, acc.RentalDurationMinutes)
	if err != nil {
		b.log.Warn().Err(err).Str("order", orderID).Msg("auto-ticket: generating body failed")
		return
	}
	if err := b.proxy.SubmitSupportTicket(ctx, "rental overdue", "buyer", orderID, body); err != nil {
		b.log.Warn().Err(err).Str("order", orderID).Msg("auto-ticket: submitting ticket failed")
		return
	}

	owner := ""
	if acc.Owner != nil {
		owner = *acc.Owner
	}
	if err := b.store.AppendOrderEvent(ctx, dbstore.OrderEvent{
		ID: newEventID(), WorkspaceID: b.workspaceID, UserID: b.userID, OrderID: orderID,
		Owner: owner, AccountID: &accountID, Action: dbstore.ActionTicketAuto,
	}); err != nil {
		b.log.Warn().Err(err).Str("order", orderID).Msg("auto-ticket: recording event failed")
	}
}

// --- auto-raise task (SPEC_FULL section 9) ---

func (b *Bot) runAutoRaise(ctx context.Context) {
	enabled, err := b.store.GetSetting(ctx, b.userID, "auto_raise_enabled", "true")
	if err != nil || enabled == "false" {
		return
	}
	categories, err := b.categoriesToRaise(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("listing auto-raise categories failed")
		return
	}
	for _, catID := range categories {
		b.autoRaiseMu.Lock()
		notBefore, scheduled := b.autoRaiseNextAttempt[catID]
		b.autoRaiseMu.Unlock()
		if scheduled && time.Now().Before(notBefore) {
			continue
		}
		if err := b.proxy.RaiseLots(ctx, catID); err != nil {
			if rl, ok := marketplace.AsRateLimited(err); ok {
				b.autoRaiseMu.Lock()
				b.autoRaiseNextAttempt[catID] = time.Now().Add(time.Duration(rl.WaitSeconds) * time.Second)
				b.autoRaiseMu.Unlock()
				continue
			}
			b.log.Warn().Err(err).Int("category", catID).Msg("raising lots failed")
			continue
		}
		b.autoRaiseMu.Lock()
		delete(b.autoRaiseNextAttempt, catID)
		b.autoRaiseMu.Unlock()
	}
}

func (b *Bot) categoriesToRaise(ctx context.Context) ([]int, error) {
	raw, err := b.store.GetSetting(ctx, b.userID, "auto_raise_categories", "")
	if err != nil {
		return nil, err
	}
	if raw != "" {
		var ids []int
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			n, err := strconv.Atoi(part)
			if err != nil {
				continue
			}
			ids = append(ids, n)
		}
		return ids, nil
	}
	cats, err := b.proxy.GetSortedCategories(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(cats))
	for i, c := range cats {
		ids[i] = c.ID
	}
	return ids, nil
}
