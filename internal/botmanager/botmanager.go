// Package botmanager reconciles the set of live per-workspace bots
// against the workspaces configured in storage (spec.md section 4.1:
// "live_bots == { w | w.token != "" and w.proxy != "" }"), and owns
// the single process-global Rental Reaper. Grounded on the teacher's
// pkg/cron/service.go (deps-injected, timer-driven scheduler) for the
// periodic Reconcile tick, and on connector.go's ensureSharedKeyLogins
// (iterate known principals, start what's missing, skip what's
// already running) for StartAll/StartForWorkspace.
package botmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/megafartCc/funpay-rental-bot/internal/aiadapter"
	"github.com/megafartCc/funpay-rental-bot/internal/bot"
	"github.com/megafartCc/funpay-rental-bot/internal/cryptbox"
	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/presence"
	"github.com/megafartCc/funpay-rental-bot/internal/reaper"
	"github.com/megafartCc/funpay-rental-bot/internal/steamadapter"
)

// Config carries the tunables Manager needs from spec.md section 6.
type Config struct {
	ReconcileInterval time.Duration // default 60s
	Bot               bot.Config
	Reaper            reaper.Config
}

func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 60 * time.Second,
		Bot:               bot.DefaultConfig(),
		Reaper:            reaper.DefaultConfig(),
	}
}

type runningBot struct {
	b      *bot.Bot
	token  string
	userID string
}

// presenceSource mirrors reaper's own unexported interface so Manager
// can accept *presence.Adapter without importing reaper's internals.
type presenceSource interface {
	Get(ctx context.Context, steamID uint64) (presence.Snapshot, error)
}

// Manager owns every live *bot.Bot plus the single process-global
// *reaper.Reaper (Reaper scans across every workspace in one pass,
// spec.md section 4.5, so it is never instantiated per-workspace).
type Manager struct {
	store *dbstore.Store
	ai    *aiadapter.Adapter
	box   *cryptbox.Box
	cfg   Config
	log   zerolog.Logger

	reaper   *reaper.Reaper
	schedule cronlib.Schedule

	mu      sync.Mutex
	bots    map[string]*runningBot // workspaceID -> running bot
	aliases map[string]string      // workspaceID -> canonical workspaceID whose bot serves its token

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Manager. notify for the reaper resolves an account's
// owner username to a known chat via dbstore.ChatSnapshot and drops
// the notification (with a log line) if no chat is known yet. box
// decrypts Account.Password/MafileJSON transparently (spec.md section
// 6); pass cryptbox.New("") when no encryption key is configured.
func New(store *dbstore.Store, ai *aiadapter.Adapter, pa presenceSource, sa *steamadapter.Adapter, box *cryptbox.Box, cfg Config, log zerolog.Logger) *Manager {
	log = log.With().Str("component", "botmanager").Logger()
	m := &Manager{
		store:   store,
		ai:      ai,
		box:     box,
		cfg:     cfg,
		log:     log,
		bots:    make(map[string]*runningBot),
		aliases: make(map[string]string),
	}
	m.reaper = reaper.New(store, sa, pa, box, cfg.Reaper, m.notifyOwner, log)

	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)
	schedule, err := parser.Parse(fmt.Sprintf("@every %s", cfg.ReconcileInterval))
	if err != nil {
		schedule = cronlib.ConstantDelaySchedule{Delay: cfg.ReconcileInterval}
	}
	m.schedule = schedule
	return m
}

func (m *Manager) notifyOwner(ctx context.Context, a dbstore.Account, text string) error {
	if a.Owner == nil || *a.Owner == "" {
		return nil
	}
	snaps, err := m.store.ListChatSnapshots(ctx, a.WorkspaceID)
	if err != nil {
		return fmt.Errorf("botmanager: listing chats for %s: %w", a.WorkspaceID, err)
	}
	for _, s := range snaps {
		if s.PeerName == *a.Owner {
			_, err := m.store.EnqueueOutboxMessage(ctx, a.WorkspaceID, a.UserID, s.ChatID, text)
			return err
		}
	}
	m.log.Warn().Str("owner", *a.Owner).Str("account", a.ID).Msg("no chat known for rental owner, dropping reaper notification")
	return nil
}

// Start launches the reaper and the reconcile loop and returns
// immediately; call Stop to tear them down. Mirrors bot.Bot's
// Start/Stop pair.
func (m *Manager) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	if err := m.StartAll(ctx); err != nil {
		m.log.Error().Err(err).Msg("initial bot startup failed")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.reaper.Run(ctx) })
	g.Go(func() error { return m.reconcileLoop(ctx) })

	go func() {
		defer close(done)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error().Err(err).Msg("botmanager loop exited")
		}
	}()
}

// Stop cancels the reconcile loop and the reaper, then stops every
// running bot.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	ids := make([]string, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	for _, id := range ids {
		m.StopForWorkspace(id)
	}
}

func (m *Manager) reconcileLoop(ctx context.Context) error {
	next := m.schedule.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := m.Reconcile(ctx); err != nil {
				m.log.Error().Err(err).Msg("reconcile failed")
			}
			next = m.schedule.Next(time.Now())
			timer.Reset(time.Until(next))
		}
	}
}

// StartAll starts a bot for every currently valid workspace that
// isn't already running, logging (rather than aborting on) per-
// workspace failures so one bad workspace can't block the rest.
func (m *Manager) StartAll(ctx context.Context) error {
	workspaces, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("botmanager: listing workspaces: %w", err)
	}
	for _, ws := range workspaces {
		if err := m.startOne(ctx, ws); err != nil {
			m.log.Warn().Err(err).Str("workspace", ws.ID).Msg("starting bot failed")
		}
	}
	return nil
}

// StartForWorkspace starts (or aliases) a single workspace's bot.
func (m *Manager) StartForWorkspace(ctx context.Context, workspaceID string) error {
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("botmanager: loading workspace %s: %w", workspaceID, err)
	}
	return m.startOne(ctx, ws)
}

// startOne is the shared StartAll/StartForWorkspace/Reconcile path.
// Two workspaces sharing a token under different dashboard users are
// refused outright (spec.md section 4.1: one marketplace session must
// not be driven by two independent owners); two workspaces sharing a
// token under the SAME user are aliased onto the one already-running
// bot instead of opening a second concurrent session against the same
// marketplace account.
func (m *Manager) startOne(ctx context.Context, ws dbstore.Workspace) error {
	if !ws.Valid() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.bots[ws.ID]; running {
		return nil
	}
	if _, aliased := m.aliases[ws.ID]; aliased {
		return nil
	}

	for id, rb := range m.bots {
		if rb.token != ws.Token {
			continue
		}
		if rb.userID != ws.UserID {
			_ = m.store.SetWorkspaceStatus(ctx, ws.ID, "error", fmt.Sprintf("token already in use by workspace %s", id))
			return fmt.Errorf("botmanager: workspace %s's token conflicts with workspace %s owned by a different user", ws.ID, id)
		}
		m.aliases[ws.ID] = id
		m.log.Info().Str("workspace", ws.ID).Str("canonical_workspace", id).Msg("aliased to already-running bot sharing this token")
		return nil
	}

	b, err := bot.New(ws, m.store, m.ai, m.box, m.cfg.Bot, m.log)
	if err != nil {
		_ = m.store.SetWorkspaceStatus(ctx, ws.ID, "error", err.Error())
		return fmt.Errorf("botmanager: building bot for workspace %s: %w", ws.ID, err)
	}
	b.Start(ctx)
	m.bots[ws.ID] = &runningBot{b: b, token: ws.Token, userID: ws.UserID}
	return nil
}

// StopForWorkspace stops workspaceID's bot (or drops its alias) if
// running. Any workspace aliased onto workspaceID's bot is also
// unaliased, so the next Reconcile can start its own bot for it.
func (m *Manager) StopForWorkspace(workspaceID string) {
	m.mu.Lock()
	if _, ok := m.aliases[workspaceID]; ok {
		delete(m.aliases, workspaceID)
		m.mu.Unlock()
		return
	}
	rb, ok := m.bots[workspaceID]
	if ok {
		delete(m.bots, workspaceID)
	}
	for aliasID, canonical := range m.aliases {
		if canonical == workspaceID {
			delete(m.aliases, aliasID)
		}
	}
	m.mu.Unlock()
	if ok {
		rb.b.Stop()
	}
}

// UpdateWorkspaceToken pushes a rotated token to a running bot.
func (m *Manager) UpdateWorkspaceToken(workspaceID, newToken string) {
	m.mu.Lock()
	rb, ok := m.bots[workspaceID]
	if ok {
		rb.token = newToken
	}
	m.mu.Unlock()
	if ok {
		rb.b.RequestTokenUpdate(newToken)
	}
}

// UpdateWorkspaceProxy pushes a rotated proxy route to a running bot.
func (m *Manager) UpdateWorkspaceProxy(workspaceID, proxyURI, proxyUser, proxyPass string) {
	m.mu.Lock()
	rb, ok := m.bots[workspaceID]
	m.mu.Unlock()
	if ok {
		rb.b.UpdateProxy(proxyURI, proxyUser, proxyPass)
	}
}

// Reconcile brings the running bot set back in line with storage:
// stops bots for workspaces that were deleted or went invalid, then
// starts (or aliases) one for every workspace that should be running
// but isn't (spec.md section 4.1).
func (m *Manager) Reconcile(ctx context.Context) error {
	workspaces, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("botmanager: listing workspaces: %w", err)
	}
	present := make(map[string]dbstore.Workspace, len(workspaces))
	for _, ws := range workspaces {
		present[ws.ID] = ws
	}

	m.mu.Lock()
	var stale []string
	for id := range m.bots {
		if ws, ok := present[id]; !ok || !ws.Valid() {
			stale = append(stale, id)
		}
	}
	for id := range m.aliases {
		if ws, ok := present[id]; !ok || !ws.Valid() {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.StopForWorkspace(id)
	}

	for _, ws := range workspaces {
		if err := m.startOne(ctx, ws); err != nil {
			m.log.Warn().Err(err).Str("workspace", ws.ID).Msg("reconcile: starting bot failed")
		}
	}
	return nil
}

// RunningWorkspaceIDs reports every workspace with a live bot,
// including aliased ones, for the dashboard's status endpoint.
func (m *Manager) RunningWorkspaceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.bots)+len(m.aliases))
	for id := range m.bots {
		ids = append(ids, id)
	}
	for id := range m.aliases {
		ids = append(ids, id)
	}
	return ids
}
