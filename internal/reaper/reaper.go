// Package reaper is the Rental Reaper (RR, spec.md section 4.5): the
// periodic scan that drives pause expiry, freeze-transition
// notifications, near-expiry reminders, and final expiry/deauth.
// Grounded on the teacher's pkg/cron/service.go executeJobLocked/
// armTimerLocked state machine (track running-since, compute
// next-run, emit events), adapted from per-cron-job scheduling to a
// per-account due-scan on a fixed interval.
package reaper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/megafartCc/funpay-rental-bot/internal/cryptbox"
	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/presence"
	"github.com/megafartCc/funpay-rental-bot/internal/steamadapter"
)

func newEventID() string { return uuid.NewString() }

// Config carries the tunables RR needs from spec.md section 6.
type Config struct {
	ScanInterval           time.Duration // rental_check_interval, default 30s
	PauseAutoExpire        time.Duration // default 1h
	RemindBefore           time.Duration // remind_minutes, default 10m
	MatchGraceEnabled      bool
	MatchGraceMax          time.Duration // grace_minutes, default 90m
	AutoDeauthorizeOnExpire bool
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:            30 * time.Second,
		PauseAutoExpire:         time.Hour,
		RemindBefore:            10 * time.Minute,
		MatchGraceEnabled:       true,
		MatchGraceMax:           90 * time.Minute,
		AutoDeauthorizeOnExpire: true,
	}
}

// presenceSource is the subset of *presence.Adapter the reaper needs,
// broken out as an interface so match-grace logic can be tested
// without a live presence backend.
type presenceSource interface {
	Get(ctx context.Context, steamID uint64) (presence.Snapshot, error)
}

// Notifier enqueues a buyer-facing chat line for one account's owner.
// Reaper is workspace-agnostic (it scans across every workspace's
// active rentals in one pass, spec.md section 4.5), so the caller
// resolves which outbox an account's notifications belong to.
type Notifier func(ctx context.Context, a dbstore.Account, text string) error

// Reaper scans every active rental on a timer. The per-account freeze
// cache and reminder-dedup set are in-memory, scoped to one Reaper
// instance (spec.md section 8: "no cross-workspace sharing").
type Reaper struct {
	store    *dbstore.Store
	sa       *steamadapter.Adapter
	pa       presenceSource
	box      *cryptbox.Box
	cfg      Config
	notify   Notifier
	log      zerolog.Logger
	schedule cronlib.Schedule

	mu            sync.Mutex
	wasFrozen     map[string]bool
	remindedFor   map[string]time.Time // key: accountID+"@"+expiry RFC3339
}

// New builds a Reaper. notify is called for every buyer-facing
// notification the scan produces. box decrypts Account.Password/
// MafileJSON transparently before the deauthorize-on-expire call
// (spec.md section 6); pass cryptbox.New("") when no encryption key
// is configured.
func New(store *dbstore.Store, sa *steamadapter.Adapter, pa presenceSource, box *cryptbox.Box, cfg Config, notify Notifier, log zerolog.Logger) *Reaper {
	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)
	schedule, err := parser.Parse(fmt.Sprintf("@every %s", cfg.ScanInterval))
	if err != nil {
		schedule = cronlib.ConstantDelaySchedule{Delay: cfg.ScanInterval}
	}
	return &Reaper{
		store: store, sa: sa, pa: pa, box: box, cfg: cfg, notify: notify,
		log:         log.With().Str("component", "reaper").Logger(),
		schedule:    schedule,
		wasFrozen:   make(map[string]bool),
		remindedFor: make(map[string]time.Time),
	}
}

// Run blocks, scanning on every schedule tick until ctx is canceled,
// mirroring the teacher's armTimerLocked/onTimer rearm loop.
func (r *Reaper) Run(ctx context.Context) error {
	next := r.schedule.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := r.Scan(ctx); err != nil {
				r.log.Error().Err(err).Msg("rental scan failed")
			}
			next = r.schedule.Next(time.Now())
			timer.Reset(time.Until(next))
		}
	}
}

// Scan performs one pass over every active rental (spec.md section
// 4.5 steps 1-4).
func (r *Reaper) Scan(ctx context.Context) error {
	rentals, err := r.store.ListActiveRentals(ctx)
	if err != nil {
		return fmt.Errorf("reaper: listing active rentals: %w", err)
	}
	now := time.Now().UTC()
	for _, a := range rentals {
		if err := r.scanOne(ctx, a, now); err != nil {
			r.log.Error().Err(err).Str("account", a.ID).Msg("scanning rental failed")
		}
	}
	r.forgetReleased(rentals)
	return nil
}

func (r *Reaper) scanOne(ctx context.Context, a dbstore.Account, now time.Time) error {
	// Step 1: pause expiry.
	if a.RentalFrozen && a.RentalFrozenAt != nil && now.Sub(*a.RentalFrozenAt) >= r.cfg.PauseAutoExpire {
		updated, err := r.store.WithAccountLock(ctx, a.ID, func(cur dbstore.Account) (dbstore.Account, error) {
			if cur.RentalFrozenAt != nil && cur.RentalStart != nil {
				shifted := cur.RentalStart.Add(now.Sub(*cur.RentalFrozenAt))
				cur.RentalStart = &shifted
			}
			cur.RentalFrozen = false
			cur.RentalFrozenAt = nil
			return cur, nil
		})
		if err != nil {
			return fmt.Errorf("unfreezing expired pause: %w", err)
		}
		a = updated
		if err := r.notify(ctx, a, "Пауза автоматически снята, аренда возобновлена."); err != nil {
			return err
		}
	}

	// Step 2: freeze transition notifications.
	r.mu.Lock()
	prior, seen := r.wasFrozen[a.ID]
	r.wasFrozen[a.ID] = a.RentalFrozen
	r.mu.Unlock()
	if seen && prior != a.RentalFrozen {
		text := "Аренда возобновлена."
		if a.RentalFrozen {
			text = "Аренда поставлена на паузу."
		}
		if err := r.notify(ctx, a, text); err != nil {
			return err
		}
	}

	if a.RentalFrozen || a.RentalStart == nil {
		return nil
	}
	expiry := a.RentalStart.Add(time.Duration(a.RentalDurationMinutes) * time.Minute)
	remaining := expiry.Sub(now)

	// Step 3: near-expiry reminder.
	if remaining > 0 && remaining <= r.cfg.RemindBefore {
		key := a.ID + "@" + expiry.Format(time.RFC3339)
		r.mu.Lock()
		_, already := r.remindedFor[key]
		if !already {
			r.remindedFor[key] = now
		}
		r.mu.Unlock()
		if !already {
			if err := r.notify(ctx, a, fmt.Sprintf("Аренда %s истекает менее чем через %d мин.", a.DisplayName, int(remaining.Minutes())+1)); err != nil {
				return err
			}
		}
		return nil
	}

	// Step 4: expiry.
	if remaining > 0 {
		return nil
	}
	return r.handleExpiry(ctx, a, now)
}

func (r *Reaper) handleExpiry(ctx context.Context, a dbstore.Account, now time.Time) error {
	if r.cfg.MatchGraceEnabled {
		steamID, err := r.steamIDOf(a)
		if err == nil {
			snap, err := r.pa.Get(ctx, steamID)
			if err == nil && snap.InMatch {
				if a.ExpireDelaySince == nil {
					if _, err := r.store.WithAccountLock(ctx, a.ID, func(cur dbstore.Account) (dbstore.Account, error) {
						cur.ExpireDelaySince = &now
						return cur, nil
					}); err != nil {
						return fmt.Errorf("recording match-grace defer: %w", err)
					}
					return r.notify(ctx, a, "Аренда истекла, но матч ещё идёт — истечение отложено.")
				}
				if now.Sub(*a.ExpireDelaySince) < r.cfg.MatchGraceMax {
					return nil
				}
			}
		}
	}

	if r.cfg.AutoDeauthorizeOnExpire {
		if mafileJSON, derr := r.box.Decrypt(a.MafileJSON); derr == nil {
			if mafile, err := steamadapter.ParseMafile(mafileJSON); err == nil {
				password, _ := r.box.Decrypt(a.Password)
				r.sa.DeauthorizeAll(ctx, a.Login, password, mafile)
			}
		}
	}

	owner := ""
	if a.Owner != nil {
		owner = *a.Owner
	}
	orderID := ""
	if a.RentalOrderID != nil {
		orderID = *a.RentalOrderID
	}
	if _, err := r.store.WithAccountLock(ctx, a.ID, func(cur dbstore.Account) (dbstore.Account, error) {
		return dbstore.ReleaseAccount(cur), nil
	}); err != nil {
		return fmt.Errorf("releasing expired account %s: %w", a.ID, err)
	}
	if orderID != "" {
		if err := r.store.AppendOrderEvent(ctx, dbstore.OrderEvent{
			ID: newEventID(), WorkspaceID: a.WorkspaceID, UserID: a.UserID, OrderID: orderID,
			Owner: owner, AccountID: &a.ID, AccountName: a.DisplayName, Action: dbstore.ActionExpired,
		}); err != nil {
			return fmt.Errorf("recording expiry for %s: %w", a.ID, err)
		}
	}
	return r.notify(ctx, a, "Аренда истекла. Чтобы продолжить, подтвердите новый заказ.")
}

func (r *Reaper) steamIDOf(a dbstore.Account) (uint64, error) {
	mafileJSON, err := r.box.Decrypt(a.MafileJSON)
	if err != nil {
		return 0, err
	}
	mafile, err := steamadapter.ParseMafile(mafileJSON)
	if err != nil {
		return 0, err
	}
	return steamadapter.SteamIDFromMafile(mafile)
}

// forgetReleased drops cached per-account state for accounts no
// longer active, per spec.md section 4.5's cancellation semantics:
// "any pending expiry/reminder state is dropped" once a rental is
// released, whether by the reaper itself or by the dashboard/!отмена.
func (r *Reaper) forgetReleased(stillActive []dbstore.Account) {
	active := make(map[string]bool, len(stillActive))
	for _, a := range stillActive {
		active[a.ID] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.wasFrozen {
		if !active[id] {
			delete(r.wasFrozen, id)
		}
	}
	for key := range r.remindedFor {
		id := key
		if idx := strings.IndexByte(key, '@'); idx >= 0 {
			id = key[:idx]
		}
		if !active[id] {
			delete(r.remindedFor, key)
		}
	}
}
