// Package orderhandler is the Order Handler (OH, spec.md section 4.3):
// the state machine driven by paid-order events. It owns the full
// lot-lookup/blacklist/replacement/assignment decision tree and is the
// single largest component by spec.md's own size estimate (18%).
// Grounded on the teacher's dispatch-by-classification shape in
// pkg/connector/handleai.go / inbound_command_handlers.go.
package orderhandler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/megafartCc/funpay-rental-bot/internal/aiadapter"
	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/marketplace"
)

func eventID() string { return uuid.NewString() }

// Config carries the tunables OH needs from spec.md section 6.
type Config struct {
	// UnitMinutes is the rental duration credited per purchased unit
	// (spec.md section 4.3: "rental_duration_minutes = unit * amount").
	// The same unit also defines blacklist compensation accounting
	// (BLACKLIST_COMP_UNIT_MINUTES), so both are driven off one value;
	// see DESIGN.md.
	UnitMinutes int
	// BlacklistCompThresholdMinutes is the cumulative paid-while-blacklisted
	// minutes that trigger auto-unblacklisting (default 5h = 300min).
	BlacklistCompThresholdMinutes int
	// MMRBand bounds the replacement search (spec.md section 4.3 step 5:
	// "same game/MMR-band ±1000").
	MMRBand int
}

// Handler processes paid-order events for one workspace.
type Handler struct {
	workspaceID string
	userID      string
	store       *dbstore.Store
	mc          marketplace.Client
	ai          *aiadapter.Adapter
	cfg         Config
	log         zerolog.Logger
}

// New builds a Handler bound to one workspace's store/MC session.
func New(workspaceID, userID string, store *dbstore.Store, mc marketplace.Client, ai *aiadapter.Adapter, cfg Config, log zerolog.Logger) *Handler {
	return &Handler{workspaceID: workspaceID, userID: userID, store: store, mc: mc, ai: ai, cfg: cfg,
		log: log.With().Str("component", "orderhandler").Str("workspace", workspaceID).Logger()}
}

// replyAdminContact and other canned reply texts (spec.md section 7:
// "always reply with actionable text ... never leak stack traces or
// internal identifiers").
const (
	replyAdminContact      = "Не удалось определить лот заказа. Пожалуйста, напишите администратору."
	replyLotUnmapped       = "Лот не привязан к аккаунту. Пожалуйста, напишите администратору."
	replyAccessRestored    = "Доступ восстановлен, чёрный список снят."
	replyReplacementIssued = "Выдан аккаунт взамен занятого. Используйте !код, чтобы получить код и запустить таймер аренды."
	replyIssued             = "Аккаунт выдан. Используйте !код, чтобы получить код и запустить таймер аренды."
	replyExtended           = "Аренда продлена."
	replyNoReplacement      = "Нет свободной замены. Пожалуйста, напишите администратору."
)

// HandleOrderPurchased runs the decision tree of spec.md section 4.3
// for one ORDER_PURCHASED event. It is idempotent: a replayed orderID
// that already has any recorded OrderEvent is a no-op (spec.md section
// 8: "Replaying the same ORDER_PURCHASED event does not change PS").
func (h *Handler) HandleOrderPurchased(ctx context.Context, orderID, buyerChatID string) error {
	existing, err := h.store.ListOrderEventsForOrder(ctx, h.workspaceID, orderID)
	if err != nil {
		return fmt.Errorf("orderhandler: checking dedup for %s: %w", orderID, err)
	}
	if len(existing) > 0 {
		h.log.Debug().Str("order", orderID).Msg("order already processed, skipping replay")
		return nil
	}

	order, err := h.mc.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("orderhandler: fetching order %s: %w", orderID, err)
	}

	// Mirror the marketplace's paid record once into history at
	// intake (spec.md section 8, Open Question (a)): this is the
	// "paid" row every order is guaranteed to have, kept distinct from
	// whichever of {issued, extended, replace_assign} follows it.
	if err := h.appendEvent(ctx, order, dbstore.ActionPaid, 0); err != nil {
		return err
	}

	// Step 1: lot missing.
	if order.LotNumber == nil {
		return h.finishUnmapped(ctx, order, buyerChatID, replyAdminContact)
	}

	// Step 2: blacklist check.
	blacklisted, err := h.store.IsBlacklisted(ctx, h.workspaceID, order.Buyer)
	if err != nil {
		return fmt.Errorf("orderhandler: checking blacklist for %s: %w", order.Buyer, err)
	}
	if blacklisted {
		return h.handleBlacklistedOrder(ctx, order, buyerChatID)
	}

	// Step 3/4: lot mapping, preferring a live extend pending-hint
	// (spec.md section 4.4): !продлить records which account this
	// buyer/lot pairing actually meant at the time, so a repeat lot
	// payment still extends that account even if a !replace/!lpexchange
	// has since repointed the lot mapping elsewhere.
	accountID, err := h.resolveAccountID(ctx, order)
	if errors.Is(err, dbstore.ErrNotFound) {
		return h.finishUnmapped(ctx, order, buyerChatID, replyLotUnmapped)
	}
	if err != nil {
		return fmt.Errorf("orderhandler: resolving lot mapping %d: %w", *order.LotNumber, err)
	}

	account, err := h.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("orderhandler: loading account %s: %w", accountID, err)
	}

	ownedByOther := account.Owner != nil && *account.Owner != order.Buyer
	if !account.IsUsable() || ownedByOther {
		return h.handleReplacementSearch(ctx, order, buyerChatID, account)
	}

	return h.handleAssignOrExtend(ctx, order, buyerChatID, account)
}

// resolveAccountID returns the account a paid order should resolve to:
// a live extend pending-hint for (buyer, lot) if one exists (consumed
// on use), otherwise the plain lot mapping. Returns dbstore.ErrNotFound
// when neither resolves, matching GetLotMapping's contract.
func (h *Handler) resolveAccountID(ctx context.Context, order marketplace.Order) (string, error) {
	hint, err := h.store.GetExtendPendingHint(ctx, h.workspaceID, order.Buyer, *order.LotNumber)
	if err == nil {
		if delErr := h.store.DeleteExtendPendingHint(ctx, h.workspaceID, order.Buyer, *order.LotNumber); delErr != nil {
			return "", fmt.Errorf("clearing consumed extend pending hint: %w", delErr)
		}
		return hint.AccountID, nil
	}
	if !errors.Is(err, dbstore.ErrNotFound) {
		return "", fmt.Errorf("checking extend pending hint: %w", err)
	}

	mapping, err := h.store.GetLotMapping(ctx, h.workspaceID, *order.LotNumber)
	if err != nil {
		return "", err
	}
	return mapping.AccountID, nil
}

func (h *Handler) finishUnmapped(ctx context.Context, order marketplace.Order, chatID, reply string) error {
	if err := h.appendEvent(ctx, order, dbstore.ActionUnmapped, 0); err != nil {
		return err
	}
	return h.enqueueReply(ctx, chatID, reply)
}

func (h *Handler) handleBlacklistedOrder(ctx context.Context, order marketplace.Order, chatID string) error {
	paidMinutes := h.cfg.UnitMinutes * order.Amount
	if err := h.appendEvent(ctx, order, dbstore.ActionBlacklistComp, paidMinutes); err != nil {
		return err
	}

	events, err := h.store.ListOrderEventsForOwner(ctx, h.workspaceID, order.Buyer, -1)
	if err != nil {
		return fmt.Errorf("orderhandler: summing blacklist comp for %s: %w", order.Buyer, err)
	}
	sum := 0
	for _, e := range events {
		if e.Action == dbstore.ActionBlacklistComp {
			sum += e.RentalMinutes
		}
	}

	threshold := h.cfg.BlacklistCompThresholdMinutes
	if sum >= threshold {
		// Invariant 5 (spec.md section 8): removed from blacklist
		// *before* the reply is sent.
		if err := h.store.RemoveBlacklistEntry(ctx, h.workspaceID, order.Buyer); err != nil {
			return fmt.Errorf("orderhandler: auto-unblacklisting %s: %w", order.Buyer, err)
		}
		if err := h.appendEvent(ctx, order, dbstore.ActionAutoUnblacklist, sum); err != nil {
			return err
		}
		if err := h.store.AppendBlacklistLog(ctx, dbstore.BlacklistLog{ID: eventID(), Owner: order.Buyer,
			Action: "auto_unblacklist", Reason: "compensation threshold reached", Amount: sum}); err != nil {
			return fmt.Errorf("orderhandler: logging auto-unblacklist %s: %w", order.Buyer, err)
		}
		return h.enqueueReply(ctx, chatID, replyAccessRestored)
	}

	if err := h.appendEvent(ctx, order, dbstore.ActionBlockedOrder, sum); err != nil {
		return err
	}
	reply := fmt.Sprintf("Вы в чёрном списке. Оплачено %d из %d мин. компенсации. Напишите администратору.", sum, threshold)
	return h.enqueueReply(ctx, chatID, reply)
}

func (h *Handler) handleReplacementSearch(ctx context.Context, order marketplace.Order, chatID string, unusable dbstore.Account) error {
	candidates, err := h.store.FindFreeCandidates(ctx, h.workspaceID, *order.LotNumber, unusable.MMR, h.cfg.MMRBand)
	if err != nil {
		return fmt.Errorf("orderhandler: searching replacement candidates: %w", err)
	}
	if len(candidates) == 0 {
		if err := h.appendEvent(ctx, order, dbstore.ActionBusy, 0); err != nil {
			return err
		}
		return h.enqueueReply(ctx, chatID, replyNoReplacement)
	}

	durationMinutes := h.cfg.UnitMinutes * order.Amount
	_, err = h.store.WithAccountLock(ctx, candidates[0].ID, func(a dbstore.Account) (dbstore.Account, error) {
		return dbstore.AssignAccount(a, order.Buyer, order.OrderID, durationMinutes), nil
	})
	if err != nil {
		return fmt.Errorf("orderhandler: assigning replacement account %s: %w", candidates[0].ID, err)
	}

	if err := h.appendEventForAccount(ctx, order, dbstore.ActionReplaceAssign, durationMinutes, candidates[0].ID); err != nil {
		return err
	}
	return h.enqueueReply(ctx, chatID, replyReplacementIssued)
}

func (h *Handler) handleAssignOrExtend(ctx context.Context, order marketplace.Order, chatID string, account dbstore.Account) error {
	addMinutes := h.cfg.UnitMinutes * order.Amount

	if account.Owner != nil && *account.Owner == order.Buyer {
		_, err := h.store.WithAccountLock(ctx, account.ID, func(a dbstore.Account) (dbstore.Account, error) {
			return dbstore.ExtendAccount(a, addMinutes), nil
		})
		if err != nil {
			return fmt.Errorf("orderhandler: extending account %s: %w", account.ID, err)
		}
		if err := h.appendEventForAccount(ctx, order, dbstore.ActionExtended, addMinutes, account.ID); err != nil {
			return err
		}
		return h.enqueueReply(ctx, chatID, replyExtended)
	}

	_, err := h.store.WithAccountLock(ctx, account.ID, func(a dbstore.Account) (dbstore.Account, error) {
		return dbstore.AssignAccount(a, order.Buyer, order.OrderID, addMinutes), nil
	})
	if err != nil {
		return fmt.Errorf("orderhandler: assigning account %s: %w", account.ID, err)
	}
	if err := h.appendEventForAccount(ctx, order, dbstore.ActionIssued, addMinutes, account.ID); err != nil {
		return err
	}
	if err := h.enqueueReply(ctx, chatID, replyIssued); err != nil {
		return err
	}

	// Step 7: best-effort confirm; failure here never blocks intake.
	if err := h.mc.Confirm(ctx, order.OrderID); err != nil {
		h.log.Warn().Err(err).Str("order", order.OrderID).Msg("confirming order failed")
	}
	return nil
}

func (h *Handler) appendEvent(ctx context.Context, order marketplace.Order, action dbstore.OrderAction, rentalMinutes int) error {
	return h.appendEventForAccount(ctx, order, action, rentalMinutes, "")
}

func (h *Handler) appendEventForAccount(ctx context.Context, order marketplace.Order, action dbstore.OrderAction, rentalMinutes int, accountID string) error {
	evt := dbstore.OrderEvent{
		ID:            eventID(),
		WorkspaceID:   h.workspaceID,
		UserID:        h.userID,
		OrderID:       order.OrderID,
		Owner:         order.Buyer,
		Amount:        order.Amount,
		Price:         order.Price,
		RentalMinutes: rentalMinutes,
		Action:        action,
	}
	if order.LotNumber != nil {
		evt.LotNumber = order.LotNumber
	}
	if accountID != "" {
		evt.AccountID = &accountID
	}
	if err := h.store.AppendOrderEvent(ctx, evt); err != nil {
		return fmt.Errorf("orderhandler: recording %s for order %s: %w", action, order.OrderID, err)
	}
	return nil
}

func (h *Handler) enqueueReply(ctx context.Context, chatID, text string) error {
	if chatID == "" {
		return nil
	}
	_, err := h.store.EnqueueOutboxMessage(ctx, h.workspaceID, h.userID, chatID, text)
	if err != nil {
		return fmt.Errorf("orderhandler: enqueueing reply to %s: %w", chatID, err)
	}
	return nil
}
