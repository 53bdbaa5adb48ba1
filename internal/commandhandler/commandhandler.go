// Package commandhandler is the Command Handler (CH, spec.md section
// 4.4): buyer chat command dispatch. Grounded on the teacher's
// pkg/connector/commandregistry/registry.go name/alias-to-handler map,
// adapted directly: register once, look up the canonical name through
// an alias table, dispatch.
package commandhandler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/megafartCc/funpay-rental-bot/internal/cryptbox"
	"github.com/megafartCc/funpay-rental-bot/internal/dbstore"
	"github.com/megafartCc/funpay-rental-bot/internal/steamadapter"
	"github.com/megafartCc/funpay-rental-bot/internal/timeutil"
)

// Command is the canonical command name a raw chat token resolves to.
type Command string

const (
	CmdStock   Command = "stock"
	CmdAccount Command = "account"
	CmdCode    Command = "code"
	CmdExtend  Command = "extend"
	CmdPause   Command = "pause"
	CmdResume  Command = "resume"
	CmdAdmin   Command = "admin"
	CmdReplace  Command = "replace"
	CmdExchange Command = "exchange"
	CmdCancel   Command = "cancel"
	CmdBonus    Command = "bonus"
)

// aliases maps every recognized raw token (Cyrillic and Latin, always
// lowercased and '!'-prefixed) to its canonical Command (spec.md
// section 4.4's alias table).
var aliases = map[string]Command{
	"!сток":      CmdStock,
	"!stock":     CmdStock,
	"!акк":       CmdAccount,
	"!acc":       CmdAccount,
	"!код":       CmdCode,
	"!code":      CmdCode,
	"!продлить":  CmdExtend,
	"!extend":    CmdExtend,
	"!пауза":     CmdPause,
	"!продолжить": CmdResume,
	"!админ":     CmdAdmin,
	"!admin":     CmdAdmin,
	"!лпзамена":   CmdReplace,
	"!replace":    CmdReplace,
	"!lpexchange": CmdExchange,
	"!отмена":    CmdCancel,
	"!cancel":    CmdCancel,
	"!бонус":     CmdBonus,
}

// Config carries the tunables CH needs from spec.md section 6.
type Config struct {
	DefaultUnitMinutes int // rental duration reset target for !отмена (default 60)
	ReplaceWindowAfterCode time.Duration // 10 min
	ReplaceCooldown        time.Duration // 1h per (user,owner)
	ReplaceMMRBand         int           // 1000
	BonusDebitMinutes      int           // 60
	PendingTTL             time.Duration // 300s
	ExtendHintTTL          time.Duration // 6h
}

func DefaultConfig() Config {
	return Config{
		DefaultUnitMinutes:     60,
		ReplaceWindowAfterCode: 10 * time.Minute,
		ReplaceCooldown:        time.Hour,
		ReplaceMMRBand:         1000,
		BonusDebitMinutes:      60,
		PendingTTL:             300 * time.Second,
		ExtendHintTTL:          6 * time.Hour,
	}
}

type pendingCommand struct {
	cmd       Command
	candidates []dbstore.Account
	expiresAt time.Time
}

// Handler dispatches buyer chat commands for one workspace. The
// pending-disambiguation map and the per-owner replace rate limiter
// are in-memory and scoped to one Handler instance (spec.md section
// 8's "Global mutable state" rule: no cross-workspace sharing).
type Handler struct {
	workspaceID string
	userID      string
	store       *dbstore.Store
	sa          *steamadapter.Adapter
	box         *cryptbox.Box
	cfg         Config
	log         zerolog.Logger

	mu           sync.Mutex
	pending      map[string]pendingCommand // key: chatID+"\x00"+sender
	lastReplace  map[string]time.Time      // key: owner
}

// New builds a Handler bound to one workspace. box decrypts
// Account.Password/MafileJSON transparently (spec.md section 6's
// "enc:<b64>" convention); pass cryptbox.New("") when no encryption
// key is configured.
func New(workspaceID, userID string, store *dbstore.Store, sa *steamadapter.Adapter, box *cryptbox.Box, cfg Config, log zerolog.Logger) *Handler {
	return &Handler{
		workspaceID: workspaceID, userID: userID, store: store, sa: sa, box: box, cfg: cfg,
		log:         log.With().Str("component", "commandhandler").Str("workspace", workspaceID).Logger(),
		pending:     make(map[string]pendingCommand),
		lastReplace: make(map[string]time.Time),
	}
}

// Handle parses a chat line from sender and dispatches it if it
// resolves to a known command (or completes a pending disambiguation);
// it returns false if text was not a command and there was no pending
// disambiguation, so the caller (Chat Bridge) treats it as ordinary
// chat.
func (h *Handler) Handle(ctx context.Context, chatID, sender, text string) (bool, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false, nil
	}
	token := strings.ToLower(fields[0])
	cmd, known := aliases[token]
	args := fields[1:]

	if !known {
		if resumed, ok := h.takePending(chatID, sender); ok {
			return true, h.completeDisambiguation(ctx, chatID, sender, resumed, text)
		}
		return false, nil
	}

	switch cmd {
	case CmdStock:
		return true, h.handleStock(ctx, chatID)
	case CmdAccount:
		return true, h.handleAccount(ctx, chatID, sender, args)
	case CmdCode:
		return true, h.handleCode(ctx, chatID, sender)
	case CmdExtend:
		return true, h.handleExtend(ctx, chatID, sender, args)
	case CmdPause:
		return true, h.handlePause(ctx, chatID, sender)
	case CmdResume:
		return true, h.handleResume(ctx, chatID, sender)
	case CmdAdmin:
		return true, h.handleAdmin(ctx, chatID, sender)
	case CmdReplace:
		return true, h.handleReplace(ctx, chatID, sender)
	case CmdExchange:
		return true, h.handleExchange(ctx, chatID, sender)
	case CmdCancel:
		return true, h.handleCancel(ctx, chatID, sender)
	case CmdBonus:
		return true, h.handleBonus(ctx, chatID, sender, args)
	}
	return false, nil
}

func pendingKey(chatID, sender string) string { return chatID + "\x00" + sender }

func (h *Handler) setPending(chatID, sender string, cmd Command, candidates []dbstore.Account) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[pendingKey(chatID, sender)] = pendingCommand{cmd: cmd, candidates: candidates, expiresAt: time.Now().Add(h.cfg.PendingTTL)}
}

func (h *Handler) takePending(chatID, sender string) (pendingCommand, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := pendingKey(chatID, sender)
	p, ok := h.pending[key]
	if !ok {
		return pendingCommand{}, false
	}
	delete(h.pending, key)
	if time.Now().After(p.expiresAt) {
		return pendingCommand{}, false
	}
	return p, true
}

func (h *Handler) completeDisambiguation(ctx context.Context, chatID, sender string, p pendingCommand, text string) error {
	idx, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || idx < 1 || idx > len(p.candidates) {
		return h.reply(ctx, chatID, "Не понял выбор, отправьте команду заново.")
	}
	chosen := p.candidates[idx-1]
	switch p.cmd {
	case CmdAccount:
		return h.replyAccountDetails(ctx, chatID, chosen)
	case CmdCode:
		return h.replyCode(ctx, chatID, chosen)
	case CmdBonus:
		return h.applyBonus(ctx, chatID, sender, chosen)
	case CmdPause:
		return h.pauseSelected(ctx, chatID, chosen)
	case CmdResume:
		return h.resumeSelected(ctx, chatID, chosen)
	}
	return nil
}

func (h *Handler) reply(ctx context.Context, chatID, text string) error {
	_, err := h.store.EnqueueOutboxMessage(ctx, h.workspaceID, h.userID, chatID, text)
	if err != nil {
		return fmt.Errorf("commandhandler: replying to %s: %w", chatID, err)
	}
	return nil
}

func (h *Handler) ownedRentals(ctx context.Context, owner string) ([]dbstore.Account, error) {
	accounts, err := h.store.ListOwnedAccounts(ctx, h.workspaceID, owner)
	if err != nil {
		return nil, fmt.Errorf("commandhandler: loading rentals for %s: %w", owner, err)
	}
	return accounts, nil
}

// --- stock ---

func (h *Handler) handleStock(ctx context.Context, chatID string) error {
	accounts, err := h.store.ListAccounts(ctx, h.workspaceID)
	if err != nil {
		return fmt.Errorf("commandhandler: listing stock: %w", err)
	}
	mappings, err := h.store.ListLotMappings(ctx, h.workspaceID)
	if err != nil {
		return fmt.Errorf("commandhandler: listing lot mappings: %w", err)
	}
	urlByAccount := make(map[string]string, len(mappings))
	for _, m := range mappings {
		urlByAccount[m.AccountID] = m.LotURL
	}

	var lines []string
	for _, a := range accounts {
		if !a.IsFree() || !a.IsUsable() {
			continue
		}
		if url := urlByAccount[a.ID]; url != "" {
			lines = append(lines, fmt.Sprintf("%s — %s", a.DisplayName, url))
		} else {
			lines = append(lines, a.DisplayName)
		}
	}
	if len(lines) == 0 {
		return h.reply(ctx, chatID, "Нет доступных аккаунтов.")
	}
	sort.Strings(lines)
	const batchSize = 8
	for i := 0; i < len(lines); i += batchSize {
		end := i + batchSize
		if end > len(lines) {
			end = len(lines)
		}
		if err := h.reply(ctx, chatID, strings.Join(lines[i:end], "\n")); err != nil {
			return err
		}
	}
	return nil
}

// --- account ---

func (h *Handler) handleAccount(ctx context.Context, chatID, sender string, args []string) error {
	rentals, err := h.ownedRentals(ctx, sender)
	if err != nil {
		return err
	}
	if len(rentals) == 0 {
		return h.reply(ctx, chatID, "У вас нет активной аренды.")
	}
	if len(args) > 0 {
		for _, a := range rentals {
			if a.ID == args[0] || a.DisplayName == args[0] {
				return h.replyAccountDetails(ctx, chatID, a)
			}
		}
		return h.reply(ctx, chatID, "Аккаунт не найден среди ваших аренд.")
	}
	if len(rentals) == 1 {
		return h.replyAccountDetails(ctx, chatID, rentals[0])
	}
	h.setPending(chatID, sender, CmdAccount, rentals)
	return h.reply(ctx, chatID, disambiguationPrompt(rentals))
}

func (h *Handler) replyAccountDetails(ctx context.Context, chatID string, a dbstore.Account) error {
	expiry := "не запущена"
	if a.RentalStart != nil {
		expiry = a.RentalStart.Add(time.Duration(a.RentalDurationMinutes) * time.Minute).Format(time.RFC3339)
	}
	password, err := h.box.Decrypt(a.Password)
	if err != nil {
		return fmt.Errorf("commandhandler: decrypting password for %s: %w", a.ID, err)
	}
	text := fmt.Sprintf("%s\nЛогин: %s\nПароль: %s\nОкончание: %s", a.DisplayName, a.Login, password, expiry)
	return h.reply(ctx, chatID, text)
}

func disambiguationPrompt(rentals []dbstore.Account) string {
	var b strings.Builder
	b.WriteString("У вас несколько аренд, выберите номер:\n")
	for i, a := range rentals {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a.DisplayName)
	}
	return strings.TrimRight(b.String(), "\n")
}

// --- code ---

func (h *Handler) handleCode(ctx context.Context, chatID, sender string) error {
	rentals, err := h.ownedRentals(ctx, sender)
	if err != nil {
		return err
	}
	if len(rentals) == 0 {
		return h.reply(ctx, chatID, "У вас нет активной аренды.")
	}
	if len(rentals) > 1 {
		h.setPending(chatID, sender, CmdCode, rentals)
		return h.reply(ctx, chatID, disambiguationPrompt(rentals))
	}
	return h.replyCode(ctx, chatID, rentals[0])
}

func (h *Handler) replyCode(ctx context.Context, chatID string, a dbstore.Account) error {
	if a.AccountFrozen {
		return h.reply(ctx, chatID, "Аккаунт заморожен администратором.")
	}
	if a.RentalFrozen {
		return h.reply(ctx, chatID, "Аренда на паузе, коды недоступны.")
	}
	if a.RentalStart == nil {
		started, err := h.store.WithAccountLock(ctx, a.ID, func(cur dbstore.Account) (dbstore.Account, error) {
			return dbstore.StartRentalTimer(cur, timeutil.MarketplaceNow())
		})
		if err != nil {
			return fmt.Errorf("commandhandler: starting rental timer for %s: %w", a.ID, err)
		}
		a = started
	}

	mafileJSON, err := h.box.Decrypt(a.MafileJSON)
	if err != nil {
		return fmt.Errorf("commandhandler: decrypting mafile for %s: %w", a.ID, err)
	}
	mafile, err := steamadapter.ParseMafile(mafileJSON)
	if err != nil {
		return fmt.Errorf("commandhandler: parsing mafile for %s: %w", a.ID, err)
	}
	code, err := h.sa.ComputeCode(ctx, mafile)
	if err != nil {
		return fmt.Errorf("commandhandler: computing guard code for %s: %w", a.ID, err)
	}
	return h.reply(ctx, chatID, fmt.Sprintf("%s (%s): %s\nТаймер аренды запущен.", a.DisplayName, a.Login, code))
}

// --- extend ---

func (h *Handler) handleExtend(ctx context.Context, chatID, sender string, args []string) error {
	if len(args) < 2 {
		return h.reply(ctx, chatID, "Использование: !продлить <часы> <accountId>")
	}
	accountID := args[1]
	mappings, err := h.store.ListLotMappings(ctx, h.workspaceID)
	if err != nil {
		return fmt.Errorf("commandhandler: listing lot mappings: %w", err)
	}
	for _, m := range mappings {
		if m.AccountID == accountID {
			// Record which account this buyer/lot pairing actually
			// means right now: if a !replace/!lpexchange has since
			// repointed the lot mapping away from accountID, OH must
			// still extend this account when the order arrives, not
			// whatever the lot currently maps to.
			hint := dbstore.ExtendPendingHint{
				WorkspaceID: h.workspaceID,
				Owner:       sender,
				LotNumber:   m.LotNumber,
				AccountID:   accountID,
				ExpiresAt:   time.Now().UTC().Add(h.cfg.ExtendHintTTL),
			}
			if err := h.store.SetExtendPendingHint(ctx, hint); err != nil {
				return fmt.Errorf("commandhandler: recording extend pending hint: %w", err)
			}
			return h.reply(ctx, chatID, fmt.Sprintf("Чтобы продлить аренду, оплатите лот: %s", m.LotURL))
		}
	}
	return h.reply(ctx, chatID, "Лот для этого аккаунта не найден.")
}

// --- pause / resume ---

func (h *Handler) handlePause(ctx context.Context, chatID, sender string) error {
	rentals, err := h.ownedRentals(ctx, sender)
	if err != nil {
		return err
	}
	if len(rentals) == 0 {
		return h.reply(ctx, chatID, "У вас нет активной аренды.")
	}
	if len(rentals) > 1 {
		h.setPending(chatID, sender, CmdPause, rentals)
		return h.reply(ctx, chatID, disambiguationPrompt(rentals))
	}
	return h.pauseSelected(ctx, chatID, rentals[0])
}

// pauseSelected freezes the one account the buyer selected. Pausing an
// already-paused rental is a no-op: it returns the "already paused"
// reply instead of resetting RentalFrozenAt (spec.md section 8).
func (h *Handler) pauseSelected(ctx context.Context, chatID string, a dbstore.Account) error {
	if a.RentalFrozen {
		return h.reply(ctx, chatID, "Аренда уже на паузе.")
	}
	_, err := h.store.WithAccountLock(ctx, a.ID, func(cur dbstore.Account) (dbstore.Account, error) {
		now := time.Now().UTC()
		cur.RentalFrozen = true
		cur.RentalFrozenAt = &now
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("commandhandler: pausing account %s: %w", a.ID, err)
	}
	return h.reply(ctx, chatID, "Аренда поставлена на паузу.")
}

func (h *Handler) handleResume(ctx context.Context, chatID, sender string) error {
	rentals, err := h.ownedRentals(ctx, sender)
	if err != nil {
		return err
	}
	if len(rentals) == 0 {
		return h.reply(ctx, chatID, "У вас нет активной аренды.")
	}
	if len(rentals) > 1 {
		h.setPending(chatID, sender, CmdResume, rentals)
		return h.reply(ctx, chatID, disambiguationPrompt(rentals))
	}
	return h.resumeSelected(ctx, chatID, rentals[0])
}

// resumeSelected unfreezes the one account the buyer selected. Resuming
// a rental that isn't paused is a no-op reply, the mirror of
// pauseSelected's guard.
func (h *Handler) resumeSelected(ctx context.Context, chatID string, a dbstore.Account) error {
	if !a.RentalFrozen {
		return h.reply(ctx, chatID, "Аренда не на паузе.")
	}
	_, err := h.store.WithAccountLock(ctx, a.ID, func(cur dbstore.Account) (dbstore.Account, error) {
		return resumeAccount(cur), nil
	})
	if err != nil {
		return fmt.Errorf("commandhandler: resuming account %s: %w", a.ID, err)
	}
	return h.reply(ctx, chatID, "Аренда возобновлена.")
}

// resumeAccount clears the pause and rebases rental_start forward by
// the paused duration so remaining time is preserved (spec.md section
// 4.4 resume).
func resumeAccount(a dbstore.Account) dbstore.Account {
	if a.RentalFrozenAt != nil && a.RentalStart != nil {
		elapsed := time.Since(*a.RentalFrozenAt)
		shifted := a.RentalStart.Add(elapsed)
		a.RentalStart = &shifted
	}
	a.RentalFrozen = false
	a.RentalFrozenAt = nil
	return a
}

// --- admin ---

func (h *Handler) handleAdmin(ctx context.Context, chatID, sender string) error {
	if err := h.store.RaiseAdminCall(ctx, h.workspaceID, h.userID, chatID, sender); err != nil {
		return fmt.Errorf("commandhandler: raising admin call: %w", err)
	}
	return h.reply(ctx, chatID, "Администратор уведомлён.")
}

// --- replace (low-priority) / exchange ---

// handleReplace is `!replace`: a candidate search banded by ±MMR,
// falling back across lots when the same lot has nothing free (spec.md
// section 4.4).
func (h *Handler) handleReplace(ctx context.Context, chatID, sender string) error {
	return h.swapRental(ctx, chatID, sender, "Замена", func(a dbstore.Account, lotNumber int) ([]dbstore.Account, error) {
		return h.store.FindFreeCandidates(ctx, h.workspaceID, lotNumber, a.MMR, h.cfg.ReplaceMMRBand)
	})
}

// handleExchange is `!lpexchange`: same-lot only, no MMR banding
// (SPEC_FULL section 9), otherwise identical window/cooldown/transfer
// semantics to handleReplace.
func (h *Handler) handleExchange(ctx context.Context, chatID, sender string) error {
	return h.swapRental(ctx, chatID, sender, "Обмен", func(a dbstore.Account, lotNumber int) ([]dbstore.Account, error) {
		return h.store.FindFreeCandidatesSameLot(ctx, h.workspaceID, lotNumber)
	})
}

func (h *Handler) swapRental(ctx context.Context, chatID, sender, label string, search func(a dbstore.Account, lotNumber int) ([]dbstore.Account, error)) error {
	rentals, err := h.ownedRentals(ctx, sender)
	if err != nil {
		return err
	}
	if len(rentals) == 0 {
		return h.reply(ctx, chatID, "У вас нет активной аренды.")
	}
	a := rentals[0]
	if a.RentalStart == nil || time.Since(*a.RentalStart) > h.cfg.ReplaceWindowAfterCode {
		return h.reply(ctx, chatID, "Доступно только в первые 10 минут после получения кода.")
	}

	h.mu.Lock()
	last, seen := h.lastReplace[sender]
	h.mu.Unlock()
	if seen && time.Since(last) < h.cfg.ReplaceCooldown {
		return h.reply(ctx, chatID, fmt.Sprintf("%s уже запрашивался недавно, попробуйте позже.", label))
	}

	lotNumber, ok := h.lotNumberForAccount(ctx, a.ID)
	if !ok {
		return h.reply(ctx, chatID, "Не удалось определить лот.")
	}
	candidates, err := search(a, lotNumber)
	if err != nil {
		return fmt.Errorf("commandhandler: searching %s candidates: %w", label, err)
	}
	if len(candidates) == 0 {
		return h.reply(ctx, chatID, "Нет свободной замены.")
	}
	replacement := candidates[0]

	if _, err := h.store.WithAccountLock(ctx, replacement.ID, func(cur dbstore.Account) (dbstore.Account, error) {
		cur.Owner = a.Owner
		cur.RentalStart = a.RentalStart
		cur.RentalDurationMinutes = a.RentalDurationMinutes
		cur.RentalOrderID = a.RentalOrderID
		return cur, nil
	}); err != nil {
		return fmt.Errorf("commandhandler: assigning %s target %s: %w", label, replacement.ID, err)
	}
	if _, err := h.store.WithAccountLock(ctx, a.ID, func(cur dbstore.Account) (dbstore.Account, error) {
		return dbstore.ReleaseAccount(cur), nil
	}); err != nil {
		return fmt.Errorf("commandhandler: releasing %s source %s: %w", label, a.ID, err)
	}

	h.mu.Lock()
	h.lastReplace[sender] = time.Now()
	h.mu.Unlock()

	return h.reply(ctx, chatID, fmt.Sprintf("Выполнена замена на %s.", replacement.DisplayName))
}

func (h *Handler) lotNumberForAccount(ctx context.Context, accountID string) (int, bool) {
	mappings, err := h.store.ListLotMappings(ctx, h.workspaceID)
	if err != nil {
		return 0, false
	}
	for _, m := range mappings {
		if m.AccountID == accountID {
			return m.LotNumber, true
		}
	}
	return 0, false
}

// --- cancel ---

func (h *Handler) handleCancel(ctx context.Context, chatID, sender string) error {
	rentals, err := h.ownedRentals(ctx, sender)
	if err != nil {
		return err
	}
	if len(rentals) == 0 {
		return h.reply(ctx, chatID, "У вас нет активной аренды.")
	}
	for _, a := range rentals {
		if mafileJSON, derr := h.box.Decrypt(a.MafileJSON); derr == nil {
			if mafile, err := steamadapter.ParseMafile(mafileJSON); err == nil {
				password, _ := h.box.Decrypt(a.Password)
				h.sa.DeauthorizeAll(ctx, a.Login, password, mafile)
			}
		}
		_, err := h.store.WithAccountLock(ctx, a.ID, func(cur dbstore.Account) (dbstore.Account, error) {
			cur = dbstore.ReleaseAccount(cur)
			cur.RentalDurationMinutes = h.cfg.DefaultUnitMinutes
			return cur, nil
		})
		if err != nil {
			return fmt.Errorf("commandhandler: cancelling account %s: %w", a.ID, err)
		}
	}
	return h.reply(ctx, chatID, "Аренда отменена.")
}

// --- bonus ---

func (h *Handler) handleBonus(ctx context.Context, chatID, sender string, args []string) error {
	rentals, err := h.ownedRentals(ctx, sender)
	if err != nil {
		return err
	}
	if len(rentals) == 0 {
		return h.reply(ctx, chatID, "У вас нет активной аренды, бонус некуда начислить.")
	}
	if len(args) > 0 {
		for _, a := range rentals {
			if a.ID == args[0] {
				return h.applyBonus(ctx, chatID, sender, a)
			}
		}
		return h.reply(ctx, chatID, "Аккаунт не найден среди ваших аренд.")
	}
	if len(rentals) == 1 {
		return h.applyBonus(ctx, chatID, sender, rentals[0])
	}
	h.setPending(chatID, sender, CmdBonus, rentals)
	return h.reply(ctx, chatID, disambiguationPrompt(rentals))
}

func (h *Handler) applyBonus(ctx context.Context, chatID, sender string, a dbstore.Account) error {
	balance, err := h.store.GetBonusBalance(ctx, h.workspaceID, sender)
	if err != nil {
		return fmt.Errorf("commandhandler: reading bonus balance for %s: %w", sender, err)
	}
	if balance < h.cfg.BonusDebitMinutes {
		return h.reply(ctx, chatID, fmt.Sprintf("Недостаточно бонусных минут (%d из %d).", balance, h.cfg.BonusDebitMinutes))
	}
	if _, err := h.store.AdjustBonusBalance(ctx, h.workspaceID, h.userID, sender, -h.cfg.BonusDebitMinutes, "applied to rental "+a.ID); err != nil {
		return fmt.Errorf("commandhandler: debiting bonus for %s: %w", sender, err)
	}
	if _, err := h.store.WithAccountLock(ctx, a.ID, func(cur dbstore.Account) (dbstore.Account, error) {
		return dbstore.ExtendAccount(cur, h.cfg.BonusDebitMinutes), nil
	}); err != nil {
		return fmt.Errorf("commandhandler: extending %s with bonus minutes: %w", a.ID, err)
	}
	return h.reply(ctx, chatID, fmt.Sprintf("Начислено %d мин. к аренде %s.", h.cfg.BonusDebitMinutes, a.DisplayName))
}
