package dbstore

import "time"

// Workspace is a marketplace session owned by one dashboard user
// (spec section 3).
type Workspace struct {
	ID        string
	UserID    string
	Label     string
	Token     string
	ProxyURI  string
	ProxyUser string
	ProxyPass string
	IsDefault bool
	Status    string // ok | unauthorized | error
	StatusMsg string
	CreatedAt time.Time
}

// Valid reports whether the workspace has enough configured to run a
// bot (spec section 4.1: "live_bots == { w | w.token != "" and w.proxy != "" }").
func (w Workspace) Valid() bool {
	return w.Token != "" && w.ProxyURI != ""
}

// Account is a rentable game credential (spec section 3).
type Account struct {
	ID                    string
	WorkspaceID           string
	UserID                string
	DisplayName           string
	Login                 string
	Password              string // decrypted by the caller via cryptbox
	MafileJSON            string // decrypted by the caller via cryptbox
	MMR                   int
	RentalDurationMinutes int
	Owner                 *string
	RentalStart           *time.Time // marketplace TZ
	RentalFrozen          bool
	RentalFrozenAt        *time.Time
	AccountFrozen         bool
	RentalOrderID         *string
	LowPriority           bool
	ExpireDelaySince       *time.Time
	LastReminderExpiryAt   *time.Time
}

// IsFree reports whether the account has no current renter.
func (a Account) IsFree() bool {
	return a.Owner == nil
}

// IsUsable reports whether the account can be assigned right now
// (spec section 4.3 step 5: not frozen by admin/billing, not
// low-priority).
func (a Account) IsUsable() bool {
	return !a.AccountFrozen && !a.RentalFrozen && !a.LowPriority
}

// LotMapping maps a marketplace lot number to a rentable account
// (spec section 3).
type LotMapping struct {
	WorkspaceID string
	UserID      string
	LotNumber   int
	AccountID   string
	LotURL      string
}

// OrderAction enumerates spec section 3's append-only Order Event
// action vocabulary.
type OrderAction string

const (
	ActionPaid               OrderAction = "paid"
	ActionIssued             OrderAction = "issued"
	ActionExtended           OrderAction = "extended"
	ActionReplaceAssign      OrderAction = "replace_assign"
	ActionRefunded           OrderAction = "refunded"
	ActionClosed             OrderAction = "closed"
	ActionBusy               OrderAction = "busy"
	ActionUnmapped           OrderAction = "unmapped"
	ActionBlacklisted        OrderAction = "blacklisted"
	ActionBlacklistComp      OrderAction = "blacklist_comp"
	ActionAutoUnblacklist    OrderAction = "auto_unblacklist"
	ActionReviewBonus        OrderAction = "review_bonus"
	ActionReviewBonusRevert  OrderAction = "review_bonus_revert"
	ActionTicketAuto         OrderAction = "ticket_auto"
	ActionExpired            OrderAction = "expired"
	ActionBlockedOrder       OrderAction = "blocked_order"
)

// OrderEvent is one append-only history row (spec section 3).
type OrderEvent struct {
	ID             string
	WorkspaceID    string
	UserID         string
	OrderID        string
	Owner          string
	AccountID      *string
	AccountName    string
	SteamID        string
	LotNumber      *int
	Amount         int
	Price          float64
	RentalMinutes  int
	Action         OrderAction
	CreatedAt      time.Time
}

// BlacklistEntry blocks a buyer from being auto-fulfilled (spec section 3).
type BlacklistEntry struct {
	ID          string
	WorkspaceID string
	UserID      string
	Owner       string
	Reason      string
	CreatedAt   time.Time
}

// BlacklistLog is an immutable audit row (spec section 3).
type BlacklistLog struct {
	ID        string
	Owner     string
	Action    string
	Reason    string
	Details   string
	Amount    int
	CreatedAt time.Time
}

// BonusWallet tracks a buyer's accrued compensation minutes (spec section 3).
type BonusWallet struct {
	WorkspaceID    string
	UserID         string
	Owner          string
	BalanceMinutes int
}

// ChatSnapshot is the dashboard-facing summary of one chat (spec section 3).
type ChatSnapshot struct {
	WorkspaceID       string
	UserID            string
	ChatID            string
	PeerName          string
	LastMessageText   string
	LastMessageTime   *time.Time
	Unread            int
	AdminUnreadCount  int
	AdminRequested    bool
}

// ChatMessage is one persisted chat line (spec section 3).
type ChatMessage struct {
	WorkspaceID string
	UserID      string
	ChatID      string
	MessageID   string
	Author      string
	Text        string
	SentTime    time.Time
	ByBot       bool
	Type        string
}

// OutboxStatus enumerates spec section 3's Chat Outbox states.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxMessage is one queued outbound chat line (spec section 3).
type OutboxMessage struct {
	ID          string
	WorkspaceID string
	UserID      string
	ChatID      string
	Text        string
	Status      OutboxStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
}

// AdminCall tracks the buyer-raised "call an admin" flag (spec section 3).
type AdminCall struct {
	WorkspaceID  string
	UserID       string
	ChatID       string
	Owner        string
	Count        int
	LastCalledAt *time.Time
}

// ReviewReward enforces the at-most-once review bonus grant
// (spec section 3, SPEC_FULL section 9 review-bonus subhandler).
type ReviewReward struct {
	OrderID     string
	Owner       string
	UserID      string
	Rating      int
	ReviewText  string
	AccountID   string
	ClaimedAt   time.Time
	RevokedAt   *time.Time
	ReviewedAt  *time.Time
}
