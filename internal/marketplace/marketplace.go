// Package marketplace is the Marketplace Client (MC, spec section
// 4.7): a per-workspace session against the rental marketplace. The
// interface is specified by spec.md and declared here as Client;
// HTTPClient is the concrete HTTP+HTML-scraping implementation
// behind it, modeled on the
// teacher's goquery-based link-preview fetcher in
// pkg/connector/linkpreview.go.
package marketplace

import (
	"context"
	"time"
)

// EventType enumerates the system and chat events the long-poll
// endpoint can return (spec.md section 4.2 event loop).
type EventType string

const (
	EventNewMessage        EventType = "NEW_MESSAGE"
	EventOrderPurchased    EventType = "ORDER_PURCHASED"
	EventOrderConfirmed    EventType = "ORDER_CONFIRMED"
	EventOrderConfirmedAdm EventType = "ORDER_CONFIRMED_BY_ADMIN"
	EventRefund            EventType = "REFUND"
	EventPartialRefund     EventType = "PARTIAL_REFUND"
	EventRefundByAdmin     EventType = "REFUND_BY_ADMIN"
	EventNewFeedback       EventType = "NEW_FEEDBACK"
	EventFeedbackChanged   EventType = "FEEDBACK_CHANGED"
	EventFeedbackDeleted   EventType = "FEEDBACK_DELETED"
)

// Event is one item from a Poll batch.
type Event struct {
	Type      EventType
	ChatID    string
	OrderID   string
	MessageID string
	Author    string
	Text      string
	SentAt    time.Time
	Rating    int
}

// Chat is one row from GetChats.
type Chat struct {
	ChatID          string
	PeerName        string
	LastMessageText string
	LastMessageTime time.Time
	Unread          int
}

// Message is one chat line, either fetched via GetChatHistory or
// returned from SendMessage.
type Message struct {
	MessageID string
	Author    string
	Text      string
	SentAt    time.Time
	ByBot     bool
}

// Order is the marketplace's view of a purchased lot.
type Order struct {
	OrderID     string
	Buyer       string
	Description string
	Amount      int
	Price       float64
	LotNumber   *int
	Status      string
}

// Subcategory and Category back GetSortedSubcategories/GetSortedCategories,
// used by the auto-raise task to enumerate what can be raised.
type Subcategory struct {
	ID       int
	Name     string
	LotCount int
}

type Category struct {
	ID            int
	Name          string
	Subcategories []Subcategory
}

// Client is the Marketplace Client interface (spec.md section 4.7).
// Every method is scoped to the session it was constructed with
// (golden_key cookie + proxy).
type Client interface {
	Get(ctx context.Context) (Session, error)
	Poll(ctx context.Context) ([]Event, error)
	GetChats(ctx context.Context) ([]Chat, error)
	GetChatHistory(ctx context.Context, chatID string, limit int) ([]Message, error)
	SendMessage(ctx context.Context, chatID, text string) (Message, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	Confirm(ctx context.Context, orderID string) error
	RaiseLots(ctx context.Context, categoryID int) error
	GetBalance(ctx context.Context, lotID int) (float64, error)
	GetSortedSubcategories(ctx context.Context) ([]Subcategory, error)
	GetSortedCategories(ctx context.Context) ([]Category, error)
	SubmitSupportTicket(ctx context.Context, topic, role, orderID, body string) error
}

// Session is the result of a bootstrap/auth check (spec.md's MC.Get).
type Session struct {
	UserID      string
	DisplayName string
	Balance     float64
}
