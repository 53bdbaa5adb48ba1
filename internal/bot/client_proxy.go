package bot

import (
	"context"
	"sync"

	"github.com/megafartCc/funpay-rental-bot/internal/marketplace"
)

// clientProxy implements marketplace.Client by delegating to whichever
// concrete session is current, so Order Handler/Chat Bridge/Command
// Handler can hold one long-lived reference while Bot swaps the
// underlying session on token or proxy rotation (spec.md section 4.1).
type clientProxy struct {
	mu  sync.RWMutex
	cur marketplace.Client
}

func newClientProxy(c marketplace.Client) *clientProxy {
	return &clientProxy{cur: c}
}

func (p *clientProxy) swap(c marketplace.Client) {
	p.mu.Lock()
	p.cur = c
	p.mu.Unlock()
}

func (p *clientProxy) client() marketplace.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

func (p *clientProxy) Get(ctx context.Context) (marketplace.Session, error) {
	return p.client().Get(ctx)
}

func (p *clientProxy) Poll(ctx context.Context) ([]marketplace.Event, error) {
	return p.client().Poll(ctx)
}

func (p *clientProxy) GetChats(ctx context.Context) ([]marketplace.Chat, error) {
	return p.client().GetChats(ctx)
}

func (p *clientProxy) GetChatHistory(ctx context.Context, chatID string, limit int) ([]marketplace.Message, error) {
	return p.client().GetChatHistory(ctx, chatID, limit)
}

func (p *clientProxy) SendMessage(ctx context.Context, chatID, text string) (marketplace.Message, error) {
	return p.client().SendMessage(ctx, chatID, text)
}

func (p *clientProxy) GetOrder(ctx context.Context, orderID string) (marketplace.Order, error) {
	return p.client().GetOrder(ctx, orderID)
}

func (p *clientProxy) Confirm(ctx context.Context, orderID string) error {
	return p.client().Confirm(ctx, orderID)
}

func (p *clientProxy) RaiseLots(ctx context.Context, categoryID int) error {
	return p.client().RaiseLots(ctx, categoryID)
}

func (p *clientProxy) GetBalance(ctx context.Context, lotID int) (float64, error) {
	return p.client().GetBalance(ctx, lotID)
}

func (p *clientProxy) GetSortedSubcategories(ctx context.Context) ([]marketplace.Subcategory, error) {
	return p.client().GetSortedSubcategories(ctx)
}

func (p *clientProxy) GetSortedCategories(ctx context.Context) ([]marketplace.Category, error) {
	return p.client().GetSortedCategories(ctx)
}

func (p *clientProxy) SubmitSupportTicket(ctx context.Context, topic, role, orderID, body string) error {
	return p.client().SubmitSupportTicket(ctx, topic, role, orderID, body)
}
