package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Poll fetches a batch of updates from the marketplace's long-poll
// endpoint and classifies each into an Event (spec.md section 4.7/4.2).
func (c *HTTPClient) Poll(ctx context.Context) ([]Event, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/runner/", nil)
	if err != nil {
		return nil, err
	}
	doc, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var events []Event
	doc.Find(".news-item").Each(func(_ int, item *goquery.Selection) {
		events = append(events, parseEventItem(item))
	})
	return events, nil
}

func parseEventItem(item *goquery.Selection) Event {
	text := strings.TrimSpace(item.Text())
	chatID, _ := item.Attr("data-chat-id")
	orderID, _ := item.Attr("data-order-id")
	msgID, _ := item.Attr("data-message-id")
	kind, _ := item.Attr("data-type")

	var typ EventType
	switch kind {
	case "message":
		typ = EventNewMessage
	case "order_purchased":
		typ = EventOrderPurchased
	case "order_confirmed":
		typ = EventOrderConfirmed
	case "order_confirmed_admin":
		typ = EventOrderConfirmedAdm
	case "refund":
		typ = EventRefund
	case "partial_refund":
		typ = EventPartialRefund
	case "refund_admin":
		typ = EventRefundByAdmin
	case "feedback_new":
		typ = EventNewFeedback
	case "feedback_changed":
		typ = EventFeedbackChanged
	case "feedback_deleted":
		typ = EventFeedbackDeleted
	default:
		typ = EventType(kind)
	}

	rating := 0
	if r, ok := item.Attr("data-rating"); ok {
		rating, _ = strconv.Atoi(r)
	}

	return Event{
		Type:      typ,
		ChatID:    chatID,
		OrderID:   orderID,
		MessageID: msgID,
		Text:      text,
		SentAt:    time.Now().UTC(),
		Rating:    rating,
	}
}

// GetChats lists the workspace's active chats (spec.md section 4.6
// chat sync: "MC.GetChats → upsert Chat Snapshot rows").
func (c *HTTPClient) GetChats(ctx context.Context) ([]Chat, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/chat/", nil)
	if err != nil {
		return nil, err
	}
	doc, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var chats []Chat
	doc.Find(".contact-item").Each(func(_ int, item *goquery.Selection) {
		chatID, _ := item.Attr("data-id")
		unread := 0
		if item.HasClass("unread") {
			unread = 1
		}
		chats = append(chats, Chat{
			ChatID:          chatID,
			PeerName:        strings.TrimSpace(item.Find(".media-user-name").Text()),
			LastMessageText: strings.TrimSpace(item.Find(".contact-item-message").Text()),
			Unread:          unread,
		})
	})
	return chats, nil
}

// GetChatHistory fetches up to limit of the most recent messages for
// a chat (spec.md section 4.6: batched history prefetch).
func (c *HTTPClient) GetChatHistory(ctx context.Context, chatID string, limit int) ([]Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/chat/history?node="+url.QueryEscape(chatID), nil)
	if err != nil {
		return nil, err
	}
	doc, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var messages []Message
	doc.Find(".chat-msg-item").Each(func(_ int, item *goquery.Selection) {
		if len(messages) >= limit {
			return
		}
		msgID, _ := item.Attr("data-message-id")
		messages = append(messages, Message{
			MessageID: msgID,
			Author:    strings.TrimSpace(item.Find(".chat-msg-author").Text()),
			Text:      strings.TrimSpace(item.Find(".chat-msg-text").Text()),
			SentAt:    time.Now().UTC(),
			ByBot:     item.HasClass("chat-msg-own"),
		})
	})
	return messages, nil
}

// SendMessage posts a chat line and returns the marketplace's record
// of it (spec.md's MC.SendMessage, driven by the Chat Bridge outbox
// drain).
func (c *HTTPClient) SendMessage(ctx context.Context, chatID, text string) (Message, error) {
	form := url.Values{"node": {chatID}, "content": {text}}
	req, err := c.newRequest(ctx, http.MethodPost, "/chat/send", strings.NewReader(form.Encode()))
	if err != nil {
		return Message{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	doc, err := c.do(req)
	if err != nil {
		return Message{}, err
	}
	msgID, _ := doc.Find("body").Attr("data-message-id")
	return Message{MessageID: msgID, Text: text, SentAt: time.Now().UTC(), ByBot: true}, nil
}

// GetOrder fetches one order's detail page, parsing the lot number out
// of its description (spec.md section 4.3).
func (c *HTTPClient) GetOrder(ctx context.Context, orderID string) (Order, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID)+"/", nil)
	if err != nil {
		return Order{}, err
	}
	doc, err := c.do(req)
	if err != nil {
		return Order{}, err
	}
	description := strings.TrimSpace(doc.Find(".order-description").Text())
	amount, _ := strconv.Atoi(strings.TrimSpace(doc.Find(".order-amount").Text()))
	price := parseFirstFloat(doc.Find(".order-price").Text())
	buyer := strings.TrimSpace(doc.Find(".order-buyer-name").Text())
	status := strings.TrimSpace(doc.Find(".order-status").Text())

	order := Order{OrderID: orderID, Buyer: buyer, Description: description, Amount: amount, Price: price, Status: status}
	if n, ok := ParseLotNumber(description); ok {
		order.LotNumber = &n
	}
	return order, nil
}

// Confirm marks an order confirmed on the buyer's behalf (best-effort
// call made after a successful intake, spec.md section 4.3 step 7).
func (c *HTTPClient) Confirm(ctx context.Context, orderID string) error {
	form := url.Values{"order_id": {orderID}}
	req, err := c.newRequest(ctx, http.MethodPost, "/orders/confirm", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = c.do(req)
	return err
}

// RaiseLots bumps every lot in categoryID to the top of its listing
// page, subject to the marketplace's own rate limit (surfaced as
// RateLimited, spec.md section 4.7).
func (c *HTTPClient) RaiseLots(ctx context.Context, categoryID int) error {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/lots/raise?category=%d", categoryID), nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

// GetBalance returns the current price displayed for lotID, used by
// the dashboard stats aggregate.
func (c *HTTPClient) GetBalance(ctx context.Context, lotID int) (float64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/lots/%d/", lotID), nil)
	if err != nil {
		return 0, err
	}
	doc, err := c.do(req)
	if err != nil {
		return 0, err
	}
	return parseFirstFloat(doc.Find(".lot-price").Text()), nil
}

// GetSortedSubcategories and GetSortedCategories back the auto-raise
// task's enumeration of what categories exist to raise.
func (c *HTTPClient) GetSortedSubcategories(ctx context.Context) ([]Subcategory, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/categories/", nil)
	if err != nil {
		return nil, err
	}
	doc, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var out []Subcategory
	doc.Find(".subcategory-item").Each(func(_ int, item *goquery.Selection) {
		id, _ := strconv.Atoi(item.AttrOr("data-id", "0"))
		count, _ := strconv.Atoi(item.AttrOr("data-count", "0"))
		out = append(out, Subcategory{ID: id, Name: strings.TrimSpace(item.Text()), LotCount: count})
	})
	return out, nil
}

func (c *HTTPClient) GetSortedCategories(ctx context.Context) ([]Category, error) {
	subs, err := c.GetSortedSubcategories(ctx)
	if err != nil {
		return nil, err
	}
	byParent := make(map[int][]Subcategory)
	for _, s := range subs {
		byParent[s.ID/1000] = append(byParent[s.ID/1000], s)
	}
	var out []Category
	for parent, children := range byParent {
		out = append(out, Category{ID: parent, Subcategories: children})
	}
	return out, nil
}

// SubmitSupportTicket scrapes the support-ticket form and posts it
// (spec.md section 4.3 auto-ticket task: "submit a support ticket via
// MC's support-form flow (HTML form scrape + POST)").
func (c *HTTPClient) SubmitSupportTicket(ctx context.Context, topic, role, orderID, body string) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/support/new", nil)
	if err != nil {
		return err
	}
	doc, err := c.do(req)
	if err != nil {
		return err
	}
	csrfToken, _ := doc.Find(`input[name="csrf_token"]`).Attr("value")

	form := url.Values{
		"csrf_token": {csrfToken},
		"topic":      {topic},
		"role":       {role},
		"order_id":   {orderID},
		"body":       {body},
	}
	postReq, err := c.newRequest(ctx, http.MethodPost, "/support/new", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = c.do(postReq)
	return err
}
