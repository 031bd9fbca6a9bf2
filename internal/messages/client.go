// Package messages is the store client for the messages relation: history
// queries, sends, read-state updates, and the realtime subscription, all
// scoped to one resolved hospital identity.
package messages

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"mednet/api/internal/feed"
	"mednet/api/internal/metrics"
	"mednet/api/internal/store"
	"mednet/api/internal/util"
)

// Store is the subset of the backend the client needs.
type Store interface {
	FetchConversation(ctx context.Context, a, b string) ([]store.Message, error)
	InsertMessage(ctx context.Context, m store.Message) (store.Message, error)
	MarkConversationRead(ctx context.Context, recipient, sender string, readAt time.Time) ([]string, error)
	UnreadBySender(ctx context.Context, recipient string) (map[string]int, error)
}

// Publisher emits change-feed events after a mutation commits.
type Publisher interface {
	Publish(ctx context.Context, event feed.Event) error
}

// FeedSource opens realtime subscriptions.
type FeedSource interface {
	Subscribe(ctx context.Context, handler feed.Handler, onReconnect func()) *feed.Subscription
}

// Draft is a send intent before the backend assigns id and timestamp.
type Draft struct {
	RecipientID string
	Content     string
	Kind        store.MessageKind
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	inner   *feed.Subscription
	once    sync.Once
	onClose func()
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.inner.Close()
		s.onClose()
	})
}

// Client issues queries and mutations for one hospital identity. The
// identity is resolved once and immutable for the client's lifetime.
type Client struct {
	self       store.Hospital
	store      Store
	publisher  Publisher
	feedSource FeedSource

	mu     sync.Mutex
	active *Subscription
}

func NewClient(self store.Hospital, st Store, publisher Publisher, feedSource FeedSource) *Client {
	return &Client{self: self, store: st, publisher: publisher, feedSource: feedSource}
}

func (c *Client) Self() store.Hospital {
	return c.self
}

// FetchConversation returns the full history with the counterparty,
// ascending by created_at. A blank counterparty or unresolved identity is a
// no-op, not an error.
func (c *Client) FetchConversation(ctx context.Context, counterpartyID string) ([]store.Message, error) {
	if counterpartyID == "" || c.self.ID == "" {
		return nil, nil
	}
	items, err := c.store.FetchConversation(ctx, c.self.ID, counterpartyID)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	return items, nil
}

// Send persists one message row and publishes its insert event. It does not
// touch the ledger; the reconciliation engine does that when the
// confirmation comes back.
func (c *Client) Send(ctx context.Context, draft Draft) (store.Message, error) {
	if draft.RecipientID == "" {
		return store.Message{}, &SendError{Draft: draft, Err: errors.New("empty recipient")}
	}
	if strings.TrimSpace(draft.Content) == "" {
		return store.Message{}, &SendError{Draft: draft, Err: errors.New("empty content")}
	}
	kind := draft.Kind
	if kind == "" {
		kind = store.KindText
	}

	saved, err := c.store.InsertMessage(ctx, store.Message{
		ID:                  util.NewID("msg"),
		SenderHospitalID:    c.self.ID,
		RecipientHospitalID: draft.RecipientID,
		Content:             draft.Content,
		Kind:                kind,
	})
	if err != nil {
		metrics.SendFailures.Inc()
		return store.Message{}, &SendError{Draft: draft, Err: err}
	}
	saved.SenderName = c.self.Name
	metrics.MessagesSent.Inc()

	// The feed is best-effort: a lost event is corrected by the next
	// recount, so a publish failure does not fail the send.
	if err := c.publisher.Publish(ctx, feed.NewEvent(feed.EventInsert, saved)); err != nil {
		log.Printf("messages: publish insert event for %s: %v", saved.ID, err)
	}
	return saved, nil
}

// MarkRead sets read_at on every unread message from the counterparty
// addressed to self. Idempotent: nothing pending means nothing happens.
func (c *Client) MarkRead(ctx context.Context, counterpartyID string) error {
	if counterpartyID == "" || c.self.ID == "" {
		return nil
	}
	readAt := time.Now().UTC()
	ids, err := c.store.MarkConversationRead(ctx, c.self.ID, counterpartyID, readAt)
	if err != nil {
		metrics.MarkReadFailures.Inc()
		return &MarkReadError{Err: err}
	}
	for _, id := range ids {
		event := feed.Event{
			Type:                feed.EventRead,
			ID:                  id,
			SenderHospitalID:    counterpartyID,
			RecipientHospitalID: c.self.ID,
			ReadAt:              &readAt,
		}
		if err := c.publisher.Publish(ctx, event); err != nil {
			log.Printf("messages: publish read event for %s: %v", id, err)
		}
	}
	return nil
}

// UnreadBySender recounts unread messages from the backend, the corrective
// for drift from missed realtime events.
func (c *Client) UnreadBySender(ctx context.Context) (map[string]int, error) {
	if c.self.ID == "" {
		return map[string]int{}, nil
	}
	metrics.UnreadRecounts.Inc()
	return c.store.UnreadBySender(ctx, c.self.ID)
}

// Subscribe opens the realtime channel for this identity. At most one
// channel is open per client; a second call returns the existing handle.
// Events are re-filtered for relevance client-side regardless of any
// server-side filtering, and split into insert and read-transition
// callbacks. No callback fires after Close returns.
func (c *Client) Subscribe(ctx context.Context, onInsert, onReadStateChange func(store.Message), onReconnect func()) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return c.active
	}

	self := c.self.ID
	handler := func(event feed.Event) {
		if !event.Relevant(self) {
			metrics.FeedEventsDiscarded.Inc()
			return
		}
		switch event.Type {
		case feed.EventInsert:
			metrics.FeedEventsApplied.WithLabelValues(string(feed.EventInsert)).Inc()
			if onInsert != nil {
				onInsert(event.Message())
			}
		case feed.EventRead:
			if event.ReadAt == nil {
				metrics.FeedEventsDiscarded.Inc()
				return
			}
			metrics.FeedEventsApplied.WithLabelValues(string(feed.EventRead)).Inc()
			if onReadStateChange != nil {
				onReadStateChange(event.Message())
			}
		default:
			metrics.FeedEventsDiscarded.Inc()
		}
	}

	inner := c.feedSource.Subscribe(ctx, handler, onReconnect)
	sub := &Subscription{inner: inner}
	sub.onClose = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.active == sub {
			c.active = nil
		}
	}
	c.active = sub
	return sub
}
