// Package ledger is the per-hospital persisted cache of conversation
// ordering, unread counts, and last-message previews. It is derived state:
// always rebuildable from the messages relation, never authoritative for a
// conversation's existence or a message's content.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Preview is the last-message summary kept per counterparty, updated on
// every send or receive regardless of read state.
type Preview struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger persists the three derived maps in Redis, scoped to one hospital,
// and broadcasts a notification after every successful write. The write
// always happens-before the notification, and notifications carry no state
// beyond what changed; consumers re-read from the ledger.
type Ledger struct {
	client *redis.Client
	prefix string
	broadcaster
}

func New(client *redis.Client, hospitalID string) *Ledger {
	return &Ledger{
		client:      client,
		prefix:      "ledger:" + hospitalID,
		broadcaster: newBroadcaster(),
	}
}

func (l *Ledger) orderKey() string   { return l.prefix + ":order" }
func (l *Ledger) unreadKey() string  { return l.prefix + ":unread" }
func (l *Ledger) previewKey() string { return l.prefix + ":preview" }

// Order returns counterparty ids, most recently active first.
func (l *Ledger) Order(ctx context.Context) ([]string, error) {
	ids, err := l.client.LRange(ctx, l.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read conversation order: %w", err)
	}
	return ids, nil
}

// BumpToFront moves the counterparty to the front of the order, removing any
// previous occurrence. Calling it twice in a row is equivalent to once.
func (l *Ledger) BumpToFront(ctx context.Context, counterpartyID string) error {
	if counterpartyID == "" {
		return errors.New("empty counterparty id")
	}
	pipe := l.client.TxPipeline()
	pipe.LRem(ctx, l.orderKey(), 0, counterpartyID)
	pipe.LPush(ctx, l.orderKey(), counterpartyID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bump conversation order: %w", err)
	}
	l.notify(Notification{Kind: KindOrder, Key: counterpartyID})
	return nil
}

// Unread returns the unread count per counterparty.
func (l *Ledger) Unread(ctx context.Context) (map[string]int, error) {
	raw, err := l.client.HGetAll(ctx, l.unreadKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read unread counts: %w", err)
	}
	counts := make(map[string]int, len(raw))
	for id, value := range raw {
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			continue
		}
		counts[id] = n
	}
	return counts, nil
}

// Increment adds one unread message for the counterparty.
func (l *Ledger) Increment(ctx context.Context, counterpartyID string) error {
	if err := l.client.HIncrBy(ctx, l.unreadKey(), counterpartyID, 1).Err(); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	l.notify(Notification{Kind: KindUnread, Key: counterpartyID})
	return nil
}

// Clear drops the whole unread bucket for the counterparty. Idempotent.
func (l *Ledger) Clear(ctx context.Context, counterpartyID string) error {
	if err := l.client.HDel(ctx, l.unreadKey(), counterpartyID).Err(); err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	l.notify(Notification{Kind: KindUnread, Key: counterpartyID})
	return nil
}

// ReplaceUnread swaps the whole unread map for a freshly recounted one,
// correcting drift from events missed while the feed was down.
func (l *Ledger) ReplaceUnread(ctx context.Context, counts map[string]int) error {
	pipe := l.client.TxPipeline()
	pipe.Del(ctx, l.unreadKey())
	if len(counts) > 0 {
		fields := make(map[string]interface{}, len(counts))
		for id, n := range counts {
			if n <= 0 {
				continue
			}
			fields[id] = n
		}
		if len(fields) > 0 {
			pipe.HSet(ctx, l.unreadKey(), fields)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace unread counts: %w", err)
	}
	l.notify(Notification{Kind: KindUnread})
	return nil
}

// LastMessage returns the stored preview for the counterparty, if any.
func (l *Ledger) LastMessage(ctx context.Context, counterpartyID string) (Preview, bool, error) {
	raw, err := l.client.HGet(ctx, l.previewKey(), counterpartyID).Result()
	if errors.Is(err, redis.Nil) {
		return Preview{}, false, nil
	}
	if err != nil {
		return Preview{}, false, fmt.Errorf("read preview: %w", err)
	}
	var preview Preview
	if err := json.Unmarshal([]byte(raw), &preview); err != nil {
		return Preview{}, false, fmt.Errorf("unmarshal preview: %w", err)
	}
	return preview, true, nil
}

// Previews returns every stored preview keyed by counterparty.
func (l *Ledger) Previews(ctx context.Context) (map[string]Preview, error) {
	raw, err := l.client.HGetAll(ctx, l.previewKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read previews: %w", err)
	}
	previews := make(map[string]Preview, len(raw))
	for id, value := range raw {
		var preview Preview
		if err := json.Unmarshal([]byte(value), &preview); err != nil {
			continue
		}
		previews[id] = preview
	}
	return previews, nil
}

// SetLastMessage stores the preview for the counterparty.
func (l *Ledger) SetLastMessage(ctx context.Context, counterpartyID, text string, timestamp time.Time) error {
	payload, err := json.Marshal(Preview{Text: text, Timestamp: timestamp})
	if err != nil {
		return fmt.Errorf("marshal preview: %w", err)
	}
	if err := l.client.HSet(ctx, l.previewKey(), counterpartyID, payload).Err(); err != nil {
		return fmt.Errorf("set preview: %w", err)
	}
	l.notify(Notification{Kind: KindPreview, Key: counterpartyID})
	return nil
}

// Reset wipes the whole ledger. The only way entries are ever deleted.
func (l *Ledger) Reset(ctx context.Context) error {
	if err := l.client.Del(ctx, l.orderKey(), l.unreadKey(), l.previewKey()).Err(); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	l.notify(Notification{Kind: KindOrder})
	l.notify(Notification{Kind: KindUnread})
	l.notify(Notification{Kind: KindPreview})
	return nil
}
