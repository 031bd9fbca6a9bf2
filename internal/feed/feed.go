// Package feed carries row-level change events for the messages relation
// over a Redis pub/sub channel. Events are published after the row is
// committed; delivery is best-effort and gives no cross-row ordering
// guarantee during bursts, so consumers must not assume event order equals
// created_at order.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mednet/api/internal/store"
)

// Channel is the pub/sub channel every message event is published on. The
// feed is not pre-filtered by hospital; consumers re-apply relevance
// filtering client-side.
const Channel = "mednet:messages"

type EventType string

const (
	// EventInsert signals a newly committed message row.
	EventInsert EventType = "insert"
	// EventRead signals the read_at transition null -> timestamp.
	EventRead EventType = "read"
)

// Event is the wire form of a change-feed notification.
type Event struct {
	Type                EventType  `json:"type"`
	ID                  string     `json:"id"`
	SenderHospitalID    string     `json:"sender_hospital_id"`
	RecipientHospitalID string     `json:"recipient_hospital_id"`
	Content             string     `json:"content"`
	Kind                string     `json:"kind"`
	CreatedAt           time.Time  `json:"created_at"`
	ReadAt              *time.Time `json:"read_at,omitempty"`
	SenderName          string     `json:"sender_name,omitempty"`
}

func NewEvent(eventType EventType, m store.Message) Event {
	return Event{
		Type:                eventType,
		ID:                  m.ID,
		SenderHospitalID:    m.SenderHospitalID,
		RecipientHospitalID: m.RecipientHospitalID,
		Content:             m.Content,
		Kind:                string(m.Kind),
		CreatedAt:           m.CreatedAt,
		ReadAt:              m.ReadAt,
		SenderName:          m.SenderName,
	}
}

// Message converts the event back into a store row.
func (e Event) Message() store.Message {
	return store.Message{
		ID:                  e.ID,
		SenderHospitalID:    e.SenderHospitalID,
		RecipientHospitalID: e.RecipientHospitalID,
		Content:             e.Content,
		Kind:                store.MessageKind(e.Kind),
		CreatedAt:           e.CreatedAt,
		ReadAt:              e.ReadAt,
		SenderName:          e.SenderName,
	}
}

// Relevant reports whether the event concerns the given hospital.
// Subscribers apply it even when the feed is already filtered upstream.
func (e Event) Relevant(hospitalID string) bool {
	return e.SenderHospitalID == hospitalID || e.RecipientHospitalID == hospitalID
}

// Publisher emits events after message rows are committed.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish feed event: %w", err)
	}
	return nil
}
