// Package convo maintains the ordered, de-duplicated view of the open
// conversation and keeps the per-hospital ledger consistent for every
// conversation, open or not. Every entry point is serialized through one
// mutex, so the logic only has to contend with event-ordering races, not
// data races.
package convo

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"mednet/api/internal/messages"
	"mednet/api/internal/metrics"
	"mednet/api/internal/store"
	"mednet/api/internal/util"
)

type State string

const (
	StateEmpty   State = "empty"
	StateLoading State = "loading"
	StateLoaded  State = "loaded"
)

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrNoConversation = errors.New("no conversation open")
	ErrSendInFlight   = errors.New("send already in flight")
)

// MessageView is one entry of the displayed list. Pending marks an
// optimistic entry not yet confirmed by the backend; Failed marks a send
// that was rejected and is kept visible rather than silently dropped.
type MessageView struct {
	ID                  string            `json:"id"`
	SenderHospitalID    string            `json:"senderHospitalId"`
	RecipientHospitalID string            `json:"recipientHospitalId"`
	Content             string            `json:"content"`
	Kind                store.MessageKind `json:"kind"`
	CreatedAt           time.Time         `json:"createdAt"`
	ReadAt              *time.Time        `json:"readAt,omitempty"`
	SenderName          string            `json:"senderName,omitempty"`
	Pending             bool              `json:"pending,omitempty"`
	Failed              bool              `json:"failed,omitempty"`
}

// Client is the message store client surface the engine drives.
type Client interface {
	Self() store.Hospital
	FetchConversation(ctx context.Context, counterpartyID string) ([]store.Message, error)
	Send(ctx context.Context, draft messages.Draft) (store.Message, error)
	MarkRead(ctx context.Context, counterpartyID string) error
	UnreadBySender(ctx context.Context) (map[string]int, error)
}

// Ledger is the derived-state cache the engine keeps consistent.
type Ledger interface {
	BumpToFront(ctx context.Context, counterpartyID string) error
	Increment(ctx context.Context, counterpartyID string) error
	Clear(ctx context.Context, counterpartyID string) error
	ReplaceUnread(ctx context.Context, counts map[string]int) error
	SetLastMessage(ctx context.Context, counterpartyID, text string, timestamp time.Time) error
}

// Engine reconciles realtime events and optimistic local writes for one
// hospital session.
type Engine struct {
	client Client
	ledger Ledger
	selfID string
	self   store.Hospital

	mu       sync.Mutex
	open     string
	state    State
	fetchGen int
	list     []MessageView
	sending  bool
	focused  bool
}

func NewEngine(client Client, convLedger Ledger) *Engine {
	self := client.Self()
	return &Engine{
		client:  client,
		ledger:  convLedger,
		selfID:  self.ID,
		self:    self,
		state:   StateEmpty,
		focused: true,
	}
}

// Open switches the active conversation and re-fetches its history. It
// never reuses a previous counterparty's in-memory list. A fetch that
// resolves after the conversation was switched again is discarded. A
// failed re-fetch of the conversation already on screen restores the
// prior list, so a retry does not blank the view.
func (e *Engine) Open(ctx context.Context, counterpartyID string) ([]MessageView, error) {
	if counterpartyID == "" {
		return nil, ErrNoConversation
	}

	e.mu.Lock()
	var prior []MessageView
	if e.open == counterpartyID && e.state == StateLoaded {
		prior = e.list
	}
	e.open = counterpartyID
	e.state = StateLoading
	e.list = nil
	e.sending = false
	e.fetchGen++
	generation := e.fetchGen
	e.mu.Unlock()

	items, err := e.client.FetchConversation(ctx, counterpartyID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if generation != e.fetchGen || e.open != counterpartyID {
		metrics.StaleFetchesDiscarded.Inc()
		return nil, nil
	}
	if err != nil {
		if prior != nil {
			e.list = prior
			e.state = StateLoaded
			return e.snapshotLocked(), err
		}
		e.state = StateEmpty
		return nil, err
	}

	views := make([]MessageView, 0, len(items))
	for _, item := range items {
		views = append(views, toView(item))
	}
	// Re-sort with id as the secondary key so equal timestamps stay
	// deterministic regardless of query order.
	sortViews(views)
	e.list = views
	e.state = StateLoaded
	return e.snapshotLocked(), nil
}

// Close deactivates the open conversation. The realtime subscription stays
// up: background conversations keep updating the ledger.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = ""
	e.state = StateEmpty
	e.list = nil
	e.sending = false
	e.fetchGen++
}

// SendText performs the optimistic send flow for the open conversation.
// The returned view is the confirmed message on success; on failure it is
// the optimistic entry, flagged failed and kept visible.
func (e *Engine) SendText(ctx context.Context, text string) (MessageView, error) {
	return e.send(ctx, strings.TrimSpace(text), store.KindText)
}

// SendFile sends a file message whose content is the attachment object key.
func (e *Engine) SendFile(ctx context.Context, objectKey string) (MessageView, error) {
	return e.send(ctx, strings.TrimSpace(objectKey), store.KindFile)
}

func (e *Engine) send(ctx context.Context, content string, kind store.MessageKind) (MessageView, error) {
	e.mu.Lock()
	if content == "" {
		e.mu.Unlock()
		return MessageView{}, ErrEmptyMessage
	}
	if e.open == "" {
		e.mu.Unlock()
		return MessageView{}, ErrNoConversation
	}
	if e.sending {
		e.mu.Unlock()
		return MessageView{}, ErrSendInFlight
	}

	counterparty := e.open
	optimistic := MessageView{
		ID:                  util.NewTempID(),
		SenderHospitalID:    e.selfID,
		RecipientHospitalID: counterparty,
		Content:             content,
		Kind:                kind,
		CreatedAt:           time.Now().UTC(),
		SenderName:          e.self.Name,
		Pending:             true,
	}
	e.list = append(e.list, optimistic)
	e.sending = true
	e.mu.Unlock()

	saved, err := e.client.Send(ctx, messages.Draft{
		RecipientID: counterparty,
		Content:     content,
		Kind:        kind,
	})

	e.mu.Lock()
	e.sending = false
	if err != nil {
		// Keep the entry visible and flagged; the caller still has the
		// text and may retry.
		if e.open == counterparty {
			for i := range e.list {
				if e.list[i].ID == optimistic.ID {
					e.list[i].Pending = false
					e.list[i].Failed = true
					optimistic = e.list[i]
					break
				}
			}
		}
		e.mu.Unlock()
		return optimistic, err
	}

	confirmed := toView(saved)
	if e.open == counterparty {
		replaced := false
		for i := range e.list {
			if e.list[i].ID == optimistic.ID {
				// Replace in place: confirmation never re-sorts the list.
				e.list[i] = confirmed
				replaced = true
				break
			}
		}
		if !replaced && !e.hasIDLocked(confirmed.ID) {
			// The echo event consumed the optimistic entry and was itself
			// removed somehow; restore the confirmed message.
			e.list = append(e.list, confirmed)
		}
	}
	e.mu.Unlock()

	e.bumpAndPreview(ctx, counterparty, saved)
	return confirmed, nil
}

// HandleInsert applies one realtime insert event. Safe to call for any
// event; irrelevant ones are dropped.
func (e *Engine) HandleInsert(ctx context.Context, m store.Message) {
	isMine := m.SenderHospitalID == e.selfID
	isIncoming := m.RecipientHospitalID == e.selfID
	if !isMine && !isIncoming {
		return
	}
	counterparty := m.Counterparty(e.selfID)

	e.mu.Lock()
	belongsToOpen := counterparty == e.open && e.state == StateLoaded
	if belongsToOpen {
		e.applyInsertLocked(m, isMine)
	}
	openAndFocused := isIncoming && counterparty == e.open && e.focused
	e.mu.Unlock()

	// Ledger bookkeeping happens for every relevant message, open or not.
	e.bumpAndPreview(ctx, counterparty, m)
	if isIncoming {
		if openAndFocused {
			// Visible and in focus: read promptly instead of counting.
			if err := e.MarkCurrentRead(ctx); err != nil {
				log.Printf("convo: mark read after focused insert: %v", err)
			}
		} else if err := e.ledger.Increment(ctx, counterparty); err != nil {
			log.Printf("convo: increment unread for %s: %v", counterparty, err)
		}
	}
}

// applyInsertLocked inserts m into the displayed list unless its id is
// already present. A server-confirmed row supersedes the optimistic entry
// it echoes, so the list never shows the same message twice.
func (e *Engine) applyInsertLocked(m store.Message, isMine bool) {
	if e.hasIDLocked(m.ID) {
		return
	}
	view := toView(m)
	if isMine {
		for i := range e.list {
			if e.list[i].Pending && e.list[i].Content == m.Content && e.list[i].Kind == m.Kind {
				e.list[i] = view
				return
			}
		}
	}
	e.insertSortedLocked(view)
}

// HandleRead applies a read_at transition to the displayed list.
func (e *Engine) HandleRead(_ context.Context, m store.Message) {
	if m.ReadAt == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.list {
		if e.list[i].ID == m.ID && e.list[i].ReadAt == nil {
			readAt := *m.ReadAt
			e.list[i].ReadAt = &readAt
		}
	}
}

// MarkCurrentRead clears the unread bucket optimistically, then asks the
// backend to persist the transition. A backend failure is logged, not
// surfaced, and the optimistic clear stays: the risk is a temporary
// undercount, corrected by the next recount.
func (e *Engine) MarkCurrentRead(ctx context.Context) error {
	e.mu.Lock()
	counterparty := e.open
	if counterparty != "" {
		now := time.Now().UTC()
		for i := range e.list {
			entry := &e.list[i]
			if entry.SenderHospitalID == counterparty && entry.RecipientHospitalID == e.selfID && entry.ReadAt == nil {
				readAt := now
				entry.ReadAt = &readAt
			}
		}
	}
	e.mu.Unlock()
	if counterparty == "" {
		return nil
	}

	if err := e.ledger.Clear(ctx, counterparty); err != nil {
		log.Printf("convo: clear unread for %s: %v", counterparty, err)
	}
	if err := e.client.MarkRead(ctx, counterparty); err != nil {
		log.Printf("convo: mark read for %s failed, keeping optimistic clear: %v", counterparty, err)
	}
	return nil
}

// RefreshUnread replaces the ledger's unread map with a fresh recount.
// Run after feed reconnects and on view refocus to correct drift from
// missed events.
func (e *Engine) RefreshUnread(ctx context.Context) error {
	counts, err := e.client.UnreadBySender(ctx)
	if err != nil {
		return err
	}
	return e.ledger.ReplaceUnread(ctx, counts)
}

// SetFocused records whether the open conversation is in the foreground.
// Incoming messages for a focused open conversation are read promptly
// instead of incrementing the unread count.
func (e *Engine) SetFocused(focused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focused = focused
}

// Snapshot returns the open counterparty, the conversation state, and a
// copy of the displayed list.
func (e *Engine) Snapshot() (string, State, []MessageView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open, e.state, e.snapshotLocked()
}

func (e *Engine) snapshotLocked() []MessageView {
	out := make([]MessageView, len(e.list))
	copy(out, e.list)
	return out
}

func (e *Engine) hasIDLocked(id string) bool {
	for i := range e.list {
		if e.list[i].ID == id {
			return true
		}
	}
	return false
}

// insertSortedLocked places the view at its created_at position, after any
// existing entries with an equal or earlier key, so bursts delivered out of
// order still render in timestamp order while ties stay stable.
func (e *Engine) insertSortedLocked(view MessageView) {
	index := len(e.list)
	for index > 0 && viewAfter(e.list[index-1], view) {
		index--
	}
	e.list = append(e.list, MessageView{})
	copy(e.list[index+1:], e.list[index:])
	e.list[index] = view
}

func (e *Engine) bumpAndPreview(ctx context.Context, counterparty string, m store.Message) {
	if err := e.ledger.BumpToFront(ctx, counterparty); err != nil {
		log.Printf("convo: bump order for %s: %v", counterparty, err)
	}
	if err := e.ledger.SetLastMessage(ctx, counterparty, previewText(m), m.CreatedAt); err != nil {
		log.Printf("convo: set preview for %s: %v", counterparty, err)
	}
}

func previewText(m store.Message) string {
	if m.Kind == store.KindFile {
		return "Attachment"
	}
	return m.Content
}

func toView(m store.Message) MessageView {
	return MessageView{
		ID:                  m.ID,
		SenderHospitalID:    m.SenderHospitalID,
		RecipientHospitalID: m.RecipientHospitalID,
		Content:             m.Content,
		Kind:                m.Kind,
		CreatedAt:           m.CreatedAt,
		ReadAt:              m.ReadAt,
		SenderName:          m.SenderName,
	}
}

func sortViews(views []MessageView) {
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
}

// viewAfter reports whether a sorts strictly after b.
func viewAfter(a, b MessageView) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}
