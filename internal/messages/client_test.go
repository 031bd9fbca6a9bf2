package messages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mednet/api/internal/feed"
	"mednet/api/internal/store"
	"mednet/api/internal/util"
)

type fakeStore struct {
	fetchConversationFn    func(context.Context, string, string) ([]store.Message, error)
	insertMessageFn        func(context.Context, store.Message) (store.Message, error)
	markConversationReadFn func(context.Context, string, string, time.Time) ([]string, error)
	unreadBySenderFn       func(context.Context, string) (map[string]int, error)
}

func (f *fakeStore) FetchConversation(ctx context.Context, a, b string) ([]store.Message, error) {
	if f.fetchConversationFn != nil {
		return f.fetchConversationFn(ctx, a, b)
	}
	return nil, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, m)
	}
	m.CreatedAt = time.Now()
	return m, nil
}

func (f *fakeStore) MarkConversationRead(ctx context.Context, recipient, sender string, readAt time.Time) ([]string, error) {
	if f.markConversationReadFn != nil {
		return f.markConversationReadFn(ctx, recipient, sender, readAt)
	}
	return nil, nil
}

func (f *fakeStore) UnreadBySender(ctx context.Context, recipient string) (map[string]int, error) {
	if f.unreadBySenderFn != nil {
		return f.unreadBySenderFn(ctx, recipient)
	}
	return map[string]int{}, nil
}

type fakePublisher struct {
	events []feed.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, event feed.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func self() store.Hospital {
	return store.Hospital{ID: "hosp-self", Name: "General Norte"}
}

func TestFetchConversationNoOpWithoutCounterparty(t *testing.T) {
	called := false
	st := &fakeStore{fetchConversationFn: func(context.Context, string, string) ([]store.Message, error) {
		called = true
		return nil, nil
	}}
	client := NewClient(self(), st, &fakePublisher{}, nil)

	items, err := client.FetchConversation(context.Background(), "")
	if err != nil || items != nil {
		t.Fatalf("expected no-op, got items=%v err=%v", items, err)
	}
	if called {
		t.Error("store queried despite empty counterparty")
	}
}

func TestFetchConversationNoOpWithoutIdentity(t *testing.T) {
	client := NewClient(store.Hospital{}, &fakeStore{}, &fakePublisher{}, nil)
	items, err := client.FetchConversation(context.Background(), "hosp-b")
	if err != nil || items != nil {
		t.Fatalf("expected no-op, got items=%v err=%v", items, err)
	}
}

func TestFetchConversationWrapsError(t *testing.T) {
	st := &fakeStore{fetchConversationFn: func(context.Context, string, string) ([]store.Message, error) {
		return nil, errors.New("backend down")
	}}
	client := NewClient(self(), st, &fakePublisher{}, nil)

	_, err := client.FetchConversation(context.Background(), "hosp-b")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestSendPersistsAndPublishes(t *testing.T) {
	publisher := &fakePublisher{}
	var inserted store.Message
	st := &fakeStore{insertMessageFn: func(_ context.Context, m store.Message) (store.Message, error) {
		inserted = m
		m.CreatedAt = time.Now()
		return m, nil
	}}
	client := NewClient(self(), st, publisher, nil)

	saved, err := client.Send(context.Background(), Draft{RecipientID: "hosp-b", Content: "Hello"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if util.IsTempID(saved.ID) {
		t.Errorf("server message carries temp id: %s", saved.ID)
	}
	if inserted.SenderHospitalID != "hosp-self" || inserted.RecipientHospitalID != "hosp-b" {
		t.Fatalf("unexpected insert: %+v", inserted)
	}
	if inserted.Kind != store.KindText {
		t.Errorf("kind not defaulted to text: %s", inserted.Kind)
	}
	if saved.SenderName != "General Norte" {
		t.Errorf("sender name not attached: %q", saved.SenderName)
	}
	if len(publisher.events) != 1 || publisher.events[0].Type != feed.EventInsert {
		t.Fatalf("insert event not published: %+v", publisher.events)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	client := NewClient(self(), &fakeStore{}, &fakePublisher{}, nil)
	_, err := client.Send(context.Background(), Draft{RecipientID: "hosp-b", Content: "   "})
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected SendError, got %v", err)
	}
}

func TestSendWrapsInsertFailure(t *testing.T) {
	st := &fakeStore{insertMessageFn: func(context.Context, store.Message) (store.Message, error) {
		return store.Message{}, errors.New("insert failed")
	}}
	client := NewClient(self(), st, &fakePublisher{}, nil)

	_, err := client.Send(context.Background(), Draft{RecipientID: "hosp-b", Content: "Hello"})
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if sendErr.Draft.Content != "Hello" {
		t.Errorf("draft not preserved for retry: %+v", sendErr.Draft)
	}
}

func TestSendSurvivesPublishFailure(t *testing.T) {
	client := NewClient(self(), &fakeStore{}, &fakePublisher{err: errors.New("redis down")}, nil)
	if _, err := client.Send(context.Background(), Draft{RecipientID: "hosp-b", Content: "Hello"}); err != nil {
		t.Fatalf("send must not fail on publish error: %v", err)
	}
}

func TestMarkReadPublishesTransitions(t *testing.T) {
	publisher := &fakePublisher{}
	st := &fakeStore{markConversationReadFn: func(_ context.Context, recipient, sender string, _ time.Time) ([]string, error) {
		if recipient != "hosp-self" || sender != "hosp-b" {
			t.Fatalf("unexpected mark read scope: %s <- %s", recipient, sender)
		}
		return []string{"msg_1", "msg_2"}, nil
	}}
	client := NewClient(self(), st, publisher, nil)

	if err := client.MarkRead(context.Background(), "hosp-b"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(publisher.events) != 2 {
		t.Fatalf("expected 2 read events, got %d", len(publisher.events))
	}
	for _, event := range publisher.events {
		if event.Type != feed.EventRead || event.ReadAt == nil {
			t.Fatalf("bad read event: %+v", event)
		}
	}
}

func TestMarkReadIdempotentWhenNothingPending(t *testing.T) {
	publisher := &fakePublisher{}
	client := NewClient(self(), &fakeStore{}, publisher, nil)
	if err := client.MarkRead(context.Background(), "hosp-b"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(publisher.events) != 0 {
		t.Fatalf("events published with nothing pending: %+v", publisher.events)
	}
}

func TestMarkReadWrapsError(t *testing.T) {
	st := &fakeStore{markConversationReadFn: func(context.Context, string, string, time.Time) ([]string, error) {
		return nil, errors.New("update failed")
	}}
	client := NewClient(self(), st, &fakePublisher{}, nil)
	err := client.MarkRead(context.Background(), "hosp-b")
	var markErr *MarkReadError
	if !errors.As(err, &markErr) {
		t.Fatalf("expected MarkReadError, got %v", err)
	}
}

func TestSubscribeFiltersAndSplits(t *testing.T) {
	s := miniredis.RunT(t)
	opts, err := redis.ParseURL("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	client := NewClient(self(), &fakeStore{}, feed.NewPublisher(redisClient), feed.NewSubscriber(redisClient))

	inserts := make(chan store.Message, 4)
	reads := make(chan store.Message, 4)
	sub := client.Subscribe(context.Background(), func(m store.Message) { inserts <- m },
		func(m store.Message) { reads <- m }, nil)
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	publisher := feed.NewPublisher(redisClient)
	// Irrelevant to this hospital: must be dropped by the relevance filter.
	_ = publisher.Publish(context.Background(), feed.NewEvent(feed.EventInsert, store.Message{
		ID: "msg_other", SenderHospitalID: "hosp-x", RecipientHospitalID: "hosp-y",
	}))
	// Relevant insert.
	_ = publisher.Publish(context.Background(), feed.NewEvent(feed.EventInsert, store.Message{
		ID: "msg_in", SenderHospitalID: "hosp-b", RecipientHospitalID: "hosp-self", Content: "Hola",
	}))
	// Relevant read transition.
	readAt := time.Now()
	_ = publisher.Publish(context.Background(), feed.NewEvent(feed.EventRead, store.Message{
		ID: "msg_in", SenderHospitalID: "hosp-self", RecipientHospitalID: "hosp-b", ReadAt: &readAt,
	}))

	select {
	case m := <-inserts:
		if m.ID != "msg_in" {
			t.Fatalf("unexpected insert delivered: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relevant insert not delivered")
	}
	select {
	case m := <-reads:
		if m.ID != "msg_in" || m.ReadAt == nil {
			t.Fatalf("unexpected read event: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read transition not delivered")
	}
	select {
	case m := <-inserts:
		t.Fatalf("irrelevant event delivered: %+v", m)
	default:
	}
}

func TestSubscribeSingleChannelPerIdentity(t *testing.T) {
	s := miniredis.RunT(t)
	opts, _ := redis.ParseURL("redis://" + s.Addr())
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	client := NewClient(self(), &fakeStore{}, feed.NewPublisher(redisClient), feed.NewSubscriber(redisClient))
	first := client.Subscribe(context.Background(), nil, nil, nil)
	second := client.Subscribe(context.Background(), nil, nil, nil)
	if first != second {
		t.Fatal("expected one channel per identity")
	}
	first.Close()

	// After an explicit close a fresh subscription may be opened.
	third := client.Subscribe(context.Background(), nil, nil, nil)
	if third == first {
		t.Fatal("closed subscription reused")
	}
	third.Close()
}
