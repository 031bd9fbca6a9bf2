package feed

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"mednet/api/internal/metrics"
)

// Handler receives decoded feed events. Handlers run on the subscription
// goroutine; they must not block for long.
type Handler func(Event)

// Subscription is a handle to an open realtime channel. Close cancels the
// subscription and waits for the delivery goroutine to exit, so no handler
// call happens after Close returns.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscriber maintains a pub/sub channel with automatic resubscribe. A
// dropped channel degrades the system to manual refresh until the
// resubscribe succeeds; every drop is logged and counted.
type Subscriber struct {
	client  *redis.Client
	backoff time.Duration
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client, backoff: time.Second}
}

// Subscribe opens the channel and delivers every decoded event to handler.
// onReconnect, if non-nil, runs after each successful resubscribe so callers
// can run a corrective recount for events missed while disconnected.
func (s *Subscriber) Subscribe(ctx context.Context, handler Handler, onReconnect func()) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, handler, onReconnect, sub.done)
	return sub
}

func (s *Subscriber) run(ctx context.Context, handler Handler, onReconnect func(), done chan struct{}) {
	defer close(done)

	backoff := s.backoff
	dropped := false
	for {
		pubsub := s.client.Subscribe(ctx, Channel)
		// Closing the pubsub is the only way to unblock the delivery loop
		// below, so a watcher closes it when the context is cancelled.
		// stopWatch retires the watcher on a normal resubscribe.
		stopWatch := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
			case <-stopWatch:
			}
		}()

		if _, err := pubsub.Receive(ctx); err != nil {
			close(stopWatch)
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			log.Printf("feed: subscribe failed, retrying in %s: %v", backoff, err)
		} else {
			if dropped && onReconnect != nil {
				onReconnect()
			}
			dropped = false
			backoff = s.backoff

			for msg := range pubsub.Channel() {
				if ctx.Err() != nil {
					break
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					metrics.FeedEventsDiscarded.Inc()
					log.Printf("feed: discarding malformed event: %v", err)
					continue
				}
				handler(event)
			}
			close(stopWatch)
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			metrics.FeedReconnects.Inc()
			dropped = true
			log.Printf("feed: subscription dropped, resubscribing in %s", backoff)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
