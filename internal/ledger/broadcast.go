package ledger

import "sync"

type NotificationKind string

const (
	KindOrder   NotificationKind = "order"
	KindUnread  NotificationKind = "unread"
	KindPreview NotificationKind = "preview"
)

// Notification says that something changed for a key (or globally when Key
// is empty). It deliberately carries no payload: consumers re-read the
// ledger, which avoids stale-payload races because every write
// happens-before its notification.
type Notification struct {
	Kind NotificationKind `json:"kind"`
	Key  string           `json:"key,omitempty"`
}

// broadcaster fans notifications out to same-process watchers. Delivery is
// fire-and-forget: a watcher that cannot keep up loses notifications rather
// than blocking ledger writes.
type broadcaster struct {
	mu       *sync.Mutex
	watchers map[int]chan Notification
	next     *int
}

func newBroadcaster() broadcaster {
	next := 0
	return broadcaster{
		mu:       &sync.Mutex{},
		watchers: make(map[int]chan Notification),
		next:     &next,
	}
}

// Watch registers a consumer. The returned cancel unregisters it and closes
// the channel.
func (b broadcaster) Watch() (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := *b.next
	*b.next++
	ch := make(chan Notification, 16)
	b.watchers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.watchers[id]; ok {
			delete(b.watchers, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (b broadcaster) notify(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.watchers {
		select {
		case ch <- n:
		default:
		}
	}
}
