// Package metrics exposes Prometheus counters for the messaging core.
// Silent degradations (dropped subscriptions, best-effort mark-read
// failures) must be visible here even when they are not surfaced to users.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedEventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mednet_feed_events_applied_total",
		Help: "Change-feed events applied by the reconciliation engine.",
	}, []string{"type"})

	FeedEventsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mednet_feed_events_discarded_total",
		Help: "Change-feed events discarded as irrelevant or malformed.",
	})

	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mednet_feed_reconnects_total",
		Help: "Realtime subscription drops followed by a resubscribe attempt.",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mednet_messages_sent_total",
		Help: "Messages successfully persisted via send.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mednet_send_failures_total",
		Help: "Message sends that failed and were flagged on the optimistic entry.",
	})

	MarkReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mednet_mark_read_failures_total",
		Help: "Mark-read backend calls that failed after the optimistic ledger clear.",
	})

	StaleFetchesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mednet_stale_fetches_discarded_total",
		Help: "Conversation fetches that resolved after the conversation was switched.",
	})

	UnreadRecounts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mednet_unread_recounts_total",
		Help: "Full unread recounts run against the backend.",
	})
)
