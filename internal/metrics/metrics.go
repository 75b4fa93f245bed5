// Package metrics exposes Prometheus collectors for the messaging core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_active_channels",
			Help: "Number of identities with a live delivery channel on this instance",
		},
	)

	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_messages_persisted_total",
			Help: "Messages accepted and durably stored",
		},
	)

	MessagesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_messages_deduplicated_total",
			Help: "Sends collapsed onto an existing message by client nonce",
		},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_messages_delivered_total",
			Help: "Push frames accepted by a live recipient channel",
		},
		[]string{"route"}, // "local" or "redis"
	)

	PushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_push_failures_total",
			Help: "Push attempts that found no live channel or a full send buffer",
		},
	)

	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "messaging_send_duration_seconds",
			Help:    "Wall time of the synchronous send path, validation through persistence",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadCursorAdvances = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_read_cursor_advances_total",
			Help: "MarkRead calls that moved a cursor forward",
		},
	)
)
