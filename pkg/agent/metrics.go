package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the bot's Prometheus collectors. A nil registerer yields
// working but unregistered collectors.
type Metrics struct {
	MessagesReceived prometheus.Counter
	Replies          *prometheus.CounterVec
	Announces        *prometheus.CounterVec
	PathResolve      prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "meshecho_messages_received_total",
			Help: "Total inbound messages handed to the reply pipeline",
		}),
		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshecho_replies_total",
			Help: "Reply pipeline terminal outcomes",
		}, []string{"outcome"}),
		Announces: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshecho_announces_total",
			Help: "Announces attempted",
		}, []string{"result"}), // "ok" or "error"
		PathResolve: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshecho_path_resolve_seconds",
			Help:    "Time spent waiting for a path to the sender",
			Buckets: []float64{.01, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		}),
	}
}
