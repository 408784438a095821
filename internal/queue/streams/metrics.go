package streams

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var streamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "specforge",
	Subsystem: "streams",
	Name:      "messages_total",
	Help:      "Stream messages by event type and outcome (published, delivered, rejected).",
}, []string{"event_type", "outcome"})

func recordStreamMessage(eventType, outcome string) {
	if eventType == "" {
		eventType = "unknown"
	}
	streamMessages.WithLabelValues(eventType, outcome).Inc()
}
