package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stoa_ws_sessions_active",
		Help: "Number of currently connected websocket sessions.",
	})

	metricSubmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stoa_messages_submitted_total",
		Help: "Message submit attempts by result.",
	}, []string{"result"})

	metricFanoutDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stoa_fanout_delivered_total",
		Help: "Events delivered to live session queues.",
	})

	metricFanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stoa_fanout_dropped_total",
		Help: "Events dropped due to session backpressure.",
	})
)

const (
	submitResultOK        = "ok"
	submitResultDuplicate = "duplicate"
	submitResultRejected  = "rejected"
	submitResultError     = "error"
)
