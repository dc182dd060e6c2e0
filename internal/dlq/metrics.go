package dlq

import (
	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alarms",
			Subsystem: "dlq",
			Name:      "items_captured_total",
			Help:      "Failed deliveries moved to the dead letter queue",
		},
		[]string{"channel", "error_type"},
	)

	reprocessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alarms",
			Subsystem: "dlq",
			Name:      "reprocess_total",
			Help:      "Dead letter reprocessing attempts by result",
		},
		[]string{"result"},
	)

	queueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "alarms",
			Subsystem: "dlq",
			Name:      "items",
			Help:      "Items in the dead letter queue at the last stats read",
		},
	)
)

func recordCaptured(channel domain.ChannelType, t ErrorType) {
	itemsCaptured.WithLabelValues(string(channel), string(t)).Inc()
}

func recordReprocess(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	reprocessed.WithLabelValues(result).Inc()
}

func recordSize(n int) {
	queueSize.Set(float64(n))
}
