package ratelimit

import (
	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alarms",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Sends rejected by rate limiters",
		},
		[]string{"scope", "channel"},
	)

	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alarms",
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Counter store failures by limiter scope",
		},
		[]string{"scope"},
	)
)

func recordRejection(scope string, channel domain.ChannelType) {
	rejections.WithLabelValues(scope, string(channel)).Inc()
}

func recordStoreError(scope string) {
	storeErrors.WithLabelValues(scope).Inc()
}
