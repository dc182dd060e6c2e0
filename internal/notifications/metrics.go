package notifications

import (
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alarms"

const (
	statusSuccess     = "success"
	statusPartial     = "partial"
	statusFailed      = "failed"
	statusRejected    = "rejected"
	statusRateLimited = "rate_limited"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "deliveries_total",
			Help:      "Send calls by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	recipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "recipients_total",
			Help:      "Recipients attempted by channel and result",
		},
		[]string{"channel", "result"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time to deliver an alarm over a channel",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)
)

func recordDelivery(channel domain.ChannelType, status string) {
	deliveriesTotal.WithLabelValues(string(channel), status).Inc()
}

func recordRecipient(channel domain.ChannelType, ok bool) {
	result := "failed"
	if ok {
		result = "success"
	}
	recipientsTotal.WithLabelValues(string(channel), result).Inc()
}

func recordDuration(channel domain.ChannelType, d time.Duration) {
	sendDuration.WithLabelValues(string(channel)).Observe(d.Seconds())
}
