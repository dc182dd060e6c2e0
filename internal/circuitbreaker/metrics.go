package circuitbreaker

import (
	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var breakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "alarms",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Circuit breaker state by channel (0=closed, 1=half_open, 2=open)",
	},
	[]string{"channel"},
)

func recordState(channel domain.ChannelType, s State) {
	var v float64
	switch s {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	breakerState.WithLabelValues(string(channel)).Set(v)
}
