package modempool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolModems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "alarms",
			Subsystem: "modem_pool",
			Name:      "modems",
			Help:      "Modems in the pool roster by health",
		},
		[]string{"health"},
	)

	modemSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alarms",
			Subsystem: "modem_pool",
			Name:      "sends_total",
			Help:      "SMS sends by modem and result",
		},
		[]string{"modem_id", "result"},
	)
)

func recordPool(total, healthy int) {
	poolModems.WithLabelValues("healthy").Set(float64(healthy))
	poolModems.WithLabelValues("unhealthy").Set(float64(total - healthy))
}

func recordSend(modemID string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	modemSends.WithLabelValues(modemID, result).Inc()
}
