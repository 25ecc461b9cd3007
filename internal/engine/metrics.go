package engine

import "github.com/prometheus/client_golang/prometheus"

var exchangesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aictl",
		Subsystem: "engine",
		Name:      "exchanges_total",
		Help:      "Completed prompt exchanges by mode and terminal outcome",
	},
	[]string{"mode", "outcome"},
)

func init() {
	prometheus.MustRegister(exchangesTotal)
}
