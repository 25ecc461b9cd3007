package server

import "github.com/prometheus/client_golang/prometheus"

var spawnsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aictl",
		Subsystem: "server",
		Name:      "spawns_total",
		Help:      "Server spawn attempts by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(spawnsTotal)
}
