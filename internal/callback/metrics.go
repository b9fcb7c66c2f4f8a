package callback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbridge",
		Subsystem: "callback",
		Name:      "pool_hits_total",
		Help:      "Total number of slots served from the pool",
	})
	metricPoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbridge",
		Subsystem: "callback",
		Name:      "pool_misses_total",
		Help:      "Total number of slots allocated because the pool was empty",
	})
	metricPoolDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbridge",
		Subsystem: "callback",
		Name:      "pool_drops_total",
		Help:      "Total number of released slots discarded because the pool was full",
	})
	metricDoubleReleases = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbridge",
		Subsystem: "callback",
		Name:      "double_releases_total",
		Help:      "Total number of slots released while already pooled",
	})
)
