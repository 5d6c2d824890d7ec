package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics exposes the serving-path counters on /metrics. Each server
// owns its registry so repeated construction (tests, embedding) never
// collides on the global one.
type metrics struct {
	registry      *prometheus.Registry
	tilesServed   *prometheus.CounterVec
	tileDuration  prometheus.Histogram
	pyramidsStart prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		tilesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tiler_tiles_served_total",
			Help: "Tiles answered by the serving path, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		tileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tiler_tile_duration_seconds",
			Help:    "Wall time of one tile request.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		pyramidsStart: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tiler_pyramids_started_total",
			Help: "Pyramid builds accepted.",
		}),
	}
	m.registry.MustRegister(m.tilesServed, m.tileDuration, m.pyramidsStart)
	return m
}
