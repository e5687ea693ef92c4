// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TilesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compositor_tiles_processed_total",
		Help: "Number of tiles reduced by the engine.",
	})
	ChunkReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compositor_chunk_read_errors_total",
		Help: "Number of per-date tile reads that failed and were treated as no observation.",
	})
	TileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "compositor_tile_duration_seconds",
		Help:    "Time spent reducing a single tile.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compositor_runs_total",
		Help: "Composite runs by outcome.",
	}, []string{"status"})
	RastersExcluded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compositor_rasters_excluded_total",
		Help: "Input rasters rejected by compatibility validation.",
	})
)
