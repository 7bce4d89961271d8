// Package pgmetrics exposes Prometheus gauges and counters for a
// pgsession.Manager's idle cache and connection lifecycle, following the
// promauto constructor style in
// itchan-dev-itchan/shared/middleware/metrics/metrics.go.
package pgmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgsession_cache_hits_total",
		Help: "Number of Manager.Session calls served from the idle cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgsession_cache_misses_total",
		Help: "Number of Manager.Session calls that dialed a new backend.",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgsession_cache_evictions_total",
		Help: "Number of idle connections evicted FIFO to respect max_connections.",
	})
	connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgsession_connections_open",
		Help: "Number of backend connections currently open (idle or in use).",
	})
)

// Recorder implements pgsession.MetricsRecorder against the package-level
// Prometheus collectors above.
type Recorder struct{}

// NewRecorder returns a Recorder. Construct at most one per process: the
// underlying collectors are package-level and registered once at import,
// the same singleton-by-package-var shape metrics.go uses.
func NewRecorder() Recorder { return Recorder{} }

func (Recorder) CacheHit()   { cacheHits.Inc() }
func (Recorder) CacheMiss()  { cacheMisses.Inc() }
func (Recorder) CacheEvict() { cacheEvictions.Inc() }

func (Recorder) ConnectionOpened() { connectionsOpen.Inc() }
func (Recorder) ConnectionClosed() { connectionsOpen.Dec() }
