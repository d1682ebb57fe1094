package quenchd

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsInternal is the process-internal Prometheus surface,
// served on the data mux at /metrics. Each View/run gets its
// own registry so tests never fight over global registration.
type StatsInternal struct {
	reg       *prometheus.Registry
	samples   prometheus.Counter
	quenches  prometheus.Counter
	strikes   prometheus.Counter
	readTimer prometheus.Histogram
	www       *prometheus.CounterVec
}

// NewStatsInternal creates an attached prometheus registry
func NewStatsInternal() *StatsInternal {
	samples := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quenchd_samples_accepted_total",
		Help: "Samples classified and appended to the run log.",
	})
	quenches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quenchd_quench_markers_total",
		Help: "Quench markers observed in the measurement stream.",
	})
	strikes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quenchd_read_strikes_total",
		Help: "Acquisition iterations that failed classification or I/O.",
	})
	readTimer := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quenchd_meter_read_seconds",
		Help:    "Latency of one measurement-instrument read.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	www := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quenchd_http_requests_total",
		Help: "API requests by status and method.",
	}, []string{"status", "method"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(samples, quenches, strikes, readTimer, www)

	return &StatsInternal{
		reg:       reg,
		samples:   samples,
		quenches:  quenches,
		strikes:   strikes,
		readTimer: readTimer,
		www:       www,
	}
}

// Handler serves this registry for scraping
func (si *StatsInternal) Handler() http.Handler {
	return promhttp.HandlerFor(si.reg, promhttp.HandlerOpts{})
}

func (si *StatsInternal) RecSample()  { si.samples.Inc() }
func (si *StatsInternal) RecQuench() { si.quenches.Inc() }
func (si *StatsInternal) RecStrike() { si.strikes.Inc() }

// RecReadTimer records how long one instrument read took
func (si *StatsInternal) RecReadTimer(d time.Duration) {
	si.readTimer.Observe(d.Seconds())
}

// RecWWW counts one API request
func (si *StatsInternal) RecWWW(status, method string) {
	si.www.WithLabelValues(status, method).Inc()
}
