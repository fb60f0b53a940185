package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cortexfeed"

// Collectors are the Prometheus series exported by the ingestion service.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	RunsTotal      *prometheus.CounterVec
	ItemsTotal     *prometheus.CounterVec
	SymbolErrors   *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	SchedulerSkips *prometheus.CounterVec
	SourceDisabled *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewCollectors registers all series on a fresh registry.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Ingestion runs by source and outcome",
		}, []string{"source", "status"}),
		ItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Items ingested by source and kind",
		}, []string{"source", "kind"}),
		SymbolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "symbol_errors_total",
			Help:      "Symbols that failed after retries",
		}, []string{"source"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of ingestion runs",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"source"}),
		SchedulerSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skips_total",
			Help:      "Scheduled ticks skipped by reason",
		}, []string{"source", "reason"}),
		SourceDisabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_disabled",
			Help:      "1 when the source is in the runtime disable set",
		}, []string{"source"}),
	}

	c.registry.MustRegister(
		c.RunsTotal,
		c.ItemsTotal,
		c.SymbolErrors,
		c.RunDuration,
		c.SchedulerSkips,
		c.SourceDisabled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SchedulerSkip counts a skipped tick.
func (c *Collectors) SchedulerSkip(source, reason string) {
	if c == nil {
		return
	}
	c.SchedulerSkips.WithLabelValues(source, reason).Inc()
}

// SetDisabled mirrors the disable set for one source.
func (c *Collectors) SetDisabled(source string, disabled bool) {
	if c == nil {
		return
	}
	v := 0.0
	if disabled {
		v = 1
	}
	c.SourceDisabled.WithLabelValues(source).Set(v)
}

func (c *Collectors) observeRun(source string, success bool, d time.Duration, counts Counts) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	c.RunsTotal.WithLabelValues(source, status).Inc()
	c.RunDuration.WithLabelValues(source).Observe(d.Seconds())
	c.ItemsTotal.WithLabelValues(source, "prices").Add(float64(counts.Prices))
	c.ItemsTotal.WithLabelValues(source, "news").Add(float64(counts.News))
	c.ItemsTotal.WithLabelValues(source, "data").Add(float64(counts.Data))
	if counts.Errors > 0 {
		c.SymbolErrors.WithLabelValues(source).Add(float64(counts.Errors))
	}
}
