// Package metrics exports session events as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/tabunloader/schema"
)

const namespace = "tabunloader"

// Recorder implements core.EventSink on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	batches        *prometheus.CounterVec
	tabs           *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	indicator      *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	statsTotal     prometheus.Gauge
	statsLoaded    prometheus.Gauge
	statsLoading   prometheus.Gauge
	statsRecompute prometheus.Counter
}

// New builds a recorder. Process and Go runtime collectors are included
// when withRuntime is set.
func New(withRuntime bool) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discard_batches_total",
			Help:      "Settled non-empty discard batches by selection.",
		}, []string{"selection"}),
		tabs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discard_tabs_total",
			Help:      "Per-tab discard results by selection and result.",
		}, []string{"selection", "result"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discard_batch_duration_seconds",
			Help:      "Wall time from batch issue to settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"selection"}),
		indicator: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indicator_state",
			Help:      "1 for the current indicator state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indicator_transitions_total",
			Help:      "Indicator transitions by target state.",
		}, []string{"to"}),
		statsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tabs_total",
			Help:      "Discardable tabs in the last stats snapshot.",
		}),
		statsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tabs_loaded",
			Help:      "Loaded discardable tabs in the last stats snapshot.",
		}),
		statsLoading: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tabs_loading",
			Help:      "Loading discardable tabs in the last stats snapshot.",
		}),
		statsRecompute: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_recomputes_total",
			Help:      "Stats snapshots computed from a host query.",
		}),
	}
	r.registry.MustRegister(
		r.batches, r.tabs, r.batchDuration, r.indicator, r.transitions,
		r.statsTotal, r.statsLoaded, r.statsLoading, r.statsRecompute,
	)
	if withRuntime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	r.setIndicator(schema.IndicatorNormal)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) OnIndicator(event schema.IndicatorEvent) {
	r.transitions.WithLabelValues(event.To.String()).Inc()
	r.setIndicator(event.To)
}

func (r *Recorder) OnDiscard(event schema.DiscardEvent) {
	selection := string(event.Selection)
	r.batches.WithLabelValues(selection).Inc()
	r.batchDuration.WithLabelValues(selection).Observe(event.Duration.Seconds())
	for _, res := range event.Outcome.Results {
		r.tabs.WithLabelValues(selection, ResultLabel(res.Err)).Inc()
	}
}

func (r *Recorder) OnStats(event schema.StatsEvent) {
	r.statsRecompute.Inc()
	r.statsTotal.Set(float64(event.Snapshot.Total))
	r.statsLoaded.Set(float64(event.Snapshot.Loaded))
	r.statsLoading.Set(float64(event.Snapshot.Loading))
}

func (r *Recorder) setIndicator(current schema.IndicatorState) {
	for _, state := range []schema.IndicatorState{schema.IndicatorNormal, schema.IndicatorBusy, schema.IndicatorUnloaded} {
		value := 0.0
		if state == current {
			value = 1
		}
		r.indicator.WithLabelValues(state.String()).Set(value)
	}
}

// ResultLabel maps a per-tab discard error to a bounded label value.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, schema.ErrTabNotFound):
		return "not_found"
	case errors.Is(err, schema.ErrTabLoading):
		return "loading"
	case errors.Is(err, schema.ErrTabActive):
		return "active"
	case errors.Is(err, schema.ErrHostUnavailable):
		return "host_unavailable"
	default:
		return "error"
	}
}
