package stitchz

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "stitchz"

// metrics are the operational counters of one tracer. Channel saturation
// and dropped data surface here rather than as errors.
type metrics struct {
	commands           *prometheus.CounterVec
	commandsByKind     [cmdSubmitSpans + 1]prometheus.Counter
	recordsReported    prometheus.Counter
	cycles             prometheus.Counter
	staleFragments     prometheus.Counter
	discardedFragments prometheus.Counter
	activeTraces       prometheus.Gauge
	channels           prometheus.Gauge
	pressure           prometheus.Counter
	overflowed         prometheus.Counter
	dropped            prometheus.Counter
	reporterPanics     prometheus.Counter
}

// newMetrics creates the tracer metrics and registers them with reg.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Commands drained by the aggregator, by kind.",
		}, []string{"kind"}),
		recordsReported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_reported_total",
			Help:      "Span records handed to the reporter.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "report_cycles_total",
			Help:      "Aggregation cycles run.",
		}),
		staleFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_fragments_total",
			Help:      "Fragments reassembled without an active trace.",
		}),
		discardedFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discarded_fragments_total",
			Help:      "Fragments discarded because their trace was dropped or held for commit.",
		}),
		activeTraces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_traces",
			Help:      "Traces started and not yet committed or dropped.",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "channels",
			Help:      "Producer channels registered with the aggregator.",
		}),
		pressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pressure_notifications_total",
			Help:      "Early wake-ups of the aggregator caused by channel pressure.",
		}),
		overflowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "overflowed_commands_total",
			Help:      "Commands that did not fit a channel and were queued by the producer.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_commands_total",
			Help:      "Commands lost because their channel was closed.",
		}),
		reporterPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reporter_panics_total",
			Help:      "Reporter calls that panicked.",
		}),
	}
	m.commands = register(reg, m.commands)
	m.recordsReported = register(reg, m.recordsReported)
	m.cycles = register(reg, m.cycles)
	m.staleFragments = register(reg, m.staleFragments)
	m.discardedFragments = register(reg, m.discardedFragments)
	m.activeTraces = register(reg, m.activeTraces)
	m.channels = register(reg, m.channels)
	m.pressure = register(reg, m.pressure)
	m.overflowed = register(reg, m.overflowed)
	m.dropped = register(reg, m.dropped)
	m.reporterPanics = register(reg, m.reporterPanics)

	for k := range m.commandsByKind {
		m.commandsByKind[k] = m.commands.WithLabelValues(commandKind(k).String())
	}
	return m
}

// register registers c, or returns the collector already registered under
// the same name so that tracers sharing a registerer share their metrics.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	return c
}
