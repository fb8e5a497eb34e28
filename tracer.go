package stitchz

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/stitchz/internal/spsc"
)

// Tracer owns one aggregator and the command bus feeding it.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	cfg        Config
	clock      clockz.Clock
	logger     hclog.Logger
	registerer prometheus.Registerer
	panicHook  func(r any)
	reporter   Reporter
	metrics    *metrics
	bus        *commandBus
	agg        *aggregator
	nextID     atomic.Uint64
	closeOnce  sync.Once
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock sets the clock used for span timestamps and the report timer.
// Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(t *Tracer) {
		t.clock = clock
	}
}

// WithLogger sets the logger of the aggregator.
func WithLogger(logger hclog.Logger) Option {
	return func(t *Tracer) {
		t.logger = logger
	}
}

// WithRegisterer registers the tracer metrics with reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracer) {
		t.registerer = reg
	}
}

// WithPanicHook sets a function called when the reporter panics.
func WithPanicHook(hook func(r any)) Option {
	return func(t *Tracer) {
		t.panicHook = hook
	}
}

// New creates a tracer reporting to reporter and starts its aggregator.
// Unusable config values are replaced by their defaults.
func New(reporter Reporter, cfg Config, opts ...Option) *Tracer {
	t := &Tracer{
		cfg:    cfg.withDefaults(),
		clock:  clockz.RealClock,
		logger: hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.registerer == nil {
		t.registerer = prometheus.NewRegistry()
	}
	if reporter == nil {
		t.logger.Warn("no reporter configured, span records will be discarded")
		reporter = ReporterFunc(func([]SpanRecord) {})
	}
	t.reporter = reporter

	t.metrics = newMetrics(t.registerer)
	t.bus = newCommandBus(t.cfg.ChannelCapacity, t.cfg.SenderPoolSize, t.metrics)
	t.agg = newAggregator(t.bus, reporter, t.cfg, t.clock, t.logger.Named("aggregator"), t.metrics, t.panicHook)
	go t.agg.loop()

	return t
}

// Config returns the effective configuration.
func (t *Tracer) Config() Config {
	return t.cfg
}

// Flush blocks until the aggregator has run one full cycle. Commands sent
// before Flush are part of that cycle. Returns immediately after Close.
func (t *Tracer) Flush() {
	if t == nil {
		return
	}
	ack := make(chan struct{})
	select {
	case t.agg.flushCh <- ack:
	case <-t.agg.done:
		return
	}
	select {
	case <-ack:
	case <-t.agg.done:
	}
}

// Close runs a final cycle, stops the aggregator and closes the command
// bus. Spans ended afterwards are discarded. Safe to call multiple times.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.closeOnce.Do(func() {
		close(t.agg.stopCh)
		select {
		case <-t.agg.done:
			// Clean shutdown completed.
		case <-time.After(t.cfg.ShutdownTimeout):
			t.logger.Warn("aggregator did not stop in time", "timeout", t.cfg.ShutdownTimeout)
		}
		if dropped := t.bus.close(); dropped > 0 {
			t.logger.Warn("commands dropped at shutdown", "commands", dropped)
		}
	})
}

// nextCollectID allocates the id of a new in-flight trace.
func (t *Tracer) nextCollectID() uint64 {
	return t.nextID.Add(1)
}

// send runs fn with an exclusive sender. Nothing is sent once the tracer
// is closed.
func (t *Tracer) send(fn func(tx *spsc.Sender[command])) {
	tx := t.bus.acquire()
	if tx == nil {
		return
	}
	defer t.bus.release(tx)
	fn(tx)
}

// submit sends a fragment to the traces of token. The fragment is
// recycled when no sampled trace wants it.
func (t *Tracer) submit(frag *fragment, token []collectTokenItem, shared bool) {
	token = sampledItems(token)
	if len(token) == 0 || len(frag.spans) == 0 {
		if !shared {
			frag.release()
		}
		return
	}
	t.send(func(tx *spsc.Sender[command]) {
		t.bus.push(tx, command{kind: cmdSubmitSpans, frag: frag, token: token, shared: shared})
	})
}
