// Package otelreporter hands stitchz span records to an OpenTelemetry span
// exporter, so traces can be shipped by any exporter of the OpenTelemetry
// SDK (stdout, OTLP, in-memory).
package otelreporter

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/zoobzio/stitchz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope attached to exported spans.
const ScopeName = "github.com/zoobzio/stitchz"

// DefaultTimeout bounds a single export call.
const DefaultTimeout = 5 * time.Second

// Reporter converts span records to read-only OpenTelemetry spans and
// exports them. Export errors are logged and the batch is dropped.
type Reporter struct {
	exporter sdktrace.SpanExporter
	logger   hclog.Logger
	resource *resource.Resource
	scope    instrumentation.Scope
	kind     trace.SpanKind
	timeout  time.Duration
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the logger for export failures.
func WithLogger(logger hclog.Logger) Option {
	return func(r *Reporter) {
		r.logger = logger
	}
}

// WithResource sets the resource describing the traced process.
func WithResource(res *resource.Resource) Option {
	return func(r *Reporter) {
		r.resource = res
	}
}

// WithServiceName sets a resource carrying only service.name.
func WithServiceName(name string) Option {
	return WithResource(resource.NewSchemaless(attribute.String("service.name", name)))
}

// WithSpanKind sets the kind of every exported span. Defaults to internal.
func WithSpanKind(kind trace.SpanKind) Option {
	return func(r *Reporter) {
		r.kind = kind
	}
}

// WithTimeout bounds each export call.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Reporter) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// New creates a Reporter exporting through exporter.
func New(exporter sdktrace.SpanExporter, opts ...Option) *Reporter {
	r := &Reporter{
		exporter: exporter,
		logger:   hclog.NewNullLogger(),
		resource: resource.Empty(),
		scope:    instrumentation.Scope{Name: ScopeName},
		kind:     trace.SpanKindInternal,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report exports records as one batch.
func (r *Reporter) Report(records []stitchz.SpanRecord) {
	spans := make([]sdktrace.ReadOnlySpan, len(records))
	for i := range records {
		spans[i] = r.snapshot(&records[i])
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.exporter.ExportSpans(ctx, spans); err != nil {
		r.logger.Error("span export failed", "spans", len(spans), "error", err)
	}
}

// Shutdown flushes and stops the exporter.
func (r *Reporter) Shutdown(ctx context.Context) error {
	return r.exporter.Shutdown(ctx)
}

func (r *Reporter) snapshot(rec *stitchz.SpanRecord) sdktrace.ReadOnlySpan {
	traceID := trace.TraceID(rec.TraceID)
	start := time.Unix(0, int64(rec.BeginUnixNano))

	stub := tracetest.SpanStub{
		Name: rec.Name,
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID(rec.SpanID),
			TraceFlags: trace.FlagsSampled,
		}),
		SpanKind:             r.kind,
		StartTime:            start,
		EndTime:              start.Add(time.Duration(rec.DurationNano)),
		Attributes:           attributes(rec.Properties),
		Resource:             r.resource,
		InstrumentationScope: r.scope,
	}
	if rec.ParentID != 0 {
		stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID(rec.ParentID),
			TraceFlags: trace.FlagsSampled,
		})
	}
	if len(rec.Events) > 0 {
		stub.Events = make([]sdktrace.Event, len(rec.Events))
		for i, ev := range rec.Events {
			stub.Events[i] = sdktrace.Event{
				Name:       ev.Name,
				Attributes: attributes(ev.Properties),
				Time:       time.Unix(0, int64(ev.TimestampUnixNano)),
			}
		}
	}
	return stub.Snapshot()
}

func spanID(id stitchz.SpanID) trace.SpanID {
	var out trace.SpanID
	binary.BigEndian.PutUint64(out[:], uint64(id))
	return out
}

func attributes(props []stitchz.Property) []attribute.KeyValue {
	if len(props) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, len(props))
	for i, p := range props {
		out[i] = attribute.String(p.Key, p.Value)
	}
	return out
}
