package stitchz

import (
	"context"
	"slices"

	"github.com/zoobzio/clockz"
)

// LocalParentGuard ends the local parent scope opened by SetLocalParent.
type LocalParentGuard struct {
	st *stack
	f  *frame
}

// SetLocalParent makes s the local parent of the returned context, so that
// EnterWithLocalParent records children of s without any synchronization.
// The guard must be ended on the same goroutine, usually with defer.
// Local spans recorded under the guard are sent to the aggregator when it
// ends, or folded into the enclosing scope when that scope reports to the
// same traces.
func (s *Span) SetLocalParent(ctx context.Context) (context.Context, *LocalParentGuard) {
	if s == nil {
		if ctx == nil {
			ctx = context.Background()
		}
		return ctx, nil
	}
	ctx, st := withStack(ctx)
	f := &frame{
		tracer: s.tracer,
		clock:  s.tracer.clock,
		token:  s.issueToken(),
		frag:   newFragment(),
		spanID: s.raw.ID,
	}
	st.push(f)
	return ctx, &LocalParentGuard{st: st, f: f}
}

// End closes the scope. Safe to call multiple times.
func (g *LocalParentGuard) End() {
	if g == nil || g.f.done {
		return
	}
	below, ok := g.st.remove(g.f)
	g.f.done = true
	if !ok {
		return
	}

	f := g.f
	frag := f.frag
	f.frag = nil
	frag.end = f.clock.Now()

	if below != nil && !below.done && below.tracer == f.tracer && sameTargets(below.token, f.token) {
		// Fold into the enclosing frame; open spans end with this scope.
		for i := range frag.spans {
			raw := frag.spans[i]
			if raw.ParentID == 0 {
				raw.ParentID = f.spanID
			}
			if raw.Kind == RawKindSpan && raw.End.IsZero() {
				raw.End = frag.end
			}
			below.frag.spans = append(below.frag.spans, raw)
		}
		frag.release()
		return
	}
	f.tracer.submit(frag, f.token, false)
}

// LocalSpan is a span recorded into the current local scope. It must be
// used on the goroutine that created it. It is a small value so that
// entering a local span does not allocate; the zero LocalSpan is a valid
// no-op span.
type LocalSpan struct {
	f   *frame
	idx int
}

// EnterWithLocalParent records a child of the current local parent.
// Returns an inert LocalSpan when ctx has no local parent, so spans
// outside any traced scope cost nothing.
func EnterWithLocalParent(ctx context.Context, name string) LocalSpan {
	st := stackFrom(ctx)
	if st == nil {
		return LocalSpan{}
	}
	f := st.top()
	if f == nil || !f.recording() {
		return LocalSpan{}
	}
	f.frag.spans = append(f.frag.spans, RawSpan{
		ID:       st.ids.next(),
		ParentID: f.localParent(),
		Begin:    f.clock.Now(),
		Name:     name,
		Kind:     RawKindSpan,
	})
	idx := len(f.frag.spans) - 1
	f.open = append(f.open, idx)
	return LocalSpan{f: f, idx: idx}
}

// Recording reports whether the span records anything. Use it to skip
// building expensive properties.
func (l LocalSpan) Recording() bool {
	return l.f != nil && !l.f.done
}

// ID returns the span id, or zero for an inert span.
func (l LocalSpan) ID() SpanID {
	if !l.Recording() {
		return 0
	}
	return l.f.frag.spans[l.idx].ID
}

// AddProperty adds a key-value pair to the span.
func (l LocalSpan) AddProperty(key, value string) {
	if !l.Recording() {
		return
	}
	raw := &l.f.frag.spans[l.idx]
	raw.Properties = append(raw.Properties, Property{Key: key, Value: value})
}

// WithProperty adds a key-value pair and returns l for chaining.
func (l LocalSpan) WithProperty(key, value string) LocalSpan {
	l.AddProperty(key, value)
	return l
}

// AddEvent records ev under this span.
func (l LocalSpan) AddEvent(ev Event) {
	if !l.Recording() {
		return
	}
	now := l.f.clock.Now()
	l.f.frag.spans = append(l.f.frag.spans, RawSpan{
		ParentID:   l.f.frag.spans[l.idx].ID,
		Begin:      now,
		End:        now,
		Name:       ev.Name,
		Properties: slices.Clone(ev.Properties),
		Kind:       RawKindEvent,
	})
}

// End stamps the end time. Safe to call multiple times.
func (l LocalSpan) End() {
	if !l.Recording() {
		return
	}
	i := slices.Index(l.f.open, l.idx)
	if i < 0 {
		return
	}
	l.f.open = slices.Delete(l.f.open, i, i+1)
	l.f.frag.spans[l.idx].End = l.f.clock.Now()
}

// AddLocalEvent records ev under the current local span, or under the
// local parent when no local span is open. No-op without a local parent.
func AddLocalEvent(ctx context.Context, ev Event) {
	f := recordingFrame(ctx)
	if f == nil {
		return
	}
	now := f.clock.Now()
	f.frag.spans = append(f.frag.spans, RawSpan{
		ParentID:   f.localParent(),
		Begin:      now,
		End:        now,
		Name:       ev.Name,
		Properties: slices.Clone(ev.Properties),
		Kind:       RawKindEvent,
	})
}

// AddLocalProperty adds a key-value pair to the current local span, or to
// the local parent when no local span is open. No-op without a local parent.
func AddLocalProperty(ctx context.Context, key, value string) {
	f := recordingFrame(ctx)
	if f == nil {
		return
	}
	if i := f.parentIndex(); i >= 0 {
		raw := &f.frag.spans[i]
		raw.Properties = append(raw.Properties, Property{Key: key, Value: value})
		return
	}
	now := f.clock.Now()
	f.frag.spans = append(f.frag.spans, RawSpan{
		Begin:      now,
		End:        now,
		Properties: []Property{{Key: key, Value: value}},
		Kind:       RawKindProperties,
	})
}

func recordingFrame(ctx context.Context) *frame {
	st := stackFrom(ctx)
	if st == nil {
		return nil
	}
	f := st.top()
	if f == nil || !f.recording() {
		return nil
	}
	return f
}

// CurrentLocalParent returns the context of the innermost local span, or
// of the local parent when no local span is open. Returns false without a
// local parent or inside a LocalCollector scope.
func CurrentLocalParent(ctx context.Context) (SpanContext, bool) {
	st := stackFrom(ctx)
	if st == nil {
		return SpanContext{}, false
	}
	f := st.top()
	if f == nil || f.tracer == nil || len(f.token) == 0 {
		return SpanContext{}, false
	}
	id := f.localParent()
	if id == 0 {
		id = f.spanID
	}
	return SpanContext{
		TraceID: f.token[0].TraceID,
		SpanID:  id,
		Sampled: f.recording(),
	}, true
}

// LocalCollector gathers local spans without a tracer, for example on a
// hot path that decides only afterwards where the spans belong.
type LocalCollector struct {
	st *stack
	f  *frame
}

// StartLocalCollector opens a scope that records local spans until Collect.
// It must be collected on the same goroutine.
func StartLocalCollector(ctx context.Context) (context.Context, *LocalCollector) {
	ctx, st := withStack(ctx)
	f := &frame{
		clock: clockz.RealClock,
		frag:  newFragment(),
	}
	st.push(f)
	return ctx, &LocalCollector{st: st, f: f}
}

// WithClock makes the collector timestamp spans with clock.
func (c *LocalCollector) WithClock(clock clockz.Clock) *LocalCollector {
	if c != nil && !c.f.done {
		c.f.clock = clock
	}
	return c
}

// Collect closes the scope and returns what it recorded. Spans still open
// end at collection time. A second call returns empty LocalSpans.
func (c *LocalCollector) Collect() LocalSpans {
	if c == nil || c.f.done {
		return LocalSpans{}
	}
	c.f.done = true
	if _, ok := c.st.remove(c.f); !ok {
		return LocalSpans{}
	}
	frag := c.f.frag
	c.f.frag = nil
	frag.end = c.f.clock.Now()
	return LocalSpans{frag: frag}
}

// LocalSpans is an immutable batch of local spans. It may be pushed under
// any number of spans; the data is shared, not copied.
type LocalSpans struct {
	frag *fragment
}

// Len returns the number of raw spans, events and property updates.
func (l LocalSpans) Len() int {
	if l.frag == nil {
		return 0
	}
	return len(l.frag.spans)
}

// ToSpanRecords resolves the batch into records under parent without going
// through a tracer.
func (l LocalSpans) ToSpanRecords(parent SpanContext) []SpanRecord {
	if l.Len() == 0 {
		return nil
	}
	danglings := make(map[SpanID][]danglingItem)
	records := reassemble(nil, []spanCollection{{
		frag:     l.frag,
		traceID:  parent.TraceID,
		parentID: parent.SpanID,
		shared:   true,
	}}, danglings)
	mountDanglings(records, danglings)
	return records
}
