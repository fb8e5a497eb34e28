package stitchz

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zoobzio/stitchz/internal/spsc"
)

// Span is a unit of work that may outlive the goroutine that started it.
// Safe for concurrent use by multiple goroutines. A nil *Span is a valid
// no-op span: every method does nothing.
type Span struct {
	tracer   *Tracer
	token    []collectTokenItem // Where this span's own record attaches.
	events   []RawSpan
	raw      RawSpan
	traceID  TraceID
	mu       sync.Mutex // Protects raw, events, ended and canceled.
	sampled  bool
	ended    bool
	canceled bool
}

// Root starts a new trace under parent, which is usually decoded from an
// incoming request or created with RandomSpanContext. When parent is not
// sampled, the span and its descendants propagate context but produce no
// records.
func (t *Tracer) Root(name string, parent SpanContext) *Span {
	if t == nil {
		return nil
	}
	collectID := t.nextCollectID()
	s := &Span{
		tracer:  t,
		traceID: parent.TraceID,
		sampled: parent.Sampled,
		raw: RawSpan{
			ID:    NewSpanID(),
			Begin: t.clock.Now(),
			Name:  name,
			Kind:  RawKindSpan,
		},
		token: []collectTokenItem{{
			TraceID:   parent.TraceID,
			ParentID:  parent.SpanID,
			CollectID: collectID,
			IsRoot:    true,
			IsSampled: parent.Sampled,
		}},
	}
	if parent.Sampled {
		t.send(func(tx *spsc.Sender[command]) {
			t.bus.forcePush(tx, command{kind: cmdStartCollect, collectID: collectID})
		})
	}
	return s
}

// EnterWithParent starts a child of parent. Returns nil if parent is nil.
func EnterWithParent(name string, parent *Span) *Span {
	if parent == nil {
		return nil
	}
	return parent.tracer.newChild(name, parent.traceID, parent.issueToken(), NewSpanID())
}

// EnterWithParents starts a span that belongs to every parent at once; its
// record shows up in each parent's trace. Parents of another tracer than
// the first non-nil parent are ignored. Returns nil without parents.
func EnterWithParents(name string, parents ...*Span) *Span {
	var first *Span
	var token []collectTokenItem
	for _, p := range parents {
		if p == nil {
			continue
		}
		if first == nil {
			first = p
		}
		if p.tracer != first.tracer {
			continue
		}
		token = append(token, p.issueToken()...)
	}
	if first == nil {
		return nil
	}
	return first.tracer.newChild(name, first.traceID, token, NewSpanID())
}

// StartWithLocalParent starts a child of the current local parent in ctx.
// Returns nil when ctx has no local parent.
func StartWithLocalParent(ctx context.Context, name string) *Span {
	st := stackFrom(ctx)
	if st == nil {
		return nil
	}
	f := st.top()
	if f == nil || f.tracer == nil {
		return nil
	}
	token := f.currentToken()
	return f.tracer.newChild(name, token[0].TraceID, token, st.ids.next())
}

func (t *Tracer) newChild(name string, traceID TraceID, token []collectTokenItem, id SpanID) *Span {
	sampled := false
	for _, item := range token {
		sampled = sampled || item.IsSampled
	}
	return &Span{
		tracer:  t,
		traceID: traceID,
		sampled: sampled,
		token:   token,
		raw: RawSpan{
			ID:    id,
			Begin: t.clock.Now(),
			Name:  name,
			Kind:  RawKindSpan,
		},
	}
}

// issueToken returns the token that attaches children under this span.
// The token and the span id never change, so no lock is needed.
func (s *Span) issueToken() []collectTokenItem {
	out := make([]collectTokenItem, len(s.token))
	for i, item := range s.token {
		item.ParentID = s.raw.ID
		item.IsRoot = false
		out[i] = item
	}
	return out
}

// rootCollects returns the sampled traces this span is the root of.
func (s *Span) rootCollects() []uint64 {
	var ids []uint64
	for _, item := range s.token {
		if item.IsRoot && item.IsSampled {
			ids = append(ids, item.CollectID)
		}
	}
	return ids
}

// ID returns the span id, or zero for a nil span.
func (s *Span) ID() SpanID {
	if s == nil {
		return 0
	}
	return s.raw.ID
}

// SpanContext returns the context to propagate to children in other
// processes.
func (s *Span) SpanContext() SpanContext {
	if s == nil {
		return SpanContext{}
	}
	return SpanContext{TraceID: s.traceID, SpanID: s.raw.ID, Sampled: s.sampled}
}

// SpanContextFromSpan returns the context of s, or false for a nil span.
func SpanContextFromSpan(s *Span) (SpanContext, bool) {
	if s == nil {
		return SpanContext{}, false
	}
	return s.SpanContext(), true
}

// AddProperty adds a key-value pair to the span.
// No-op if span is already ended.
func (s *Span) AddProperty(key, value string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || !s.sampled {
		return
	}
	s.raw.Properties = append(s.raw.Properties, Property{Key: key, Value: value})
}

// WithProperty adds a key-value pair and returns s for chaining.
func (s *Span) WithProperty(key, value string) *Span {
	s.AddProperty(key, value)
	return s
}

// AddEvent records ev at the current time.
// No-op if span is already ended.
func (s *Span) AddEvent(ev Event) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || !s.sampled {
		return
	}
	now := s.tracer.clock.Now()
	s.events = append(s.events, RawSpan{
		ParentID:   s.raw.ID,
		Begin:      now,
		End:        now,
		Name:       ev.Name,
		Properties: slices.Clone(ev.Properties),
		Kind:       RawKindEvent,
	})
}

// Elapsed returns the time since the span started, or its duration once
// ended, never less than zero. Returns false for a nil span.
func (s *Span) Elapsed() (time.Duration, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var d time.Duration
	if s.ended {
		d = s.raw.End.Sub(s.raw.Begin)
	} else {
		d = s.tracer.clock.Since(s.raw.Begin)
	}
	return max(d, 0), true
}

// PushChildSpans attaches spans collected with a LocalCollector as
// children of s. The same LocalSpans may be pushed under several spans;
// it is shared, never copied.
func (s *Span) PushChildSpans(spans LocalSpans) {
	if s == nil || spans.Len() == 0 {
		return
	}
	s.mu.Lock()
	canceled := s.canceled
	s.mu.Unlock()
	if canceled {
		return
	}
	s.tracer.submit(spans.frag, s.issueToken(), true)
}

// Cancel discards the span. For a root span the whole trace is dropped;
// for other spans only their own record. No-op after End.
func (s *Span) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.ended || s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	s.mu.Unlock()

	roots := s.rootCollects()
	if len(roots) == 0 {
		return
	}
	t := s.tracer
	t.send(func(tx *spsc.Sender[command]) {
		for _, id := range roots {
			t.bus.forcePush(tx, command{kind: cmdDropCollect, collectID: id})
		}
	})
}

// End completes the span and sends it to the aggregator. Ending a root
// span commits its trace. Safe to call multiple times - subsequent calls
// are no-ops.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.raw.End = s.tracer.clock.Now()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	token := sampledItems(s.token)
	if len(token) == 0 {
		s.mu.Unlock()
		return
	}
	frag := newFragment()
	frag.spans = append(frag.spans, s.raw)
	frag.spans = append(frag.spans, s.events...)
	frag.end = s.raw.End
	s.mu.Unlock()

	roots := s.rootCollects()
	t := s.tracer
	sent := false
	t.send(func(tx *spsc.Sender[command]) {
		sent = true
		t.bus.push(tx, command{kind: cmdSubmitSpans, frag: frag, token: token})
		for _, id := range roots {
			t.bus.forcePush(tx, command{kind: cmdCommitCollect, collectID: id})
		}
	})
	if !sent {
		frag.release()
	}
}
