package stitchz

import (
	"sync"
	"time"
)

// RawKind tells the aggregator how to fold a raw span into records.
type RawKind uint8

const (
	// RawKindSpan becomes its own SpanRecord.
	RawKindSpan RawKind = iota
	// RawKindEvent is attached to the record of its parent.
	RawKindEvent
	// RawKindProperties extends the properties of its parent.
	RawKindProperties
)

// RawSpan is a span, event or property update before its ids are resolved
// against a trace. A zero End means the span was still open when its
// fragment was collected.
type RawSpan struct {
	Begin      time.Time
	End        time.Time
	Name       string
	Properties []Property
	ID         SpanID
	ParentID   SpanID
	Kind       RawKind
}

// fragment is the batch produced by one local collection scope. end stamps
// spans that were still open at collection time.
type fragment struct {
	spans []RawSpan
	end   time.Time
}

// maxPooledSpans keeps oversized buffers out of the pool.
const maxPooledSpans = 1024

var fragmentPool = sync.Pool{
	New: func() any {
		return &fragment{spans: make([]RawSpan, 0, 8)}
	},
}

func newFragment() *fragment {
	return fragmentPool.Get().(*fragment)
}

// release returns an exclusively owned fragment to the pool. Shared
// fragments must never be released.
func (f *fragment) release() {
	if cap(f.spans) > maxPooledSpans {
		return
	}
	clear(f.spans)
	f.spans = f.spans[:0]
	f.end = time.Time{}
	fragmentPool.Put(f)
}
