package stitchz

import (
	"encoding/json"
	"io"
	"os"
	"slices"
	"sync"
)

// Reporter receives the span records of one aggregation cycle. Report is
// called from the aggregator goroutine, at most once per cycle and never
// with an empty batch. The reporter owns the slice. Errors are the
// reporter's to log or retry; the aggregator does neither. Report must not
// end root spans of the tracer that calls it.
type Reporter interface {
	Report(records []SpanRecord)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(records []SpanRecord)

// Report calls f(records).
func (f ReporterFunc) Report(records []SpanRecord) {
	f(records)
}

// ConsoleReporter writes one JSON object per record.
type ConsoleReporter struct {
	enc *json.Encoder
	mu  sync.Mutex
}

// NewConsoleReporter creates a reporter writing to w, or to stderr if w is nil.
func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	if w == nil {
		w = os.Stderr
	}
	return &ConsoleReporter{enc: json.NewEncoder(w)}
}

// Report writes records as JSON lines. Write errors are ignored.
func (c *ConsoleReporter) Report(records []SpanRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range records {
		if err := c.enc.Encode(&records[i]); err != nil {
			return
		}
	}
}

// MemoryReporter keeps every reported record in memory.
// Safe for concurrent use by multiple goroutines.
type MemoryReporter struct {
	records []SpanRecord
	batches int
	mu      sync.Mutex
}

// NewMemoryReporter creates an empty MemoryReporter.
func NewMemoryReporter() *MemoryReporter {
	return &MemoryReporter{}
}

// Report appends records.
func (m *MemoryReporter) Report(records []SpanRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	m.batches++
}

// Records returns a copy of everything reported so far.
func (m *MemoryReporter) Records() []SpanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

// Batches returns how many times Report was called.
func (m *MemoryReporter) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Reset forgets every record.
func (m *MemoryReporter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.batches = 0
}
