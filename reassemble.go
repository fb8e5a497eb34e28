package stitchz

import (
	"slices"
	"time"
)

// SpanRecord is a finished span with resolved ids, as handed to reporters.
type SpanRecord struct {
	Name          string        `json:"name"`
	Properties    []Property    `json:"properties,omitempty"`
	Events        []EventRecord `json:"events,omitempty"`
	TraceID       TraceID       `json:"trace_id"`
	SpanID        SpanID        `json:"span_id"`
	ParentID      SpanID        `json:"parent_id"`
	BeginUnixNano uint64        `json:"begin_time_unix_ns"`
	DurationNano  uint64        `json:"duration_ns"`
}

// EventRecord is an event attached to a SpanRecord.
type EventRecord struct {
	Name              string     `json:"name"`
	Properties        []Property `json:"properties,omitempty"`
	TimestampUnixNano uint64     `json:"timestamp_unix_ns"`
}

// spanCollection is a fragment delivered to one trace, attached under
// parentID. A shared fragment is delivered to several traces and is
// read-only.
type spanCollection struct {
	frag     *fragment
	traceID  TraceID
	parentID SpanID
	shared   bool
}

// danglingItem is an event or property update waiting for the record of
// its parent span. It holds a copy because the fragment it came from may be
// recycled before the record shows up.
type danglingItem struct {
	raw RawSpan
}

// reassemble appends one record per span in collections to records and
// stashes events and property updates in danglings, keyed by parent id.
func reassemble(records []SpanRecord, collections []spanCollection, danglings map[SpanID][]danglingItem) []SpanRecord {
	for _, c := range collections {
		for i := range c.frag.spans {
			raw := &c.frag.spans[i]
			parent := raw.ParentID
			if parent == 0 {
				parent = c.parentID
			}

			switch raw.Kind {
			case RawKindSpan:
				end := raw.End
				if end.IsZero() {
					end = c.frag.end
				}
				records = append(records, SpanRecord{
					TraceID:       c.traceID,
					SpanID:        raw.ID,
					ParentID:      parent,
					BeginUnixNano: unixNano(raw.Begin),
					DurationNano:  durationNano(raw.Begin, end),
					Name:          raw.Name,
					Properties:    slices.Clone(raw.Properties),
				})
			case RawKindEvent, RawKindProperties:
				danglings[parent] = append(danglings[parent], danglingItem{raw: *raw})
			}
		}
	}
	return records
}

// mountDanglings attaches stashed items to the records they belong to.
// Items are mounted in arrival order; mounted items leave the map.
func mountDanglings(records []SpanRecord, danglings map[SpanID][]danglingItem) {
	if len(danglings) == 0 {
		return
	}
	for i := range records {
		rec := &records[i]
		items, ok := danglings[rec.SpanID]
		if !ok {
			continue
		}
		delete(danglings, rec.SpanID)
		for _, item := range items {
			switch item.raw.Kind {
			case RawKindEvent:
				rec.Events = append(rec.Events, EventRecord{
					Name:              item.raw.Name,
					TimestampUnixNano: unixNano(item.raw.Begin),
					Properties:        slices.Clone(item.raw.Properties),
				})
			case RawKindProperties:
				rec.Properties = append(rec.Properties, item.raw.Properties...)
			}
		}
	}
}

// durationNano returns end - begin, saturating at zero.
func durationNano(begin, end time.Time) uint64 {
	d := end.Sub(begin)
	if d < 0 {
		return 0
	}
	return uint64(d)
}

func unixNano(t time.Time) uint64 {
	n := t.UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n)
}
