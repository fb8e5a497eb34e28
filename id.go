package stitchz

import (
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"runtime"
	"strconv"
	"strings"
)

// TraceID identifies all spans of one logical request.
type TraceID [16]byte

// SpanID identifies a span within its trace. Zero means "no parent".
type SpanID uint64

// NewTraceID returns a random trace id.
func NewTraceID() TraceID {
	var id TraceID
	hi, lo := rand.Uint64(), rand.Uint64()
	for i := 0; i < 8; i++ {
		id[i] = byte(hi >> (56 - 8*i))
		id[8+i] = byte(lo >> (56 - 8*i))
	}
	return id
}

// NewSpanID returns a random, non-zero span id.
func NewSpanID() SpanID {
	for {
		if id := SpanID(rand.Uint64()); id != 0 {
			return id
		}
	}
}

// IsZero reports whether the trace id is all zeroes.
func (t TraceID) IsZero() bool {
	return t == TraceID{}
}

// String returns the id as 32 lower-case hex digits.
func (t TraceID) String() string {
	return hex.EncodeToString(t[:])
}

// MarshalText implements encoding.TextMarshaler.
func (t TraceID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TraceID) UnmarshalText(text []byte) error {
	id, ok := parseTraceID(string(text))
	if !ok {
		return fmt.Errorf("stitchz: invalid trace id %q", text)
	}
	*t = id
	return nil
}

// String returns the id as 16 lower-case hex digits.
func (s SpanID) String() string {
	return fmt.Sprintf("%016x", uint64(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s SpanID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SpanID) UnmarshalText(text []byte) error {
	id, ok := parseSpanID(string(text))
	if !ok {
		return fmt.Errorf("stitchz: invalid span id %q", text)
	}
	*s = id
	return nil
}

func parseTraceID(s string) (TraceID, bool) {
	var id TraceID
	if len(s) != 32 || !isHex(s) {
		return id, false
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return TraceID{}, false
	}
	return id, true
}

func parseSpanID(s string) (SpanID, bool) {
	if len(s) != 16 || !isHex(s) {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return SpanID(v), true
}

// isHex rejects signs and prefixes that strconv would otherwise accept.
func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// idGenerator produces span ids without synchronization. It is owned by one
// goroutine at a time; ownership moves through idGenerators.
type idGenerator struct {
	prefix uint32
	suffix uint32
}

func newIDGenerator() *idGenerator {
	g := &idGenerator{}
	for g.prefix == 0 {
		g.prefix = rand.Uint32()
	}
	return g
}

func (g *idGenerator) next() SpanID {
	g.suffix++
	return SpanID(uint64(g.prefix)<<32 | uint64(g.suffix))
}

// idGenerators hands generators to span stacks. A generator keeps its suffix
// when returned, so ids stay unique across the stacks that reuse it.
var idGenerators = newBoundedPool(runtime.GOMAXPROCS(0)*8, newIDGenerator)

// SpanContext is the portable handle of a span: enough to start a child in
// another process or to begin a root span.
type SpanContext struct {
	TraceID TraceID
	SpanID  SpanID
	Sampled bool
}

// NewSpanContext returns a sampled context.
func NewSpanContext(traceID TraceID, spanID SpanID) SpanContext {
	return SpanContext{TraceID: traceID, SpanID: spanID, Sampled: true}
}

// RandomSpanContext returns a sampled context for a new trace: a fresh
// trace id and no parent span, so a root started from it is a trace root.
func RandomSpanContext() SpanContext {
	return SpanContext{TraceID: NewTraceID(), Sampled: true}
}

// WithSampled returns a copy of the context with the sampled flag set.
func (c SpanContext) WithSampled(sampled bool) SpanContext {
	c.Sampled = sampled
	return c
}

// Encode renders the context as a W3C traceparent header value.
func (c SpanContext) Encode() string {
	var flags uint8
	if c.Sampled {
		flags = 1
	}
	return fmt.Sprintf("00-%s-%016x-%02x", c.TraceID, uint64(c.SpanID), flags)
}

// DecodeTraceparent parses a W3C traceparent header value. Malformed input
// yields false and the zero context.
func DecodeTraceparent(s string) (SpanContext, bool) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 || parts[0] != "00" {
		return SpanContext{}, false
	}
	traceID, ok := parseTraceID(parts[1])
	if !ok {
		return SpanContext{}, false
	}
	spanID, ok := parseSpanID(parts[2])
	if !ok {
		return SpanContext{}, false
	}
	if len(parts[3]) != 2 || !isHex(parts[3]) {
		return SpanContext{}, false
	}
	flags, err := strconv.ParseUint(parts[3], 16, 8)
	if err != nil {
		return SpanContext{}, false
	}
	return SpanContext{
		TraceID: traceID,
		SpanID:  spanID,
		Sampled: flags&1 == 1,
	}, true
}
