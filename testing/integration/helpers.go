package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/stitchz"
)

// Harness wraps a tracer reporting into memory with test utilities.
type Harness struct {
	Tracer   *stitchz.Tracer
	Reporter *stitchz.MemoryReporter
	t        *testing.T
}

// NewHarness creates a tracer on the real clock. It is closed when the test
// ends.
func NewHarness(t *testing.T, cfg stitchz.Config) *Harness {
	t.Helper()
	reporter := stitchz.NewMemoryReporter()
	tracer := stitchz.New(reporter, cfg)
	t.Cleanup(tracer.Close)
	return &Harness{Tracer: tracer, Reporter: reporter, t: t}
}

// Records flushes the tracer and returns everything reported so far.
func (h *Harness) Records() []stitchz.SpanRecord {
	h.Tracer.Flush()
	return h.Reporter.Records()
}

// WaitForRecords flushes until at least expected records were reported.
func (h *Harness) WaitForRecords(expected int, timeout time.Duration) []stitchz.SpanRecord {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		records := h.Records()
		if len(records) >= expected {
			return records
		}
		if time.Now().After(deadline) {
			h.t.Errorf("Timeout waiting for records: expected %d, got %d", expected, len(records))
			return records
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// AssertParentChild verifies that the first record named childName is a
// child of the first record named parentName in the same trace.
func AssertParentChild(t *testing.T, records []stitchz.SpanRecord, parentName, childName string) {
	t.Helper()
	var parent, child *stitchz.SpanRecord
	for i := range records {
		if parent == nil && records[i].Name == parentName {
			parent = &records[i]
		}
		if child == nil && records[i].Name == childName {
			child = &records[i]
		}
	}
	if parent == nil {
		t.Errorf("Parent record '%s' not found", parentName)
		return
	}
	if child == nil {
		t.Errorf("Child record '%s' not found", childName)
		return
	}
	if child.ParentID != parent.SpanID {
		t.Errorf("Parent-child relationship broken: %s is not parent of %s. Child ParentID=%s, Parent SpanID=%s",
			parentName, childName, child.ParentID, parent.SpanID)
	}
	if child.TraceID != parent.TraceID {
		t.Errorf("Trace ID mismatch: parent=%s, child=%s", parent.TraceID, child.TraceID)
	}
}

// SpanTree is a hierarchical view of records.
type SpanTree struct {
	Record   stitchz.SpanRecord
	Children []*SpanTree
}

// BuildSpanTree constructs trees from a flat record list. Records whose
// parent is not in the list are roots.
func BuildSpanTree(records []stitchz.SpanRecord) []*SpanTree {
	nodes := make(map[stitchz.SpanID]*SpanTree, len(records))
	for i := range records {
		nodes[records[i].SpanID] = &SpanTree{Record: records[i]}
	}

	var roots []*SpanTree
	for i := range records {
		node := nodes[records[i].SpanID]
		if parent, ok := nodes[records[i].ParentID]; ok {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}
	return roots
}

// Depth returns the number of levels of the tree.
func (s *SpanTree) Depth() int {
	deepest := 0
	for _, child := range s.Children {
		if d := child.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// Count returns the number of records in the tree.
func (s *SpanTree) Count() int {
	n := 1
	for _, child := range s.Children {
		n += child.Count()
	}
	return n
}

// PrintSpanTree formats trees for debugging.
func PrintSpanTree(trees []*SpanTree) string {
	var sb strings.Builder
	for _, tree := range trees {
		printTreeNode(&sb, tree, 0)
	}
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%s%s (%.2fms)\n",
		indent, node.Record.Name, float64(node.Record.DurationNano)/1e6)
	for _, child := range node.Children {
		printTreeNode(sb, child, depth+1)
	}
}

// ByTrace groups records by trace id.
func ByTrace(records []stitchz.SpanRecord) map[stitchz.TraceID][]stitchz.SpanRecord {
	out := make(map[stitchz.TraceID][]stitchz.SpanRecord)
	for _, rec := range records {
		out[rec.TraceID] = append(out[rec.TraceID], rec)
	}
	return out
}

// MockService simulates a remote service with its own tracer. Requests
// carry the caller's context as a traceparent header.
type MockService struct {
	Harness      *Harness
	name         string
	latency      time.Duration
	mu           sync.Mutex
	requestCount int
}

// NewMockService creates a simulated service.
func NewMockService(t *testing.T, name string) *MockService {
	return &MockService{
		Harness: NewHarness(t, stitchz.DefaultConfig()),
		name:    name,
	}
}

// SetLatency configures response time.
func (m *MockService) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Handle serves one request under the caller context in traceparent and
// forwards the operation to every downstream service.
func (m *MockService) Handle(traceparent, operation string, downstream ...*MockService) error {
	m.mu.Lock()
	m.requestCount++
	count := m.requestCount
	latency := m.latency
	m.mu.Unlock()

	parent, ok := stitchz.DecodeTraceparent(traceparent)
	if !ok {
		return fmt.Errorf("%s: malformed traceparent %q", m.name, traceparent)
	}
	root := m.Harness.Tracer.Root(m.name+"."+operation, parent)
	defer root.End()
	root.AddProperty("service", m.name)
	root.AddProperty("request_id", fmt.Sprintf("%d", count))

	ctx, guard := root.SetLocalParent(context.Background())
	defer guard.End()

	work := stitchz.EnterWithLocalParent(ctx, "process")
	time.Sleep(latency)
	work.End()

	for _, svc := range downstream {
		call := stitchz.EnterWithLocalParent(ctx, "call."+svc.name)
		sc, _ := stitchz.CurrentLocalParent(ctx)
		err := svc.Handle(sc.Encode(), operation)
		call.End()
		if err != nil {
			return err
		}
	}
	return nil
}
