package stitchz_test

import (
	"context"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/stitchz"
	"github.com/zoobzio/stitchz/internal/spantree"
)

func newTracer(t *testing.T, cfg stitchz.Config) (*stitchz.Tracer, *stitchz.MemoryReporter) {
	t.Helper()
	reporter := stitchz.NewMemoryReporter()
	tracer := stitchz.New(reporter, cfg, stitchz.WithClock(clockz.NewFakeClock()))
	t.Cleanup(tracer.Close)
	return tracer, reporter
}

func tailConfig() stitchz.Config {
	cfg := stitchz.DefaultConfig()
	cfg.TailSampled = true
	return cfg
}

func TestTraceTree(t *testing.T) {
	tracer, reporter := newTracer(t, stitchz.DefaultConfig())

	root := tracer.Root("root", stitchz.RandomSpanContext())
	ctx, guard := root.SetLocalParent(context.Background())

	a := stitchz.EnterWithParent("a", root)
	actx, aguard := a.SetLocalParent(ctx)
	stitchz.EnterWithLocalParent(actx, "c").End()
	aguard.End()
	a.End()

	stitchz.EnterWithLocalParent(ctx, "b").WithProperty("k", "v").End()
	guard.End()
	root.End()
	tracer.Flush()

	want := "" +
		"root []\n" +
		"    a []\n" +
		"        c []\n" +
		"    b [k=v]\n"
	require.Equal(t, want, spantree.Render(reporter.Records()))
}

func TestRemoteParent(t *testing.T) {
	tracer, reporter := newTracer(t, stitchz.DefaultConfig())

	parent, ok := stitchz.DecodeTraceparent("00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	require.True(t, ok)
	root := tracer.Root("server", parent)
	outgoing := root.SpanContext().Encode()
	root.End()
	tracer.Flush()

	records := reporter.Records()
	require.Len(t, records, 1)
	require.Equal(t, "0af7651916cd43dd8448eb211c80319c", records[0].TraceID.String())
	require.Equal(t, stitchz.SpanID(0xb7ad6b7169203331), records[0].ParentID)
	require.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-"+root.ID().String()+"-01", outgoing)
}

func TestFanOutAcrossGoroutines(t *testing.T) {
	tracer, reporter := newTracer(t, stitchz.DefaultConfig())

	first := tracer.Root("first", stitchz.RandomSpanContext())
	second := tracer.Root("second", stitchz.RandomSpanContext())

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		span := stitchz.EnterWithParents("worker", first, second)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer span.End()
			ctx, guard := span.SetLocalParent(context.Background())
			defer guard.End()
			for j := 0; j < 3; j++ {
				stitchz.EnterWithLocalParent(ctx, "step").End()
			}
		}()
	}
	wg.Wait()
	first.End()
	second.End()
	tracer.Flush()

	worker := "    worker []\n" + strings.Repeat("        step []\n", 3)
	records := reporter.Records()
	require.Equal(t, "first []\n"+strings.Repeat(worker, workers),
		spantree.RenderTrace(records, first.SpanContext().TraceID))
	require.Equal(t, "second []\n"+strings.Repeat(worker, workers),
		spantree.RenderTrace(records, second.SpanContext().TraceID))
}

func TestCancelSuppressesTrace(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  stitchz.Config
	}{
		{"progressive", stitchz.DefaultConfig()},
		{"tail", tailConfig()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tracer, reporter := newTracer(t, tc.cfg)

			canceled := tracer.Root("canceled", stitchz.RandomSpanContext())
			kept := tracer.Root("kept", stitchz.RandomSpanContext())

			for _, root := range []*stitchz.Span{canceled, kept} {
				child := stitchz.EnterWithParent("child", root)
				ctx, guard := child.SetLocalParent(context.Background())
				stitchz.EnterWithLocalParent(ctx, "leaf").End()
				guard.End()
				child.End()
			}
			canceled.Cancel()
			canceled.End()
			kept.End()
			tracer.Flush()

			records := reporter.Records()
			require.Empty(t, spantree.RenderTrace(records, canceled.SpanContext().TraceID))
			require.Equal(t, "kept []\n    child []\n        leaf []\n",
				spantree.RenderTrace(records, kept.SpanContext().TraceID))
		})
	}
}

func TestTailModeCancelAfterCycle(t *testing.T) {
	tracer, reporter := newTracer(t, tailConfig())

	root := tracer.Root("root", stitchz.RandomSpanContext())
	stitchz.EnterWithParent("child", root).End()
	tracer.Flush()

	root.Cancel()
	tracer.Flush()
	require.Empty(t, reporter.Records(), "a held trace is dropped as a whole")
}

func TestDanglingEventAttachesToLaterSpan(t *testing.T) {
	tracer, reporter := newTracer(t, stitchz.DefaultConfig())

	root := tracer.Root("root", stitchz.RandomSpanContext())
	span := stitchz.EnterWithParent("span", root)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, guard := span.SetLocalParent(context.Background())
		defer guard.End()
		stitchz.AddLocalEvent(ctx, stitchz.NewEvent("ev").WithProperty("k", "v"))
	}()
	<-done
	tracer.Flush()

	span.End()
	root.End()
	tracer.Flush()

	require.Equal(t, "root []\n    span [] {ev [k=v]}\n", spantree.Render(reporter.Records()))
}

func TestUnsampledTracePropagates(t *testing.T) {
	tracer, reporter := newTracer(t, stitchz.DefaultConfig())

	root := tracer.Root("root", stitchz.RandomSpanContext().WithSampled(false))
	ctx, guard := root.SetLocalParent(context.Background())
	child := stitchz.StartWithLocalParent(ctx, "child")
	header := child.SpanContext().Encode()
	child.End()
	guard.End()
	root.End()
	tracer.Flush()

	require.Empty(t, reporter.Records())
	require.True(t, strings.HasSuffix(header, "-00"), "unsampled flag propagates, got %s", header)
}

func TestTeardownIsIdempotent(t *testing.T) {
	tracer, reporter := newTracer(t, stitchz.DefaultConfig())

	root := tracer.Root("root", stitchz.RandomSpanContext())
	ctx, guard := root.SetLocalParent(context.Background())
	local := stitchz.EnterWithLocalParent(ctx, "local")
	local.End()
	local.End()
	guard.End()
	guard.End()
	root.End()
	root.End()
	tracer.Close()
	tracer.Close()

	require.Equal(t, "root []\n    local []\n", spantree.Render(reporter.Records()))
}

func TestGo(t *testing.T) {
	tracer, reporter := newTracer(t, stitchz.DefaultConfig())

	root := tracer.Root("root", stitchz.RandomSpanContext())
	ctx, guard := root.SetLocalParent(context.Background())
	stitchz.Go(ctx, stitchz.StartWithLocalParent(ctx, "task"), func(ctx context.Context) {
		stitchz.EnterWithLocalParent(ctx, "inside").End()
	})
	guard.End()

	require.Eventually(t, func() bool {
		tracer.Flush()
		return len(reporter.Records()) == 2
	}, time.Second, 5*time.Millisecond)

	root.End()
	tracer.Flush()
	require.Equal(t, "root []\n    task []\n        inside []\n", spantree.Render(reporter.Records()))
}

func TestInSpanStep(t *testing.T) {
	tracer, reporter := newTracer(t, stitchz.DefaultConfig())

	root := tracer.Root("root", stitchz.RandomSpanContext())
	polls := 0
	step := stitchz.InSpanStep(stitchz.EnterWithParent("task", root), func(ctx context.Context) (int, bool) {
		polls++
		stitchz.EnterWithLocalParent(ctx, "poll").End()
		return polls, polls == 3
	})

	// Each step may run on another goroutine.
	for {
		type result struct {
			v    int
			done bool
		}
		ch := make(chan result)
		go func() {
			v, done := step(context.Background())
			ch <- result{v, done}
		}()
		if r := <-ch; r.done {
			require.Equal(t, 3, r.v)
			break
		}
	}
	root.End()
	tracer.Flush()

	require.Equal(t, "root []\n    task []\n"+strings.Repeat("        poll []\n", 3),
		spantree.Render(reporter.Records()))
}

func counter(n int) func(ctx context.Context) iter.Seq[int] {
	return func(ctx context.Context) iter.Seq[int] {
		return func(yield func(int) bool) {
			for i := 0; i < n; i++ {
				stitchz.EnterWithLocalParent(ctx, "produce").End()
				if !yield(i) {
					return
				}
			}
		}
	}
}

func TestInSpanSeq(t *testing.T) {
	tracer, reporter := newTracer(t, stitchz.DefaultConfig())

	root := tracer.Root("root", stitchz.RandomSpanContext())
	ctx, guard := root.SetLocalParent(context.Background())

	var got []int
	for v := range stitchz.InSpanSeq(ctx, stitchz.StartWithLocalParent(ctx, "seq"), counter(3)) {
		// The consumer runs outside the sequence span.
		stitchz.EnterWithLocalParent(ctx, "consume").End()
		got = append(got, v)
	}
	guard.End()
	root.End()
	tracer.Flush()

	require.Equal(t, []int{0, 1, 2}, got)
	want := "" +
		"root []\n" +
		"    consume []\n" +
		"    consume []\n" +
		"    consume []\n" +
		"    seq []\n" +
		"        produce []\n" +
		"        produce []\n" +
		"        produce []\n"
	require.Equal(t, want, spantree.Render(reporter.Records()))
}

func TestInSpanSeqStopsEarly(t *testing.T) {
	tracer, reporter := newTracer(t, stitchz.DefaultConfig())

	root := tracer.Root("root", stitchz.RandomSpanContext())
	for range stitchz.InSpanSeq(context.Background(), stitchz.EnterWithParent("seq", root), counter(10)) {
		break
	}
	root.End()
	tracer.Flush()

	require.Equal(t, "root []\n    seq []\n        produce []\n", spantree.Render(reporter.Records()))
}

func TestLocalCollectorPushedLater(t *testing.T) {
	tracer, reporter := newTracer(t, stitchz.DefaultConfig())

	ctx, collector := stitchz.StartLocalCollector(context.Background())
	outer := stitchz.EnterWithLocalParent(ctx, "outer")
	stitchz.EnterWithLocalParent(ctx, "inner").End()
	outer.End()
	spans := collector.Collect()

	root := tracer.Root("root", stitchz.RandomSpanContext())
	root.PushChildSpans(spans)
	root.End()
	tracer.Flush()

	require.Equal(t, "root []\n    outer []\n        inner []\n", spantree.Render(reporter.Records()))
}
