package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/stitchz"
)

// TestTinyChannelsLoseNothing drives many producers through channels far
// smaller than the load. Overflowing commands queue on the producer side
// and must all reach the reporter.
func TestTinyChannelsLoseNothing(t *testing.T) {
	cfg := stitchz.DefaultConfig()
	cfg.ChannelCapacity = 4
	cfg.SenderPoolSize = 2
	cfg.ReportInterval = 10 * time.Millisecond
	h := NewHarness(t, cfg)

	const producers = 16
	const traces = 100
	const children = 5

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < traces; i++ {
				root := h.Tracer.Root("root", stitchz.RandomSpanContext())
				for c := 0; c < children; c++ {
					stitchz.EnterWithParent("child", root).End()
				}
				root.End()
			}
		}()
	}
	wg.Wait()

	want := producers * traces * (children + 1)
	records := h.WaitForRecords(want, 10*time.Second)
	if len(records) != want {
		t.Errorf("Expected %d records, got %d", want, len(records))
	}
}

// TestTailModeUnderPressure checks that held traces survive aggregator
// wake-ups caused by channel pressure.
func TestTailModeUnderPressure(t *testing.T) {
	cfg := stitchz.DefaultConfig()
	cfg.TailSampled = true
	cfg.ChannelCapacity = 8
	h := NewHarness(t, cfg)

	root := h.Tracer.Root("root", stitchz.RandomSpanContext())
	ctx, guard := root.SetLocalParent(context.Background())
	for i := 0; i < 500; i++ {
		child := stitchz.StartWithLocalParent(ctx, "child")
		child.End()
	}
	guard.End()

	if n := len(h.Records()); n != 0 {
		t.Fatalf("Expected nothing before the root ends, got %d records", n)
	}

	root.End()
	records := h.WaitForRecords(501, 5*time.Second)
	trees := BuildSpanTree(records)
	if len(trees) != 1 || trees[0].Count() != 501 {
		t.Errorf("Expected one tree of 501 records, got %d trees", len(trees))
	}
}
