package stitchz

import (
	"bytes"
	"slices"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/zoobzio/clockz"
)

// activeCollector accumulates the fragments of one in-flight trace.
type activeCollector struct {
	danglings   map[SpanID][]danglingItem
	collections []spanCollection
}

// pendingSubmit is a drained submit. A submit from the second drain pass
// whose trace is still unknown may wait one cycle for its start command.
type pendingSubmit struct {
	cmd      command
	mayDefer bool
}

// aggregator is the single consumer of the command bus. All of its state
// is owned by the goroutine running loop.
//
//nolint:govet // Field order groups state by cycle phase.
type aggregator struct {
	bus       *commandBus
	reporter  Reporter
	clock     clockz.Clock
	logger    hclog.Logger
	metrics   *metrics
	panicHook func(r any)
	interval  time.Duration
	tail      bool

	active         map[uint64]*activeCollector
	tombstones     map[uint64]struct{}
	prevTombstones map[uint64]struct{}

	// Per-cycle batches, reused between cycles.
	starts          []uint64
	drops           []uint64
	commits         []uint64
	submits         []pendingSubmit
	deferredCommits []uint64
	deferredSubmits []pendingSubmit
	stale           []spanCollection
	owned           []*fragment
	records         []SpanRecord
	secondPass      bool

	flushCh chan chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

func newAggregator(bus *commandBus, reporter Reporter, cfg Config, clock clockz.Clock, logger hclog.Logger, m *metrics, panicHook func(any)) *aggregator {
	return &aggregator{
		bus:            bus,
		reporter:       reporter,
		clock:          clock,
		logger:         logger,
		metrics:        m,
		panicHook:      panicHook,
		interval:       cfg.ReportInterval,
		tail:           cfg.TailSampled,
		active:         make(map[uint64]*activeCollector),
		tombstones:     make(map[uint64]struct{}),
		prevTombstones: make(map[uint64]struct{}),
		flushCh:        make(chan chan struct{}),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// loop runs a cycle on every tick, pressure notification and flush request.
// A stop request runs one final cycle.
func (a *aggregator) loop() {
	defer close(a.done)

	last := a.clock.Now()
	for {
		wait := a.interval - a.clock.Since(last)
		if wait < 0 {
			wait = 0
		}
		timer := a.clock.After(wait)

		select {
		case <-a.stopCh:
			a.cycle()
			return
		case ack := <-a.flushCh:
			a.cycle()
			close(ack)
		case <-a.bus.notify:
			a.cycle()
		case <-timer:
			a.cycle()
		}
		last = a.clock.Now()
	}
}

// cycle drains the bus, updates trace state and reports what is complete.
func (a *aggregator) cycle() {
	a.collect()

	for _, id := range a.starts {
		if _, ok := a.active[id]; ok {
			continue
		}
		a.active[id] = &activeCollector{danglings: make(map[SpanID][]danglingItem)}
	}
	for _, id := range a.drops {
		a.tombstones[id] = struct{}{}
		c, ok := a.active[id]
		if !ok {
			continue
		}
		delete(a.active, id)
		a.discard(c.collections)
	}

	for _, s := range a.submits {
		a.route(s)
	}

	for _, id := range a.commits {
		c, ok := a.active[id]
		if !ok {
			continue
		}
		delete(a.active, id)
		a.flushCollector(c)
		a.retire(c.collections)
	}

	if !a.tail {
		for _, c := range a.active {
			a.flushCollector(c)
			a.retire(c.collections)
			clear(c.collections)
			c.collections = c.collections[:0]
		}
	}

	a.flushStale()

	for _, f := range a.owned {
		f.release()
	}
	clear(a.owned)
	a.owned = a.owned[:0]

	a.prevTombstones, a.tombstones = a.tombstones, a.prevTombstones
	clear(a.tombstones)

	a.metrics.cycles.Inc()
	a.metrics.activeTraces.Set(float64(len(a.active)))

	if len(a.records) == 0 {
		return
	}
	records := a.records
	a.records = nil
	a.metrics.recordsReported.Add(float64(len(records)))
	a.logger.Debug("reporting span records", "records", len(records), "active", len(a.active))
	a.report(records)
}

// collect fills the per-cycle batches. Everything received in the first
// drain pass is handled this cycle. A second pass picks up commands that
// happened before first-pass commands but sat on a receiver drained
// earlier; commits from the second pass wait for the next cycle so that
// their own predecessors can arrive first.
func (a *aggregator) collect() {
	a.starts = a.starts[:0]
	a.drops = a.drops[:0]
	a.commits = append(a.commits[:0], a.deferredCommits...)
	a.deferredCommits = a.deferredCommits[:0]
	a.submits = append(a.submits[:0], a.deferredSubmits...)
	clear(a.deferredSubmits)
	a.deferredSubmits = a.deferredSubmits[:0]

	a.secondPass = false
	a.bus.drain(a.accept)
	a.secondPass = true
	a.bus.drain(a.accept)
}

func (a *aggregator) accept(cmd command) {
	a.metrics.commandsByKind[cmd.kind].Inc()

	switch cmd.kind {
	case cmdStartCollect:
		a.starts = append(a.starts, cmd.collectID)
	case cmdDropCollect:
		a.drops = append(a.drops, cmd.collectID)
	case cmdCommitCollect:
		if a.secondPass {
			a.deferredCommits = append(a.deferredCommits, cmd.collectID)
		} else {
			a.commits = append(a.commits, cmd.collectID)
		}
	case cmdSubmitSpans:
		a.submits = append(a.submits, pendingSubmit{cmd: cmd, mayDefer: a.secondPass})
	}
}

// route appends a submitted fragment to every trace in its token. An owned
// fragment that no active trace keeps is recycled at the end of the cycle.
func (a *aggregator) route(s pendingSubmit) {
	cmd := s.cmd
	shared := cmd.shared || len(cmd.token) > 1

	if s.mayDefer && !a.knows(cmd.token) {
		a.deferredSubmits = append(a.deferredSubmits, pendingSubmit{cmd: cmd})
		return
	}

	kept := false
	for _, item := range cmd.token {
		coll := spanCollection{
			frag:     cmd.frag,
			traceID:  item.TraceID,
			parentID: item.ParentID,
			shared:   shared,
		}
		if c, ok := a.active[item.CollectID]; ok {
			c.collections = append(c.collections, coll)
			kept = true
			continue
		}
		if a.tombstoned(item.CollectID) || a.tail {
			a.metrics.discardedFragments.Inc()
			continue
		}
		a.metrics.staleFragments.Inc()
		a.stale = append(a.stale, coll)
	}

	if !shared && !kept {
		a.owned = append(a.owned, cmd.frag)
	}
}

// knows reports whether every collect id of a token is active or was
// dropped recently.
func (a *aggregator) knows(token []collectTokenItem) bool {
	for _, item := range token {
		if _, ok := a.active[item.CollectID]; ok {
			continue
		}
		if a.tombstoned(item.CollectID) {
			continue
		}
		return false
	}
	return true
}

func (a *aggregator) tombstoned(id uint64) bool {
	if _, ok := a.tombstones[id]; ok {
		return true
	}
	_, ok := a.prevTombstones[id]
	return ok
}

// flushCollector reassembles the fragments collected so far for one trace.
func (a *aggregator) flushCollector(c *activeCollector) {
	if len(c.collections) == 0 {
		return
	}
	start := len(a.records)
	a.records = reassemble(a.records, c.collections, c.danglings)
	mountDanglings(a.records[start:], c.danglings)
}

// flushStale reassembles fragments that arrived without an active trace,
// grouped by trace id.
func (a *aggregator) flushStale() {
	if len(a.stale) == 0 {
		return
	}
	slices.SortStableFunc(a.stale, func(x, y spanCollection) int {
		return bytes.Compare(x.traceID[:], y.traceID[:])
	})
	for i := 0; i < len(a.stale); {
		j := i + 1
		for j < len(a.stale) && a.stale[j].traceID == a.stale[i].traceID {
			j++
		}
		danglings := make(map[SpanID][]danglingItem)
		start := len(a.records)
		a.records = reassemble(a.records, a.stale[i:j], danglings)
		mountDanglings(a.records[start:], danglings)
		i = j
	}
	clear(a.stale)
	a.stale = a.stale[:0]
}

// discard counts the fragments of a dropped trace and retires them.
func (a *aggregator) discard(collections []spanCollection) {
	a.metrics.discardedFragments.Add(float64(len(collections)))
	a.retire(collections)
}

// retire schedules owned fragments for recycling at the end of the cycle.
func (a *aggregator) retire(collections []spanCollection) {
	for _, c := range collections {
		if !c.shared {
			a.owned = append(a.owned, c.frag)
		}
	}
}

// report hands records to the reporter, recovering from panics.
func (a *aggregator) report(records []SpanRecord) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.reporterPanics.Inc()
			a.logger.Error("reporter panicked", "panic", r, "records", len(records))
			if a.panicHook != nil {
				a.panicHook(r)
			}
		}
	}()
	a.reporter.Report(records)
}
