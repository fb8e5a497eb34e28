package stitchz

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/stitchz/internal/spsc"
)

// commandBus connects producers to the aggregator. Each producer borrows an
// exclusive sender from a bounded free pool; every sender has one receiver
// registered with the bus. The registry lock is taken only when a sender is
// created and when the aggregator prunes closed receivers.
type commandBus struct {
	metrics  *metrics
	senders  *boundedPool[*spsc.Sender[command]]
	notify   chan struct{}
	rxs      []*spsc.Receiver[command]
	capacity int
	mu       sync.Mutex
	closed   atomic.Bool
}

func newCommandBus(capacity, poolSize int, m *metrics) *commandBus {
	b := &commandBus{
		metrics:  m,
		notify:   make(chan struct{}, 1),
		capacity: capacity,
	}
	b.senders = newBoundedPool(poolSize, b.newSender)
	return b
}

// newSender creates a channel and registers its receiving end.
func (b *commandBus) newSender() *spsc.Sender[command] {
	tx, rx := spsc.Bounded[command](b.capacity, b.wake)

	b.mu.Lock()
	b.rxs = append(b.rxs, rx)
	n := len(b.rxs)
	b.mu.Unlock()

	b.metrics.channels.Set(float64(n))
	return tx
}

// wake interrupts the aggregator's sleep. Never blocks.
func (b *commandBus) wake() {
	select {
	case b.notify <- struct{}{}:
		b.metrics.pressure.Inc()
	default:
	}
}

// acquire borrows a sender. It returns nil once the bus is closed.
func (b *commandBus) acquire() *spsc.Sender[command] {
	if b.closed.Load() {
		return nil
	}
	return b.senders.Get()
}

// release delivers the sender's pending commands and returns it to the
// pool, or closes it when the pool is full or the bus has shut down.
func (b *commandBus) release(tx *spsc.Sender[command]) {
	if tx == nil {
		return
	}
	if !b.closed.Load() && tx.Flush() && b.senders.Put(tx) {
		return
	}
	if dropped := tx.Close(); dropped > 0 {
		b.metrics.dropped.Add(float64(dropped))
	}
}

// push sends without blocking and signals the aggregator under pressure.
func (b *commandBus) push(tx *spsc.Sender[command], cmd command) {
	if tx.Send(cmd) {
		b.metrics.overflowed.Inc()
	}
	if tx.UnderPressure() {
		b.wake()
	}
}

// forcePush sends a command that must reach the aggregator.
func (b *commandBus) forcePush(tx *spsc.Sender[command], cmd command) {
	if !tx.ForceSend(cmd) {
		b.metrics.dropped.Inc()
		return
	}
	if tx.UnderPressure() {
		b.wake()
	}
}

// drain hands every buffered command to fn and forgets receivers whose
// sender has been closed. Only the aggregator goroutine calls drain.
func (b *commandBus) drain(fn func(command)) {
	b.mu.Lock()
	rxs := b.rxs
	b.mu.Unlock()

	var gone map[*spsc.Receiver[command]]struct{}
	for _, rx := range rxs {
		for {
			cmd, ok, err := rx.TryRecv()
			if errors.Is(err, spsc.ErrClosed) {
				if gone == nil {
					gone = make(map[*spsc.Receiver[command]]struct{})
				}
				gone[rx] = struct{}{}
				break
			}
			if !ok {
				break
			}
			fn(cmd)
		}
	}
	if gone == nil {
		return
	}

	b.mu.Lock()
	kept := make([]*spsc.Receiver[command], 0, len(b.rxs))
	for _, rx := range b.rxs {
		if _, ok := gone[rx]; !ok {
			kept = append(kept, rx)
		}
	}
	b.rxs = kept
	n := len(kept)
	b.mu.Unlock()

	b.metrics.channels.Set(float64(n))
}

// close stops new sends, closes idle senders and releases producers stuck
// in a force send. It returns the number of commands left undelivered in
// idle senders.
func (b *commandBus) close() int {
	if !b.closed.CompareAndSwap(false, true) {
		return 0
	}
	total := 0
	for _, tx := range b.senders.Drain() {
		total += tx.Close()
	}
	if total > 0 {
		b.metrics.dropped.Add(float64(total))
	}

	b.mu.Lock()
	for _, rx := range b.rxs {
		rx.Close()
	}
	b.mu.Unlock()
	return total
}
