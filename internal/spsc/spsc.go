// Package spsc implements a bounded single-producer/single-consumer channel.
//
// The producer side never blocks: when the ring is full, values spill into an
// unbounded pending queue that is retried ahead of the next value. ForceSend is
// the exception and spins until the value is in the ring, for commands that
// must not be lost.
package spsc

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/cpu"
)

// ErrClosed is returned by TryRecv once the sender is closed and the ring is drained.
var ErrClosed = errors.New("spsc: channel closed")

// forceSpins is how many failed pushes ForceSend yields for before it starts sleeping.
const forceSpins = 64

// ring is a power-of-two ring buffer. head is written only by the consumer,
// tail only by the producer.
type ring[T any] struct {
	_    cpu.CacheLinePad
	head atomic.Uint64
	_    cpu.CacheLinePad
	tail atomic.Uint64
	_    cpu.CacheLinePad
	mask uint64
	buf  []T
}

func newRing[T any](capacity int) *ring[T] {
	size := uint64(2)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &ring[T]{
		mask: size - 1,
		buf:  make([]T, size),
	}
}

func (r *ring[T]) push(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() == uint64(len(r.buf)) {
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	idx := head & r.mask
	v := r.buf[idx]
	r.buf[idx] = zero
	r.head.Store(head + 1)
	return v, true
}

func (r *ring[T]) len() int {
	return int(r.tail.Load() - r.head.Load())
}

// state is shared by both ends of one channel.
type state struct {
	senderClosed   atomic.Bool
	receiverClosed atomic.Bool
}

// Sender is the producing end. It must be used by one goroutine at a time.
type Sender[T any] struct {
	ring    *ring[T]
	state   *state
	pending *queue.Queue
	wake    func()
	closed  bool
}

// Receiver is the consuming end. It must be used by one goroutine at a time.
type Receiver[T any] struct {
	ring  *ring[T]
	state *state
}

// Bounded creates a channel whose ring holds at least capacity values. The
// capacity is rounded up to a power of two. wake, if not nil, is called by
// ForceSend while it waits for the consumer to make room.
func Bounded[T any](capacity int, wake func()) (*Sender[T], *Receiver[T]) {
	r := newRing[T](capacity)
	st := &state{}
	return &Sender[T]{
			ring:    r,
			state:   st,
			pending: queue.New(),
			wake:    wake,
		}, &Receiver[T]{
			ring:  r,
			state: st,
		}
}

// Send pushes v without blocking. Values that do not fit are kept in the
// pending queue, in order, and retried first on the next Send. It reports
// whether v had to be queued.
func (s *Sender[T]) Send(v T) bool {
	if s.closed {
		return false
	}
	for s.pending.Length() > 0 {
		if !s.ring.push(s.pending.Peek().(T)) {
			s.pending.Add(v)
			return true
		}
		s.pending.Remove()
	}
	if !s.ring.push(v) {
		s.pending.Add(v)
		return true
	}
	return false
}

// ForceSend flushes the pending queue and then pushes v, retrying until the
// consumer makes room. It gives up and returns false only when the receiver
// has been closed.
func (s *Sender[T]) ForceSend(v T) bool {
	if !s.Flush() {
		return false
	}
	return s.pushRetry(v)
}

// Flush moves every pending value into the ring, waiting for the consumer
// like ForceSend. It returns false if the channel is closed first.
func (s *Sender[T]) Flush() bool {
	if s.closed {
		return false
	}
	for s.pending.Length() > 0 {
		if !s.pushRetry(s.pending.Peek().(T)) {
			return false
		}
		s.pending.Remove()
	}
	return true
}

func (s *Sender[T]) pushRetry(v T) bool {
	for spins := 0; ; spins++ {
		if s.ring.push(v) {
			return true
		}
		if s.state.receiverClosed.Load() {
			return false
		}
		if s.wake != nil {
			s.wake()
		}
		if spins < forceSpins {
			runtime.Gosched()
		} else {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

// UnderPressure reports whether more than half of the ring is occupied.
func (s *Sender[T]) UnderPressure() bool {
	return s.ring.len()*2 > len(s.ring.buf)
}

// Pending returns the number of values waiting in the overflow queue.
func (s *Sender[T]) Pending() int {
	return s.pending.Length()
}

// Cap returns the ring capacity.
func (s *Sender[T]) Cap() int {
	return len(s.ring.buf)
}

// Close makes one last attempt to move pending values into the ring and
// marks the channel closed. It returns the number of pending values that
// did not fit and were discarded. Close is idempotent.
func (s *Sender[T]) Close() int {
	if s.closed {
		return 0
	}
	s.closed = true
	for s.pending.Length() > 0 {
		if !s.ring.push(s.pending.Peek().(T)) {
			break
		}
		s.pending.Remove()
	}
	dropped := s.pending.Length()
	for s.pending.Length() > 0 {
		s.pending.Remove()
	}
	s.state.senderClosed.Store(true)
	return dropped
}

// TryRecv pops the oldest value. It returns ok == false when the ring is
// empty, and ErrClosed once the sender is closed and nothing is left.
func (r *Receiver[T]) TryRecv() (T, bool, error) {
	if v, ok := r.ring.pop(); ok {
		return v, true, nil
	}
	if r.state.senderClosed.Load() {
		// The sender may have pushed between the pop and the flag check.
		if v, ok := r.ring.pop(); ok {
			return v, true, nil
		}
		var zero T
		return zero, false, ErrClosed
	}
	var zero T
	return zero, false, nil
}

// Close tells the sender that nobody will consume anymore, which stops
// ForceSend from retrying forever.
func (r *Receiver[T]) Close() {
	r.state.receiverClosed.Store(true)
}
