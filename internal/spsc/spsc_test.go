package spsc

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBoundedRoundsCapacity(t *testing.T) {
	tests := []struct {
		capacity int
		want     int
	}{
		{0, 2},
		{1, 2},
		{2, 2},
		{3, 4},
		{1000, 1024},
		{1024, 1024},
	}
	for _, tt := range tests {
		tx, _ := Bounded[int](tt.capacity, nil)
		if tx.Cap() != tt.want {
			t.Errorf("capacity %d: expected ring of %d, got %d", tt.capacity, tt.want, tx.Cap())
		}
	}
}

func TestSendRecvOrder(t *testing.T) {
	tx, rx := Bounded[int](4, nil)

	for i := 0; i < 3; i++ {
		require.False(t, tx.Send(i), "value %d should fit the ring", i)
	}
	for i := 0; i < 3; i++ {
		v, ok, err := rx.TryRecv()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	_, ok, err := rx.TryRecv()
	require.NoError(t, err)
	require.False(t, ok, "empty ring should report no value")
}

func TestSendOverflowsToPending(t *testing.T) {
	tx, rx := Bounded[int](2, nil)

	require.False(t, tx.Send(1))
	require.False(t, tx.Send(2))
	require.True(t, tx.Send(3), "third value should overflow")
	require.True(t, tx.Send(4), "pending values are retried first, so 4 queues behind 3")
	require.Equal(t, 2, tx.Pending())

	v, _, _ := rx.TryRecv()
	require.Equal(t, 1, v)

	// One slot is free: 3 moves into the ring, 5 queues behind 4.
	require.True(t, tx.Send(5))
	require.Equal(t, 2, tx.Pending())

	for _, want := range []int{2, 3} {
		v, _, _ := rx.TryRecv()
		require.Equal(t, want, v)
	}

	// The ring is empty: 4 and 5 move in, 6 waits.
	require.True(t, tx.Send(6))
	require.Equal(t, 1, tx.Pending())
	for _, want := range []int{4, 5} {
		v, _, _ := rx.TryRecv()
		require.Equal(t, want, v)
	}

	require.Zero(t, tx.Close(), "close moves the last pending value into the ring")
	v, ok, err := rx.TryRecv()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 6, v)
}

func TestUnderPressure(t *testing.T) {
	tx, rx := Bounded[int](8, nil)

	for i := 0; i < 4; i++ {
		tx.Send(i)
	}
	if tx.UnderPressure() {
		t.Error("half full ring should not be under pressure")
	}

	tx.Send(4)
	if !tx.UnderPressure() {
		t.Error("ring more than half full should be under pressure")
	}

	rx.TryRecv()
	if tx.UnderPressure() {
		t.Error("pressure should clear once the consumer catches up")
	}
}

func TestForceSendWaitsForConsumer(t *testing.T) {
	var wakes atomic.Int64
	tx, rx := Bounded[int](2, func() { wakes.Add(1) })

	tx.Send(1)
	tx.Send(2)

	done := make(chan bool)
	go func() {
		done <- tx.ForceSend(3)
	}()
	require.Eventually(t, func() bool { return wakes.Load() > 0 }, time.Second, time.Millisecond,
		"force send should wake the consumer while the ring is full")

	// Drain until the forced value shows up.
	var got []int
	for len(got) < 3 {
		v, ok, err := rx.TryRecv()
		require.NoError(t, err)
		if ok {
			got = append(got, v)
		}
	}
	require.True(t, <-done)
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestForceSendGivesUpWhenReceiverCloses(t *testing.T) {
	tx, rx := Bounded[int](2, nil)
	tx.Send(1)
	tx.Send(2)

	done := make(chan bool)
	go func() {
		done <- tx.ForceSend(3)
	}()
	rx.Close()

	if <-done {
		t.Error("force send into a closed receiver should fail")
	}
}

func TestFlushDeliversPending(t *testing.T) {
	tx, rx := Bounded[int](2, nil)
	for i := 1; i <= 5; i++ {
		tx.Send(i)
	}
	require.Equal(t, 3, tx.Pending())

	done := make(chan bool)
	go func() {
		done <- tx.Flush()
	}()

	var got []int
	for len(got) < 5 {
		if v, ok, _ := rx.TryRecv(); ok {
			got = append(got, v)
		}
	}
	require.True(t, <-done)
	require.Equal(t, []int{1, 2, 3, 4, 5}, got)
	require.Zero(t, tx.Pending())
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	tx, rx := Bounded[int](2, nil)
	tx.Send(1)
	tx.Send(2)
	tx.Send(3) // pending

	dropped := tx.Close()
	require.Equal(t, 1, dropped, "pending value that does not fit is dropped on close")
	require.Zero(t, tx.Close(), "close is idempotent")
	require.False(t, tx.Send(4), "send after close is ignored")

	for _, want := range []int{1, 2} {
		v, ok, err := rx.TryRecv()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, v)
	}

	_, ok, err := rx.TryRecv()
	require.False(t, ok)
	require.True(t, errors.Is(err, ErrClosed))
}

func TestConcurrentProducerConsumer(t *testing.T) {
	const n = 100000
	tx, rx := Bounded[int](64, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			tx.ForceSend(i)
		}
		tx.Close()
	}()

	next := 0
	for {
		v, ok, err := rx.TryRecv()
		if errors.Is(err, ErrClosed) {
			break
		}
		if !ok {
			continue
		}
		if v != next {
			t.Fatalf("expected %d, got %d", next, v)
		}
		next++
	}
	wg.Wait()

	if next != n {
		t.Errorf("expected %d values, got %d", n, next)
	}
}

// TestSendPreservesOrderProperty checks FIFO order across ring and pending
// queue for arbitrary interleavings of sends and receives.
func TestSendPreservesOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(2, 16).Draw(rt, "capacity")
		ops := rapid.SliceOf(rapid.Bool()).Draw(rt, "ops")

		tx, rx := Bounded[int](capacity, nil)
		sent, got := 0, []int{}
		for _, send := range ops {
			if send {
				tx.Send(sent)
				sent++
				continue
			}
			if v, ok, _ := rx.TryRecv(); ok {
				got = append(got, v)
			}
		}
		for tx.Pending() > 0 || len(got) < sent {
			if v, ok, _ := rx.TryRecv(); ok {
				got = append(got, v)
				continue
			}
			// Ring is empty: each send moves pending values in.
			tx.Send(sent)
			sent++
		}

		for i, v := range got {
			if v != i {
				rt.Fatalf("position %d: expected %d, got %d", i, i, v)
			}
		}
	})
}
