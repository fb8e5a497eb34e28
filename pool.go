package stitchz

// boundedPool keeps up to capacity idle values for reuse.
// Safe for concurrent use by multiple goroutines.
type boundedPool[T any] struct {
	factory func() T
	items   chan T
}

// newBoundedPool creates a pool that holds at most capacity idle values.
func newBoundedPool[T any](capacity int, factory func() T) *boundedPool[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &boundedPool[T]{
		items:   make(chan T, capacity),
		factory: factory,
	}
}

// Get retrieves an idle value or creates one if the pool is empty.
func (p *boundedPool[T]) Get() T {
	select {
	case v := <-p.items:
		return v
	default:
		// Pool empty, create directly (fallback for burst load).
		return p.factory()
	}
}

// Put returns a value to the pool. It reports false when the pool is full
// and the caller keeps responsibility for v.
func (p *boundedPool[T]) Put(v T) bool {
	select {
	case p.items <- v:
		return true
	default:
		return false
	}
}

// Drain removes and returns every idle value.
func (p *boundedPool[T]) Drain() []T {
	var out []T
	for {
		select {
		case v := <-p.items:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Len returns the number of idle values.
func (p *boundedPool[T]) Len() int {
	return len(p.items)
}
