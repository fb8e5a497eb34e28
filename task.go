package stitchz

import (
	"context"
	"iter"
)

// Go runs fn on a new goroutine with span as its local parent and ends the
// span when fn returns. The context handed to fn carries a fresh local
// parent stack owned by the new goroutine.
func Go(ctx context.Context, span *Span, fn func(ctx context.Context)) {
	base := WithoutLocalParent(ctx)
	go func() {
		defer span.End()
		ctx, guard := span.SetLocalParent(base)
		defer guard.End()
		fn(ctx)
	}()
}

// InSpanStep wraps a step function, such as one poll of a state machine,
// so that span is the local parent while each step runs. The local parent
// is torn down after every step, which lets consecutive steps run on
// different goroutines. The span ends once a step reports done.
func InSpanStep[T any](span *Span, step func(ctx context.Context) (T, bool)) func(ctx context.Context) (T, bool) {
	return func(ctx context.Context) (T, bool) {
		stepCtx, guard := span.SetLocalParent(WithoutLocalParent(ctx))
		v, done := step(stepCtx)
		guard.End()
		if done {
			span.End()
		}
		return v, done
	}
}

// InSpanSeq wraps a sequence so that span is the local parent while the
// sequence body runs. The scope is closed around every yield, since the
// consumer's code between two values is not part of span, and the span
// ends when iteration stops.
func InSpanSeq[T any](ctx context.Context, span *Span, seq func(ctx context.Context) iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		defer span.End()

		bodyCtx, guard := span.SetLocalParent(WithoutLocalParent(ctx))
		defer func() { guard.End() }()

		for v := range seq(bodyCtx) {
			guard.End()
			if !yield(v) {
				return
			}
			_, guard = span.SetLocalParent(bodyCtx)
		}
	}
}
