package stitchz

import (
	"context"
	"slices"

	"github.com/zoobzio/clockz"
)

// stackKeyType is a private type for context keys to avoid collisions.
type stackKeyType struct{}

var stackKey stackKeyType

// stack tracks the local parents of one goroutine. It is reached through a
// context.Context and is not safe for concurrent use: a context carrying a
// stack must stay on the goroutine that created it. Use WithoutLocalParent
// before handing a context to another goroutine.
type stack struct {
	frames []*frame
	ids    *idGenerator // Borrowed while at least one frame is open.
}

// frame is one local collection scope. Spans entered under it accumulate
// in frag until the frame is popped.
type frame struct {
	tracer *Tracer            // nil for a LocalCollector frame.
	clock  clockz.Clock
	token  []collectTokenItem // nil for a LocalCollector frame.
	frag   *fragment
	open   []int  // Indices into frag.spans of spans not yet ended.
	spanID SpanID // The local parent span, zero for a LocalCollector frame.
	done   bool
}

func stackFrom(ctx context.Context) *stack {
	if ctx == nil {
		return nil
	}
	st, _ := ctx.Value(stackKey).(*stack)
	return st
}

// withStack returns ctx carrying a stack, creating one if needed.
func withStack(ctx context.Context) (context.Context, *stack) {
	if ctx == nil {
		ctx = context.Background()
	}
	if st := stackFrom(ctx); st != nil {
		return ctx, st
	}
	st := &stack{}
	return context.WithValue(ctx, stackKey, st), st
}

// WithoutLocalParent returns a context that no longer carries the local
// parent stack of ctx. Use it before passing ctx to a new goroutine.
func WithoutLocalParent(ctx context.Context) context.Context {
	if stackFrom(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, stackKey, (*stack)(nil))
}

func (st *stack) top() *frame {
	if len(st.frames) == 0 {
		return nil
	}
	return st.frames[len(st.frames)-1]
}

func (st *stack) push(f *frame) {
	if st.ids == nil {
		st.ids = idGenerators.Get()
	}
	st.frames = append(st.frames, f)
}

// remove takes f off the stack and returns the frame that was below it.
// It reports false if f is no longer on the stack.
func (st *stack) remove(f *frame) (*frame, bool) {
	i := slices.Index(st.frames, f)
	if i < 0 {
		return nil, false
	}
	st.frames = slices.Delete(st.frames, i, i+1)
	if len(st.frames) == 0 {
		idGenerators.Put(st.ids)
		st.ids = nil
	}
	var below *frame
	if i > 0 {
		below = st.frames[i-1]
	}
	return below, true
}

// parentIndex returns the index of the innermost open span, or -1.
func (f *frame) parentIndex() int {
	if len(f.open) == 0 {
		return -1
	}
	return f.open[len(f.open)-1]
}

// localParent returns the raw parent id for a new item of f. Zero means
// the item attaches directly under the frame's token parent.
func (f *frame) localParent() SpanID {
	if i := f.parentIndex(); i >= 0 {
		return f.frag.spans[i].ID
	}
	return 0
}

// recording reports whether anything recorded in f can be reported.
func (f *frame) recording() bool {
	if f.token == nil {
		return true
	}
	for _, item := range f.token {
		if item.IsSampled {
			return true
		}
	}
	return false
}

// currentToken returns the token for a Span started under f.
func (f *frame) currentToken() []collectTokenItem {
	parent := f.localParent()
	if parent == 0 {
		return slices.Clone(f.token)
	}
	out := make([]collectTokenItem, len(f.token))
	for i, item := range f.token {
		item.ParentID = parent
		out[i] = item
	}
	return out
}
