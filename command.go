package stitchz

// commandKind enumerates what producers ask of the aggregator.
type commandKind uint8

const (
	cmdStartCollect commandKind = iota
	cmdDropCollect
	cmdCommitCollect
	cmdSubmitSpans
)

func (k commandKind) String() string {
	switch k {
	case cmdStartCollect:
		return "start_collect"
	case cmdDropCollect:
		return "drop_collect"
	case cmdCommitCollect:
		return "commit_collect"
	case cmdSubmitSpans:
		return "submit_spans"
	default:
		return "unknown"
	}
}

// collectTokenItem attaches a fragment to one in-flight trace.
type collectTokenItem struct {
	TraceID   TraceID
	ParentID  SpanID
	CollectID uint64
	IsRoot    bool
	IsSampled bool
}

// command travels from a producer to the aggregator. Only submitSpans
// commands carry a fragment and a token. shared marks a fragment that other
// owners may still read; the aggregator never recycles it.
type command struct {
	frag      *fragment
	token     []collectTokenItem
	collectID uint64
	kind      commandKind
	shared    bool
}

// sampledItems returns the sampled items of a token, reusing its storage
// when every item is sampled.
func sampledItems(token []collectTokenItem) []collectTokenItem {
	for i, item := range token {
		if item.IsSampled {
			continue
		}
		out := make([]collectTokenItem, 0, len(token)-1)
		out = append(out, token[:i]...)
		for _, rest := range token[i+1:] {
			if rest.IsSampled {
				out = append(out, rest)
			}
		}
		return out
	}
	return token
}

// sameTargets reports whether two tokens deliver to the same traces, which
// lets a nested frame merge into its parent frame.
func sameTargets(a, b []collectTokenItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].CollectID != b[i].CollectID ||
			a[i].TraceID != b[i].TraceID ||
			a[i].IsSampled != b[i].IsSampled {
			return false
		}
	}
	return true
}
