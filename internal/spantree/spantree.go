// Package spantree renders span records as an indented tree so that tests
// can compare trace shapes without caring about ids or timing.
package spantree

import (
	"slices"
	"strings"

	"github.com/zoobzio/stitchz"
)

type node struct {
	text     string
	children []*node
}

// Render returns one tree per root, roots and siblings in lexical order.
// A record is a root when its parent is not among records. Each line is
// "name [k=v ...]", followed by "{event [k=v ...], ...}" when the record
// has events, indented four spaces per level. Span ids must be unique
// within records; use RenderTrace when one batch spans several traces.
func Render(records []stitchz.SpanRecord) string {
	nodes := make(map[stitchz.SpanID]*node, len(records))
	for i := range records {
		nodes[records[i].SpanID] = &node{text: label(&records[i])}
	}

	var roots []*node
	for i := range records {
		n := nodes[records[i].SpanID]
		if parent, ok := nodes[records[i].ParentID]; ok && records[i].ParentID != records[i].SpanID {
			parent.children = append(parent.children, n)
			continue
		}
		roots = append(roots, n)
	}

	var b strings.Builder
	for _, root := range sortNodes(roots) {
		write(&b, root, 0)
	}
	return b.String()
}

// RenderTrace renders only the records of one trace.
func RenderTrace(records []stitchz.SpanRecord, traceID stitchz.TraceID) string {
	var picked []stitchz.SpanRecord
	for _, r := range records {
		if r.TraceID == traceID {
			picked = append(picked, r)
		}
	}
	return Render(picked)
}

func label(r *stitchz.SpanRecord) string {
	var b strings.Builder
	b.WriteString(r.Name)
	b.WriteString(" ")
	b.WriteString(properties(r.Properties))
	if len(r.Events) > 0 {
		events := make([]string, len(r.Events))
		for i, ev := range r.Events {
			events[i] = ev.Name + " " + properties(ev.Properties)
		}
		b.WriteString(" {")
		b.WriteString(strings.Join(events, ", "))
		b.WriteString("}")
	}
	return b.String()
}

func properties(props []stitchz.Property) string {
	parts := make([]string, len(props))
	for i, p := range props {
		parts[i] = p.Key + "=" + p.Value
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// sortNodes orders nodes by their rendered subtree, so the output does not
// depend on record order.
func sortNodes(nodes []*node) []*node {
	keys := make(map[*node]string, len(nodes))
	for _, n := range nodes {
		var b strings.Builder
		write(&b, n, 0)
		keys[n] = b.String()
	}
	slices.SortFunc(nodes, func(x, y *node) int {
		return strings.Compare(keys[x], keys[y])
	})
	return nodes
}

func write(b *strings.Builder, n *node, depth int) {
	b.WriteString(strings.Repeat(" ", depth*4))
	b.WriteString(n.text)
	b.WriteString("\n")
	for _, child := range sortNodes(n.children) {
		write(b, child, depth+1)
	}
}
