package stitchz

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConsoleReporterWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewConsoleReporter(&buf)
	traceID := NewTraceID()

	reporter.Report([]SpanRecord{
		{Name: "root", TraceID: traceID, SpanID: 1, DurationNano: 10},
		{Name: "child", TraceID: traceID, SpanID: 2, ParentID: 1,
			Properties: []Property{{Key: "k", Value: "v"}},
			Events:     []EventRecord{{Name: "ev", TimestampUnixNano: 5}}},
	})

	scanner := bufio.NewScanner(&buf)
	var lines []map[string]any
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	require.Equal(t, "root", lines[0]["name"])
	require.Equal(t, traceID.String(), lines[0]["trace_id"])
	require.Equal(t, SpanID(1).String(), lines[1]["parent_id"])
	require.Equal(t, []any{map[string]any{"key": "k", "value": "v"}}, lines[1]["properties"])
}

func TestMemoryReporter(t *testing.T) {
	reporter := NewMemoryReporter()

	reporter.Report([]SpanRecord{{Name: "a"}})
	reporter.Report([]SpanRecord{{Name: "b"}, {Name: "c"}})
	records := reporter.Records()
	require.Len(t, records, 3)
	require.Equal(t, 2, reporter.Batches())

	records[0].Name = "changed"
	require.Equal(t, "a", reporter.Records()[0].Name, "records are returned as a copy")

	reporter.Reset()
	require.Empty(t, reporter.Records())
	require.Zero(t, reporter.Batches())
}

func TestReporterFunc(t *testing.T) {
	var got []SpanRecord
	var reporter Reporter = ReporterFunc(func(records []SpanRecord) { got = records })

	reporter.Report([]SpanRecord{{Name: "a"}})
	require.Len(t, got, 1)
}
