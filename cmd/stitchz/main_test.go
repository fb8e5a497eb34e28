package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestTraceparentCommand(t *testing.T) {
	out := execute(t, "traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	require.Equal(t, "trace_id=0af7651916cd43dd8448eb211c80319c span_id=b7ad6b7169203331 sampled=true\n", out)
}

func TestTraceparentCommandRejectsMalformed(t *testing.T) {
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"traceparent", "01-xyz"})
	require.Error(t, rootCmd.Execute())
}

func TestDemoReportsEveryTrace(t *testing.T) {
	out := execute(t, "--traces", "2", "--workers", "2", "--reporter", "console")

	counts := map[string]int{}
	scanner := bufio.NewScanner(bytes.NewBufferString(out))
	for scanner.Scan() {
		var rec struct {
			Name   string            `json:"name"`
			Events []json.RawMessage `json:"events"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		counts[rec.Name]++
		if rec.Name == "worker" {
			require.Len(t, rec.Events, 1)
		}
	}
	require.Equal(t, map[string]int{"request": 2, "parse": 2, "worker": 4, "step": 12}, counts)
}
