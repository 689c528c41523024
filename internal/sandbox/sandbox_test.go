package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

func testDefinition() *storage.JobDefinition {
	return &storage.JobDefinition{
		ID:         "def-1",
		Slug:       "report-daily",
		Name:       "Daily report",
		Runtime:    storage.RuntimeInProc,
		EntryPoint: "reports.daily",
	}
}

func testRun() *storage.JobRun {
	return &storage.JobRun{ID: "run-1", JobSlug: "report-daily", Status: storage.RunRunning, Attempt: 1}
}

func TestInprocExecutesHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	exec := NewInproc()

	require.NoError(t, exec.Register("reports.daily", func(_ context.Context, hc *HandlerContext) (storage.JSONMap, error) {
		hc.Log("building report", nil)

		return storage.JSONMap{"rows": 42}, nil
	}))

	telemetry, err := exec.Execute(context.Background(), &Request{
		Definition: testDefinition(),
		Run:        testRun(),
		Parameters: storage.JSONMap{},
	})
	require.NoError(t, err)
	require.EqualValues(t, 42, telemetry.Result["rows"])
	require.Len(t, telemetry.Logs, 1)
	require.Equal(t, "building report", telemetry.Logs[0].Message)
	require.NotEmpty(t, telemetry.TaskID)
}

func TestInprocUnknownHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	exec := NewInproc()

	_, err := exec.Execute(context.Background(), &Request{
		Definition: testDefinition(),
		Run:        testRun(),
	})
	require.Error(t, err)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestInprocTimeout(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	exec := NewInproc()

	require.NoError(t, exec.Register("reports.daily", func(ctx context.Context, _ *HandlerContext) (storage.JSONMap, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	}))

	_, err := exec.Execute(context.Background(), &Request{
		Definition: testDefinition(),
		Run:        testRun(),
		Timeout:    20 * time.Millisecond,
	})
	require.Error(t, err)
	require.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
}

func TestInprocCapabilityFence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	exec := NewInproc()

	require.NoError(t, exec.Register("reports.daily", func(_ context.Context, hc *HandlerContext) (storage.JSONMap, error) {
		_, err := hc.OpenFile("/etc/hostname")

		return nil, err
	}))

	// No declared capabilities: fs access must be denied.
	_, err := exec.Execute(context.Background(), &Request{
		Definition: testDefinition(),
		Run:        testRun(),
	})
	require.Error(t, err)
	require.Equal(t, apperr.KindNotAuthorized, apperr.KindOf(err))
	require.Equal(t, "fs", apperr.PropertiesOf(err)["capability"])

	// Declared via definition metadata: allowed.
	def := testDefinition()
	def.Metadata = storage.JSONMap{"capabilityFlags": []any{"fs"}}

	_, err = exec.Execute(context.Background(), &Request{
		Definition: def,
		Run:        testRun(),
	})
	require.NoError(t, err)
}

func TestLogBufferTruncates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	buf := newLogBuffer()
	buf.limit = 3

	for i := 0; i < 5; i++ {
		buf.append("info", "line", nil)
	}

	entries, truncated := buf.drain()
	require.Len(t, entries, 3)
	require.Equal(t, 2, truncated)
}

func TestFrameRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var buf bytes.Buffer

	w := bufio.NewWriter(&buf)
	require.NoError(t, writeFrame(w, frame{"type": "log", "message": "hello"}))
	require.NoError(t, writeFrame(w, frame{"type": "result", "durationMs": float64(12)}))

	r := bufio.NewReader(&buf)

	first, err := readFrame(r)
	require.NoError(t, err)
	require.Equal(t, "log", first["type"])
	require.Equal(t, "hello", first["message"])

	second, err := readFrame(r)
	require.NoError(t, err)
	require.Equal(t, "result", second["type"])
	require.EqualValues(t, 12, asInt64(second["durationMs"]))
}

func TestFrameRejectsOversize(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var buf bytes.Buffer

	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := readFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestErrorFromFrame(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		msg  frame
		want apperr.Kind
	}{
		{
			name: "handler exception",
			msg:  frame{"error": map[string]any{"message": "boom", "stack": "trace"}},
			want: apperr.KindExecution,
		},
		{
			name: "cancellation",
			msg:  frame{"error": map[string]any{"message": "stopped", "cancelled": true}},
			want: apperr.KindCancelled,
		},
		{
			name: "capability denial",
			msg:  frame{"error": map[string]any{"message": "denied", "kind": "not-authorized"}},
			want: apperr.KindNotAuthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := errorFromFrame(tt.msg)
			require.Equal(t, tt.want, apperr.KindOf(err))
		})
	}
}
