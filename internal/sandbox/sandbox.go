// Package sandbox provides the three job executors: an in-process handler
// sandbox, a Python subprocess sandbox, and a container executor. All three
// share one interface and report the same telemetry shape.
package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/apphub-io/timestore/internal/bundles"
	"github.com/apphub-io/timestore/internal/storage"
)

type (
	// LogEntry is one sandbox log line.
	LogEntry struct {
		Level   string          `json:"level"`
		Message string          `json:"message"`
		Meta    storage.JSONMap `json:"meta,omitempty"`
		Time    time.Time       `json:"time"`
	}

	// ResourceUsage aggregates the sandbox's resource accounting.
	ResourceUsage struct {
		CPUTimeMs    int64 `json:"cpuTimeMs,omitempty"`
		WallTimeMs   int64 `json:"wallTimeMs"`
		MaxRSSBytes  int64 `json:"maxRssBytes,omitempty"`
		MemAllocated int64 `json:"memAllocatedBytes,omitempty"`
	}

	// Telemetry is what every executor returns.
	Telemetry struct {
		TaskID            string          `json:"taskId"`
		DurationMs        int64           `json:"durationMs"`
		Logs              []LogEntry      `json:"logs"`
		TruncatedLogCount int             `json:"truncatedLogCount"`
		ResourceUsage     ResourceUsage   `json:"resourceUsage"`
		Result            storage.JSONMap `json:"result,omitempty"`
	}

	// UpdateFunc persists a run patch and refreshes the heartbeat.
	UpdateFunc func(ctx context.Context, patch *storage.RunPatch) (*storage.JobRun, error)

	// SecretResolver resolves an external secret reference. The resolved
	// value must never appear in logs, telemetry, or results.
	SecretResolver func(ctx context.Context, ref SecretRef) (*string, error)

	// SecretRef points into an external secret store.
	SecretRef struct {
		Source string `json:"source"`
		Key    string `json:"key"`
	}

	// Request carries everything an executor needs for one run.
	Request struct {
		Bundle        *bundles.AcquiredBundle
		Definition    *storage.JobDefinition
		Run           *storage.JobRun
		Parameters    storage.JSONMap
		Timeout       time.Duration
		ExportName    string
		Update        UpdateFunc
		ResolveSecret SecretResolver
	}

	// Executor runs one job attempt to completion.
	Executor interface {
		Name() string
		Execute(ctx context.Context, req *Request) (*Telemetry, error)
	}
)

// maxBufferedLogs bounds the per-run log buffer; surplus lines are counted,
// not stored.
const maxBufferedLogs = 1000

// logBuffer collects sandbox log lines up to a cap.
type logBuffer struct {
	mu        sync.Mutex
	entries   []LogEntry
	truncated int
	limit     int
}

func newLogBuffer() *logBuffer {
	return &logBuffer{limit: maxBufferedLogs}
}

func (b *logBuffer) append(level, message string, meta storage.JSONMap) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.limit {
		b.truncated++

		return
	}

	b.entries = append(b.entries, LogEntry{
		Level:   level,
		Message: message,
		Meta:    meta,
		Time:    time.Now().UTC(),
	})
}

func (b *logBuffer) drain() ([]LogEntry, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.entries
	truncated := b.truncated
	b.entries = nil
	b.truncated = 0

	return entries, truncated
}
