package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

type (
	// Handler is a statically registered in-process job handler.
	Handler func(ctx context.Context, hc *HandlerContext) (storage.JSONMap, error)

	// HandlerContext is what an in-process handler receives. File and
	// network access go through the capability-fenced accessors; direct
	// use of os or net/http bypasses accounting and is not supported.
	HandlerContext struct {
		Definition *storage.JobDefinition
		Run        *storage.JobRun
		Parameters storage.JSONMap

		capabilities map[string]bool
		logs         *logBuffer
		update       UpdateFunc
		resolve      SecretResolver
		taskID       string
	}

	// InprocExecutor runs statically registered handlers on the worker
	// goroutine, fenced by the declared capability flags.
	InprocExecutor struct {
		mu       sync.RWMutex
		handlers map[string]Handler
	}
)

var _ Executor = (*InprocExecutor)(nil)

// NewInproc creates an executor with no registered handlers.
func NewInproc() *InprocExecutor {
	return &InprocExecutor{handlers: make(map[string]Handler)}
}

// Register binds a handler name. Names collide with job entry points.
func (e *InprocExecutor) Register(name string, handler Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.handlers[name]; ok {
		return fmt.Errorf("handler %s already registered", name)
	}

	e.handlers[name] = handler

	return nil
}

// Registered reports whether a handler exists for the name.
func (e *InprocExecutor) Registered(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.handlers[name]

	return ok
}

func (e *InprocExecutor) Name() string { return "inproc" }

// Execute runs the handler named by the request's export (falling back to
// the definition entry point) under the wall-clock timeout.
func (e *InprocExecutor) Execute(ctx context.Context, req *Request) (*Telemetry, error) {
	name := req.ExportName
	if name == "" {
		name = req.Definition.EntryPoint
	}

	e.mu.RLock()
	handler, ok := e.handlers[name]
	e.mu.RUnlock()

	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "no in-process handler registered as %q", name)
	}

	hc := &HandlerContext{
		Definition:   req.Definition,
		Run:          req.Run,
		Parameters:   req.Parameters,
		capabilities: capabilitySet(req),
		logs:         newLogBuffer(),
		update:       req.Update,
		resolve:      req.ResolveSecret,
		taskID:       uuid.NewString(),
	}

	runCtx := ctx

	var cancel context.CancelFunc

	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var memBefore runtime.MemStats

	runtime.ReadMemStats(&memBefore)

	start := time.Now()

	type outcome struct {
		result storage.JSONMap
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		result, err := handler(runCtx, hc)
		done <- outcome{result: result, err: err}
	}()

	var out outcome

	select {
	case out = <-done:
	case <-runCtx.Done():
		// Cooperative interrupt via context; the goroutine finishes on
		// its own once it observes cancellation.
		if ctx.Err() != nil {
			out = outcome{err: apperr.Wrap(apperr.KindCancelled, "run cancelled", ctx.Err())}
		} else {
			out = outcome{err: apperr.Newf(apperr.KindTimeout,
				"handler exceeded wall-clock timeout of %s", req.Timeout)}
		}
	}

	duration := time.Since(start)

	var memAfter runtime.MemStats

	runtime.ReadMemStats(&memAfter)

	logs, truncated := hc.logs.drain()

	telemetry := &Telemetry{
		TaskID:            hc.taskID,
		DurationMs:        duration.Milliseconds(),
		Logs:              logs,
		TruncatedLogCount: truncated,
		ResourceUsage: ResourceUsage{
			WallTimeMs:   duration.Milliseconds(),
			MemAllocated: int64(memAfter.TotalAlloc - memBefore.TotalAlloc),
		},
		Result: out.result,
	}

	return telemetry, out.err
}

func capabilitySet(req *Request) map[string]bool {
	caps := make(map[string]bool)

	if req.Bundle != nil && req.Bundle.Version != nil {
		if declared, ok := req.Bundle.Version.Manifest["capabilities"].([]any); ok {
			for _, c := range declared {
				if s, ok := c.(string); ok {
					caps[s] = true
				}
			}
		}
	}

	for _, c := range capabilityFlagsFromDefinition(req.Definition) {
		caps[c] = true
	}

	return caps
}

func capabilityFlagsFromDefinition(def *storage.JobDefinition) []string {
	if def == nil || def.Metadata == nil {
		return nil
	}

	raw, ok := def.Metadata["capabilityFlags"].([]any)
	if !ok {
		return nil
	}

	flags := make([]string, 0, len(raw))

	for _, r := range raw {
		if s, ok := r.(string); ok {
			flags = append(flags, s)
		}
	}

	return flags
}

// Log buffers a log line into the run telemetry.
func (hc *HandlerContext) Log(message string, meta storage.JSONMap) {
	if meta == nil {
		meta = storage.JSONMap{}
	}

	meta["sandboxTaskId"] = hc.taskID
	hc.logs.append("info", message, meta)
}

// Update persists a run patch and refreshes the heartbeat.
func (hc *HandlerContext) Update(ctx context.Context, patch *storage.RunPatch) error {
	if hc.update == nil {
		return nil
	}

	run, err := hc.update(ctx, patch)
	if err != nil {
		return err
	}

	hc.Run = run

	return nil
}

// Heartbeat refreshes liveness without changing run fields.
func (hc *HandlerContext) Heartbeat(ctx context.Context) error {
	return hc.Update(ctx, &storage.RunPatch{})
}

// ResolveSecret resolves an external secret reference. The value is never
// logged.
func (hc *HandlerContext) ResolveSecret(ctx context.Context, ref SecretRef) (*string, error) {
	if hc.resolve == nil {
		return nil, apperr.New(apperr.KindNotAuthorized, "secret resolution is not available")
	}

	return hc.resolve(ctx, ref)
}

// HasCapability reports whether the bundle or definition declared a flag.
func (hc *HandlerContext) HasCapability(name string) bool {
	return hc.capabilities[name]
}

// OpenFile is the fs-fenced file accessor.
func (hc *HandlerContext) OpenFile(path string) (*os.File, error) {
	if !hc.capabilities["fs"] {
		return nil, capabilityDenied("fs")
	}

	return os.Open(path)
}

// HTTPClient is the network-fenced HTTP accessor.
func (hc *HandlerContext) HTTPClient() (*http.Client, error) {
	if !hc.capabilities["net"] && !hc.capabilities["network"] {
		return nil, capabilityDenied("net")
	}

	return &http.Client{Timeout: 30 * time.Second}, nil
}

func capabilityDenied(capability string) error {
	return apperr.Newf(apperr.KindNotAuthorized,
		"use of capability %q requires declaring it in the bundle manifest", capability).
		WithProperty("capability", capability)
}
