package sandbox

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/storage"
)

//go:embed child.py
var childScript []byte

// maxFrameBytes bounds a single protocol frame.
const maxFrameBytes = 16 << 20

type (
	// PythonExecutor runs bundle handlers in a Python subprocess over a
	// length-prefixed JSON stdio protocol.
	PythonExecutor struct {
		pythonBin   string
		childPath   string
		killGrace   time.Duration
		logger      *slog.Logger
		auditSecret func(runID, jobSlug string, ref SecretRef)
	}

	frame map[string]any
)

var _ Executor = (*PythonExecutor)(nil)

// NewPython materializes the embedded child script and returns the executor.
// auditSecret is invoked for every secret resolution; it may be nil.
func NewPython(workDir string, auditSecret func(runID, jobSlug string, ref SecretRef)) (*PythonExecutor, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox work dir: %w", err)
	}

	childPath := filepath.Join(workDir, "child.py")
	if err := os.WriteFile(childPath, childScript, 0o644); err != nil {
		return nil, fmt.Errorf("write sandbox child script: %w", err)
	}

	return &PythonExecutor{
		pythonBin: config.GetEnvStr("SANDBOX_PYTHON_BIN", "python3"),
		childPath: childPath,
		killGrace: config.GetEnvDuration("SANDBOX_KILL_GRACE", 5*time.Second),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		auditSecret: auditSecret,
	}, nil
}

func (e *PythonExecutor) Name() string { return "python" }

// Execute spawns the child, sends the start frame, and services protocol
// requests until a result or error frame arrives. On timeout or cancel the
// child gets a cancel frame and SIGINT, then SIGKILL after the grace period.
func (e *PythonExecutor) Execute(ctx context.Context, req *Request) (*Telemetry, error) {
	if req.Bundle == nil {
		return nil, apperr.New(apperr.KindValidation, "python sandbox requires an acquired bundle")
	}

	entryFile, err := resolveEntryFile(req)
	if err != nil {
		return nil, err
	}

	taskID := uuid.NewString()

	runCtx := ctx

	var cancel context.CancelFunc

	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.Command(e.pythonBin, e.childPath)
	cmd.Dir = req.Bundle.Dir
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open sandbox stdin: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open sandbox stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.KindExecution, "start python sandbox", err)
	}

	logs := newLogBuffer()
	start := time.Now()

	startPayload := frame{
		"type": "start",
		"payload": frame{
			"taskId": taskID,
			"bundle": frame{
				"directory":  req.Bundle.Dir,
				"entryFile":  entryFile,
				"manifest":   map[string]any(req.Bundle.Version.Manifest),
				"exportName": req.ExportName,
			},
			"job": frame{
				"definition": frame{
					"id":         req.Definition.ID,
					"slug":       req.Definition.Slug,
					"name":       req.Definition.Name,
					"version":    req.Definition.Version,
					"entryPoint": req.Definition.EntryPoint,
				},
				"run": frame{
					"id":      req.Run.ID,
					"status":  string(req.Run.Status),
					"attempt": req.Run.Attempt,
				},
				"parameters": map[string]any(req.Parameters),
			},
		},
	}

	writer := bufio.NewWriter(stdin)

	if err := writeFrame(writer, startPayload); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()

		return nil, apperr.Wrap(apperr.KindExecution, "send start frame", err)
	}

	// The reader goroutine owns stdout; results come back on the channel.
	type outcome struct {
		telemetry *Telemetry
		err       error
	}

	done := make(chan outcome, 1)

	go func() {
		telemetry, err := e.serveProtocol(runCtx, req, bufio.NewReader(stdout), writer, logs, taskID)
		done <- outcome{telemetry: telemetry, err: err}
	}()

	var out outcome

	select {
	case out = <-done:
	case <-runCtx.Done():
		killTimer := e.interrupt(writer, cmd)
		out = <-done

		killTimer.Stop()

		if out.err == nil || apperr.KindOf(out.err) == apperr.KindInternal {
			if ctx.Err() != nil {
				out.err = apperr.Wrap(apperr.KindCancelled, "run cancelled", ctx.Err())
			} else {
				out.err = apperr.Newf(apperr.KindTimeout,
					"sandbox exceeded wall-clock timeout of %s", req.Timeout)
			}
		}
	}

	_ = stdin.Close()
	_ = cmd.Wait()

	if out.telemetry == nil {
		entries, truncated := logs.drain()
		out.telemetry = &Telemetry{
			TaskID:            taskID,
			DurationMs:        time.Since(start).Milliseconds(),
			Logs:              entries,
			TruncatedLogCount: truncated,
			ResourceUsage:     ResourceUsage{WallTimeMs: time.Since(start).Milliseconds()},
		}
	}

	return out.telemetry, out.err
}

// serveProtocol reads child frames and answers update and secret requests
// until the terminal result or error frame.
func (e *PythonExecutor) serveProtocol(ctx context.Context, req *Request, r *bufio.Reader, w *bufio.Writer, logs *logBuffer, taskID string) (*Telemetry, error) {
	start := time.Now()

	for {
		msg, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, apperr.New(apperr.KindExecution, "sandbox exited without a result")
			}

			return nil, apperr.Wrap(apperr.KindExecution, "read sandbox frame", err)
		}

		switch msg["type"] {
		case "log":
			meta, _ := msg["meta"].(map[string]any)
			level, _ := msg["level"].(string)
			message, _ := msg["message"].(string)
			logs.append(level, message, storage.JSONMap(meta))

		case "update-request":
			e.answerUpdate(ctx, req, w, msg)

		case "resolve-secret-request":
			e.answerSecret(ctx, req, w, msg)

		case "result":
			entries, truncated := logs.drain()

			result, _ := msg["result"].(map[string]any)
			durationMs := asInt64(msg["durationMs"])
			if durationMs == 0 {
				durationMs = time.Since(start).Milliseconds()
			}

			return &Telemetry{
				TaskID:            taskID,
				DurationMs:        durationMs,
				Logs:              entries,
				TruncatedLogCount: truncated,
				ResourceUsage:     usageFromFrame(msg["resourceUsage"], durationMs),
				Result:            storage.JSONMap(result),
			}, nil

		case "error":
			entries, truncated := logs.drain()

			telemetry := &Telemetry{
				TaskID:            taskID,
				DurationMs:        time.Since(start).Milliseconds(),
				Logs:              entries,
				TruncatedLogCount: truncated,
				ResourceUsage:     ResourceUsage{WallTimeMs: time.Since(start).Milliseconds()},
			}

			return telemetry, errorFromFrame(msg)
		}
	}
}

func (e *PythonExecutor) answerUpdate(ctx context.Context, req *Request, w *bufio.Writer, msg frame) {
	requestID, _ := msg["requestId"].(string)
	updates, _ := msg["updates"].(map[string]any)

	patch := patchFromUpdates(updates)

	var (
		run *storage.JobRun
		err error
	)

	if req.Update != nil {
		run, err = req.Update(ctx, patch)
	}

	response := frame{"type": "update-response", "requestId": requestID, "ok": err == nil}
	if err != nil {
		response["error"] = err.Error()
	} else if run != nil {
		response["run"] = frame{"id": run.ID, "status": string(run.Status), "attempt": run.Attempt}
	}

	if werr := writeFrame(w, response); werr != nil {
		e.logger.Warn("sandbox update response failed", "error", werr)
	}
}

func (e *PythonExecutor) answerSecret(ctx context.Context, req *Request, w *bufio.Writer, msg frame) {
	requestID, _ := msg["requestId"].(string)
	refRaw, _ := msg["reference"].(map[string]any)

	source, _ := refRaw["source"].(string)
	key, _ := refRaw["key"].(string)
	ref := SecretRef{Source: source, Key: key}

	if e.auditSecret != nil {
		e.auditSecret(req.Run.ID, req.Definition.Slug, ref)
	}

	var (
		value *string
		err   error
	)

	if req.ResolveSecret != nil {
		value, err = req.ResolveSecret(ctx, ref)
	} else {
		err = apperr.New(apperr.KindNotAuthorized, "secret resolution is not available")
	}

	response := frame{"type": "resolve-secret-response", "requestId": requestID, "ok": err == nil}
	if err != nil {
		response["error"] = err.Error()
	} else if value != nil {
		response["value"] = *value
	}

	if werr := writeFrame(w, response); werr != nil {
		e.logger.Warn("sandbox secret response failed", "error", werr)
	}
}

// interrupt asks the child to stop: cancel frame, SIGINT, then SIGKILL
// after the grace period. The caller stops the returned timer once the
// child has exited.
func (e *PythonExecutor) interrupt(w *bufio.Writer, cmd *exec.Cmd) *time.Timer {
	_ = writeFrame(w, frame{"type": "cancel", "reason": "timeout or cancel"})
	_ = cmd.Process.Signal(syscall.SIGINT)

	return time.AfterFunc(e.killGrace, func() {
		_ = cmd.Process.Kill()
	})
}

func resolveEntryFile(req *Request) (string, error) {
	entry := "main.py"

	if raw, ok := req.Bundle.Version.Manifest["entry"].(string); ok && raw != "" {
		entry = raw
	}

	full := filepath.Join(req.Bundle.Dir, filepath.FromSlash(entry))

	rel, err := filepath.Rel(req.Bundle.Dir, full)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) > 1 && rel[:2] == ".." {
		return "", apperr.Newf(apperr.KindValidation, "bundle entry %q escapes the bundle directory", entry)
	}

	return full, nil
}

func patchFromUpdates(updates map[string]any) *storage.RunPatch {
	patch := &storage.RunPatch{}

	if metrics, ok := updates["metrics"].(map[string]any); ok {
		patch.Metrics = storage.JSONMap(metrics)
	}

	if runContext, ok := updates["context"].(map[string]any); ok {
		patch.Context = storage.JSONMap(runContext)
	}

	if logsURL, ok := updates["logsUrl"].(string); ok {
		patch.LogsURL = &logsURL
	}

	return patch
}

func errorFromFrame(msg frame) error {
	details, _ := msg["error"].(map[string]any)
	message, _ := details["message"].(string)

	if message == "" {
		message = "sandbox handler failed"
	}

	if cancelled, _ := details["cancelled"].(bool); cancelled {
		return apperr.New(apperr.KindCancelled, message)
	}

	if kind, _ := details["kind"].(string); kind == "not-authorized" {
		err := apperr.New(apperr.KindNotAuthorized, message)
		if capability, ok := details["capability"].(string); ok {
			return err.WithProperty("capability", capability)
		}

		return err
	}

	err := apperr.New(apperr.KindExecution, message)
	if stack, ok := details["stack"].(string); ok {
		return err.WithProperty("stack", stack)
	}

	return err
}

func usageFromFrame(raw any, wallMs int64) ResourceUsage {
	usage := ResourceUsage{WallTimeMs: wallMs}

	fields, ok := raw.(map[string]any)
	if !ok {
		return usage
	}

	utime := asFloat(fields["ru_utime"])
	stime := asFloat(fields["ru_stime"])
	usage.CPUTimeMs = int64((utime + stime) * 1000)

	// ru_maxrss is KiB on Linux.
	usage.MaxRSSBytes = asInt64(fields["ru_maxrss"]) * 1024

	return usage
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()

		return i
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// writeFrame emits one length-prefixed JSON frame.
func writeFrame(w *bufio.Writer, msg frame) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var header [4]byte

	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	if _, err := w.Write(body); err != nil {
		return err
	}

	return w.Flush()
}

// readFrame reads one length-prefixed JSON frame.
func readFrame(r *bufio.Reader) (frame, error) {
	var header [4]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameBytes {
		return nil, fmt.Errorf("sandbox frame of %d bytes exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var msg frame
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}

	return msg, nil
}
