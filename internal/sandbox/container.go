package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

type (
	// ContainerEnvVar is one environment entry. Non-secret variables carry
	// an inline Value; secret variables reference an external store and
	// must not carry an inline value.
	ContainerEnvVar struct {
		Name   string     `json:"name"`
		Value  string     `json:"value,omitempty"`
		Secret *SecretRef `json:"secret,omitempty"`
	}

	// ContainerInput mounts a source into the run workspace.
	ContainerInput struct {
		ID            string `json:"id"`
		SourcePath    string `json:"sourcePath"`
		WorkspacePath string `json:"workspacePath"`
	}

	// ContainerSpec is the container metadata attached to a definition or
	// submitted with a run.
	ContainerSpec struct {
		Image       string            `json:"image"`
		Command     []string          `json:"command,omitempty"`
		Env         []ContainerEnvVar `json:"env,omitempty"`
		NetworkMode string            `json:"networkMode,omitempty"`
		GPU         bool              `json:"gpu,omitempty"`
		Inputs      []ContainerInput  `json:"inputs,omitempty"`
	}

	// ContainerExecutor runs jobs through the docker CLI under the host
	// container policy.
	ContainerExecutor struct {
		policy    *ContainerPolicy
		dockerBin string
	}
)

var _ Executor = (*ContainerExecutor)(nil)

// NewContainer wires the executor to a policy.
func NewContainer(policy *ContainerPolicy) *ContainerExecutor {
	return &ContainerExecutor{policy: policy, dockerBin: "docker"}
}

func (e *ContainerExecutor) Name() string { return "container" }

// ValidateSpec checks a spec against the policy and collects every
// violation. The returned error carries the full list under
// properties.docker.validationErrors, matching the run context shape.
func (e *ContainerExecutor) ValidateSpec(spec *ContainerSpec, subject string) (string, error) {
	var validationErrors []string

	if err := e.policy.ValidateImage(spec.Image); err != nil {
		validationErrors = append(validationErrors, err.Error())
	}

	if err := e.policy.ValidateGPU(spec.GPU); err != nil {
		validationErrors = append(validationErrors, err.Error())
	}

	networkMode, err := e.policy.ResolveNetworkMode(spec.NetworkMode)
	if err != nil {
		validationErrors = append(validationErrors, err.Error())
	}

	for _, env := range spec.Env {
		if env.Name == "" {
			validationErrors = append(validationErrors, "environment variable with empty name")

			continue
		}

		if env.Secret != nil {
			if env.Value != "" {
				validationErrors = append(validationErrors,
					fmt.Sprintf("secret variable %s must not carry an inline value", env.Name))
			}

			if env.Secret.Source == "" || env.Secret.Key == "" {
				validationErrors = append(validationErrors,
					fmt.Sprintf("secret variable %s requires source and key", env.Name))
			}
		}
	}

	seenInputs := make(map[string]bool)

	for _, input := range spec.Inputs {
		if input.ID == "" {
			validationErrors = append(validationErrors, "input with empty id")

			continue
		}

		if seenInputs[input.ID] {
			validationErrors = append(validationErrors,
				fmt.Sprintf("input id %s is duplicated", input.ID))
		}

		seenInputs[input.ID] = true

		if !validWorkspacePath(input.WorkspacePath) {
			validationErrors = append(validationErrors,
				fmt.Sprintf("input %s workspacePath %q must be a relative subpath", input.ID, input.WorkspacePath))
		}
	}

	if len(validationErrors) > 0 {
		return "", apperr.Newf(apperr.KindDockerPolicy,
			"container metadata violates runtime policy for %s", subject).
			WithProperty("docker", map[string]any{"validationErrors": validationErrors})
	}

	return networkMode, nil
}

// ValidateMetadata checks the container spec a definition carries, or run
// parameters override, against the host policy without touching Docker.
// Called at definition upsert and run submit so policy violations surface
// before anything is persisted or enqueued.
func (e *ContainerExecutor) ValidateMetadata(def *storage.JobDefinition, parameters storage.JSONMap) error {
	spec, err := specFromRequest(&Request{Definition: def, Parameters: parameters})
	if err != nil {
		return err
	}

	_, err = e.ValidateSpec(spec, def.Slug)

	return err
}

// Execute validates the spec, prepares a per-run workspace, runs the
// container, and removes the workspace subtree on cleanup.
func (e *ContainerExecutor) Execute(ctx context.Context, req *Request) (*Telemetry, error) {
	if !e.policy.Enabled {
		return nil, apperr.New(apperr.KindDockerPolicy, "container jobs are disabled on this host")
	}

	spec, err := specFromRequest(req)
	if err != nil {
		return nil, err
	}

	networkMode, err := e.ValidateSpec(spec, req.Run.ID)
	if err != nil {
		return nil, err
	}

	workspace := filepath.Join(e.policy.WorkspaceRoot, req.Run.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindExecution, "create run workspace", err)
	}

	defer func() {
		_ = os.RemoveAll(workspace)
	}()

	if err := stageInputs(workspace, spec.Inputs); err != nil {
		return nil, err
	}

	env, err := resolveEnv(ctx, req, spec.Env)
	if err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	logs := newLogBuffer()
	start := time.Now()

	args := e.buildRunArgs(spec, req.Run.ID, workspace, networkMode, env)

	runCtx := ctx

	var cancel context.CancelFunc

	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.dockerBin, args...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	if e.policy.PersistLogTail {
		for _, line := range tailLines(stdout.String(), 100) {
			logs.append("info", line, nil)
		}

		for _, line := range tailLines(stderr.String(), 100) {
			logs.append("error", line, nil)
		}
	}

	entries, truncated := logs.drain()

	telemetry := &Telemetry{
		TaskID:            taskID,
		DurationMs:        duration.Milliseconds(),
		Logs:              entries,
		TruncatedLogCount: truncated,
		ResourceUsage:     ResourceUsage{WallTimeMs: duration.Milliseconds()},
		Result:            storage.JSONMap{"exitCode": exitCode(runErr)},
	}

	if runErr != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return telemetry, apperr.Newf(apperr.KindTimeout,
				"container exceeded wall-clock timeout of %s", req.Timeout)
		}

		if ctx.Err() != nil {
			return telemetry, apperr.Wrap(apperr.KindCancelled, "run cancelled", ctx.Err())
		}

		return telemetry, apperr.Wrap(apperr.KindExecution, "container run failed", runErr).
			WithProperty("docker", map[string]any{"error": strings.TrimSpace(stderr.String())})
	}

	return telemetry, nil
}

func (e *ContainerExecutor) buildRunArgs(spec *ContainerSpec, runID, workspace, networkMode string, env map[string]string) []string {
	args := []string{
		"run", "--rm",
		"--name", "ts-run-" + runID,
		"--network", networkMode,
		"-v", workspace + ":/workspace",
		"-w", "/workspace",
	}

	if spec.GPU {
		args = append(args, "--gpus", "all")
	}

	for name, value := range env {
		args = append(args, "-e", name+"="+value)
	}

	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	return args
}

func specFromRequest(req *Request) (*ContainerSpec, error) {
	raw, ok := req.Definition.Metadata["container"].(map[string]any)
	if override, hasOverride := req.Parameters["container"].(map[string]any); hasOverride {
		raw, ok = override, true
	}

	if !ok {
		return nil, apperr.New(apperr.KindValidation,
			"container runtime requires container metadata on the definition")
	}

	spec := &ContainerSpec{}

	if image, ok := raw["image"].(string); ok {
		spec.Image = image
	}

	if mode, ok := raw["networkMode"].(string); ok {
		spec.NetworkMode = mode
	}

	if gpu, ok := raw["gpu"].(bool); ok {
		spec.GPU = gpu
	}

	if command, ok := raw["command"].([]any); ok {
		for _, c := range command {
			if s, ok := c.(string); ok {
				spec.Command = append(spec.Command, s)
			}
		}
	}

	if envs, ok := raw["env"].([]any); ok {
		for _, entry := range envs {
			fields, ok := entry.(map[string]any)
			if !ok {
				continue
			}

			envVar := ContainerEnvVar{}
			envVar.Name, _ = fields["name"].(string)
			envVar.Value, _ = fields["value"].(string)

			if secret, ok := fields["secret"].(map[string]any); ok {
				source, _ := secret["source"].(string)
				key, _ := secret["key"].(string)
				envVar.Secret = &SecretRef{Source: source, Key: key}
			}

			spec.Env = append(spec.Env, envVar)
		}
	}

	if inputs, ok := raw["inputs"].([]any); ok {
		for _, entry := range inputs {
			fields, ok := entry.(map[string]any)
			if !ok {
				continue
			}

			input := ContainerInput{}
			input.ID, _ = fields["id"].(string)
			input.SourcePath, _ = fields["sourcePath"].(string)
			input.WorkspacePath, _ = fields["workspacePath"].(string)
			spec.Inputs = append(spec.Inputs, input)
		}
	}

	return spec, nil
}

// stageInputs copies input sources into the workspace at their declared
// relative paths.
func stageInputs(workspace string, inputs []ContainerInput) error {
	for _, input := range inputs {
		target := filepath.Join(workspace, filepath.FromSlash(input.WorkspacePath))

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return apperr.Wrap(apperr.KindExecution, "create input directory", err)
		}

		src, err := os.Open(input.SourcePath)
		if err != nil {
			return apperr.Wrap(apperr.KindExecution,
				fmt.Sprintf("open input %s", input.ID), err)
		}

		err = copyFile(src, target)
		_ = src.Close()

		if err != nil {
			return apperr.Wrap(apperr.KindExecution,
				fmt.Sprintf("stage input %s", input.ID), err)
		}
	}

	return nil
}

func copyFile(src *os.File, target string) error {
	dst, err := os.Create(target)
	if err != nil {
		return err
	}

	if _, err := dst.ReadFrom(src); err != nil {
		_ = dst.Close()

		return err
	}

	return dst.Close()
}

// resolveEnv materializes environment values, resolving secret references
// through the request's resolver. Resolved values never reach logs.
func resolveEnv(ctx context.Context, req *Request, vars []ContainerEnvVar) (map[string]string, error) {
	env := make(map[string]string, len(vars))

	for _, v := range vars {
		if v.Secret == nil {
			env[v.Name] = v.Value

			continue
		}

		if req.ResolveSecret == nil {
			return nil, apperr.Newf(apperr.KindNotAuthorized,
				"secret variable %s cannot be resolved", v.Name)
		}

		value, err := req.ResolveSecret(ctx, *v.Secret)
		if err != nil {
			return nil, err
		}

		if value != nil {
			env[v.Name] = *value
		}
	}

	return env, nil
}

func validWorkspacePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}

	clean := filepath.Clean(filepath.FromSlash(p))

	return clean != "." && !strings.HasPrefix(clean, "..")
}

func tailLines(s string, n int) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return lines
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
