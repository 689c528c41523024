package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
)

// JobStore persists job definitions and job runs.
//
// Definitions are slug-keyed with a monotonic version counter; runs follow
// the pending -> running -> terminal state machine. All writes are single
// transactions; callers rely on the state machine guard or idempotency keys
// for safe retries.
type JobStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewJobStore creates a PostgreSQL-backed job store.
func NewJobStore(conn *Connection) (*JobStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &JobStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

const jobDefinitionColumns = `
	id, slug, name, job_type, runtime, entry_point, version, timeout_ms,
	retry_policy, parameters_schema, default_parameters, output_schema,
	metadata, active, created_at, updated_at
`

// UpsertDefinition inserts or updates a definition by slug and returns the
// stored record. Updates bump the version counter. A concurrent insert that
// wins the slug race surfaces as kind duplicate.
func (s *JobStore) UpsertDefinition(ctx context.Context, def *JobDefinition) (*JobDefinition, error) {
	if def == nil || def.Slug == "" {
		return nil, apperr.New(apperr.KindValidation, "job definition slug is required")
	}

	retryPolicy, err := marshalNullable(def.RetryPolicy)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "retry policy is not serializable", err)
	}

	query := `
		INSERT INTO job_definitions (
			id, slug, name, job_type, runtime, entry_point, version, timeout_ms,
			retry_policy, parameters_schema, default_parameters, output_schema, metadata, active
		) VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, $9, $10, $11, $12, TRUE)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			job_type = EXCLUDED.job_type,
			runtime = EXCLUDED.runtime,
			entry_point = EXCLUDED.entry_point,
			version = job_definitions.version + 1,
			timeout_ms = EXCLUDED.timeout_ms,
			retry_policy = EXCLUDED.retry_policy,
			parameters_schema = EXCLUDED.parameters_schema,
			default_parameters = EXCLUDED.default_parameters,
			output_schema = EXCLUDED.output_schema,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING ` + jobDefinitionColumns

	row := s.conn.QueryRowContext(ctx, query,
		uuid.NewString(), def.Slug, def.Name, def.Type, def.Runtime, def.EntryPoint,
		def.TimeoutMs, retryPolicy, def.ParametersSchema, def.DefaultParameters,
		def.OutputSchema, def.Metadata,
	)

	stored, err := scanJobDefinition(row)
	if err != nil {
		return nil, translateWriteError(err, "job definition")
	}

	return stored, nil
}

// GetDefinition loads a definition by slug.
func (s *JobStore) GetDefinition(ctx context.Context, slug string) (*JobDefinition, error) {
	query := `SELECT ` + jobDefinitionColumns + ` FROM job_definitions WHERE slug = $1`

	def, err := scanJobDefinition(s.conn.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "job definition %s not found", slug)
	}

	if err != nil {
		return nil, fmt.Errorf("load job definition: %w", err)
	}

	return def, nil
}

// SetDefinitionActive flips the active flag. Deleting a definition is
// forbidden while runs exist; deactivation is the supported path.
func (s *JobStore) SetDefinitionActive(ctx context.Context, slug string, active bool) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE job_definitions SET active = $2, updated_at = NOW() WHERE slug = $1`,
		slug, active,
	)
	if err != nil {
		return translateWriteError(err, "job definition")
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return apperr.Newf(apperr.KindNotFound, "job definition %s not found", slug)
	}

	return nil
}

// ListDefinitions returns a page of definitions ordered by (updated_at, id)
// descending, with an opaque cursor for the next page.
func (s *JobStore) ListDefinitions(ctx context.Context, cursor string, limit int) ([]*JobDefinition, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	afterTime, afterID, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	query := `SELECT ` + jobDefinitionColumns + ` FROM job_definitions`
	args := []any{}

	if afterID != "" {
		query += ` WHERE (updated_at, id) < ($1, $2)`
		args = append(args, afterTime, afterID)
	}

	query += fmt.Sprintf(` ORDER BY updated_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list job definitions: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	defs := make([]*JobDefinition, 0, limit)

	for rows.Next() {
		def, err := scanJobDefinition(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan job definition: %w", err)
		}

		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate job definitions: %w", err)
	}

	next := ""
	if len(defs) > limit {
		defs = defs[:limit]
		last := defs[limit-1]
		next = EncodeCursor(last.UpdatedAt, last.ID)
	}

	return defs, next, nil
}

const jobRunColumns = `
	id, job_definition_id, job_slug, status, attempt, max_attempts, parameters,
	result, error_message, logs_url, metrics, context, timeout_ms, scheduled_at,
	started_at, completed_at, last_heartbeat_at, retry_count, failure_reason,
	created_at, updated_at
`

// CreateRun inserts a pending run for a definition.
func (s *JobStore) CreateRun(ctx context.Context, run *JobRun) (*JobRun, error) {
	if run == nil || run.JobDefinitionID == "" {
		return nil, apperr.New(apperr.KindValidation, "run requires a job definition")
	}

	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	scheduledAt := run.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}

	query := `
		INSERT INTO job_runs (
			id, job_definition_id, job_slug, status, attempt, max_attempts,
			parameters, metrics, context, timeout_ms, scheduled_at, retry_count
		) VALUES ($1, $2, $3, 'pending', $4, $5, $6, '{}', $7, $8, $9, 0)
		RETURNING ` + jobRunColumns

	attempt := run.Attempt
	if attempt == 0 {
		attempt = 1
	}

	stored, err := scanJobRun(s.conn.QueryRowContext(ctx, query,
		run.ID, run.JobDefinitionID, run.JobSlug, attempt, run.MaxAttempts,
		run.Parameters, run.Context, run.TimeoutMs, scheduledAt,
	))
	if err != nil {
		return nil, translateWriteError(err, "job run")
	}

	return stored, nil
}

// GetRun loads a run by id.
func (s *JobStore) GetRun(ctx context.Context, id string) (*JobRun, error) {
	query := `SELECT ` + jobRunColumns + ` FROM job_runs WHERE id = $1`

	run, err := scanJobRun(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "job run %s not found", id)
	}

	if err != nil {
		return nil, fmt.Errorf("load job run: %w", err)
	}

	return run, nil
}

// ListRuns returns runs for a definition slug, newest first.
func (s *JobStore) ListRuns(ctx context.Context, slug string, limit int) ([]*JobRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + jobRunColumns + ` FROM job_runs WHERE job_slug = $1
		ORDER BY scheduled_at DESC, id DESC LIMIT $2`

	rows, err := s.conn.QueryContext(ctx, query, slug, limit)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	runs := make([]*JobRun, 0, limit)

	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// TransitionRun moves a run to the next status, guarded by the state machine.
// The transition and the field patch commit atomically; an invalid edge
// (including any write after a terminal state) fails with
// ErrInvalidStateTransition and leaves the row untouched.
func (s *JobStore) TransitionRun(ctx context.Context, id string, next RunStatus, patch *RunPatch) (*JobRun, error) {
	var updated *JobRun

	err := s.conn.WithTx(ctx, func(tx *sql.Tx) error {
		var current RunStatus

		row := tx.QueryRowContext(ctx, `SELECT status FROM job_runs WHERE id = $1 FOR UPDATE`, id)
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.Newf(apperr.KindNotFound, "job run %s not found", id)
			}

			return fmt.Errorf("lock job run: %w", err)
		}

		if !current.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, current, next)
		}

		query := `
			UPDATE job_runs SET
				status = $2,
				started_at = CASE WHEN $2 = 'running' THEN NOW() ELSE started_at END,
				completed_at = CASE WHEN $2 IN ('succeeded','failed','canceled','expired') THEN NOW() ELSE completed_at END,
				result = COALESCE($3, result),
				metrics = COALESCE($4, metrics),
				context = COALESCE($5, context),
				error_message = COALESCE($6, error_message),
				logs_url = COALESCE($7, logs_url),
				failure_reason = COALESCE($8, failure_reason),
				updated_at = NOW()
			WHERE id = $1
			RETURNING ` + jobRunColumns

		var (
			result, metrics, contextJSON any
			errMsg, logsURL, failure     *string
		)

		if patch != nil {
			result = nullableJSON(patch.Result)
			metrics = nullableJSON(patch.Metrics)
			contextJSON = nullableJSON(patch.Context)
			errMsg = patch.ErrorMessage
			logsURL = patch.LogsURL
			failure = patch.FailureReason
		}

		run, err := scanJobRun(tx.QueryRowContext(ctx, query, id, next,
			result, metrics, contextJSON, errMsg, logsURL, failure))
		if err != nil {
			return fmt.Errorf("transition job run: %w", err)
		}

		updated = run

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// PatchRun persists mid-run field patches plus a heartbeat timestamp without
// changing status. Patches against terminal runs are rejected so cancellation
// is complete: after the terminal transition no further state lands.
func (s *JobStore) PatchRun(ctx context.Context, id string, patch *RunPatch) (*JobRun, error) {
	query := `
		UPDATE job_runs SET
			result = COALESCE($2, result),
			metrics = COALESCE($3, metrics),
			context = COALESCE($4, context),
			error_message = COALESCE($5, error_message),
			logs_url = COALESCE($6, logs_url),
			last_heartbeat_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING ` + jobRunColumns

	var result, metrics, contextJSON any

	var errMsg, logsURL *string

	if patch != nil {
		result = nullableJSON(patch.Result)
		metrics = nullableJSON(patch.Metrics)
		contextJSON = nullableJSON(patch.Context)
		errMsg = patch.ErrorMessage
		logsURL = patch.LogsURL
	}

	run, err := scanJobRun(s.conn.QueryRowContext(ctx, query, id, result, metrics, contextJSON, errMsg, logsURL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s is terminal or missing", ErrInvalidStateTransition, id)
	}

	if err != nil {
		return nil, fmt.Errorf("patch job run: %w", err)
	}

	return run, nil
}

// Heartbeat records liveness for a running run.
func (s *JobStore) Heartbeat(ctx context.Context, id string) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE job_runs SET last_heartbeat_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: run %s is not running", ErrInvalidStateTransition, id)
	}

	return nil
}

// RequeueRun increments the attempt counter and reschedules a failed attempt.
// The status returns to pending so a worker can pick it up at scheduledAt.
func (s *JobStore) RequeueRun(ctx context.Context, id string, scheduledAt time.Time) (*JobRun, error) {
	query := `
		UPDATE job_runs SET
			status = 'pending',
			attempt = attempt + 1,
			retry_count = retry_count + 1,
			scheduled_at = $2,
			started_at = NULL,
			last_heartbeat_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running'
		RETURNING ` + jobRunColumns

	run, err := scanJobRun(s.conn.QueryRowContext(ctx, query, id, scheduledAt.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s is not running", ErrInvalidStateTransition, id)
	}

	if err != nil {
		return nil, fmt.Errorf("requeue job run: %w", err)
	}

	return run, nil
}

// ListStaleRunning returns running runs whose heartbeat is older than the
// cutoff. Runs that never heartbeated are judged by startedAt.
func (s *JobStore) ListStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*JobRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT ` + jobRunColumns + ` FROM job_runs
		WHERE status = 'running'
		  AND COALESCE(last_heartbeat_at, started_at) < $1
		ORDER BY COALESCE(last_heartbeat_at, started_at)
		LIMIT $2`

	rows, err := s.conn.QueryContext(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var runs []*JobRun

	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale run: %w", err)
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// CountRunsForDefinition reports how many runs reference a definition.
func (s *JobStore) CountRunsForDefinition(ctx context.Context, definitionID string) (int, error) {
	var count int

	row := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_runs WHERE job_definition_id = $1`, definitionID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count job runs: %w", err)
	}

	return count, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanJobDefinition(row scanner) (*JobDefinition, error) {
	var (
		def         JobDefinition
		retryPolicy []byte
	)

	err := row.Scan(
		&def.ID, &def.Slug, &def.Name, &def.Type, &def.Runtime, &def.EntryPoint,
		&def.Version, &def.TimeoutMs, &retryPolicy, &def.ParametersSchema,
		&def.DefaultParameters, &def.OutputSchema, &def.Metadata, &def.Active,
		&def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(retryPolicy) > 0 && string(retryPolicy) != "null" {
		var policy RetryPolicy
		if err := json.Unmarshal(retryPolicy, &policy); err != nil {
			return nil, fmt.Errorf("decode retry policy: %w", err)
		}

		def.RetryPolicy = &policy
	}

	return &def, nil
}

func scanJobRun(row scanner) (*JobRun, error) {
	var run JobRun

	err := row.Scan(
		&run.ID, &run.JobDefinitionID, &run.JobSlug, &run.Status, &run.Attempt,
		&run.MaxAttempts, &run.Parameters, &run.Result, &run.ErrorMessage,
		&run.LogsURL, &run.Metrics, &run.Context, &run.TimeoutMs, &run.ScheduledAt,
		&run.StartedAt, &run.CompletedAt, &run.LastHeartbeatAt, &run.RetryCount,
		&run.FailureReason, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &run, nil
}

// marshalNullable serializes a pointer value to JSON, mapping nil to SQL NULL.
func marshalNullable(v any) (any, error) {
	switch value := v.(type) {
	case *RetryPolicy:
		if value == nil {
			return nil, nil
		}

		return json.Marshal(value)
	default:
		if v == nil {
			return nil, nil
		}

		return json.Marshal(v)
	}
}

// nullableJSON maps an absent JSONMap patch to SQL NULL so COALESCE keeps the
// stored value.
func nullableJSON(m JSONMap) any {
	if m == nil {
		return nil
	}

	return m
}
