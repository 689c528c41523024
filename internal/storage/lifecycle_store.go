package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
)

// LifecycleStore persists lifecycle job runs, audit records, and migration
// watermarks.
//
// Audit appends must never throw to callers: failures are logged and counted
// by the caller; the store only reports the error.
type LifecycleStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewLifecycleStore creates a PostgreSQL-backed lifecycle store.
func NewLifecycleStore(conn *Connection) (*LifecycleStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &LifecycleStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

const lifecycleRunColumns = `
	id, job_kind, dataset_id, operations, trigger_source, status, scheduled_for,
	started_at, completed_at, duration_ms, error, metadata, created_at
`

// CreateJobRun inserts a pending lifecycle job run.
func (s *LifecycleStore) CreateJobRun(ctx context.Context, run *LifecycleJobRun) (*LifecycleJobRun, error) {
	if run == nil || run.JobKind == "" {
		return nil, apperr.New(apperr.KindValidation, "lifecycle run requires a job kind")
	}

	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	trigger := run.TriggerSource
	if trigger == "" {
		trigger = "schedule"
	}

	query := `
		INSERT INTO lifecycle_job_runs (
			id, job_kind, dataset_id, operations, trigger_source, status, scheduled_for, metadata
		) VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		RETURNING ` + lifecycleRunColumns

	stored, err := scanLifecycleRun(s.conn.QueryRowContext(ctx, query,
		run.ID, run.JobKind, run.DatasetID, pq.Array(run.Operations), trigger,
		run.ScheduledFor, run.Metadata))
	if err != nil {
		return nil, translateWriteError(err, "lifecycle job run")
	}

	return stored, nil
}

// StartJobRun transitions a lifecycle run to running and records startedAt.
func (s *LifecycleStore) StartJobRun(ctx context.Context, id string) (*LifecycleJobRun, error) {
	query := `
		UPDATE lifecycle_job_runs SET status = 'running', started_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + lifecycleRunColumns

	run, err := scanLifecycleRun(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: lifecycle run %s is not pending", ErrInvalidStateTransition, id)
	}

	if err != nil {
		return nil, fmt.Errorf("start lifecycle run: %w", err)
	}

	return run, nil
}

// CompleteJobRun finishes a lifecycle run with the terminal status, duration,
// and optional error message.
func (s *LifecycleStore) CompleteJobRun(ctx context.Context, id string, status RunStatus, runErr *string, metadata JSONMap) (*LifecycleJobRun, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidStateTransition, status)
	}

	query := `
		UPDATE lifecycle_job_runs SET
			status = $2,
			completed_at = NOW(),
			duration_ms = EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000,
			error = $3,
			metadata = COALESCE($4, metadata)
		WHERE id = $1 AND status = 'running'
		RETURNING ` + lifecycleRunColumns

	run, err := scanLifecycleRun(s.conn.QueryRowContext(ctx, query, id, status, runErr, nullableJSON(metadata)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: lifecycle run %s is not running", ErrInvalidStateTransition, id)
	}

	if err != nil {
		return nil, fmt.Errorf("complete lifecycle run: %w", err)
	}

	return run, nil
}

// GetJobRun loads a lifecycle run by id.
func (s *LifecycleStore) GetJobRun(ctx context.Context, id string) (*LifecycleJobRun, error) {
	query := `SELECT ` + lifecycleRunColumns + ` FROM lifecycle_job_runs WHERE id = $1`

	run, err := scanLifecycleRun(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "lifecycle run %s not found", id)
	}

	if err != nil {
		return nil, fmt.Errorf("load lifecycle run: %w", err)
	}

	return run, nil
}

// ListRecentJobRuns returns the newest lifecycle runs, optionally filtered by
// dataset.
func (s *LifecycleStore) ListRecentJobRuns(ctx context.Context, datasetID string, limit int) ([]*LifecycleJobRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	query := `SELECT ` + lifecycleRunColumns + ` FROM lifecycle_job_runs`
	args := []any{}

	if datasetID != "" {
		query += ` WHERE dataset_id = $1`
		args = append(args, datasetID)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lifecycle runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var runs []*LifecycleJobRun

	for rows.Next() {
		run, err := scanLifecycleRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lifecycle run: %w", err)
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// AppendAuditLog appends a lifecycle audit entry. Append-only: there is no
// update or delete path for audit rows.
func (s *LifecycleStore) AppendAuditLog(ctx context.Context, entry *LifecycleAuditLogEntry) error {
	if entry == nil || entry.DatasetID == "" || entry.EventType == "" {
		return apperr.New(apperr.KindValidation, "audit entry requires dataset and event type")
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO lifecycle_audit_log (id, dataset_id, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), entry.DatasetID, entry.EventType, entry.Payload)
	if err != nil {
		return fmt.Errorf("append lifecycle audit: %w", err)
	}

	return nil
}

// ListAuditLog returns audit entries for a dataset, newest first.
func (s *LifecycleStore) ListAuditLog(ctx context.Context, datasetID string, limit int) ([]*LifecycleAuditLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, dataset_id, event_type, payload, created_at
		FROM lifecycle_audit_log WHERE dataset_id = $1
		ORDER BY created_at DESC LIMIT $2`, datasetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list lifecycle audit: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var entries []*LifecycleAuditLogEntry

	for rows.Next() {
		var e LifecycleAuditLogEntry
		if err := rows.Scan(&e.ID, &e.DatasetID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}

		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// AppendAccessAudit appends a dataset access audit event.
func (s *LifecycleStore) AppendAccessAudit(ctx context.Context, event *DatasetAccessAuditEvent) error {
	if event == nil || event.DatasetID == "" {
		return apperr.New(apperr.KindValidation, "access audit requires a dataset")
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO dataset_access_audit (id, dataset_id, actor, action, scopes, success, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), event.DatasetID, event.Actor, event.Action,
		pq.Array(event.Scopes), event.Success, event.Metadata)
	if err != nil {
		return fmt.Errorf("append access audit: %w", err)
	}

	return nil
}

// GetWatermark loads the migration watermark for a (dataset, table) pair, or
// nil when the table has never been migrated.
func (s *LifecycleStore) GetWatermark(ctx context.Context, datasetID, tableName string) (*MigrationWatermark, error) {
	var wm MigrationWatermark

	row := s.conn.QueryRowContext(ctx, `
		SELECT dataset_id, table_name, watermark_ts, updated_at
		FROM lifecycle_watermarks WHERE dataset_id = $1 AND table_name = $2`,
		datasetID, tableName)

	err := row.Scan(&wm.DatasetID, &wm.TableName, &wm.WatermarkTS, &wm.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}

	return &wm, nil
}

// UpsertWatermark advances the migration watermark for a (dataset, table)
// pair. Watermarks only move forward; a stale write is ignored.
func (s *LifecycleStore) UpsertWatermark(ctx context.Context, datasetID, tableName string, ts time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO lifecycle_watermarks (dataset_id, table_name, watermark_ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (dataset_id, table_name) DO UPDATE SET
			watermark_ts = GREATEST(lifecycle_watermarks.watermark_ts, EXCLUDED.watermark_ts),
			updated_at = NOW()`,
		datasetID, tableName, ts.UTC())
	if err != nil {
		return fmt.Errorf("upsert watermark: %w", err)
	}

	return nil
}

func scanLifecycleRun(row scanner) (*LifecycleJobRun, error) {
	var run LifecycleJobRun

	err := row.Scan(&run.ID, &run.JobKind, &run.DatasetID, pq.Array(&run.Operations),
		&run.TriggerSource, &run.Status, &run.ScheduledFor, &run.StartedAt,
		&run.CompletedAt, &run.DurationMs, &run.Error, &run.Metadata, &run.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &run, nil
}
