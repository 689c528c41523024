// Package storage provides the PostgreSQL metadata store and domain types for
// the timestore service.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the entity stores.
var (
	// ErrNoDatabaseConnection is returned when a store is constructed without a connection.
	ErrNoDatabaseConnection = errors.New("database connection is required")

	// ErrInvalidStateTransition is returned when a run transition violates the state machine.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// JobType classifies how a job definition is triggered.
type JobType string

// Job definition types.
const (
	JobTypeBatch            JobType = "batch"
	JobTypeServiceTriggered JobType = "service-triggered"
	JobTypeManual           JobType = "manual"
)

// JobRuntime selects the sandbox family used to execute a definition.
type JobRuntime string

// Job runtimes.
const (
	RuntimeInProc      JobRuntime = "inproc"
	RuntimeInterpreter JobRuntime = "interpreter"
	RuntimeContainer   JobRuntime = "container"
	RuntimeModule      JobRuntime = "module"
)

// RunStatus is the job run state machine state.
type RunStatus string

// Run states. pending -> running -> {succeeded|failed|canceled|expired}.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
	RunExpired   RunStatus = "expired"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled, RunExpired:
		return true
	default:
		return false
	}
}

// CanTransitionTo validates a single state machine edge.
//
// Valid transitions:
//   - pending -> running, canceled, expired, failed
//   - running -> succeeded, failed, canceled, expired
//   - terminal states are immutable
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case RunPending:
		return next == RunRunning || next == RunCanceled || next == RunExpired || next == RunFailed
	case RunRunning:
		return next == RunSucceeded || next == RunFailed || next == RunCanceled || next == RunExpired
	default:
		return false
	}
}

// JSONMap is a JSONB column mapped to a generic Go map.
type JSONMap map[string]any

// Value implements driver.Valuer for JSONB columns. Nil maps store as '{}'.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONB columns.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil

		return nil
	}

	var data []byte

	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}

	if len(data) == 0 {
		*m = nil

		return nil
	}

	return json.Unmarshal(data, m)
}

type (
	// RetryPolicy is the per-definition retry contract.
	RetryPolicy struct {
		Strategy       string `json:"strategy"` // none | fixed | exponential
		InitialDelayMs int64  `json:"initialDelayMs"`
		MaxDelayMs     int64  `json:"maxDelayMs,omitempty"`
		MaxAttempts    int    `json:"maxAttempts,omitempty"`
		JitterRatio    float64 `json:"jitterRatio,omitempty"`
	}

	// JobDefinition is the durable description of a runnable job. Identity is
	// the slug; the body is mutable with a monotonic version counter bumped on
	// every update.
	JobDefinition struct {
		ID                string
		Slug              string
		Name              string
		Type              JobType
		Runtime           JobRuntime
		EntryPoint        string
		Version           int
		TimeoutMs         *int64
		RetryPolicy       *RetryPolicy
		ParametersSchema  JSONMap
		DefaultParameters JSONMap
		OutputSchema      JSONMap
		Metadata          JSONMap
		Active            bool
		CreatedAt         time.Time
		UpdatedAt         time.Time
	}

	// JobRun is one execution attempt chain of a definition.
	JobRun struct {
		ID              string
		JobDefinitionID string
		JobSlug         string
		Status          RunStatus
		Attempt         int
		MaxAttempts     *int
		Parameters      JSONMap
		Result          JSONMap
		ErrorMessage    *string
		LogsURL         *string
		Metrics         JSONMap
		Context         JSONMap
		TimeoutMs       *int64
		ScheduledAt     time.Time
		StartedAt       *time.Time
		CompletedAt     *time.Time
		LastHeartbeatAt *time.Time
		RetryCount      int
		FailureReason   *string
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// RunPatch carries the mutable fields a handler may update mid-run.
	// Nil fields are left untouched.
	RunPatch struct {
		Result        JSONMap
		Metrics       JSONMap
		Context       JSONMap
		ErrorMessage  *string
		LogsURL       *string
		FailureReason *string
	}

	// Bundle is a slug namespace owning published versions.
	Bundle struct {
		ID          string
		Slug        string
		DisplayName string
		Metadata    JSONMap
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// BundleVersion is a published, content-addressed artifact.
	BundleVersion struct {
		ID              string
		BundleID        string
		Slug            string
		Version         string
		Manifest        JSONMap
		Checksum        string
		CapabilityFlags []string
		ArtifactStorage string // filesystem | s3
		ArtifactPath    string
		ArtifactSize    int64
		Immutable       bool
		Status          string // published | deprecated | replaced
		PublishedBy     *string
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// Dataset is a named, schema-bearing time-series collection.
	Dataset struct {
		ID                     string
		Slug                   string
		Name                   string
		Status                 string // active | inactive
		WriteFormat            string
		DefaultStorageTargetID *string
		Metadata               JSONMap
		CreatedAt              time.Time
		UpdatedAt              time.Time
	}

	// SchemaField is one typed column of a dataset schema version.
	SchemaField struct {
		Name     string `json:"name"`
		Type     string `json:"type"` // timestamp | string | double | integer | boolean
		Nullable bool   `json:"nullable,omitempty"`
	}

	// SchemaVersion is an immutable list of typed fields.
	SchemaVersion struct {
		ID        string
		DatasetID string
		Version   int
		Fields    []SchemaField
		CreatedAt time.Time
	}

	// DatasetManifest is an immutable, versioned snapshot of the partition set
	// of a dataset shard.
	DatasetManifest struct {
		ID               string
		DatasetID        string
		Version          int
		Status           string // draft | published | superseded
		SchemaVersionID  *string
		ParentManifestID *string
		ManifestShard    string
		Summary          JSONMap
		Statistics       JSONMap
		PartitionCount   int
		TotalRows        int64
		TotalBytes       int64
		CreatedBy        *string
		CreatedAt        time.Time
		PublishedAt      *time.Time
	}

	// DatasetPartition is a single file holding rows for a contiguous time
	// range and partition-key tuple. Owned by exactly one manifest.
	DatasetPartition struct {
		ID                 string
		DatasetID          string
		ManifestID         string
		PartitionKey       JSONMap
		StorageTargetID    string
		FileFormat         string
		FilePath           string
		FileSizeBytes      *int64
		RowCount           *int64
		StartTime          time.Time
		EndTime            time.Time
		Checksum           *string
		Metadata           JSONMap
		ColumnStatistics   JSONMap
		ColumnBloomFilters JSONMap
		IngestionSignature *string
		CreatedAt          time.Time
	}

	// RetentionPolicy configures lifecycle retention for one dataset.
	RetentionPolicyRecord struct {
		DatasetID           string
		Mode                string // time | size | hybrid
		MaxAgeHours         *int
		MaxTotalBytes       *int64
		DeleteGraceMinutes  int
		ColdStorageAfterHrs *int
		Metadata            JSONMap
		UpdatedAt           time.Time
	}

	// LifecycleJobRun records a maintenance job execution.
	LifecycleJobRun struct {
		ID            string
		JobKind       string
		DatasetID     *string
		Operations    []string
		TriggerSource string // schedule | manual | retry | api
		Status        RunStatus
		ScheduledFor  *time.Time
		StartedAt     *time.Time
		CompletedAt   *time.Time
		DurationMs    *int64
		Error         *string
		Metadata      JSONMap
		CreatedAt     time.Time
	}

	// LifecycleAuditLogEntry is an append-only lifecycle audit record.
	LifecycleAuditLogEntry struct {
		ID        string
		DatasetID string
		EventType string
		Payload   JSONMap
		CreatedAt time.Time
	}

	// DatasetAccessAuditEvent is an append-only access audit record.
	DatasetAccessAuditEvent struct {
		ID        string
		DatasetID string
		Actor     string
		Action    string
		Scopes    []string
		Success   bool
		Metadata  JSONMap
		CreatedAt time.Time
	}

	// SavedQuery is a persisted SQL statement with a display name.
	SavedQuery struct {
		ID        string
		Name      string
		Statement string
		CreatedBy *string
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// MigrationWatermark records lifecycle migration progress for one
	// relational table of a dataset. Re-runs resume from the watermark.
	MigrationWatermark struct {
		DatasetID   string
		TableName   string
		WatermarkTS time.Time
		UpdatedAt   time.Time
	}

	// FilestoreNode is the last-observed state of one filesystem node,
	// maintained by the filestore activity consumer.
	FilestoreNode struct {
		NodeID           string
		BackendMountID   string
		Path             string
		State            string
		ConsistencyState string
		SizeBytes        int64
		LastJournalID    int64
		LastObservedAt   time.Time
		Metadata         JSONMap
		UpdatedAt        time.Time
	}
)

// EffectiveTimeout resolves the timeout precedence run-level > definition-level > none.
func EffectiveTimeout(def *JobDefinition, run *JobRun) *int64 {
	if run != nil && run.TimeoutMs != nil {
		return run.TimeoutMs
	}

	if def != nil && def.TimeoutMs != nil {
		return def.TimeoutMs
	}

	return nil
}
