// Package filestore consumes filesystem activity events from an external
// channel (Kafka), a watched local directory, or an in-process emitter. Each
// event updates the node-state table and lands one row in the fixed
// filestore-activity dataset through the ingestion pipeline. Events are
// processed by a single worker, so per-node ordering follows receive order.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/storage"
)

// DatasetSlug is the fixed dataset receiving activity rows.
const DatasetSlug = "filestore-activity"

type (
	// Event is one observed filesystem change.
	Event struct {
		ObservedAt           time.Time       `json:"observedAt"`
		EventType            string          `json:"eventType"`
		NodeID               string          `json:"nodeId"`
		BackendMountID       string          `json:"backendMountId,omitempty"`
		Path                 string          `json:"path,omitempty"`
		State                string          `json:"state,omitempty"`
		ConsistencyState     string          `json:"consistencyState,omitempty"`
		SizeBytes            int64           `json:"sizeBytes,omitempty"`
		JournalID            int64           `json:"journalId,omitempty"`
		Command              string          `json:"command,omitempty"`
		Principal            string          `json:"principal,omitempty"`
		ReconciliationReason string          `json:"reconciliationReason,omitempty"`
		Metadata             storage.JSONMap `json:"metadata,omitempty"`
	}

	// Source delivers events in receive order. Next blocks until an event
	// arrives, the context ends, or the source is exhausted (io.EOF).
	Source interface {
		Next(ctx context.Context) (*Event, error)
		Close() error
	}

	// NodeStore is the slice of the metadata store the consumer needs.
	// *storage.FilestoreNodeStore satisfies it.
	NodeStore interface {
		UpsertNode(ctx context.Context, node *storage.FilestoreNode) (*storage.FilestoreNode, error)
		GetNode(ctx context.Context, nodeID string) (*storage.FilestoreNode, error)
		DeleteNode(ctx context.Context, nodeID string) error
	}

	// Ingestor is the slice of the ingestion pipeline the consumer needs.
	// *ingest.Service satisfies it.
	Ingestor interface {
		Ingest(ctx context.Context, req *ingest.Request) (*ingest.Result, error)
	}

	// Consumer drains a source into the node-state table and the activity
	// dataset.
	Consumer struct {
		source Source
		nodes  NodeStore
		sink   Ingestor
		logger *slog.Logger
	}
)

// ActivitySchema is the fixed schema of the filestore-activity dataset.
func ActivitySchema() []storage.SchemaField {
	return []storage.SchemaField{
		{Name: "observed_at", Type: "timestamp"},
		{Name: "event_type", Type: "string"},
		{Name: "node_id", Type: "string"},
		{Name: "backend_mount_id", Type: "string", Nullable: true},
		{Name: "path", Type: "string", Nullable: true},
		{Name: "state", Type: "string", Nullable: true},
		{Name: "consistency_state", Type: "string", Nullable: true},
		{Name: "size_bytes", Type: "integer", Nullable: true},
		{Name: "size_delta", Type: "integer", Nullable: true},
		{Name: "journal_id", Type: "integer", Nullable: true},
		{Name: "command", Type: "string", Nullable: true},
		{Name: "principal", Type: "string", Nullable: true},
		{Name: "reconciliation_reason", Type: "string", Nullable: true},
		{Name: "metadata_json", Type: "string", Nullable: true},
	}
}

// NewSourceFromEnv selects the activity source from APPHUB_FILESTORE_SOURCE:
// "kafka" (default), "local" (fsnotify on APPHUB_FILESTORE_WATCH_DIR), or
// "inline".
func NewSourceFromEnv() (Source, error) {
	switch mode := config.GetEnvStr("APPHUB_FILESTORE_SOURCE", "kafka"); mode {
	case "kafka":
		return NewKafkaSource(LoadKafkaConfig()), nil
	case "local":
		dir := config.GetEnvStr("APPHUB_FILESTORE_WATCH_DIR", "")
		if dir == "" {
			return nil, apperr.New(apperr.KindValidation,
				"APPHUB_FILESTORE_WATCH_DIR is required for the local source")
		}

		return NewLocalSource(dir)
	case "inline":
		return NewInlineEmitter(config.GetEnvInt("APPHUB_FILESTORE_BUFFER", 64)), nil
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown filestore source %q", mode)
	}
}

// NewConsumer wires the activity consumer.
func NewConsumer(source Source, nodes NodeStore, sink Ingestor) *Consumer {
	return &Consumer{
		source: source,
		nodes:  nodes,
		sink:   sink,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Run drains the source until the context ends or the source is exhausted.
// Events are processed strictly one at a time; a failed event is logged and
// skipped rather than stalling the channel.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		event, err := c.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}

		if err := c.Process(ctx, event); err != nil {
			c.logger.Error("filestore event failed",
				"nodeId", event.NodeID, "eventType", event.EventType, "error", err)
		}
	}
}

// Process applies one event: node-state upsert (or delete) followed by the
// activity row.
func (c *Consumer) Process(ctx context.Context, event *Event) error {
	if event == nil || event.NodeID == "" || event.EventType == "" {
		return apperr.New(apperr.KindValidation, "filestore event requires nodeId and eventType")
	}

	observed := event.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	sizeDelta := event.SizeBytes

	prev, err := c.nodes.GetNode(ctx, event.NodeID)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return err
	}

	if prev != nil {
		sizeDelta = event.SizeBytes - prev.SizeBytes
	}

	if event.EventType == "hardDelete" {
		if err := c.nodes.DeleteNode(ctx, event.NodeID); err != nil {
			return err
		}
	} else {
		_, err = c.nodes.UpsertNode(ctx, &storage.FilestoreNode{
			NodeID:           event.NodeID,
			BackendMountID:   event.BackendMountID,
			Path:             event.Path,
			State:            event.State,
			ConsistencyState: event.ConsistencyState,
			SizeBytes:        event.SizeBytes,
			LastJournalID:    event.JournalID,
			LastObservedAt:   observed,
			Metadata:         event.Metadata,
		})
		if err != nil {
			return err
		}
	}

	_, err = c.sink.Ingest(ctx, &ingest.Request{
		DatasetSlug:    DatasetSlug,
		DatasetName:    "Filestore activity",
		Schema:         ActivitySchema(),
		PartitionKey:   storage.JSONMap{"date": observed.Format("2006-01-02")},
		Rows:           []storage.JSONMap{activityRow(event, observed, sizeDelta)},
		IdempotencyKey: fmt.Sprintf("filestore:%s:%d:%s", event.NodeID, event.JournalID, event.EventType),
	})

	return err
}

func activityRow(event *Event, observed time.Time, sizeDelta int64) storage.JSONMap {
	metadataJSON := ""
	if len(event.Metadata) > 0 {
		if b, err := json.Marshal(event.Metadata); err == nil {
			metadataJSON = string(b)
		}
	}

	return storage.JSONMap{
		"observed_at":           observed.UTC().Format(time.RFC3339Nano),
		"event_type":            event.EventType,
		"node_id":               event.NodeID,
		"backend_mount_id":      event.BackendMountID,
		"path":                  event.Path,
		"state":                 event.State,
		"consistency_state":     event.ConsistencyState,
		"size_bytes":            event.SizeBytes,
		"size_delta":            sizeDelta,
		"journal_id":            event.JournalID,
		"command":               event.Command,
		"principal":             event.Principal,
		"reconciliation_reason": event.ReconciliationReason,
		"metadata_json":         metadataJSON,
	}
}
