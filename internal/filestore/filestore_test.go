package filestore

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/storage"
)

type fakeNodeStore struct {
	nodes   map[string]*storage.FilestoreNode
	deleted []string
}

func newFakeNodeStore() *fakeNodeStore {
	return &fakeNodeStore{nodes: make(map[string]*storage.FilestoreNode)}
}

func (s *fakeNodeStore) UpsertNode(_ context.Context, node *storage.FilestoreNode) (*storage.FilestoreNode, error) {
	if prev, ok := s.nodes[node.NodeID]; ok && prev.LastJournalID >= node.LastJournalID {
		return prev, nil
	}

	clone := *node
	s.nodes[node.NodeID] = &clone

	return &clone, nil
}

func (s *fakeNodeStore) GetNode(_ context.Context, nodeID string) (*storage.FilestoreNode, error) {
	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "filestore node %s not found", nodeID)
	}

	return node, nil
}

func (s *fakeNodeStore) DeleteNode(_ context.Context, nodeID string) error {
	delete(s.nodes, nodeID)
	s.deleted = append(s.deleted, nodeID)

	return nil
}

type fakeIngestor struct {
	requests []*ingest.Request
}

func (f *fakeIngestor) Ingest(_ context.Context, req *ingest.Request) (*ingest.Result, error) {
	f.requests = append(f.requests, req)

	return &ingest.Result{}, nil
}

func sampleEvent(nodeID string, journalID, size int64) *Event {
	return &Event{
		ObservedAt:     time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		EventType:      "updated",
		NodeID:         nodeID,
		BackendMountID: "mount-1",
		Path:           "/data/" + nodeID,
		State:          "active",
		SizeBytes:      size,
		JournalID:      journalID,
		Principal:      "svc-backup",
	}
}

func TestProcessUpdatesNodeAndWritesRow(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	nodes := newFakeNodeStore()
	sink := &fakeIngestor{}
	consumer := NewConsumer(NewInlineEmitter(1), nodes, sink)

	require.NoError(t, consumer.Process(context.Background(), sampleEvent("n1", 1, 100)))

	node, err := nodes.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	require.Equal(t, int64(100), node.SizeBytes)
	require.Equal(t, int64(1), node.LastJournalID)

	require.Len(t, sink.requests, 1)
	req := sink.requests[0]
	require.Equal(t, DatasetSlug, req.DatasetSlug)
	require.Equal(t, "2026-08-24", req.PartitionKey["date"])
	require.Len(t, req.Rows, 1)

	row := req.Rows[0]
	require.Equal(t, "updated", row["event_type"])
	require.Equal(t, int64(100), row["size_delta"]) // first sighting: delta is the full size
	require.Equal(t, "svc-backup", row["principal"])
}

func TestProcessComputesSizeDelta(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	nodes := newFakeNodeStore()
	sink := &fakeIngestor{}
	consumer := NewConsumer(NewInlineEmitter(1), nodes, sink)

	require.NoError(t, consumer.Process(context.Background(), sampleEvent("n1", 1, 100)))
	require.NoError(t, consumer.Process(context.Background(), sampleEvent("n1", 2, 60)))

	require.Len(t, sink.requests, 2)
	require.Equal(t, int64(-40), sink.requests[1].Rows[0]["size_delta"])
}

func TestProcessHardDeleteRemovesNode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	nodes := newFakeNodeStore()
	sink := &fakeIngestor{}
	consumer := NewConsumer(NewInlineEmitter(1), nodes, sink)

	require.NoError(t, consumer.Process(context.Background(), sampleEvent("n1", 1, 100)))

	deleteEvent := sampleEvent("n1", 2, 0)
	deleteEvent.EventType = "hardDelete"
	require.NoError(t, consumer.Process(context.Background(), deleteEvent))

	_, err := nodes.GetNode(context.Background(), "n1")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	require.Equal(t, []string{"n1"}, nodes.deleted)

	// The delete still lands an activity row.
	require.Len(t, sink.requests, 2)
	require.Equal(t, "hardDelete", sink.requests[1].Rows[0]["event_type"])
}

func TestProcessRejectsIncompleteEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	consumer := NewConsumer(NewInlineEmitter(1), newFakeNodeStore(), &fakeIngestor{})

	err := consumer.Process(context.Background(), &Event{EventType: "updated"})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRunPreservesReceiveOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	emitter := NewInlineEmitter(8)
	nodes := newFakeNodeStore()
	sink := &fakeIngestor{}
	consumer := NewConsumer(emitter, nodes, sink)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, emitter.Emit(context.Background(), sampleEvent("n1", i, i*10)))
	}
	require.NoError(t, emitter.Close())

	require.NoError(t, consumer.Run(context.Background()))
	require.Len(t, sink.requests, 5)

	for i, req := range sink.requests {
		require.Equal(t, int64(i+1), req.Rows[0]["journal_id"])
	}

	node, err := nodes.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	require.Equal(t, int64(5), node.LastJournalID)
}

func TestInlineEmitterDrainsAfterClose(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	emitter := NewInlineEmitter(2)
	require.NoError(t, emitter.Emit(context.Background(), sampleEvent("n1", 1, 1)))
	require.NoError(t, emitter.Close())

	event, err := emitter.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "n1", event.NodeID)

	_, err = emitter.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)

	require.ErrorIs(t, emitter.Emit(context.Background(), sampleEvent("n2", 1, 1)), io.EOF)
}

func TestActivitySchemaIsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fields := ActivitySchema()
	require.Equal(t, "observed_at", fields[0].Name)
	require.Equal(t, "timestamp", fields[0].Type)

	// Every activity row field must be declared, nothing extra.
	row := activityRow(sampleEvent("n1", 1, 10), time.Now().UTC(), 10)
	names := make(map[string]bool, len(fields))

	for _, f := range fields {
		names[f.Name] = true
	}

	for column := range row {
		require.True(t, names[column], "row column %s missing from schema", column)
	}

	require.Len(t, row, len(fields))
}

func TestClassifyOp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		op        fsnotify.Op
		eventType string
		state     string
	}{
		{fsnotify.Create, "created", "active"},
		{fsnotify.Write, "updated", "active"},
		{fsnotify.Remove, "deleted", "deleted"},
		{fsnotify.Rename, "renamed", "moved"},
		{fsnotify.Chmod, "", ""},
	}

	for _, tc := range tests {
		eventType, state := classifyOp(tc.op)
		require.Equal(t, tc.eventType, eventType)
		require.Equal(t, tc.state, state)
	}
}
