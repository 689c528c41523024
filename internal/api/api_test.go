package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/iam"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/lifecycle"
	"github.com/apphub-io/timestore/internal/query"
	"github.com/apphub-io/timestore/internal/storage"
)

type fakeDatasets struct {
	dataset *storage.Dataset
}

func (f *fakeDatasets) CreateDataset(_ context.Context, ds *storage.Dataset) (*storage.Dataset, error) {
	ds.ID = "ds-new"
	ds.Status = "active"

	return ds, nil
}

func (f *fakeDatasets) GetDataset(_ context.Context, id string) (*storage.Dataset, error) {
	if f.dataset != nil && f.dataset.ID == id {
		return f.dataset, nil
	}

	return nil, apperr.Newf(apperr.KindNotFound, "dataset %s not found", id)
}

func (f *fakeDatasets) GetDatasetBySlug(_ context.Context, slug string) (*storage.Dataset, error) {
	if f.dataset != nil && f.dataset.Slug == slug {
		return f.dataset, nil
	}

	return nil, apperr.Newf(apperr.KindNotFound, "dataset %s not found", slug)
}

func (f *fakeDatasets) UpdateDataset(_ context.Context, _ string, _ time.Time, mutate func(*storage.Dataset)) (*storage.Dataset, error) {
	clone := *f.dataset
	mutate(&clone)

	return &clone, nil
}

func (f *fakeDatasets) ArchiveDataset(_ context.Context, id string) (*storage.Dataset, error) {
	ds, err := f.GetDataset(context.Background(), id)
	if err != nil {
		return nil, err
	}

	clone := *ds
	clone.Status = "inactive"

	return &clone, nil
}

func (f *fakeDatasets) ListDatasets(_ context.Context, _ string, _ int) ([]*storage.Dataset, string, error) {
	if f.dataset == nil {
		return nil, "", nil
	}

	return []*storage.Dataset{f.dataset}, "", nil
}

func (f *fakeDatasets) LatestSchemaVersion(_ context.Context, _ string) (*storage.SchemaVersion, error) {
	return nil, apperr.New(apperr.KindNotFound, "no schema")
}

func (f *fakeDatasets) UpsertRetentionPolicy(_ context.Context, _ *storage.RetentionPolicyRecord) error {
	return nil
}

func (f *fakeDatasets) GetRetentionPolicy(_ context.Context, _ string) (*storage.RetentionPolicyRecord, error) {
	return nil, apperr.New(apperr.KindNotFound, "no policy")
}

type fakeIngestService struct {
	result  *ingest.Result
	lastReq *ingest.Request
}

func (f *fakeIngestService) Ingest(_ context.Context, req *ingest.Request) (*ingest.Result, error) {
	f.lastReq = req

	return f.result, nil
}

func (f *fakeIngestService) Inline() bool { return !f.result.Queued }

type fakeQuerier struct {
	result *query.Result
	plan   *query.Plan
}

func (f *fakeQuerier) Query(_ context.Context, _ *query.Request) (*query.Result, *query.Plan, error) {
	return f.result, f.plan, nil
}

type fakeSaved struct {
	queries map[string]*storage.SavedQuery
}

func (f *fakeSaved) Put(_ context.Context, q *storage.SavedQuery) (*storage.SavedQuery, error) {
	if f.queries == nil {
		f.queries = map[string]*storage.SavedQuery{}
	}

	f.queries[q.ID] = q

	return q, nil
}

func (f *fakeSaved) Get(_ context.Context, id string) (*storage.SavedQuery, error) {
	q, ok := f.queries[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "saved query %s not found", id)
	}

	return q, nil
}

func (f *fakeSaved) List(_ context.Context) ([]*storage.SavedQuery, error) {
	list := make([]*storage.SavedQuery, 0, len(f.queries))
	for _, q := range f.queries {
		list = append(list, q)
	}

	return list, nil
}

func (f *fakeSaved) Delete(_ context.Context, id string) error {
	if _, ok := f.queries[id]; !ok {
		return apperr.Newf(apperr.KindNotFound, "saved query %s not found", id)
	}

	delete(f.queries, id)

	return nil
}

type fakeJobs struct {
	run      *storage.JobRun
	upserted *storage.JobDefinition
}

func (f *fakeJobs) UpsertDefinition(_ context.Context, def *storage.JobDefinition) (*storage.JobDefinition, error) {
	def.ID = "def-1"
	def.Version = 1
	f.upserted = def

	return def, nil
}

func (f *fakeJobs) GetDefinition(_ context.Context, slug string) (*storage.JobDefinition, error) {
	return nil, apperr.Newf(apperr.KindNotFound, "job %s not found", slug)
}

func (f *fakeJobs) ListDefinitions(_ context.Context, _ string, _ int) ([]*storage.JobDefinition, string, error) {
	return nil, "", nil
}

func (f *fakeJobs) GetRun(_ context.Context, id string) (*storage.JobRun, error) {
	if f.run != nil && f.run.ID == id {
		return f.run, nil
	}

	return nil, apperr.Newf(apperr.KindNotFound, "run %s not found", id)
}

func (f *fakeJobs) ListRuns(_ context.Context, _ string, _ int) ([]*storage.JobRun, error) {
	return nil, nil
}

type fakeRunner struct {
	run          *storage.JobRun
	cancelledID  string
	cancelReason string
	validateErr  error
	validated    *storage.JobDefinition
}

func (f *fakeRunner) Submit(_ context.Context, slug string, parameters storage.JSONMap, _ time.Duration) (*storage.JobRun, error) {
	if f.run != nil {
		return f.run, nil
	}

	return &storage.JobRun{ID: "run-" + slug, JobSlug: slug, Status: storage.RunPending, Parameters: parameters}, nil
}

func (f *fakeRunner) Cancel(_ context.Context, runID, reason string) (*storage.JobRun, error) {
	if f.run == nil || f.run.ID != runID {
		return nil, apperr.Newf(apperr.KindNotFound, "run %s not found", runID)
	}

	f.cancelledID = runID
	f.cancelReason = reason

	clone := *f.run
	clone.Status = storage.RunCanceled
	clone.ErrorMessage = &reason

	return &clone, nil
}

func (f *fakeRunner) ValidateDefinition(def *storage.JobDefinition) error {
	f.validated = def

	return f.validateErr
}

type fakeSchedule struct {
	spec string
}

func (f *fakeSchedule) Schedule() string { return f.spec }

func (f *fakeSchedule) Reschedule(spec string) error {
	f.spec = spec

	return nil
}

type fakeStatus struct {
	runs []*storage.LifecycleJobRun
}

func (f *fakeStatus) ListRecentJobRuns(_ context.Context, _ string, _ int) ([]*storage.LifecycleJobRun, error) {
	return f.runs, nil
}

func (f *fakeStatus) ListAuditLog(_ context.Context, _ string, _ int) ([]*storage.LifecycleAuditLogEntry, error) {
	return nil, nil
}

type fakeMaintainer struct {
	lastReq *lifecycle.MaintenanceRequest
}

func (f *fakeMaintainer) Maintain(_ context.Context, req *lifecycle.MaintenanceRequest) (*storage.LifecycleJobRun, error) {
	f.lastReq = req

	return &storage.LifecycleJobRun{ID: "lc-1", Status: storage.RunSucceeded}, nil
}

func testAuthorizer() *iam.Authorizer {
	return iam.NewAuthorizer(&iam.Config{
		DefaultScope: "datasets:use",
		AdminScope:   "timestore:admin",
	}, nil)
}

func newTestServer(deps Deps) *Server {
	if deps.Authorizer == nil {
		deps.Authorizer = testAuthorizer()
	}

	return NewServer(LoadServerConfig(), deps, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any, scopes string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(iam.HeaderUser, "alice")

	if scopes != "" {
		r.Header.Set(iam.HeaderScopes, scopes)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	return body
}

func TestStatusForKind(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		kind   apperr.Kind
		status int
	}{
		{apperr.KindValidation, http.StatusBadRequest},
		{apperr.KindNotAuthorized, http.StatusForbidden},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindBundleNotFound, http.StatusNotFound},
		{apperr.KindDuplicate, http.StatusConflict},
		{apperr.KindConcurrentUpdate, http.StatusPreconditionFailed},
		{apperr.KindSchemaIncompatible, http.StatusUnprocessableEntity},
		{apperr.KindTimeout, http.StatusGatewayTimeout},
		{apperr.KindUnavailable, http.StatusServiceUnavailable},
		{apperr.KindInternal, http.StatusInternalServerError},
		{apperr.KindExecution, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		require.Equal(t, tc.status, StatusForKind(tc.kind), "kind %s", tc.kind)
	}
}

func TestIngestInline(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dataset := &storage.Dataset{ID: "ds-1", Slug: "web-metrics", Status: "active"}
	svc := &fakeIngestService{result: &ingest.Result{
		Dataset:   dataset,
		Partition: &storage.DatasetPartition{ID: "p-1"},
		Manifest:  &storage.DatasetManifest{ID: "m-1", Version: 2},
	}}
	server := newTestServer(Deps{
		Datasets: &fakeDatasets{dataset: dataset},
		Ingest:   svc,
	})

	body := map[string]any{"rows": []map[string]any{{"ts": "2026-08-24T10:00:00Z"}}}

	w := doJSON(t, server, "POST", "/datasets/web-metrics/ingest", body, "datasets:use")
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decodeBody(t, w)
	require.NotNil(t, resp["manifest"])
	require.Equal(t, "web-metrics", svc.lastReq.DatasetSlug)
	require.Equal(t, "alice", *svc.lastReq.Actor)
}

func TestIngestQueuedAndIdempotencyHeader(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dataset := &storage.Dataset{ID: "ds-1", Slug: "web-metrics", Status: "active"}
	svc := &fakeIngestService{result: &ingest.Result{Queued: true, JobID: "job-9"}}
	server := newTestServer(Deps{
		Datasets: &fakeDatasets{dataset: dataset},
		Ingest:   svc,
	})

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{
		"rows": []map[string]any{{"ts": "2026-08-24T10:00:00Z"}},
	}))

	r := httptest.NewRequest("POST", "/datasets/web-metrics/ingest", &buf)
	r.Header.Set(iam.HeaderScopes, "datasets:use")
	r.Header.Set("Idempotency-Key", "batch-42")

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, r)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "batch-42", svc.lastReq.IdempotencyKey)

	resp := decodeBody(t, w)
	require.Equal(t, "job-9", resp["jobId"])
}

func TestIngestRejectsMissingScope(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dataset := &storage.Dataset{ID: "ds-1", Slug: "web-metrics", Status: "active"}
	server := newTestServer(Deps{
		Datasets: &fakeDatasets{dataset: dataset},
		Ingest:   &fakeIngestService{result: &ingest.Result{}},
	})

	body := map[string]any{"rows": []map[string]any{{"ts": "2026-08-24T10:00:00Z"}}}

	w := doJSON(t, server, "POST", "/datasets/web-metrics/ingest", body, "something:else")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	resp := decodeBody(t, w)
	require.Equal(t, "not-authorized", resp["kind"])
}

func TestQueryReportsModeAndStatistics(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dataset := &storage.Dataset{ID: "ds-1", Slug: "web-metrics", Status: "active"}
	server := newTestServer(Deps{
		Datasets: &fakeDatasets{dataset: dataset},
		Querier: &fakeQuerier{
			result: &query.Result{
				Rows:              []storage.JSONMap{{"ts": "2026-08-24T10:00:00Z", "value": 1.5}},
				ScannedPartitions: 2,
				ScannedRows:       10,
			},
			plan: &query.Plan{
				Dataset:          dataset,
				ShardsConsidered: 3,
				PrunedByTime:     1,
			},
		},
	})

	body := map[string]any{
		"start":   "2026-08-24T00:00:00Z",
		"end":     "2026-08-25T00:00:00Z",
		"columns": []string{"value"},
	}

	w := doJSON(t, server, "POST", "/datasets/web-metrics/query", body, "datasets:use")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody(t, w)
	require.Equal(t, "raw", resp["mode"])
	require.Equal(t, []any{"value"}, resp["columns"])

	stats, ok := resp["statistics"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(2), stats["scannedPartitions"])
	require.Equal(t, float64(1), stats["prunedByTime"])
}

func TestSavedQueryLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := newTestServer(Deps{Saved: &fakeSaved{}})

	w := doJSON(t, server, "PUT", "/sql/saved/q-1",
		map[string]string{"name": "errors", "statement": "SELECT 1"}, "datasets:use")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, server, "GET", "/sql/saved/q-1", nil, "datasets:use")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, server, "DELETE", "/sql/saved/q-1", nil, "datasets:use")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, server, "GET", "/sql/saved/q-1", nil, "datasets:use")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunCancelGoesThroughRuntime(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner := &fakeRunner{run: &storage.JobRun{ID: "run-1", Status: storage.RunRunning}}
	server := newTestServer(Deps{Runner: runner})

	w := doJSON(t, server, "POST", "/jobs/runs/run-1/cancel",
		map[string]string{"reason": "operator abort"}, "datasets:use")
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, "run-1", runner.cancelledID)
	require.Equal(t, "operator abort", runner.cancelReason)

	// Without a reason the handler supplies one.
	runner.run = &storage.JobRun{ID: "run-2", Status: storage.RunRunning}
	w = doJSON(t, server, "POST", "/jobs/runs/run-2/cancel", map[string]string{}, "datasets:use")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "cancelled by operator", runner.cancelReason)
}

func TestJobUpsertRequiresAdmin(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := newTestServer(Deps{Jobs: &fakeJobs{}, Runner: &fakeRunner{}})
	body := map[string]any{"slug": "nightly", "name": "Nightly", "type": "batch", "runtime": "module"}

	w := doJSON(t, server, "POST", "/jobs", body, "datasets:use")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, server, "POST", "/jobs", body, "timestore:admin")
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestJobUpsertRejectsPolicyViolation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	jobs := &fakeJobs{}
	runner := &fakeRunner{validateErr: apperr.New(apperr.KindDockerPolicy, "image is not on the allow list")}
	server := newTestServer(Deps{Jobs: jobs, Runner: runner})

	body := map[string]any{
		"slug":    "render",
		"name":    "Render",
		"type":    "batch",
		"runtime": "container",
		"metadata": map[string]any{
			"container": map[string]any{"image": "docker.io/evil/miner:latest"},
		},
	}

	w := doJSON(t, server, "POST", "/jobs", body, "timestore:admin")
	require.Equal(t, http.StatusBadRequest, w.Code)

	// The definition was vetted but never persisted.
	require.NotNil(t, runner.validated)
	require.Nil(t, jobs.upserted)
}

func TestSnippetCreateRegistersInterpreterJob(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	jobs := &fakeJobs{}
	server := newTestServer(Deps{Jobs: jobs, Runner: &fakeRunner{}})

	body := map[string]any{
		"slug":    "snippet-etl",
		"snippet": "import json\n\ndef handler(params, context):\n    return json.dumps(params)\n",
	}

	w := doJSON(t, server, "POST", "/jobs/python-snippet", body, "datasets:use")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, server, "POST", "/jobs/python-snippet", body, "timestore:admin")
	require.Equal(t, http.StatusCreated, w.Code)

	require.NotNil(t, jobs.upserted)
	require.Equal(t, storage.RuntimeInterpreter, jobs.upserted.Runtime)
	require.Equal(t, "snippet:handler", jobs.upserted.EntryPoint)
	require.Equal(t, storage.JobTypeManual, jobs.upserted.Type)

	snippet, ok := jobs.upserted.Metadata["snippet"].(storage.JSONMap)
	require.True(t, ok)
	require.Equal(t, body["snippet"], snippet["source"])

	resp := decodeBody(t, w)
	analysis, ok := resp["analysis"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "handler", analysis["entryFunction"])

	// A snippet with no function never becomes a definition.
	jobs.upserted = nil

	w = doJSON(t, server, "POST", "/jobs/python-snippet",
		map[string]any{"slug": "broken", "snippet": "x = 1\n"}, "timestore:admin")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Nil(t, jobs.upserted)
}

func TestLifecycleRunAndStatus(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	maintainer := &fakeMaintainer{}
	server := newTestServer(Deps{
		Lifecycle: maintainer,
		Schedule:  &fakeSchedule{spec: "*/5 * * * *"},
		Status:    &fakeStatus{runs: []*storage.LifecycleJobRun{{ID: "lc-1"}}},
	})

	w := doJSON(t, server, "POST", "/admin/lifecycle/run",
		map[string]any{"datasetSlug": "web-metrics", "operations": []string{"compaction"}}, "timestore:admin")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "api", maintainer.lastReq.TriggerSource)

	w = doJSON(t, server, "GET", "/admin/lifecycle/status", nil, "timestore:admin")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody(t, w)
	require.Equal(t, "*/5 * * * *", resp["schedule"])
	require.Len(t, resp["recentRuns"], 1)

	w = doJSON(t, server, "POST", "/admin/lifecycle/reschedule",
		map[string]string{"schedule": "@hourly"}, "timestore:admin")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "@hourly", decodeBody(t, w)["schedule"])
}

func TestDatasetPatchRequiresIfMatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dataset := &storage.Dataset{ID: "ds-1", Slug: "web-metrics", Name: "old", Status: "active"}
	server := newTestServer(Deps{Datasets: &fakeDatasets{dataset: dataset}})

	w := doJSON(t, server, "PATCH", "/admin/datasets/ds-1",
		map[string]string{"name": "new"}, "timestore:admin")
	require.Equal(t, http.StatusBadRequest, w.Code)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]string{"name": "new"}))

	r := httptest.NewRequest("PATCH", "/admin/datasets/ds-1", &buf)
	r.Header.Set(iam.HeaderScopes, "timestore:admin")
	r.Header.Set("If-Match", time.Now().UTC().Format(time.RFC3339Nano))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "new", decodeBody(t, rec)["Name"])
}

func TestNotFoundUsesProblemJSON(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := newTestServer(Deps{})

	w := doJSON(t, server, "GET", "/no/such/path", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestAnalyzePythonSnippet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	source := "import json\nfrom pandas.io import parsers\n\ndef helper(x):\n    return x\n\ndef handler(params, context):\n    return json.dumps(params)\n"

	analysis, err := AnalyzePythonSnippet(source)
	require.NoError(t, err)
	require.Equal(t, "handler", analysis.EntryFunction)
	require.Equal(t, []string{"json", "pandas"}, analysis.Imports)
	require.Len(t, analysis.Functions, 2)
	require.Equal(t, []string{"params", "context"}, analysis.Functions[1].Parameters)

	_, err = AnalyzePythonSnippet("x = 1\n")
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = AnalyzePythonSnippet("   ")
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
