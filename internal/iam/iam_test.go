package iam

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

type fakeAudit struct {
	events []*storage.DatasetAccessAuditEvent
}

func (f *fakeAudit) AppendAccessAudit(_ context.Context, event *storage.DatasetAccessAuditEvent) error {
	f.events = append(f.events, event)

	return nil
}

func testConfig() *Config {
	return &Config{
		DefaultScope: "datasets:use",
		AdminScope:   "timestore:admin",
		MetricsScope: "metrics:read",
	}
}

func scopedDataset(readScopes, writeScopes []string) *storage.Dataset {
	metadata := storage.JSONMap{}
	iamSection := map[string]any{}

	if readScopes != nil {
		iamSection["readScopes"] = readScopes
	}

	if writeScopes != nil {
		iamSection["writeScopes"] = writeScopes
	}

	if len(iamSection) > 0 {
		metadata["iam"] = iamSection
	}

	return &storage.Dataset{ID: "ds-1", Slug: "web-metrics", Metadata: metadata}
}

func TestFromRequestParsesHeaders(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := httptest.NewRequest("GET", "/datasets", nil)
	r.Header.Set(HeaderUser, "alice")
	r.Header.Set(HeaderScopes, "datasets:use, metrics:read")

	principal := FromRequest(r)
	require.Equal(t, "alice", principal.User)
	require.True(t, principal.Has("datasets:use"))
	require.True(t, principal.Has("metrics:read"))
	require.False(t, principal.Has("timestore:admin"))
}

func TestAuthorizeReadUsesDatasetScopes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	audit := &fakeAudit{}
	authorizer := NewAuthorizer(testConfig(), audit)
	dataset := scopedDataset([]string{"metrics:read"}, []string{"metrics:write"})

	require.NoError(t, authorizer.AuthorizeRead(context.Background(), dataset,
		NewPrincipal("alice", []string{"metrics:read"})))

	err := authorizer.AuthorizeRead(context.Background(), dataset,
		NewPrincipal("bob", []string{"metrics:write"}))
	require.Equal(t, apperr.KindNotAuthorized, apperr.KindOf(err))

	require.Len(t, audit.events, 2)
	require.True(t, audit.events[0].Success)
	require.Equal(t, "alice", audit.events[0].Actor)
	require.False(t, audit.events[1].Success)
	require.Equal(t, "read", audit.events[1].Action)
}

func TestAuthorizeFallsBackToDefaultScope(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	authorizer := NewAuthorizer(testConfig(), nil)
	dataset := scopedDataset(nil, nil)

	require.NoError(t, authorizer.AuthorizeWrite(context.Background(), dataset,
		NewPrincipal("alice", []string{"datasets:use"})))

	err := authorizer.AuthorizeWrite(context.Background(), dataset,
		NewPrincipal("bob", []string{"something:else"}))
	require.Equal(t, apperr.KindNotAuthorized, apperr.KindOf(err))
}

func TestAdminScopeOverridesDatasetScopes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	authorizer := NewAuthorizer(testConfig(), nil)
	dataset := scopedDataset([]string{"metrics:read"}, []string{"metrics:write"})
	admin := NewPrincipal("root", []string{"timestore:admin"})

	require.NoError(t, authorizer.AuthorizeRead(context.Background(), dataset, admin))
	require.NoError(t, authorizer.AuthorizeWrite(context.Background(), dataset, admin))
	require.NoError(t, authorizer.RequireAdmin(admin))

	err := authorizer.RequireAdmin(NewPrincipal("alice", []string{"datasets:use"}))
	require.Equal(t, apperr.KindNotAuthorized, apperr.KindOf(err))
}

func TestRequireMetrics(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("unset scope leaves metrics open", func(t *testing.T) {
		authorizer := NewAuthorizer(&Config{AdminScope: "timestore:admin"}, nil)
		require.NoError(t, authorizer.RequireMetrics(NewPrincipal("", nil)))
	})

	t.Run("set scope is enforced", func(t *testing.T) {
		authorizer := NewAuthorizer(testConfig(), nil)
		require.NoError(t, authorizer.RequireMetrics(NewPrincipal("alice", []string{"metrics:read"})))

		err := authorizer.RequireMetrics(NewPrincipal("bob", []string{"datasets:use"}))
		require.Equal(t, apperr.KindNotAuthorized, apperr.KindOf(err))
	})
}

func TestDatasetScopes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("json-decoded form", func(t *testing.T) {
		dataset := &storage.Dataset{Metadata: storage.JSONMap{
			"iam": map[string]any{"readScopes": []any{"a", "b", 3}},
		}}
		require.Equal(t, []string{"a", "b"}, DatasetScopes(dataset, "readScopes"))
	})

	t.Run("absent section", func(t *testing.T) {
		require.Nil(t, DatasetScopes(&storage.Dataset{Metadata: storage.JSONMap{}}, "readScopes"))
		require.Nil(t, DatasetScopes(nil, "readScopes"))
	})
}
