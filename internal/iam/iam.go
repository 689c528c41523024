// Package iam implements header-delivered scope authorization. Callers
// arrive with X-IAM-User and a comma-separated X-IAM-Scopes header set by
// the fronting identity layer; this package only enforces, never issues.
package iam

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/storage"
)

const (
	// HeaderScopes carries the caller's scopes, comma-separated.
	HeaderScopes = "X-IAM-Scopes"

	// HeaderUser carries the caller id.
	HeaderUser = "X-IAM-User"
)

type (
	// Principal is one authenticated caller.
	Principal struct {
		User   string
		Scopes []string

		scopeSet map[string]struct{}
	}

	// Config holds the scope names the authorizer enforces.
	Config struct {
		// DefaultScope guards datasets that declare no scope lists.
		DefaultScope string

		// AdminScope guards admin endpoints and overrides dataset scopes.
		AdminScope string

		// MetricsScope guards /metrics; empty leaves it open.
		MetricsScope string
	}

	// AuditSink records dataset access decisions. *storage.LifecycleStore
	// satisfies it.
	AuditSink interface {
		AppendAccessAudit(ctx context.Context, event *storage.DatasetAccessAuditEvent) error
	}

	// Authorizer decides dataset and endpoint access from principal scopes.
	Authorizer struct {
		cfg    *Config
		audit  AuditSink
		logger *slog.Logger
	}
)

// LoadConfig reads the scope configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		DefaultScope: config.GetEnvStr("APPHUB_IAM_DEFAULT_SCOPE", "datasets:use"),
		AdminScope:   config.GetEnvStr("APPHUB_IAM_ADMIN_SCOPE", "timestore:admin"),
		MetricsScope: config.GetEnvStr("APPHUB_IAM_METRICS_SCOPE", ""),
	}
}

// FromRequest builds the principal from the IAM headers.
func FromRequest(r *http.Request) *Principal {
	return NewPrincipal(r.Header.Get(HeaderUser), config.ParseCommaSeparatedList(r.Header.Get(HeaderScopes)))
}

// NewPrincipal builds a principal from a caller id and scope list.
func NewPrincipal(user string, scopes []string) *Principal {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}

	return &Principal{User: user, Scopes: scopes, scopeSet: set}
}

// Has reports whether the principal carries a scope.
func (p *Principal) Has(scope string) bool {
	if p == nil {
		return false
	}

	_, ok := p.scopeSet[scope]

	return ok
}

// Actor is the caller id for audit rows, never empty.
func (p *Principal) Actor() string {
	if p == nil || p.User == "" {
		return "anonymous"
	}

	return p.User
}

// NewAuthorizer wires an authorizer. audit may be nil; decisions are then
// not recorded.
func NewAuthorizer(cfg *Config, audit AuditSink) *Authorizer {
	return &Authorizer{
		cfg:   cfg,
		audit: audit,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// AuthorizeRead checks dataset read access and records the decision.
func (a *Authorizer) AuthorizeRead(ctx context.Context, dataset *storage.Dataset, principal *Principal) error {
	return a.authorize(ctx, dataset, principal, "read", "readScopes")
}

// AuthorizeWrite checks dataset write access and records the decision.
func (a *Authorizer) AuthorizeWrite(ctx context.Context, dataset *storage.Dataset, principal *Principal) error {
	return a.authorize(ctx, dataset, principal, "write", "writeScopes")
}

func (a *Authorizer) authorize(ctx context.Context, dataset *storage.Dataset, principal *Principal, action, scopeKey string) error {
	required := DatasetScopes(dataset, scopeKey)
	if len(required) == 0 {
		required = []string{a.cfg.DefaultScope}
	}

	granted := principal.Has(a.cfg.AdminScope)

	for _, scope := range required {
		if granted {
			break
		}

		granted = principal.Has(scope)
	}

	a.record(ctx, dataset, principal, action, required, granted)

	if !granted {
		return apperr.Newf(apperr.KindNotAuthorized,
			"%s access to dataset %s requires one of %v", action, dataset.Slug, required).
			WithProperty("requiredScopes", required)
	}

	return nil
}

// RequireAdmin checks the admin scope.
func (a *Authorizer) RequireAdmin(principal *Principal) error {
	if !principal.Has(a.cfg.AdminScope) {
		return apperr.Newf(apperr.KindNotAuthorized, "requires scope %s", a.cfg.AdminScope).
			WithProperty("requiredScopes", []string{a.cfg.AdminScope})
	}

	return nil
}

// RequireDefault checks the default scope, used by endpoints that are not
// tied to one dataset. The admin scope also passes.
func (a *Authorizer) RequireDefault(principal *Principal) error {
	if !principal.Has(a.cfg.DefaultScope) && !principal.Has(a.cfg.AdminScope) {
		return apperr.Newf(apperr.KindNotAuthorized, "requires scope %s", a.cfg.DefaultScope).
			WithProperty("requiredScopes", []string{a.cfg.DefaultScope})
	}

	return nil
}

// RequireMetrics checks the metrics scope; an unset scope leaves /metrics
// open.
func (a *Authorizer) RequireMetrics(principal *Principal) error {
	if a.cfg.MetricsScope == "" {
		return nil
	}

	if !principal.Has(a.cfg.MetricsScope) && !principal.Has(a.cfg.AdminScope) {
		return apperr.Newf(apperr.KindNotAuthorized, "requires scope %s", a.cfg.MetricsScope)
	}

	return nil
}

// RecordAction writes a successful access audit event for an action that
// was authorized elsewhere, such as an admin-scoped dataset archive.
func (a *Authorizer) RecordAction(ctx context.Context, dataset *storage.Dataset, principal *Principal, action string) {
	a.record(ctx, dataset, principal, action, nil, true)
}

func (a *Authorizer) record(ctx context.Context, dataset *storage.Dataset, principal *Principal, action string, required []string, granted bool) {
	if a.audit == nil {
		return
	}

	err := a.audit.AppendAccessAudit(ctx, &storage.DatasetAccessAuditEvent{
		DatasetID: dataset.ID,
		Actor:     principal.Actor(),
		Action:    action,
		Scopes:    principal.Scopes,
		Success:   granted,
		Metadata:  storage.JSONMap{"requiredScopes": required},
	})
	if err != nil {
		a.logger.Warn("access audit write failed",
			"datasetId", dataset.ID, "action", action, "error", err)
	}
}

// DatasetScopes extracts a scope list from the dataset's metadata.iam
// section. Both []string and JSON-decoded []any forms are accepted.
func DatasetScopes(dataset *storage.Dataset, key string) []string {
	if dataset == nil || dataset.Metadata == nil {
		return nil
	}

	section, ok := dataset.Metadata["iam"]
	if !ok {
		return nil
	}

	var entry any

	switch s := section.(type) {
	case map[string]any:
		entry = s[key]
	case storage.JSONMap:
		entry = s[key]
	default:
		return nil
	}

	switch v := entry.(type) {
	case []string:
		return v
	case []any:
		scopes := make([]string, 0, len(v))

		for _, item := range v {
			if scope, ok := item.(string); ok && scope != "" {
				scopes = append(scopes, scope)
			}
		}

		return scopes
	default:
		return nil
	}
}
