package query

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/columnar"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/storage"
)

// datasetRefPattern matches prefixed dataset references in SQL text:
// timestore.<slug>, with slugs allowing dashes that the analytics engine's
// identifiers do not.
var datasetRefPattern = regexp.MustCompile(`\btimestore\.([A-Za-z0-9_-]+)`)

// bareRefPattern matches FROM/JOIN followed by a bare identifier. Whether
// the identifier is a dataset slug is decided against the catalog.
var bareRefPattern = regexp.MustCompile(`(?i)\b(from|join)\s+([A-Za-z_][A-Za-z0-9_-]*)`)

// forbiddenReadKeywords are rejected anywhere in a read statement.
var forbiddenReadKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create",
	"truncate", "rename", "attach", "detach", "grant", "revoke", "system",
}

// DatasetResolver answers whether a bare identifier names a dataset.
// *storage.DatasetStore satisfies it.
type DatasetResolver interface {
	GetDatasetBySlug(ctx context.Context, slug string) (*storage.Dataset, error)
}

// SQLGateway fronts the analytics engine for raw SQL. Read statements are
// restricted to a single SELECT/WITH; exec statements pass through and are
// guarded by admin scope at the API layer.
//
// Dataset references resolve two ways: timestore.<slug> lexically, and bare
// FROM/JOIN identifiers against the dataset catalog. Catalog answers are
// cached in-process and flushed whenever a manifest publish lands on the
// invalidation bus.
type SQLGateway struct {
	driver   columnar.Driver
	database string
	resolver DatasetResolver

	mu    sync.Mutex
	known map[string]struct{}
}

// NewSQLGateway wires the gateway.
func NewSQLGateway(driver columnar.Driver) *SQLGateway {
	return &SQLGateway{
		driver:   driver,
		database: config.GetEnvStr("CLICKHOUSE_DATABASE", "timestore"),
		known:    make(map[string]struct{}),
	}
}

// WithResolver enables bare-identifier dataset resolution. Subscribing to
// the bus keeps the slug cache honest across manifest publishes.
func (g *SQLGateway) WithResolver(resolver DatasetResolver, bus *datasets.InvalidationBus) *SQLGateway {
	g.resolver = resolver

	if bus != nil {
		events, _ := bus.Subscribe(16)

		go func() {
			for range events {
				g.mu.Lock()
				clear(g.known)
				g.mu.Unlock()
			}
		}()
	}

	return g
}

// Read validates and rewrites a read statement, then streams its result.
func (g *SQLGateway) Read(ctx context.Context, statement string) (columnar.Rows, error) {
	rewritten, err := g.prepareRead(statement)
	if err != nil {
		return nil, err
	}

	return g.driver.Query(ctx, g.rewriteBareRefs(ctx, rewritten))
}

// Exec runs an arbitrary statement against the analytics engine.
func (g *SQLGateway) Exec(ctx context.Context, statement string) error {
	statement = strings.TrimSpace(statement)
	if statement == "" {
		return apperr.New(apperr.KindValidation, "statement must not be empty")
	}

	return g.driver.Exec(ctx, g.rewriteBareRefs(ctx, g.rewriteDatasetRefs(statement)))
}

// prepareRead enforces the read contract: one statement, starting with
// SELECT or WITH, no mutating keywords, dataset references rewritten to
// analytics tables.
func (g *SQLGateway) prepareRead(statement string) (string, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(statement), ";"))
	if trimmed == "" {
		return "", apperr.New(apperr.KindValidation, "statement must not be empty")
	}

	if strings.Contains(trimmed, ";") {
		return "", apperr.New(apperr.KindValidation, "only a single statement is allowed")
	}

	lowered := strings.ToLower(trimmed)
	if !strings.HasPrefix(lowered, "select") && !strings.HasPrefix(lowered, "with") {
		return "", apperr.New(apperr.KindValidation, "read statements must start with SELECT or WITH")
	}

	for _, keyword := range forbiddenReadKeywords {
		if containsWord(lowered, keyword) {
			return "", apperr.Newf(apperr.KindValidation,
				"read statements must not contain %s", strings.ToUpper(keyword))
		}
	}

	return g.rewriteDatasetRefs(trimmed), nil
}

// rewriteDatasetRefs maps timestore.<slug> references onto the analytics
// database's export tables.
func (g *SQLGateway) rewriteDatasetRefs(statement string) string {
	return datasetRefPattern.ReplaceAllStringFunc(statement, func(ref string) string {
		slug := strings.TrimPrefix(ref, "timestore.")

		return g.tableFor(slug)
	})
}

// rewriteBareRefs maps bare FROM/JOIN identifiers that name a dataset slug
// onto the analytics tables. Identifiers followed by a dot or an opening
// parenthesis are qualified names or subqueries and stay untouched, as does
// anything the catalog does not know.
func (g *SQLGateway) rewriteBareRefs(ctx context.Context, statement string) string {
	if g.resolver == nil {
		return statement
	}

	var b strings.Builder

	last := 0

	for _, m := range bareRefPattern.FindAllStringSubmatchIndex(statement, -1) {
		nameStart, nameEnd := m[4], m[5]

		if nameEnd < len(statement) && (statement[nameEnd] == '.' || statement[nameEnd] == '(') {
			continue
		}

		slug := statement[nameStart:nameEnd]
		if !g.knownDataset(ctx, slug) {
			continue
		}

		b.WriteString(statement[last:nameStart])
		b.WriteString(g.tableFor(slug))
		last = nameEnd
	}

	if last == 0 {
		return statement
	}

	b.WriteString(statement[last:])

	return b.String()
}

// knownDataset checks the slug cache, falling back to the catalog on a
// miss. Only positive answers are cached: a freshly created dataset must be
// resolvable without waiting for an invalidation.
func (g *SQLGateway) knownDataset(ctx context.Context, slug string) bool {
	g.mu.Lock()
	_, hit := g.known[slug]
	g.mu.Unlock()

	if hit {
		return true
	}

	if _, err := g.resolver.GetDatasetBySlug(ctx, slug); err != nil {
		return false
	}

	g.mu.Lock()
	g.known[slug] = struct{}{}
	g.mu.Unlock()

	return true
}

func (g *SQLGateway) tableFor(slug string) string {
	return "`" + g.database + "`.`ds_" + strings.ReplaceAll(slug, "-", "_") + "`"
}

func containsWord(text, word string) bool {
	idx := 0

	for {
		pos := strings.Index(text[idx:], word)
		if pos < 0 {
			return false
		}

		start := idx + pos
		end := start + len(word)

		beforeOK := start == 0 || !isWordByte(text[start-1])
		afterOK := end == len(text) || !isWordByte(text[end])

		if beforeOK && afterOK {
			return true
		}

		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
