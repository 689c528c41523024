package api

import (
	"regexp"
	"strings"

	"github.com/apphub-io/timestore/internal/apperr"
)

type (
	// SnippetFunction is one top-level function found in a snippet.
	SnippetFunction struct {
		Name       string   `json:"name"`
		Parameters []string `json:"parameters"`
	}

	// SnippetAnalysis is the static preview of a Python snippet. The
	// snippet is never executed; everything here comes from line scans.
	SnippetAnalysis struct {
		EntryFunction string            `json:"entryFunction"`
		Functions     []SnippetFunction `json:"functions"`
		Imports       []string          `json:"imports"`
		Warnings      []string          `json:"warnings,omitempty"`
	}
)

var (
	pyDefRe        = regexp.MustCompile(`^def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)`)
	pyImportRe     = regexp.MustCompile(`^\s*import\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	pyFromImportRe = regexp.MustCompile(`^\s*from\s+([A-Za-z_][A-Za-z0-9_.]*)\s+import\b`)
)

// entryCandidates are preferred entry function names, in priority order.
var entryCandidates = []string{"handler", "main", "run"}

// AnalyzePythonSnippet scans a snippet for top-level functions and imported
// modules. The entry function is "handler", "main", or "run" when present,
// otherwise the first top-level function. A snippet with no top-level
// function is rejected with kind validation.
func AnalyzePythonSnippet(source string) (*SnippetAnalysis, error) {
	if strings.TrimSpace(source) == "" {
		return nil, apperr.New(apperr.KindValidation, "snippet is empty")
	}

	analysis := &SnippetAnalysis{}
	seenImports := map[string]bool{}

	for _, line := range strings.Split(source, "\n") {
		if m := pyDefRe.FindStringSubmatch(line); m != nil {
			analysis.Functions = append(analysis.Functions, SnippetFunction{
				Name:       m[1],
				Parameters: splitParameters(m[2]),
			})

			continue
		}

		module := ""
		if m := pyImportRe.FindStringSubmatch(line); m != nil {
			module = m[1]
		} else if m := pyFromImportRe.FindStringSubmatch(line); m != nil {
			module = m[1]
		}

		if module == "" {
			continue
		}

		// Record the top-level package only
		if dot := strings.IndexByte(module, '.'); dot > 0 {
			module = module[:dot]
		}

		if !seenImports[module] {
			seenImports[module] = true
			analysis.Imports = append(analysis.Imports, module)
		}
	}

	if len(analysis.Functions) == 0 {
		return nil, apperr.New(apperr.KindValidation, "snippet declares no top-level function")
	}

	analysis.EntryFunction = pickEntryFunction(analysis.Functions)

	if len(analysis.Functions) > 1 && analysis.EntryFunction == analysis.Functions[0].Name {
		named := false

		for _, candidate := range entryCandidates {
			if analysis.EntryFunction == candidate {
				named = true

				break
			}
		}

		if !named {
			analysis.Warnings = append(analysis.Warnings,
				"multiple functions declared; first one assumed as entry")
		}
	}

	return analysis, nil
}

func pickEntryFunction(functions []SnippetFunction) string {
	for _, candidate := range entryCandidates {
		for _, fn := range functions {
			if fn.Name == candidate {
				return fn.Name
			}
		}
	}

	return functions[0].Name
}

func splitParameters(raw string) []string {
	parameters := []string{}

	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}

		// Strip default values and annotations
		if idx := strings.IndexAny(name, ":="); idx >= 0 {
			name = strings.TrimSpace(name[:idx])
		}

		if name != "" {
			parameters = append(parameters, name)
		}
	}

	return parameters
}
