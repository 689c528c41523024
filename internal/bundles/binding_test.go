package bundles

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBinding(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		entry   string
		want    Binding
		wantErr bool
	}{
		{
			name:  "plain binding",
			entry: "bundle:report-gen@1.2.3",
			want:  Binding{Slug: "report-gen", Version: "1.2.3"},
		},
		{
			name:  "binding with export",
			entry: "bundle:report-gen@1.2.3#renderDaily",
			want:  Binding{Slug: "report-gen", Version: "1.2.3", Export: "renderDaily"},
		},
		{
			name:    "not a binding",
			entry:   "handlers.daily",
			wantErr: true,
		},
		{
			name:    "missing version",
			entry:   "bundle:report-gen",
			wantErr: true,
		},
		{
			name:    "empty version",
			entry:   "bundle:report-gen@",
			wantErr: true,
		},
		{
			name:    "slug with slash",
			entry:   "bundle:a/b@1.0.0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBinding(tt.entry)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBindingRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	b := Binding{Slug: "etl", Version: "0.4.0", Export: "run"}

	parsed, err := ParseBinding(b.String())
	require.NoError(t, err)
	require.Equal(t, b, parsed)
}

func TestNextVersion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		base string
		want string
	}{
		{base: "", want: "0.0.1"},
		{base: "1.2.3", want: "1.2.4"},
		{base: "2", want: "2.0.1"},
		{base: "0.9", want: "0.9.1"},
		{base: "1.2.3.4", want: "1.2.3.4-r1"},
		{base: "abc", want: "abc-r1"},
		{base: "abc-r1", want: "abc-r2"},
		{base: "abc-r9", want: "abc-r10"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := NextVersion(tt.base)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSlugEnabledDenyWins(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &Config{
		Enabled:      true,
		EnableSlugs:  []string{"etl", "blocked"},
		DisableSlugs: []string{"blocked"},
	}

	require.True(t, cfg.SlugEnabled("etl"))
	require.True(t, cfg.SlugEnabled("anything"), "global flag covers unlisted slugs")
	require.False(t, cfg.SlugEnabled("blocked"), "deny list beats allow list")

	cfg.Enabled = false
	require.True(t, cfg.SlugEnabled("etl"), "allow list beats global off")
	require.False(t, cfg.SlugEnabled("anything"))
}

func TestFallbackAllowed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &Config{DisableFallback: []string{"etl"}}

	require.False(t, cfg.FallbackAllowed("etl"))
	require.True(t, cfg.FallbackAllowed("other"))
}
