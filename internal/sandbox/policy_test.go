package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apphub-io/timestore/internal/apperr"
)

func TestValidateImage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		policy  ContainerPolicy
		image   string
		wantErr bool
	}{
		{
			name:   "empty allow list admits anything not denied",
			policy: ContainerPolicy{},
			image:  "ghcr.io/acme/etl:1.0",
		},
		{
			name:    "deny wins over allow",
			policy:  ContainerPolicy{ImageAllowlist: []string{"ghcr.io/acme/*"}, ImageDenylist: []string{"ghcr.io/acme/etl*"}},
			image:   "ghcr.io/acme/etl:1.0",
			wantErr: true,
		},
		{
			name:   "allow list glob match",
			policy: ContainerPolicy{ImageAllowlist: []string{"ghcr.io/acme/*"}},
			image:  "ghcr.io/acme/report:2",
		},
		{
			name:    "allow list miss",
			policy:  ContainerPolicy{ImageAllowlist: []string{"ghcr.io/acme/*"}},
			image:   "docker.io/library/alpine",
			wantErr: true,
		},
		{
			name:    "question mark glob",
			policy:  ContainerPolicy{ImageDenylist: []string{"bad?image"}},
			image:   "bad-image",
			wantErr: true,
		},
		{
			name:    "empty reference",
			policy:  ContainerPolicy{},
			image:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.ValidateImage(tt.image)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestResolveNetworkMode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("isolation forces none and ignores overrides", func(t *testing.T) {
		policy := ContainerPolicy{Network: NetworkPolicy{
			IsolationEnabled:  true,
			AllowModeOverride: true,
			AllowedModes:      []string{"none", "bridge"},
			DefaultMode:       "bridge",
		}}

		mode, err := policy.ResolveNetworkMode("bridge")
		require.NoError(t, err)
		require.Equal(t, "none", mode)
	})

	t.Run("override disabled falls back to default", func(t *testing.T) {
		policy := ContainerPolicy{Network: NetworkPolicy{
			AllowedModes: []string{"none", "bridge"},
			DefaultMode:  "none",
		}}

		mode, err := policy.ResolveNetworkMode("bridge")
		require.NoError(t, err)
		require.Equal(t, "none", mode)
	})

	t.Run("allowed override", func(t *testing.T) {
		policy := ContainerPolicy{Network: NetworkPolicy{
			AllowModeOverride: true,
			AllowedModes:      []string{"none", "bridge"},
			DefaultMode:       "none",
		}}

		mode, err := policy.ResolveNetworkMode("bridge")
		require.NoError(t, err)
		require.Equal(t, "bridge", mode)
	})

	t.Run("disallowed override", func(t *testing.T) {
		policy := ContainerPolicy{Network: NetworkPolicy{
			AllowModeOverride: true,
			AllowedModes:      []string{"none"},
		}}

		_, err := policy.ResolveNetworkMode("host")
		require.Error(t, err)
		require.Equal(t, apperr.KindDockerPolicy, apperr.KindOf(err))
	})
}

func TestValidateSpecCollectsViolations(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	exec := NewContainer(&ContainerPolicy{
		Enabled:        true,
		ImageDenylist:  []string{"evil/*"},
		Network:        NetworkPolicy{IsolationEnabled: true},
		WorkspaceRoot:  "/tmp",
		PersistLogTail: true,
	})

	spec := &ContainerSpec{
		Image: "evil/image",
		GPU:   true,
		Env: []ContainerEnvVar{
			{Name: "TOKEN", Value: "inline", Secret: &SecretRef{Source: "vault", Key: "token"}},
		},
		Inputs: []ContainerInput{
			{ID: "a", WorkspacePath: "../escape"},
			{ID: "a", WorkspacePath: "ok/path"},
		},
	}

	_, err := exec.ValidateSpec(spec, "run-9")
	require.Error(t, err)
	require.Equal(t, apperr.KindDockerPolicy, apperr.KindOf(err))

	docker, ok := apperr.PropertiesOf(err)["docker"].(map[string]any)
	require.True(t, ok)

	violations, ok := docker["validationErrors"].([]string)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(violations), 4, "image, gpu, inline secret, bad path, dup id")
}

func TestValidWorkspacePath(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	require.True(t, validWorkspacePath("inputs/a.csv"))
	require.False(t, validWorkspacePath(""))
	require.False(t, validWorkspacePath("/abs"))
	require.False(t, validWorkspacePath("../up"))
	require.False(t, validWorkspacePath("."))
}
