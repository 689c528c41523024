package sandbox

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
)

type (
	// NetworkPolicy governs the network mode containers may use.
	NetworkPolicy struct {
		IsolationEnabled  bool
		AllowModeOverride bool
		AllowedModes      []string
		DefaultMode       string
	}

	// ContainerPolicy is the host-level policy every container run is
	// validated against before the Docker daemon is touched.
	ContainerPolicy struct {
		Enabled           bool
		ImageAllowlist    []string
		ImageDenylist     []string
		WorkspaceRoot     string
		MaxWorkspaceBytes int64
		EnableGPU         bool
		PersistLogTail    bool
		Network           NetworkPolicy
	}
)

// LoadContainerPolicy loads the container policy from environment variables.
func LoadContainerPolicy() *ContainerPolicy {
	return &ContainerPolicy{
		Enabled:           config.GetEnvBool("CORE_ENABLE_DOCKER_JOBS", false),
		ImageAllowlist:    config.ParseCommaSeparatedList(config.GetEnvStr("CORE_DOCKER_IMAGE_ALLOWLIST", "")),
		ImageDenylist:     config.ParseCommaSeparatedList(config.GetEnvStr("CORE_DOCKER_IMAGE_DENYLIST", "")),
		WorkspaceRoot:     config.GetEnvStr("CORE_DOCKER_WORKSPACE_ROOT", "./data/workspaces"),
		MaxWorkspaceBytes: config.GetEnvInt64("CORE_DOCKER_MAX_WORKSPACE_BYTES", 0),
		EnableGPU:         config.GetEnvBool("CORE_DOCKER_ENABLE_GPU", false),
		PersistLogTail:    config.GetEnvBool("CORE_DOCKER_PERSIST_LOG_TAIL", true),
		Network: NetworkPolicy{
			IsolationEnabled:  config.GetEnvBool("CORE_DOCKER_ENFORCE_NETWORK_ISOLATION", true),
			AllowModeOverride: config.GetEnvBool("CORE_DOCKER_ALLOW_NETWORK_OVERRIDE", false),
			AllowedModes:      config.ParseCommaSeparatedList(config.GetEnvStr("CORE_DOCKER_ALLOWED_NETWORK_MODES", "none,bridge")),
			DefaultMode:       config.GetEnvStr("CORE_DOCKER_DEFAULT_NETWORK_MODE", "none"),
		},
	}
}

// ValidateImage matches an image reference against the allow and deny glob
// lists. Deny wins over allow; an empty allow list admits any reference
// that is not denied.
func (p *ContainerPolicy) ValidateImage(ref string) error {
	if ref == "" {
		return apperr.New(apperr.KindValidation, "container image reference is required")
	}

	for _, pattern := range p.ImageDenylist {
		if matchImage(pattern, ref) {
			return apperr.Newf(apperr.KindDockerPolicy, "image %q is denied by policy", ref).
				WithProperty("pattern", pattern)
		}
	}

	if len(p.ImageAllowlist) == 0 {
		return nil
	}

	for _, pattern := range p.ImageAllowlist {
		if matchImage(pattern, ref) {
			return nil
		}
	}

	return apperr.Newf(apperr.KindDockerPolicy, "image %q is not on the allow list", ref)
}

// ResolveNetworkMode decides the effective network mode for a run. When
// isolation is enforced the mode is always "none" and requested overrides
// are ignored.
func (p *ContainerPolicy) ResolveNetworkMode(requested string) (string, error) {
	if p.Network.IsolationEnabled {
		return "none", nil
	}

	if requested == "" || !p.Network.AllowModeOverride {
		return p.defaultMode(), nil
	}

	for _, mode := range p.Network.AllowedModes {
		if mode == requested {
			return requested, nil
		}
	}

	return "", apperr.Newf(apperr.KindDockerPolicy,
		"network mode %q is not allowed", requested).
		WithProperty("allowedModes", p.Network.AllowedModes)
}

// ValidateGPU rejects GPU requests unless globally enabled.
func (p *ContainerPolicy) ValidateGPU(requested bool) error {
	if requested && !p.EnableGPU {
		return apperr.New(apperr.KindDockerPolicy, "GPU execution is disabled on this host")
	}

	return nil
}

func (p *ContainerPolicy) defaultMode() string {
	if p.Network.DefaultMode != "" {
		return p.Network.DefaultMode
	}

	return "none"
}

func matchImage(pattern, ref string) bool {
	ok, err := doublestar.Match(pattern, ref)

	return err == nil && ok
}
