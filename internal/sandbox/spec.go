package sandbox

import (
	"maps"
	"path/filepath"

	"github.com/cochaviz/tunnelbed/internal/config"
)

// HelperName is the file name of the key helper inside every sandbox.
const HelperName = "tunnelbed"

// HelperPath is where the key helper binary appears inside every sandbox.
func HelperPath(cfg config.Config) string {
	return filepath.Join(cfg.Keys.HelperDir, HelperName)
}

// Name returns the sandbox name of a testbed host.
func Name(cfg config.Config, host string) string {
	return cfg.Runtime.NamePrefix + host
}

// SpecFor builds the sandbox spec of host. The host's key directory and the
// shared exchange area are bind-mounted at the configured in-sandbox paths;
// helperBinary, the orchestrator executable itself, is mounted read-only at
// HelperPath so the key helper runs inside the host.
func SpecFor(cfg config.Config, host, helperBinary string, labels map[string]string) HostSpec {
	spec := HostSpec{
		Name:     Name(cfg, host),
		Image:    cfg.Runtime.Image,
		MemoryMB: cfg.Runtime.MemoryMB,
		Mounts: []Mount{
			{Source: cfg.HostKeyDir(host), Target: cfg.Keys.Dir},
			{Source: cfg.ExchangeDir(), Target: cfg.Keys.ExchangeDir},
		},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelHost:    host,
		},
	}
	if helperBinary != "" {
		spec.Mounts = append(spec.Mounts, Mount{Source: helperBinary, Target: HelperPath(cfg), ReadOnly: true})
	}
	maps.Copy(spec.Labels, labels)
	return spec
}
