// Package sandbox starts and stops the isolated hosts of the testbed and runs
// commands inside them. The runtime owns process isolation and creates each
// host's network namespace; the orchestrator only needs its path.
package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/cochaviz/tunnelbed/internal/config"
)

// Labels attached to every sandbox the orchestrator starts.
const (
	LabelManaged = "io.tunnelbed.managed"
	LabelHost    = "io.tunnelbed.host"
	LabelSession = "io.tunnelbed.session"
)

// Mount is a host directory made visible inside a sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// HostSpec describes the sandbox for one testbed host.
type HostSpec struct {
	Name     string
	Image    string
	Mounts   []Mount
	Labels   map[string]string
	MemoryMB int
}

// Instance is a sandbox as reported by the runtime.
type Instance struct {
	Name    string
	Running bool
	Pid     int
	// NetNS is a path that resolves to the sandbox's network namespace.
	NetNS  string
	Labels map[string]string
}

// Runtime is the sandbox collaborator. Inspect and Stop report
// errdefs.ErrNotFound for unknown sandboxes; Start is idempotent and returns
// the running instance.
type Runtime interface {
	Start(ctx context.Context, spec HostSpec) (Instance, error)
	Inspect(ctx context.Context, name string) (Instance, error)
	Stop(ctx context.Context, name string) error
	Exec(ctx context.Context, name string, argv []string) (ExecResult, error)
}

// ExecResult carries the captured output of a command run in a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// ExecError is returned when a command exits non-zero.
type ExecError struct {
	Sandbox  string
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s: %q exited with status %d", e.Sandbox, strings.Join(e.Argv, " "), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func checkExit(name string, argv []string, res ExecResult) error {
	if res.ExitCode == 0 {
		return nil
	}
	return &ExecError{Sandbox: name, Argv: argv, ExitCode: res.ExitCode, Stderr: string(res.Stderr)}
}

func netnsPath(pid int) string {
	return fmt.Sprintf("/proc/%d/ns/net", pid)
}

// New returns the runtime selected by cfg.
func New(cfg config.RuntimeConfig, opts ...Option) (Runtime, error) {
	switch cfg.Driver {
	case config.RuntimeDocker:
		rt, err := NewDockerRuntime(opts...)
		if err != nil {
			return nil, err
		}
		return rt, nil
	case config.RuntimeLibvirt:
		rt, err := NewLibvirtRuntime(cfg.LibvirtURI, opts...)
		if err != nil {
			return nil, err
		}
		return rt, nil
	default:
		return nil, fmt.Errorf("unsupported sandbox runtime %q", cfg.Driver)
	}
}
