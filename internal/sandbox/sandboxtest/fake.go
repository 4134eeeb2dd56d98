// Package sandboxtest provides an in-memory sandbox.Runtime.
package sandboxtest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
	"github.com/cochaviz/tunnelbed/internal/sandbox"
)

var _ sandbox.Runtime = (*Runtime)(nil)

// ExecFunc handles a command run inside a fake sandbox.
type ExecFunc func(ctx context.Context, spec sandbox.HostSpec, argv []string) (sandbox.ExecResult, error)

// Runtime keeps sandboxes in memory. Namespace paths are synthetic
// ("/fake/<name>/ns/net") and announced through OnStart and OnStop.
type Runtime struct {
	mu      sync.Mutex
	specs   map[string]sandbox.HostSpec
	pids    map[string]int
	halted  map[string]bool
	nextPid int
	calls   []string

	OnStart  func(inst sandbox.Instance)
	OnStop   func(inst sandbox.Instance)
	OnHalt   func(inst sandbox.Instance)
	ExecFunc ExecFunc
	// StopErr, when set, is returned by Stop for the named sandbox.
	StopErr map[string]error
}

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		specs:   map[string]sandbox.HostSpec{},
		pids:    map[string]int{},
		halted:  map[string]bool{},
		nextPid: 1000,
		StopErr: map[string]error{},
	}
}

func (r *Runtime) instance(name string) sandbox.Instance {
	inst := sandbox.Instance{
		Name:    name,
		Running: true,
		Pid:     r.pids[name],
		NetNS:   fmt.Sprintf("/fake/%s/ns/net", name),
		Labels:  maps.Clone(r.specs[name].Labels),
	}
	if r.halted[name] {
		inst.Running, inst.Pid, inst.NetNS = false, 0, ""
	}
	return inst
}

func (r *Runtime) Start(_ context.Context, spec sandbox.HostSpec) (sandbox.Instance, error) {
	r.mu.Lock()
	r.calls = append(r.calls, "start "+spec.Name)
	if _, ok := r.specs[spec.Name]; ok && !r.halted[spec.Name] {
		inst := r.instance(spec.Name)
		r.mu.Unlock()
		return inst, nil
	}
	delete(r.halted, spec.Name)
	r.nextPid++
	r.specs[spec.Name] = spec
	r.pids[spec.Name] = r.nextPid
	inst := r.instance(spec.Name)
	hook := r.OnStart
	r.mu.Unlock()

	if hook != nil {
		hook(inst)
	}
	return inst, nil
}

func (r *Runtime) Inspect(_ context.Context, name string) (sandbox.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[name]; !ok {
		return sandbox.Instance{}, fmt.Errorf("%w: sandbox %s", errdefs.ErrNotFound, name)
	}
	return r.instance(name), nil
}

func (r *Runtime) Stop(_ context.Context, name string) error {
	r.mu.Lock()
	r.calls = append(r.calls, "stop "+name)
	if err := r.StopErr[name]; err != nil {
		r.mu.Unlock()
		return err
	}
	if _, ok := r.specs[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: sandbox %s", errdefs.ErrNotFound, name)
	}
	inst := r.instance(name)
	delete(r.specs, name)
	delete(r.pids, name)
	delete(r.halted, name)
	hook := r.OnStop
	r.mu.Unlock()

	if hook != nil {
		hook(inst)
	}
	return nil
}

func (r *Runtime) Exec(ctx context.Context, name string, argv []string) (sandbox.ExecResult, error) {
	r.mu.Lock()
	spec, ok := r.specs[name]
	fn := r.ExecFunc
	r.mu.Unlock()
	if !ok {
		return sandbox.ExecResult{}, fmt.Errorf("%w: sandbox %s", errdefs.ErrNotFound, name)
	}
	if fn == nil {
		return sandbox.ExecResult{}, nil
	}
	return fn(ctx, spec, argv)
}

// Halt stops a sandbox without removing it, as an exited container or a
// daemon restart would. OnHalt is called instead of OnStop.
func (r *Runtime) Halt(name string) {
	r.mu.Lock()
	if _, ok := r.specs[name]; !ok {
		r.mu.Unlock()
		return
	}
	inst := r.instance(name)
	r.halted[name] = true
	hook := r.OnHalt
	r.mu.Unlock()

	if hook != nil {
		hook(inst)
	}
}

// Running lists the names of running sandboxes.
func (r *Runtime) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name := range r.specs {
		if !r.halted[name] {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Spec returns the spec a sandbox was started with.
func (r *Runtime) Spec(name string) (sandbox.HostSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Calls lists start and stop requests in order.
func (r *Runtime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}
