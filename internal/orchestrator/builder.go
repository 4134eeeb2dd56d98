package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
	"github.com/cochaviz/tunnelbed/internal/sandbox"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

// StepError aborts a build and names the step that failed.
type StepError struct {
	Step     topology.Step
	Resource string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("build step %s failed on %s: %v", e.Step, e.Resource, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Report summarizes a reconciliation pass.
type Report struct {
	Session       string
	Created       []string
	AlreadyExists []string
	Deleted       []string
	Skipped       []string
}

// Builder brings the system to the desired topology.
type Builder struct {
	Env *Environment
	// StopAfter ends the build once this step is done. Zero builds everything.
	StopAfter topology.Step
}

// NewBuilder returns a Builder over env.
func NewBuilder(env *Environment) *Builder {
	return &Builder{Env: env}
}

// Plan computes the build plan without changing anything.
func (b *Builder) Plan(ctx context.Context) (topology.Plan, error) {
	observed, err := b.Env.Observe(ctx)
	if err != nil {
		return nil, err
	}
	return b.trim(topology.PlanBuild(b.Env.Desired, observed)), nil
}

func (b *Builder) trim(plan topology.Plan) topology.Plan {
	if b.StopAfter == "" {
		return plan
	}
	for i, a := range plan {
		if a.Step == b.StopAfter {
			for j := i; j < len(plan); j++ {
				if plan[j].Step != b.StopAfter {
					return plan[:j]
				}
			}
			return plan
		}
	}
	return plan
}

// Apply runs one reconciliation pass. Existing resources are reported as
// already existing and re-asserted; the first failure aborts with a
// StepError.
func (b *Builder) Apply(ctx context.Context) (Report, error) {
	env := b.Env
	session := uuid.NewString()
	logger := env.logger().With("session", session)
	report := Report{Session: session}

	observed, err := env.Observe(ctx)
	if err != nil {
		return report, fmt.Errorf("observe: %w", err)
	}
	plan := b.trim(topology.PlanBuild(env.Desired, observed))
	logger.Info("applying topology", "actions", len(plan), "already_exists", plan.Count(topology.ActionKeep))

	run := &buildRun{env: env, session: session, namespaces: hostNamespaces{}}
	for host, state := range observed.Hosts {
		if state.Running {
			run.namespaces[host] = state.NetNS
		}
	}

	current := topology.Step("")
	for _, action := range plan {
		if action.Step != current {
			current = action.Step
			logger.Info("build step", "step", current)
		}
		id := action.Resource.ID()
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := run.ensure(ctx, action.Resource); err != nil {
			logger.Error("build step failed", "step", action.Step, "resource", id, "error", err)
			return report, &StepError{Step: action.Step, Resource: id, Err: err}
		}
		if action.Kind == topology.ActionKeep {
			report.AlreadyExists = append(report.AlreadyExists, id)
			logger.Debug("resource already exists", "resource", id)
			continue
		}
		report.Created = append(report.Created, id)
		logger.Debug("resource created", "resource", id)
	}
	logger.Info("topology applied", "created", len(report.Created), "already_exists", len(report.AlreadyExists))
	return report, nil
}

type buildRun struct {
	env        *Environment
	session    string
	namespaces hostNamespaces
}

func (r *buildRun) ensure(ctx context.Context, res topology.Resource) error {
	d := r.env.Desired
	switch res.Kind {
	case topology.KindHost:
		return r.ensureHost(ctx, res.Name)
	case topology.KindLink:
		l, ok := d.Link(res.Name)
		if !ok {
			return fmt.Errorf("%w: link %s", errdefs.ErrNotFound, res.Name)
		}
		return r.ensureLink(ctx, l)
	case topology.KindBridge:
		var ports []string
		for _, l := range d.Links {
			for _, ep := range []topology.Endpoint{l.A, l.B} {
				if ep.Host == "" && ep.Master == d.Bridge.Name {
					ports = append(ports, ep.Name)
				}
			}
		}
		return r.env.Network.EnsureBridge(ctx, d.Bridge, ports)
	case topology.KindRules:
		rs, ok := d.RuleSet(res.Name, res.Table)
		if !ok {
			return fmt.Errorf("%w: rule set %s", errdefs.ErrNotFound, res.ID())
		}
		nsPath, err := r.namespaces.path(rs.Host)
		if err != nil {
			return err
		}
		return r.env.Network.ApplyRules(ctx, nsPath, rs)
	case topology.KindForwarding:
		nsPath, err := r.namespaces.path(res.Name)
		if err != nil {
			return err
		}
		return r.env.Network.EnableForwarding(ctx, nsPath)
	default:
		return fmt.Errorf("unknown resource kind %q", res.Kind)
	}
}

func (r *buildRun) ensureHost(ctx context.Context, host string) error {
	if err := r.env.ensureStateDirs(host); err != nil {
		return err
	}
	spec := sandbox.SpecFor(r.env.Config, host, r.env.HelperBinary, map[string]string{sandbox.LabelSession: r.session})
	inst, err := r.env.Runtime.Start(ctx, spec)
	if err != nil {
		return err
	}
	if !inst.Running || inst.NetNS == "" {
		return fmt.Errorf("%w: sandbox %s has no namespace", errdefs.ErrNamespace, spec.Name)
	}
	r.namespaces[host] = inst.NetNS
	return nil
}

// ensureLink creates the pair if neither endpoint exists anywhere, moves
// host-side endpoints that are still in the orchestrator namespace, and
// configures every endpoint.
func (r *buildRun) ensureLink(ctx context.Context, l topology.Link) error {
	net := r.env.Network
	endpoints := []topology.Endpoint{l.A, l.B}

	var (
		placed  = make([]bool, len(endpoints))
		pending = make([]bool, len(endpoints))
		paths   = make([]string, len(endpoints))
	)
	for i, ep := range endpoints {
		nsPath, err := r.namespaces.path(ep.Host)
		if err != nil {
			return err
		}
		paths[i] = nsPath
		// An unreachable namespace surfaces as a NamespaceError on the move.
		placed[i], err = net.LinkPresent(ctx, nsPath, ep.FinalName())
		if err != nil && !errors.Is(err, errdefs.ErrNamespace) {
			return err
		}
		if ep.Host != "" && !placed[i] {
			if pending[i], err = net.LinkPresent(ctx, "", ep.Name); err != nil {
				return err
			}
		}
	}

	missing := 0
	for i := range endpoints {
		if !placed[i] && !pending[i] {
			missing++
		}
	}
	switch missing {
	case 0:
	case len(endpoints):
		if err := net.CreateLink(ctx, l.A.Name, l.B.Name); err != nil {
			return err
		}
		for i, ep := range endpoints {
			placed[i] = ep.Host == ""
			pending[i] = ep.Host != ""
		}
	default:
		return fmt.Errorf("%w: link %s is only partly present, run destroy first", errdefs.ErrAlreadyExists, l.Name)
	}

	for i, ep := range endpoints {
		if pending[i] {
			if err := net.MoveInto(ctx, ep.Name, ep.Host, paths[i], ep.Rename); err != nil {
				return err
			}
		}
		if err := net.ConfigureEndpoint(ctx, paths[i], ep); err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				return fmt.Errorf("endpoint %s vanished: %w", ep.FinalName(), err)
			}
			return err
		}
	}
	return nil
}
