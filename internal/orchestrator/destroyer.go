package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

// Destroyer tears the testbed down, deleting what exists and skipping what
// does not.
type Destroyer struct {
	Env *Environment
}

// NewDestroyer returns a Destroyer over env.
func NewDestroyer(env *Environment) *Destroyer {
	return &Destroyer{Env: env}
}

// Plan computes the teardown plan without changing anything. When the
// snapshot cannot be taken every resource is assumed present.
func (d *Destroyer) Plan(ctx context.Context) topology.Plan {
	observed, err := d.Env.Observe(ctx)
	if err != nil {
		d.Env.logger().Warn("could not observe testbed, assuming everything exists", "error", err)
		observed = d.assumeAll()
	}
	return topology.PlanDestroy(d.Env.Desired, observed)
}

func (d *Destroyer) assumeAll() topology.Observed {
	o := topology.NewObserved()
	desired := d.Env.Desired
	for _, h := range desired.Hosts {
		o.Hosts[h.Name] = topology.HostState{Exists: true}
	}
	o.Present[topology.Resource{Kind: topology.KindBridge, Name: desired.Bridge.Name}.ID()] = true
	for _, rs := range desired.Rules {
		o.Present[topology.Resource{Kind: topology.KindRules, Name: rs.Host, Table: rs.Table}.ID()] = true
	}
	for _, l := range desired.Links {
		for _, name := range l.OrchestratorNames() {
			o.Endpoints[name] = true
		}
	}
	return o
}

// Destroy attempts every teardown action even after failures and returns
// the joined errors. IP forwarding is left as it is.
func (d *Destroyer) Destroy(ctx context.Context) (Report, error) {
	logger := d.Env.logger()
	var (
		report Report
		errs   []error
	)

	plan := d.Plan(ctx)
	logger.Info("destroying topology", "actions", plan.Count(topology.ActionDelete), "absent", plan.Count(topology.ActionSkip))
	for _, action := range plan {
		id := action.Resource.ID()
		if action.Kind == topology.ActionSkip {
			report.Skipped = append(report.Skipped, id)
			logger.Debug("resource absent", "resource", id)
			continue
		}
		if err := d.remove(ctx, action.Resource); err != nil {
			logger.Error("teardown failed", "resource", id, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		report.Deleted = append(report.Deleted, id)
		logger.Debug("resource deleted", "resource", id)
	}
	if err := errors.Join(errs...); err != nil {
		return report, err
	}
	logger.Info("topology destroyed", "deleted", len(report.Deleted))
	return report, nil
}

func (d *Destroyer) remove(ctx context.Context, res topology.Resource) error {
	net := d.Env.Network
	switch res.Kind {
	case topology.KindHost:
		if err := d.Env.Runtime.Stop(ctx, d.Env.sandboxName(res.Name)); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		return nil
	case topology.KindBridge:
		return net.DestroyBridge(ctx, res.Name)
	case topology.KindRules:
		// Host-side tables go away with the host.
		return net.RemoveRules(ctx, "", res.Table)
	case topology.KindLink:
		l, ok := d.Env.Desired.Link(res.Name)
		if !ok {
			return nil
		}
		var errs []error
		for _, name := range l.OrchestratorNames() {
			errs = append(errs, net.DestroyLink(ctx, name))
		}
		return errors.Join(errs...)
	default:
		return fmt.Errorf("unknown resource kind %q", res.Kind)
	}
}
