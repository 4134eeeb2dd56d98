// Package orchestrator reconciles the testbed: it observes what exists,
// builds what is missing and tears everything down again.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cochaviz/tunnelbed/internal/config"
	"github.com/cochaviz/tunnelbed/internal/errdefs"
	"github.com/cochaviz/tunnelbed/internal/logging"
	"github.com/cochaviz/tunnelbed/internal/netstate"
	"github.com/cochaviz/tunnelbed/internal/sandbox"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

// Environment bundles the collaborators every reconciliation pass needs.
type Environment struct {
	Config       config.Config
	Desired      topology.Desired
	Runtime      sandbox.Runtime
	Network      *netstate.NetworkState
	// HelperBinary is the orchestrator-side key helper executable.
	HelperBinary string
	Logger       *slog.Logger
}

func (e *Environment) logger() *slog.Logger {
	return logging.Ensure(e.Logger).With("component", "orchestrator")
}

func (e *Environment) sandboxName(host string) string {
	return sandbox.Name(e.Config, host)
}

// hostNamespaces resolves the namespace paths of running hosts.
type hostNamespaces map[string]string

// path returns the namespace path of host; "" is the orchestrator itself.
func (n hostNamespaces) path(host string) (string, error) {
	if host == "" {
		return "", nil
	}
	p, ok := n[host]
	if !ok || p == "" {
		return "", fmt.Errorf("%w: host %s is not running", errdefs.ErrNamespace, host)
	}
	return p, nil
}

// Observe takes a snapshot of which parts of the desired topology exist.
func (e *Environment) Observe(ctx context.Context) (topology.Observed, error) {
	o := topology.NewObserved()
	namespaces, err := e.inspectHosts(ctx, o)
	if err != nil {
		return o, err
	}

	present, err := e.Network.BridgePresent(ctx, e.Desired.Bridge.Name)
	if err != nil {
		return o, fmt.Errorf("observe bridge: %w", err)
	}
	o.Present[topology.Resource{Kind: topology.KindBridge, Name: e.Desired.Bridge.Name}.ID()] = present

	for _, rs := range e.Desired.Rules {
		r := topology.Resource{Kind: topology.KindRules, Name: rs.Host, Table: rs.Table}
		nsPath, err := namespaces.path(rs.Host)
		if err != nil {
			continue
		}
		ok, err := e.Network.RulesPresent(ctx, nsPath, rs.Table)
		if err != nil {
			return o, fmt.Errorf("observe %s: %w", r.ID(), err)
		}
		o.Present[r.ID()] = ok
	}

	for _, host := range e.Desired.Forwarding {
		r := topology.Resource{Kind: topology.KindForwarding, Name: host}
		nsPath, err := namespaces.path(host)
		if err != nil {
			continue
		}
		ok, err := e.Network.ForwardingEnabled(ctx, nsPath)
		if err != nil {
			return o, fmt.Errorf("observe %s: %w", r.ID(), err)
		}
		o.Present[r.ID()] = ok
	}

	for _, l := range e.Desired.Links {
		for _, name := range l.OrchestratorNames() {
			ok, err := e.Network.LinkPresent(ctx, "", name)
			if err != nil {
				return o, fmt.Errorf("observe endpoint %s: %w", name, err)
			}
			if ok {
				o.Endpoints[name] = true
			}
		}
		placed, err := e.linkPlaced(ctx, namespaces, l)
		if err != nil {
			return o, err
		}
		o.Present[topology.Resource{Kind: topology.KindLink, Name: l.Name}.ID()] = placed
	}
	return o, nil
}

func (e *Environment) inspectHosts(ctx context.Context, o topology.Observed) (hostNamespaces, error) {
	namespaces := hostNamespaces{}
	for _, h := range e.Desired.Hosts {
		inst, err := e.Runtime.Inspect(ctx, e.sandboxName(h.Name))
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return namespaces, fmt.Errorf("observe host %s: %w", h.Name, err)
		}
		o.Hosts[h.Name] = topology.HostState{Exists: true, Running: inst.Running, NetNS: inst.NetNS}
		if inst.Running {
			namespaces[h.Name] = inst.NetNS
		}
	}
	return namespaces, nil
}

// linkPlaced reports whether every endpoint of l sits in its final namespace
// under its final name.
func (e *Environment) linkPlaced(ctx context.Context, namespaces hostNamespaces, l topology.Link) (bool, error) {
	for _, ep := range []topology.Endpoint{l.A, l.B} {
		nsPath, err := namespaces.path(ep.Host)
		if err != nil {
			return false, nil
		}
		ok, err := e.Network.LinkPresent(ctx, nsPath, ep.FinalName())
		if err != nil {
			return false, fmt.Errorf("observe link %s: %w", l.Name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// View reads back the orchestrator namespace and every running host.
func (e *Environment) View(ctx context.Context) (topology.NetworkView, error) {
	o := topology.NewObserved()
	namespaces, err := e.inspectHosts(ctx, o)
	if err != nil {
		return nil, err
	}
	paths := map[string]string{"": ""}
	for host, p := range namespaces {
		paths[host] = p
	}
	return e.Network.View(ctx, paths)
}

// Verify checks the running testbed against the blueprint.
func (e *Environment) Verify(ctx context.Context) error {
	view, err := e.View(ctx)
	if err != nil {
		return err
	}
	return topology.Verify(e.Desired, view)
}

func (e *Environment) ensureStateDirs(host string) error {
	for _, dir := range []string{e.Config.HostKeyDir(host), e.Config.ExchangeDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: create %s: %v", errdefs.ErrIO, dir, err)
		}
	}
	return nil
}
