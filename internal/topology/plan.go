package topology

import (
	"fmt"
	"strings"
)

// Step is one ordered stage of a build.
type Step string

const (
	StepCoreHosts         Step = "start-core-hosts"
	StepBridgeLinks       Step = "bridge-links"
	StepBridge            Step = "bridge"
	StepOrchestratorRules Step = "orchestrator-rules"
	StepForwarding        Step = "forwarding"
	StepLeaves            Step = "leaves"
	// StepTeardown groups every destroy action.
	StepTeardown Step = "teardown"
)

// Stage pairs a step with the resources it reconciles, in order.
type Stage struct {
	Step      Step
	Resources []Resource
}

// BuildOrder lays the blueprint out in the order a build must follow.
func BuildOrder(d Desired) []Stage {
	var core, bridgeLinks, leaves []Resource
	for _, h := range d.Hosts {
		if h.Role == RoleLeaf {
			leaves = append(leaves, Resource{Kind: KindHost, Name: h.Name})
			continue
		}
		core = append(core, Resource{Kind: KindHost, Name: h.Name})
	}
	for _, l := range d.Links {
		r := Resource{Kind: KindLink, Name: l.Name}
		if l.A.Host == "" || l.B.Host == "" {
			bridgeLinks = append(bridgeLinks, r)
			continue
		}
		leaves = append(leaves, r)
	}

	var orchestratorRules []Resource
	for _, rs := range d.Rules {
		r := Resource{Kind: KindRules, Name: rs.Host, Table: rs.Table}
		if rs.Host == "" {
			orchestratorRules = append(orchestratorRules, r)
			continue
		}
		leaves = append(leaves, r)
	}

	var forwarding []Resource
	for _, host := range d.Forwarding {
		r := Resource{Kind: KindForwarding, Name: host}
		if host == "" {
			forwarding = append(forwarding, r)
			continue
		}
		leaves = append(leaves, r)
	}

	return []Stage{
		{Step: StepCoreHosts, Resources: core},
		{Step: StepBridgeLinks, Resources: bridgeLinks},
		{Step: StepBridge, Resources: []Resource{{Kind: KindBridge, Name: d.Bridge.Name}}},
		{Step: StepOrchestratorRules, Resources: orchestratorRules},
		{Step: StepForwarding, Resources: forwarding},
		{Step: StepLeaves, Resources: leaves},
	}
}

// HostState is what the sandbox runtime reports for a host.
// A stopped sandbox exists without running.
type HostState struct {
	Exists  bool
	Running bool
	NetNS   string
}

// Observed is a snapshot of which resources currently exist.
type Observed struct {
	Hosts map[string]HostState
	// Present holds resource IDs found on the system.
	Present map[string]bool
	// Endpoints lists link endpoint names left in the orchestrator namespace.
	Endpoints map[string]bool
}

// NewObserved returns an empty snapshot.
func NewObserved() Observed {
	return Observed{
		Hosts:     map[string]HostState{},
		Present:   map[string]bool{},
		Endpoints: map[string]bool{},
	}
}

// Has reports whether r is in place. A host only counts when it runs; use
// Exists to ask whether there is anything to remove.
func (o Observed) Has(r Resource) bool {
	if r.Kind == KindHost {
		return o.Hosts[r.Name].Running
	}
	return o.Present[r.ID()]
}

// Exists reports whether anything of r is left on the system.
func (o Observed) Exists(r Resource) bool {
	if r.Kind == KindHost {
		h := o.Hosts[r.Name]
		return h.Exists || h.Running
	}
	return o.Present[r.ID()]
}

// ActionKind says what a plan does with a resource.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	// ActionKeep re-asserts a resource that already exists.
	ActionKeep   ActionKind = "already-exists"
	ActionDelete ActionKind = "delete"
	ActionSkip   ActionKind = "absent"
)

// Action is a single planned change.
type Action struct {
	Step     Step
	Kind     ActionKind
	Resource Resource
}

func (a Action) String() string {
	return fmt.Sprintf("%-18s %-14s %s", a.Step, a.Kind, a.Resource.ID())
}

// Plan is an ordered list of actions.
type Plan []Action

// Count returns how many actions of kind the plan holds.
func (p Plan) Count(kind ActionKind) int {
	n := 0
	for _, a := range p {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func (p Plan) String() string {
	var b strings.Builder
	for _, a := range p {
		b.WriteString(a.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// PlanBuild diffs d against o. Existing resources are planned as ActionKeep
// so a retried build re-asserts them instead of recreating them.
func PlanBuild(d Desired, o Observed) Plan {
	var plan Plan
	for _, stage := range BuildOrder(d) {
		for _, r := range stage.Resources {
			kind := ActionCreate
			if o.Has(r) {
				kind = ActionKeep
			}
			plan = append(plan, Action{Step: stage.Step, Kind: kind, Resource: r})
		}
	}
	return plan
}

// PlanDestroy lists every teardown action: hosts (leaves first), the bridge,
// the orchestrator rule set and finally the links. Rules and forwarding inside
// hosts disappear with their namespace. Forwarding in the orchestrator is left
// as found.
func PlanDestroy(d Desired, o Observed) Plan {
	var plan Plan
	add := func(r Resource, present bool) {
		kind := ActionSkip
		if present {
			kind = ActionDelete
		}
		plan = append(plan, Action{Step: StepTeardown, Kind: kind, Resource: r})
	}

	for _, role := range []Role{RoleLeaf, RoleRouter, RoleServer} {
		for _, h := range d.Hosts {
			if h.Role != role {
				continue
			}
			r := Resource{Kind: KindHost, Name: h.Name}
			add(r, o.Exists(r))
		}
	}

	bridge := Resource{Kind: KindBridge, Name: d.Bridge.Name}
	add(bridge, o.Has(bridge))

	for _, rs := range d.Rules {
		if rs.Host != "" {
			continue
		}
		r := Resource{Kind: KindRules, Name: rs.Host, Table: rs.Table}
		add(r, o.Has(r))
	}

	for _, l := range d.Links {
		present := false
		for _, name := range l.OrchestratorNames() {
			if o.Endpoints[name] {
				present = true
			}
		}
		add(Resource{Kind: KindLink, Name: l.Name}, present)
	}
	return plan
}

// Link looks up a link by name.
func (d Desired) Link(name string) (Link, bool) {
	for _, l := range d.Links {
		if l.Name == name {
			return l, true
		}
	}
	return Link{}, false
}

// RuleSet looks up the rule set for a namespace and table.
func (d Desired) RuleSet(host, table string) (RuleSet, bool) {
	for _, rs := range d.Rules {
		if rs.Host == host && rs.Table == table {
			return rs, true
		}
	}
	return RuleSet{}, false
}

// OrchestratorNames returns every name under which an endpoint of l can sit
// in the orchestrator namespace: bridge-side endpoints, plus host-side
// endpoints that were created but never moved.
func (l Link) OrchestratorNames() []string {
	var names []string
	for _, e := range []Endpoint{l.A, l.B} {
		names = append(names, e.Name)
	}
	return names
}
