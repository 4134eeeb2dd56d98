package topology

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/cochaviz/tunnelbed/internal/config"
)

func testDesired() Desired {
	return Default(config.Default.Network)
}

func TestDefaultBlueprint(t *testing.T) {
	d := testDesired()

	if got := d.HostNames(); strings.Join(got, ",") != "server,router1,router2,leaf1,leaf2" {
		t.Fatalf("hosts = %v", got)
	}
	if got := d.Peers(); strings.Join(got, ",") != "router1,router2,leaf1,leaf2" {
		t.Fatalf("peers = %v", got)
	}
	if d.Bridge.Address != netip.MustParsePrefix("10.255.0.1/16") {
		t.Fatalf("bridge address = %s", d.Bridge.Address)
	}

	leaf1, ok := d.Link("leaf1")
	if !ok {
		t.Fatalf("leaf1 link missing")
	}
	if leaf1.B.Address != netip.MustParsePrefix("10.1.0.2/16") || leaf1.B.Gateway != netip.MustParseAddr("10.1.0.1") {
		t.Fatalf("leaf1 endpoint = %+v", leaf1.B)
	}
	if leaf1.A.Host != "router1" || leaf1.A.FinalName() != "eth1" {
		t.Fatalf("leaf1 router endpoint = %+v", leaf1.A)
	}

	rs, ok := d.RuleSet("router2", "tunnelbed")
	if !ok {
		t.Fatalf("router2 rule set missing")
	}
	if len(rs.Masquerade) != 1 || rs.Masquerade[0].OutInterface != "eth0" || rs.Masquerade[0].Source != netip.MustParsePrefix("10.2.0.0/16") {
		t.Fatalf("router2 masquerade = %+v", rs.Masquerade)
	}
	for _, l := range d.Links {
		for _, name := range l.OrchestratorNames() {
			if len(name) > 15 {
				t.Fatalf("interface name %q exceeds IFNAMSIZ", name)
			}
		}
	}
}

func TestBuildOrder(t *testing.T) {
	stages := BuildOrder(testDesired())
	want := []Step{StepCoreHosts, StepBridgeLinks, StepBridge, StepOrchestratorRules, StepForwarding, StepLeaves}
	if len(stages) != len(want) {
		t.Fatalf("got %d stages, want %d", len(stages), len(want))
	}
	for i, stage := range stages {
		if stage.Step != want[i] {
			t.Fatalf("stage %d = %s, want %s", i, stage.Step, want[i])
		}
	}

	var ids []string
	for _, r := range stages[0].Resources {
		ids = append(ids, r.ID())
	}
	if strings.Join(ids, ",") != "host/server,host/router1,host/router2" {
		t.Fatalf("core hosts = %v", ids)
	}

	ids = nil
	for _, r := range stages[5].Resources {
		ids = append(ids, r.ID())
	}
	wantLeaves := "host/leaf1,host/leaf2,link/leaf1,link/leaf2,rules/router1/tunnelbed,rules/router2/tunnelbed,forwarding/router1,forwarding/router2"
	if strings.Join(ids, ",") != wantLeaves {
		t.Fatalf("leaf stage = %v", ids)
	}
}

func TestPlanBuildMarksExistingResources(t *testing.T) {
	d := testDesired()
	o := NewObserved()

	plan := PlanBuild(d, o)
	if plan.Count(ActionKeep) != 0 {
		t.Fatalf("empty system planned keeps:\n%s", plan)
	}
	total := len(plan)

	o.Hosts["server"] = HostState{Running: true, NetNS: "/proc/1/ns/net"}
	o.Present["bridge/tb-br0"] = true
	o.Present["forwarding/orchestrator"] = true

	plan = PlanBuild(d, o)
	if len(plan) != total {
		t.Fatalf("plan length changed: %d vs %d", len(plan), total)
	}
	if plan.Count(ActionKeep) != 3 {
		t.Fatalf("expected 3 keeps:\n%s", plan)
	}
}

func TestPlanDestroyOnEmptySystem(t *testing.T) {
	plan := PlanDestroy(testDesired(), NewObserved())
	if plan.Count(ActionDelete) != 0 {
		t.Fatalf("nothing exists, yet plan deletes:\n%s", plan)
	}
	if plan[0].Resource.ID() != "host/leaf1" {
		t.Fatalf("destroy must stop leaves first, got %s", plan[0].Resource.ID())
	}
}

func TestPlanDestroyRemovesStoppedHosts(t *testing.T) {
	o := NewObserved()
	o.Hosts["server"] = HostState{Exists: true}

	build := PlanBuild(testDesired(), o)
	for _, a := range build {
		if a.Resource.ID() == "host/server" && a.Kind != ActionCreate {
			t.Fatalf("stopped host must be started again, got %s", a.Kind)
		}
	}

	plan := PlanDestroy(testDesired(), o)
	if plan.Count(ActionDelete) != 1 {
		t.Fatalf("expected one delete:\n%s", plan)
	}
	for _, a := range plan {
		if a.Kind == ActionDelete && a.Resource.ID() != "host/server" {
			t.Fatalf("unexpected delete %s", a.Resource.ID())
		}
	}
}

func TestPlanDestroyLeftoverEndpoints(t *testing.T) {
	o := NewObserved()
	o.Endpoints["tbp-router1"] = true
	plan := PlanDestroy(testDesired(), o)
	if plan.Count(ActionDelete) != 1 {
		t.Fatalf("expected one delete:\n%s", plan)
	}
	for _, a := range plan {
		if a.Kind == ActionDelete && a.Resource.ID() != "link/router1" {
			t.Fatalf("unexpected delete %s", a.Resource.ID())
		}
	}
}

func prefix(s string) netip.Prefix { return netip.MustParsePrefix(s) }
func addr(s string) netip.Addr     { return netip.MustParseAddr(s) }

// builtView is what a correctly built testbed reads back as, with an uplink
// on the orchestrator.
func builtView(d Desired) NetworkView {
	view := NetworkView{
		"": {
			Addresses: map[string][]netip.Prefix{
				"uplink0": {prefix("192.0.2.10/24")},
				"tb-br0":  {prefix("10.255.0.1/16")},
			},
			Routes:     []Route{{Gateway: addr("192.0.2.1"), Dev: "uplink0"}},
			Forwarding: true,
		},
	}
	for _, h := range d.Hosts {
		view[h.Name] = Namespace{Addresses: map[string][]netip.Prefix{}}
	}
	for _, l := range d.Links {
		for _, e := range []Endpoint{l.A, l.B} {
			if e.Host == "" {
				continue
			}
			ns := view[e.Host]
			ns.Addresses[e.FinalName()] = []netip.Prefix{e.Address}
			if e.Gateway.IsValid() {
				ns.Routes = append(ns.Routes, Route{Gateway: e.Gateway, Dev: e.FinalName()})
			}
			view[e.Host] = ns
		}
	}
	for _, rs := range d.Rules {
		ns := view[rs.Host]
		ns.Rules = append(ns.Rules, rs)
		view[rs.Host] = ns
	}
	for _, host := range d.Forwarding {
		ns := view[host]
		ns.Forwarding = true
		view[host] = ns
	}
	return view
}

func TestTraceLeafToExternal(t *testing.T) {
	d := testDesired()
	path, err := Trace(builtView(d), "leaf1", addr("198.51.100.7"))
	if err != nil {
		t.Fatalf("Trace() error = %v", err)
	}
	if !path.Egress || path.Delivered {
		t.Fatalf("path = %+v", path)
	}
	if strings.Join(path.Hops, ",") != "leaf1,router1,orchestrator" {
		t.Fatalf("hops = %v", path.Hops)
	}
	if path.Source != addr("192.0.2.10") {
		t.Fatalf("source after NAT = %s", path.Source)
	}
}

func TestTraceBridgeHostCannotAddressLeaf(t *testing.T) {
	d := testDesired()
	path, err := Trace(builtView(d), "server", addr("10.2.0.2"))
	if err != nil {
		t.Fatalf("Trace() error = %v", err)
	}
	if path.Delivered {
		t.Fatalf("leaf2 directly reachable from server: %+v", path)
	}
}

func TestVerifyBuiltView(t *testing.T) {
	d := testDesired()
	if err := Verify(d, builtView(d)); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyReportsBrokenLeafRoute(t *testing.T) {
	d := testDesired()
	view := builtView(d)
	leaf := view["leaf2"]
	leaf.Routes = nil
	view["leaf2"] = leaf

	err := Verify(d, view)
	if err == nil {
		t.Fatalf("Verify() succeeded with a missing leaf route")
	}
	if !strings.Contains(err.Error(), "leaf2: default route does not point at 10.2.0.1") {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyReportsMissingRouterNAT(t *testing.T) {
	d := testDesired()
	view := builtView(d)
	router := view["router1"]
	router.Rules = nil
	view["router1"] = router

	err := Verify(d, view)
	if err == nil || !strings.Contains(err.Error(), "router1: rule table tunnelbed missing") {
		t.Fatalf("Verify() error = %v", err)
	}
}
