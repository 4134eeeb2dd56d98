package netstate

import (
	"context"
	"net/netip"
	"strings"
	"testing"

	"github.com/cochaviz/tunnelbed/internal/logging"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

func orchestratorRules() topology.RuleSet {
	bridge := netip.MustParsePrefix("10.255.0.0/16")
	return topology.RuleSet{
		Table:           "tunnelbed",
		Accept:          []netip.Prefix{bridge},
		AcceptInterface: "tb-br0",
		Masquerade:      []topology.Masquerade{{Source: bridge, NotOutInterface: "tb-br0"}},
	}
}

func TestRenderRules(t *testing.T) {
	out, err := renderRules(orchestratorRules())
	if err != nil {
		t.Fatalf("renderRules() error = %v", err)
	}
	rendered := string(out)
	for _, want := range []string{
		"table inet tunnelbed {",
		"ip daddr 10.255.0.0/16 accept",
		"ip saddr 10.255.0.0/16 accept",
		`iifname "tb-br0" accept`,
		`ip saddr 10.255.0.0/16 oifname != "tb-br0" masquerade`,
		"type nat hook postrouting priority srcnat; policy accept;",
	} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("rendered rules missing %q:\n%s", want, rendered)
		}
	}
}

func TestRenderRulesRequiresTable(t *testing.T) {
	if _, err := renderRules(topology.RuleSet{}); err == nil {
		t.Fatalf("expected error for unnamed table")
	}
}

func TestParseRuleSetRoundTrip(t *testing.T) {
	router := topology.RuleSet{
		Table:      "tunnelbed",
		Masquerade: []topology.Masquerade{{Source: netip.MustParsePrefix("10.1.0.0/16"), OutInterface: "eth0"}},
	}
	for _, rs := range []topology.RuleSet{orchestratorRules(), router} {
		out, err := renderRules(rs)
		if err != nil {
			t.Fatalf("renderRules() error = %v", err)
		}
		got := parseRuleSet(rs.Table, out)
		if len(got.Masquerade) != len(rs.Masquerade) || got.Masquerade[0] != rs.Masquerade[0] {
			t.Fatalf("masquerade = %+v, want %+v", got.Masquerade, rs.Masquerade)
		}
		if got.AcceptInterface != rs.AcceptInterface || len(got.Accept) != len(rs.Accept) {
			t.Fatalf("parsed %+v, want %+v", got, rs)
		}
	}
}

func TestParseTables(t *testing.T) {
	out := []byte("table ip nat\ntable inet tunnelbed\ntable inet filter\n")
	got := parseTables(out)
	if strings.Join(got, ",") != "tunnelbed,filter" {
		t.Fatalf("parseTables() = %v", got)
	}
}

func TestApplyRulesReplacesTable(t *testing.T) {
	var calls []string
	var loaded string

	prevSucceeds, prevRun := commandSucceeds, runNft
	t.Cleanup(func() { commandSucceeds, runNft = prevSucceeds, prevRun })

	commandSucceeds = func(_ context.Context, name string, args ...string) (bool, error) {
		calls = append(calls, name+" "+strings.Join(args, " "))
		return false, nil
	}
	runNft = func(_ context.Context, input []byte, args ...string) ([]byte, error) {
		calls = append(calls, "nft "+strings.Join(args, " "))
		loaded = string(input)
		return nil, nil
	}

	backend, err := NewNetlinkBackend("linux", logging.Discard())
	if err != nil {
		t.Fatalf("NewNetlinkBackend() error = %v", err)
	}
	if err := backend.ApplyRules(context.Background(), "", orchestratorRules()); err != nil {
		t.Fatalf("ApplyRules() error = %v", err)
	}

	want := []string{"nft delete table inet tunnelbed", "nft -f -"}
	if strings.Join(calls, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	if !strings.Contains(loaded, "masquerade") {
		t.Fatalf("loaded rules = %q", loaded)
	}
}

func TestDeleteRulesReportsAbsentTable(t *testing.T) {
	prevSucceeds := commandSucceeds
	t.Cleanup(func() { commandSucceeds = prevSucceeds })
	commandSucceeds = func(context.Context, string, ...string) (bool, error) { return false, nil }

	backend, _ := NewNetlinkBackend("", logging.Discard())
	state := New(backend, logging.Discard())
	if err := state.RemoveRules(context.Background(), "", "tunnelbed"); err != nil {
		t.Fatalf("RemoveRules() error = %v", err)
	}
}

func TestNewNetlinkBackendRejectsUnknownKind(t *testing.T) {
	if _, err := NewNetlinkBackend("vde", nil); err == nil {
		t.Fatalf("expected error for unknown bridge kind")
	}
}
