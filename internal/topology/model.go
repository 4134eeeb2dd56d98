// Package topology describes the testbed network: the desired blueprint, the
// observed state of a running testbed and the plans that reconcile the two.
package topology

import (
	"fmt"
	"net/netip"
)

// Role distinguishes the server from the routers and leaves in the star.
type Role string

const (
	RoleServer Role = "server"
	RoleRouter Role = "router"
	RoleLeaf   Role = "leaf"
)

// ServerName is the host every peer trusts.
const ServerName = "server"

// Host is a sandboxed machine in the testbed.
type Host struct {
	Name string
	Role Role
	// Router is the upstream router of a leaf.
	Router string
}

// Segment is an L3 network inside the testbed.
type Segment struct {
	Name    string
	Subnet  netip.Prefix
	Gateway netip.Addr
	// Router is empty for the bridge segment.
	Router string
}

// Endpoint is one side of a veth pair. Host is empty for an endpoint that
// stays in the orchestrator namespace. Host-side endpoints are created under
// Name in the orchestrator namespace and renamed to Rename when moved.
type Endpoint struct {
	Host    string
	Name    string
	Rename  string
	Address netip.Prefix
	Gateway netip.Addr
	// Master enslaves an orchestrator-side endpoint to the bridge.
	Master string
}

// FinalName is the interface name once the endpoint sits in its namespace.
func (e Endpoint) FinalName() string {
	if e.Host != "" && e.Rename != "" {
		return e.Rename
	}
	return e.Name
}

// Link is a veth pair between two endpoints.
type Link struct {
	Name string
	A, B Endpoint
}

// Bridge joins the bridge-side link endpoints and carries the gateway address.
type Bridge struct {
	Name    string
	Address netip.Prefix
}

// Masquerade source-NATs traffic from Source. OutInterface restricts it to a
// single egress interface; NotOutInterface excludes one.
type Masquerade struct {
	Source          netip.Prefix
	OutInterface    string
	NotOutInterface string
}

// RuleSet is one packet filter table installed in a namespace. Host is empty
// for the orchestrator namespace.
type RuleSet struct {
	Host   string
	Table  string
	Accept []netip.Prefix
	// AcceptInterface accepts forwarded traffic entering or leaving it.
	AcceptInterface string
	Masquerade      []Masquerade
}

// Route is a route entry as read back from a namespace.
type Route struct {
	Dst     netip.Prefix
	Gateway netip.Addr
	Dev     string
}

// IsDefault reports whether r is the IPv4 default route.
func (r Route) IsDefault() bool {
	return !r.Dst.IsValid() || r.Dst.Bits() == 0
}

// Kind classifies a resource.
type Kind string

const (
	KindHost       Kind = "host"
	KindLink       Kind = "link"
	KindBridge     Kind = "bridge"
	KindRules      Kind = "rules"
	KindForwarding Kind = "forwarding"
)

// Resource identifies one reconcilable element of the testbed.
type Resource struct {
	Kind Kind
	// Name is the host, link, bridge or owning namespace name.
	Name string
	// Table is set for rule sets.
	Table string
}

// ID is stable across runs and used as the key in Observed.
func (r Resource) ID() string {
	switch r.Kind {
	case KindRules:
		return fmt.Sprintf("%s/%s/%s", r.Kind, namespaceLabel(r.Name), r.Table)
	case KindForwarding:
		return fmt.Sprintf("%s/%s", r.Kind, namespaceLabel(r.Name))
	default:
		return fmt.Sprintf("%s/%s", r.Kind, r.Name)
	}
}

func (r Resource) String() string { return r.ID() }

// OrchestratorLabel names the orchestrator namespace in resource IDs.
const OrchestratorLabel = "orchestrator"

func namespaceLabel(host string) string {
	if host == "" {
		return OrchestratorLabel
	}
	return host
}

// Desired is the full blueprint of the testbed.
type Desired struct {
	Hosts    []Host
	Segments []Segment
	Bridge   Bridge
	Links    []Link
	Rules    []RuleSet
	// Forwarding lists the namespaces that route; "" is the orchestrator.
	Forwarding []string
}

// Host looks up a host by name.
func (d Desired) Host(name string) (Host, bool) {
	for _, h := range d.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

// Peers returns every host other than the server.
func (d Desired) Peers() []string {
	var peers []string
	for _, h := range d.Hosts {
		if h.Role != RoleServer {
			peers = append(peers, h.Name)
		}
	}
	return peers
}

// HostNames returns all host names in blueprint order.
func (d Desired) HostNames() []string {
	names := make([]string, 0, len(d.Hosts))
	for _, h := range d.Hosts {
		names = append(names, h.Name)
	}
	return names
}

// Namespace is what a network namespace looks like when read back.
type Namespace struct {
	// Addresses maps interface name to its assigned prefixes.
	Addresses  map[string][]netip.Prefix
	Routes     []Route
	Rules      []RuleSet
	Forwarding bool
}

// NetworkView maps a host name ("" for the orchestrator) to its namespace.
type NetworkView map[string]Namespace
