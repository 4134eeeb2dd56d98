package topology

import (
	"net/netip"

	"github.com/cochaviz/tunnelbed/internal/config"
)

const (
	bridgeSidePrefix = "tbv-"
	hostSidePrefix   = "tbp-"
	leafLinkPrefix   = "tbl-"
)

var (
	bridgeSubnet  = netip.MustParsePrefix("10.255.0.0/16")
	bridgeGateway = netip.MustParseAddr("10.255.0.1")
)

type coreHost struct {
	name    string
	role    Role
	address string
}

type leafHost struct {
	name    string
	router  string
	subnet  string
	gateway string
	address string
}

var (
	coreHosts = []coreHost{
		{name: ServerName, role: RoleServer, address: "10.255.0.2"},
		{name: "router1", role: RoleRouter, address: "10.255.0.3"},
		{name: "router2", role: RoleRouter, address: "10.255.0.4"},
	}
	leafHosts = []leafHost{
		{name: "leaf1", router: "router1", subnet: "10.1.0.0/16", gateway: "10.1.0.1", address: "10.1.0.2"},
		{name: "leaf2", router: "router2", subnet: "10.2.0.0/16", gateway: "10.2.0.1", address: "10.2.0.2"},
	}
)

// Default returns the fixed two-level NAT blueprint: a server and two routers
// on the bridge segment, and one leaf behind each router.
func Default(cfg config.NetworkConfig) Desired {
	d := Desired{
		Bridge: Bridge{
			Name:    cfg.Bridge,
			Address: netip.PrefixFrom(bridgeGateway, bridgeSubnet.Bits()),
		},
		Segments: []Segment{{Name: "bridge", Subnet: bridgeSubnet, Gateway: bridgeGateway}},
	}

	for _, h := range coreHosts {
		d.Hosts = append(d.Hosts, Host{Name: h.name, Role: h.role})
		d.Links = append(d.Links, Link{
			Name: h.name,
			A:    Endpoint{Name: bridgeSidePrefix + h.name, Master: cfg.Bridge},
			B: Endpoint{
				Host:    h.name,
				Name:    hostSidePrefix + h.name,
				Rename:  "eth0",
				Address: netip.PrefixFrom(netip.MustParseAddr(h.address), bridgeSubnet.Bits()),
				Gateway: bridgeGateway,
			},
		})
	}

	d.Rules = append(d.Rules, RuleSet{
		Table:           cfg.RuleTable,
		Accept:          []netip.Prefix{bridgeSubnet},
		AcceptInterface: cfg.Bridge,
		Masquerade:      []Masquerade{{Source: bridgeSubnet, NotOutInterface: cfg.Bridge}},
	})
	d.Forwarding = append(d.Forwarding, "")

	for _, l := range leafHosts {
		subnet := netip.MustParsePrefix(l.subnet)
		gateway := netip.MustParseAddr(l.gateway)

		d.Hosts = append(d.Hosts, Host{Name: l.name, Role: RoleLeaf, Router: l.router})
		d.Segments = append(d.Segments, Segment{Name: l.name, Subnet: subnet, Gateway: gateway, Router: l.router})
		d.Links = append(d.Links, Link{
			Name: l.name,
			A: Endpoint{
				Host:    l.router,
				Name:    leafLinkPrefix + l.name + "-r",
				Rename:  "eth1",
				Address: netip.PrefixFrom(gateway, subnet.Bits()),
			},
			B: Endpoint{
				Host:    l.name,
				Name:    leafLinkPrefix + l.name + "-h",
				Rename:  "eth0",
				Address: netip.PrefixFrom(netip.MustParseAddr(l.address), subnet.Bits()),
				Gateway: gateway,
			},
		})
		d.Rules = append(d.Rules, RuleSet{
			Host:       l.router,
			Table:      cfg.RuleTable,
			Masquerade: []Masquerade{{Source: subnet, OutInterface: "eth0"}},
		})
		d.Forwarding = append(d.Forwarding, l.router)
	}
	return d
}
