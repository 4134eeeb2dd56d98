package topology

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
)

const maxHops = 16

// Path is the outcome of tracing a packet through a NetworkView.
type Path struct {
	Hops []string
	// Delivered is set when a namespace owning the destination was reached.
	Delivered bool
	// Egress is set when the packet left the testbed through the orchestrator.
	Egress bool
	// Source is the source address after any masquerading along the way.
	Source netip.Addr
}

// Translated reports whether the source address was rewritten.
func (p Path) Translated(original netip.Addr) bool {
	return p.Source != original
}

// Trace follows the routes and masquerade rules in v from host to dst. Hosts
// are keyed as in NetworkView, with "" for the orchestrator.
func Trace(v NetworkView, host string, dst netip.Addr) (Path, error) {
	ns, ok := v[host]
	if !ok {
		return Path{}, fmt.Errorf("no namespace for %q", label(host))
	}
	src, ok := primaryAddress(ns)
	if !ok {
		return Path{}, fmt.Errorf("%s has no address", label(host))
	}

	path := Path{Source: src}
	current := host
	for hop := 0; hop < maxHops; hop++ {
		ns := v[current]
		path.Hops = append(path.Hops, label(current))
		if owns(ns, dst) {
			path.Delivered = true
			return path, nil
		}
		if hop > 0 && !ns.Forwarding {
			return path, nil
		}

		route, ok := lookup(ns, dst)
		if !ok {
			return path, nil
		}
		path.Source = masquerade(ns, path.Source, route.Dev)

		next := dst
		if route.Gateway.IsValid() {
			next = route.Gateway
		}
		owner, ok := ownerOf(v, next)
		if !ok || owner == current {
			path.Egress = current == ""
			return path, nil
		}
		current = owner
	}
	return path, fmt.Errorf("routing loop tracing %s from %s", dst, label(host))
}

// externalProbe is an address outside every testbed segment (TEST-NET-2).
var externalProbe = netip.MustParseAddr("198.51.100.1")

// Verify checks a running testbed against d: addresses and default routes on
// host-side endpoints, rule sets and forwarding where they belong, outbound
// NAT for every host, and that leaves are not directly addressable from the
// bridge segment.
func Verify(d Desired, v NetworkView) error {
	var errs []error

	for _, l := range d.Links {
		for _, e := range []Endpoint{l.A, l.B} {
			if e.Host == "" {
				continue
			}
			ns, ok := v[e.Host]
			if !ok {
				errs = append(errs, fmt.Errorf("%s: namespace not visible", e.Host))
				continue
			}
			if e.Address.IsValid() && !slices.Contains(ns.Addresses[e.FinalName()], e.Address) {
				errs = append(errs, fmt.Errorf("%s: %s lacks address %s", e.Host, e.FinalName(), e.Address))
			}
			if e.Gateway.IsValid() && !hasDefaultVia(ns, e.Gateway) {
				errs = append(errs, fmt.Errorf("%s: default route does not point at %s", e.Host, e.Gateway))
			}
		}
	}

	for _, rs := range d.Rules {
		if !hasTable(v[rs.Host], rs.Table) {
			errs = append(errs, fmt.Errorf("%s: rule table %s missing", label(rs.Host), rs.Table))
		}
	}
	for _, h := range d.Hosts {
		for _, rs := range v[h.Name].Rules {
			if _, wanted := d.RuleSet(h.Name, rs.Table); !wanted && isOurs(d, rs.Table) {
				errs = append(errs, fmt.Errorf("%s: unexpected rule table %s", h.Name, rs.Table))
			}
		}
	}
	for _, host := range d.Forwarding {
		if !v[host].Forwarding {
			errs = append(errs, fmt.Errorf("%s: IP forwarding disabled", label(host)))
		}
	}

	for _, h := range d.Hosts {
		src, _ := primaryAddress(v[h.Name])
		path, err := Trace(v, h.Name, externalProbe)
		switch {
		case err != nil:
			errs = append(errs, err)
		case !path.Egress:
			errs = append(errs, fmt.Errorf("%s: no route out of the testbed (path %v)", h.Name, path.Hops))
		case !path.Translated(src):
			errs = append(errs, fmt.Errorf("%s: outbound traffic leaves untranslated", h.Name))
		}
	}

	for _, h := range d.Hosts {
		if h.Role != RoleLeaf {
			continue
		}
		leafAddr, ok := primaryAddress(v[h.Name])
		if !ok {
			continue
		}
		for _, other := range d.Hosts {
			if other.Role == RoleLeaf || other.Name == h.Router {
				continue
			}
			path, err := Trace(v, other.Name, leafAddr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if path.Delivered {
				errs = append(errs, fmt.Errorf("%s: directly addressable from %s", h.Name, other.Name))
			}
		}
	}
	return errors.Join(errs...)
}

func isOurs(d Desired, table string) bool {
	for _, rs := range d.Rules {
		if rs.Table == table {
			return true
		}
	}
	return false
}

func hasTable(ns Namespace, table string) bool {
	for _, rs := range ns.Rules {
		if rs.Table == table {
			return true
		}
	}
	return false
}

func hasDefaultVia(ns Namespace, gw netip.Addr) bool {
	for _, r := range ns.Routes {
		if r.IsDefault() && r.Gateway == gw {
			return true
		}
	}
	return false
}

// primaryAddress prefers eth0, then any address in name order.
func primaryAddress(ns Namespace) (netip.Addr, bool) {
	if addrs := ns.Addresses["eth0"]; len(addrs) > 0 {
		return addrs[0].Addr(), true
	}
	names := make([]string, 0, len(ns.Addresses))
	for name := range ns.Addresses {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if addrs := ns.Addresses[name]; len(addrs) > 0 {
			return addrs[0].Addr(), true
		}
	}
	return netip.Addr{}, false
}

func owns(ns Namespace, addr netip.Addr) bool {
	for _, addrs := range ns.Addresses {
		for _, p := range addrs {
			if p.Addr() == addr {
				return true
			}
		}
	}
	return false
}

func ownerOf(v NetworkView, addr netip.Addr) (string, bool) {
	for host, ns := range v {
		if owns(ns, addr) {
			return host, true
		}
	}
	return "", false
}

// lookup does a longest-prefix match; connected routes come from addresses.
func lookup(ns Namespace, dst netip.Addr) (Route, bool) {
	var (
		best  Route
		found bool
	)
	consider := func(r Route) {
		bits := 0
		if r.Dst.IsValid() {
			if !r.Dst.Contains(dst) {
				return
			}
			bits = r.Dst.Bits()
		}
		bestBits := -1
		if found {
			bestBits = 0
			if best.Dst.IsValid() {
				bestBits = best.Dst.Bits()
			}
		}
		if bits > bestBits {
			best, found = r, true
		}
	}
	for _, r := range ns.Routes {
		consider(r)
	}
	for dev, addrs := range ns.Addresses {
		for _, p := range addrs {
			consider(Route{Dst: p.Masked(), Dev: dev})
		}
	}
	return best, found
}

func masquerade(ns Namespace, src netip.Addr, dev string) netip.Addr {
	for _, rs := range ns.Rules {
		for _, m := range rs.Masquerade {
			if !m.Source.Contains(src) {
				continue
			}
			if m.OutInterface != "" && m.OutInterface != dev {
				continue
			}
			if m.NotOutInterface != "" && m.NotOutInterface == dev {
				continue
			}
			if addrs := ns.Addresses[dev]; len(addrs) > 0 {
				return addrs[0].Addr()
			}
			// Uplinks outside the view: mark the source as rewritten.
			return netip.IPv4Unspecified()
		}
	}
	return src
}

func label(host string) string {
	return namespaceLabel(host)
}
