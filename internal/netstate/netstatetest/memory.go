// Package netstatetest provides an in-memory netstate.Backend.
package netstatetest

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
	"github.com/cochaviz/tunnelbed/internal/netstate"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

type link struct {
	name   string
	ns     string
	up     bool
	bridge bool
	master string
	addrs  []netip.Prefix
	peer   *link
}

type namespace struct {
	links      map[string]*link
	routes     []topology.Route
	rules      map[string]topology.RuleSet
	forwarding bool
}

func newNamespace() *namespace {
	return &namespace{links: map[string]*link{}, rules: map[string]topology.RuleSet{}}
}

var _ netstate.Backend = (*Backend)(nil)

// Backend models namespaces, veth pairs, a bridge, addresses, routes, rule
// sets and forwarding flags. The orchestrator namespace ("") always exists.
type Backend struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
	failures   map[string]error
	calls      []string
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		namespaces: map[string]*namespace{"": newNamespace()},
		failures:   map[string]error{},
	}
}

// AddNamespace makes path resolvable, as a starting sandbox would.
func (b *Backend) AddNamespace(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.namespaces[path]; !ok {
		b.namespaces[path] = newNamespace()
	}
}

// RemoveNamespace drops path along with its links and their veth peers.
func (b *Backend) RemoveNamespace(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[path]
	if !ok || path == "" {
		return
	}
	for _, l := range ns.links {
		b.unlinkPeer(l)
	}
	delete(b.namespaces, path)
}

// AddUplink gives the orchestrator an external interface with a default route.
func (b *Backend) AddUplink(name string, addr netip.Prefix, gw netip.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	root := b.namespaces[""]
	root.links[name] = &link{name: name, up: true, addrs: []netip.Prefix{addr}}
	root.routes = append(root.routes, topology.Route{Gateway: gw, Dev: name})
}

// FailOn makes every later call of op return err.
func (b *Backend) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

// Calls returns the mutating operations performed so far.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

func (b *Backend) record(op string, args ...string) error {
	b.calls = append(b.calls, op+" "+strings.Join(args, " "))
	return b.failures[op]
}

func (b *Backend) ns(path string) (*namespace, error) {
	ns, ok := b.namespaces[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNamespace, path)
	}
	return ns, nil
}

func (b *Backend) link(path, name string) (*link, error) {
	ns, err := b.ns(path)
	if err != nil {
		return nil, err
	}
	l, ok := ns.links[name]
	if !ok {
		return nil, fmt.Errorf("%w: link %s", errdefs.ErrNotFound, name)
	}
	return l, nil
}

func (b *Backend) unlinkPeer(l *link) {
	if l.peer == nil {
		return
	}
	if ns, ok := b.namespaces[l.peer.ns]; ok {
		delete(ns.links, l.peer.name)
		ns.routes = dropRoutes(ns.routes, l.peer.name)
	}
	l.peer.peer = nil
	l.peer = nil
}

func (b *Backend) CreateVeth(_ context.Context, name, peer string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("CreateVeth", name, peer); err != nil {
		return err
	}
	root := b.namespaces[""]
	for _, n := range []string{name, peer} {
		if _, ok := root.links[n]; ok {
			return fmt.Errorf("%w: link %s", errdefs.ErrAlreadyExists, n)
		}
	}
	a := &link{name: name}
	z := &link{name: peer}
	a.peer, z.peer = z, a
	root.links[name], root.links[peer] = a, z
	return nil
}

func (b *Backend) LinkExists(_ context.Context, path, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, err := b.ns(path)
	if err != nil {
		return false, err
	}
	_, ok := ns.links[name]
	return ok, nil
}

func (b *Backend) MoveLink(_ context.Context, name, path, rename string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("MoveLink", name, path, rename); err != nil {
		return err
	}
	target, err := b.ns(path)
	if err != nil {
		return err
	}
	l, err := b.link("", name)
	if err != nil {
		return err
	}
	if rename == "" {
		rename = name
	}
	if _, ok := target.links[rename]; ok {
		return fmt.Errorf("%w: %s in %s", errdefs.ErrAlreadyExists, rename, path)
	}
	delete(b.namespaces[""].links, name)
	l.name, l.ns, l.up, l.master = rename, path, false, ""
	target.links[rename] = l
	return nil
}

func (b *Backend) SetLinkUp(_ context.Context, path, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("SetLinkUp", path, name); err != nil {
		return err
	}
	l, err := b.link(path, name)
	if err != nil {
		return err
	}
	l.up = true
	return nil
}

func (b *Backend) SetLinkDown(_ context.Context, path, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("SetLinkDown", path, name); err != nil {
		return err
	}
	l, err := b.link(path, name)
	if err != nil {
		return err
	}
	l.up = false
	return nil
}

func (b *Backend) DeleteLink(_ context.Context, path, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("DeleteLink", path, name); err != nil {
		return err
	}
	l, err := b.link(path, name)
	if err != nil {
		return err
	}
	b.unlinkPeer(l)
	ns := b.namespaces[path]
	delete(ns.links, name)
	ns.routes = dropRoutes(ns.routes, name)
	return nil
}

func (b *Backend) ReplaceAddr(_ context.Context, path, name string, addr netip.Prefix) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("ReplaceAddr", path, name, addr.String()); err != nil {
		return err
	}
	l, err := b.link(path, name)
	if err != nil {
		return err
	}
	if !slices.Contains(l.addrs, addr) {
		l.addrs = append(l.addrs, addr)
	}
	return nil
}

func (b *Backend) ReplaceDefaultRoute(_ context.Context, path, dev string, gw netip.Addr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("ReplaceDefaultRoute", path, dev, gw.String()); err != nil {
		return err
	}
	if _, err := b.link(path, dev); err != nil {
		return err
	}
	ns := b.namespaces[path]
	routes := ns.routes[:0]
	for _, r := range ns.routes {
		if !r.IsDefault() {
			routes = append(routes, r)
		}
	}
	ns.routes = append(routes, topology.Route{Gateway: gw, Dev: dev})
	return nil
}

func (b *Backend) EnsureBridge(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("EnsureBridge", name); err != nil {
		return err
	}
	root := b.namespaces[""]
	if l, ok := root.links[name]; ok {
		if !l.bridge {
			return fmt.Errorf("%w: %s is not a bridge", errdefs.ErrAlreadyExists, name)
		}
		return nil
	}
	root.links[name] = &link{name: name, bridge: true}
	return nil
}

func (b *Backend) BridgeExists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.namespaces[""].links[name]
	return ok && l.bridge, nil
}

func (b *Backend) AttachPort(_ context.Context, bridge, port string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("AttachPort", bridge, port); err != nil {
		return err
	}
	br, err := b.link("", bridge)
	if err != nil || !br.bridge {
		return fmt.Errorf("%w: bridge %s", errdefs.ErrNotFound, bridge)
	}
	l, err := b.link("", port)
	if err != nil {
		return err
	}
	l.master = bridge
	return nil
}

func (b *Backend) DeleteBridge(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("DeleteBridge", name); err != nil {
		return err
	}
	root := b.namespaces[""]
	l, ok := root.links[name]
	if !ok || !l.bridge {
		return fmt.Errorf("%w: bridge %s", errdefs.ErrNotFound, name)
	}
	delete(root.links, name)
	root.routes = dropRoutes(root.routes, name)
	for _, port := range root.links {
		if port.master == name {
			port.master = ""
		}
	}
	return nil
}

func (b *Backend) ApplyRules(_ context.Context, path string, rs topology.RuleSet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("ApplyRules", path, rs.Table); err != nil {
		return err
	}
	ns, err := b.ns(path)
	if err != nil {
		return err
	}
	rs.Host = ""
	ns.rules[rs.Table] = rs
	return nil
}

func (b *Backend) RulesExist(_ context.Context, path, table string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, err := b.ns(path)
	if err != nil {
		return false, err
	}
	_, ok := ns.rules[table]
	return ok, nil
}

func (b *Backend) DeleteRules(_ context.Context, path, table string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("DeleteRules", path, table); err != nil {
		return err
	}
	ns, err := b.ns(path)
	if err != nil {
		return err
	}
	if _, ok := ns.rules[table]; !ok {
		return fmt.Errorf("%w: table %s", errdefs.ErrNotFound, table)
	}
	delete(ns.rules, table)
	return nil
}

func (b *Backend) EnableForwarding(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("EnableForwarding", path); err != nil {
		return err
	}
	ns, err := b.ns(path)
	if err != nil {
		return err
	}
	ns.forwarding = true
	return nil
}

func (b *Backend) Forwarding(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, err := b.ns(path)
	if err != nil {
		return false, err
	}
	return ns.forwarding, nil
}

func (b *Backend) Inspect(_ context.Context, path string) (topology.Namespace, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, err := b.ns(path)
	if err != nil {
		return topology.Namespace{}, err
	}
	view := topology.Namespace{
		Addresses:  map[string][]netip.Prefix{},
		Routes:     slices.Clone(ns.routes),
		Forwarding: ns.forwarding,
	}
	for name, l := range ns.links {
		if len(l.addrs) > 0 && l.up {
			view.Addresses[name] = slices.Clone(l.addrs)
		}
	}
	for _, table := range sortedKeys(ns.rules) {
		view.Rules = append(view.Rules, ns.rules[table])
	}
	return view, nil
}

// Snapshot renders the full state deterministically, for before/after
// comparisons.
func (b *Backend) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out strings.Builder
	for _, path := range sortedKeys(b.namespaces) {
		ns := b.namespaces[path]
		fmt.Fprintf(&out, "ns %q forwarding=%t\n", path, ns.forwarding)
		for _, name := range sortedKeys(ns.links) {
			l := ns.links[name]
			peer := ""
			if l.peer != nil {
				peer = l.peer.name
			}
			fmt.Fprintf(&out, "  link %s up=%t bridge=%t master=%s peer=%s addrs=%v\n", name, l.up, l.bridge, l.master, peer, l.addrs)
		}
		for _, r := range ns.routes {
			fmt.Fprintf(&out, "  route %v via %v dev %s\n", r.Dst, r.Gateway, r.Dev)
		}
		for _, table := range sortedKeys(ns.rules) {
			fmt.Fprintf(&out, "  rules %s\n", table)
		}
	}
	return out.String()
}

// Links lists link names present in path.
func (b *Backend) Links(path string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[path]
	if !ok {
		return nil
	}
	return sortedKeys(ns.links)
}

func dropRoutes(routes []topology.Route, dev string) []topology.Route {
	kept := routes[:0]
	for _, r := range routes {
		if r.Dev != dev {
			kept = append(kept, r)
		}
	}
	return kept
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
