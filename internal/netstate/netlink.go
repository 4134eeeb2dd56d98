package netstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"syscall"

	cnins "github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/tunnelbed/internal/config"
	"github.com/cochaviz/tunnelbed/internal/errdefs"
	"github.com/cochaviz/tunnelbed/internal/logging"
	"github.com/cochaviz/tunnelbed/internal/topology"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// NetlinkBackend manipulates the kernel through netlink, nft and sysctl.
type NetlinkBackend struct {
	bridges bridgeDriver
	logger  *slog.Logger
}

// NewNetlinkBackend returns a backend whose bridge is a Linux bridge or an
// Open vSwitch bridge depending on kind.
func NewNetlinkBackend(kind string, logger *slog.Logger) (*NetlinkBackend, error) {
	logger = logging.Ensure(logger).With("component", "netlink")
	var driver bridgeDriver
	switch kind {
	case "", config.BridgeLinux:
		driver = linuxBridge{}
	case config.BridgeOVS:
		driver = newOVSBridge()
	default:
		return nil, fmt.Errorf("unsupported bridge kind %q", kind)
	}
	return &NetlinkBackend{bridges: driver, logger: logger}, nil
}

// handleAt opens a netlink handle in the namespace at path.
func handleAt(path string) (*netlink.Handle, error) {
	if path == "" {
		return netlink.NewHandle()
	}
	target, err := netns.GetFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errdefs.ErrNamespace, path, err)
	}
	defer target.Close()
	handle, err := netlink.NewHandleAt(target)
	if err != nil {
		return nil, fmt.Errorf("handle for %s: %w", path, err)
	}
	return handle, nil
}

// inNamespace runs fn with the calling thread switched into the namespace at
// path.
func inNamespace(path string, fn func() error) error {
	if path == "" {
		return fn()
	}
	target, err := cnins.GetNS(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", errdefs.ErrNamespace, path, err)
	}
	defer target.Close()
	return target.Do(func(cnins.NetNS) error { return fn() })
}

func (b *NetlinkBackend) CreateVeth(ctx context.Context, name, peer string) error {
	handle, err := handleAt("")
	if err != nil {
		return err
	}
	defer handle.Close()

	if _, err := handle.LinkByName(name); err == nil {
		return fmt.Errorf("%w: link %s", errdefs.ErrAlreadyExists, name)
	}
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		PeerName:  peer,
	}
	if err := handle.LinkAdd(veth); err != nil {
		if errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("%w: link %s", errdefs.ErrAlreadyExists, peer)
		}
		return fmt.Errorf("create veth %s: %w", name, err)
	}
	return nil
}

func (b *NetlinkBackend) LinkExists(ctx context.Context, ns, name string) (bool, error) {
	handle, err := handleAt(ns)
	if err != nil {
		return false, err
	}
	defer handle.Close()

	if _, err := handle.LinkByName(name); err != nil {
		if isLinkNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("lookup %s: %w", name, err)
	}
	return true, nil
}

func (b *NetlinkBackend) MoveLink(ctx context.Context, name, ns, rename string) error {
	target, err := netns.GetFromPath(ns)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", errdefs.ErrNamespace, ns, err)
	}
	defer target.Close()

	host, err := handleAt("")
	if err != nil {
		return err
	}
	defer host.Close()

	link, err := lookupLink(host, name)
	if err != nil {
		return err
	}
	if err := host.LinkSetNsFd(link, int(target)); err != nil {
		return fmt.Errorf("move %s: %w", name, err)
	}

	inside, err := netlink.NewHandleAt(target)
	if err != nil {
		return fmt.Errorf("handle for %s: %w", ns, err)
	}
	defer inside.Close()

	moved, err := lookupLink(inside, name)
	if err != nil {
		return err
	}
	if rename == "" || rename == name {
		return nil
	}
	if err := inside.LinkSetName(moved, rename); err != nil {
		if errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("%w: %s in %s", errdefs.ErrAlreadyExists, rename, ns)
		}
		return fmt.Errorf("rename %s to %s: %w", name, rename, err)
	}
	return nil
}

func (b *NetlinkBackend) SetLinkUp(ctx context.Context, ns, name string) error {
	return b.withLink(ns, name, func(h *netlink.Handle, l netlink.Link) error {
		return h.LinkSetUp(l)
	})
}

func (b *NetlinkBackend) SetLinkDown(ctx context.Context, ns, name string) error {
	return b.withLink(ns, name, func(h *netlink.Handle, l netlink.Link) error {
		if err := h.LinkSetDown(l); err != nil && !errors.Is(err, syscall.EOPNOTSUPP) {
			return err
		}
		return nil
	})
}

func (b *NetlinkBackend) DeleteLink(ctx context.Context, ns, name string) error {
	return b.withLink(ns, name, func(h *netlink.Handle, l netlink.Link) error {
		return h.LinkDel(l)
	})
}

func (b *NetlinkBackend) ReplaceAddr(ctx context.Context, ns, name string, addr netip.Prefix) error {
	want, err := netlink.ParseAddr(addr.String())
	if err != nil {
		return fmt.Errorf("%w: address %s: %v", errdefs.ErrFormat, addr, err)
	}
	return b.withLink(ns, name, func(h *netlink.Handle, l netlink.Link) error {
		existing, err := h.AddrList(l, unix.AF_INET)
		if err != nil {
			return fmt.Errorf("list addresses: %w", err)
		}
		for _, a := range existing {
			if a.IP.Equal(want.IP) && a.Mask.String() == want.Mask.String() {
				return nil
			}
		}
		return h.AddrReplace(l, want)
	})
}

func (b *NetlinkBackend) ReplaceDefaultRoute(ctx context.Context, ns, dev string, gw netip.Addr) error {
	return b.withLink(ns, dev, func(h *netlink.Handle, l netlink.Link) error {
		return h.RouteReplace(&netlink.Route{
			LinkIndex: l.Attrs().Index,
			Gw:        net.IP(gw.AsSlice()),
		})
	})
}

func (b *NetlinkBackend) EnsureBridge(ctx context.Context, name string) error {
	return b.bridges.ensure(ctx, name)
}

func (b *NetlinkBackend) BridgeExists(ctx context.Context, name string) (bool, error) {
	return b.bridges.exists(ctx, name)
}

func (b *NetlinkBackend) AttachPort(ctx context.Context, bridge, port string) error {
	return b.bridges.attach(ctx, bridge, port)
}

func (b *NetlinkBackend) DeleteBridge(ctx context.Context, name string) error {
	return b.bridges.remove(ctx, name)
}

func (b *NetlinkBackend) ApplyRules(ctx context.Context, ns string, rs topology.RuleSet) error {
	rendered, err := renderRules(rs)
	if err != nil {
		return err
	}
	return inNamespace(ns, func() error {
		if _, err := commandSucceeds(ctx, nftCommand, "delete", "table", "inet", rs.Table); err != nil {
			return fmt.Errorf("nft delete table inet %s: %w", rs.Table, err)
		}
		if _, err := runNft(ctx, rendered, "-f", "-"); err != nil {
			return fmt.Errorf("nft -f - (%s): %w", rs.Table, err)
		}
		b.logger.Debug("rule table loaded", "table", rs.Table, "namespace", ns)
		return nil
	})
}

func (b *NetlinkBackend) RulesExist(ctx context.Context, ns, table string) (bool, error) {
	var found bool
	err := inNamespace(ns, func() error {
		var err error
		found, err = commandSucceeds(ctx, nftCommand, "list", "table", "inet", table)
		return err
	})
	return found, err
}

func (b *NetlinkBackend) DeleteRules(ctx context.Context, ns, table string) error {
	return inNamespace(ns, func() error {
		found, err := commandSucceeds(ctx, nftCommand, "list", "table", "inet", table)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: table inet %s", errdefs.ErrNotFound, table)
		}
		if _, err := runNft(ctx, nil, "delete", "table", "inet", table); err != nil {
			return fmt.Errorf("nft delete table inet %s: %w", table, err)
		}
		return nil
	})
}

func (b *NetlinkBackend) EnableForwarding(ctx context.Context, ns string) error {
	return inNamespace(ns, func() error {
		return enableIP4Forward()
	})
}

func (b *NetlinkBackend) Forwarding(ctx context.Context, ns string) (bool, error) {
	var enabled bool
	err := inNamespace(ns, func() error {
		raw, err := os.ReadFile(ipForwardPath)
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", errdefs.ErrIO, ipForwardPath, err)
		}
		enabled = strings.TrimSpace(string(raw)) == "1"
		return nil
	})
	return enabled, err
}

func (b *NetlinkBackend) Inspect(ctx context.Context, ns string) (topology.Namespace, error) {
	handle, err := handleAt(ns)
	if err != nil {
		return topology.Namespace{}, err
	}
	defer handle.Close()

	links, err := handle.LinkList()
	if err != nil {
		return topology.Namespace{}, fmt.Errorf("list links: %w", err)
	}
	names := make(map[int]string, len(links))
	for _, l := range links {
		names[l.Attrs().Index] = l.Attrs().Name
	}

	view := topology.Namespace{Addresses: map[string][]netip.Prefix{}}
	addrs, err := handle.AddrList(nil, unix.AF_INET)
	if err != nil {
		return topology.Namespace{}, fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range addrs {
		dev := names[a.LinkIndex]
		if dev == "" || dev == "lo" {
			continue
		}
		if p, ok := prefixFromIPNet(a.IPNet); ok {
			view.Addresses[dev] = append(view.Addresses[dev], p)
		}
	}

	routes, err := handle.RouteList(nil, unix.AF_INET)
	if err != nil {
		return topology.Namespace{}, fmt.Errorf("list routes: %w", err)
	}
	for _, r := range routes {
		route := topology.Route{Dev: names[r.LinkIndex]}
		if r.Dst != nil {
			route.Dst, _ = prefixFromIPNet(r.Dst)
		}
		if gw, ok := netip.AddrFromSlice(r.Gw.To4()); ok {
			route.Gateway = gw
		}
		view.Routes = append(view.Routes, route)
	}

	err = inNamespace(ns, func() error {
		var err error
		view.Rules, err = listRules(ctx)
		return err
	})
	if err != nil {
		return topology.Namespace{}, err
	}
	if view.Forwarding, err = b.Forwarding(ctx, ns); err != nil {
		return topology.Namespace{}, err
	}
	return view, nil
}

func (b *NetlinkBackend) withLink(ns, name string, fn func(*netlink.Handle, netlink.Link) error) error {
	handle, err := handleAt(ns)
	if err != nil {
		return err
	}
	defer handle.Close()

	link, err := lookupLink(handle, name)
	if err != nil {
		return err
	}
	if err := fn(handle, link); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func lookupLink(handle *netlink.Handle, name string) (netlink.Link, error) {
	link, err := handle.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil, fmt.Errorf("%w: link %s", errdefs.ErrNotFound, name)
		}
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}
	return link, nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

func prefixFromIPNet(n *net.IPNet) (netip.Prefix, bool) {
	if n == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(n.IP.To4())
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr, ones), true
}
