package netstate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"syscall"

	"github.com/digitalocean/go-openvswitch/ovs"
	"github.com/vishvananda/netlink"

	"github.com/cochaviz/tunnelbed/internal/errdefs"
)

// bridgeDriver creates the bridging element in the orchestrator namespace.
type bridgeDriver interface {
	ensure(ctx context.Context, name string) error
	exists(ctx context.Context, name string) (bool, error)
	attach(ctx context.Context, bridge, port string) error
	remove(ctx context.Context, name string) error
}

type linuxBridge struct{}

func (linuxBridge) ensure(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err == nil {
		if link.Type() != "bridge" {
			return fmt.Errorf("%w: %s exists as %s", errdefs.ErrAlreadyExists, name, link.Type())
		}
		return nil
	}
	if !isLinkNotFound(err) {
		return fmt.Errorf("get bridge %s: %w", name, err)
	}
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("create bridge %s: %w", name, err)
	}
	return nil
}

func (linuxBridge) exists(ctx context.Context, name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get bridge %s: %w", name, err)
	}
	return link.Type() == "bridge", nil
}

func (linuxBridge) attach(ctx context.Context, bridge, port string) error {
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("lookup bridge %s: %w", bridge, err)
	}
	link, err := netlink.LinkByName(port)
	if err != nil {
		if isLinkNotFound(err) {
			return fmt.Errorf("%w: link %s", errdefs.ErrNotFound, port)
		}
		return fmt.Errorf("lookup %s: %w", port, err)
	}
	if link.Attrs().MasterIndex == br.Attrs().Index {
		return nil
	}
	if err := netlink.LinkSetMaster(link, br); err != nil && !errors.Is(err, syscall.EEXIST) && !errors.Is(err, syscall.EBUSY) {
		return fmt.Errorf("enslave %s to %s: %w", port, bridge, err)
	}
	return nil
}

func (linuxBridge) remove(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return fmt.Errorf("%w: bridge %s", errdefs.ErrNotFound, name)
		}
		return fmt.Errorf("get bridge %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete bridge %s: %w", name, err)
	}
	return nil
}

// ovsBridge drives ovs-vsctl. The bridge's internal interface shows up as a
// regular link, so addressing and activation stay on netlink.
type ovsBridge struct {
	client *ovs.Client
}

func newOVSBridge() *ovsBridge {
	return &ovsBridge{client: ovs.New()}
}

func (o *ovsBridge) ensure(ctx context.Context, name string) error {
	if err := o.client.VSwitch.AddBridge(name); err != nil {
		return fmt.Errorf("ovs add-br %s: %w", name, err)
	}
	return nil
}

func (o *ovsBridge) exists(ctx context.Context, name string) (bool, error) {
	bridges, err := o.client.VSwitch.ListBridges()
	if err != nil {
		return false, fmt.Errorf("ovs list-br: %w", err)
	}
	return slices.Contains(bridges, name), nil
}

func (o *ovsBridge) attach(ctx context.Context, bridge, port string) error {
	if err := o.client.VSwitch.AddPort(bridge, port); err != nil {
		return fmt.Errorf("ovs add-port %s %s: %w", bridge, port, err)
	}
	return nil
}

func (o *ovsBridge) remove(ctx context.Context, name string) error {
	if err := o.client.VSwitch.DeleteBridge(name); err != nil {
		return fmt.Errorf("ovs del-br %s: %w", name, err)
	}
	return nil
}
