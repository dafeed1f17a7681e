package link

import (
	"context"
	"strconv"
	"strings"

	"Netemu/pkg/node"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// Plumber creates and moves kernel interfaces on one host. Names passed
// to CreateVeth, CreateTap and Delete live in the host's root namespace.
type Plumber interface {
	CreateVeth(ctx context.Context, name1, name2 string) error
	CreateTap(ctx context.Context, name string) error
	// Move puts the root namespace interface name into n's namespace.
	Move(ctx context.Context, name string, n *node.Node) error
	// Present reports whether name is visible from inside n.
	Present(ctx context.Context, name string, n *node.Node) (bool, error)
	Delete(ctx context.Context, name string) error
}

// PlumberFor returns the netlink plumber for the local host and a shell
// plumber for remote ones.
func PlumberFor(h node.Host) Plumber {
	if h.Local() {
		return &netlinkPlumber{}
	}
	return &shellPlumber{host: h}
}

type netlinkPlumber struct{}

func (p *netlinkPlumber) CreateVeth(_ context.Context, name1, name2 string) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: name1},
		PeerName:  name2,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return errors.Wrapf(err, "failed to create veth %s/%s", name1, name2)
	}
	return nil
}

func (p *netlinkPlumber) CreateTap(_ context.Context, name string) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_NO_PI,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return errors.Wrapf(err, "failed to create tap %s", name)
	}
	return nil
}

func (p *netlinkPlumber) Move(_ context.Context, name string, n *node.Node) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "failed to find %s", name)
	}
	handle, err := netns.GetFromPid(n.NsPid())
	if err != nil {
		return errors.Wrapf(err, "failed to open netns of %s", n.Name())
	}
	defer handle.Close()
	if err := netlink.LinkSetNsFd(link, int(handle)); err != nil {
		return errors.Wrapf(err, "failed to move %s to %s", name, n.Name())
	}
	return nil
}

func (p *netlinkPlumber) Present(_ context.Context, name string, n *node.Node) (bool, error) {
	nodeNs, err := ns.GetNS(n.NetNSPath())
	if err != nil {
		return false, errors.Wrapf(err, "failed to open netns of %s", n.Name())
	}
	defer nodeNs.Close()

	found := false
	err = nodeNs.Do(func(_ ns.NetNS) error {
		_, err := netlink.LinkByName(name)
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (p *netlinkPlumber) Delete(_ context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if _, ok := err.(netlink.LinkNotFoundError); ok {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to find %s", name)
	}
	if err := netlink.LinkDel(link); err != nil {
		return errors.Wrapf(err, "failed to delete %s", name)
	}
	return nil
}

// shellPlumber does the same with iproute2 over the host's command runner.
type shellPlumber struct {
	host node.Host
}

func (p *shellPlumber) CreateVeth(ctx context.Context, name1, name2 string) error {
	_, err := node.Runv(ctx, p.host, "ip", "link", "add", "name", name1, "type", "veth", "peer", "name", name2)
	return err
}

func (p *shellPlumber) CreateTap(ctx context.Context, name string) error {
	_, err := node.Runv(ctx, p.host, "ip", "tuntap", "add", "dev", name, "mode", "tap")
	return err
}

func (p *shellPlumber) Move(ctx context.Context, name string, n *node.Node) error {
	_, err := node.Runv(ctx, p.host, "ip", "link", "set", name, "netns", strconv.Itoa(n.NsPid()))
	return err
}

func (p *shellPlumber) Present(ctx context.Context, name string, n *node.Node) (bool, error) {
	out, err := n.Pexec(ctx, "ip", "-o", "link", "show", "dev", name)
	if err != nil {
		if strings.Contains(out, "does not exist") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *shellPlumber) Delete(ctx context.Context, name string) error {
	out, err := node.Runv(ctx, p.host, "ip", "link", "del", "dev", name)
	if err != nil && !strings.Contains(out, "Cannot find device") {
		return err
	}
	return nil
}
