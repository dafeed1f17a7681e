package intf

import (
	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// Qdisc is an installed queueing discipline as seen by netlink.
type Qdisc struct {
	Type   string
	Handle string
	Parent string
}

// Qdiscs lists the qdiscs of dev inside the network namespace at nsPath
// (a /proc/<pid>/ns/net file on the local host).
func Qdiscs(nsPath, dev string) ([]Qdisc, error) {
	netNs, err := ns.GetNS(nsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open netns %s", nsPath)
	}
	defer netNs.Close()

	var qdiscs []Qdisc
	err = netNs.Do(func(_ ns.NetNS) error {
		link, err := netlink.LinkByName(dev)
		if err != nil {
			return errors.Wrapf(err, "failed to find %s", dev)
		}
		list, err := netlink.QdiscList(link)
		if err != nil {
			return errors.Wrapf(err, "failed to list qdiscs of %s", dev)
		}
		for _, q := range list {
			attrs := q.Attrs()
			qdiscs = append(qdiscs, Qdisc{
				Type:   q.Type(),
				Handle: netlink.HandleStr(attrs.Handle),
				Parent: netlink.HandleStr(attrs.Parent),
			})
		}
		return nil
	})
	return qdiscs, err
}

// Qdiscs lists the qdiscs installed on the interface. nsPath is the
// namespace file of the owning node.
func (i *Interface) Qdiscs(nsPath string) ([]Qdisc, error) {
	return Qdiscs(nsPath, i.name)
}
