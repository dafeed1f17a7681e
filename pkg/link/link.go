// Package link connects two nodes. A link is a veth pair when both ends
// share a host, a pair of OVS patch ports between switches on one host, or
// an ssh tap tunnel across hosts. The kind is chosen once, when the link
// is built.
package link

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"Netemu/api"
	"Netemu/pkg/emuerr"
	"Netemu/pkg/intf"
	"Netemu/pkg/node"
	"Netemu/pkg/util"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

type Kind int

const (
	// Auto lets Connect choose from the endpoints.
	Auto Kind = iota
	LocalPair
	PatchPair
	Tunnel
)

func (k Kind) String() string {
	switch k {
	case LocalPair:
		return "veth"
	case PatchPair:
		return "patch"
	case Tunnel:
		return "tunnel"
	}
	return "auto"
}

// ParseKind is the inverse of String; "" is Auto.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "auto":
		return Auto, nil
	case "veth":
		return LocalPair, nil
	case "patch":
		return PatchPair, nil
	case "tunnel":
		return Tunnel, nil
	}
	return Auto, errors.Errorf("unknown link kind %q", s)
}

// Endpoint is what kind selection needs to know about a node.
type Endpoint interface {
	Name() string
	HostName() string
	Kind() api.NodeKind
}

// SelectKind picks the link kind for e1 and e2. A forced kind that cannot
// work is a construction failure.
func SelectKind(e1, e2 Endpoint, forced Kind) (Kind, error) {
	sameHost := e1.HostName() == e2.HostName()
	switches := e1.Kind() == api.KindSwitch && e2.Kind() == api.KindSwitch
	kind := forced
	if kind == Auto {
		switch {
		case !sameHost:
			kind = Tunnel
		case switches:
			kind = PatchPair
		default:
			kind = LocalPair
		}
	}
	fail := func(reason string) (Kind, error) {
		return Auto, &emuerr.ConstructionFailure{
			Intf:   fmt.Sprintf("%s link %s-%s", kind, e1.Name(), e2.Name()),
			Host1:  e1.HostName(),
			Host2:  e2.HostName(),
			Reason: reason,
		}
	}
	switch {
	case kind == PatchPair && !switches:
		return fail("patch links join two switches")
	case kind == PatchPair && !sameHost:
		return fail("patch links need both switches on one host")
	case kind == LocalPair && !sameHost:
		return fail("veth pairs cannot span hosts")
	}
	return kind, nil
}

// Options tune Connect. Zero values pick canonical names and addresses.
type Options struct {
	Kind         Kind
	Intf1, Intf2 string
	IP1, IP2     string
	MAC1, MAC2   string
	Props        api.LinkProperties
}

// Bridges gives access to the switch bridges of a host.
type Bridges interface {
	AddPort(bridge, port string) error
	AddPatchPort(bridge, port, peer string) error
	DeletePort(bridge, port string) error
	HasPort(bridge, port string) (bool, error)
}

// TransportFunc prepares the command carrying a tunnel between the taps
// with index tap on from and to. It must print '@' once connected.
type TransportFunc func(from, to node.Host, tap int) *exec.Cmd

// Table owns the links of a topology and resolves interfaces to links.
type Table struct {
	links   map[int]*Link
	nextID  int
	nextTap int

	// Plumber, Bridges and Transport are replaceable for tests.
	Plumber   func(node.Host) Plumber
	Bridges   func(node.Host) (Bridges, error)
	Transport TransportFunc
	// TunnelTimeout bounds the wait for the tunnel handshake.
	TunnelTimeout time.Duration
	// MoveAttempts and MoveInterval bound the namespace move retries.
	MoveAttempts int
	MoveInterval time.Duration
}

func NewTable(bridges func(node.Host) (Bridges, error)) *Table {
	return &Table{
		links:         make(map[int]*Link),
		nextID:        1,
		Plumber:       PlumberFor,
		Bridges:       bridges,
		Transport:     SSHTransport,
		TunnelTimeout: 10 * time.Second,
		MoveAttempts:  3,
		MoveInterval:  100 * time.Millisecond,
	}
}

type Link struct {
	id    int
	kind  Kind
	node1 *node.Node
	node2 *node.Node
	intf1 *intf.Interface
	intf2 *intf.Interface
	props api.LinkProperties
	table *Table

	// tunnel only
	tap       int
	transport *exec.Cmd
	exited    bool
	exitCode  int

	deleted bool
	logger  log.Interface
}

// Connect builds a link between n1 and n2 and configures both ends.
func (t *Table) Connect(ctx context.Context, n1, n2 *node.Node, opts Options) (*Link, error) {
	kind, err := SelectKind(n1, n2, opts.Kind)
	if err != nil {
		return nil, err
	}
	port1 := n1.NewPort()
	port2 := n2.NewPort()
	if n1 == n2 {
		port2 = port1 + 1
	}
	name1, name2 := opts.Intf1, opts.Intf2
	if name1 == "" {
		name1 = util.IntfName(n1.Name(), port1)
	}
	if name2 == "" {
		name2 = util.IntfName(n2.Name(), port2)
	}
	for _, name := range []string{name1, name2} {
		if err := util.CheckIfName(name); err != nil {
			return nil, &emuerr.ConstructionFailure{Intf: name, Host1: n1.HostName(), Host2: n2.HostName(),
				Reason: "invalid interface name", Err: err}
		}
	}

	l := &Link{
		id:     t.nextID,
		kind:   kind,
		node1:  n1,
		node2:  n2,
		props:  opts.Props,
		table:  t,
		logger: log.WithField("link", fmt.Sprintf("%s:%s-%s:%s", n1.Name(), name1, n2.Name(), name2)),
	}
	if kind == PatchPair {
		l.intf1, l.intf2 = intf.New(name1, n1), intf.New(name2, n2)
	} else {
		l.intf1, l.intf2 = intf.NewShaped(name1, n1), intf.NewShaped(name2, n2)
	}

	switch kind {
	case LocalPair:
		err = t.makeVeth(ctx, l)
	case PatchPair:
		err = t.makePatch(l)
	case Tunnel:
		err = t.makeTunnel(ctx, l)
	}
	if err != nil {
		return nil, err
	}
	t.nextID++
	t.links[l.id] = l

	if err := n1.AddPort(l.intf1, port1); err != nil {
		l.Delete()
		return nil, err
	}
	if err := n2.AddPort(l.intf2, port2); err != nil {
		l.Delete()
		return nil, err
	}
	l.intf1.SetLinkID(l.id)
	l.intf2.SetLinkID(l.id)

	if kind != PatchPair {
		if err := l.configureEnd(l.intf1, n1, opts.IP1, opts.MAC1); err != nil {
			l.Delete()
			return nil, err
		}
		if err := l.configureEnd(l.intf2, n2, opts.IP2, opts.MAC2); err != nil {
			l.Delete()
			return nil, err
		}
	}
	l.logger.Debugf("%s link up", kind)
	return l, nil
}

func (l *Link) configureEnd(i *intf.Interface, n *node.Node, ip, mac string) error {
	p := intf.Params{MAC: mac, LinkProperties: l.props}
	if n.Kind() != api.KindSwitch {
		p.IP = ip
	}
	if _, err := i.Configure(p); err != nil {
		return &emuerr.ConstructionFailure{Intf: i.Name(), Host1: l.node1.HostName(), Host2: l.node2.HostName(),
			Reason: "cannot configure interface", Err: err}
	}
	return nil
}

// ForInterface returns the link owning i, or nil.
func (t *Table) ForInterface(i *intf.Interface) *Link {
	return t.links[i.LinkID()]
}

// Between returns the links joining n1 and n2 in either direction.
func (t *Table) Between(n1, n2 *node.Node) []*Link {
	var out []*Link
	for _, l := range t.Links() {
		if (l.node1 == n1 && l.node2 == n2) || (l.node1 == n2 && l.node2 == n1) {
			out = append(out, l)
		}
	}
	return out
}

// Links returns every live link in creation order.
func (t *Table) Links() []*Link {
	ids := make([]int, 0, len(t.links))
	for id := range t.links {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]*Link, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.links[id])
	}
	return out
}

func (t *Table) Len() int { return len(t.links) }

// Delete removes every link, newest first, and returns the last error.
func (t *Table) Delete() error {
	links := t.Links()
	var lastErr error
	for i := len(links) - 1; i >= 0; i-- {
		if err := links[i].Delete(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (l *Link) ID() int { return l.id }

func (l *Link) Kind() Kind { return l.kind }

func (l *Link) Intf1() *intf.Interface { return l.intf1 }

func (l *Link) Intf2() *intf.Interface { return l.intf2 }

func (l *Link) Node1() *node.Node { return l.node1 }

func (l *Link) Node2() *node.Node { return l.node2 }

func (l *Link) Properties() api.LinkProperties { return l.props }

// Other returns the interface at the other end from i, or nil when i is
// not part of the link.
func (l *Link) Other(i *intf.Interface) *intf.Interface {
	switch i {
	case l.intf1:
		return l.intf2
	case l.intf2:
		return l.intf1
	}
	return nil
}

func (l *Link) String() string {
	return fmt.Sprintf("%s:%s<->%s:%s", l.node1.Name(), l.intf1.Name(), l.node2.Name(), l.intf2.Name())
}

// Configure reshapes both ends of the link.
func (l *Link) Configure(props api.LinkProperties) ([]*intf.Result, error) {
	if l.deleted {
		return nil, errors.Errorf("link %s was deleted", l)
	}
	if l.kind == PatchPair {
		return nil, errors.Errorf("link %s: patch ports cannot be shaped", l)
	}
	var results []*intf.Result
	for _, i := range []*intf.Interface{l.intf1, l.intf2} {
		res, err := i.Configure(intf.Params{LinkProperties: props})
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	l.props = props
	return results, nil
}

// SetUp brings both ends up or down.
func (l *Link) SetUp(up bool) error {
	if l.deleted {
		return errors.Errorf("link %s was deleted", l)
	}
	if l.kind == PatchPair {
		return errors.Errorf("link %s: patch ports have no kernel state", l)
	}
	if err := l.intf1.SetUp(up); err != nil {
		return err
	}
	return l.intf2.SetUp(up)
}

// Status reports the presence of both ends, plus the transport state of
// tunnels, e.g. "(OK OK)" or "(OK MISSING) tunnel exited 255".
func (l *Link) Status() string {
	if l.deleted {
		return "(deleted)"
	}
	var s1, s2 string
	if l.kind == PatchPair {
		s1, s2 = l.patchStatus(l.node1, l.intf1), l.patchStatus(l.node2, l.intf2)
	} else {
		s1, s2 = intfStatus(l.intf1), intfStatus(l.intf2)
	}
	status := fmt.Sprintf("(%s %s)", s1, s2)
	if l.kind == Tunnel {
		status += " " + l.tunnelStatus()
	}
	return status
}

func intfStatus(i *intf.Interface) string {
	s, err := i.Status()
	if err != nil {
		return "ERROR"
	}
	return s
}

// Delete removes both ends from the system and from their nodes. Calling
// it again does nothing.
func (l *Link) Delete() error {
	if l.deleted {
		return nil
	}
	l.deleted = true
	var err error
	switch l.kind {
	case LocalPair:
		// deleting one end of a veth pair deletes both
		err = l.deleteEnd(l.intf1)
		if err2 := l.deleteEnd(l.intf2); err == nil {
			err = err2
		}
	case PatchPair:
		err = l.deletePatch()
	case Tunnel:
		err = l.stopTunnel()
	}
	l.node1.RemovePort(l.intf1)
	l.node2.RemovePort(l.intf2)
	l.intf1.SetLinkID(0)
	l.intf2.SetLinkID(0)
	delete(l.table.links, l.id)
	l.logger.Debug("deleted")
	return err
}

// Stop is Delete.
func (l *Link) Stop() error {
	return l.Delete()
}

func (l *Link) deleteEnd(i *intf.Interface) error {
	owner := i.Owner().(*node.Node)
	if owner.Kind() == api.KindSwitch && l.table.Bridges != nil {
		if br, err := l.table.Bridges(owner.Host()); err == nil {
			_ = br.DeletePort(owner.Name(), i.Name())
		}
	}
	if owner.State() == node.Terminated {
		if owner.Isolated() {
			// the namespace went away with the shell
			return nil
		}
		return l.table.Plumber(owner.Host()).Delete(context.Background(), i.Name())
	}
	return i.Delete()
}
