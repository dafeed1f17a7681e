package pkg

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"Netemu/api"
	"Netemu/pkg/emuerr"
	"Netemu/pkg/intf"
	"Netemu/pkg/link"
	"Netemu/pkg/node"
	"Netemu/pkg/ovs"
	"Netemu/pkg/util"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// stopLimit bounds how many nodes are terminated at once. Terminate
// runs no node commands.
const stopLimit = 8

// Manager handles the management of nodes, links, and network configurations
// in the system. It is responsible for adding nodes, linking nodes, applying
// link properties, and cleaning up resources when destroyed.
type Manager struct {
	mu    sync.Mutex
	nodes map[string]*node.Node
	order []string
	cfg   map[string]api.Node
	ips   map[string]string

	hosts map[string]node.Host
	// Placement maps a node name to a host name; the default honours the
	// node's host field and falls back to the local host.
	Placement func(name string) string

	links   *link.Table
	om      map[string]*ovs.OvsManager
	runtime *node.ContainerRuntime

	subnet     string
	prefixLen  int
	nextHostIP uint32
	nextMAC    uint64
}

// NewManager creates a new Manager instance knowing the given remote hosts.
func NewManager(hosts []api.RemoteHost) *Manager {
	m := &Manager{
		nodes:      make(map[string]*node.Node),
		cfg:        make(map[string]api.Node),
		ips:        make(map[string]string),
		hosts:      map[string]node.Host{node.LocalHostName: &node.LocalHost{}},
		om:         make(map[string]*ovs.OvsManager),
		subnet:     "10.0.0.0",
		prefixLen:  8,
		nextHostIP: 1,
		nextMAC:    1,
	}
	for _, h := range hosts {
		if h.Name == node.LocalHostName {
			m.hosts[h.Name] = &node.LocalHost{User: h.User, Addr: h.Addr}
			continue
		}
		m.hosts[h.Name] = &node.SSHHost{HostName: h.Name, User: h.User, Addr: h.Addr}
	}
	m.Placement = m.defaultPlacement
	m.links = link.NewTable(m.bridges)
	return m
}

// SetSubnet sets the range interfaces without an address are numbered
// from.
func (m *Manager) SetSubnet(cidr string) error {
	ip, plen, err := util.SplitCIDR(cidr, 8)
	if err != nil {
		return err
	}
	m.subnet, m.prefixLen = ip, plen
	return nil
}

func (m *Manager) defaultPlacement(name string) string {
	if c, ok := m.cfg[name]; ok && c.Host != "" {
		return c.Host
	}
	return node.LocalHostName
}

// Host returns the host called name.
func (m *Manager) Host(name string) (node.Host, error) {
	if name == "" {
		name = node.LocalHostName
	}
	h, ok := m.hosts[name]
	if !ok {
		return nil, errors.Errorf("unknown host %s", name)
	}
	return h, nil
}

// ovsFor returns the OVS manager of h, creating it on first use.
func (m *Manager) ovsFor(h node.Host) *ovs.OvsManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	om, ok := m.om[h.Name()]
	if !ok {
		om = ovs.NewOvsManager(h)
		m.om[h.Name()] = om
	}
	return om
}

func (m *Manager) bridges(h node.Host) (link.Bridges, error) {
	return m.ovsFor(h), nil
}

func (m *Manager) containerRuntime() (*node.ContainerRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runtime == nil {
		rt, err := node.NewContainerRuntime()
		if err != nil {
			return nil, err
		}
		m.runtime = rt
	}
	return m.runtime, nil
}

// startNode starts the execution context of cfg. It does not touch the
// manager's node table.
func (m *Manager) startNode(ctx context.Context, cfg api.Node) (*node.Node, error) {
	host, err := m.Host(m.Placement(cfg.Name))
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", cfg.Name)
	}
	opts := node.Options{
		Kind:     cfg.Kind,
		Host:     host,
		Isolated: cfg.IsIsolated(),
		Image:    cfg.Image,
	}
	if cfg.Kind == api.KindContainer {
		if opts.Runtime, err = m.containerRuntime(); err != nil {
			return nil, err
		}
	}
	n, err := node.New(ctx, cfg.Name, opts)
	if err != nil {
		return nil, err
	}
	if cfg.Kind == api.KindSwitch {
		if err := m.ovsFor(host).CreateBridge(cfg.Name); err != nil {
			n.Terminate()
			return nil, err
		}
	} else {
		n.SetLoopback(intf.NewLoopback(n))
	}
	return n, nil
}

func (m *Manager) register(cfg api.Node, n *node.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, existed := m.nodes[cfg.Name]; existed {
		return errors.Errorf("node %s already exists", cfg.Name)
	}
	m.nodes[cfg.Name] = n
	m.cfg[cfg.Name] = cfg
	m.order = append(m.order, cfg.Name)
	return nil
}

// AddNode starts one node.
func (m *Manager) AddNode(ctx context.Context, cfg api.Node) (*node.Node, error) {
	if m.Node(cfg.Name) != nil {
		return nil, errors.Errorf("node %s already exists", cfg.Name)
	}
	m.cfg[cfg.Name] = cfg
	n, err := m.startNode(ctx, cfg)
	if err != nil {
		delete(m.cfg, cfg.Name)
		return nil, err
	}
	if err := m.register(cfg, n); err != nil {
		m.discard(n)
		return nil, err
	}
	return n, nil
}

// AddNodes starts several nodes one after the other. On failure the
// nodes that did start are torn down.
func (m *Manager) AddNodes(ctx context.Context, cfgs []api.Node) error {
	for _, cfg := range cfgs {
		m.cfg[cfg.Name] = cfg
	}
	started := make([]*node.Node, 0, len(cfgs))
	for _, cfg := range cfgs {
		n, err := m.startNode(ctx, cfg)
		if err != nil {
			m.discard(started...)
			return err
		}
		started = append(started, n)
	}
	for i, n := range started {
		if err := m.register(cfgs[i], n); err != nil {
			m.discard(started[i:]...)
			return err
		}
	}
	return nil
}

// discard tears down nodes that were started but never registered.
func (m *Manager) discard(nodes ...*node.Node) {
	for _, n := range nodes {
		if n.Kind() == api.KindSwitch {
			if err := m.ovsFor(n.Host()).DeleteBridge(n.Name()); err != nil {
				n.Logger().WithError(err).Warn("cannot delete bridge")
			}
		}
		n.Terminate()
	}
}

// Node returns the node called name, or nil.
func (m *Manager) Node(name string) *node.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[name]
}

// Nodes returns every node in creation order.
func (m *Manager) Nodes() []*node.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*node.Node, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.nodes[name])
	}
	return out
}

// Hosts returns the non switch nodes in creation order.
func (m *Manager) Hosts() []*node.Node {
	var out []*node.Node
	for _, n := range m.Nodes() {
		if n.Kind() != api.KindSwitch {
			out = append(out, n)
		}
	}
	return out
}

// Config returns the topology entry n was built from.
func (m *Manager) Config(name string) api.Node {
	return m.cfg[name]
}

func (m *Manager) Links() *link.Table { return m.links }

// nodeIP returns the address of the first interface of a non switch node.
func (m *Manager) nodeIP(n *node.Node) (string, error) {
	if ip, ok := m.ips[n.Name()]; ok {
		return ip, nil
	}
	ip := m.cfg[n.Name()].Ipv4
	if ip == "" {
		addr, err := util.IPAdd(m.nextHostIP, m.prefixLen, m.subnet)
		if err != nil {
			return "", err
		}
		m.nextHostIP++
		ip = addr
	}
	if _, _, err := util.SplitCIDR(ip, m.prefixLen); err != nil {
		return "", errors.Wrapf(err, "node %s", n.Name())
	}
	m.ips[n.Name()] = ip
	return ip, nil
}

// endAddresses picks the IP and MAC of one end of a new link: explicit
// values first, then the node's own for its first interface.
func (m *Manager) endAddresses(n *node.Node, ip string) (string, string, error) {
	if n.Kind() == api.KindSwitch {
		return "", "", nil
	}
	if len(n.Ports()) > 0 {
		return ip, "", nil
	}
	mac := m.cfg[n.Name()].Mac
	if ip != "" {
		return ip, mac, nil
	}
	ip, err := m.nodeIP(n)
	if err != nil {
		return "", "", err
	}
	if mac == "" {
		mac = util.MACFromIndex(m.nextMAC)
		m.nextMAC++
	}
	return ip, mac, nil
}

func (m *Manager) withPrefix(ip string) string {
	if ip == "" || strings.Contains(ip, "/") {
		return ip
	}
	return ip + "/" + strconv.Itoa(m.prefixLen)
}

// AddLink connects the two nodes of l.
func (m *Manager) AddLink(ctx context.Context, l api.Link) (*link.Link, error) {
	src := m.Node(l.SrcNode)
	if src == nil {
		return nil, errors.Errorf("src node %s not found", l.SrcNode)
	}
	dst := m.Node(l.DstNode)
	if dst == nil {
		return nil, errors.Errorf("dst node %s not found", l.DstNode)
	}
	kind, err := link.ParseKind(l.Kind)
	if err != nil {
		return nil, err
	}
	ip1, mac1, err := m.endAddresses(src, l.SrcIP)
	if err != nil {
		return nil, err
	}
	ip2, mac2, err := m.endAddresses(dst, l.DstIP)
	if err != nil {
		return nil, err
	}
	ip1, ip2 = m.withPrefix(ip1), m.withPrefix(ip2)
	return m.links.Connect(ctx, src, dst, link.Options{
		Kind:  kind,
		Intf1: l.SrcIntf,
		Intf2: l.DstIntf,
		IP1:   ip1,
		IP2:   ip2,
		MAC1:  mac1,
		MAC2:  mac2,
		Props: l.Properties,
	})
}

// Build starts a whole topology. A construction failure tears down what
// was built so far.
func (m *Manager) Build(ctx context.Context, topo *api.TopoConfig) error {
	if topo.Subnet != "" {
		if err := m.SetSubnet(topo.Subnet); err != nil {
			return err
		}
	}
	if err := m.AddNodes(ctx, topo.Nodes); err != nil {
		m.Stop()
		return err
	}
	for _, l := range topo.Links {
		if _, err := m.AddLink(ctx, l); err != nil {
			var failure *emuerr.ConstructionFailure
			if errors.As(err, &failure) {
				log.WithError(err).Error("construction failed, tearing down")
			}
			m.Stop()
			return err
		}
	}
	for _, cfg := range topo.Nodes {
		n := m.Node(cfg.Name)
		for _, line := range cfg.Commands {
			out, err := n.CmdContext(ctx, line)
			if err != nil {
				m.Stop()
				return errors.Wrapf(err, "node %s: %s", cfg.Name, line)
			}
			if out != "" {
				n.Logger().Info(out)
			}
		}
	}
	return nil
}

// Stop deletes every link, every switch bridge and every node. It returns
// the last error met but always goes through everything.
func (m *Manager) Stop() error {
	var lastErr error
	if err := m.links.Delete(); err != nil {
		lastErr = err
	}

	nodes := m.Nodes()
	for _, n := range nodes {
		if n.Kind() != api.KindSwitch {
			continue
		}
		if err := m.ovsFor(n.Host()).DeleteBridge(n.Name()); err != nil {
			n.Logger().WithError(err).Warn("cannot delete bridge")
			lastErr = err
		}
	}

	var g errgroup.Group
	g.SetLimit(stopLimit)
	for _, n := range nodes {
		g.Go(n.Terminate)
	}
	if err := g.Wait(); err != nil {
		lastErr = err
	}

	m.mu.Lock()
	m.nodes = make(map[string]*node.Node)
	m.order = nil
	m.ips = make(map[string]string)
	m.mu.Unlock()
	return lastErr
}
