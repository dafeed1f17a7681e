package pkg

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"Netemu/api"
	"Netemu/pkg/intf"
	"Netemu/pkg/node"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

var pingRegexp = regexp.MustCompile(`(\d+) packets transmitted, (\d+)( packets)? received`)

// Emulator is the topology level API used by the commands and the CLI.
type Emulator struct {
	m *Manager
}

func NewEmulator() *Emulator {
	return &Emulator{
		m: NewManager(nil),
	}
}

func (e *Emulator) Manager() *Manager { return e.m }

// LoadTopoConfig reads and validates a topology file.
func LoadTopoConfig(filepath string) (*api.TopoConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading YAML file")
	}
	return api.ParseTopoConfig(data)
}

// ApplyTopoConfig builds the topology described by the file at filepath.
func (e *Emulator) ApplyTopoConfig(ctx context.Context, filepath string) error {
	topo, err := LoadTopoConfig(filepath)
	if err != nil {
		return err
	}
	return e.Apply(ctx, topo)
}

// Apply builds topo, replacing whatever was built before.
func (e *Emulator) Apply(ctx context.Context, topo *api.TopoConfig) error {
	if len(e.m.Nodes()) > 0 {
		e.m.Stop()
	}
	e.m = NewManager(topo.Hosts)
	start := time.Now()
	if err := e.m.Build(ctx, topo); err != nil {
		return err
	}
	log.Infof("topology up: %d nodes, %d links in %s",
		len(e.m.Nodes()), e.m.Links().Len(), time.Since(start).Round(time.Millisecond))
	return nil
}

func (e *Emulator) Destroy() error {
	return e.m.Stop()
}

// Intfs returns the linked interfaces of n in port order.
func Intfs(n *node.Node) []*intf.Interface {
	var out []*intf.Interface
	for _, p := range n.Ports() {
		if i, ok := p.(*intf.Interface); ok {
			out = append(out, i)
		}
	}
	return out
}

// defaultIP is the address of the first interface of n that has one.
func defaultIP(n *node.Node) string {
	for _, i := range Intfs(n) {
		if i.IP() != "" {
			return i.IP()
		}
	}
	return ""
}

func (e *Emulator) ShowNodes(w io.Writer) {
	for _, n := range e.m.Nodes() {
		var names []string
		for _, i := range Intfs(n) {
			names = append(names, i.Name())
		}
		fmt.Fprintf(w, "Node: %s, Kind: %s, Host: %s, Pid: %d, State: %s, Interfaces: %s\n",
			n.Name(), n.Kind(), n.HostName(), n.Pid(), n.State(), strings.Join(names, ","))
	}
}

func (e *Emulator) ShowLinks(w io.Writer) {
	for _, l := range e.m.Links().Links() {
		fmt.Fprintf(w, "Link: %s, Kind: %s, Properties: %s, Status: %s\n",
			l, l.Kind(), intf.Describe(l.Properties()), l.Status())
	}
}

// ShowIntfs prints every interface as read back from the system.
func (e *Emulator) ShowIntfs(w io.Writer) {
	for _, n := range e.m.Nodes() {
		if n.Kind() == api.KindSwitch {
			e.showSwitchPorts(w, n)
			continue
		}
		for _, i := range Intfs(n) {
			if _, _, err := i.UpdateAddress(); err != nil {
				n.Logger().WithError(err).Warn("cannot read addresses")
			}
			d := i.Describe()
			if l := e.m.Links().ForInterface(i); l != nil {
				d.Link = l.String()
			}
			d.Status, _ = i.Status()
			fmt.Fprintf(w, "Interface: %s, Node: %s, IPv4: %s, Mac: %s, Link: %s, Status: %s\n",
				d.Name, d.NodeName, d.Ipv4, d.Mac, d.Link, d.Status)
		}
	}
}

func (e *Emulator) showSwitchPorts(w io.Writer, sw *node.Node) {
	om := e.m.ovsFor(sw.Host())
	ports, err := om.ListPorts(sw.Name())
	if err != nil {
		sw.Logger().WithError(err).Warn("cannot list ports")
		return
	}
	for _, p := range ports {
		ofport, err := om.GetPortId(sw.Name(), p)
		if err != nil {
			ofport = -1
		}
		fmt.Fprintf(w, "Port: %s, Switch: %s, OpenFlow port: %d\n", p, sw.Name(), ofport)
	}
}

// ShowQdiscs prints the queueing disciplines of the interfaces of local
// nodes.
func (e *Emulator) ShowQdiscs(w io.Writer) {
	for _, n := range e.m.Nodes() {
		if !n.Host().Local() {
			continue
		}
		for _, i := range Intfs(n) {
			if !i.Shaped() {
				continue
			}
			qdiscs, err := i.Qdiscs(n.NetNSPath())
			if err != nil {
				n.Logger().WithError(err).Warnf("cannot list qdiscs of %s", i.Name())
				continue
			}
			for _, q := range qdiscs {
				fmt.Fprintf(w, "Qdisc: %s, Interface: %s, Handle: %s, Parent: %s\n", q.Type, i.Name(), q.Handle, q.Parent)
			}
		}
	}
}

// ParsePing returns the sent and received counts of ping output.
func ParsePing(out string) (int, int, error) {
	m := pingRegexp.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, errors.Errorf("could not parse ping output: %q", strings.TrimSpace(out))
	}
	sent, _ := strconv.Atoi(m[1])
	received, _ := strconv.Atoi(m[2])
	return sent, received, nil
}

// Ping sends one echo request from src to the default address of dst.
func (e *Emulator) Ping(ctx context.Context, src, dst *node.Node, timeout time.Duration) (int, int, error) {
	ip := defaultIP(dst)
	if ip == "" {
		return 0, 0, errors.Errorf("%s has no address", dst.Name())
	}
	wait := int(timeout.Seconds())
	if wait < 1 {
		wait = 1
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	out, err := src.CmdContext(ctx, fmt.Sprintf("ping -c1 -W%d %s", wait, ip))
	if err != nil {
		return 0, 0, err
	}
	sent, received, err := ParsePing(out)
	if err != nil {
		// unreachable networks make ping print only an error
		src.Logger().Debug(err.Error())
		return 1, 0, nil
	}
	return sent, received, nil
}

// PingAll pings between every pair of hosts and returns the percentage of
// lost packets.
func (e *Emulator) PingAll(ctx context.Context, w io.Writer, timeout time.Duration) (float64, error) {
	hosts := e.m.Hosts()
	var sent, received int
	fmt.Fprintln(w, "*** Ping: testing ping reachability")
	for _, src := range hosts {
		fmt.Fprintf(w, "%s -> ", src.Name())
		for _, dst := range hosts {
			if src == dst {
				continue
			}
			s, r, err := e.Ping(ctx, src, dst, timeout)
			if err != nil {
				return 0, err
			}
			sent += s
			received += r
			if r > 0 {
				fmt.Fprintf(w, "%s ", dst.Name())
			} else {
				fmt.Fprint(w, "X ")
			}
		}
		fmt.Fprintln(w)
	}
	if sent == 0 {
		fmt.Fprintln(w, "*** Results: no pings sent")
		return 0, nil
	}
	loss := 100 * float64(sent-received) / float64(sent)
	fmt.Fprintf(w, "*** Results: %.0f%% dropped (%d/%d received)\n", loss, received, sent)
	return loss, nil
}

// LinkStatus brings every link between src and dst up or down.
func (e *Emulator) LinkStatus(src, dst string, up bool) error {
	n1, n2 := e.m.Node(src), e.m.Node(dst)
	if n1 == nil || n2 == nil {
		return errors.Errorf("src and dst not both nodes: %s %s", src, dst)
	}
	links := e.m.Links().Between(n1, n2)
	if len(links) == 0 {
		return errors.Errorf("src and dst not connected: %s %s", src, dst)
	}
	for _, l := range links {
		if err := l.SetUp(up); err != nil {
			return err
		}
	}
	return nil
}
