package link

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"Netemu/api"
	"Netemu/pkg/emuerr"
	"Netemu/pkg/node"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetHandler(discard.Default)
	os.Exit(m.Run())
}

type endpoint struct {
	name, host string
	kind       api.NodeKind
}

func (e endpoint) Name() string { return e.name }

func (e endpoint) HostName() string { return e.host }

func (e endpoint) Kind() api.NodeKind { return e.kind }

func TestSelectKind(t *testing.T) {
	h1 := endpoint{"h1", "localhost", api.KindHost}
	h2 := endpoint{"h2", "localhost", api.KindHost}
	h3 := endpoint{"h3", "server2", api.KindHost}
	s1 := endpoint{"s1", "localhost", api.KindSwitch}
	s2 := endpoint{"s2", "localhost", api.KindSwitch}
	s3 := endpoint{"s3", "server2", api.KindSwitch}

	type testcase struct {
		name   string
		e1, e2 endpoint
		forced Kind
		expect Kind
		fails  bool
	}
	testcases := []testcase{
		{name: "hosts on one machine", e1: h1, e2: h2, expect: LocalPair},
		{name: "host and switch", e1: h1, e2: s1, expect: LocalPair},
		{name: "two switches", e1: s1, e2: s2, expect: PatchPair},
		{name: "two switches forced to veth", e1: s1, e2: s2, forced: LocalPair, expect: LocalPair},
		{name: "across machines", e1: h1, e2: h3, expect: Tunnel},
		{name: "switches across machines", e1: s1, e2: s3, expect: Tunnel},
		{name: "veth across machines", e1: h1, e2: h3, forced: LocalPair, fails: true},
		{name: "patch between hosts", e1: h1, e2: h2, forced: PatchPair, fails: true},
		{name: "patch across machines", e1: s1, e2: s3, forced: PatchPair, fails: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			kind, err := SelectKind(tc.e1, tc.e2, tc.forced)
			if tc.fails {
				var failure *emuerr.ConstructionFailure
				require.True(t, errors.As(err, &failure), "%v", err)
				require.Equal(t, tc.e1.host, failure.Host1)
				require.Equal(t, tc.e2.host, failure.Host2)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expect, kind)
		})
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Auto, LocalPair, PatchPair, Tunnel} {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}
	_, err := ParseKind("wormhole")
	require.Error(t, err)
}

// remoteHost pretends to be another machine but runs everything here.
type remoteHost struct{}

func (h *remoteHost) Name() string { return "server2" }

func (h *remoteHost) Local() bool { return false }

func (h *remoteHost) Dest() string { return "root@server2" }

func (h *remoteHost) Command(ctx context.Context, argv ...string) *exec.Cmd {
	return exec.CommandContext(ctx, argv[0], argv[1:]...)
}

func (h *remoteHost) ShellCommand(argv ...string) *exec.Cmd {
	return exec.Command(argv[0], argv[1:]...)
}

// recordingPlumber succeeds at everything and remembers what it did.
type recordingPlumber struct {
	host    string
	log     *[]string
	present bool
}

func (p *recordingPlumber) record(op, name string) {
	*p.log = append(*p.log, p.host+" "+op+" "+name)
}

func (p *recordingPlumber) CreateVeth(_ context.Context, name1, name2 string) error {
	p.record("veth", name1+"/"+name2)
	return nil
}

func (p *recordingPlumber) CreateTap(_ context.Context, name string) error {
	p.record("tap", name)
	return nil
}

func (p *recordingPlumber) Move(_ context.Context, name string, n *node.Node) error {
	p.record("move", name)
	return nil
}

func (p *recordingPlumber) Present(_ context.Context, name string, n *node.Node) (bool, error) {
	return p.present, nil
}

func (p *recordingPlumber) Delete(_ context.Context, name string) error {
	p.record("del", name)
	return nil
}

func newNode(t *testing.T, name string, host node.Host) *node.Node {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	n, err := node.New(context.Background(), name, node.Options{Host: host})
	require.NoError(t, err)
	t.Cleanup(func() { n.Terminate() })
	return n
}

func fakeTable(ops *[]string, transport string) (*Table, *[]*exec.Cmd) {
	var started []*exec.Cmd
	table := NewTable(nil)
	table.Plumber = func(h node.Host) Plumber {
		return &recordingPlumber{host: h.Name(), log: ops}
	}
	table.Transport = func(from, to node.Host, tap int) *exec.Cmd {
		cmd := exec.Command("sh", "-c", transport)
		started = append(started, cmd)
		return cmd
	}
	table.TunnelTimeout = 300 * time.Millisecond
	return table, &started
}

func TestTunnelHandshakeTimeout(t *testing.T) {
	h1 := newNode(t, "h1", &node.LocalHost{})
	h2 := newNode(t, "h2", &remoteHost{})

	var ops []string
	table, started := fakeTable(&ops, "sleep 30")
	start := time.Now()
	_, err := table.Connect(context.Background(), h1, h2, Options{})
	require.Less(t, time.Since(start), 5*time.Second)

	var failure *emuerr.ConstructionFailure
	require.True(t, errors.As(err, &failure), "%v", err)
	require.Equal(t, "localhost", failure.Host1)
	require.Equal(t, "server2", failure.Host2)
	require.Equal(t, "tap0", failure.Intf)

	require.Len(t, *started, 1)
	require.NotNil(t, (*started)[0].ProcessState, "transport left running")
	require.Contains(t, ops, "localhost tap tap0")
	require.Contains(t, ops, "server2 tap tap0")
	require.Equal(t, "localhost del tap0", ops[len(ops)-2])
	require.Equal(t, "server2 del tap0", ops[len(ops)-1])

	require.Zero(t, table.Len())
	require.Empty(t, h1.Ports())
	require.Empty(t, h2.Ports())
}

func TestTunnelTransportStatus(t *testing.T) {
	h1 := newNode(t, "h1", &node.LocalHost{})
	h2 := newNode(t, "h2", &remoteHost{})

	var ops []string
	table, _ := fakeTable(&ops, "echo @; sleep 30")
	l := &Link{node1: h1, node2: h2, table: table, tap: 4, logger: log.WithField("link", "test")}
	require.NoError(t, table.startTransport(l))
	require.Equal(t, "tunnel running", l.tunnelStatus())

	l.killTransport()
	require.True(t, strings.HasPrefix(l.tunnelStatus(), "tunnel exited"), l.tunnelStatus())
}

func TestTunnelTransportExit(t *testing.T) {
	h1 := newNode(t, "h1", &node.LocalHost{})
	h2 := newNode(t, "h2", &remoteHost{})

	var ops []string
	table, _ := fakeTable(&ops, "echo @; exit 3")
	l := &Link{node1: h1, node2: h2, table: table, logger: log.WithField("link", "test")}
	require.NoError(t, table.startTransport(l))
	require.Eventually(t, func() bool {
		return l.tunnelStatus() == "tunnel exited 3"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestVethWithoutNamespaceFails(t *testing.T) {
	h1 := newNode(t, "h1", &node.LocalHost{})
	h2 := newNode(t, "h2", &node.LocalHost{})

	var ops []string
	table, _ := fakeTable(&ops, "true")
	table.MoveInterval = time.Millisecond
	_, err := table.Connect(context.Background(), h1, h2, Options{})
	var failure *emuerr.ConstructionFailure
	require.True(t, errors.As(err, &failure), "%v", err)
	require.Equal(t, "h1-eth0", failure.Intf)
	require.Contains(t, ops, "localhost veth h1-eth0/h2-eth0")
	require.Zero(t, table.Len())
}

func newIsolatedNode(t *testing.T, name string) *node.Node {
	if os.Geteuid() != 0 {
		t.Skip("needs root")
	}
	for _, tool := range []string{"bash", "ip", "ping"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
	n, err := node.New(context.Background(), name, node.Options{Isolated: true})
	require.NoError(t, err)
	t.Cleanup(func() { n.Terminate() })
	return n
}

func TestLocalPair(t *testing.T) {
	h1 := newIsolatedNode(t, "h1")
	h2 := newIsolatedNode(t, "h2")

	table := NewTable(nil)
	l, err := table.Connect(context.Background(), h1, h2, Options{IP1: "10.0.0.1/8", IP2: "10.0.0.2/8"})
	require.NoError(t, err)
	require.Equal(t, LocalPair, l.Kind())
	require.Equal(t, "h1-eth0", l.Intf1().Name())
	require.Equal(t, "h2-eth0", l.Intf2().Name())
	require.Same(t, l, table.ForInterface(l.Intf1()))
	require.Same(t, l, table.ForInterface(l.Intf2()))
	require.Same(t, l.Intf2(), l.Other(l.Intf1()))
	require.Same(t, l.Intf1(), l.Other(l.Intf2()))
	require.Equal(t, "(OK OK)", l.Status())

	out, err := h1.Cmd("ping -c1 -W2 10.0.0.2")
	require.NoError(t, err)
	require.Contains(t, out, "1 received")

	l2, err := table.Connect(context.Background(), h1, h2, Options{})
	require.NoError(t, err)
	require.Equal(t, "h1-eth1", l2.Intf1().Name())
	require.Len(t, table.Between(h2, h1), 2)

	require.NoError(t, l.Delete())
	require.NoError(t, l.Delete())
	require.Nil(t, h1.Port("h1-eth0"))
	require.Nil(t, table.ForInterface(l.Intf1()))
	out, err = h1.Cmd("ip -o link show")
	require.NoError(t, err)
	require.NotContains(t, out, "h1-eth0")
	require.Contains(t, out, "h1-eth1")

	require.NoError(t, table.Delete())
	require.Zero(t, table.Len())
}

func TestLocalPairShaping(t *testing.T) {
	h1 := newIsolatedNode(t, "h1")
	h2 := newIsolatedNode(t, "h2")

	table := NewTable(nil)
	l, err := table.Connect(context.Background(), h1, h2, Options{
		Props: api.LinkProperties{Bw: api.Mbps(10), Delay: "5ms", Discipline: api.HTB},
	})
	require.NoError(t, err)
	qdiscs, err := l.Intf1().Qdiscs(h1.NetNSPath())
	require.NoError(t, err)
	require.NotEmpty(t, qdiscs)
	types := make(map[string]string)
	for _, q := range qdiscs {
		types[q.Handle] = q.Type
	}
	require.Equal(t, "htb", types["5:0"])
	require.Equal(t, "netem", types["10:0"])
}

// stubTools replaces ip, tc and ethtool in the shell of n by functions
// that log their arguments to the returned file. `ip -o ...` prints
// links, the pretended `ip -o link show` output.
func stubTools(t *testing.T, n *node.Node, links string) string {
	dir := t.TempDir()
	calls := filepath.Join(dir, "calls")
	linksFile := filepath.Join(dir, "links")
	require.NoError(t, os.WriteFile(linksFile, []byte(links), 0o644))
	out, err := n.Cmdf(`ip() { echo "ip $*" >> %s; if [ "$1" = -o ]; then cat %s; fi; }; `+
		`tc() { echo "tc $*" >> %[1]s; }; ethtool() { echo "ethtool $*" >> %[1]s; }`, calls, linksFile)
	require.NoError(t, err)
	require.Empty(t, out)
	return calls
}

func readCalls(t *testing.T, path string) []string {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func presentPlumbers(table *Table, ops *[]string) {
	table.Plumber = func(h node.Host) Plumber {
		return &recordingPlumber{host: h.Name(), log: ops, present: true}
	}
}

// fakeBridges keeps switch ports in memory.
type fakeBridges struct {
	ports  map[string]string
	peers  map[string]string
	failOn string
}

func newFakeBridges() *fakeBridges {
	return &fakeBridges{ports: make(map[string]string), peers: make(map[string]string)}
}

func (b *fakeBridges) AddPort(bridge, port string) error {
	b.ports[port] = bridge
	return nil
}

func (b *fakeBridges) AddPatchPort(bridge, port, peer string) error {
	if port == b.failOn {
		return errors.Errorf("cannot add %s", port)
	}
	b.ports[port] = bridge
	b.peers[port] = peer
	return nil
}

func (b *fakeBridges) DeletePort(bridge, port string) error {
	delete(b.ports, port)
	delete(b.peers, port)
	return nil
}

func (b *fakeBridges) HasPort(bridge, port string) (bool, error) {
	return b.ports[port] == bridge, nil
}

func newSwitch(t *testing.T, name string) *node.Node {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	n, err := node.New(context.Background(), name, node.Options{Kind: api.KindSwitch})
	require.NoError(t, err)
	t.Cleanup(func() { n.Terminate() })
	return n
}

func TestPatchPair(t *testing.T) {
	s1 := newSwitch(t, "s1")
	s2 := newSwitch(t, "s2")
	br := newFakeBridges()
	table := NewTable(func(node.Host) (Bridges, error) { return br, nil })

	l, err := table.Connect(context.Background(), s1, s2, Options{})
	require.NoError(t, err)
	require.Equal(t, PatchPair, l.Kind())
	require.Equal(t, "s1-eth1", l.Intf1().Name())
	require.Equal(t, "s2-eth1", l.Intf2().Name())
	require.Equal(t, "s1", br.ports["s1-eth1"])
	require.Equal(t, "s2", br.ports["s2-eth1"])
	require.Equal(t, "s2-eth1", br.peers["s1-eth1"])
	require.Equal(t, "s1-eth1", br.peers["s2-eth1"])
	require.Same(t, l, table.ForInterface(l.Intf2()))
	require.Equal(t, "(OK OK)", l.Status())

	_, err = l.Configure(api.LinkProperties{Delay: "5ms"})
	require.Error(t, err)
	require.Error(t, l.SetUp(false))

	delete(br.ports, "s1-eth1")
	require.Equal(t, "(MISSING OK)", l.Status())

	require.NoError(t, l.Delete())
	require.Empty(t, br.ports)
	require.Equal(t, "(deleted)", l.Status())
	require.NoError(t, l.Delete())
	require.Zero(t, table.Len())
	require.Empty(t, s1.Ports())
	require.Empty(t, s2.Ports())
}

func TestPatchPairRollsBack(t *testing.T) {
	s1 := newSwitch(t, "s1")
	s2 := newSwitch(t, "s2")
	br := newFakeBridges()
	br.failOn = "s2-eth1"
	table := NewTable(func(node.Host) (Bridges, error) { return br, nil })

	_, err := table.Connect(context.Background(), s1, s2, Options{})
	var failure *emuerr.ConstructionFailure
	require.True(t, errors.As(err, &failure), "%v", err)
	require.Equal(t, "s2-eth1", failure.Intf)
	require.Empty(t, br.ports)
	require.Zero(t, table.Len())
}

func TestTunnel(t *testing.T) {
	h1 := newNode(t, "h1", &node.LocalHost{})
	h2 := newNode(t, "h2", &remoteHost{})
	calls1 := stubTools(t, h1, "1: lo: <LOOPBACK,UP> mtu 65536\n7: h1-eth0: <BROADCAST,UP> mtu 1500\n")
	calls2 := stubTools(t, h2, "1: lo: <LOOPBACK,UP> mtu 65536\n")

	var ops []string
	table, started := fakeTable(&ops, "echo @; sleep 30")
	presentPlumbers(table, &ops)

	l, err := table.Connect(context.Background(), h1, h2, Options{IP1: "10.0.0.1/8", IP2: "10.0.0.2/8"})
	require.NoError(t, err)
	require.Equal(t, Tunnel, l.Kind())
	require.Equal(t, "h1-eth0", l.Intf1().Name())
	require.Equal(t, "h2-eth0", l.Intf2().Name())
	require.Equal(t, []string{
		"localhost del tap0", "server2 del tap0",
		"localhost tap tap0", "server2 tap tap0",
	}, ops)
	require.Contains(t, readCalls(t, calls1), "ip link set dev tap0 name h1-eth0")
	require.Contains(t, readCalls(t, calls2), "ip link set dev tap0 name h2-eth0")
	require.Contains(t, readCalls(t, calls2), "ip addr add 10.0.0.2/8 dev h2-eth0")
	require.Same(t, l, table.ForInterface(l.Intf1()))
	require.Equal(t, "(OK MISSING) tunnel running", l.Status())

	require.NoError(t, l.Delete())
	require.NotNil(t, (*started)[0].ProcessState, "transport left running")
	require.Equal(t, []string{"localhost del tap0", "server2 del tap0"}, ops[4:])
	require.Contains(t, readCalls(t, calls1), "ip link del dev h1-eth0")
	require.Zero(t, table.Len())
	require.Empty(t, h1.Ports())
	require.Equal(t, "(deleted)", l.Status())

	require.NoError(t, l.Delete())
	require.Len(t, ops, 6)
	require.NoError(t, l.stopTunnel())
	require.True(t, strings.HasPrefix(l.tunnelStatus(), "tunnel exited"), l.tunnelStatus())
}

func TestLocalPairWithoutNamespaces(t *testing.T) {
	h1 := newNode(t, "h1", &node.LocalHost{})
	h2 := newNode(t, "h2", &node.LocalHost{})
	calls1 := stubTools(t, h1, "")
	stubTools(t, h2, "")

	var ops []string
	table, _ := fakeTable(&ops, "true")
	presentPlumbers(table, &ops)
	l, err := table.Connect(context.Background(), h1, h2, Options{
		Props: api.LinkProperties{Delay: "5ms"},
	})
	require.NoError(t, err)
	require.Equal(t, LocalPair, l.Kind())
	require.NotContains(t, ops, "localhost move h1-eth0")
	require.Contains(t, readCalls(t, calls1), "tc qdisc add dev h1-eth0 root handle 10: netem delay 5ms")

	// interfaces of shells without a namespace outlive them
	require.NoError(t, h1.Terminate())
	require.NoError(t, h2.Terminate())
	ops = nil
	require.NoError(t, l.Delete())
	require.Equal(t, []string{"localhost del h1-eth0", "localhost del h2-eth0"}, ops)
}
