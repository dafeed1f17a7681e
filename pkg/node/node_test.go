package node

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"Netemu/pkg/emuerr"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetHandler(discard.Default)
	os.Exit(m.Run())
}

func newTestNode(t *testing.T, name string, isolated bool) *Node {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	if isolated && os.Geteuid() != 0 {
		t.Skip("network namespaces need root")
	}
	n, err := New(context.Background(), name, Options{Isolated: isolated})
	require.NoError(t, err)
	t.Cleanup(func() { n.Terminate() })
	return n
}

func TestCmdPwd(t *testing.T) {
	n := newTestNode(t, "h1", false)
	require.Equal(t, Ready, n.State())
	require.Greater(t, n.Pid(), 0)

	out, err := n.Cmd("pwd")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(out, "\n"), "%q", out)
	require.Equal(t, 1, strings.Count(out, "\n"), "%q", out)
	require.NotContains(t, out, string(rune(Sentinel)))
	require.NotContains(t, out, "\r")
	require.True(t, strings.HasPrefix(out, "/"), "%q", out)
}

func TestCmdKeepsOrder(t *testing.T) {
	n := newTestNode(t, "h1", false)
	out, err := n.Cmd("for i in 1 2 3; do echo $i; done")
	require.NoError(t, err)
	require.Equal(t, "1\n2\n3\n", out)

	out, err = n.Cmdf("echo %s", "again")
	require.NoError(t, err)
	require.Equal(t, "again\n", out)
	require.Equal(t, "echo again", n.LastCmd())
}

func TestSendCmdWhileWaiting(t *testing.T) {
	n := newTestNode(t, "h1", false)
	require.NoError(t, n.SendCmd("sleep 0.2"))
	require.True(t, n.Waiting())

	err := n.SendCmd("pwd")
	var violation *emuerr.ProtocolViolation
	require.True(t, errors.As(err, &violation), "%v", err)
	require.Equal(t, "h1", violation.Node)

	_, err = n.WaitOutput()
	require.NoError(t, err)
	require.False(t, n.Waiting())
}

func TestBackgroundCmd(t *testing.T) {
	n := newTestNode(t, "h1", false)
	out, err := n.Cmd("sleep 5 &")
	require.NoError(t, err)
	require.Empty(t, out)
	require.Greater(t, n.LastPid(), 0)

	out, err = n.Cmdf("kill %d; echo killed", n.LastPid())
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(out, "killed\n"), "%q", out)
}

func TestCmdKeepsControlBytes(t *testing.T) {
	n := newTestNode(t, "h1", false)
	out, err := n.Cmd(`printf 'a\001b\n'`)
	require.NoError(t, err)
	require.Equal(t, "a\x01b\n", out)
	require.Zero(t, n.LastPid())
}

func TestCmdContextInterrupts(t *testing.T) {
	n := newTestNode(t, "h1", false)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := n.CmdContext(ctx, "sleep 30")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 10*time.Second)
	require.False(t, n.Waiting())

	out, err := n.Cmd("echo alive")
	require.NoError(t, err)
	require.Equal(t, "alive\n", out)
}

func TestTerminateUnregisters(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	before := Registered()
	var nodes []*Node
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		n, err := New(context.Background(), name, Options{})
		require.NoError(t, err)
		require.Same(t, n, Lookup(n.Fd()))
		nodes = append(nodes, n)
	}
	require.Equal(t, before+len(nodes), Registered())

	for _, n := range nodes {
		require.NoError(t, n.Terminate())
		require.NoError(t, n.Terminate())
		require.Equal(t, Terminated, n.State())
	}
	require.Equal(t, before, Registered())

	_, err := nodes[0].Cmd("pwd")
	var exit *emuerr.ProcessExit
	require.True(t, errors.As(err, &exit), "%v", err)
}

func TestPorts(t *testing.T) {
	n := &Node{name: "s1", ports: map[int]Port{}, portNames: map[string]int{}, portBase: 1}
	require.Equal(t, 1, n.NewPort())

	require.NoError(t, n.AddPort(namedPort("s1-eth1"), 1))
	require.NoError(t, n.AddPort(namedPort("s1-eth3"), 3))
	require.Equal(t, 4, n.NewPort())
	require.Error(t, n.AddPort(namedPort("s1-eth9"), 3))

	num, ok := n.PortNumber("s1-eth3")
	require.True(t, ok)
	require.Equal(t, 3, num)

	n.RemovePort(n.Port("s1-eth3"))
	require.Nil(t, n.Port("s1-eth3"))
	require.Equal(t, 2, n.NewPort())
	require.Len(t, n.Ports(), 1)
}

type namedPort string

func (p namedPort) Name() string { return string(p) }

func TestIsolatedNodeHasOnlyLoopback(t *testing.T) {
	n := newTestNode(t, "h1", true)
	out, err := n.Cmd("ip -o link show")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(out, "\n"), "%q", out)
	require.Contains(t, out, "lo:")

	out, err = n.Pexec(context.Background(), "ip", "-o", "link", "show")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(out, "\n"), "%q", out)
}

func TestPopenWhileWaiting(t *testing.T) {
	n := newTestNode(t, "h1", false)
	require.NoError(t, n.SendCmd("sleep 0.3"))

	cmd, stdout, err := n.Popen(context.Background(), "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	data, err := io.ReadAll(stdout)
	require.NoError(t, err)
	require.NoError(t, cmd.Wait())
	require.Contains(t, string(data), "out\n")
	require.Contains(t, string(data), "err\n")

	out, err := n.Pexec(context.Background(), "echo", "pexec")
	require.NoError(t, err)
	require.Equal(t, "pexec\n", out)

	_, err = n.Pexec(context.Background())
	require.Error(t, err)
	_, err = n.WaitOutput()
	require.NoError(t, err)
}
