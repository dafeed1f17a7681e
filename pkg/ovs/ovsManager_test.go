package ovs

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetHandler(discard.Default)
	os.Exit(m.Run())
}

// scriptedHost answers ovs commands by the first matching subcommand.
type scriptedHost struct {
	answers map[string]string
	calls   [][]string
}

func (h *scriptedHost) Name() string { return "fake" }

func (h *scriptedHost) Local() bool { return true }

func (h *scriptedHost) Dest() string { return "" }

func (h *scriptedHost) Command(ctx context.Context, argv ...string) *exec.Cmd {
	h.calls = append(h.calls, argv)
	for _, arg := range argv {
		if out, ok := h.answers[arg]; ok {
			return exec.CommandContext(ctx, "printf", "%s", out)
		}
	}
	return exec.CommandContext(ctx, "true")
}

func (h *scriptedHost) ShellCommand(argv ...string) *exec.Cmd {
	return exec.Command("true")
}

func requirePrintf(t *testing.T) {
	if _, err := exec.LookPath("printf"); err != nil {
		t.Skip("printf not available")
	}
}

func TestGetPortId(t *testing.T) {
	requirePrintf(t)
	h := &scriptedHost{answers: map[string]string{"ofport": "3\n"}}
	om := NewOvsManager(h)
	id, err := om.GetPortId("s1", "s1-eth2")
	require.NoError(t, err)
	require.Equal(t, 3, id)
	require.Equal(t, []string{"ovs-vsctl", "get", "Interface", "s1-eth2", "ofport"}, h.calls[0])

	h.answers["ofport"] = "[]\n"
	_, err = om.GetPortId("s1", "s1-eth2")
	require.Error(t, err)
}

func TestHasPort(t *testing.T) {
	requirePrintf(t)
	h := &scriptedHost{answers: map[string]string{"list-ports": "s1-eth1\ns1-eth2\n"}}
	om := NewOvsManager(h)
	ok, err := om.HasPort("s1", "s1-eth2")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = om.HasPort("s1", "s1-eth3")
	require.NoError(t, err)
	require.False(t, ok)

	var sawListPorts bool
	for _, call := range h.calls {
		if strings.Contains(strings.Join(call, " "), "list-ports s1") {
			sawListPorts = true
		}
	}
	require.True(t, sawListPorts)
}
