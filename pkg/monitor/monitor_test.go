package monitor

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"testing"
	"time"

	"Netemu/pkg/node"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	log.SetHandler(discard.Default)
	os.Exit(m.Run())
}

func newNode(t *testing.T, name string) *node.Node {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	n, err := node.New(context.Background(), name, node.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { n.Terminate() })
	return n
}

func TestLinesFromTwoNodes(t *testing.T) {
	a := newNode(t, "a")
	b := newNode(t, "b")
	m := New(a, b)
	require.Equal(t, 2, m.Len())

	require.NoError(t, a.SendCmd("echo one; echo two"))
	require.NoError(t, b.SendCmd("echo three"))

	var got []string
	for n, line := range m.Lines(5 * time.Second) {
		require.NotNil(t, n)
		got = append(got, n.Name()+":"+line)
		if len(got) == 3 {
			break
		}
	}
	sort.Strings(got)
	if diff := cmp.Diff([]string{"a:one", "a:two", "b:three"}, got); diff != "" {
		t.Fatal(diff)
	}
	require.Eventually(t, func() bool {
		for range m.Lines(50 * time.Millisecond) {
		}
		return !a.Waiting() && !b.Waiting()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLinesEndsWithNil(t *testing.T) {
	a := newNode(t, "a")
	m := New(a)

	start := time.Now()
	var pairs int
	var last *node.Node
	var lastLine string
	for n, line := range m.Lines(200 * time.Millisecond) {
		pairs++
		last, lastLine = n, line
	}
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.Equal(t, 1, pairs)
	require.Nil(t, last)
	require.Empty(t, lastLine)
}

func TestLinesKeepsPartialLines(t *testing.T) {
	a := newNode(t, "a")
	m := New(a)

	require.NoError(t, a.SendCmd("printf par"))
	for n := range m.Lines(500 * time.Millisecond) {
		require.Nil(t, n)
	}
	require.False(t, a.Waiting())

	require.NoError(t, a.SendCmd("echo tial"))
	var lines []string
	for n, line := range m.Lines(5 * time.Second) {
		if n == nil {
			break
		}
		lines = append(lines, line)
		break
	}
	require.Equal(t, []string{"partial"}, lines)
}

func TestWaitExtraFd(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	m := New()
	m.WatchFd(fds[0])
	nodes, extra, err := m.Wait(50 * time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, nodes)
	require.Empty(t, extra)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	nodes, extra, err = m.Wait(time.Second)
	require.NoError(t, err)
	require.Empty(t, nodes)
	require.Equal(t, []int{fds[0]}, extra)

	m.UnwatchFd(fds[0])
	require.Zero(t, m.Len())
}

func TestWaitSkipsTerminatedNodes(t *testing.T) {
	a := newNode(t, "a")
	m := New(a)
	require.NoError(t, a.Terminate())
	nodes, _, err := m.Wait(100 * time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, nodes)
}
