package node

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"Netemu/api"
	"Netemu/pkg/emuerr"

	"github.com/apex/log"
	"github.com/creack/pty"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// State is the lifecycle state of a node's shell.
type State int

const (
	Spawning State = iota
	Ready
	Waiting
	Terminated
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Ready:
		return "ready"
	case Waiting:
		return "waiting"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Port is a network interface attached to a node.
type Port interface {
	Name() string
}

type Options struct {
	Kind     api.NodeKind
	Host     Host
	Isolated bool
	// Runtime and Image are used by container nodes.
	Runtime *ContainerRuntime
	Image   string
}

// Node is the execution context of one topology node: an interactive bash
// kept alive behind a pseudo terminal, optionally confined to its own
// network namespace (or a docker container).
//
// A Node is driven from a single goroutine. Only the descriptor registry
// is shared between nodes.
type Node struct {
	name     string
	kind     api.NodeKind
	host     Host
	isolated bool
	logger   log.Interface

	runtime   *ContainerRuntime
	image     string
	container string

	proc   *exec.Cmd
	ptmx   *os.File
	fd     int
	pid    int
	nsPid  int
	closed bool

	state   State
	lastCmd string
	lastPid int
	// background is set while a command ending in '&' is pending; its
	// output is held until the marker and then cleaned.
	background bool
	pending    []byte

	ports     map[int]Port
	portNames map[string]int
	portBase  int
	loopback  Port
}

// New starts the shell of a node and waits until it answers commands.
func New(ctx context.Context, name string, opts Options) (*Node, error) {
	if opts.Kind == "" {
		opts.Kind = api.KindHost
	}
	if opts.Host == nil {
		opts.Host = &LocalHost{}
	}
	n := &Node{
		name:      name,
		kind:      opts.Kind,
		host:      opts.Host,
		isolated:  opts.Isolated,
		logger:    log.WithField("node", name),
		runtime:   opts.Runtime,
		image:     opts.Image,
		fd:        -1,
		state:     Spawning,
		ports:     make(map[int]Port),
		portNames: make(map[string]int),
	}
	switch n.kind {
	case api.KindSwitch:
		n.isolated = false
		n.portBase = 1
	case api.KindContainer:
		n.isolated = true
	}
	if err := n.spawn(ctx); err != nil {
		n.Terminate()
		return nil, errors.Wrapf(err, "failed to start node %s", name)
	}
	return n, nil
}

// shellArgv is the interpreter every node runs. PS1 and PS2 are empty so
// that the only framing byte in the output is the one we print.
func (n *Node) shellArgv() []string {
	return []string{"env", "PS1=", "PS2=", "bash", "--norc", "--noediting", "-is", "netemu:" + n.name}
}

func (n *Node) command(ctx context.Context) (*exec.Cmd, error) {
	argv := n.shellArgv()
	switch {
	case n.kind == api.KindContainer:
		if n.runtime == nil {
			return nil, errors.New("container node without a container runtime")
		}
		if !n.host.Local() {
			return nil, errors.Errorf("container nodes must run on %s", LocalHostName)
		}
		pid, err := n.runtime.Start(ctx, n.name, n.image)
		if err != nil {
			return nil, err
		}
		n.container = n.name
		n.nsPid = pid
		return exec.Command("docker", append([]string{"exec", "-it", n.container}, argv...)...), nil
	case n.host.Local():
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.SysProcAttr = &syscall.SysProcAttr{}
		if n.isolated {
			cmd.SysProcAttr.Cloneflags = unix.CLONE_NEWNET
		}
		return cmd, nil
	default:
		if n.isolated {
			argv = append([]string{"unshare", "--net", "--"}, argv...)
		}
		return n.host.ShellCommand(argv...), nil
	}
}

func (n *Node) spawn(ctx context.Context) error {
	cmd, err := n.command(ctx)
	if err != nil {
		return err
	}
	ptmx, tty, err := pty.Open()
	if err != nil {
		return errors.Wrap(err, "failed to allocate a pty")
	}
	n.ptmx = ptmx
	defer tty.Close()
	if err := rawOutput(tty); err != nil {
		return err
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
	n.logger.Debugf("+ %s", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start shell")
	}
	n.proc = cmd

	n.fd = int(ptmx.Fd())
	if err := unix.SetNonblock(n.fd, true); err != nil {
		return errors.Wrap(err, "failed to make pty non-blocking")
	}
	fdRegistry.add(n.fd, n)
	n.state = Ready

	// An interrupted command must not abort the rest of its line, or the
	// completion byte would never be printed.
	if _, err := n.Cmd("unset HISTFILE; stty -echo -onlcr 2>/dev/null; set +m; trap : INT"); err != nil {
		return err
	}
	out, err := n.Cmd("echo $$")
	if err != nil {
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return errors.Wrapf(err, "unexpected shell pid %q", out)
	}
	n.pid = pid
	if n.nsPid == 0 {
		n.nsPid = pid
	}
	if n.isolated && n.kind != api.KindContainer {
		if out, err := n.Cmd("ip link set lo up"); err != nil || out != "" {
			n.logger.Warnf("cannot bring up lo: %s", strings.TrimSpace(out))
		}
	}
	n.logger.Debugf("ready, pid %d", n.pid)
	return nil
}

// rawOutput turns off echo and CR/LF translation on the slave side.
func rawOutput(tty *os.File) error {
	fd := int(tty.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return errors.Wrap(err, "failed to read pty attributes")
	}
	termios.Lflag &^= unix.ECHO
	termios.Oflag &^= unix.ONLCR
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return errors.Wrap(err, "failed to set pty attributes")
	}
	return nil
}

// Terminate kills the shell and releases its descriptors. It can be
// called in any state, any number of times.
func (n *Node) Terminate() error {
	if n.closed {
		return nil
	}
	n.closed = true
	n.state = Terminated
	if n.fd >= 0 {
		fdRegistry.remove(n.fd)
	}
	if n.proc != nil && n.proc.Process != nil {
		// Setsid made the shell a process group leader.
		_ = unix.Kill(-n.proc.Process.Pid, unix.SIGKILL)
		_ = n.proc.Process.Kill()
	}
	if n.ptmx != nil {
		n.ptmx.Close()
	}
	if n.proc != nil && n.proc.Process != nil {
		_ = n.proc.Wait()
	}
	n.fd = -1
	if n.container != "" {
		if err := n.runtime.Remove(context.Background(), n.container); err != nil {
			n.logger.WithError(err).Warn("cannot remove container")
			return err
		}
	}
	n.logger.Debug("terminated")
	return nil
}

func (n *Node) Name() string { return n.name }

func (n *Node) String() string { return n.name }

func (n *Node) Kind() api.NodeKind { return n.kind }

func (n *Node) Host() Host { return n.host }

// HostName is the placement identifier of the node.
func (n *Node) HostName() string { return n.host.Name() }

func (n *Node) Isolated() bool { return n.isolated }

func (n *Node) State() State { return n.state }

// Waiting reports whether a command has been sent and its output has not
// been fully read yet.
func (n *Node) Waiting() bool { return n.state == Waiting }

func (n *Node) LastCmd() string { return n.lastCmd }

// LastPid is the pid of the last command started in the background.
func (n *Node) LastPid() int { return n.lastPid }

// Pid is the shell pid on the node's host.
func (n *Node) Pid() int { return n.pid }

// NsPid is a pid living in the node's network namespace.
func (n *Node) NsPid() int { return n.nsPid }

// NetNSPath is the namespace file of the node on its host.
func (n *Node) NetNSPath() string {
	return fmt.Sprintf("/proc/%d/ns/net", n.nsPid)
}

// Fd is the descriptor to poll for the node's output.
func (n *Node) Fd() int { return n.fd }

func (n *Node) Logger() log.Interface { return n.logger }

// NewPort returns the number for the next interface of the node.
func (n *Node) NewPort() int {
	if len(n.ports) == 0 {
		return n.portBase
	}
	max := n.portBase
	for num := range n.ports {
		if num > max {
			max = num
		}
	}
	return max + 1
}

// AddPort attaches p to the node as port num.
func (n *Node) AddPort(p Port, num int) error {
	if _, used := n.ports[num]; used {
		return errors.Errorf("%s: port %d already in use", n.name, num)
	}
	if _, used := n.portNames[p.Name()]; used {
		return errors.Errorf("%s: interface %s already attached", n.name, p.Name())
	}
	n.ports[num] = p
	n.portNames[p.Name()] = num
	return nil
}

// RemovePort detaches p. Removing a detached port is a no-op.
func (n *Node) RemovePort(p Port) {
	for num, q := range n.ports {
		if q == p {
			delete(n.ports, num)
			delete(n.portNames, q.Name())
			return
		}
	}
}

// RenamePort keeps the name map in sync after an interface rename.
func (n *Node) RenamePort(oldName, newName string) {
	if num, ok := n.portNames[oldName]; ok {
		delete(n.portNames, oldName)
		n.portNames[newName] = num
	}
}

// Ports returns the attached interfaces ordered by port number.
func (n *Node) Ports() []Port {
	nums := make([]int, 0, len(n.ports))
	for num := range n.ports {
		nums = append(nums, num)
	}
	sort.Ints(nums)
	ports := make([]Port, 0, len(nums))
	for _, num := range nums {
		ports = append(ports, n.ports[num])
	}
	return ports
}

// Port returns the attached interface called name, or nil.
func (n *Node) Port(name string) Port {
	if num, ok := n.portNames[name]; ok {
		return n.ports[num]
	}
	return nil
}

// PortNumber returns the port number of the interface called name.
func (n *Node) PortNumber(name string) (int, bool) {
	num, ok := n.portNames[name]
	return num, ok
}

func (n *Node) SetLoopback(p Port) { n.loopback = p }

func (n *Node) Loopback() Port { return n.loopback }

func (n *Node) exited() error {
	n.state = Terminated
	code := -1
	if n.proc != nil && n.proc.ProcessState != nil {
		code = n.proc.ProcessState.ExitCode()
	}
	return &emuerr.ProcessExit{Name: n.name, Code: code}
}
