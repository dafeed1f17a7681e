// Package cli is the interactive command line of a running topology.
//
// Lines starting with a node name run the rest of the line in that node's
// shell, with other node names replaced by their addresses ("h1 ping h2").
// Everything else is a built-in command; see help.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"Netemu/pkg"
	"Netemu/pkg/monitor"
	"Netemu/pkg/node"

	"github.com/apex/log"
	"github.com/google/shlex"
	"github.com/pkg/errors"
)

const prompt = "netemu> "

const helpText = `Commands:
  help                      show this text
  nodes                     list nodes
  links                     list links and their status
  intfs                     list interfaces with addresses read back
  qdiscs                    list installed queueing disciplines
  net                       show node connections
  pingall                   ping between all hosts
  ping <src> <dst>          ping once from src to dst
  link <n1> <n2> up|down    bring the links between n1 and n2 up or down
  source <file>             run the commands of file
  exit, quit                leave
  <node> <cmd...>           run cmd in the shell of node
`

// errExit stops the loop.
var errExit = errors.New("exit")

type CLI struct {
	e      *pkg.Emulator
	in     *bufio.Reader
	inFile *os.File
	out    io.Writer
	// PingTimeout bounds each ping of ping and pingall.
	PingTimeout time.Duration
}

// New returns a CLI reading commands from in. When in is an *os.File,
// input is also forwarded to the commands run on nodes.
func New(e *pkg.Emulator, in io.Reader, out io.Writer) *CLI {
	c := &CLI{
		e:           e,
		in:          bufio.NewReader(in),
		out:         out,
		PingTimeout: time.Second,
	}
	if f, ok := in.(*os.File); ok {
		c.inFile = f
	}
	return c
}

// Run reads and runs commands until exit, end of input or ctx is done.
func (c *CLI) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		fmt.Fprint(c.out, prompt)
		line, err := c.in.ReadString('\n')
		if line != "" {
			if cerr := c.OneCmd(ctx, line); cerr == errExit {
				return nil
			} else if cerr != nil {
				fmt.Fprintf(c.out, "*** %s\n", cerr)
			}
		}
		if err == io.EOF {
			fmt.Fprintln(c.out)
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "cannot read command")
		}
	}
	return ctx.Err()
}

// Source runs every line of the file at path.
func (c *CLI) Source(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "error reading source file")
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fmt.Fprintf(c.out, "*** %s\n", line)
		if err := c.OneCmd(ctx, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// OneCmd runs a single command line.
func (c *CLI) OneCmd(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	fields := strings.Fields(line)
	m := c.e.Manager()
	if n := m.Node(fields[0]); n != nil {
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		return c.runOnNode(ctx, n, c.substitute(rest))
	}

	args, err := shlex.Split(line)
	if err != nil {
		return errors.Wrapf(err, "cannot parse %q", line)
	}
	switch args[0] {
	case "help", "?":
		fmt.Fprint(c.out, helpText)
	case "exit", "quit":
		return errExit
	case "nodes":
		c.e.ShowNodes(c.out)
	case "links":
		c.e.ShowLinks(c.out)
	case "intfs":
		c.e.ShowIntfs(c.out)
	case "qdiscs":
		c.e.ShowQdiscs(c.out)
	case "net":
		c.dumpNet()
	case "pingall":
		_, err := c.e.PingAll(ctx, c.out, c.PingTimeout)
		return err
	case "ping":
		if len(args) != 3 {
			return errors.New("usage: ping <src> <dst>")
		}
		src, dst := m.Node(args[1]), m.Node(args[2])
		if src == nil || dst == nil {
			return errors.Errorf("unknown node in %q", line)
		}
		sent, received, err := c.e.Ping(ctx, src, dst, c.PingTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s -> %s: %d/%d received\n", src.Name(), dst.Name(), received, sent)
	case "link":
		if len(args) != 4 || (args[3] != "up" && args[3] != "down") {
			return errors.New("usage: link <n1> <n2> up|down")
		}
		return c.e.LinkStatus(args[1], args[2], args[3] == "up")
	case "source":
		if len(args) != 2 {
			return errors.New("usage: source <file>")
		}
		return c.Source(ctx, args[1])
	default:
		return errors.Errorf("unknown command: %s", args[0])
	}
	return nil
}

// substitute replaces node names with their default address.
func (c *CLI) substitute(line string) string {
	fields := strings.Fields(line)
	changed := false
	for i, f := range fields {
		if n := c.e.Manager().Node(f); n != nil {
			for _, intf := range pkg.Intfs(n) {
				if intf.IP() != "" {
					fields[i] = intf.IP()
					changed = true
					break
				}
			}
		}
	}
	if !changed {
		return line
	}
	return strings.Join(fields, " ")
}

func (c *CLI) dumpNet() {
	for _, n := range c.e.Manager().Nodes() {
		var conns []string
		for _, i := range pkg.Intfs(n) {
			l := c.e.Manager().Links().ForInterface(i)
			if l == nil {
				conns = append(conns, i.Name()+":")
				continue
			}
			other := l.Other(i)
			conns = append(conns, fmt.Sprintf("%s:%s", i.Name(), other.Name()))
		}
		sort.Strings(conns)
		fmt.Fprintf(c.out, "%s %s\n", n.Name(), strings.Join(conns, " "))
	}
}

// runOnNode runs line on n, printing its output as it comes. Input typed
// meanwhile goes to the command and ^C interrupts it.
func (c *CLI) runOnNode(ctx context.Context, n *node.Node, line string) error {
	if err := n.SendCmd(line); err != nil {
		return err
	}
	mon := monitor.New(n)
	stdinFd := -1
	if c.inFile != nil && c.in.Buffered() == 0 {
		stdinFd = int(c.inFile.Fd())
		mon.WatchFd(stdinFd)
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	interrupted := false
	buf := make([]byte, 1024)
	for n.Waiting() {
		select {
		case <-sigs:
			log.WithField("node", n.Name()).Debug("interrupt")
			if err := n.SendInterrupt(); err != nil {
				return err
			}
		default:
		}
		if ctx.Err() != nil && !interrupted {
			interrupted = true
			if err := n.SendInterrupt(); err != nil {
				return err
			}
		}
		ready, extra, err := mon.Wait(node.PollInterval)
		if err != nil {
			return err
		}
		if len(extra) > 0 {
			count, err := c.inFile.Read(buf)
			if count > 0 {
				if _, err := n.Write(buf[:count]); err != nil {
					return err
				}
			}
			if err != nil {
				mon.UnwatchFd(stdinFd)
			}
		}
		for _, r := range ready {
			_, data, err := r.Monitor()
			fmt.Fprint(c.out, data)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
