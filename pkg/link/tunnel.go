package link

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"Netemu/api"
	"Netemu/pkg/intf"
	"Netemu/pkg/node"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SSHTransport runs an ssh layer 2 tunnel from host from to host to,
// joining their tap<tap> devices. The remote end prints '@' once the
// tunnel is up.
func SSHTransport(from, to node.Host, tap int) *exec.Cmd {
	w := fmt.Sprintf("%d:%d", tap, tap)
	return from.Command(context.Background(),
		"ssh", "-n", "-o", "Tunnel=Ethernet", "-w", w, "-o", "BatchMode=yes", to.Dest(), "echo", "@")
}

func tapName(tap int) string {
	return fmt.Sprintf("tap%d", tap)
}

// makeTunnel creates a tap on both hosts, connects them and turns each tap
// into the canonical interface of its node.
func (t *Table) makeTunnel(ctx context.Context, l *Link) error {
	l.tap = t.nextTap
	t.nextTap++
	tap := tapName(l.tap)
	p1, p2 := t.Plumber(l.node1.Host()), t.Plumber(l.node2.Host())

	_ = p1.Delete(ctx, tap)
	_ = p2.Delete(ctx, tap)
	if err := p1.CreateTap(ctx, tap); err != nil {
		return l.failure(tap, "cannot create tap on "+l.node1.HostName(), err)
	}
	if err := p2.CreateTap(ctx, tap); err != nil {
		_ = p1.Delete(ctx, tap)
		return l.failure(tap, "cannot create tap on "+l.node2.HostName(), err)
	}
	if err := t.startTransport(l); err != nil {
		l.cleanupTunnel()
		return err
	}

	ends := []struct {
		n *node.Node
		p Plumber
		i *intf.Interface
	}{{l.node1, p1, l.intf1}, {l.node2, p2, l.intf2}}
	for _, end := range ends {
		if err := t.place(ctx, l, end.p, tap, end.n); err != nil {
			l.cleanupTunnel()
			return err
		}
		if err := intf.New(tap, end.n).Rename(end.i.Name()); err != nil {
			l.cleanupTunnel()
			return l.failure(end.i.Name(), "cannot rename "+tap, err)
		}
		ok, err := end.p.Present(ctx, end.i.Name(), end.n)
		if err != nil || !ok {
			l.cleanupTunnel()
			return l.failure(end.i.Name(), "interface not present in "+end.n.Name(), err)
		}
		if end.n.Kind() == api.KindSwitch {
			if err := t.attach(end.n, end.i.Name()); err != nil {
				l.cleanupTunnel()
				return l.failure(end.i.Name(), "cannot attach to bridge", err)
			}
		}
	}
	return nil
}

// startTransport starts the tunnel command and waits for its '@'.
func (t *Table) startTransport(l *Link) error {
	cmd := t.Transport(l.node1.Host(), l.node2.Host(), l.tap)
	r, w, err := os.Pipe()
	if err != nil {
		return l.failure(tapName(l.tap), "cannot create pipe", err)
	}
	defer r.Close()
	cmd.Stdout = w
	l.logger.Debugf("+ %v", cmd.Args)
	if err := cmd.Start(); err != nil {
		w.Close()
		return l.failure(tapName(l.tap), "cannot start tunnel", err)
	}
	w.Close()
	l.transport = cmd

	if err := r.SetReadDeadline(time.Now().Add(t.TunnelTimeout)); err != nil {
		return l.failure(tapName(l.tap), "cannot wait for tunnel", err)
	}
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n == 1 && buf[0] == '@' {
			return nil
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				err = errors.Errorf("no answer within %s", t.TunnelTimeout)
			}
			return l.failure(tapName(l.tap), "tunnel did not come up", err)
		}
	}
}

// killTransport stops the tunnel command if it still runs.
func (l *Link) killTransport() {
	if l.transport == nil || l.transport.Process == nil || l.exited {
		return
	}
	_ = l.transport.Process.Kill()
	_ = l.transport.Wait()
	l.exited = true
	l.exitCode = -1
	if l.transport.ProcessState != nil {
		l.exitCode = l.transport.ProcessState.ExitCode()
	}
}

// cleanupTunnel removes whatever the tunnel left behind, under either
// name, on both hosts.
func (l *Link) cleanupTunnel() error {
	l.killTransport()
	tap := tapName(l.tap)
	var lastErr error
	for _, end := range []struct {
		n *node.Node
		i *intf.Interface
	}{{l.node1, l.intf1}, {l.node2, l.intf2}} {
		if end.n.State() != node.Terminated && !end.n.Waiting() {
			if _, err := end.n.Cmdf("ip link del dev %s 2>/dev/null; ip link del dev %s 2>/dev/null",
				tap, end.i.Name()); err != nil {
				lastErr = err
			}
		}
		if err := l.table.Plumber(end.n.Host()).Delete(context.Background(), tap); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (l *Link) stopTunnel() error {
	for _, end := range []struct {
		n *node.Node
		i *intf.Interface
	}{{l.node1, l.intf1}, {l.node2, l.intf2}} {
		if end.n.Kind() == api.KindSwitch && l.table.Bridges != nil {
			if br, err := l.table.Bridges(end.n.Host()); err == nil {
				_ = br.DeletePort(end.n.Name(), end.i.Name())
			}
		}
	}
	return l.cleanupTunnel()
}

// tunnelStatus reports whether the transport still runs, without
// blocking.
func (l *Link) tunnelStatus() string {
	if l.transport == nil || l.transport.Process == nil {
		return "tunnel missing"
	}
	if !l.exited {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(l.transport.Process.Pid, &ws, unix.WNOHANG, nil)
		switch {
		case err != nil:
			return "tunnel unknown"
		case pid == 0:
			return "tunnel running"
		}
		l.exited = true
		l.exitCode = ws.ExitStatus()
	}
	return fmt.Sprintf("tunnel exited %d", l.exitCode)
}
