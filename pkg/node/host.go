package node

import (
	"context"
	"os/exec"
	"strings"

	"github.com/apex/log"
	"github.com/google/shlex"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

// LocalHostName is the identifier of the machine the controller runs on.
const LocalHostName = "localhost"

// Host is a machine that runs nodes. Commands built by a Host run on that
// machine, whatever the machine the controller is on.
type Host interface {
	// Name is the placement identifier of the host.
	Name() string
	// Local reports whether the host is the controller's own machine.
	Local() bool
	// Dest is the ssh destination (user@addr) for reaching the host.
	Dest() string
	// Command prepares a non-interactive command.
	Command(ctx context.Context, argv ...string) *exec.Cmd
	// ShellCommand prepares a command that gets a terminal on the host.
	ShellCommand(argv ...string) *exec.Cmd
}

// LocalHost runs commands directly.
type LocalHost struct {
	// Addr makes the host reachable from remote hosts (tunnels).
	User string
	Addr string
}

var _ Host = &LocalHost{}

func (h *LocalHost) Name() string { return LocalHostName }

func (h *LocalHost) Local() bool { return true }

func (h *LocalHost) Dest() string {
	if h.Addr == "" {
		return ""
	}
	if h.User == "" {
		return h.Addr
	}
	return h.User + "@" + h.Addr
}

func (h *LocalHost) Command(ctx context.Context, argv ...string) *exec.Cmd {
	return exec.CommandContext(ctx, argv[0], argv[1:]...)
}

func (h *LocalHost) ShellCommand(argv ...string) *exec.Cmd {
	return exec.Command(argv[0], argv[1:]...)
}

// SSHHost runs commands through the ssh client. Key based, non-interactive
// authentication must be in place.
type SSHHost struct {
	HostName string
	User     string
	Addr     string
}

var _ Host = &SSHHost{}

func (h *SSHHost) Name() string { return h.HostName }

func (h *SSHHost) Local() bool { return false }

func (h *SSHHost) Dest() string {
	if h.User == "" {
		return h.Addr
	}
	return h.User + "@" + h.Addr
}

func (h *SSHHost) Command(ctx context.Context, argv ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "ssh", "-o", "BatchMode=yes", h.Dest(), shellquote.Join(argv...))
}

func (h *SSHHost) ShellCommand(argv ...string) *exec.Cmd {
	return exec.Command("ssh", "-tt", "-o", "BatchMode=yes", h.Dest(), shellquote.Join(argv...))
}

// Run splits cmdline and runs it on h, returning combined output.
func Run(ctx context.Context, h Host, cmdline string) (string, error) {
	argv, err := shlex.Split(cmdline)
	if err != nil {
		return "", errors.Wrapf(err, "cannot parse %q", cmdline)
	}
	return Runv(ctx, h, argv...)
}

// Runv runs argv on h, returning combined output.
func Runv(ctx context.Context, h Host, argv ...string) (string, error) {
	if len(argv) < 1 {
		return "", errors.New("no command specified")
	}
	cmd := h.Command(ctx, argv...)
	log.WithField("host", h.Name()).Debugf("+ %s", strings.Join(argv, " "))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "%s: %s", h.Name(), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
