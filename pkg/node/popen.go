package node

import (
	"context"
	"io"
	"os/exec"
	"strings"

	"Netemu/api"

	"github.com/pkg/errors"
)

// wrapArgv prefixes argv so that it runs in the node's network context.
func (n *Node) wrapArgv(argv []string) []string {
	switch {
	case n.kind == api.KindContainer:
		return append([]string{"docker", "exec", n.container}, argv...)
	case n.isolated:
		return append([]string{"nsenter", "--net=" + n.NetNSPath(), "--"}, argv...)
	}
	return argv
}

// Popen starts argv asynchronously next to the node's shell and returns
// the running command and its combined stdout and stderr.
func (n *Node) Popen(ctx context.Context, argv ...string) (*exec.Cmd, io.ReadCloser, error) {
	if len(argv) < 1 {
		return nil, nil, errors.New("no command specified")
	}
	if n.state == Terminated {
		return nil, nil, n.exited()
	}
	full := n.wrapArgv(argv)
	cmd := n.host.Command(ctx, full...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create stdout pipe")
	}
	cmd.Stderr = cmd.Stdout
	n.logger.Debugf("popen %s", strings.Join(full, " "))
	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Wrapf(err, "%s: failed to start %s", n.name, argv[0])
	}
	return cmd, stdout, nil
}

// Pexec runs argv next to the node's shell and returns its combined
// output. It does not touch the shell, so it works while a command is
// pending.
func (n *Node) Pexec(ctx context.Context, argv ...string) (string, error) {
	if len(argv) < 1 {
		return "", errors.New("no command specified")
	}
	if n.state == Terminated {
		return "", n.exited()
	}
	return Runv(ctx, n.host, n.wrapArgv(argv)...)
}
