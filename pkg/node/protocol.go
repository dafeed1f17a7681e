package node

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"Netemu/pkg/emuerr"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// Sentinel ends the output of every command. Output that contains
	// this byte on its own confuses the framing.
	Sentinel = 0x7f

	// Interrupt is the byte the terminal turns into SIGINT.
	Interrupt = 0x03

	readSize = 1024
)

var (
	// pidRegexp matches the pid report of a background command.
	pidRegexp = regexp.MustCompile(`\x01(\d+)\n`)
	// jobRegexp matches the "[1] 1234" notice interactive bash prints
	// when it starts a job.
	jobRegexp = regexp.MustCompile(`(?m)^\[\d+\] (\d+)\r?\n`)
)

var (
	// PollInterval bounds every readiness wait inside WaitOutput.
	PollInterval = 100 * time.Millisecond

	// DrainTimeout is how long WaitOutputContext keeps reading after it
	// interrupted a command.
	DrainTimeout = 5 * time.Second
)

// composeLine appends the completion marker to a command line. A trailing
// '&' is the separator itself, and the pid of the background job is
// reported before the marker.
func composeLine(line string) string {
	trimmed := strings.TrimRightFunc(line, unicode.IsSpace)
	switch {
	case trimmed == "":
		return `printf '\177'` + "\n"
	case isBackground(trimmed):
		return trimmed + ` printf '\001%d\012\177' $!` + "\n"
	default:
		return trimmed + `; printf '\177'` + "\n"
	}
}

// isBackground reports whether line ends with a single '&'.
func isBackground(line string) bool {
	line = strings.TrimRightFunc(line, unicode.IsSpace)
	return strings.HasSuffix(line, "&") && !strings.HasSuffix(line, "&&")
}

// SendCmd writes line to the shell without waiting for its output. The
// node must not be waiting for a previous command.
func (n *Node) SendCmd(line string) error {
	switch n.state {
	case Waiting:
		return &emuerr.ProtocolViolation{Node: n.name, Pending: n.lastCmd}
	case Terminated:
		return n.exited()
	}
	if err := n.write([]byte(composeLine(line))); err != nil {
		return err
	}
	n.lastCmd = line
	n.lastPid = 0
	n.background = isBackground(line)
	n.state = Waiting
	return nil
}

// Cmdf is Cmd with a format string.
func (n *Node) Cmdf(format string, v ...interface{}) (string, error) {
	return n.Cmd(fmt.Sprintf(format, v...))
}

// Cmd runs line in the node's shell and returns its output.
func (n *Node) Cmd(line string) (string, error) {
	return n.CmdContext(context.Background(), line)
}

// CmdContext is Cmd bounded by ctx. See WaitOutputContext.
func (n *Node) CmdContext(ctx context.Context, line string) (string, error) {
	n.logger.Debugf("+ %s", line)
	if err := n.SendCmd(line); err != nil {
		return "", err
	}
	return n.WaitOutputContext(ctx)
}

// Monitor performs one non-blocking read. It returns done once the
// completion marker of the pending command has been read; the marker is
// not part of data.
func (n *Node) Monitor() (bool, string, error) {
	if n.state == Terminated || n.fd < 0 {
		return false, "", n.exited()
	}
	buf := make([]byte, readSize)
	count, err := unix.Read(n.fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return false, "", nil
	case err != nil || count == 0:
		// the pty reports EIO once the shell is gone
		return false, "", n.exited()
	}
	data := append(n.pending, buf[:count]...)
	n.pending = nil
	done := false
	if data[len(data)-1] == Sentinel {
		data = data[:len(data)-1]
		done = true
		n.state = Ready
	}
	if n.background {
		if !done {
			n.pending = data
			return false, "", nil
		}
		data = n.extractPid(data)
		n.background = false
	}
	return done, string(data), nil
}

// extractPid removes the "\x01<pid>\n" report and the job notice of a
// finished background command and records the pid. Other bytes are kept.
func (n *Node) extractPid(data []byte) []byte {
	m := pidRegexp.FindSubmatchIndex(data)
	if m == nil {
		return data
	}
	pid, err := strconv.Atoi(string(data[m[2]:m[3]]))
	if err != nil {
		return data
	}
	n.lastPid = pid
	data = append(data[:m[0]:m[0]], data[m[1]:]...)
	return jobRegexp.ReplaceAllFunc(data, func(notice []byte) []byte {
		if sub := jobRegexp.FindSubmatch(notice); sub != nil && string(sub[1]) == strconv.Itoa(pid) {
			return nil
		}
		return notice
	})
}

// WaitReadable waits until the node has output to read. A negative
// timeout waits forever.
func (n *Node) WaitReadable(timeout time.Duration) (bool, error) {
	if n.fd < 0 {
		return false, n.exited()
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(n.fd), Events: unix.POLLIN}}
	for {
		count, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, errors.Wrapf(err, "%s: poll", n.name)
		}
		return count > 0, nil
	}
}

// WaitOutput reads until the pending command completes.
func (n *Node) WaitOutput() (string, error) {
	return n.WaitOutputContext(context.Background())
}

// WaitOutputContext reads until the pending command completes or ctx is
// done. In the latter case the command is interrupted and its output is
// drained for DrainTimeout; if the marker still does not show up, the
// partial output is returned with ctx's error and the node keeps waiting.
func (n *Node) WaitOutputContext(ctx context.Context) (string, error) {
	var sb strings.Builder
	if n.state != Waiting {
		return "", nil
	}
	var drainDeadline time.Time
	for {
		if ctx.Err() != nil {
			if drainDeadline.IsZero() {
				n.logger.Debugf("interrupting %q", n.lastCmd)
				if err := n.SendInterrupt(); err != nil {
					return sb.String(), err
				}
				drainDeadline = time.Now().Add(DrainTimeout)
			} else if time.Now().After(drainDeadline) {
				return sb.String(), ctx.Err()
			}
		}
		if _, err := n.WaitReadable(PollInterval); err != nil {
			return sb.String(), err
		}
		done, data, err := n.Monitor()
		sb.WriteString(data)
		if err != nil {
			return sb.String(), err
		}
		if done {
			if !drainDeadline.IsZero() {
				return sb.String(), ctx.Err()
			}
			return sb.String(), nil
		}
	}
}

// SendInterrupt sends ^C to the shell. The node keeps waiting until the
// completion marker is read.
func (n *Node) SendInterrupt() error {
	return n.write([]byte{Interrupt})
}

// Write passes raw input to whatever runs in the shell.
func (n *Node) Write(data []byte) (int, error) {
	if err := n.write(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (n *Node) write(data []byte) error {
	if n.fd < 0 {
		return n.exited()
	}
	fds := []unix.PollFd{{Fd: int32(n.fd), Events: unix.POLLOUT}}
	for len(data) > 0 {
		count, err := unix.Write(n.fd, data)
		switch {
		case err == unix.EAGAIN:
			if _, err := unix.Poll(fds, int(PollInterval/time.Millisecond)); err != nil && err != unix.EINTR {
				return errors.Wrapf(err, "%s: poll", n.name)
			}
			continue
		case err == unix.EINTR:
			continue
		case err != nil:
			return errors.Wrapf(err, "%s: write", n.name)
		}
		data = data[count:]
	}
	return nil
}
