// Package monitor waits on the output of many nodes at once.
package monitor

import (
	"iter"
	"strings"
	"time"

	"Netemu/pkg/node"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Monitor polls the descriptors of a set of nodes plus extra descriptors
// (stdin, usually). It is not safe for concurrent use.
type Monitor struct {
	nodes  map[int]*node.Node
	extra  map[int]bool
	order  []int
	prefix map[*node.Node]string
}

func New(nodes ...*node.Node) *Monitor {
	m := &Monitor{
		nodes:  make(map[int]*node.Node),
		extra:  make(map[int]bool),
		prefix: make(map[*node.Node]string),
	}
	for _, n := range nodes {
		m.Register(n)
	}
	return m
}

// Register adds n to the poll set.
func (m *Monitor) Register(n *node.Node) {
	fd := n.Fd()
	if fd < 0 {
		return
	}
	if _, ok := m.nodes[fd]; !ok && !m.extra[fd] {
		m.order = append(m.order, fd)
	}
	m.nodes[fd] = n
}

// Unregister removes n from the poll set.
func (m *Monitor) Unregister(n *node.Node) {
	for fd, o := range m.nodes {
		if o == n {
			delete(m.nodes, fd)
			m.drop(fd)
		}
	}
	delete(m.prefix, n)
}

// WatchFd adds a descriptor that is not a node.
func (m *Monitor) WatchFd(fd int) {
	if _, ok := m.nodes[fd]; !ok && !m.extra[fd] {
		m.order = append(m.order, fd)
	}
	m.extra[fd] = true
}

// UnwatchFd removes a descriptor added by WatchFd.
func (m *Monitor) UnwatchFd(fd int) {
	if m.extra[fd] {
		delete(m.extra, fd)
		m.drop(fd)
	}
}

func (m *Monitor) drop(fd int) {
	for i, o := range m.order {
		if o == fd {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// Len is the number of polled descriptors.
func (m *Monitor) Len() int { return len(m.order) }

// Wait blocks until at least one descriptor is readable or timeout
// elapses (a negative timeout waits forever). Nodes are resolved through
// the process wide registry so that a node terminated in the meantime is
// not returned.
func (m *Monitor) Wait(timeout time.Duration) ([]*node.Node, []int, error) {
	if len(m.order) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil, nil
	}
	fds := make([]unix.PollFd, len(m.order))
	for i, fd := range m.order {
		fds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	for {
		_, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "poll")
		}
		break
	}
	var ready []*node.Node
	var extra []int
	for _, p := range fds {
		if p.Revents == 0 {
			continue
		}
		fd := int(p.Fd)
		if m.extra[fd] {
			extra = append(extra, fd)
			continue
		}
		if n := node.Lookup(fd); n != nil {
			ready = append(ready, n)
		} else {
			// terminated since it was registered
			delete(m.nodes, fd)
			m.drop(fd)
		}
	}
	return ready, extra, nil
}

// Lines yields complete output lines, newline excluded, of every polled
// node until deadline elapses; then it yields (nil, "") once and stops.
// Partial lines are kept for the next call. Every range over the returned
// sequence starts a new deadline.
func (m *Monitor) Lines(deadline time.Duration) iter.Seq2[*node.Node, string] {
	return func(yield func(*node.Node, string) bool) {
		end := time.Now().Add(deadline)
		for {
			left := time.Until(end)
			if left <= 0 {
				yield(nil, "")
				return
			}
			ready, _, err := m.Wait(min(left, node.PollInterval))
			if err != nil {
				log.WithError(err).Warn("monitor wait failed")
				yield(nil, "")
				return
			}
			for _, n := range ready {
				_, data, err := n.Monitor()
				if err != nil {
					m.Unregister(n)
					continue
				}
				buf := m.prefix[n] + data
				for {
					i := strings.IndexByte(buf, '\n')
					if i < 0 {
						break
					}
					line := buf[:i]
					buf = buf[i+1:]
					if !yield(n, line) {
						m.prefix[n] = buf
						return
					}
				}
				m.prefix[n] = buf
			}
		}
	}
}
