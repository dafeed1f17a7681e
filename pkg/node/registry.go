package node

import "sync"

// registry maps the output descriptor of every live node to the node, so
// a poll over many descriptors can be demultiplexed in O(1).
type registry struct {
	mu    sync.Mutex
	nodes map[int]*Node
}

var fdRegistry = &registry{nodes: make(map[int]*Node)}

func (r *registry) add(fd int, n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[fd] = n
}

func (r *registry) remove(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, fd)
}

func (r *registry) get(fd int) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[fd]
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Lookup returns the live node whose output descriptor is fd, or nil.
func Lookup(fd int) *Node {
	return fdRegistry.get(fd)
}

// Registered returns the number of live nodes.
func Registered() int {
	return fdRegistry.len()
}
