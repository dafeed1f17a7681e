package api

// NodeKind selects how a node's execution context is provided.
type NodeKind string

const (
	// KindHost is a shell process, usually in its own network namespace.
	KindHost NodeKind = "host"
	// KindSwitch is an Open vSwitch bridge driven from a root-namespace shell.
	KindSwitch NodeKind = "switch"
	// KindContainer is a shell inside a docker container.
	KindContainer NodeKind = "container"
)

type Node struct {
	Name string   `yaml:"name"`
	Kind NodeKind `yaml:"kind" default:"host"`
	// Host is the placement of the node; empty means the placement
	// function (or the local host) decides.
	Host     string `yaml:"host,omitempty"`
	Isolated *bool  `yaml:"isolated,omitempty"`
	Image    string `yaml:"image,omitempty" default:"frr:v4"`
	// Ipv4 is the address given to the node's first interface. Empty
	// means it is allocated from the topology's subnet.
	Ipv4 string `yaml:"ipv4,omitempty"`
	Mac  string `yaml:"mac,omitempty"`

	// Commands run once the topology is up.
	Commands []string `yaml:"commands,omitempty"`
}

// IsIsolated reports whether the node gets a private network namespace.
// Hosts and containers are isolated unless told otherwise; switches never.
func (n *Node) IsIsolated() bool {
	if n.Kind == KindSwitch {
		return false
	}
	if n.Isolated == nil {
		return true
	}
	return *n.Isolated
}

// NodeInterface is the readback of one interface, used by show commands.
type NodeInterface struct {
	Name     string
	NodeName string
	Mac      string
	Ipv4     string
	Link     string
	Status   string
}
