package api

import (
	"github.com/creasty/defaults"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RemoteHost describes a cluster member reachable over ssh.
type RemoteHost struct {
	Name string `yaml:"name"`
	User string `yaml:"user" default:"root"`
	Addr string `yaml:"addr"`
}

type TopoConfig struct {
	// Subnet is used to number interfaces without an explicit address.
	Subnet string       `yaml:"subnet" default:"10.0.0.0/8"`
	Hosts  []RemoteHost `yaml:"hosts,omitempty"`
	Nodes  []Node       `yaml:"nodes"`
	Links  []Link       `yaml:"links"`
}

// ParseTopoConfig decodes a YAML topology and applies defaults.
func ParseTopoConfig(data []byte) (*TopoConfig, error) {
	var topo TopoConfig
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling YAML topology")
	}
	if err := defaults.Set(&topo); err != nil {
		return nil, errors.Wrap(err, "error applying topology defaults")
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Validate checks names and references.
func (t *TopoConfig) Validate() error {
	names := make(map[string]bool)
	for _, n := range t.Nodes {
		if n.Name == "" {
			return errors.New("node without a name")
		}
		if names[n.Name] {
			return errors.Errorf("duplicate node %s", n.Name)
		}
		switch n.Kind {
		case KindHost, KindSwitch, KindContainer:
		default:
			return errors.Errorf("node %s: unknown kind %q", n.Name, n.Kind)
		}
		names[n.Name] = true
	}
	hosts := map[string]bool{"": true, "localhost": true}
	for _, h := range t.Hosts {
		if h.Name == "" || h.Addr == "" {
			return errors.New("remote host needs a name and an address")
		}
		hosts[h.Name] = true
	}
	for _, n := range t.Nodes {
		if !hosts[n.Host] {
			return errors.Errorf("node %s: unknown host %q", n.Name, n.Host)
		}
	}
	for i, l := range t.Links {
		if !names[l.SrcNode] {
			return errors.Errorf("link %d: src node %s not found", i, l.SrcNode)
		}
		if !names[l.DstNode] {
			return errors.Errorf("link %d: dst node %s not found", i, l.DstNode)
		}
		switch l.Properties.Discipline {
		case HTB, HFSC, TBF:
		default:
			return errors.Errorf("link %d: unknown discipline %q", i, l.Properties.Discipline)
		}
	}
	return nil
}
