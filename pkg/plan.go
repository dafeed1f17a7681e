package pkg

import (
	"Netemu/api"
	"Netemu/pkg/intf"
	"Netemu/pkg/link"
	"Netemu/pkg/node"
	"Netemu/pkg/util"
)

// IntfPlan is what building a topology would do to one link end.
type IntfPlan struct {
	Node  string
	Intf  string
	Kind  link.Kind
	Chain intf.Chain
}

type planNode struct {
	name string
	host string
	kind api.NodeKind
	next int
}

func (p *planNode) Name() string       { return p.name }
func (p *planNode) HostName() string   { return p.host }
func (p *planNode) Kind() api.NodeKind { return p.kind }

func (p *planNode) newPort() int {
	port := p.next
	p.next++
	return port
}

// PlanTopo works out the link kinds, interface names and shaping commands
// of topo without running anything. current is taken as the qdisc output
// of every fresh interface.
func PlanTopo(topo *api.TopoConfig, current string) ([]IntfPlan, error) {
	nodes := make(map[string]*planNode, len(topo.Nodes))
	for _, n := range topo.Nodes {
		p := &planNode{name: n.Name, host: n.Host, kind: n.Kind}
		if p.host == "" {
			p.host = node.LocalHostName
		}
		if n.Kind == api.KindSwitch {
			p.next = 1
		}
		nodes[n.Name] = p
	}
	var plans []IntfPlan
	for _, l := range topo.Links {
		n1, n2 := nodes[l.SrcNode], nodes[l.DstNode]
		forced, err := link.ParseKind(l.Kind)
		if err != nil {
			return nil, err
		}
		kind, err := link.SelectKind(n1, n2, forced)
		if err != nil {
			return nil, err
		}
		port1 := n1.newPort()
		port2 := n2.newPort()
		name1, name2 := l.SrcIntf, l.DstIntf
		if name1 == "" {
			name1 = util.IntfName(n1.name, port1)
		}
		if name2 == "" {
			name2 = util.IntfName(n2.name, port2)
		}
		for _, end := range []struct{ n, name string }{{n1.name, name1}, {n2.name, name2}} {
			if err := util.CheckIfName(end.name); err != nil {
				return nil, err
			}
			p := IntfPlan{Node: end.n, Intf: end.name, Kind: kind}
			if kind != link.PatchPair {
				p.Chain = intf.Plan(end.name, l.Properties, current)
			}
			plans = append(plans, p)
		}
	}
	return plans, nil
}
