package link

import (
	"Netemu/pkg/intf"
	"Netemu/pkg/node"
)

// makePatch joins two switch bridges of one host with OVS patch ports.
// The ports exist only inside OVS.
func (t *Table) makePatch(l *Link) error {
	name1, name2 := l.intf1.Name(), l.intf2.Name()
	if t.Bridges == nil {
		return l.failure(name1, "no switch bridges available", nil)
	}
	br, err := t.Bridges(l.node1.Host())
	if err != nil {
		return l.failure(name1, "no switch bridges available", err)
	}
	if err := br.AddPatchPort(l.node1.Name(), name1, name2); err != nil {
		return l.failure(name1, "cannot add patch port", err)
	}
	if err := br.AddPatchPort(l.node2.Name(), name2, name1); err != nil {
		_ = br.DeletePort(l.node1.Name(), name1)
		return l.failure(name2, "cannot add patch port", err)
	}
	return nil
}

func (l *Link) deletePatch() error {
	br, err := l.table.Bridges(l.node1.Host())
	if err != nil {
		return err
	}
	err = br.DeletePort(l.node1.Name(), l.intf1.Name())
	if err2 := br.DeletePort(l.node2.Name(), l.intf2.Name()); err == nil {
		err = err2
	}
	return err
}

func (l *Link) patchStatus(sw *node.Node, i *intf.Interface) string {
	br, err := l.table.Bridges(sw.Host())
	if err != nil {
		return "ERROR"
	}
	ok, err := br.HasPort(sw.Name(), i.Name())
	switch {
	case err != nil:
		return "ERROR"
	case ok:
		return "OK"
	}
	return "MISSING"
}
