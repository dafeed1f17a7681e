package link

import (
	"context"
	"time"

	"Netemu/api"
	"Netemu/pkg/emuerr"
	"Netemu/pkg/node"
)

// makeVeth creates the pair in the root namespace of the shared host and
// hands each end to its node.
func (t *Table) makeVeth(ctx context.Context, l *Link) error {
	host := l.node1.Host()
	p := t.Plumber(host)
	name1, name2 := l.intf1.Name(), l.intf2.Name()

	// leftovers of an earlier run would make the creation fail
	_ = p.Delete(ctx, name1)
	_ = p.Delete(ctx, name2)
	if err := p.CreateVeth(ctx, name1, name2); err != nil {
		return l.failure(name1, "cannot create veth pair", err)
	}
	if err := t.place(ctx, l, p, name1, l.node1); err != nil {
		_ = p.Delete(ctx, name1)
		return err
	}
	if err := t.place(ctx, l, p, name2, l.node2); err != nil {
		_ = p.Delete(ctx, name2)
		l.intf1.Delete()
		return err
	}
	for _, end := range []struct {
		n    *node.Node
		name string
	}{{l.node1, name1}, {l.node2, name2}} {
		if end.n.Kind() != api.KindSwitch {
			continue
		}
		if err := t.attach(end.n, end.name); err != nil {
			l.intf1.Delete()
			return l.failure(end.name, "cannot attach to bridge", err)
		}
	}
	return nil
}

// place moves name into n when n is isolated and waits until n sees it.
// The move and the check are retried a few times.
func (t *Table) place(ctx context.Context, l *Link, p Plumber, name string, n *node.Node) error {
	var lastErr error
	for attempt := 0; attempt < t.MoveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return l.failure(name, "interrupted", ctx.Err())
			case <-time.After(t.MoveInterval):
			}
		}
		if ok, err := p.Present(ctx, name, n); err == nil && ok {
			return nil
		}
		if n.Isolated() {
			if err := p.Move(ctx, name, n); err != nil {
				lastErr = err
			}
		}
		ok, err := p.Present(ctx, name, n)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}
	}
	return l.failure(name, "interface not present in "+n.Name(), lastErr)
}

func (t *Table) attach(sw *node.Node, name string) error {
	if t.Bridges == nil {
		return nil
	}
	br, err := t.Bridges(sw.Host())
	if err != nil {
		return err
	}
	return br.AddPort(sw.Name(), name)
}

func (l *Link) failure(name, reason string, err error) error {
	return &emuerr.ConstructionFailure{
		Intf:   name,
		Host1:  l.node1.HostName(),
		Host2:  l.node2.HostName(),
		Reason: reason,
		Err:    err,
	}
}
