package ivm

import (
	"github.com/go-logr/logr"

	"github.com/l7mp/livequery/pkg/schema"
	"github.com/l7mp/livequery/pkg/storage"
)

// Limit passes through the first N rows of its upstream in schema order. The
// operator persists the window boundary (the currently last row of the
// window and the window size) so that pushes at the boundary can evict and
// admit rows with exact compensating changes instead of a recomputation
// downstream.
type Limit struct {
	up        Operator
	n         int
	store     *boundStore
	out       Output
	log       logr.Logger
	destroyed bool
}

var _ Operator = &Limit{}

// NewLimit creates a limit operator over the upstream operator and registers
// itself as the upstream's output. A non-positive limit is a contract
// violation.
func NewLimit(up Operator, n int, store storage.Store, opts Options) (*Limit, error) {
	if n <= 0 {
		return nil, contractErrf("limit", "non-positive limit %d", n)
	}
	l := &Limit{up: up, n: n, store: newBoundStore(store), log: opts.logger("limit")}
	up.SetOutput(l)
	return l, nil
}

// SetOutput implements Operator.
func (l *Limit) SetOutput(out Output) { l.out = out }

// Schema implements Operator.
func (l *Limit) Schema() *schema.Schema { return l.up.Schema() }

// window fetches the current first-N upstream rows in forward order and
// persists the boundary.
func (l *Limit) window() ([]*Node, error) {
	up, err := l.up.Fetch(Request{})
	if err != nil {
		return nil, err
	}
	defer up.Close() //nolint:errcheck

	nodes := make([]*Node, 0, l.n)
	for len(nodes) < l.n {
		n, ok, err := up.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		nodes = append(nodes, n)
	}

	var bound schema.Row
	if len(nodes) > 0 {
		bound = nodes[len(nodes)-1].Row
	}
	l.store.set(bound, len(nodes))
	return nodes, nil
}

// inWindow reports whether a row is within the persisted window boundary.
func (l *Limit) inWindow(r schema.Row) bool {
	bound, size, ok := l.store.get()
	if !ok || size == 0 || bound == nil {
		return false
	}
	return l.Schema().Compare(r, bound) <= 0
}

// ensure initializes the persisted boundary on the first push before any
// fetch.
func (l *Limit) ensure() error {
	if _, _, ok := l.store.get(); ok {
		return nil
	}
	_, err := l.window()
	return err
}

// Fetch implements Operator. The window is defined over the operator's full
// order; a constrained fetch yields the window rows matching the constraint.
func (l *Limit) Fetch(req Request) (NodeStream, error) {
	if l.destroyed {
		return nil, errDestroyed("limit")
	}
	nodes, err := l.window()
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(nodes))
	if req.Reverse {
		for i := len(nodes) - 1; i >= 0; i-- {
			if req.Constraint.Matches(nodes[i].Row) {
				out = append(out, nodes[i])
			}
		}
	} else {
		for _, n := range nodes {
			if req.Constraint.Matches(n.Row) {
				out = append(out, n)
			}
		}
	}
	return StreamOf(out...), nil
}

// Cleanup implements Operator: drops the persisted boundary and returns the
// final window computed from the upstream cleanup scan.
func (l *Limit) Cleanup(req Request) (NodeStream, error) {
	if l.destroyed {
		return nil, errDestroyed("limit")
	}
	l.store.clear()
	up, err := l.up.Cleanup(Request{})
	if err != nil {
		return nil, err
	}
	nodes, err := Drain(up)
	if err != nil {
		return nil, err
	}
	if len(nodes) > l.n {
		nodes = nodes[:l.n]
	}
	out := make([]*Node, 0, len(nodes))
	if req.Reverse {
		for i := len(nodes) - 1; i >= 0; i-- {
			if req.Constraint.Matches(nodes[i].Row) {
				out = append(out, nodes[i])
			}
		}
	} else {
		for _, n := range nodes {
			if req.Constraint.Matches(n.Row) {
				out = append(out, n)
			}
		}
	}
	return StreamOf(out...), nil
}

// Push implements Operator.
func (l *Limit) Push(change Change) error {
	if l.destroyed {
		return errDestroyed("limit")
	}
	if l.out == nil {
		return errNoOutput("limit")
	}
	if err := l.ensure(); err != nil {
		return err
	}

	bound, size, _ := l.store.get()
	cmp := l.Schema().Compare

	switch change.Kind {
	case ChangeAdd:
		if size == l.n && cmp(change.Node.Row, bound) > 0 {
			return nil // beyond a full window
		}
		if err := l.out.Push(change); err != nil {
			return err
		}
		if size == l.n {
			// The previous boundary row is evicted.
			evicted := bound
			win, err := l.window()
			if err != nil {
				return err
			}
			// The added row may itself be the new boundary.
			if len(win) > 0 && !win[len(win)-1].Row.Equal(evicted) {
				return l.out.Push(NewRemove(NewNode(evicted)))
			}
			return nil
		}
		_, err := l.window()
		return err

	case ChangeRemove:
		if bound == nil || cmp(change.Node.Row, bound) > 0 {
			return nil
		}
		if err := l.out.Push(change); err != nil {
			return err
		}
		win, err := l.window()
		if err != nil {
			return err
		}
		// A row beyond the old boundary may have moved into the window.
		if len(win) == size && size > 0 {
			newcomer := win[len(win)-1]
			if cmp(newcomer.Row, bound) > 0 {
				return l.out.Push(NewAdd(newcomer))
			}
		}
		return nil

	case ChangeEdit:
		oldIn := bound != nil && cmp(change.OldNode.Row, bound) <= 0
		win, err := l.window()
		if err != nil {
			return err
		}
		newIn := false
		key := l.Schema().PrimaryKeyOf(change.Node.Row)
		for _, n := range win {
			if l.Schema().PrimaryKeyOf(n.Row) == key {
				newIn = true
				break
			}
		}
		switch {
		case oldIn && newIn:
			return l.out.Push(change)
		case oldIn:
			if err := l.out.Push(NewRemove(change.OldNode)); err != nil {
				return err
			}
			if len(win) > 0 && cmp(win[len(win)-1].Row, bound) > 0 {
				return l.out.Push(NewAdd(win[len(win)-1]))
			}
			return nil
		case newIn:
			if err := l.out.Push(NewAdd(change.Node)); err != nil {
				return err
			}
			if size == l.n && bound != nil {
				return l.out.Push(NewRemove(NewNode(bound)))
			}
			return nil
		default:
			return nil
		}

	case ChangeChild:
		if !l.inWindow(change.Node.Row) {
			return nil
		}
		return l.out.Push(change)

	default:
		return contractErrf("limit", "unknown change kind %d", change.Kind)
	}
}

// Destroy implements Operator.
func (l *Limit) Destroy() {
	if l.destroyed {
		return
	}
	l.destroyed = true
	l.store.clear()
	l.out = nil
	l.up.Destroy()
}
