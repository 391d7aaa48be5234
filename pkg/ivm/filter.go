package ivm

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/l7mp/livequery/pkg/schema"
	"github.com/l7mp/livequery/pkg/value"
)

// Predicate decides row visibility for the filter operator.
type Predicate interface {
	Match(schema.Row) bool
	fmt.Stringer
}

// CompareOp is a comparison operator of a FieldPredicate.
type CompareOp string

const (
	OpEqual        CompareOp = "eq"
	OpNotEqual     CompareOp = "ne"
	OpLess         CompareOp = "lt"
	OpLessEqual    CompareOp = "le"
	OpGreater      CompareOp = "gt"
	OpGreaterEqual CompareOp = "ge"
)

// FieldPredicate compares one column against a constant.
type FieldPredicate struct {
	Column string
	Op     CompareOp
	Value  value.Value
}

// Match implements Predicate.
func (p FieldPredicate) Match(r schema.Row) bool {
	c := value.Compare(r.Get(p.Column), p.Value)
	switch p.Op {
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (p FieldPredicate) String() string {
	return fmt.Sprintf("%s %s %s", p.Column, p.Op, p.Value)
}

// Filter is a stateless operator passing through the rows matching its
// predicate. Edits crossing the predicate boundary are retargeted into adds
// or removes so downstream state stays consistent.
type Filter struct {
	up        Operator
	pred      Predicate
	out       Output
	log       logr.Logger
	destroyed bool
}

var _ Operator = &Filter{}

// NewFilter creates a filter over the upstream operator and registers itself
// as the upstream's output.
func NewFilter(up Operator, pred Predicate, opts Options) *Filter {
	f := &Filter{up: up, pred: pred, log: opts.logger("filter")}
	up.SetOutput(f)
	return f
}

// SetOutput implements Operator.
func (f *Filter) SetOutput(out Output) { f.out = out }

// Schema implements Operator.
func (f *Filter) Schema() *schema.Schema { return f.up.Schema() }

// Fetch implements Operator.
func (f *Filter) Fetch(req Request) (NodeStream, error) {
	if f.destroyed {
		return nil, errDestroyed("filter")
	}
	up, err := f.up.Fetch(req)
	if err != nil {
		return nil, err
	}
	return newFilterStream(up, func(n *Node) bool { return f.pred.Match(n.Row) }), nil
}

// Cleanup implements Operator. The filter holds no state of its own.
func (f *Filter) Cleanup(req Request) (NodeStream, error) {
	if f.destroyed {
		return nil, errDestroyed("filter")
	}
	up, err := f.up.Cleanup(req)
	if err != nil {
		return nil, err
	}
	return newFilterStream(up, func(n *Node) bool { return f.pred.Match(n.Row) }), nil
}

// Push implements Operator.
func (f *Filter) Push(change Change) error {
	if f.destroyed {
		return errDestroyed("filter")
	}
	if f.out == nil {
		return errNoOutput("filter")
	}

	switch change.Kind {
	case ChangeAdd, ChangeRemove, ChangeChild:
		if !f.pred.Match(change.Node.Row) {
			return nil
		}
		return f.out.Push(change)

	case ChangeEdit:
		oldIn := f.pred.Match(change.OldNode.Row)
		newIn := f.pred.Match(change.Node.Row)
		switch {
		case oldIn && newIn:
			return f.out.Push(change)
		case oldIn:
			return f.out.Push(NewRemove(change.OldNode))
		case newIn:
			return f.out.Push(NewAdd(change.Node))
		default:
			return nil
		}

	default:
		return contractErrf("filter", "unknown change kind %d", change.Kind)
	}
}

// Destroy implements Operator.
func (f *Filter) Destroy() {
	if f.destroyed {
		return
	}
	f.destroyed = true
	f.out = nil
	f.up.Destroy()
}
