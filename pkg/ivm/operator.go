// Package ivm implements the incremental view maintenance (IVM) dataflow
// engine of livequery: an operator graph that turns a base table of rows plus
// a stream of row-level mutations into correctly ordered, deduplicated,
// hierarchically joined result sets, and keeps those results correct as
// mutations keep arriving, including mutations that arrive while a consumer
// is still draining a prior read.
//
// The engine is single-threaded and cooperative. Fetch pulls a lazy node
// stream down the graph; Push delivers one change at a time up-to-down. The
// two are not synchronized by a scheduler: a Push can re-enter the graph
// while a Fetch is mid-iteration, which the correlated join reconciles with
// its overlay protocol (see join.go).
package ivm

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/l7mp/livequery/pkg/schema"
	"github.com/l7mp/livequery/pkg/value"
)

// Constraint is an optional column→value equality filter carried by a fetch
// request.
type Constraint map[string]value.Value

// Matches reports whether the row satisfies every constrained column.
func (c Constraint) Matches(r schema.Row) bool {
	for col, want := range c {
		if !value.Equal(r.Get(col), want) {
			return false
		}
	}
	return true
}

// Clone returns a copy of the constraint.
func (c Constraint) Clone() Constraint {
	out := make(Constraint, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Request parameterizes a Fetch or Cleanup call.
type Request struct {
	// Constraint restricts the scan to rows matching the equality filter.
	// Nil means unconstrained.
	Constraint Constraint
	// Reverse inverts the scan order.
	Reverse bool
}

// Output receives the changes an operator forwards downstream. Exactly one
// output is registered per operator at graph construction time.
type Output interface {
	Push(Change) error
}

// Operator is the unit of composition of the dataflow graph. Every operator
// consumes changes from zero or more upstream operators and is observed by
// exactly one downstream Output.
type Operator interface {
	// SetOutput registers the single downstream receiver of Push calls,
	// replacing any prior output. Single assignment at graph construction
	// time; not safe for concurrent use by design.
	SetOutput(Output)
	// Schema returns the operator's output schema. Pure; stable for the
	// operator's lifetime.
	Schema() *schema.Schema
	// Fetch produces the operator's current result as a lazy node stream in
	// schema order (or reversed). Each call starts a fresh scan. The stream
	// reflects every push that completed strictly before the call; pushes
	// that land mid-iteration are handled per operator (see the join overlay
	// protocol).
	Fetch(Request) (NodeStream, error)
	// Cleanup is shaped like Fetch but additionally discards the operator's
	// persisted state for the scanned range. Used when a consumer
	// permanently stops observing a subtree.
	Cleanup(Request) (NodeStream, error)
	// Push delivers one upstream change. The operator updates its own
	// persisted state first, then forwards zero or more transformed changes
	// to its output.
	Push(Change) error
	// Destroy releases resources and propagates destruction upstream.
	// Terminal: no further calls are valid afterwards.
	Destroy()
}

// Options carries the ambient dependencies of an operator. The zero value is
// usable: logging is discarded.
type Options struct {
	Logger logr.Logger
}

func (o Options) logger(name string) logr.Logger {
	logger := o.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return logger.WithName(name)
}

// RelationshipFunc produces a fresh lazy node stream for one relationship of
// a node. It must be callable repeatedly: each call redoes the underlying
// fetch, no caching contract is assumed by callers.
type RelationshipFunc func() (NodeStream, error)

// Node is one result row together with its relationship accessors.
type Node struct {
	// Row is the node's row. Logically immutable once yielded.
	Row schema.Row

	relationships map[string]RelationshipFunc
}

// NewNode wraps a row into a node with no relationships.
func NewNode(row schema.Row) *Node {
	return &Node{Row: row}
}

// SetRelationship attaches (or replaces) a relationship accessor. Operators
// that need to show a different view of the same underlying row construct a
// new Node instead of mutating a yielded one.
func (n *Node) SetRelationship(name string, fn RelationshipFunc) {
	if n.relationships == nil {
		n.relationships = make(map[string]RelationshipFunc, 1)
	}
	n.relationships[name] = fn
}

// Relationship opens the named relationship, producing a fresh child stream.
func (n *Node) Relationship(name string) (NodeStream, error) {
	fn, ok := n.relationships[name]
	if !ok {
		return nil, fmt.Errorf("node has no relationship %q", name)
	}
	return fn()
}

// HasRelationship reports whether the node carries the named relationship.
func (n *Node) HasRelationship(name string) bool {
	_, ok := n.relationships[name]
	return ok
}

// RelationshipNames lists the node's relationships.
func (n *Node) RelationshipNames() []string {
	names := make([]string, 0, len(n.relationships))
	for name := range n.relationships {
		names = append(names, name)
	}
	return names
}

// clone returns a new node sharing the row and relationship accessors of the
// receiver.
func (n *Node) clone() *Node {
	out := NewNode(n.Row)
	for name, fn := range n.relationships {
		out.SetRelationship(name, fn)
	}
	return out
}

// String renders the node's row.
func (n *Node) String() string { return n.Row.String() }
