// Package view materializes the output of an operator graph into an ordered,
// incrementally maintained result set and fans changes out to registered
// listeners.
package view

import (
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	sorted "github.com/tobshub/go-sortedmap"

	"github.com/l7mp/livequery/pkg/ivm"
	"github.com/l7mp/livequery/pkg/schema"
	"github.com/l7mp/livequery/pkg/util"
)

// Listener receives every change applied to the view, synchronously, in
// application order. A listener may fetch from the graph (the operators
// overlay in-progress pushes) but must not mutate sources from inside the
// callback.
type Listener func(ivm.Change)

// Options configure a View.
type Options struct {
	// Logger is the view logger. Defaults to logr.Discard().
	Logger *logr.Logger
}

func (o Options) logger() logr.Logger {
	if o.Logger == nil {
		return logr.Discard()
	}
	return o.Logger.WithName("view")
}

// View is the terminal consumer of an operator graph. It registers itself as
// the head operator's output, keeps the emitted nodes in an ordered map keyed
// by primary key, and notifies listeners per change. Relationship accessors
// are kept on the stored nodes and re-invoked on every materialization, never
// cached across pushes.
type View struct {
	head      ivm.Operator
	sch       *schema.Schema
	nodes     *sorted.SortedMap[string, *ivm.Node]
	listeners map[uuid.UUID]Listener
	order     []uuid.UUID
	log       logr.Logger
	hydrated  bool
	destroyed bool
}

var _ ivm.Output = &View{}

// New creates a view over the head operator and registers itself as the
// head's output.
func New(head ivm.Operator, opts Options) *View {
	sch := head.Schema()
	v := &View{
		head:      head,
		sch:       sch,
		nodes:     newNodeMap(sch),
		listeners: make(map[uuid.UUID]Listener),
		log:       opts.logger(),
	}
	head.SetOutput(v)
	return v
}

func newNodeMap(sch *schema.Schema) *sorted.SortedMap[string, *ivm.Node] {
	return sorted.New[string, *ivm.Node](0, func(a, b *ivm.Node) bool {
		return sch.Compare(a.Row, b.Row) < 0
	})
}

// Hydrate drains a full fetch of the head operator into the view, replacing
// any previous content. Pushes arriving before hydration are rejected.
func (v *View) Hydrate() error {
	if v.destroyed {
		return fmt.Errorf("view: hydrate on destroyed view")
	}
	s, err := v.head.Fetch(ivm.Request{})
	if err != nil {
		return fmt.Errorf("view: hydrate fetch: %w", err)
	}
	defer s.Close() //nolint:errcheck

	nodes := newNodeMap(v.sch)
	for {
		n, ok, err := s.Next()
		if err != nil {
			return fmt.Errorf("view: hydrate scan: %w", err)
		}
		if !ok {
			break
		}
		key := v.sch.PrimaryKeyOf(n.Row)
		if !nodes.Insert(key, n) {
			return fmt.Errorf("view: hydrate yielded duplicate primary key %q", key)
		}
	}
	v.nodes = nodes
	v.hydrated = true
	v.log.V(2).Info("hydrated", "nodes", v.nodes.Len())
	return nil
}

// Push implements ivm.Output: applies one change to the materialized result
// set and notifies the listeners. Changes inconsistent with the current
// content surface as errors into the originating push.
func (v *View) Push(change ivm.Change) error {
	if v.destroyed {
		return fmt.Errorf("view: push on destroyed view")
	}
	if !v.hydrated {
		return fmt.Errorf("view: push before hydration")
	}

	switch change.Kind {
	case ivm.ChangeAdd:
		key := v.sch.PrimaryKeyOf(change.Node.Row)
		if !v.nodes.Insert(key, change.Node) {
			return fmt.Errorf("view: add of already present key %q", key)
		}

	case ivm.ChangeRemove:
		key := v.sch.PrimaryKeyOf(change.Node.Row)
		if !v.nodes.Delete(key) {
			return fmt.Errorf("view: remove of absent key %q", key)
		}

	case ivm.ChangeEdit:
		oldKey := v.sch.PrimaryKeyOf(change.OldNode.Row)
		newKey := v.sch.PrimaryKeyOf(change.Node.Row)
		if !v.nodes.Delete(oldKey) {
			return fmt.Errorf("view: edit of absent key %q", oldKey)
		}
		// Delete-then-insert keeps the map's ordering correct when the edit
		// moved the row.
		if !v.nodes.Insert(newKey, change.Node) {
			return fmt.Errorf("view: edit collides with present key %q", newKey)
		}

	case ivm.ChangeChild:
		key := v.sch.PrimaryKeyOf(change.Node.Row)
		if _, ok := v.nodes.Get(key); !ok {
			return fmt.Errorf("view: nested change under absent key %q", key)
		}
		// The carried node has a fresh relationship accessor; store it so the
		// next materialization reflects the nested change.
		v.nodes.Replace(key, change.Node)

	default:
		return fmt.Errorf("view: unknown change kind %d", change.Kind)
	}

	for _, id := range v.order {
		v.listeners[id](change)
	}
	return nil
}

// AddListener registers a listener and returns its handle. Listeners are
// notified in registration order.
func (v *View) AddListener(fn Listener) uuid.UUID {
	id := uuid.New()
	v.listeners[id] = fn
	v.order = append(v.order, id)
	return id
}

// RemoveListener drops the listener with the given handle.
func (v *View) RemoveListener(id uuid.UUID) {
	if _, ok := v.listeners[id]; !ok {
		return
	}
	delete(v.listeners, id)
	for i, o := range v.order {
		if o == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of materialized nodes.
func (v *View) Len() int { return v.nodes.Len() }

// Nodes returns the materialized nodes in view order.
func (v *View) Nodes() []*ivm.Node {
	out := make([]*ivm.Node, 0, v.nodes.Len())
	ch, err := v.nodes.IterCh()
	if err != nil {
		return out // empty map
	}
	defer ch.Close()
	for rec := range ch.Records() {
		out = append(out, rec.Val)
	}
	return out
}

// Rows returns the materialized rows in view order.
func (v *View) Rows() []schema.Row {
	return util.Map(func(n *ivm.Node) schema.Row { return n.Row }, v.Nodes())
}

// Tree is a fully materialized node: its row plus its recursively
// materialized relationships.
type Tree struct {
	Row           schema.Row
	Relationships map[string][]*Tree
}

// Snapshot materializes the full result tree by re-invoking every node's
// relationship accessors at call time.
func (v *View) Snapshot() ([]*Tree, error) {
	nodes := v.Nodes()
	out := make([]*Tree, 0, len(nodes))
	for _, n := range nodes {
		t, err := materialize(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func materialize(n *ivm.Node) (*Tree, error) {
	t := &Tree{Row: n.Row}
	names := n.RelationshipNames()
	sort.Strings(names)
	if len(names) > 0 {
		t.Relationships = make(map[string][]*Tree, len(names))
	}
	for _, name := range names {
		s, err := n.Relationship(name)
		if err != nil {
			return nil, fmt.Errorf("view: materialize relationship %q: %w", name, err)
		}
		children, err := ivm.Drain(s)
		if err != nil {
			return nil, fmt.Errorf("view: materialize relationship %q: %w", name, err)
		}
		ts := make([]*Tree, 0, len(children))
		for _, c := range children {
			ct, err := materialize(c)
			if err != nil {
				return nil, err
			}
			ts = append(ts, ct)
		}
		t.Relationships[name] = ts
	}
	return t, nil
}

// Destroy tears down the view and the graph below it.
func (v *View) Destroy() {
	if v.destroyed {
		return
	}
	v.destroyed = true
	v.listeners = nil
	v.order = nil
	v.nodes = newNodeMap(v.sch)
	v.head.Destroy()
}
