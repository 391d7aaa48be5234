package ivm

import (
	"github.com/go-logr/logr"

	"github.com/l7mp/livequery/pkg/schema"
	"github.com/l7mp/livequery/pkg/storage"
	"github.com/l7mp/livequery/pkg/value"
)

// Join correlates a parent operator with a child operator by positional
// correlation key lists and materializes the matching parent rows under a
// named relationship of each child row. The output is in child schema order:
// fetch materializes the parent side, opens one constrained child iterator
// per parent row and k-way merges them, grouping ties; a child row with zero
// matching parents is never emitted.
//
// Pushes on either side are recomputed into node-level changes (first or
// last matching parent appearing or disappearing) or nested child changes
// (relationship membership of an already visible node). While a push is
// being processed the operator is in the Overlaying state: reentrant fetches
// apply the overlay protocol (see overlay.go) so that a consumer reading the
// graph mid-push observes exactly the pushes it has already been delivered,
// never a half-applied state.
type Join struct {
	parent, child Operator
	parentKey     []string
	childKey      []string
	relationship  string
	hidden        bool
	sch           *schema.Schema
	corr          *correlationStore
	out           Output
	log           logr.Logger
	destroyed     bool

	// inProgress is the reentrancy state machine: nil means Idle, non-nil
	// means Overlaying. Owned exclusively by this operator; set and cleared
	// only by push.
	inProgress *inProgress
}

var _ Operator = &Join{}

// JoinConfig configures a correlated join.
type JoinConfig struct {
	// Parent and Child are the two input operators. The join registers
	// itself as the output of both.
	Parent, Child Operator
	// ParentKey and ChildKey are the positional correlation key lists; equal
	// length, corresponding by position.
	ParentKey, ChildKey []string
	// Relationship names the relationship under which parent rows attach to
	// child rows.
	Relationship string
	// Hidden omits the relationship from the output schema; nodes still
	// carry the accessor for internal consumers.
	Hidden bool
	// Store persists the correlation tuple set.
	Store storage.Store
}

// NewJoin creates a correlated join and registers it as the output of both
// inputs.
func NewJoin(cfg JoinConfig, opts Options) (*Join, error) {
	if len(cfg.ParentKey) == 0 || len(cfg.ParentKey) != len(cfg.ChildKey) {
		return nil, contractErrf("join", "mismatched correlation key lengths: parent %d, child %d",
			len(cfg.ParentKey), len(cfg.ChildKey))
	}
	if cfg.Relationship == "" {
		return nil, contractErrf("join", "empty relationship name")
	}
	for _, c := range cfg.ParentKey {
		if _, ok := cfg.Parent.Schema().Columns[c]; !ok {
			return nil, contractErrf("join", "parent correlation column %q is not a column of %q",
				c, cfg.Parent.Schema().Table)
		}
	}
	for _, c := range cfg.ChildKey {
		if _, ok := cfg.Child.Schema().Columns[c]; !ok {
			return nil, contractErrf("join", "child correlation column %q is not a column of %q",
				c, cfg.Child.Schema().Table)
		}
	}

	sch := cfg.Child.Schema()
	if !cfg.Hidden {
		sch = sch.WithRelationship(cfg.Relationship, cfg.Parent.Schema(), cfg.Parent.Schema().Singular)
	}

	j := &Join{
		parent:       cfg.Parent,
		child:        cfg.Child,
		parentKey:    cfg.ParentKey,
		childKey:     cfg.ChildKey,
		relationship: cfg.Relationship,
		hidden:       cfg.Hidden,
		sch:          sch,
		corr:         newCorrelationStore(cfg.Store),
		log:          opts.logger("join").WithValues("relationship", cfg.Relationship),
	}
	cfg.Parent.SetOutput(&joinInput{j: j, side: parentSide})
	cfg.Child.SetOutput(&joinInput{j: j, side: childSide})
	return j, nil
}

// joinSide tags which input an upstream push arrived on.
type joinSide int

const (
	parentSide joinSide = iota
	childSide
)

// joinInput adapts one side of the join to the Output interface, so the two
// upstreams can be told apart.
type joinInput struct {
	j    *Join
	side joinSide
}

func (in *joinInput) Push(change Change) error { return in.j.push(in.side, change) }

// SetOutput implements Operator.
func (j *Join) SetOutput(out Output) { j.out = out }

// Schema implements Operator.
func (j *Join) Schema() *schema.Schema { return j.sch }

// Push implements Operator. Upstreams push through the per-side inputs the
// constructor registered; a direct push cannot be attributed to a side.
func (j *Join) Push(Change) error {
	return contractErrf("join", "push must arrive through a registered input")
}

// correlation key plumbing

func (j *Join) childCorrVals(r schema.Row) []value.Value { return schema.ValuesAt(r, j.childKey) }

func (j *Join) parentCorrVals(r schema.Row) []value.Value { return schema.ValuesAt(r, j.parentKey) }

// parentConstraint constrains a parent fetch to one correlation value.
func (j *Join) parentConstraint(vals []value.Value) Constraint {
	c := make(Constraint, len(j.parentKey))
	for i, col := range j.parentKey {
		c[col] = vals[i]
	}
	return c
}

// childConstraint constrains a child fetch to one correlation value, merged
// over the caller's own constraint.
func (j *Join) childConstraint(vals []value.Value, base Constraint) Constraint {
	c := make(Constraint, len(j.childKey)+len(base))
	for col, v := range base {
		c[col] = v
	}
	for i, col := range j.childKey {
		c[col] = vals[i]
	}
	return c
}

// parentRequest translates the output (child-shaped) constraint onto the
// parent side: any constrained child correlation column bounds the
// corresponding parent column.
func (j *Join) parentRequest(req Request) Request {
	var c Constraint
	for i, col := range j.childKey {
		if v, ok := req.Constraint[col]; ok {
			if c == nil {
				c = make(Constraint)
			}
			c[j.parentKey[i]] = v
		}
	}
	return Request{Constraint: c}
}

// liveAccessor produces the relationship accessor of an emitted node: each
// call redoes a constrained parent fetch, per the re-callable contract.
func (j *Join) liveAccessor(corrVals []value.Value) RelationshipFunc {
	constraint := j.parentConstraint(corrVals)
	return func() (NodeStream, error) {
		return j.parent.Fetch(Request{Constraint: constraint})
	}
}

// newNode builds an output node for a child node, attaching the live parent
// accessor. A new node is constructed; yielded nodes are never mutated.
func (j *Join) newNode(child *Node) *Node {
	n := child.clone()
	n.SetRelationship(j.relationship, j.liveAccessor(j.childCorrVals(child.Row)))
	return n
}

// snapshotNode builds an output node carrying a fixed parent snapshot,
// used for removes whose live parent set is already gone.
func (j *Join) snapshotNode(child *Node, parents []*Node) *Node {
	n := child.clone()
	n.SetRelationship(j.relationship, func() (NodeStream, error) {
		return StreamOf(parents...), nil
	})
	return n
}

// Fetch implements Operator.
func (j *Join) Fetch(req Request) (NodeStream, error) {
	if j.destroyed {
		return nil, errDestroyed("join " + j.relationship)
	}
	return j.scan(req, false)
}

// Cleanup implements Operator: same scan shape as Fetch, but pulling the
// upstream cleanup sequences so both sides discard their state for the
// scanned ranges, and dropping the correlation tuples.
func (j *Join) Cleanup(req Request) (NodeStream, error) {
	if j.destroyed {
		return nil, errDestroyed("join " + j.relationship)
	}
	j.corr.clear()
	return j.scan(req, true)
}

// scan builds the merged output stream. With cleanup set, upstream scans use
// Cleanup instead of Fetch.
func (j *Join) scan(req Request, cleanup bool) (NodeStream, error) {
	parentFetch := j.parent.Fetch
	childFetch := j.child.Fetch
	if cleanup {
		parentFetch = j.parent.Cleanup
		childFetch = j.child.Cleanup
	}

	// Materialize the parent side for this request.
	ps, err := parentFetch(j.parentRequest(req))
	if err != nil {
		return nil, err
	}
	parents, err := Drain(ps)
	if err != nil {
		return nil, err
	}

	// One constrained child iterator per parent row.
	cursors := make([]*childCursor, 0, len(parents))
	for _, p := range parents {
		vals := j.parentCorrVals(p.Row)
		cs, err := childFetch(Request{
			Constraint: j.childConstraint(vals, req.Constraint),
			Reverse:    req.Reverse,
		})
		if err != nil {
			closeCursors(cursors, nil)
			return nil, err
		}
		cursors = append(cursors, &childCursor{stream: cs, parent: p})
	}

	merged := &mergeStream{j: j, cursors: cursors, reverse: req.Reverse, record: !cleanup}

	// Snapshot the reentrancy state: a fetch opened while a push is in
	// progress must overlay the not-yet-announced part of that push.
	if ip := j.inProgress; ip != nil {
		return newOverlayStream(j, ip, merged, req), nil
	}
	return merged, nil
}

// childCursor is one open child iterator of the k-way merge.
type childCursor struct {
	stream NodeStream
	parent *Node
	head   *Node
	done   bool
	primed bool
}

func (c *childCursor) prime() error {
	if c.primed {
		return nil
	}
	c.primed = true
	return c.advance()
}

func (c *childCursor) advance() error {
	n, ok, err := c.stream.Next()
	if err != nil {
		return err
	}
	if !ok {
		c.head, c.done = nil, true
		return nil
	}
	c.head = n
	return nil
}

// closeCursors releases every open cursor. Called on normal close, early
// abandonment and mid-scan errors alike, so no iterator is left half-open.
func closeCursors(cursors []*childCursor, firstErr error) error {
	for _, c := range cursors {
		if err := c.stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mergeStream k-way merges the open child cursors by the child schema
// comparator, grouping ties (multiple parents sharing an identical child
// position) into a single emitted node.
type mergeStream struct {
	j       *Join
	cursors []*childCursor
	reverse bool
	record  bool
	closed  bool
}

func (m *mergeStream) cmp(a, b schema.Row) int {
	c := m.j.child.Schema().Compare(a, b)
	if m.reverse {
		return -c
	}
	return c
}

func (m *mergeStream) Next() (*Node, bool, error) {
	if m.closed {
		return nil, false, nil
	}

	// Select the globally minimum next child row across iterators.
	var best *childCursor
	for _, c := range m.cursors {
		if err := c.prime(); err != nil {
			m.fail()
			return nil, false, err
		}
		if c.done {
			continue
		}
		if best == nil || m.cmp(c.head.Row, best.head.Row) < 0 {
			best = c
		}
	}
	if best == nil {
		return nil, false, nil
	}

	// Group ties and advance exactly those iterators.
	child := best.head
	for _, c := range m.cursors {
		if c.done || m.cmp(c.head.Row, child.Row) != 0 {
			continue
		}
		if err := c.advance(); err != nil {
			m.fail()
			return nil, false, err
		}
	}

	if m.record {
		m.j.corr.add(
			schema.ValuesKey(m.j.childCorrVals(child.Row)),
			m.j.child.Schema().PrimaryKeyOf(child.Row))
	}

	return m.j.newNode(child), true, nil
}

// fail propagates release into every still-open child iterator before the
// error surfaces to the caller.
func (m *mergeStream) fail() {
	if !m.closed {
		m.closed = true
		closeCursors(m.cursors, nil) //nolint:errcheck
	}
}

func (m *mergeStream) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return closeCursors(m.cursors, nil)
}

// Destroy implements Operator.
func (j *Join) Destroy() {
	if j.destroyed {
		return
	}
	j.destroyed = true
	j.corr.clear()
	j.out = nil
	j.parent.Destroy()
	j.child.Destroy()
}

// push recomputes one upstream change into node-level and nested output
// changes and forwards them in child order, holding the Overlaying state
// while doing so.
func (j *Join) push(side joinSide, change Change) error {
	op := "join " + j.relationship
	if j.destroyed {
		return errDestroyed(op)
	}
	if j.out == nil {
		return errNoOutput(op)
	}
	if j.inProgress != nil {
		// A single in-progress cursor is held per operator; a second push
		// arriving while one is still being announced means a consumer wrote
		// upstream from inside a push notification, which this operator
		// cannot serialize.
		return contractErrf(op, "reentrant push while a push is in progress")
	}

	var effects []*effect
	var err error
	if side == parentSide {
		effects, err = j.parentEffects(change)
	} else {
		effects, err = j.childEffects(change)
	}
	if err != nil {
		return err
	}
	if len(effects) == 0 {
		return nil // fully absorbed
	}

	j.log.V(4).Info("pushing", "side", int(side), "change", change.String(), "effects", len(effects))

	// Enter the Overlaying state for the duration of the announcement loop.
	j.inProgress = &inProgress{effects: effects}
	defer func() { j.inProgress = nil }()

	for _, e := range effects {
		// Announce before forwarding: the cursor must cover this position by
		// the time the consumer can react to the change.
		e.announced = true
		if err := j.out.Push(e.change(j)); err != nil {
			return err
		}
	}
	return nil
}

// matchingChildren fetches the child rows of one correlation value, in child
// order.
func (j *Join) matchingChildren(vals []value.Value) ([]*Node, error) {
	cs, err := j.child.Fetch(Request{Constraint: j.childConstraint(vals, nil)})
	if err != nil {
		return nil, err
	}
	return Drain(cs)
}

// matchingParents fetches the parent rows of one correlation value.
func (j *Join) matchingParents(vals []value.Value) ([]*Node, error) {
	ps, err := j.parent.Fetch(Request{Constraint: j.parentConstraint(vals)})
	if err != nil {
		return nil, err
	}
	return Drain(ps)
}

// announcedChildren fetches the child rows of one correlation value and keeps
// only those recorded in the correlation tuple set, that is, rows some
// consumer has actually been handed. Retraction-only changes are scoped to
// these; a row never announced has nothing downstream to retract.
func (j *Join) announcedChildren(vals []value.Value) ([]*Node, error) {
	corrKey := schema.ValuesKey(vals)
	if !j.corr.has(corrKey) {
		return nil, nil
	}
	children, err := j.matchingChildren(vals)
	if err != nil {
		return nil, err
	}
	pkOf := j.child.Schema().PrimaryKeyOf
	out := children[:0]
	for _, c := range children {
		if j.corr.hasTuple(corrKey, pkOf(c.Row)) {
			out = append(out, c)
		}
	}
	return out, nil
}

// parentEffects derives the output effects of a parent-side change. The
// upstream state is already post-change when push runs (operators update
// state before forwarding), so matching counts are computed on the new
// state.
func (j *Join) parentEffects(change Change) ([]*effect, error) {
	switch change.Kind {
	case ChangeAdd:
		vals := j.parentCorrVals(change.Node.Row)
		return j.parentMembershipEffects(vals, change.Node, true)

	case ChangeRemove:
		vals := j.parentCorrVals(change.Node.Row)
		return j.parentMembershipEffects(vals, change.Node, false)

	case ChangeEdit:
		oldVals := j.parentCorrVals(change.OldNode.Row)
		newVals := j.parentCorrVals(change.Node.Row)
		if schema.ValuesKey(oldVals) == schema.ValuesKey(newVals) {
			// Same correlation key: relationship content edits nested under
			// every announced matching child.
			children, err := j.announcedChildren(newVals)
			if err != nil {
				return nil, err
			}
			effects := make([]*effect, 0, len(children))
			for _, c := range children {
				effects = append(effects, &effect{
					kind: effectChild,
					node: c,
					nested: &ChildChange{
						Relationship: j.relationship,
						Change:       NewEdit(change.OldNode, change.Node),
					},
					swapOld: change.OldNode.Row,
					swapNew: change.Node.Row,
				})
			}
			return effects, nil
		}
		// The correlated join may re-key: the edit splits into a removal
		// from the old key's children and an addition to the new key's.
		removes, err := j.parentMembershipEffects(oldVals, change.OldNode, false)
		if err != nil {
			return nil, err
		}
		adds, err := j.parentMembershipEffects(newVals, change.Node, true)
		if err != nil {
			return nil, err
		}
		return mergeEffects(removes, adds, j.child.Schema().Compare), nil

	case ChangeChild:
		// A nested change inside a parent row's own relationship: re-nest it
		// under every announced matching child.
		vals := j.parentCorrVals(change.Node.Row)
		children, err := j.announcedChildren(vals)
		if err != nil {
			return nil, err
		}
		effects := make([]*effect, 0, len(children))
		for _, c := range children {
			effects = append(effects, &effect{
				kind:   effectChild,
				node:   c,
				nested: &ChildChange{Relationship: j.relationship, Change: change},
			})
		}
		return effects, nil

	default:
		return nil, contractErrf("join "+j.relationship, "unknown change kind %d", change.Kind)
	}
}

// parentMembershipEffects derives the effects of one parent row appearing
// (added=true) or disappearing under the given correlation value: a nested
// relationship change when other parents keep the child visible, a
// node-level add/remove when this parent was the first or last one. Removals
// and nested changes apply only to children the join has announced; a
// first-parent addition announces every matching child and records it, and
// the last parent disappearing retires the correlation value's tuples.
func (j *Join) parentMembershipEffects(vals []value.Value, parentNode *Node, added bool) ([]*effect, error) {
	corrKey := schema.ValuesKey(vals)
	if !added && !j.corr.has(corrKey) {
		return nil, nil
	}

	parents, err := j.matchingParents(vals)
	if err != nil {
		return nil, err
	}
	others := len(parents)
	if added {
		others-- // post-change state includes the new parent itself
	}

	children, err := j.matchingChildren(vals)
	if err != nil {
		return nil, err
	}

	pkOf := j.child.Schema().PrimaryKeyOf
	effects := make([]*effect, 0, len(children))
	for _, c := range children {
		announced := j.corr.hasTuple(corrKey, pkOf(c.Row))
		switch {
		case others > 0 && added:
			if !announced {
				continue
			}
			effects = append(effects, &effect{
				kind:    effectChild,
				node:    c,
				nested:  &ChildChange{Relationship: j.relationship, Change: NewAdd(parentNode)},
				exclude: parentNode.Row,
			})
		case others > 0:
			if !announced {
				continue
			}
			effects = append(effects, &effect{
				kind:    effectChild,
				node:    c,
				nested:  &ChildChange{Relationship: j.relationship, Change: NewRemove(parentNode)},
				include: parentNode,
			})
		case added:
			j.corr.add(corrKey, pkOf(c.Row))
			effects = append(effects, &effect{kind: effectAdd, node: c})
		default:
			if !announced {
				continue
			}
			effects = append(effects, &effect{
				kind:    effectRemove,
				node:    c,
				parents: []*Node{parentNode},
			})
		}
	}
	if !added && others == 0 {
		// The last parent is gone: the correlation value is retired.
		j.corr.clearKey(corrKey)
	}
	return effects, nil
}

// childEffects derives the output effects of a child-side change and keeps
// the correlation tuple set current.
func (j *Join) childEffects(change Change) ([]*effect, error) {
	pkOf := j.child.Schema().PrimaryKeyOf

	switch change.Kind {
	case ChangeAdd:
		vals := j.childCorrVals(change.Node.Row)
		parents, err := j.matchingParents(vals)
		if err != nil {
			return nil, err
		}
		if len(parents) == 0 {
			return nil, nil // unmatched child rows are not emitted
		}
		j.corr.add(schema.ValuesKey(vals), pkOf(change.Node.Row))
		return []*effect{{kind: effectAdd, node: change.Node}}, nil

	case ChangeRemove:
		vals := j.childCorrVals(change.Node.Row)
		corrKey := schema.ValuesKey(vals)
		pk := pkOf(change.Node.Row)
		// Only announced rows need retracting; anything else was unmatched
		// or never handed to a consumer.
		if !j.corr.hasTuple(corrKey, pk) {
			return nil, nil
		}
		j.corr.del(corrKey, pk)
		parents, err := j.matchingParents(vals)
		if err != nil {
			return nil, err
		}
		return []*effect{{kind: effectRemove, node: change.Node, parents: parents}}, nil

	case ChangeEdit:
		oldVals := j.childCorrVals(change.OldNode.Row)
		newVals := j.childCorrVals(change.Node.Row)
		if schema.ValuesKey(oldVals) == schema.ValuesKey(newVals) {
			// Edits can move a row into a consumer's window, so they are
			// gated on live parent state, never on the announced tuples.
			parents, err := j.matchingParents(newVals)
			if err != nil {
				return nil, err
			}
			if len(parents) == 0 {
				return nil, nil
			}
			return []*effect{{
				kind:   effectEdit,
				node:   change.Node,
				oldRow: change.OldNode.Row,
			}}, nil
		}
		// Correlation re-key: retract the old key's announcement if there
		// was one, enter the new key, and split the edit at the output.
		var effects []*effect
		oldKey := schema.ValuesKey(oldVals)
		oldPK := pkOf(change.OldNode.Row)
		if j.corr.hasTuple(oldKey, oldPK) {
			j.corr.del(oldKey, oldPK)
			oldParents, err := j.matchingParents(oldVals)
			if err != nil {
				return nil, err
			}
			effects = append(effects, &effect{
				kind:    effectRemove,
				node:    change.OldNode,
				parents: oldParents,
			})
		}
		newParents, err := j.matchingParents(newVals)
		if err != nil {
			return nil, err
		}
		if len(newParents) > 0 {
			j.corr.add(schema.ValuesKey(newVals), pkOf(change.Node.Row))
			effects = append(effects, &effect{kind: effectAdd, node: change.Node})
		}
		return sortEffects(effects, j.child.Schema().Compare), nil

	case ChangeChild:
		vals := j.childCorrVals(change.Node.Row)
		if !j.corr.hasTuple(schema.ValuesKey(vals), pkOf(change.Node.Row)) {
			return nil, nil
		}
		return []*effect{{kind: effectChild, node: change.Node, nested: change.Child}}, nil

	default:
		return nil, contractErrf("join "+j.relationship, "unknown change kind %d", change.Kind)
	}
}

// mergeEffects merges two child-ordered effect lists into one.
func mergeEffects(a, b []*effect, cmp func(x, y schema.Row) int) []*effect {
	out := make([]*effect, 0, len(a)+len(b))
	i, k := 0, 0
	for i < len(a) && k < len(b) {
		if cmp(a[i].position(), b[k].position()) <= 0 {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[k])
			k++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[k:]...)
	return out
}

func sortEffects(effects []*effect, cmp func(x, y schema.Row) int) []*effect {
	if len(effects) == 2 && cmp(effects[0].position(), effects[1].position()) > 0 {
		effects[0], effects[1] = effects[1], effects[0]
	}
	return effects
}
