package ivm

import (
	"github.com/l7mp/livequery/pkg/schema"
)

// The overlay protocol reconciles reads that are in flight while a join push
// is being processed. Sources and intermediate operators update their state
// before forwarding a change, so by the time the join recomputes membership
// the upstream data is fully post-change; but a consumer that re-enters
// Fetch from inside a push notification has only been delivered a prefix of
// the derived changes. The overlay therefore presents the pre-push view for
// every derived effect the push has not yet announced: a not-yet-announced
// add is suppressed until the cursor passes it, a not-yet-announced remove
// is resurrected at its old sorted position, an edit does both, and nested
// membership changes adjust the matching node's relationship accessor. At
// every point of the stream the consumer observes exactly the state implied
// by the pushes it has already received.

// effectKind tags one derived output effect of an in-progress push.
type effectKind int

const (
	// effectAdd: a joined node becomes visible (first matching parent, or a
	// new matched child row).
	effectAdd effectKind = iota
	// effectRemove: a joined node disappears (last matching parent, or a
	// matched child row removed).
	effectRemove
	// effectEdit: a matched child row changed content under the same
	// correlation key.
	effectEdit
	// effectChild: a nested change under an already visible node.
	effectChild
)

// effect is one derived output change of an in-progress push, at one child
// row position.
type effect struct {
	kind effectKind
	// node is the affected child node (the new content for edits).
	node *Node
	// oldRow is the pre-edit child row. Edits only.
	oldRow schema.Row
	// parents is the parent snapshot attached to removes, whose live parent
	// set is already gone.
	parents []*Node
	// nested is the relationship change forwarded for child effects.
	nested *ChildChange
	// exclude/include/swapOld+swapNew describe how a reentrant read must
	// adjust the node's relationship accessor to show the pre-push parent
	// set: drop the just-added parent, re-insert the just-removed one, or
	// swap the edited parent back.
	exclude          schema.Row
	include          *Node
	swapOld, swapNew schema.Row
	// announced flips once the push has forwarded this effect downstream;
	// from then on reentrant reads see the post-push truth for its position.
	announced bool
}

// position is the child row position the effect occupies in the output
// order.
func (e *effect) position() schema.Row { return e.node.Row }

// change materializes the effect into the Change the push forwards.
func (e *effect) change(j *Join) Change {
	switch e.kind {
	case effectAdd:
		return NewAdd(j.newNode(e.node))
	case effectRemove:
		return NewRemove(j.snapshotNode(e.node, e.parents))
	case effectEdit:
		oldNode := e.node.clone()
		oldNode.Row = e.oldRow
		return NewEdit(j.newNode(oldNode), j.newNode(e.node))
	default:
		n := j.newNode(e.node)
		return Change{Kind: ChangeChild, Node: n, Child: e.nested}
	}
}

// inProgress is the Overlaying state of the join's reentrancy state machine:
// the derived effects of the push being announced, in child order. The
// cursor is implicit: the announced flags cover a strict prefix in
// announcement order.
type inProgress struct {
	effects []*effect
}

// overlayActionKind classifies the stream-level work one effect requires.
type overlayActionKind int

const (
	// actInject: synthesize a node the upstream no longer yields.
	actInject overlayActionKind = iota
	// actSuppress: hide a node the upstream already yields.
	actSuppress
	// actAdjust: rewrite the matching node's relationship accessor.
	actAdjust
)

// overlayAction is one position-anchored adjustment of an overlaid stream.
type overlayAction struct {
	kind     overlayActionKind
	pos      schema.Row
	e        *effect
	consumed bool
}

// overlayStream applies the overlay of one in-progress push to a merged
// fetch stream.
type overlayStream struct {
	j       *Join
	ip      *inProgress
	up      NodeStream
	req     Request
	actions []*overlayAction
	pending *Node
	upDone  bool
	closed  bool
}

func newOverlayStream(j *Join, ip *inProgress, up NodeStream, req Request) *overlayStream {
	o := &overlayStream{j: j, ip: ip, up: up, req: req}

	for _, e := range ip.effects {
		switch e.kind {
		case effectAdd:
			o.actions = append(o.actions, &overlayAction{kind: actSuppress, pos: e.node.Row, e: e})
		case effectRemove:
			o.actions = append(o.actions, &overlayAction{kind: actInject, pos: e.node.Row, e: e})
		case effectEdit:
			o.actions = append(o.actions, &overlayAction{kind: actSuppress, pos: e.node.Row, e: e})
			o.actions = append(o.actions, &overlayAction{kind: actInject, pos: e.oldRow, e: e})
		case effectChild:
			// Pure nested pass-through effects need no stream-level work:
			// the deeper operator's own overlay applies when the accessor
			// re-fetches. Membership effects adjust the accessor here.
			if e.exclude != nil || e.include != nil || e.swapNew != nil {
				o.actions = append(o.actions, &overlayAction{kind: actAdjust, pos: e.node.Row, e: e})
			}
		}
	}

	// Order actions in stream direction so each is considered exactly when
	// the scan crosses its position.
	cmp := o.cmp
	for i := 1; i < len(o.actions); i++ {
		for k := i; k > 0 && cmp(o.actions[k].pos, o.actions[k-1].pos) < 0; k-- {
			o.actions[k], o.actions[k-1] = o.actions[k-1], o.actions[k]
		}
	}
	return o
}

func (o *overlayStream) cmp(a, b schema.Row) int {
	c := o.j.child.Schema().Compare(a, b)
	if o.req.Reverse {
		return -c
	}
	return c
}

// nextAction returns the first action still awaiting its position. Actions
// whose effect was announced since the stream was created, and actions
// outside the request constraint, are discharged silently: for those the
// upstream truth is already what the consumer must see.
func (o *overlayStream) nextAction() *overlayAction {
	for _, a := range o.actions {
		if a.consumed {
			continue
		}
		if a.e.announced || !o.req.Constraint.Matches(a.pos) {
			a.consumed = true
			continue
		}
		return a
	}
	return nil
}

func (o *overlayStream) Next() (*Node, bool, error) {
	if o.closed {
		return nil, false, nil
	}
	for {
		if !o.upDone && o.pending == nil {
			n, ok, err := o.up.Next()
			if err != nil {
				o.closed = true
				o.up.Close() //nolint:errcheck
				return nil, false, err
			}
			if !ok {
				o.upDone = true
			} else {
				o.pending = n
			}
		}

		a := o.nextAction()

		// Resurrect rows the push logically removed, at their old sorted
		// position.
		if a != nil && a.kind == actInject && (o.upDone || o.cmp(a.pos, o.pending.Row) < 0) {
			a.consumed = true
			return o.injectNode(a.e), true, nil
		}

		if o.upDone {
			if a != nil {
				// A suppress or adjust action whose position never appeared:
				// the overlay cannot be discharged, the stream ordering is
				// inconsistent with the in-progress change.
				return nil, false, contractErrf("join "+o.j.relationship,
					"unresolved overlay at end of stream (position %s)", a.pos)
			}
			return nil, false, nil
		}

		n := o.pending
		if a != nil && o.cmp(a.pos, n.Row) == 0 {
			a.consumed = true
			switch a.kind {
			case actSuppress:
				// The push will announce this row later; until then it does
				// not exist for this consumer.
				o.pending = nil
				continue
			case actAdjust:
				o.pending = nil
				return o.adjustNode(a.e, n), true, nil
			default:
				// An inject colliding with a live upstream row: the upstream
				// already shows the old content, pass it through once.
				o.pending = nil
				return n, true, nil
			}
		}

		o.pending = nil
		return n, true, nil
	}
}

func (o *overlayStream) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	return o.up.Close()
}

// injectNode synthesizes the pre-push node of a remove or edit effect.
func (o *overlayStream) injectNode(e *effect) *Node {
	if e.kind == effectRemove {
		return o.j.snapshotNode(e.node, e.parents)
	}
	// Edit: the old-keyed row, with the node's relationships intact.
	old := e.node.clone()
	old.Row = e.oldRow
	return o.j.newNode(old)
}

// adjustNode rewrites the node's relationship accessor to present the
// pre-push parent set.
func (o *overlayStream) adjustNode(e *effect, n *Node) *Node {
	j := o.j
	corrVals := j.childCorrVals(n.Row)
	live := j.liveAccessor(corrVals)
	parentSchema := j.parent.Schema()

	out := n.clone()
	out.SetRelationship(j.relationship, func() (NodeStream, error) {
		// Once the effect is announced the live parent set is the truth.
		if e.announced {
			return live()
		}
		ps, err := live()
		if err != nil {
			return nil, err
		}
		switch {
		case e.exclude != nil:
			excludeKey := parentSchema.PrimaryKeyOf(e.exclude)
			return newFilterStream(ps, func(p *Node) bool {
				return parentSchema.PrimaryKeyOf(p.Row) != excludeKey
			}), nil
		case e.include != nil:
			return newInsertStream(ps, e.include, parentSchema.Compare), nil
		default:
			swapKey := parentSchema.PrimaryKeyOf(e.swapNew)
			old := NewNode(e.swapOld)
			return newMapStream(ps, func(p *Node) *Node {
				if parentSchema.PrimaryKeyOf(p.Row) == swapKey {
					return old
				}
				return p
			}), nil
		}
	})
	return out
}

// newInsertStream yields the upstream nodes with one extra node merged in at
// its sorted position.
func newInsertStream(up NodeStream, extra *Node, cmp func(a, b schema.Row) int) NodeStream {
	inserted := false
	var pending *Node
	return newFuncStream(func() (*Node, bool, error) {
		if pending != nil {
			n := pending
			pending = nil
			return n, true, nil
		}
		n, ok, err := up.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			if !inserted {
				inserted = true
				return extra, true, nil
			}
			return nil, false, nil
		}
		if !inserted && cmp(extra.Row, n.Row) <= 0 {
			inserted = true
			pending = n
			return extra, true, nil
		}
		return n, true, nil
	}, up.Close)
}

// newMapStream yields the upstream nodes transformed by fn.
func newMapStream(up NodeStream, fn func(*Node) *Node) NodeStream {
	return newFuncStream(func() (*Node, bool, error) {
		n, ok, err := up.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		return fn(n), true, nil
	}, up.Close)
}
