package ivm

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/btree"

	"github.com/l7mp/livequery/pkg/schema"
)

// Table is the in-memory source operator at the root of a dataflow graph. It
// holds the base rows of one logical table in schema order and feeds the
// graph: external producers (a replication stream, an optimistic local
// mutator) call Push with row-level changes, the table applies the mutation
// to its own data first and then forwards the change downstream.
//
// Because the table's data is updated before the change propagates, any
// reentrant fetch issued from inside the downstream push observes the
// post-push base data; it is the correlated join's overlay protocol that
// reconciles this with consumers that have not yet been told (see join.go).
type Table struct {
	sch       *schema.Schema
	log       logr.Logger
	out       Output
	rows      *btree.BTreeG[schema.Row]
	byKey     map[string]schema.Row
	destroyed bool
}

var _ Operator = &Table{}

// NewTable creates an empty source table for the given schema.
func NewTable(sch *schema.Schema, opts Options) (*Table, error) {
	if err := sch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid table schema: %w", err)
	}
	return &Table{
		sch:   sch,
		log:   opts.logger("table").WithValues("table", sch.Table),
		rows:  btree.NewG(16, func(a, b schema.Row) bool { return sch.Compare(a, b) < 0 }),
		byKey: make(map[string]schema.Row),
	}, nil
}

// SetOutput implements Operator.
func (t *Table) SetOutput(out Output) { t.out = out }

// Schema implements Operator.
func (t *Table) Schema() *schema.Schema { return t.sch }

// Fetch implements Operator. The scan walks the ordered row set and filters
// by the request constraint.
func (t *Table) Fetch(req Request) (NodeStream, error) {
	if t.destroyed {
		return nil, errDestroyed("table " + t.sch.Table)
	}

	// Materializing the matching rows up front keeps the stream immune to
	// table mutations that land while the consumer is still draining: the
	// fetch reflects exactly the pushes that completed before it began.
	var rows []schema.Row
	visit := func(r schema.Row) bool {
		if req.Constraint.Matches(r) {
			rows = append(rows, r)
		}
		return true
	}
	if req.Reverse {
		t.rows.Descend(visit)
	} else {
		t.rows.Ascend(visit)
	}

	pos := 0
	return newFuncStream(func() (*Node, bool, error) {
		if pos >= len(rows) {
			return nil, false, nil
		}
		n := NewNode(rows[pos])
		pos++
		return n, true, nil
	}, nil), nil
}

// Cleanup implements Operator. A source holds no derived state, so cleanup is
// an ordinary fetch.
func (t *Table) Cleanup(req Request) (NodeStream, error) { return t.Fetch(req) }

// Push implements Operator. It is the external entry point of the graph:
// validates the mutation against the current rows, applies it, then forwards
// the change downstream. Duplicate adds, removes of absent rows and edits
// that touch primary key columns are contract violations.
func (t *Table) Push(change Change) error {
	op := "table " + t.sch.Table
	if t.destroyed {
		return errDestroyed(op)
	}
	if t.out == nil {
		return errNoOutput(op)
	}

	switch change.Kind {
	case ChangeAdd:
		key := t.sch.PrimaryKeyOf(change.Node.Row)
		if _, exists := t.byKey[key]; exists {
			return contractErrf(op, "add of duplicate row %s", change.Node.Row)
		}
		t.rows.ReplaceOrInsert(change.Node.Row)
		t.byKey[key] = change.Node.Row

	case ChangeRemove:
		key := t.sch.PrimaryKeyOf(change.Node.Row)
		stored, exists := t.byKey[key]
		if !exists {
			return contractErrf(op, "remove of absent row %s", change.Node.Row)
		}
		t.rows.Delete(stored)
		delete(t.byKey, key)
		// Forward the stored content, not the caller's copy.
		change = NewRemove(NewNode(stored))

	case ChangeEdit:
		oldKey := t.sch.PrimaryKeyOf(change.OldNode.Row)
		newKey := t.sch.PrimaryKeyOf(change.Node.Row)
		if oldKey != newKey {
			return contractErrf(op, "edit must not change primary key columns")
		}
		stored, exists := t.byKey[oldKey]
		if !exists {
			return contractErrf(op, "edit of absent row %s", change.OldNode.Row)
		}
		t.rows.Delete(stored)
		t.rows.ReplaceOrInsert(change.Node.Row)
		t.byKey[newKey] = change.Node.Row
		change = NewEdit(NewNode(stored), change.Node)

	default:
		return contractErrf(op, "source cannot accept %s changes", change.Kind)
	}

	t.log.V(4).Info("pushing", "change", change.String(), "rows", t.rows.Len())

	return t.out.Push(change)
}

// Seed loads base rows without emitting changes, for initial population
// before any consumer hydrates.
func (t *Table) Seed(rows ...schema.Row) error {
	op := "table " + t.sch.Table
	if t.destroyed {
		return errDestroyed(op)
	}
	for _, r := range rows {
		key := t.sch.PrimaryKeyOf(r)
		if _, exists := t.byKey[key]; exists {
			return contractErrf(op, "seed of duplicate row %s", r)
		}
		t.rows.ReplaceOrInsert(r)
		t.byKey[key] = r
	}
	return nil
}

// Add is a convenience wrapper pushing an add change for the row.
func (t *Table) Add(row schema.Row) error { return t.Push(NewAdd(NewNode(row))) }

// Remove is a convenience wrapper pushing a remove change for the row.
func (t *Table) Remove(row schema.Row) error { return t.Push(NewRemove(NewNode(row))) }

// Edit is a convenience wrapper pushing an edit of the stored row with the
// given primary key to the new content.
func (t *Table) Edit(row schema.Row) error {
	key := t.sch.PrimaryKeyOf(row)
	stored, exists := t.byKey[key]
	if !exists {
		return contractErrf("table "+t.sch.Table, "edit of absent row %s", row)
	}
	return t.Push(NewEdit(NewNode(stored), NewNode(row)))
}

// Len returns the current row count.
func (t *Table) Len() int { return t.rows.Len() }

// Destroy implements Operator.
func (t *Table) Destroy() {
	t.destroyed = true
	t.rows.Clear(false)
	t.byKey = nil
	t.out = nil
}
