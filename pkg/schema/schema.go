// Package schema defines the row data model of the livequery dataflow engine:
// rows, primary keys, orderings and table schemas, plus the comparators
// derived from them. Schemas are immutable once built; comparators derived
// from a schema are stable for the schema's lifetime.
package schema

import (
	"fmt"
	"strings"

	"github.com/l7mp/livequery/pkg/util"
	"github.com/l7mp/livequery/pkg/value"
)

// Direction is a sort direction within an Ordering.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// String returns the direction name.
func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// OrderPart is one (column, direction) pair of an Ordering.
type OrderPart struct {
	Column    string
	Direction Direction
}

// Ordering is an ordered sequence of (column, direction) pairs. It defines a
// total order on rows once ties are broken by the primary key.
type Ordering []OrderPart

// PrimaryKey is the ordered, non-empty column list that uniquely identifies a
// row within its table.
type PrimaryKey []string

// Origin distinguishes rows replicated from a durable upstream from
// client-local optimistic rows. The dataflow operators carry the tag through
// unchanged.
type Origin int

const (
	OriginDurable Origin = iota
	OriginLocal
)

// Row maps column names to values. Keys are fixed by the schema; insertion
// order is irrelevant. Rows are logically immutable once yielded by an
// operator.
type Row map[string]value.Value

// Get returns the value at the given column, null if absent.
func (r Row) Get(col string) value.Value {
	if v, ok := r[col]; ok {
		return v
	}
	return value.Null()
}

// Clone returns a shallow copy of the row. Values are immutable so a shallow
// copy is sufficient.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// EqualOn reports whether two rows agree on every listed column.
func (r Row) EqualOn(other Row, cols []string) bool {
	for _, c := range cols {
		if !value.Equal(r.Get(c), other.Get(c)) {
			return false
		}
	}
	return true
}

// Equal reports whether two rows agree on every column of either row.
func (r Row) Equal(other Row) bool {
	if len(r) != len(other) {
		return false
	}
	for c := range r {
		if !value.Equal(r.Get(c), other.Get(c)) {
			return false
		}
	}
	return true
}

// String renders the row as canonical JSON for logs and error messages.
func (r Row) String() string {
	plain := make(map[string]any, len(r))
	for k, v := range r {
		plain[k] = v.Interface()
	}
	return util.Stringify(plain)
}

// Schema describes one logical table: its columns, primary key, ordering,
// nested relationships and result shape.
type Schema struct {
	// Table is the logical table name.
	Table string
	// Columns maps column names to their value kind.
	Columns map[string]value.Kind
	// Primary is the primary key column list.
	Primary PrimaryKey
	// Order is the result ordering; ties are broken by the primary key,
	// ascending.
	Order Ordering
	// Relationships maps relationship names to the schema of the related
	// rows.
	Relationships map[string]*Schema
	// Singular marks results expected to hold at most one row.
	Singular bool
	// Origin tags rows as durable or client-local.
	Origin Origin
}

// Validate checks the structural invariants of the schema.
func (s *Schema) Validate() error {
	if s.Table == "" {
		return fmt.Errorf("schema has no table name")
	}
	if len(s.Primary) == 0 {
		return fmt.Errorf("schema %q has an empty primary key", s.Table)
	}
	for _, c := range s.Primary {
		if _, ok := s.Columns[c]; !ok {
			return fmt.Errorf("schema %q: primary key column %q is not a column", s.Table, c)
		}
	}
	for _, p := range s.Order {
		if _, ok := s.Columns[p.Column]; !ok {
			return fmt.Errorf("schema %q: ordering column %q is not a column", s.Table, p.Column)
		}
	}
	for name, rel := range s.Relationships {
		if rel == nil {
			return fmt.Errorf("schema %q: relationship %q has no schema", s.Table, name)
		}
	}
	return nil
}

// Compare orders two rows by the schema ordering, ties broken by the primary
// key ascending. Compare(a,b)==0 implies a and b agree on every primary key
// column.
func (s *Schema) Compare(a, b Row) int {
	for _, p := range s.Order {
		c := value.Compare(a.Get(p.Column), b.Get(p.Column))
		if c != 0 {
			if p.Direction == Descending {
				return -c
			}
			return c
		}
	}
	for _, col := range s.Primary {
		if c := value.Compare(a.Get(col), b.Get(col)); c != 0 {
			return c
		}
	}
	return 0
}

// PrimaryKeyOf returns the canonical key string of the row's primary key
// columns.
func (s *Schema) PrimaryKeyOf(r Row) string { return RowKey(r, s.Primary) }

// WithRelationship returns a copy of the schema extended with one
// relationship. The receiver is not modified.
func (s *Schema) WithRelationship(name string, rel *Schema, singular bool) *Schema {
	out := *s
	out.Relationships = make(map[string]*Schema, len(s.Relationships)+1)
	for k, v := range s.Relationships {
		out.Relationships[k] = v
	}
	relCopy := *rel
	relCopy.Singular = singular
	out.Relationships[name] = &relCopy
	return &out
}

// keySeparator joins per-column canonical keys. Canonical keys are JSON
// encoded, so the unit separator can never occur unescaped inside one.
const keySeparator = "\x1f"

// RowKey returns a canonical storage key for the row restricted to the given
// columns. Equal column values always produce equal keys.
func RowKey(r Row, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = value.CanonicalKey(r.Get(c))
	}
	return strings.Join(parts, keySeparator)
}

// ValuesKey returns the canonical key of a plain value list. It is consistent
// with RowKey: RowKey(r, cols) == ValuesKey(values at cols).
func ValuesKey(vals []value.Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = value.CanonicalKey(v)
	}
	return strings.Join(parts, keySeparator)
}

// ValuesAt extracts the values of the listed columns, in order.
func ValuesAt(r Row, cols []string) []value.Value {
	vals := make([]value.Value, len(cols))
	for i, c := range cols {
		vals[i] = r.Get(c)
	}
	return vals
}
