package ivm

import (
	"github.com/l7mp/livequery/pkg/schema"
	"github.com/l7mp/livequery/pkg/storage"
)

// Typed capabilities over the raw storage.Store, one per stateful operator
// kind, so operators that happen to share a backing store implementation can
// never confuse each other's values.

// rowStore persists a key → first-seen-row mapping for the distinct operator.
type rowStore struct {
	s storage.Store
}

func newRowStore(s storage.Store) *rowStore { return &rowStore{s: s} }

func (rs *rowStore) get(key string) (schema.Row, bool) {
	v, ok := rs.s.Get(key)
	if !ok {
		return nil, false
	}
	row, ok := v.(schema.Row)
	return row, ok
}

func (rs *rowStore) set(key string, row schema.Row) { rs.s.Set(key, row) }
func (rs *rowStore) del(key string)                 { rs.s.Del(key) }
func (rs *rowStore) clear()                         { storage.Clear(rs.s, "") }

// correlationStore persists the join's (correlation key, child primary key)
// tuple set: the record of which child rows the join has announced
// downstream, by scan or by push. Retraction-only changes (removes, nested
// changes) are derived against it, and the disappearance of a correlation
// value's last parent retires every tuple under the value.
type correlationStore struct {
	s storage.Store
}

func newCorrelationStore(s storage.Store) *correlationStore {
	return &correlationStore{s: s}
}

// tupleKey layout: <correlation key> 0x1f <child pk key>. Both components are
// canonical encodings, so the separator cannot occur unescaped inside either.
func tupleKey(corrKey, childPK string) string { return corrKey + "\x1f" + childPK }

func (cs *correlationStore) add(corrKey, childPK string) {
	cs.s.Set(tupleKey(corrKey, childPK), true)
}

func (cs *correlationStore) del(corrKey, childPK string) {
	cs.s.Del(tupleKey(corrKey, childPK))
}

// has reports whether any announced child still references the correlation
// key.
func (cs *correlationStore) has(corrKey string) bool {
	found := false
	cs.s.Scan(corrKey+"\x1f", func(string, any) bool {
		found = true
		return false
	})
	return found
}

// hasTuple reports whether the child row was announced under the correlation
// key.
func (cs *correlationStore) hasTuple(corrKey, childPK string) bool {
	_, ok := cs.s.Get(tupleKey(corrKey, childPK))
	return ok
}

// clearKey retires every tuple under one correlation key.
func (cs *correlationStore) clearKey(corrKey string) {
	storage.Clear(cs.s, corrKey+"\x1f")
}

func (cs *correlationStore) clear() { storage.Clear(cs.s, "") }

// boundStore persists the limit operator's window boundary row and size.
type boundStore struct {
	s storage.Store
}

func newBoundStore(s storage.Store) *boundStore { return &boundStore{s: s} }

func (bs *boundStore) get() (schema.Row, int, bool) {
	v, ok := bs.s.Get("bound")
	if !ok {
		return nil, 0, false
	}
	row, _ := v.(schema.Row)
	size := 0
	if n, ok := bs.s.Get("size"); ok {
		size, _ = n.(int)
	}
	return row, size, true
}

func (bs *boundStore) set(bound schema.Row, size int) {
	bs.s.Set("bound", bound)
	bs.s.Set("size", size)
}

func (bs *boundStore) clear() { storage.Clear(bs.s, "") }
