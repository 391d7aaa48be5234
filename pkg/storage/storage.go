// Package storage provides the per-operator key/value persistence abstraction
// used by stateful dataflow operators to remember derived state across calls.
// The contract is deliberately thin: string keys, arbitrary values, prefix
// scans in key order, no transactions and no durability. Every operator
// instance owns its store exclusively; stores are never shared.
package storage

import (
	"strings"

	"github.com/google/btree"
)

// Store is the key/value capability handed to a stateful operator.
type Store interface {
	// Get returns the value stored at key.
	Get(key string) (any, bool)
	// Set stores a value at key, replacing any previous value.
	Set(key string, val any)
	// Del removes the value at key. Deleting an absent key is a no-op.
	Del(key string)
	// Scan visits every entry whose key starts with prefix, in ascending key
	// order, until fn returns false.
	Scan(prefix string, fn func(key string, val any) bool)
}

type entry struct {
	key string
	val any
}

func entryLess(a, b entry) bool { return a.key < b.key }

// Mem is an in-memory Store backed by an ordered tree, so prefix scans run in
// key order without sorting.
type Mem struct {
	tree *btree.BTreeG[entry]
}

var _ Store = &Mem{}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{tree: btree.NewG(16, entryLess)}
}

// Get implements Store.
func (m *Mem) Get(key string) (any, bool) {
	e, ok := m.tree.Get(entry{key: key})
	if !ok {
		return nil, false
	}
	return e.val, true
}

// Set implements Store.
func (m *Mem) Set(key string, val any) {
	m.tree.ReplaceOrInsert(entry{key: key, val: val})
}

// Del implements Store.
func (m *Mem) Del(key string) {
	m.tree.Delete(entry{key: key})
}

// Scan implements Store.
func (m *Mem) Scan(prefix string, fn func(key string, val any) bool) {
	m.tree.AscendGreaterOrEqual(entry{key: prefix}, func(e entry) bool {
		if !strings.HasPrefix(e.key, prefix) {
			return false
		}
		return fn(e.key, e.val)
	})
}

// Len returns the number of stored entries.
func (m *Mem) Len() int { return m.tree.Len() }

// Clear drops every entry with the given prefix. Clearing with an empty
// prefix empties the store.
func Clear(s Store, prefix string) {
	var keys []string
	s.Scan(prefix, func(key string, _ any) bool {
		keys = append(keys, key)
		return true
	})
	for _, k := range keys {
		s.Del(k)
	}
}
