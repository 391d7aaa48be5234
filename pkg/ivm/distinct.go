package ivm

import (
	"github.com/go-logr/logr"

	"github.com/l7mp/livequery/pkg/schema"
	"github.com/l7mp/livequery/pkg/storage"
)

// Distinct collapses duplicate rows sharing the same key column values, most
// often the duplicates a one-to-many join introduces, preserving the
// first-seen row's full content for each key. The first-seen rows are
// remembered in a storage-backed row store so that separate fetch and push
// calls agree on which row won.
type Distinct struct {
	up        Operator
	keyCols   []string
	store     *rowStore
	out       Output
	log       logr.Logger
	destroyed bool
}

var _ Operator = &Distinct{}

// NewDistinct creates a deduplication operator over the upstream operator,
// keyed by the given non-empty column list (drawn from the primary key of
// the logical root entity). The operator registers itself as the upstream's
// output.
func NewDistinct(up Operator, keyCols []string, store storage.Store, opts Options) (*Distinct, error) {
	if len(keyCols) == 0 {
		return nil, contractErrf("distinct", "empty key column list")
	}
	d := &Distinct{
		up:      up,
		keyCols: keyCols,
		store:   newRowStore(store),
		log:     opts.logger("distinct"),
	}
	up.SetOutput(d)
	return d, nil
}

// SetOutput implements Operator.
func (d *Distinct) SetOutput(out Output) { d.out = out }

// Schema implements Operator.
func (d *Distinct) Schema() *schema.Schema { return d.up.Schema() }

// Fetch implements Operator. Within one scan a key is consulted only once: a
// local seen set suppresses later duplicates unconditionally. A key without a
// persisted winner elects the scan's first row and persists it; a key with a
// persisted winner yields the winner's content wherever the scan meets the
// key first, so scan direction cannot change which content represents a key.
func (d *Distinct) Fetch(req Request) (NodeStream, error) {
	if d.destroyed {
		return nil, errDestroyed("distinct")
	}
	up, err := d.up.Fetch(req)
	if err != nil {
		return nil, err
	}
	return d.dedup(up, true), nil
}

// dedup wraps an upstream stream with the deduplication scan. When persist is
// set, newly won keys are recorded in the row store.
func (d *Distinct) dedup(up NodeStream, persist bool) NodeStream {
	seen := make(map[string]bool)
	return newFuncStream(func() (*Node, bool, error) {
		for {
			n, ok, err := up.Next()
			if err != nil || !ok {
				return nil, false, err
			}
			key := schema.RowKey(n.Row, d.keyCols)
			if seen[key] {
				continue
			}
			seen[key] = true

			persisted, exists := d.store.get(key)
			if !exists {
				if persist {
					d.store.set(key, n.Row)
				}
				return n, true, nil
			}
			if persisted.Equal(n.Row) {
				return n, true, nil
			}
			// The persisted winner represents the key; substitute its content
			// into the scanned node.
			w := n.clone()
			w.Row = persisted
			return w, true, nil
		}
	}, up.Close)
}

// Push implements Operator.
func (d *Distinct) Push(change Change) error {
	if d.destroyed {
		return errDestroyed("distinct")
	}
	if d.out == nil {
		return errNoOutput("distinct")
	}

	switch change.Kind {
	case ChangeAdd:
		key := schema.RowKey(change.Node.Row, d.keyCols)
		if _, exists := d.store.get(key); exists {
			return nil // duplicate add is absorbed
		}
		d.store.set(key, change.Node.Row)
		return d.out.Push(change)

	case ChangeRemove:
		key := schema.RowKey(change.Node.Row, d.keyCols)
		if _, exists := d.store.get(key); !exists {
			return nil // removal of an untracked key is absorbed
		}
		d.store.del(key)
		return d.out.Push(change)

	case ChangeEdit:
		oldKey := schema.RowKey(change.OldNode.Row, d.keyCols)
		newKey := schema.RowKey(change.Node.Row, d.keyCols)
		if oldKey == newKey {
			d.store.set(newKey, change.Node.Row)
			return d.out.Push(change)
		}
		// Re-keying edit splits into two independent events, remove first.
		// The persisted state is settled in full before anything is
		// forwarded: a consumer re-fetching from inside the remove
		// notification must not elect a winner for the new key and swallow
		// the add half.
		_, oldTracked := d.store.get(oldKey)
		_, newTracked := d.store.get(newKey)
		if oldTracked {
			d.store.del(oldKey)
		}
		if !newTracked {
			d.store.set(newKey, change.Node.Row)
		}
		d.log.V(4).Info("re-keying edit", "old", oldKey, "new", newKey)
		if oldTracked {
			if err := d.out.Push(NewRemove(change.OldNode)); err != nil {
				return err
			}
		}
		if !newTracked {
			return d.out.Push(NewAdd(change.Node))
		}
		return nil

	case ChangeChild:
		key := schema.RowKey(change.Node.Row, d.keyCols)
		persisted, tracked := d.store.get(key)
		// A nested change under a row that lost deduplication is invisible
		// to consumers; only the winning row itself forwards.
		pkOf := d.Schema().PrimaryKeyOf
		if !tracked || pkOf(persisted) != pkOf(change.Node.Row) {
			return nil
		}
		return d.out.Push(change)

	default:
		return contractErrf("distinct", "unknown change kind %d", change.Kind)
	}
}

// Cleanup implements Operator: discards the persisted first-seen state
// unconditionally, then returns a deduplicated snapshot of whatever the
// upstream cleanup currently yields, so a caller draining cleanup still sees
// a correct, uniqued final view.
func (d *Distinct) Cleanup(req Request) (NodeStream, error) {
	if d.destroyed {
		return nil, errDestroyed("distinct")
	}
	d.store.clear()
	up, err := d.up.Cleanup(req)
	if err != nil {
		return nil, err
	}
	return d.dedup(up, false), nil
}

// Destroy implements Operator.
func (d *Distinct) Destroy() {
	if d.destroyed {
		return
	}
	d.destroyed = true
	d.store.clear()
	d.out = nil
	d.up.Destroy()
}
