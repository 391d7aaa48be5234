package ivm

import "fmt"

// ChangeKind tags the variant of a Change.
type ChangeKind int

const (
	// ChangeAdd: a node is newly present.
	ChangeAdd ChangeKind = iota
	// ChangeRemove: a node is no longer present.
	ChangeRemove
	// ChangeEdit: same identity, different content. Primary key columns must
	// be unchanged between OldNode and Node for non-join operators; the
	// correlated join is the exception and may re-key.
	ChangeEdit
	// ChangeChild: a nested change occurred within one of the node's
	// relationships.
	ChangeChild
)

// String returns the change kind name.
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	case ChangeEdit:
		return "edit"
	case ChangeChild:
		return "child"
	default:
		return fmt.Sprintf("change(%d)", int(k))
	}
}

// ChildChange describes a nested change under a parent node's relationship.
type ChildChange struct {
	// Relationship names the relationship the nested change occurred in.
	Relationship string
	// Change is the nested change.
	Change Change
}

// Change is one mutation event flowing through the graph.
type Change struct {
	// Kind selects the variant.
	Kind ChangeKind
	// Node is the affected node: the added or removed node, the new node of
	// an edit, or the snapshot of the enclosing row of a child change.
	Node *Node
	// OldNode is the pre-edit node. Set for edits only.
	OldNode *Node
	// Child carries the nested change. Set for child changes only.
	Child *ChildChange
}

// NewAdd builds an add change.
func NewAdd(node *Node) Change { return Change{Kind: ChangeAdd, Node: node} }

// NewRemove builds a remove change.
func NewRemove(node *Node) Change { return Change{Kind: ChangeRemove, Node: node} }

// NewEdit builds an edit change.
func NewEdit(oldNode, node *Node) Change {
	return Change{Kind: ChangeEdit, Node: node, OldNode: oldNode}
}

// NewChild builds a child change: nested occurred under node's relationship.
func NewChild(node *Node, relationship string, nested Change) Change {
	return Change{
		Kind:  ChangeChild,
		Node:  node,
		Child: &ChildChange{Relationship: relationship, Change: nested},
	}
}

// String renders the change for logs.
func (c Change) String() string {
	switch c.Kind {
	case ChangeEdit:
		return fmt.Sprintf("edit(%s -> %s)", c.OldNode, c.Node)
	case ChangeChild:
		return fmt.Sprintf("child(%s, %s: %s)", c.Node, c.Child.Relationship, c.Child.Change)
	default:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Node)
	}
}
