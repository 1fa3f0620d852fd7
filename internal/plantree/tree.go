// Package plantree models a plan's activity tree as an arena of nodes keyed
// by id. Parent/child relationships are id references; sibling order is a
// dense integer per parent. Execution traversal is pre-order, depth first,
// ordering ascending among siblings.
package plantree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"dockyard/internal/domain"
)

var (
	ErrNodeNotFound  = errors.New("node not found in tree")
	ErrCycleDetected = errors.New("node cannot become its own ancestor")
	ErrMultipleRoots = errors.New("plan tree has more than one root")
	ErrNoRoot        = errors.New("plan tree has no root")
)

// Tree is an in-memory arena over a plan's nodes.
type Tree struct {
	nodes    map[string]*domain.PlanNode
	children map[string][]string
	rootID   string
}

// New builds a tree from the persisted node rows of one plan. Children are
// sorted by ordering; exactly one root (nil parent) is required.
func New(rows []domain.PlanNode) (*Tree, error) {
	t := &Tree{
		nodes:    make(map[string]*domain.PlanNode, len(rows)),
		children: make(map[string][]string),
	}
	for i := range rows {
		n := rows[i]
		if _, dup := t.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %s", n.ID)
		}
		t.nodes[n.ID] = &n
	}
	for id, n := range t.nodes {
		if n.ParentID == nil {
			if t.rootID != "" {
				return nil, ErrMultipleRoots
			}
			t.rootID = id
			continue
		}
		if _, ok := t.nodes[*n.ParentID]; !ok {
			return nil, fmt.Errorf("node %s references missing parent %s", id, *n.ParentID)
		}
		t.children[*n.ParentID] = append(t.children[*n.ParentID], id)
	}
	if t.rootID == "" && len(t.nodes) > 0 {
		return nil, ErrNoRoot
	}
	for parent := range t.children {
		t.sortChildren(parent)
	}
	return t, nil
}

func (t *Tree) sortChildren(parentID string) {
	ids := t.children[parentID]
	sort.SliceStable(ids, func(i, j int) bool {
		return t.nodes[ids[i]].Ordering < t.nodes[ids[j]].Ordering
	})
}

// Root returns the root node.
func (t *Tree) Root() (*domain.PlanNode, error) {
	if t.rootID == "" {
		return nil, ErrNoRoot
	}
	return t.nodes[t.rootID], nil
}

// Get returns the node with the given id.
func (t *Tree) Get(id string) (*domain.PlanNode, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n, nil
}

// Contains reports whether the node belongs to this tree.
func (t *Tree) Contains(id string) bool {
	_, ok := t.nodes[id]
	return ok
}

// Children returns the ordered child nodes of a parent.
func (t *Tree) Children(id string) ([]*domain.PlanNode, error) {
	if _, ok := t.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	ids := t.children[id]
	out := make([]*domain.PlanNode, len(ids))
	for i, cid := range ids {
		out[i] = t.nodes[cid]
	}
	return out, nil
}

// Parent returns the parent node, or nil for the root.
func (t *Tree) Parent(id string) (*domain.PlanNode, error) {
	n, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	if n.ParentID == nil {
		return nil, nil
	}
	return t.nodes[*n.ParentID], nil
}

// Insert places node under parentID at the given sibling index, shifting
// later siblings so the ordering stays dense. Index past the end appends.
func (t *Tree) Insert(parentID string, index int, node domain.PlanNode) error {
	if _, ok := t.nodes[parentID]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, parentID)
	}
	if t.Contains(node.ID) {
		return fmt.Errorf("node %s already in tree", node.ID)
	}
	if t.isAncestorCandidate(node.ID, parentID) {
		return ErrCycleDetected
	}
	siblings := t.children[parentID]
	if index < 0 || index > len(siblings) {
		index = len(siblings)
	}
	pid := parentID
	node.ParentID = &pid
	node.Ordering = index
	t.nodes[node.ID] = &node
	t.children[parentID] = append(siblings[:index:index], append([]string{node.ID}, siblings[index:]...)...)
	t.repack(parentID)
	return nil
}

// isAncestorCandidate reports whether placing childID above targetID would
// make a node its own ancestor. With id-keyed arenas this only triggers when
// the inserted id already names an ancestor of the parent.
func (t *Tree) isAncestorCandidate(childID, parentID string) bool {
	cur := parentID
	for cur != "" {
		if cur == childID {
			return true
		}
		n := t.nodes[cur]
		if n == nil || n.ParentID == nil {
			return false
		}
		cur = *n.ParentID
	}
	return false
}

// Move reparents a node (and its subtree) under newParentID at index. It
// rejects moves that would make the node its own ancestor.
func (t *Tree) Move(id, newParentID string, index int) error {
	n, err := t.Get(id)
	if err != nil {
		return err
	}
	if _, ok := t.nodes[newParentID]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, newParentID)
	}
	if id == newParentID || t.isAncestorCandidate(id, newParentID) {
		return ErrCycleDetected
	}
	t.detach(id)
	siblings := t.children[newParentID]
	if index < 0 || index > len(siblings) {
		index = len(siblings)
	}
	pid := newParentID
	n.ParentID = &pid
	t.children[newParentID] = append(siblings[:index:index], append([]string{id}, siblings[index:]...)...)
	t.repack(newParentID)
	return nil
}

// Remove deletes a node and all its descendants, re-packing the former
// siblings' ordering. Removing the root empties the tree.
func (t *Tree) Remove(id string) error {
	n, err := t.Get(id)
	if err != nil {
		return err
	}
	parentID := ""
	if n.ParentID != nil {
		parentID = *n.ParentID
	}
	for _, cid := range append([]string(nil), t.children[id]...) {
		if err := t.Remove(cid); err != nil {
			return err
		}
	}
	t.detach(id)
	delete(t.nodes, id)
	delete(t.children, id)
	if parentID == "" {
		t.rootID = ""
	} else {
		t.repack(parentID)
	}
	return nil
}

func (t *Tree) detach(id string) {
	n := t.nodes[id]
	if n == nil || n.ParentID == nil {
		return
	}
	parent := *n.ParentID
	ids := t.children[parent]
	for i, cid := range ids {
		if cid == id {
			t.children[parent] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	t.repack(parent)
}

// repack renumbers a parent's children 0..n-1 in their current order.
func (t *Tree) repack(parentID string) {
	for i, cid := range t.children[parentID] {
		t.nodes[cid].Ordering = i
	}
}

// Clone returns a detached deep copy of the subtree rooted at id, with fresh
// ids throughout and run state reset to unstarted.
func (t *Tree) Clone(id string) ([]domain.PlanNode, error) {
	root, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	var out []domain.PlanNode
	var walk func(src *domain.PlanNode, newParent *string) error
	walk = func(src *domain.PlanNode, newParent *string) error {
		cp := *src
		cp.ID = uuid.New().String()
		cp.ParentID = newParent
		cp.State = domain.ActivityStateUnstarted
		out = append(out, cp)
		children, err := t.Children(src.ID)
		if err != nil {
			return err
		}
		pid := cp.ID
		for _, c := range children {
			if err := walk(c, &pid); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Nodes returns every node in pre-order. Useful for persisting a whole tree.
func (t *Tree) Nodes() []domain.PlanNode {
	var out []domain.PlanNode
	if t.rootID == "" {
		return out
	}
	var walk func(id string)
	walk = func(id string) {
		out = append(out, *t.nodes[id])
		for _, cid := range t.children[id] {
			walk(cid)
		}
	}
	walk(t.rootID)
	return out
}

// FirstChild returns the first child in ordering, or nil.
func (t *Tree) FirstChild(id string) *domain.PlanNode {
	ids := t.children[id]
	if len(ids) == 0 {
		return nil
	}
	return t.nodes[ids[0]]
}

// nextSibling returns the sibling after id under the same parent, or nil.
func (t *Tree) nextSibling(id string) *domain.PlanNode {
	n := t.nodes[id]
	if n == nil || n.ParentID == nil {
		return nil
	}
	ids := t.children[*n.ParentID]
	for i, cid := range ids {
		if cid == id && i+1 < len(ids) {
			return t.nodes[ids[i+1]]
		}
	}
	return nil
}

// NextPreOrder returns the node after id in execution order: first child,
// else next sibling, else the nearest ancestor's next sibling. Nil means the
// traversal is complete.
func (t *Tree) NextPreOrder(id string) (*domain.PlanNode, error) {
	if _, err := t.Get(id); err != nil {
		return nil, err
	}
	if c := t.FirstChild(id); c != nil {
		return c, nil
	}
	return t.NextSkippingChildren(id)
}

// NextSkippingChildren returns the node after id bypassing its subtree:
// next sibling, else the nearest ancestor's next sibling.
func (t *Tree) NextSkippingChildren(id string) (*domain.PlanNode, error) {
	n, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	for n != nil {
		if s := t.nextSibling(n.ID); s != nil {
			return s, nil
		}
		if n.ParentID == nil {
			return nil, nil
		}
		n = t.nodes[*n.ParentID]
	}
	return nil, nil
}

// Subtree returns id plus all descendant ids in pre-order.
func (t *Tree) Subtree(id string) ([]string, error) {
	if _, err := t.Get(id); err != nil {
		return nil, err
	}
	var out []string
	var walk func(cur string)
	walk = func(cur string) {
		out = append(out, cur)
		for _, cid := range t.children[cur] {
			walk(cid)
		}
	}
	walk(id)
	return out, nil
}
