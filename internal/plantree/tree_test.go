package plantree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dockyard/internal/domain"
	"dockyard/internal/plantree"
)

func strPtr(s string) *string { return &s }

func node(id string, parent *string, ordering int) domain.PlanNode {
	kind := domain.KindActivity
	if parent == nil {
		kind = domain.KindPlan
	}
	return domain.PlanNode{
		ID:       id,
		PlanID:   "plan-1",
		ParentID: parent,
		Kind:     kind,
		Ordering: ordering,
		State:    domain.ActivityStateUnstarted,
	}
}

// root -> (a -> (a1, a2), b)
func sampleRows() []domain.PlanNode {
	return []domain.PlanNode{
		node("root", nil, 0),
		node("a", strPtr("root"), 0),
		node("b", strPtr("root"), 1),
		node("a1", strPtr("a"), 0),
		node("a2", strPtr("a"), 1),
	}
}

func TestNewRejectsBadShapes(t *testing.T) {
	_, err := plantree.New([]domain.PlanNode{
		node("r1", nil, 0),
		node("r2", nil, 0),
	})
	require.ErrorIs(t, err, plantree.ErrMultipleRoots)

	_, err = plantree.New([]domain.PlanNode{
		node("a", strPtr("b"), 0),
		node("b", strPtr("a"), 0),
	})
	require.Error(t, err)

	_, err = plantree.New([]domain.PlanNode{
		node("a", strPtr("missing"), 0),
	})
	require.Error(t, err)
}

func TestPreOrderTraversal(t *testing.T) {
	tree, err := plantree.New(sampleRows())
	require.NoError(t, err)

	var order []string
	cur, err := tree.Root()
	require.NoError(t, err)
	for cur != nil {
		order = append(order, cur.ID)
		cur, err = tree.NextPreOrder(cur.ID)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"root", "a", "a1", "a2", "b"}, order)
}

func TestNextSkippingChildren(t *testing.T) {
	tree, err := plantree.New(sampleRows())
	require.NoError(t, err)

	next, err := tree.NextSkippingChildren("a")
	require.NoError(t, err)
	require.Equal(t, "b", next.ID)

	next, err = tree.NextSkippingChildren("b")
	require.NoError(t, err)
	require.Nil(t, next)

	next, err = tree.NextSkippingChildren("a2")
	require.NoError(t, err)
	require.Equal(t, "b", next.ID)
}

func TestInsertKeepsOrderingDense(t *testing.T) {
	tree, err := plantree.New(sampleRows())
	require.NoError(t, err)

	require.NoError(t, tree.Insert("root", 1, node("c", nil, 0)))
	children, err := tree.Children("root")
	require.NoError(t, err)

	var ids []string
	for i, c := range children {
		ids = append(ids, c.ID)
		require.Equal(t, i, c.Ordering)
	}
	require.Equal(t, []string{"a", "c", "b"}, ids)

	// index past the end appends
	require.NoError(t, tree.Insert("root", 99, node("d", nil, 0)))
	children, err = tree.Children("root")
	require.NoError(t, err)
	require.Equal(t, "d", children[len(children)-1].ID)
	require.Equal(t, len(children)-1, children[len(children)-1].Ordering)
}

func TestMoveRejectsCycles(t *testing.T) {
	tree, err := plantree.New(sampleRows())
	require.NoError(t, err)

	require.ErrorIs(t, tree.Move("a", "a1", 0), plantree.ErrCycleDetected)
	require.ErrorIs(t, tree.Move("a", "a", 0), plantree.ErrCycleDetected)

	require.NoError(t, tree.Move("a2", "root", 0))
	children, err := tree.Children("root")
	require.NoError(t, err)
	require.Equal(t, "a2", children[0].ID)

	// old siblings repacked
	aChildren, err := tree.Children("a")
	require.NoError(t, err)
	require.Len(t, aChildren, 1)
	require.Equal(t, 0, aChildren[0].Ordering)
}

func TestRemoveSubtree(t *testing.T) {
	tree, err := plantree.New(sampleRows())
	require.NoError(t, err)

	require.NoError(t, tree.Remove("a"))
	require.False(t, tree.Contains("a"))
	require.False(t, tree.Contains("a1"))
	require.False(t, tree.Contains("a2"))

	children, err := tree.Children("root")
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, 0, children[0].Ordering)
}

func TestCloneFreshIDs(t *testing.T) {
	tree, err := plantree.New(sampleRows())
	require.NoError(t, err)

	// mark a node so we can check state resets
	n, err := tree.Get("a1")
	require.NoError(t, err)
	n.State = domain.ActivityStateCompleted

	cloned, err := tree.Clone("a")
	require.NoError(t, err)
	require.Len(t, cloned, 3)

	originals := map[string]bool{"a": true, "a1": true, "a2": true}
	for _, c := range cloned {
		require.False(t, originals[c.ID], "clone reused id %s", c.ID)
		require.Equal(t, domain.ActivityStateUnstarted, c.State)
	}
	require.Nil(t, cloned[0].ParentID)
	require.Equal(t, cloned[0].ID, *cloned[1].ParentID)
}

func TestSubtree(t *testing.T) {
	tree, err := plantree.New(sampleRows())
	require.NoError(t, err)

	ids, err := tree.Subtree("a")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "a1", "a2"}, ids)

	_, err = tree.Subtree("nope")
	require.ErrorIs(t, err, plantree.ErrNodeNotFound)
}
