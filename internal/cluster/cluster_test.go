package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2}, []float32{1, 2}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero", []float32{0, 0}, []float32{1, 1}, 0},
		{"mismatch", []float32{1}, []float32{1, 1}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestBuild_EdgeCases(t *testing.T) {
	root, err := Build(nil)
	require.NoError(t, err)
	assert.Nil(t, root)

	root, err = Build([]Vector{{ItemID: "only", Values: []float32{1, 0}}})
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.True(t, root.IsLeaf())
	assert.Equal(t, "only", root.ItemID)

	_, err = Build([]Vector{{ItemID: "a", Values: []float32{1}}, {ItemID: "b", Values: []float32{1, 2}}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = Build([]Vector{{ItemID: "a"}})
	assert.ErrorIs(t, err, ErrEmptyVector)
}

func TestBuild_GroupsSimilarItems(t *testing.T) {
	items := []Vector{
		{ItemID: "x1", Values: []float32{1, 0.05, 0}},
		{ItemID: "y1", Values: []float32{0, 1, 0.05}},
		{ItemID: "x2", Values: []float32{0.95, 0.1, 0}},
		{ItemID: "y2", Values: []float32{0.05, 0.9, 0.1}},
	}
	root, err := Build(items)
	require.NoError(t, err)
	require.Len(t, root.Children, 2)
	assert.Equal(t, 4, root.Size)

	groups := [][]string{OrderedIDs(root.Children[0]), OrderedIDs(root.Children[1])}
	assert.ElementsMatch(t, [][]string{{"x1", "x2"}, {"y1", "y2"}}, groups)
	assert.Greater(t, root.Distance, root.Children[0].Distance)
}

func TestSortByRelevance(t *testing.T) {
	items := []Vector{
		{ItemID: "x1", Values: []float32{1, 0}},
		{ItemID: "x2", Values: []float32{0.99, 0.01}},
		{ItemID: "y1", Values: []float32{0, 1}},
		{ItemID: "y2", Values: []float32{0.01, 0.99}},
	}
	root, err := Build(items)
	require.NoError(t, err)

	SortByRelevance(root, map[string]float64{"y1": 0.95, "y2": 0.85, "x1": 0.9})
	// y group averages 0.9, x group 0.45 since x2 is missing.
	assert.Equal(t, []string{"y1", "y2", "x1", "x2"}, OrderedIDs(root))
}

func TestSortByRelevance_StableOnTies(t *testing.T) {
	root := &Node{Size: 3, Children: []*Node{
		{ItemID: "a", Size: 1},
		{ItemID: "b", Size: 1},
		{ItemID: "c", Size: 1},
	}}
	SortByRelevance(root, nil)
	assert.Equal(t, []string{"a", "b", "c"}, OrderedIDs(root))

	SortByRelevance(root, map[string]float64{"c": 0.5})
	assert.Equal(t, []string{"c", "a", "b"}, OrderedIDs(root))

	SortByRelevance(nil, nil)
}

func TestOrderedIDs_SkipsAnonymousLeaves(t *testing.T) {
	root := &Node{Children: []*Node{
		{ItemID: "a"},
		{Children: []*Node{{}, {ItemID: "b"}}},
	}}
	assert.Equal(t, []string{"a", "b"}, OrderedIDs(root))
	assert.Empty(t, OrderedIDs(nil))
}
