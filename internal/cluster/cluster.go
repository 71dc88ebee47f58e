// Package cluster builds agglomerative hierarchical clusters over statement
// embeddings and orders their leaves by link relevance.
//
// Linkage is average (UPGMA) over cosine distance. The tree is binary:
// every internal node merges exactly two clusters.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrDimensionMismatch is returned when vectors differ in length.
	ErrDimensionMismatch = errors.New("vector dimensions differ")

	// ErrEmptyVector is returned for an item with no values.
	ErrEmptyVector = errors.New("empty vector")
)

// Vector is one item to cluster.
type Vector struct {
	ItemID string
	Values []float32
}

// Node is a cluster tree node. Leaves carry ItemID and no children.
type Node struct {
	ItemID   string  `json:"item_id,omitempty"`
	Children []*Node `json:"children,omitempty"`

	// Distance is the linkage distance at which the children merged.
	Distance float64 `json:"distance,omitempty"`

	// Size is the number of leaves under the node.
	Size int `json:"count"`
}

// IsLeaf reports whether n has no children.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// for empty, zero-magnitude or mismatched vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// Build clusters items bottom-up. It returns nil for no items and a single
// leaf for one item.
func Build(items []Vector) (*Node, error) {
	if len(items) == 0 {
		return nil, nil
	}
	dim := len(items[0].Values)
	for _, it := range items {
		if len(it.Values) == 0 {
			return nil, fmt.Errorf("%w: item %q", ErrEmptyVector, it.ItemID)
		}
		if len(it.Values) != dim {
			return nil, fmt.Errorf("%w: item %q has %d, want %d", ErrDimensionMismatch, it.ItemID, len(it.Values), dim)
		}
	}

	active := make([]*Node, len(items))
	for i, it := range items {
		active[i] = &Node{ItemID: it.ItemID, Size: 1}
	}
	if len(active) == 1 {
		return active[0], nil
	}

	// dist[i][j] holds the average linkage between active[i] and active[j].
	dist := make([][]float64, len(items))
	for i := range dist {
		dist[i] = make([]float64, len(items))
		for j := 0; j < i; j++ {
			d := 1 - CosineSimilarity(items[i].Values, items[j].Values)
			dist[i][j], dist[j][i] = d, d
		}
	}

	for len(active) > 1 {
		bi, bj := 0, 1
		best := math.Inf(1)
		for i := 0; i < len(active); i++ {
			for j := i + 1; j < len(active); j++ {
				if dist[i][j] < best {
					best, bi, bj = dist[i][j], i, j
				}
			}
		}

		a, b := active[bi], active[bj]
		merged := &Node{Children: []*Node{a, b}, Distance: best, Size: a.Size + b.Size}

		// Lance-Williams update for average linkage, written into row bi.
		for k := range active {
			if k == bi || k == bj {
				continue
			}
			d := (float64(a.Size)*dist[bi][k] + float64(b.Size)*dist[bj][k]) / float64(merged.Size)
			dist[bi][k], dist[k][bi] = d, d
		}
		active[bi] = merged

		// Drop bj from active and the matrix.
		active = append(active[:bj], active[bj+1:]...)
		dist = append(dist[:bj], dist[bj+1:]...)
		for k := range dist {
			dist[k] = append(dist[k][:bj], dist[k][bj+1:]...)
		}
	}
	return active[0], nil
}

// SortByRelevance reorders the children of every internal node by the
// descending mean relevance of their leaves. Missing scores count as 0 and
// ties keep their order.
func SortByRelevance(root *Node, scores map[string]float64) {
	if root == nil {
		return
	}
	var walk func(n *Node) (total float64, count int)
	walk = func(n *Node) (float64, int) {
		if n.IsLeaf() {
			return scores[n.ItemID], 1
		}
		avgs := make(map[*Node]float64, len(n.Children))
		var total float64
		var count int
		for _, c := range n.Children {
			t, k := walk(c)
			total += t
			count += k
			avgs[c] = t / float64(k)
		}
		sort.SliceStable(n.Children, func(i, j int) bool {
			return avgs[n.Children[i]] > avgs[n.Children[j]]
		})
		return total, count
	}
	walk(root)
}

// OrderedIDs returns leaf ids in pre-order. Leaves without an id are skipped.
func OrderedIDs(root *Node) []string {
	var ids []string
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.IsLeaf() {
			if n.ItemID != "" {
				ids = append(ids, n.ItemID)
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	return ids
}
