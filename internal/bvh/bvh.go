// Package bvh builds flat bounding volume hierarchies over triangle
// soups. Nodes come out in a contiguous array with relative child
// indices so the tree can be uploaded to the GPU as-is.
package bvh

import (
	"math"
	"sort"
)

// Tri is one triangle, three positions.
type Tri struct {
	V0, V1, V2 [3]float32
}

// AABB is an axis-aligned bounding box.
type AABB struct {
	Min, Max [3]float32
}

// EmptyAABB returns the inverted box that unions correctly with anything.
func EmptyAABB() AABB {
	inf := float32(math.Inf(1))
	return AABB{
		Min: [3]float32{inf, inf, inf},
		Max: [3]float32{-inf, -inf, -inf},
	}
}

// Union returns the smallest box containing both boxes.
func (b AABB) Union(o AABB) AABB {
	for i := 0; i < 3; i++ {
		if o.Min[i] < b.Min[i] {
			b.Min[i] = o.Min[i]
		}
		if o.Max[i] > b.Max[i] {
			b.Max[i] = o.Max[i]
		}
	}
	return b
}

// Center returns the box center along one axis.
func (b AABB) Center(axis int) float32 {
	return 0.5 * (b.Min[axis] + b.Max[axis])
}

// LongestAxis returns the axis with the largest extent.
func (b AABB) LongestAxis() int {
	dx := b.Max[0] - b.Min[0]
	dy := b.Max[1] - b.Min[1]
	dz := b.Max[2] - b.Min[2]
	if dx >= dy && dx >= dz {
		return 0
	}
	if dy >= dz {
		return 1
	}
	return 2
}

// Contains reports whether p lies inside the box (inclusive).
func (b AABB) Contains(p [3]float32) bool {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] || p[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// Bounds returns the triangle's bounding box.
func (t Tri) Bounds() AABB {
	b := AABB{Min: t.V0, Max: t.V0}
	for _, v := range [2][3]float32{t.V1, t.V2} {
		for i := 0; i < 3; i++ {
			if v[i] < b.Min[i] {
				b.Min[i] = v[i]
			}
			if v[i] > b.Max[i] {
				b.Max[i] = v[i]
			}
		}
	}
	return b
}

// Node is one flat tree node.
//
// A leaf has Count > 0 and LeftFirst indexing the first of Count
// entries in Tree.Order. An interior node has Count == 0 and children
// at Nodes[LeftFirst] and Nodes[LeftFirst+1].
type Node struct {
	Bounds    AABB
	LeftFirst uint32
	Count     uint32
}

// Tree is a flattened hierarchy. Order holds triangle indices into the
// slice Build was called with, grouped so each leaf's triangles are
// contiguous.
type Tree struct {
	Nodes []Node
	Order []uint32
}

// Leaf threshold: a range of this many or fewer triangles becomes a leaf.
const leafThreshold = 4

// MaxNodes returns the node count upper bound for triCount triangles.
// Every split produces two children, so a binary tree over triCount
// leaves never exceeds 2*triCount-1 nodes.
func MaxNodes(triCount int) int {
	if triCount <= 0 {
		return 0
	}
	return 2*triCount - 1
}

// Build flattens tris into a median-split hierarchy. An empty input
// yields an empty tree.
func Build(tris []Tri) Tree {
	if len(tris) == 0 {
		return Tree{}
	}

	b := treeBuilder{
		boxes: make([]AABB, len(tris)),
		order: make([]uint32, len(tris)),
	}
	for i, t := range tris {
		b.boxes[i] = t.Bounds()
		b.order[i] = uint32(i)
	}
	b.nodes = make([]Node, 1, MaxNodes(len(tris)))
	b.buildRange(0, 0, len(tris))

	return Tree{Nodes: b.nodes, Order: b.order}
}

type treeBuilder struct {
	nodes []Node
	boxes []AABB
	order []uint32
}

// buildRange fills nodes[node] from order[lo:hi].
func (b *treeBuilder) buildRange(node, lo, hi int) {
	bounds := EmptyAABB()
	for _, ti := range b.order[lo:hi] {
		bounds = bounds.Union(b.boxes[ti])
	}

	count := hi - lo
	if count <= leafThreshold {
		b.nodes[node] = Node{Bounds: bounds, LeftFirst: uint32(lo), Count: uint32(count)}
		return
	}

	// Median split along the longest axis. Much cheaper than SAH and
	// good enough for the modest scenes a build per frame allows.
	axis := bounds.LongestAxis()
	span := b.order[lo:hi]
	sort.Slice(span, func(i, j int) bool {
		return b.boxes[span[i]].Center(axis) < b.boxes[span[j]].Center(axis)
	})

	mid := lo + count/2
	left := len(b.nodes)
	b.nodes = append(b.nodes, Node{}, Node{})
	b.nodes[node] = Node{Bounds: bounds, LeftFirst: uint32(left)}
	b.buildRange(left, lo, mid)
	b.buildRange(left+1, mid, hi)
}
