package bvh

import (
	"math"
	"math/rand"
	"testing"
)

func TestBuildEmpty(t *testing.T) {
	tree := Build(nil)
	if len(tree.Nodes) != 0 || len(tree.Order) != 0 {
		t.Errorf("empty input: got %d nodes, %d order entries", len(tree.Nodes), len(tree.Order))
	}
}

func TestBuildSingleTriangle(t *testing.T) {
	tri := Tri{
		V0: [3]float32{0, 0, 0},
		V1: [3]float32{1, 0, 0},
		V2: [3]float32{0, 1, 0},
	}
	tree := Build([]Tri{tri})

	if len(tree.Nodes) != 1 {
		t.Fatalf("single triangle: got %d nodes, want 1", len(tree.Nodes))
	}
	root := tree.Nodes[0]
	if root.Count != 1 || root.LeftFirst != 0 {
		t.Errorf("root = %+v, want leaf with Count=1 LeftFirst=0", root)
	}
	want := tri.Bounds()
	if root.Bounds != want {
		t.Errorf("root bounds = %+v, want %+v", root.Bounds, want)
	}
}

// randomTris returns n triangles scattered in [-10,10]^3.
func randomTris(rng *rand.Rand, n int) []Tri {
	tris := make([]Tri, n)
	for i := range tris {
		var c [3]float32
		for k := 0; k < 3; k++ {
			c[k] = float32(rng.Float64()*20 - 10)
		}
		jitter := func() [3]float32 {
			return [3]float32{
				c[0] + float32(rng.Float64()-0.5),
				c[1] + float32(rng.Float64()-0.5),
				c[2] + float32(rng.Float64()-0.5),
			}
		}
		tris[i] = Tri{V0: jitter(), V1: jitter(), V2: jitter()}
	}
	return tris
}

func TestBuildStructure(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, n := range []int{1, 2, 4, 5, 16, 100, 333} {
		tris := randomTris(rng, n)
		tree := Build(tris)

		if len(tree.Order) != n {
			t.Fatalf("n=%d: order has %d entries", n, len(tree.Order))
		}
		if len(tree.Nodes) > MaxNodes(n) {
			t.Errorf("n=%d: %d nodes exceeds bound %d", n, len(tree.Nodes), MaxNodes(n))
		}

		// Every triangle appears exactly once.
		seen := make(map[uint32]bool, n)
		for _, ti := range tree.Order {
			if seen[ti] {
				t.Fatalf("n=%d: triangle %d listed twice", n, ti)
			}
			seen[ti] = true
		}

		// Leaves cover Order exactly; interior children are in range;
		// every node's bounds contain its triangles.
		covered := 0
		for ni, node := range tree.Nodes {
			if node.Count > 0 {
				covered += int(node.Count)
				for _, ti := range tree.Order[node.LeftFirst : node.LeftFirst+node.Count] {
					b := tris[ti].Bounds()
					if !node.Bounds.Contains(b.Min) || !node.Bounds.Contains(b.Max) {
						t.Errorf("n=%d: node %d does not contain triangle %d", n, ni, ti)
					}
				}
				continue
			}
			if int(node.LeftFirst)+1 >= len(tree.Nodes) {
				t.Fatalf("n=%d: node %d children out of range", n, ni)
			}
			if int(node.LeftFirst) <= ni {
				t.Fatalf("n=%d: node %d children precede parent", n, ni)
			}
			l := tree.Nodes[node.LeftFirst]
			r := tree.Nodes[node.LeftFirst+1]
			parent := l.Bounds.Union(r.Bounds)
			if parent != node.Bounds {
				t.Errorf("n=%d: node %d bounds differ from union of children", n, ni)
			}
		}
		if covered != n {
			t.Errorf("n=%d: leaves cover %d triangles", n, covered)
		}
	}
}

// rayTri is Moller-Trumbore, the same algorithm the trace kernel runs.
func rayTri(orig, dir [3]float32, tri Tri, tMax float32) (float32, bool) {
	const eps = 1e-8

	e1 := sub(tri.V1, tri.V0)
	e2 := sub(tri.V2, tri.V0)
	p := cross(dir, e2)
	det := dot(e1, p)
	if det > -eps && det < eps {
		return 0, false
	}
	inv := 1 / det
	s := sub(orig, tri.V0)
	u := dot(s, p) * inv
	if u < 0 || u > 1 {
		return 0, false
	}
	q := cross(s, e1)
	v := dot(dir, q) * inv
	if v < 0 || u+v > 1 {
		return 0, false
	}
	tt := dot(e2, q) * inv
	if tt < 1e-3 || tt > tMax {
		return 0, false
	}
	return tt, true
}

func rayBox(orig, dir [3]float32, b AABB, tMax float32) bool {
	tmin, tmax := float32(1e-3), tMax
	for i := 0; i < 3; i++ {
		inv := 1 / dir[i]
		t0 := (b.Min[i] - orig[i]) * inv
		t1 := (b.Max[i] - orig[i]) * inv
		if inv < 0 {
			t0, t1 = t1, t0
		}
		if t0 > tmin {
			tmin = t0
		}
		if t1 < tmax {
			tmax = t1
		}
		if tmax < tmin {
			return false
		}
	}
	return true
}

func sub(a, b [3]float32) [3]float32 {
	return [3]float32{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func dot(a, b [3]float32) float32 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b [3]float32) [3]float32 {
	return [3]float32{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// treeIntersect walks the flat tree the way the kernel does, with an
// explicit stack.
func treeIntersect(tree Tree, tris []Tri, orig, dir [3]float32) (float32, bool) {
	if len(tree.Nodes) == 0 {
		return 0, false
	}
	closest := float32(1e4)
	hit := false

	stack := make([]uint32, 0, 32)
	stack = append(stack, 0)
	for len(stack) > 0 {
		ni := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := tree.Nodes[ni]
		if !rayBox(orig, dir, node.Bounds, closest) {
			continue
		}
		if node.Count > 0 {
			for _, ti := range tree.Order[node.LeftFirst : node.LeftFirst+node.Count] {
				if tt, ok := rayTri(orig, dir, tris[ti], closest); ok {
					closest = tt
					hit = true
				}
			}
			continue
		}
		stack = append(stack, node.LeftFirst, node.LeftFirst+1)
	}
	return closest, hit
}

func TestTraversalMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tris := randomTris(rng, 200)
	tree := Build(tris)

	misses := 0
	for i := 0; i < 500; i++ {
		orig := [3]float32{
			float32(rng.Float64()*40 - 20),
			float32(rng.Float64()*40 - 20),
			float32(rng.Float64()*40 - 20),
		}
		d := [3]float32{
			float32(rng.Float64()*2 - 1),
			float32(rng.Float64()*2 - 1),
			float32(rng.Float64()*2 - 1),
		}
		norm := float32(math.Sqrt(float64(dot(d, d))))
		if norm < 1e-6 {
			continue
		}
		dir := [3]float32{d[0] / norm, d[1] / norm, d[2] / norm}

		brute := float32(1e4)
		bruteHit := false
		for _, tri := range tris {
			if tt, ok := rayTri(orig, dir, tri, brute); ok {
				brute = tt
				bruteHit = true
			}
		}

		got, gotHit := treeIntersect(tree, tris, orig, dir)
		if gotHit != bruteHit {
			t.Fatalf("ray %d: tree hit=%v brute hit=%v", i, gotHit, bruteHit)
		}
		if bruteHit {
			diff := float64(got - brute)
			if math.Abs(diff) > 1e-4 {
				t.Fatalf("ray %d: tree t=%v brute t=%v", i, got, brute)
			}
		} else {
			misses++
		}
	}
	if misses == 0 {
		t.Error("every test ray hit; miss path untested")
	}
}
