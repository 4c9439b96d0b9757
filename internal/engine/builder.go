// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/rt"
	"github.com/gogpu/rt/internal/bvh"
)

// On-device structure layout. All fields are 4-byte words in little
// endian; the kernel indexes the pool as array<u32>.
const (
	// blasHeaderSize holds nodeCount, triCount, and two pad words.
	blasHeaderSize = 16

	// blasNodeSize is min.xyz + leftFirst + max.xyz + count.
	blasNodeSize = 32

	// blasTriSize is three positions padded to vec4 each.
	blasTriSize = 48

	// instanceRecordSize is the vendor instance layout: a row-major
	// 3x4 transform, two packed words, and a structure reference.
	instanceRecordSize = 64

	// traversalRecordSize is the kernel-side instance layout: the
	// inverse 3x4 transform, structure offsets, the packed id/mask
	// word, and padding to a 16-byte multiple.
	traversalRecordSize = 80
)

// instanceFlagDisableCull keeps both triangle sides hittable,
// matching the flag every instance is built with.
const instanceFlagDisableCull = 0x1

// BuildSizes is the result of a structure size query: the range the
// built structure occupies and the scratch the build consumes.
type BuildSizes struct {
	Result  uint64
	Scratch uint64
}

// blasBuildSizes is the size query for a bottom-level build over
// triCount triangles. The node count is the worst case; the build may
// pack fewer.
func blasBuildSizes(triCount int) BuildSizes {
	result := uint64(blasHeaderSize) +
		uint64(bvh.MaxNodes(triCount))*blasNodeSize +
		uint64(triCount)*blasTriSize
	return BuildSizes{Result: result, Scratch: result}
}

// tlasBuildSizes is the size query for a top-level build over count
// instances. The result range holds the vendor instance records
// followed by the kernel traversal records; only the traversal half
// needs scratch, the vendor half is copied from the instance buffer.
func tlasBuildSizes(count int) BuildSizes {
	n := uint64(count)
	return BuildSizes{
		Result:  n * (instanceRecordSize + traversalRecordSize),
		Scratch: n * traversalRecordSize,
	}
}

// buildRange runs the tail of every structure build: allocate scratch,
// upload the packed structure, record the copy into the pool range,
// barrier, submit, and wait. Extra copies (the top-level build's
// instance records) are recorded by the copies callback before the
// barrier.
func (e *Engine) buildRange(label string, addr uint64, packed []byte, copies func(Encoder) error) error {
	scratch, err := e.dev.CreateBuffer(label+"-scratch", uint64(len(packed)), UsageCopySrc|UsageCopyDst)
	if err != nil {
		return fmt.Errorf("engine: %s scratch: %w", label, err)
	}
	defer e.dev.DestroyBuffer(scratch)

	e.dev.WriteBuffer(scratch, 0, packed)

	enc, err := e.dev.NewEncoder(label)
	if err != nil {
		return fmt.Errorf("engine: %s encoder: %w", label, err)
	}
	if copies != nil {
		if err := copies(enc); err != nil {
			enc.Discard()
			return fmt.Errorf("engine: %s copy: %w", label, err)
		}
	}
	if err := enc.CopyBuffer(scratch, e.pool.Buffer(), 0, addr, uint64(len(packed))); err != nil {
		enc.Discard()
		return fmt.Errorf("engine: %s copy: %w", label, err)
	}
	enc.Barrier()
	if err := e.dev.Submit(enc); err != nil {
		return fmt.Errorf("engine: %s submit: %w", label, err)
	}
	return nil
}

// gatherTriangles flattens the geometries' host mirrors into one
// triangle soup for the hierarchy build.
func gatherTriangles(geoms []*GeometryRecord) []bvh.Tri {
	var tris []bvh.Tri
	for _, g := range geoms {
		pos := func(i uint32) [3]float32 {
			return [3]float32{g.positions[i*3], g.positions[i*3+1], g.positions[i*3+2]}
		}
		if g.indices != nil {
			for i := 0; i+2 < len(g.indices); i += 3 {
				tris = append(tris, bvh.Tri{
					V0: pos(g.indices[i]),
					V1: pos(g.indices[i+1]),
					V2: pos(g.indices[i+2]),
				})
			}
			continue
		}
		for i := 0; i+2 < g.vertexCount; i += 3 {
			tris = append(tris, bvh.Tri{
				V0: pos(uint32(i)),
				V1: pos(uint32(i + 1)),
				V2: pos(uint32(i + 2)),
			})
		}
	}
	return tris
}

// packBLAS serializes a built hierarchy into the on-device layout:
// header, nodes, then triangles in leaf visit order.
func packBLAS(tree bvh.Tree, tris []bvh.Tri) []byte {
	nodeCount := len(tree.Nodes)
	triCount := len(tree.Order)
	out := make([]byte, blasHeaderSize+nodeCount*blasNodeSize+triCount*blasTriSize)

	binary.LittleEndian.PutUint32(out[0:], uint32(nodeCount))
	binary.LittleEndian.PutUint32(out[4:], uint32(triCount))

	off := blasHeaderSize
	for _, n := range tree.Nodes {
		putVec3(out[off:], n.Bounds.Min)
		binary.LittleEndian.PutUint32(out[off+12:], n.LeftFirst)
		putVec3(out[off+16:], n.Bounds.Max)
		binary.LittleEndian.PutUint32(out[off+28:], n.Count)
		off += blasNodeSize
	}
	for _, ti := range tree.Order {
		t := tris[ti]
		putVec3(out[off:], t.V0)
		putVec3(out[off+16:], t.V1)
		putVec3(out[off+32:], t.V2)
		off += blasTriSize
	}
	return out
}

// packInstances serializes the vendor instance records consumed by the
// structure build. The transform arrives column-major and is stored as
// its top three rows, the row-major 3x4 layout both vendors take.
func (e *Engine) packInstances(instances []rt.Instance, blasAddrs []uint64) []byte {
	out := make([]byte, len(instances)*instanceRecordSize)
	for i, inst := range instances {
		off := i * instanceRecordSize
		for r := 0; r < 3; r++ {
			for c := 0; c < 4; c++ {
				putF32(out[off+(r*4+c)*4:], inst.Transform[c*4+r])
			}
		}
		id := inst.InstanceID & 0xFFFFFF
		binary.LittleEndian.PutUint32(out[off+48:], id|uint32(inst.Mask)<<24)
		binary.LittleEndian.PutUint32(out[off+52:], uint32(instanceFlagDisableCull)<<24)
		binary.LittleEndian.PutUint64(out[off+56:], blasAddrs[i])
	}
	return out
}

// packTraversal serializes the kernel-side instance records: the
// inverse transform as rows, word offsets of the referenced
// structure's nodes and triangles, and the packed id/mask word.
func (e *Engine) packTraversal(instances []rt.Instance, blases []*BLASRecord) []byte {
	out := make([]byte, len(instances)*traversalRecordSize)
	for i, inst := range instances {
		off := i * traversalRecordSize

		m := mgl32.Mat4(inst.Transform)
		inv := m.Inv()
		if inv == (mgl32.Mat4{}) {
			rt.Logger().Warn("engine: singular instance transform, using identity",
				"instance", i)
			inv = mgl32.Ident4()
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < 4; c++ {
				putF32(out[off+(r*4+c)*4:], inv[c*4+r])
			}
		}

		b := blases[i]
		nodeBase := (b.addr + blasHeaderSize) / 4
		triBase := nodeBase + uint64(b.nodeCount)*blasNodeSize/4
		binary.LittleEndian.PutUint32(out[off+48:], uint32(nodeBase))
		binary.LittleEndian.PutUint32(out[off+52:], uint32(triBase))
		id := inst.InstanceID & 0xFFFFFF
		binary.LittleEndian.PutUint32(out[off+56:], id|uint32(inst.Mask)<<24)
		// Remaining words stay zero.
	}
	return out
}

func putF32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func putVec3(b []byte, v [3]float32) {
	putF32(b[0:], v[0])
	putF32(b[4:], v[1])
	putF32(b[8:], v[2])
}
