// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/rt"
	"github.com/gogpu/rt/internal/bvh"
)

// GeometryRecord is one uploaded triangle geometry. The device buffers
// hold the caller's data verbatim; the host mirrors feed hierarchy
// builds.
type GeometryRecord struct {
	id           uint32
	vertexBuf    Buffer
	indexBuf     Buffer
	vertexCount  int
	vertexStride int
	positions    []float32 // 3 floats per vertex
	indices      []uint32  // nil when non-indexed
}

// TriangleCount returns the number of triangles the geometry forms.
func (g *GeometryRecord) TriangleCount() int {
	if g.indices != nil {
		return len(g.indices) / 3
	}
	return g.vertexCount / 3
}

// BLASRecord is one built bottom-level structure: a pool range plus
// the packed node and triangle counts the kernel needs.
type BLASRecord struct {
	id         uint32
	addr       uint64
	size       uint64
	nodeCount  uint32
	triCount   uint32
	geometries []uint32
}

// Addr returns the structure's pool address.
func (b *BLASRecord) Addr() uint64 { return b.addr }

// TLASRecord is one built top-level structure: a pool range holding
// the vendor instance records followed by the kernel traversal
// records, plus the instance buffer the build consumes.
type TLASRecord struct {
	id            uint32
	addr          uint64
	size          uint64
	instanceBuf   Buffer
	instanceCount int
	blasIDs       []uint32
}

// InstanceCount returns the count the structure was built with.
// Refits must match it.
func (t *TLASRecord) InstanceCount() int { return t.instanceCount }

// Engine is the shared ray tracing core. A backend owns one Engine,
// hands it a Device and Profile, and forwards the public API to it.
//
// Engine is single-threaded; it holds no locks.
type Engine struct {
	dev         Device
	profile     Profile
	initialized bool

	geometries     map[uint32]*GeometryRecord
	blases         map[uint32]*BLASRecord
	tlases         map[uint32]*TLASRecord
	nextGeometryID uint32
	nextBLASID     uint32
	nextTLASID     uint32

	pool *Pool
	sbt  SBT

	cameraBuf Buffer
	paramsBuf Buffer
	out       outputState
}

// New wraps a device in an engine. Init must run before any resource
// call succeeds.
func New(dev Device, profile Profile) *Engine {
	return &Engine{
		dev:            dev,
		profile:        profile,
		geometries:     make(map[uint32]*GeometryRecord),
		blases:         make(map[uint32]*BLASRecord),
		tlases:         make(map[uint32]*TLASRecord),
		nextGeometryID: 1,
		nextBLASID:     1,
		nextTLASID:     1,
	}
}

// Profile returns the vendor constants the engine was built with.
func (e *Engine) Profile() Profile { return e.profile }

// Initialized reports whether Init has succeeded.
func (e *Engine) Initialized() bool { return e.initialized }

// Init compiles the trace pipeline, creates the structure pool and the
// fixed dispatch buffers, and lays out the binding table. Calling Init
// again after success is a no-op.
func (e *Engine) Init() error {
	if e.initialized {
		return nil
	}
	if !e.profile.Validate() {
		return fmt.Errorf("engine: invalid profile %+v", e.profile)
	}

	if err := e.dev.CreatePipeline(kernelSource); err != nil {
		return fmt.Errorf("engine: trace pipeline: %w", err)
	}

	pool, err := NewPool(e.dev)
	if err != nil {
		e.destroyPartialInit()
		return err
	}
	e.pool = pool

	camera, err := e.dev.CreateBuffer("rt-camera", cameraBlockSize, UsageUniform|UsageCopyDst)
	if err != nil {
		e.destroyPartialInit()
		return fmt.Errorf("engine: camera buffer: %w", err)
	}
	e.cameraBuf = Buffer{Raw: camera, Size: cameraBlockSize}

	params, err := e.dev.CreateBuffer("rt-params", paramsBlockSize, UsageUniform|UsageCopyDst)
	if err != nil {
		e.destroyPartialInit()
		return fmt.Errorf("engine: params buffer: %w", err)
	}
	e.paramsBuf = Buffer{Raw: params, Size: paramsBlockSize}

	if err := e.buildSBT(); err != nil {
		e.destroyPartialInit()
		return err
	}

	e.initialized = true
	rt.Logger().Info("engine: initialized",
		"adapter", e.dev.Name(), "backend", e.profile.Type.String())
	return nil
}

// destroyPartialInit unwinds a failed Init in reverse creation order.
func (e *Engine) destroyPartialInit() {
	e.destroySBT()
	if !e.paramsBuf.IsNil() {
		e.dev.DestroyBuffer(e.paramsBuf.Raw)
		e.paramsBuf = Buffer{}
	}
	if !e.cameraBuf.IsNil() {
		e.dev.DestroyBuffer(e.cameraBuf.Raw)
		e.cameraBuf = Buffer{}
	}
	if e.pool != nil {
		e.pool.Destroy()
		e.pool = nil
	}
}

// notReady logs an operation rejected before Init.
func (e *Engine) notReady(op string) bool {
	if e.initialized {
		return false
	}
	rt.Logger().Warn("engine: not initialized", "op", op)
	return true
}

// CreateGeometry uploads vertex and optional index data. The position
// is the first 12 bytes of each vertex; larger strides upload intact
// so shaders can reach the remaining attributes.
func (e *Engine) CreateGeometry(vertices []float32, vertexCount, vertexStride int, indices []uint32, indexCount int) rt.GeometryHandle {
	log := rt.Logger()
	if e.notReady("CreateGeometry") {
		return rt.GeometryHandle{}
	}
	if vertices == nil || vertexCount <= 0 {
		log.Warn("engine: CreateGeometry: no vertex data",
			"vertexCount", vertexCount)
		return rt.GeometryHandle{}
	}
	if vertexStride < 12 || vertexStride%4 != 0 {
		log.Warn("engine: CreateGeometry: bad vertex stride",
			"stride", vertexStride)
		return rt.GeometryHandle{}
	}
	floatsPerVertex := vertexStride / 4
	if len(vertices) < vertexCount*floatsPerVertex {
		log.Warn("engine: CreateGeometry: vertex slice too short",
			"have", len(vertices), "need", vertexCount*floatsPerVertex)
		return rt.GeometryHandle{}
	}
	if indices != nil {
		if indexCount <= 0 || indexCount%3 != 0 || len(indices) < indexCount {
			log.Warn("engine: CreateGeometry: bad index data",
				"indexCount", indexCount, "have", len(indices))
			return rt.GeometryHandle{}
		}
		for _, ix := range indices[:indexCount] {
			if int(ix) >= vertexCount {
				log.Warn("engine: CreateGeometry: index out of range",
					"index", ix, "vertexCount", vertexCount)
				return rt.GeometryHandle{}
			}
		}
	}

	vertexBytes := packFloats(vertices[:vertexCount*floatsPerVertex])
	vbuf, err := e.dev.CreateBuffer("rt-vertices", uint64(len(vertexBytes)), UsageStorage|UsageCopyDst)
	if err != nil {
		log.Error("engine: CreateGeometry: vertex buffer", "err", err)
		return rt.GeometryHandle{}
	}
	e.dev.WriteBuffer(vbuf, 0, vertexBytes)

	rec := &GeometryRecord{
		vertexBuf:    Buffer{Raw: vbuf, Size: uint64(len(vertexBytes))},
		vertexCount:  vertexCount,
		vertexStride: vertexStride,
		positions:    make([]float32, vertexCount*3),
	}
	for i := 0; i < vertexCount; i++ {
		copy(rec.positions[i*3:i*3+3], vertices[i*floatsPerVertex:i*floatsPerVertex+3])
	}

	if indices != nil {
		indexBytes := packUints(indices[:indexCount])
		ibuf, err := e.dev.CreateBuffer("rt-indices", uint64(len(indexBytes)), UsageStorage|UsageCopyDst)
		if err != nil {
			log.Error("engine: CreateGeometry: index buffer", "err", err)
			e.dev.DestroyBuffer(vbuf)
			return rt.GeometryHandle{}
		}
		e.dev.WriteBuffer(ibuf, 0, indexBytes)
		rec.indexBuf = Buffer{Raw: ibuf, Size: uint64(len(indexBytes))}
		rec.indices = make([]uint32, indexCount)
		copy(rec.indices, indices)
	}

	rec.id = e.nextGeometryID
	e.nextGeometryID++
	e.geometries[rec.id] = rec

	log.Debug("engine: geometry created",
		"id", rec.id, "vertices", vertexCount, "triangles", rec.TriangleCount())
	return rt.NewGeometryHandle(rec.id, rec)
}

// DestroyGeometry releases the geometry's buffers and table entry.
func (e *Engine) DestroyGeometry(h rt.GeometryHandle) {
	if e.notReady("DestroyGeometry") {
		return
	}
	rec, ok := e.geometries[h.ID]
	if !ok {
		rt.Logger().Warn("engine: DestroyGeometry: invalid handle",
			"id", h.ID, "stale", h.ID != 0 && h.ID < e.nextGeometryID)
		return
	}
	if !rec.vertexBuf.IsNil() {
		e.dev.DestroyBuffer(rec.vertexBuf.Raw)
	}
	if !rec.indexBuf.IsNil() {
		e.dev.DestroyBuffer(rec.indexBuf.Raw)
	}
	delete(e.geometries, h.ID)
}

// CreateBLAS builds a bottom-level structure over count geometries:
// size query, scratch allocation, copy command, barrier, then a
// fenced submit. The handle is valid once CreateBLAS returns.
func (e *Engine) CreateBLAS(geometries []rt.GeometryHandle, count int) rt.BLASHandle {
	log := rt.Logger()
	if e.notReady("CreateBLAS") {
		return rt.BLASHandle{}
	}
	if count <= 0 || count > len(geometries) {
		log.Warn("engine: CreateBLAS: bad geometry count",
			"count", count, "have", len(geometries))
		return rt.BLASHandle{}
	}

	recs := make([]*GeometryRecord, 0, count)
	ids := make([]uint32, 0, count)
	for _, h := range geometries[:count] {
		rec, ok := e.geometries[h.ID]
		if !ok {
			log.Warn("engine: CreateBLAS: invalid geometry handle",
				"id", h.ID, "stale", h.ID != 0 && h.ID < e.nextGeometryID)
			return rt.BLASHandle{}
		}
		recs = append(recs, rec)
		ids = append(ids, h.ID)
	}

	tris := gatherTriangles(recs)
	if len(tris) == 0 {
		log.Warn("engine: CreateBLAS: geometries form no triangles")
		return rt.BLASHandle{}
	}

	sizes := blasBuildSizes(len(tris))
	log.Debug("engine: bottom-level sizes",
		"triangles", len(tris), "result", sizes.Result, "scratch", sizes.Scratch)

	addr, err := e.pool.Alloc(sizes.Result)
	if err != nil {
		log.Error("engine: CreateBLAS: pool allocation", "err", err)
		return rt.BLASHandle{}
	}

	tree := bvh.Build(tris)
	packed := packBLAS(tree, tris)
	if err := e.buildRange("rt-blas-build", addr, packed, nil); err != nil {
		log.Error("engine: CreateBLAS: build", "err", err)
		if ferr := e.pool.Free(addr, sizes.Result); ferr != nil {
			log.Error("engine: CreateBLAS: free after failed build", "err", ferr)
		}
		return rt.BLASHandle{}
	}

	rec := &BLASRecord{
		id:         e.nextBLASID,
		addr:       addr,
		size:       sizes.Result,
		nodeCount:  uint32(len(tree.Nodes)),
		triCount:   uint32(len(tree.Order)),
		geometries: ids,
	}
	e.nextBLASID++
	e.blases[rec.id] = rec

	log.Debug("engine: bottom-level built",
		"id", rec.id, "addr", addr, "nodes", rec.nodeCount, "triangles", rec.triCount)
	return rt.NewBLASHandle(rec.id, rec)
}

// DestroyBLAS frees the structure's pool range and table entry. The
// caller keeps any referencing top-level structure from tracing; a
// destroyed range may be reused by later builds.
func (e *Engine) DestroyBLAS(h rt.BLASHandle) {
	if e.notReady("DestroyBLAS") {
		return
	}
	rec, ok := e.blases[h.ID]
	if !ok {
		rt.Logger().Warn("engine: DestroyBLAS: invalid handle",
			"id", h.ID, "stale", h.ID != 0 && h.ID < e.nextBLASID)
		return
	}
	if err := e.pool.Free(rec.addr, rec.size); err != nil {
		rt.Logger().Error("engine: DestroyBLAS: pool free", "err", err)
	}
	delete(e.blases, h.ID)
}

// CreateTLAS builds a top-level structure over count instances. The
// instance buffer is written host-side, then the build copies it and
// the traversal records into the structure's pool range under one
// fenced submit.
func (e *Engine) CreateTLAS(instances []rt.Instance, count int) rt.TLASHandle {
	log := rt.Logger()
	if e.notReady("CreateTLAS") {
		return rt.TLASHandle{}
	}
	if count <= 0 || count > len(instances) {
		log.Warn("engine: CreateTLAS: bad instance count",
			"count", count, "have", len(instances))
		return rt.TLASHandle{}
	}

	blases, ok := e.resolveInstances(instances[:count], "CreateTLAS")
	if !ok {
		return rt.TLASHandle{}
	}

	sizes := tlasBuildSizes(count)
	log.Debug("engine: top-level sizes",
		"instances", count, "result", sizes.Result, "scratch", sizes.Scratch)

	addr, err := e.pool.Alloc(sizes.Result)
	if err != nil {
		log.Error("engine: CreateTLAS: pool allocation", "err", err)
		return rt.TLASHandle{}
	}

	ibuf, err := e.dev.CreateBuffer("rt-instances",
		uint64(count)*instanceRecordSize, UsageCopySrc|UsageCopyDst)
	if err != nil {
		log.Error("engine: CreateTLAS: instance buffer", "err", err)
		if ferr := e.pool.Free(addr, sizes.Result); ferr != nil {
			log.Error("engine: CreateTLAS: free after failed build", "err", ferr)
		}
		return rt.TLASHandle{}
	}

	rec := &TLASRecord{
		addr:          addr,
		size:          sizes.Result,
		instanceBuf:   Buffer{Raw: ibuf, Size: uint64(count) * instanceRecordSize},
		instanceCount: count,
	}
	if err := e.writeTLAS(rec, instances[:count], blases, "rt-tlas-build"); err != nil {
		log.Error("engine: CreateTLAS: build", "err", err)
		e.dev.DestroyBuffer(ibuf)
		if ferr := e.pool.Free(addr, sizes.Result); ferr != nil {
			log.Error("engine: CreateTLAS: free after failed build", "err", ferr)
		}
		return rt.TLASHandle{}
	}

	rec.id = e.nextTLASID
	e.nextTLASID++
	e.tlases[rec.id] = rec

	log.Debug("engine: top-level built",
		"id", rec.id, "addr", addr, "instances", count)
	return rt.NewTLASHandle(rec.id, rec)
}

// UpdateTLAS refits an existing structure in place. The count must
// equal the build count: a refit updates transforms and references,
// never the instance capacity. On any validation failure the
// structure keeps its previous contents.
func (e *Engine) UpdateTLAS(h rt.TLASHandle, instances []rt.Instance, count int) bool {
	log := rt.Logger()
	if e.notReady("UpdateTLAS") {
		return false
	}
	rec, ok := e.tlases[h.ID]
	if !ok {
		log.Warn("engine: UpdateTLAS: invalid handle",
			"id", h.ID, "stale", h.ID != 0 && h.ID < e.nextTLASID)
		return false
	}
	if count != rec.instanceCount {
		log.Warn("engine: UpdateTLAS: instance count mismatch",
			"id", h.ID, "built", rec.instanceCount, "got", count)
		return false
	}
	if count > len(instances) {
		log.Warn("engine: UpdateTLAS: instance slice too short",
			"count", count, "have", len(instances))
		return false
	}
	blases, ok := e.resolveInstances(instances[:count], "UpdateTLAS")
	if !ok {
		return false
	}

	if err := e.writeTLAS(rec, instances[:count], blases, "rt-tlas-refit"); err != nil {
		log.Error("engine: UpdateTLAS: refit", "err", err)
		return false
	}
	log.Debug("engine: top-level refit", "id", h.ID, "instances", count)
	return true
}

// DestroyTLAS frees the structure's pool range, instance buffer, and
// table entry.
func (e *Engine) DestroyTLAS(h rt.TLASHandle) {
	if e.notReady("DestroyTLAS") {
		return
	}
	rec, ok := e.tlases[h.ID]
	if !ok {
		rt.Logger().Warn("engine: DestroyTLAS: invalid handle",
			"id", h.ID, "stale", h.ID != 0 && h.ID < e.nextTLASID)
		return
	}
	if !rec.instanceBuf.IsNil() {
		e.dev.DestroyBuffer(rec.instanceBuf.Raw)
	}
	if err := e.pool.Free(rec.addr, rec.size); err != nil {
		rt.Logger().Error("engine: DestroyTLAS: pool free", "err", err)
	}
	delete(e.tlases, h.ID)
}

// resolveInstances validates every instance's structure reference and
// returns the records. Any stale reference fails the whole call before
// anything is written.
func (e *Engine) resolveInstances(instances []rt.Instance, op string) ([]*BLASRecord, bool) {
	blases := make([]*BLASRecord, len(instances))
	for i, inst := range instances {
		rec, ok := e.blases[inst.BLAS.ID]
		if !ok {
			rt.Logger().Warn("engine: "+op+": invalid structure reference",
				"instance", i, "id", inst.BLAS.ID,
				"stale", inst.BLAS.ID != 0 && inst.BLAS.ID < e.nextBLASID)
			return nil, false
		}
		blases[i] = rec
	}
	return blases, true
}

// writeTLAS uploads the vendor instance records and runs the shared
// build: the pool range receives the instance records from the
// instance buffer and the traversal records from scratch, in one
// barriered, fenced submit. Build and refit differ only in the label.
func (e *Engine) writeTLAS(rec *TLASRecord, instances []rt.Instance, blases []*BLASRecord, label string) error {
	addrs := make([]uint64, len(blases))
	ids := make([]uint32, len(blases))
	for i, b := range blases {
		addrs[i] = b.addr
		ids[i] = b.id
	}

	vendor := e.packInstances(instances, addrs)
	e.dev.WriteBuffer(rec.instanceBuf.Raw, 0, vendor)

	traversal := e.packTraversal(instances, blases)
	vendorBytes := uint64(len(vendor))
	err := e.buildRange(label, rec.addr+vendorBytes, traversal, func(enc Encoder) error {
		return enc.CopyBuffer(rec.instanceBuf.Raw, e.pool.Buffer(), 0, rec.addr, vendorBytes)
	})
	if err != nil {
		return err
	}
	rec.blasIDs = ids
	return nil
}

// traversalBase returns the word offset of a structure's traversal
// records, the address the kernel starts at.
func (e *Engine) traversalBase(rec *TLASRecord) uint32 {
	return uint32((rec.addr + uint64(rec.instanceCount)*instanceRecordSize) / 4)
}

// Close waits for the device, then tears everything down: top-level
// structures first, then bottom-level, then geometry, then the
// pipeline-adjacent buffers, then the device itself.
func (e *Engine) Close() {
	if e.dev == nil {
		return
	}
	if err := e.dev.WaitIdle(); err != nil {
		rt.Logger().Warn("engine: wait for idle on close", "err", err)
	}

	for _, rec := range e.tlases {
		if !rec.instanceBuf.IsNil() {
			e.dev.DestroyBuffer(rec.instanceBuf.Raw)
		}
	}
	clear(e.tlases)
	// Bottom-level ranges live in the pool, destroyed below.
	clear(e.blases)
	for _, rec := range e.geometries {
		if !rec.vertexBuf.IsNil() {
			e.dev.DestroyBuffer(rec.vertexBuf.Raw)
		}
		if !rec.indexBuf.IsNil() {
			e.dev.DestroyBuffer(rec.indexBuf.Raw)
		}
	}
	clear(e.geometries)

	e.destroySBT()
	e.destroyOutput()
	if !e.paramsBuf.IsNil() {
		e.dev.DestroyBuffer(e.paramsBuf.Raw)
		e.paramsBuf = Buffer{}
	}
	if !e.cameraBuf.IsNil() {
		e.dev.DestroyBuffer(e.cameraBuf.Raw)
		e.cameraBuf = Buffer{}
	}
	if e.pool != nil {
		e.pool.Destroy()
		e.pool = nil
	}

	e.dev.Destroy()
	e.dev = nil
	e.initialized = false
}

func packFloats(src []float32) []byte {
	out := make([]byte, len(src)*4)
	for i, v := range src {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func packUints(src []uint32) []byte {
	out := make([]byte, len(src)*4)
	for i, v := range src {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}
