// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"encoding/binary"

	"github.com/gogpu/rt"
)

// Dispatch constants.
const (
	// cameraBlockSize is the uniform block TraceRays copies raw: two
	// mat4 (inverse view, inverse projection), 128 bytes.
	cameraBlockSize = 128

	// paramsBlockSize is the per-dispatch uniform block: width,
	// height, row pitch in words, traversal base, instance count, and
	// three pad words.
	paramsBlockSize = 32

	// workgroupDim is the kernel's workgroup edge; dispatches round
	// the image extent up to it.
	workgroupDim = 8
)

// Trace pipeline binding indices, matching the kernel's @binding
// declarations.
const (
	bindCamera = 0
	bindParams = 1
	bindPool   = 2
	bindImage  = 3
)

// outputState is the lazily sized output image pair: the storage
// buffer the kernel writes and the readback buffer the host maps.
type outputState struct {
	width, height int
	pitch         int // bytes between rows
	image         Buffer
	readback      Buffer
	pix           []byte
	allocations   int
}

// OutputPixels returns the readback image from the last TraceRays.
func (e *Engine) OutputPixels() []byte { return e.out.pix }

// RowPitchBytes returns the byte distance between output rows.
func (e *Engine) RowPitchBytes() int { return e.out.pitch }

// OutputAllocations returns how many times the output pair has been
// (re)created. Diagnostics only.
func (e *Engine) OutputAllocations() int { return e.out.allocations }

// ensureOutput sizes the output pair for width x height. Buffers are
// recreated only when the extent actually changes; repeat dispatches
// at one size reuse both buffers.
func (e *Engine) ensureOutput(width, height int) error {
	if e.out.width == width && e.out.height == height && !e.out.image.IsNil() {
		return nil
	}
	e.destroyOutput()

	pitch := int(alignUp(uint64(width)*4, uint64(e.profile.RowPitchAlignment)))
	size := uint64(pitch) * uint64(height)

	img, err := e.dev.CreateBuffer("rt-output", size, UsageStorage|UsageCopySrc)
	if err != nil {
		return err
	}
	rb, err := e.dev.CreateBuffer("rt-readback", size, UsageCopyDst|UsageMapRead)
	if err != nil {
		e.dev.DestroyBuffer(img)
		return err
	}

	e.out = outputState{
		width:       width,
		height:      height,
		pitch:       pitch,
		image:       Buffer{Raw: img, Size: size},
		readback:    Buffer{Raw: rb, Size: size},
		pix:         make([]byte, size),
		allocations: e.out.allocations + 1,
	}
	rt.Logger().Debug("engine: output sized",
		"width", width, "height", height, "pitch", pitch)
	return nil
}

// destroyOutput releases the output pair.
func (e *Engine) destroyOutput() {
	if !e.out.image.IsNil() {
		e.dev.DestroyBuffer(e.out.image.Raw)
	}
	if !e.out.readback.IsNil() {
		e.dev.DestroyBuffer(e.out.readback.Raw)
	}
	allocs := e.out.allocations
	e.out = outputState{allocations: allocs}
}

// TraceRays dispatches one ray per pixel and blocks until the readback
// buffer holds the image. The uniform block is copied raw into the
// camera buffer; short blocks leave the tail of the previous camera in
// place, oversized blocks are truncated.
//
// Bindings are rebuilt on every call: structures and output may have
// moved since the last dispatch, and transient bind groups make that
// correct by construction.
func (e *Engine) TraceRays(h rt.TLASHandle, width, height int, uniforms []byte, uniformSize int) bool {
	log := rt.Logger()
	if e.notReady("TraceRays") {
		return false
	}
	if width <= 0 || height <= 0 {
		log.Warn("engine: TraceRays: bad extent", "width", width, "height", height)
		return false
	}
	rec, ok := e.tlases[h.ID]
	if !ok {
		log.Warn("engine: TraceRays: invalid handle",
			"id", h.ID, "stale", h.ID != 0 && h.ID < e.nextTLASID)
		return false
	}

	if err := e.ensureOutput(width, height); err != nil {
		log.Error("engine: TraceRays: output allocation", "err", err)
		return false
	}

	if uniforms != nil && uniformSize > 0 {
		n := uniformSize
		if n > cameraBlockSize {
			log.Warn("engine: TraceRays: camera block truncated",
				"size", uniformSize, "max", cameraBlockSize)
			n = cameraBlockSize
		}
		if n > len(uniforms) {
			n = len(uniforms)
		}
		e.dev.WriteBuffer(e.cameraBuf.Raw, 0, uniforms[:n])
	}

	var params [paramsBlockSize]byte
	binary.LittleEndian.PutUint32(params[0:], uint32(width))
	binary.LittleEndian.PutUint32(params[4:], uint32(height))
	binary.LittleEndian.PutUint32(params[8:], uint32(e.out.pitch/4))
	binary.LittleEndian.PutUint32(params[12:], e.traversalBase(rec))
	binary.LittleEndian.PutUint32(params[16:], uint32(rec.instanceCount))
	e.dev.WriteBuffer(e.paramsBuf.Raw, 0, params[:])

	enc, err := e.dev.NewEncoder("rt-trace")
	if err != nil {
		log.Error("engine: TraceRays: encoder", "err", err)
		return false
	}

	binds := []Binding{
		{Binding: bindCamera, Buffer: e.cameraBuf.Raw, Uniform: true},
		{Binding: bindParams, Buffer: e.paramsBuf.Raw, Uniform: true},
		{Binding: bindPool, Buffer: e.pool.Buffer()},
		{Binding: bindImage, Buffer: e.out.image.Raw},
	}
	groupsX := (uint32(width) + workgroupDim - 1) / workgroupDim
	groupsY := (uint32(height) + workgroupDim - 1) / workgroupDim
	if err := enc.Dispatch(binds, groupsX, groupsY, 1); err != nil {
		enc.Discard()
		log.Error("engine: TraceRays: dispatch", "err", err)
		return false
	}
	enc.Barrier()
	if err := enc.CopyBuffer(e.out.image.Raw, e.out.readback.Raw, 0, 0, e.out.image.Size); err != nil {
		enc.Discard()
		log.Error("engine: TraceRays: readback copy", "err", err)
		return false
	}
	if err := e.dev.Submit(enc); err != nil {
		log.Error("engine: TraceRays: submit", "err", err)
		return false
	}

	if err := e.dev.ReadBuffer(e.out.readback.Raw, 0, e.out.pix); err != nil {
		log.Error("engine: TraceRays: readback", "err", err)
		return false
	}

	log.Debug("engine: trace complete",
		"width", width, "height", height, "instances", rec.instanceCount)
	return true
}
