// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"fmt"

	"github.com/gogpu/rt"
)

// SBTRegion describes one shader binding table region: a byte offset
// into the table buffer, the record stride, and the region size.
type SBTRegion struct {
	Offset uint64
	Stride uint64
	Size   uint64
}

// SBT is the shader binding table: one host-visible buffer holding the
// raygen, miss, and hit group identifiers at vendor-aligned offsets.
//
// The table is laid out and written exactly once, right after pipeline
// creation. The emulated dispatch selects its stages statically, so
// nothing reads the table at trace time; it records the layout contract
// the vendor trace call takes and is validated by tests against the
// profile's alignment rules.
type SBT struct {
	buf    Buffer
	RayGen SBTRegion
	Miss   SBTRegion
	Hit    SBTRegion
	built  bool
}

// Built reports whether the table has been laid out and written.
func (s *SBT) Built() bool { return s.built }

// buildSBT lays out and writes the binding table. The stride of every
// region is the handle size aligned to the handle alignment; each
// region's size is that stride aligned to the base alignment, one
// record per region. The raygen region is special-cased by vendor A's
// validation: its stride must equal its size, which one record
// satisfies.
func (e *Engine) buildSBT() error {
	if e.sbt.built {
		rt.Logger().Warn("engine: binding table already built")
		return nil
	}

	p := e.profile
	stride := alignUp(uint64(p.HandleSize), uint64(p.HandleAlignment))
	regionSize := alignUp(stride, uint64(p.BaseAlignment))

	e.sbt.RayGen = SBTRegion{Offset: 0, Stride: regionSize, Size: regionSize}
	e.sbt.Miss = SBTRegion{Offset: regionSize, Stride: stride, Size: regionSize}
	e.sbt.Hit = SBTRegion{Offset: 2 * regionSize, Stride: stride, Size: regionSize}
	total := 3 * regionSize

	buf, err := e.dev.CreateBuffer("rt-sbt", total, UsageCopyDst|UsageCopySrc)
	if err != nil {
		return fmt.Errorf("engine: binding table buffer: %w", err)
	}
	e.sbt.buf = Buffer{Raw: buf, Size: total}

	for _, g := range []struct {
		group  ShaderGroup
		offset uint64
	}{
		{GroupRayGen, e.sbt.RayGen.Offset},
		{GroupMiss, e.sbt.Miss.Offset},
		{GroupHit, e.sbt.Hit.Offset},
	} {
		id := e.dev.ShaderGroupHandle(g.group)
		if len(id) != int(p.HandleSize) {
			e.dev.DestroyBuffer(buf)
			e.sbt.buf = Buffer{}
			return fmt.Errorf("engine: %s identifier is %d bytes, profile says %d",
				g.group, len(id), p.HandleSize)
		}
		e.dev.WriteBuffer(buf, g.offset, id)
	}

	e.sbt.built = true
	rt.Logger().Debug("engine: binding table built",
		"stride", stride, "region", regionSize, "total", total)
	return nil
}

// destroySBT releases the table buffer.
func (e *Engine) destroySBT() {
	if !e.sbt.buf.IsNil() {
		e.dev.DestroyBuffer(e.sbt.buf.Raw)
	}
	e.sbt = SBT{}
}
