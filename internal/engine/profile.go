// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

import "github.com/gogpu/rt"

// Profile carries the vendor ABI constants a backend reports. The
// engine never hardcodes these; binding table layout and readback
// pitch both come from here.
type Profile struct {
	// Type is the backend type reported through the public API.
	Type rt.BackendType

	// HandleSize is the byte size of one shader group identifier.
	HandleSize uint32

	// HandleAlignment is the required alignment of record strides in
	// the shader binding table.
	HandleAlignment uint32

	// BaseAlignment is the required alignment of each binding table
	// region's start offset.
	BaseAlignment uint32

	// RowPitchAlignment is the required alignment of output image rows
	// in the readback buffer. Never less than 4.
	RowPitchAlignment uint32
}

// Validate reports whether the profile's constants are usable.
// Alignments must be non-zero powers of two and the handle size
// non-zero.
func (p Profile) Validate() bool {
	pow2 := func(v uint32) bool { return v != 0 && v&(v-1) == 0 }
	return p.HandleSize != 0 &&
		pow2(p.HandleAlignment) &&
		pow2(p.BaseAlignment) &&
		pow2(p.RowPitchAlignment)
}

// alignUp rounds v up to the next multiple of align, a power of two.
func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
