// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"errors"
	"fmt"

	"github.com/gogpu/rt"
)

// Allocation errors.
var (
	// ErrPoolExhausted is returned when the structure pool cannot grow
	// far enough to satisfy an allocation.
	ErrPoolExhausted = errors.New("engine: structure pool exhausted")

	// ErrBadFree is returned when a freed range was never allocated.
	ErrBadFree = errors.New("engine: free of unallocated pool range")
)

// Buffer pairs a device allocation with its size and, for ranges
// inside the structure pool, a device-visible address. Addr is 0 when
// the buffer is not device-addressable.
type Buffer struct {
	Raw  DeviceBuffer
	Size uint64
	Addr uint64
}

// IsNil reports whether the wrapper holds no allocation.
func (b Buffer) IsNil() bool { return b.Raw == nil }

// Pool constants.
const (
	// poolAlign is the alignment of every pool range, matching the
	// strictest structure alignment either vendor requires.
	poolAlign = 256

	// poolBase is the first usable address. Offset 0 stays unallocated
	// so a zero address always means "no structure".
	poolBase = 256

	// poolInitialSize is the starting pool capacity.
	poolInitialSize = 1 << 20
)

// Pool is the arena every acceleration structure lives in. Structure
// addresses are stable byte offsets into one storage buffer, so the
// trace kernel reaches any structure through a single binding and a
// zero offset keeps working as the null sentinel.
//
// Growth allocates a larger buffer and copies the old contents to the
// same offsets, so handed-out addresses survive.
type Pool struct {
	dev      Device
	buf      DeviceBuffer
	capacity uint64
	free     []span // sorted by addr, coalesced
	used     uint64
}

type span struct {
	addr, size uint64
}

// NewPool creates the structure pool at its initial capacity.
func NewPool(dev Device) (*Pool, error) {
	buf, err := dev.CreateBuffer("rt-as-pool", poolInitialSize, UsageStorage|UsageCopySrc|UsageCopyDst)
	if err != nil {
		return nil, fmt.Errorf("engine: create structure pool: %w", err)
	}
	return &Pool{
		dev:      dev,
		buf:      buf,
		capacity: poolInitialSize,
		free:     []span{{addr: poolBase, size: poolInitialSize - poolBase}},
	}, nil
}

// Buffer returns the backing storage buffer for binding.
func (p *Pool) Buffer() DeviceBuffer { return p.buf }

// Used returns the currently allocated byte count.
func (p *Pool) Used() uint64 { return p.used }

// Alloc reserves a pool range and returns its address. The size is
// rounded up to the pool alignment.
func (p *Pool) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-size allocation", ErrPoolExhausted)
	}
	size = alignUp(size, poolAlign)

	for {
		for i := range p.free {
			if p.free[i].size < size {
				continue
			}
			addr := p.free[i].addr
			p.free[i].addr += size
			p.free[i].size -= size
			if p.free[i].size == 0 {
				p.free = append(p.free[:i], p.free[i+1:]...)
			}
			p.used += size
			return addr, nil
		}
		if err := p.grow(size); err != nil {
			return 0, err
		}
	}
}

// Free returns a range to the pool. The size must match the Alloc
// rounding; callers pass the size Alloc was asked for.
func (p *Pool) Free(addr, size uint64) error {
	if addr == 0 || size == 0 {
		return ErrBadFree
	}
	size = alignUp(size, poolAlign)

	// Insert sorted, then coalesce with neighbors.
	i := 0
	for i < len(p.free) && p.free[i].addr < addr {
		i++
	}
	if i < len(p.free) && addr+size > p.free[i].addr {
		return ErrBadFree
	}
	if i > 0 && p.free[i-1].addr+p.free[i-1].size > addr {
		return ErrBadFree
	}
	if addr+size > p.capacity {
		return ErrBadFree
	}
	p.free = append(p.free, span{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = span{addr: addr, size: size}

	if i+1 < len(p.free) && p.free[i].addr+p.free[i].size == p.free[i+1].addr {
		p.free[i].size += p.free[i+1].size
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}
	if i > 0 && p.free[i-1].addr+p.free[i-1].size == p.free[i].addr {
		p.free[i-1].size += p.free[i].size
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
	p.used -= size
	return nil
}

// grow reallocates the pool to fit at least need more bytes and copies
// existing contents across, preserving every address.
func (p *Pool) grow(need uint64) error {
	newCap := p.capacity * 2
	for newCap-p.capacity < need+poolAlign {
		newCap *= 2
	}

	rt.Logger().Debug("engine: growing structure pool",
		"from", p.capacity, "to", newCap)

	buf, err := p.dev.CreateBuffer("rt-as-pool", newCap, UsageStorage|UsageCopySrc|UsageCopyDst)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}

	enc, err := p.dev.NewEncoder("rt-pool-grow")
	if err != nil {
		p.dev.DestroyBuffer(buf)
		return fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}
	if err := enc.CopyBuffer(p.buf, buf, 0, 0, p.capacity); err != nil {
		enc.Discard()
		p.dev.DestroyBuffer(buf)
		return fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}
	enc.Barrier()
	if err := p.dev.Submit(enc); err != nil {
		p.dev.DestroyBuffer(buf)
		return fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}

	p.dev.DestroyBuffer(p.buf)
	p.free = append(p.free, span{addr: p.capacity, size: newCap - p.capacity})
	// Coalesce if the old tail was free.
	if n := len(p.free); n >= 2 && p.free[n-2].addr+p.free[n-2].size == p.free[n-1].addr {
		p.free[n-2].size += p.free[n-1].size
		p.free = p.free[:n-1]
	}
	p.buf = buf
	p.capacity = newCap
	return nil
}

// Destroy releases the backing buffer.
func (p *Pool) Destroy() {
	if p.buf != nil {
		p.dev.DestroyBuffer(p.buf)
		p.buf = nil
	}
	p.free = nil
	p.capacity = 0
	p.used = 0
}
