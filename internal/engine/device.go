// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

// BufferUsage describes how a device buffer is bound and copied.
// Backends translate these to their substrate's usage flags.
type BufferUsage uint32

// Buffer usage flags.
const (
	// UsageStorage makes the buffer bindable as a storage buffer.
	UsageStorage BufferUsage = 1 << iota
	// UsageUniform makes the buffer bindable as a uniform buffer.
	UsageUniform
	// UsageCopySrc allows the buffer as a copy source.
	UsageCopySrc
	// UsageCopyDst allows the buffer as a copy destination and
	// queue-write target.
	UsageCopyDst
	// UsageMapRead allows host readback after a fence wait.
	UsageMapRead
)

// DeviceBuffer is an opaque device allocation created by a Device.
type DeviceBuffer interface {
	// Size returns the allocation size in bytes.
	Size() uint64
}

// ShaderGroup names one stage of the trace pipeline for identifier
// queries.
type ShaderGroup int

// Shader groups, in binding table order.
const (
	GroupRayGen ShaderGroup = iota
	GroupMiss
	GroupHit
)

// String returns the group name.
func (g ShaderGroup) String() string {
	switch g {
	case GroupRayGen:
		return "raygen"
	case GroupMiss:
		return "miss"
	case GroupHit:
		return "hit"
	default:
		return "unknown"
	}
}

// Binding attaches one buffer to the trace pipeline for a dispatch.
// Bind groups are transient: the device builds a fresh one per
// dispatch and releases it when the submission completes.
type Binding struct {
	// Binding is the shader-side binding index within group 0.
	Binding uint32
	// Buffer is bound whole, offset 0.
	Buffer DeviceBuffer
	// Uniform selects uniform binding; false means storage.
	Uniform bool
}

// Encoder records copies, barriers, and dispatches for one submission.
// An encoder is either submitted via Device.Submit or abandoned via
// Discard, never both.
type Encoder interface {
	// CopyBuffer records a byte copy between buffers.
	CopyBuffer(src, dst DeviceBuffer, srcOffset, dstOffset, size uint64) error

	// Barrier orders all writes recorded so far before all reads
	// recorded after. On substrates whose queues already order
	// commands within a submission this records nothing.
	Barrier()

	// Dispatch records a trace pipeline dispatch over the given
	// workgroup grid with a bind group built from binds.
	Dispatch(binds []Binding, groupsX, groupsY, groupsZ uint32) error

	// Discard abandons the recording and frees encoder resources.
	Discard()
}

// Device is the substrate surface the engine drives. Implementations
// wrap one adapter/device/queue triple; all methods are synchronous
// from the engine's point of view, with Submit blocking on a fence.
//
// A Device is not safe for concurrent use.
type Device interface {
	// Name identifies the adapter for logs.
	Name() string

	// CreateBuffer allocates a device buffer. The label shows up in
	// substrate captures and error messages.
	CreateBuffer(label string, size uint64, usage BufferUsage) (DeviceBuffer, error)

	// DestroyBuffer releases a buffer. Nil is a no-op.
	DestroyBuffer(buf DeviceBuffer)

	// WriteBuffer schedules a host-to-device write through the queue.
	// The data is consumed before WriteBuffer returns.
	WriteBuffer(dst DeviceBuffer, offset uint64, data []byte)

	// ReadBuffer copies device data into dst. Valid on UsageMapRead
	// buffers once the producing submission has completed.
	ReadBuffer(src DeviceBuffer, offset uint64, dst []byte) error

	// CreatePipeline compiles the trace kernel and builds the compute
	// pipeline all dispatches use. Called once per device.
	CreatePipeline(wgsl string) error

	// ShaderGroupHandle returns the opaque identifier for one pipeline
	// stage. The slice length equals the profile's handle size.
	ShaderGroupHandle(g ShaderGroup) []byte

	// NewEncoder begins recording one submission.
	NewEncoder(label string) (Encoder, error)

	// Submit executes a recorded encoder and blocks until the fence
	// signals. The encoder is consumed either way.
	Submit(enc Encoder) error

	// WaitIdle blocks until all prior submissions complete.
	WaitIdle() error

	// Destroy releases the pipeline and the device itself.
	Destroy()
}
