//go:build !nogpu

package webgpu

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gogpu/rt"
	"github.com/gogpu/rt/internal/engine"
)

// wgpuBuffer pairs a wgpu buffer with its requested size.
type wgpuBuffer struct {
	raw  *wgpu.Buffer
	size uint64
}

func (b *wgpuBuffer) Size() uint64 { return b.size }

// wgpuDevice drives one adapter through wgpu-native. It owns the
// instance, adapter, device, queue, and the trace pipeline.
type wgpuDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	module   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

// openDevice brings up a compute-only device on the highest-performance
// adapter available.
func openDevice() (*wgpuDevice, error) {
	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, errors.New("wgpu instance unavailable")
	}

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("request adapter: %w", err)
	}

	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "rt_device",
	})
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("request device: %w", err)
	}

	return &wgpuDevice{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    device.GetQueue(),
	}, nil
}

func (d *wgpuDevice) Name() string { return "wgpu-native" }

func translateUsage(usage engine.BufferUsage) wgpu.BufferUsage {
	var u wgpu.BufferUsage
	if usage&engine.UsageStorage != 0 {
		u |= wgpu.BufferUsageStorage
	}
	if usage&engine.UsageUniform != 0 {
		u |= wgpu.BufferUsageUniform
	}
	if usage&engine.UsageCopySrc != 0 {
		u |= wgpu.BufferUsageCopySrc
	}
	if usage&engine.UsageCopyDst != 0 {
		u |= wgpu.BufferUsageCopyDst
	}
	if usage&engine.UsageMapRead != 0 {
		u |= wgpu.BufferUsageMapRead
	}
	return u
}

func (d *wgpuDevice) CreateBuffer(label string, size uint64, usage engine.BufferUsage) (engine.DeviceBuffer, error) {
	raw, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label:            label,
		Size:             size,
		Usage:            translateUsage(usage),
		MappedAtCreation: false,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %s: %w", label, err)
	}
	return &wgpuBuffer{raw: raw, size: size}, nil
}

func (d *wgpuDevice) DestroyBuffer(buf engine.DeviceBuffer) {
	b, ok := buf.(*wgpuBuffer)
	if !ok || b == nil {
		return
	}
	b.raw.Release()
}

func (d *wgpuDevice) WriteBuffer(dst engine.DeviceBuffer, offset uint64, data []byte) {
	b, ok := dst.(*wgpuBuffer)
	if !ok {
		return
	}
	if err := d.queue.WriteBuffer(b.raw, offset, data); err != nil {
		rt.Logger().Error("rt: queue write failed", "error", err)
	}
}

// ReadBuffer maps a MapRead buffer, copies its contents, and unmaps.
// The producing submission has already fenced, so the blocking poll
// only drives the map callback.
func (d *wgpuDevice) ReadBuffer(src engine.DeviceBuffer, offset uint64, dst []byte) error {
	b, ok := src.(*wgpuBuffer)
	if !ok {
		return errors.New("read from foreign buffer")
	}

	var status wgpu.BufferMapAsyncStatus
	done := false
	err := b.raw.MapAsync(wgpu.MapModeRead, offset, uint64(len(dst)), func(s wgpu.BufferMapAsyncStatus) {
		status = s
		done = true
	})
	if err != nil {
		return fmt.Errorf("map readback buffer: %w", err)
	}
	d.device.Poll(true, nil)
	if !done || status != wgpu.BufferMapAsyncStatusSuccess {
		return fmt.Errorf("map readback buffer: status %v", status)
	}
	defer b.raw.Unmap()

	copy(dst, b.raw.GetMappedRange(uint(offset), uint(len(dst))))
	return nil
}

// CreatePipeline builds the trace pipeline with an auto-derived layout;
// wgpu infers the four bindings from the kernel itself.
func (d *wgpuDevice) CreatePipeline(wgsl string) error {
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "rt_trace",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: wgsl},
	})
	if err != nil {
		return fmt.Errorf("create shader module: %w", err)
	}

	pipeline, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: "rt_trace",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		module.Release()
		return fmt.Errorf("create compute pipeline: %w", err)
	}

	d.module = module
	d.pipeline = pipeline
	return nil
}

// ShaderGroupHandle returns a stable 32-byte identifier for one stage.
// The emulated pipeline has no driver-issued handles, so identifiers
// derive from the stage name. Callers treat them as opaque.
func (d *wgpuDevice) ShaderGroupHandle(g engine.ShaderGroup) []byte {
	sum := sha256.Sum256([]byte("rt/trace/" + g.String()))
	return sum[:]
}

// wgpuEncoder records one submission. Bind groups built for dispatches
// stay alive until the submission completes or is discarded.
type wgpuEncoder struct {
	dev        *wgpuDevice
	enc        *wgpu.CommandEncoder
	bindGroups []*wgpu.BindGroup
	label      string
}

func (d *wgpuDevice) NewEncoder(label string) (engine.Encoder, error) {
	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	return &wgpuEncoder{dev: d, enc: enc, label: label}, nil
}

func (e *wgpuEncoder) CopyBuffer(src, dst engine.DeviceBuffer, srcOffset, dstOffset, size uint64) error {
	sb, ok := src.(*wgpuBuffer)
	if !ok {
		return errors.New("copy from foreign buffer")
	}
	db, ok := dst.(*wgpuBuffer)
	if !ok {
		return errors.New("copy to foreign buffer")
	}
	return e.enc.CopyBufferToBuffer(sb.raw, srcOffset, db.raw, dstOffset, size)
}

// Barrier records nothing: WebGPU orders commands within a queue
// submission.
func (e *wgpuEncoder) Barrier() {}

func (e *wgpuEncoder) Dispatch(binds []engine.Binding, groupsX, groupsY, groupsZ uint32) error {
	if e.dev.pipeline == nil {
		return errors.New("trace pipeline not initialized")
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(binds))
	for _, b := range binds {
		buf, ok := b.Buffer.(*wgpuBuffer)
		if !ok {
			return errors.New("dispatch with foreign buffer")
		}
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: b.Binding,
			Buffer:  buf.raw,
			Size:    wgpu.WholeSize,
		})
	}

	layout := e.dev.pipeline.GetBindGroupLayout(0)
	defer layout.Release()

	bg, err := e.dev.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   e.label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	e.bindGroups = append(e.bindGroups, bg)

	pass := e.enc.BeginComputePass(nil)
	pass.SetPipeline(e.dev.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(groupsX, groupsY, groupsZ)
	if err := pass.End(); err != nil {
		return fmt.Errorf("end compute pass: %w", err)
	}
	return nil
}

func (e *wgpuEncoder) Discard() {
	e.release()
}

func (e *wgpuEncoder) release() {
	for _, bg := range e.bindGroups {
		bg.Release()
	}
	e.bindGroups = nil
	if e.enc != nil {
		e.enc.Release()
		e.enc = nil
	}
}

// Submit finishes encoding, submits, and blocks until the queue drains.
func (d *wgpuDevice) Submit(enc engine.Encoder) error {
	e, ok := enc.(*wgpuEncoder)
	if !ok {
		return errors.New("submit of foreign encoder")
	}
	defer e.release()

	cmd, err := e.enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish encoding: %w", err)
	}
	defer cmd.Release()

	d.queue.Submit(cmd)
	d.device.Poll(true, nil)
	return nil
}

// WaitIdle drains the queue.
func (d *wgpuDevice) WaitIdle() error {
	d.device.Poll(true, nil)
	return nil
}

// Destroy releases the pipeline, then the device, adapter, and instance.
func (d *wgpuDevice) Destroy() {
	if d.pipeline != nil {
		d.pipeline.Release()
		d.pipeline = nil
	}
	if d.module != nil {
		d.module.Release()
		d.module = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
	d.queue = nil
}
