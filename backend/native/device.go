//go:build !nogpu

package native

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rt/internal/engine"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// fenceTimeout bounds every synchronous submission wait.
const fenceTimeout = 5 * time.Second

// halBuffer pairs a HAL buffer with its requested size.
type halBuffer struct {
	raw  hal.Buffer
	size uint64
}

func (b *halBuffer) Size() uint64 { return b.size }

// halDevice drives one Vulkan adapter through gogpu/wgpu's HAL. It owns
// the instance, device, queue, and the trace pipeline.
type halDevice struct {
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	name     string

	shaderModule   hal.ShaderModule
	bindLayout     hal.BindGroupLayout
	pipelineLayout hal.PipelineLayout
	pipeline       hal.ComputePipeline
}

// openDevice brings up a standalone Vulkan device for compute-only use.
func openDevice() (*halDevice, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, errors.New("vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errors.New("no GPU adapters found")
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open device: %w", err)
	}

	return &halDevice{
		instance: instance,
		device:   openDev.Device,
		queue:    openDev.Queue,
		name:     selected.Info.Name,
	}, nil
}

func (d *halDevice) Name() string { return d.name }

func translateUsage(usage engine.BufferUsage) gputypes.BufferUsage {
	var u gputypes.BufferUsage
	if usage&engine.UsageStorage != 0 {
		u |= gputypes.BufferUsageStorage
	}
	if usage&engine.UsageUniform != 0 {
		u |= gputypes.BufferUsageUniform
	}
	if usage&engine.UsageCopySrc != 0 {
		u |= gputypes.BufferUsageCopySrc
	}
	if usage&engine.UsageCopyDst != 0 {
		u |= gputypes.BufferUsageCopyDst
	}
	if usage&engine.UsageMapRead != 0 {
		u |= gputypes.BufferUsageMapRead
	}
	return u
}

func (d *halDevice) CreateBuffer(label string, size uint64, usage engine.BufferUsage) (engine.DeviceBuffer, error) {
	// HAL rejects zero-size allocations.
	const minBufSize = 4
	alloc := size
	if alloc < minBufSize {
		alloc = minBufSize
	}
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  alloc,
		Usage: translateUsage(usage),
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %s: %w", label, err)
	}
	return &halBuffer{raw: raw, size: size}, nil
}

func (d *halDevice) DestroyBuffer(buf engine.DeviceBuffer) {
	b, ok := buf.(*halBuffer)
	if !ok || b == nil {
		return
	}
	d.device.DestroyBuffer(b.raw)
}

func (d *halDevice) WriteBuffer(dst engine.DeviceBuffer, offset uint64, data []byte) {
	b, ok := dst.(*halBuffer)
	if !ok {
		return
	}
	d.queue.WriteBuffer(b.raw, offset, data)
}

func (d *halDevice) ReadBuffer(src engine.DeviceBuffer, offset uint64, dst []byte) error {
	b, ok := src.(*halBuffer)
	if !ok {
		return errors.New("read from foreign buffer")
	}
	return d.queue.ReadBuffer(b.raw, offset, dst)
}

// Bind slots the trace kernel declares in group 0.
const (
	slotCamera = 0
	slotParams = 1
	slotPool   = 2
	slotImage  = 3
)

// CreatePipeline compiles the trace kernel to SPIR-V and builds the
// compute pipeline with its fixed four-binding layout.
func (d *halDevice) CreatePipeline(wgsl string) error {
	spirv, err := compileSPIRV(wgsl)
	if err != nil {
		return err
	}

	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "rt_trace",
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return fmt.Errorf("create shader module: %w", err)
	}

	uniform := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
		}
	}
	storageRO := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
		}
	}
	storageRW := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}
	}

	bindLayout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "rt_trace_bgl",
		Entries: []gputypes.BindGroupLayoutEntry{
			uniform(slotCamera),
			uniform(slotParams),
			storageRO(slotPool),
			storageRW(slotImage),
		},
	})
	if err != nil {
		d.device.DestroyShaderModule(module)
		return fmt.Errorf("create bind group layout: %w", err)
	}

	pipelineLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "rt_trace_pl",
		BindGroupLayouts: []hal.BindGroupLayout{bindLayout},
	})
	if err != nil {
		d.device.DestroyBindGroupLayout(bindLayout)
		d.device.DestroyShaderModule(module)
		return fmt.Errorf("create pipeline layout: %w", err)
	}

	pipeline, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  "rt_trace",
		Layout: pipelineLayout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		d.device.DestroyPipelineLayout(pipelineLayout)
		d.device.DestroyBindGroupLayout(bindLayout)
		d.device.DestroyShaderModule(module)
		return fmt.Errorf("create compute pipeline: %w", err)
	}

	d.shaderModule = module
	d.bindLayout = bindLayout
	d.pipelineLayout = pipelineLayout
	d.pipeline = pipeline
	return nil
}

// compileSPIRV compiles WGSL source to SPIR-V words for the Vulkan path.
func compileSPIRV(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// ShaderGroupHandle returns a stable 32-byte identifier for one stage.
// The emulated pipeline has no driver-issued handles, so identifiers
// derive from the stage name. Callers treat them as opaque.
func (d *halDevice) ShaderGroupHandle(g engine.ShaderGroup) []byte {
	sum := sha256.Sum256([]byte("rt/trace/" + g.String()))
	return sum[:]
}

// halEncoder records one submission. Bind groups built for dispatches
// stay alive until the submission completes or is discarded.
type halEncoder struct {
	dev        *halDevice
	enc        hal.CommandEncoder
	bindGroups []hal.BindGroup
	label      string
}

func (d *halDevice) NewEncoder(label string) (engine.Encoder, error) {
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	return &halEncoder{dev: d, enc: enc, label: label}, nil
}

func (e *halEncoder) CopyBuffer(src, dst engine.DeviceBuffer, srcOffset, dstOffset, size uint64) error {
	sb, ok := src.(*halBuffer)
	if !ok {
		return errors.New("copy from foreign buffer")
	}
	db, ok := dst.(*halBuffer)
	if !ok {
		return errors.New("copy to foreign buffer")
	}
	e.enc.CopyBufferToBuffer(sb.raw, db.raw, []hal.BufferCopy{{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}})
	return nil
}

// Barrier records nothing: the HAL orders buffer hazards between
// passes and copies within a submission.
func (e *halEncoder) Barrier() {}

func (e *halEncoder) Dispatch(binds []engine.Binding, groupsX, groupsY, groupsZ uint32) error {
	if e.dev.pipeline == nil {
		return errors.New("trace pipeline not initialized")
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(binds))
	for _, b := range binds {
		buf, ok := b.Buffer.(*halBuffer)
		if !ok {
			return errors.New("dispatch with foreign buffer")
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding: b.Binding,
			Resource: gputypes.BufferBinding{
				Buffer: buf.raw.NativeHandle(),
				Offset: 0,
				Size:   0, // 0 = entire buffer
			},
		})
	}

	bg, err := e.dev.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   e.label + "_bg",
		Layout:  e.dev.bindLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	e.bindGroups = append(e.bindGroups, bg)

	pass := e.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: e.label})
	pass.SetPipeline(e.dev.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(groupsX, groupsY, groupsZ)
	pass.End()
	return nil
}

func (e *halEncoder) Discard() {
	e.enc.DiscardEncoding()
	e.release()
}

func (e *halEncoder) release() {
	for _, bg := range e.bindGroups {
		e.dev.device.DestroyBindGroup(bg)
	}
	e.bindGroups = nil
}

// Submit finishes encoding, submits with a fence, and blocks until the
// GPU signals or the timeout elapses.
func (d *halDevice) Submit(enc engine.Encoder) error {
	e, ok := enc.(*halEncoder)
	if !ok {
		return errors.New("submit of foreign encoder")
	}
	defer e.release()

	cmdBuf, err := e.enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	signaled, err := d.device.Wait(fence, 1, fenceTimeout)
	if err != nil {
		return fmt.Errorf("wait for GPU: %w", err)
	}
	if !signaled {
		return fmt.Errorf("GPU timeout after %v", fenceTimeout)
	}
	return nil
}

// WaitIdle returns immediately: every submission blocks on its fence,
// so the queue holds no outstanding work between calls.
func (d *halDevice) WaitIdle() error { return nil }

// Destroy releases the pipeline, then the device and instance.
func (d *halDevice) Destroy() {
	if d.pipeline != nil {
		d.device.DestroyComputePipeline(d.pipeline)
		d.pipeline = nil
	}
	if d.pipelineLayout != nil {
		d.device.DestroyPipelineLayout(d.pipelineLayout)
		d.pipelineLayout = nil
	}
	if d.bindLayout != nil {
		d.device.DestroyBindGroupLayout(d.bindLayout)
		d.bindLayout = nil
	}
	if d.shaderModule != nil {
		d.device.DestroyShaderModule(d.shaderModule)
		d.shaderModule = nil
	}
	if d.device != nil {
		d.device.Destroy()
		d.device = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
	d.queue = nil
}
