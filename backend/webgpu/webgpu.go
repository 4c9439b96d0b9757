//go:build !nogpu

// Package webgpu provides hardware ray tracing through wgpu-native via
// cogentcore/webgpu. It runs wherever wgpu-native does: Vulkan, Metal,
// and D3D12.
//
// Import this package to register the backend:
//
//	import _ "github.com/gogpu/rt/backend/webgpu"
package webgpu

import (
	"github.com/gogpu/rt"
	"github.com/gogpu/rt/internal/engine"
)

func init() {
	rt.Register(rt.NameWebGPU, func() rt.Backend { return NewBackend() })
}

// profile holds the DXR-flavored binding table and copy layout contract
// this backend honors. Output rows pad to the 256-byte placement
// alignment D3D12 requires.
var profile = engine.Profile{
	Type:              rt.BackendWebGPU,
	HandleSize:        32,
	HandleAlignment:   32,
	BaseAlignment:     64,
	RowPitchAlignment: 256,
}

// Backend traces through wgpu-native.
//
// Resource and trace operations come from the embedded engine; before
// Initialize succeeds they log a warning and return invalid results.
type Backend struct {
	*engine.Engine
}

// NewBackend returns an uninitialized backend. Most callers go through
// rt.New instead and let the probe order pick one.
func NewBackend() *Backend {
	return &Backend{Engine: engine.New(nil, profile)}
}

// Initialize brings up the device and the trace pipeline. It returns
// false when no usable adapter is present. Calling it again after
// success is a no-op returning true.
func (b *Backend) Initialize() bool {
	if b.Engine.Initialized() {
		return true
	}

	dev, err := openDevice()
	if err != nil {
		rt.Logger().Debug("rt: wgpu bring-up failed", "error", err)
		return false
	}

	eng := engine.New(dev, profile)
	if err := eng.Init(); err != nil {
		rt.Logger().Warn("rt: trace pipeline init failed",
			"backend", rt.NameWebGPU, "error", err)
		dev.Destroy()
		return false
	}
	b.Engine = eng
	return true
}

// IsSupported reports whether Initialize succeeded.
func (b *Backend) IsSupported() bool {
	return b.Engine.Initialized()
}

// BackendType identifies this backend.
func (b *Backend) BackendType() rt.BackendType {
	return rt.BackendWebGPU
}
