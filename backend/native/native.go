//go:build !nogpu

// Package native provides hardware ray tracing on Vulkan through
// gogpu/wgpu's Pure Go HAL. No CGO, no driver SDK: shaders compile
// through gogpu/naga and submissions run on a standalone compute
// device.
//
// Import this package to register the backend:
//
//	import _ "github.com/gogpu/rt/backend/native"
package native

import (
	"github.com/gogpu/rt"
	"github.com/gogpu/rt/internal/engine"
)

func init() {
	rt.Register(rt.NameNative, func() rt.Backend { return NewBackend() })
}

// profile holds the KHR-flavored binding table and copy layout contract
// this backend honors. Rows read back tight; storage buffer writes have
// no 256-byte placement constraint.
var profile = engine.Profile{
	Type:              rt.BackendNative,
	HandleSize:        32,
	HandleAlignment:   32,
	BaseAlignment:     64,
	RowPitchAlignment: 4,
}

// Backend traces on a standalone Vulkan compute device.
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

// Initialize brings up the Vulkan device and the trace pipeline. It
// returns false when no usable adapter is present. Calling it again
// after success is a no-op returning true.
func (b *Backend) Initialize() bool {
	if b.Engine.Initialized() {
		return true
	}

	dev, err := openDevice()
	if err != nil {
		rt.Logger().Debug("rt: vulkan bring-up failed", "error", err)
		return false
	}

	eng := engine.New(dev, profile)
	if err := eng.Init(); err != nil {
		rt.Logger().Warn("rt: trace pipeline init failed",
			"backend", rt.NameNative, "error", err)
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
	return rt.BackendNative
}
