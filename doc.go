// Package rt provides a backend-agnostic hardware ray tracing core for Go.
//
// # Overview
//
// rt exposes a small resource-oriented API over GPU ray tracing: geometry
// upload, bottom- and top-level acceleration structure builds, shader
// binding table layout, and a synchronous trace dispatch that leaves its
// output in a host-readable pixel buffer. The same API is served by
// multiple backends; callers never branch on the vendor.
//
// # Quick Start
//
//	import (
//		"github.com/gogpu/rt"
//
//		_ "github.com/gogpu/rt/backend/native"
//		_ "github.com/gogpu/rt/backend/webgpu"
//	)
//
//	b := rt.New()
//	if !b.Initialize() {
//		// b is the stub backend; every call is a logged no-op.
//	}
//	defer b.Close()
//
//	geom := b.CreateGeometry(vertices, vertexCount, 12, indices, indexCount)
//	blas := b.CreateBLAS([]rt.GeometryHandle{geom}, 1)
//	tlas := b.CreateTLAS([]rt.Instance{{Transform: ident, BLAS: blas, Mask: 0xFF}}, 1)
//
//	b.TraceRays(tlas, 256, 256, cameraBytes, len(cameraBytes))
//	pixels := b.OutputPixels() // RGBA8, rows at b.RowPitchBytes()
//
// # Backends
//
// Two hardware backends ship with the module: webgpu (wgpu-native via
// cogentcore/webgpu) and native (Pure Go Vulkan via gogpu/wgpu). New probes
// them in priority order and falls back to a stub that logs and returns
// invalid handles, so New never returns nil and callers never crash on
// machines without a usable GPU.
//
// # Handles
//
// Resources are identified by integer handles starting at 1. Handle 0 is
// the invalid sentinel; destroyed ids are never reused, so a stale handle
// stays detectably stale for the lifetime of the backend.
//
// # Threading
//
// A backend instance is single-threaded. All methods must be called from
// one goroutine; the package-level registry is the only concurrency-safe
// surface.
package rt

// Version information
const (
	// Version is the current version of the library
	Version = "0.2.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 2

	// VersionPatch is the patch version
	VersionPatch = 0
)
