package rt

import "errors"

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when no registered backend
	// can bring up a device.
	ErrBackendNotAvailable = errors.New("rt: backend not available")

	// ErrNotInitialized is returned when operations run before Initialize.
	ErrNotInitialized = errors.New("rt: not initialized")

	// ErrDeviceLost is returned when the device stops responding to
	// fence waits.
	ErrDeviceLost = errors.New("rt: device lost")
)

// Backend name constants.
const (
	// NameWebGPU is the name of the wgpu-native backend (FFI).
	NameWebGPU = "webgpu"
	// NameNative is the name of the Pure Go Vulkan backend (gogpu/wgpu).
	NameNative = "native"
	// NameStub is the name of the always-available no-op backend.
	NameStub = "stub"
)

// Backend is the interface for ray tracing backends.
// It abstracts the vendor path, allowing the library to support
// multiple device APIs behind one resource model.
//
// Backends must be registered via Register() and are selected via
// New() or Get().
//
// A Backend instance is not safe for concurrent use. Creation,
// destruction, and tracing must all happen on one goroutine.
type Backend interface {
	// Initialize brings up the device, compiles the trace pipeline,
	// and lays out the shader binding table. It returns false when no
	// usable device exists; the backend then behaves like the stub.
	// Calling it again after success is a no-op returning true.
	Initialize() bool

	// IsSupported reports whether Initialize succeeded.
	IsSupported() bool

	// BackendType identifies the hardware path, BackendNone for the stub.
	BackendType() BackendType

	// CreateGeometry uploads vertex and optional index data and returns
	// a handle. vertexStride is in bytes and must be at least 12; the
	// position is read from the first 12 bytes of each vertex. indices,
	// when non-nil, must hold indexCount entries forming indexCount/3
	// triangles. Returns the invalid handle on failure.
	CreateGeometry(vertices []float32, vertexCount, vertexStride int, indices []uint32, indexCount int) GeometryHandle

	// DestroyGeometry releases the geometry's buffers and removes its
	// table entry. Stale or invalid handles log and do nothing.
	DestroyGeometry(h GeometryHandle)

	// CreateBLAS builds a bottom-level acceleration structure over the
	// given geometries and waits for the build to finish. A zero count
	// or any stale geometry handle fails with the invalid handle.
	CreateBLAS(geometries []GeometryHandle, count int) BLASHandle

	// DestroyBLAS releases the structure. The caller must ensure no
	// live TLAS still references it; instances holding a destroyed
	// BLAS trace against freed pool ranges.
	DestroyBLAS(h BLASHandle)

	// CreateTLAS builds a top-level acceleration structure over count
	// instances and waits for the build to finish. A zero count or any
	// stale BLAS reference fails with the invalid handle.
	CreateTLAS(instances []Instance, count int) TLASHandle

	// UpdateTLAS refits an existing structure in place with new
	// instance data. count must equal the count the TLAS was built
	// with; a mismatch logs and leaves the structure untouched.
	UpdateTLAS(h TLASHandle, instances []Instance, count int) bool

	// DestroyTLAS releases the structure and its instance buffer.
	DestroyTLAS(h TLASHandle)

	// TraceRays dispatches one ray per pixel of a width x height image
	// and blocks until the output is readable. uniforms, when non-nil,
	// is copied raw into the 128-byte camera block (two mat4: inverse
	// view then inverse projection). The output image is reallocated
	// only when width or height changes.
	TraceRays(tlas TLASHandle, width, height int, uniforms []byte, uniformSize int) bool

	// OutputPixels returns the readback image from the last TraceRays:
	// RGBA8 rows spaced RowPitchBytes apart. The slice is owned by the
	// backend and is valid until the next TraceRays or Close.
	OutputPixels() []byte

	// RowPitchBytes returns the byte distance between output rows.
	// It is at least width*4 and never elided even when equal.
	RowPitchBytes() int

	// Close waits for the device to go idle, then releases every live
	// resource: TLAS first, then BLAS, then geometry, then the
	// pipeline, binding table, and output buffers, then the device.
	Close()
}
