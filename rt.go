package rt

// BackendType identifies which hardware path a backend drives.
type BackendType int

// Backend type constants.
const (
	// BackendNone is reported by the stub backend.
	BackendNone BackendType = iota
	// BackendWebGPU is the wgpu-native backend (cogentcore/webgpu FFI).
	BackendWebGPU
	// BackendNative is the Pure Go Vulkan backend (gogpu/wgpu).
	BackendNative
)

// String returns the backend type name.
func (t BackendType) String() string {
	switch t {
	case BackendWebGPU:
		return "webgpu"
	case BackendNative:
		return "native"
	default:
		return "none"
	}
}

// GeometryHandle identifies an uploaded triangle geometry.
// The zero value is the invalid sentinel.
type GeometryHandle struct {
	// ID is the table key. Zero is invalid; ids are never reused.
	ID uint32

	ref any
}

// IsValid reports whether the handle was ever issued by a backend.
// It does not check liveness; a destroyed handle stays "valid" here
// and is rejected by the owning backend's table instead.
func (h GeometryHandle) IsValid() bool { return h.ID != 0 }

// Record returns the backend record cached at creation, or nil.
// The record is a non-owning pointer; backends validate by ID, never
// by dereferencing this.
func (h GeometryHandle) Record() any { return h.ref }

// NewGeometryHandle pairs a table id with the backend's record.
// Only backends call this.
func NewGeometryHandle(id uint32, record any) GeometryHandle {
	return GeometryHandle{ID: id, ref: record}
}

// BLASHandle identifies a bottom-level acceleration structure.
// The zero value is the invalid sentinel.
type BLASHandle struct {
	// ID is the table key. Zero is invalid; ids are never reused.
	ID uint32

	ref any
}

// IsValid reports whether the handle was ever issued by a backend.
func (h BLASHandle) IsValid() bool { return h.ID != 0 }

// Record returns the backend record cached at creation, or nil.
func (h BLASHandle) Record() any { return h.ref }

// NewBLASHandle pairs a table id with the backend's record.
// Only backends call this.
func NewBLASHandle(id uint32, record any) BLASHandle {
	return BLASHandle{ID: id, ref: record}
}

// TLASHandle identifies a top-level acceleration structure.
// The zero value is the invalid sentinel.
type TLASHandle struct {
	// ID is the table key. Zero is invalid; ids are never reused.
	ID uint32

	ref any
}

// IsValid reports whether the handle was ever issued by a backend.
func (h TLASHandle) IsValid() bool { return h.ID != 0 }

// Record returns the backend record cached at creation, or nil.
func (h TLASHandle) Record() any { return h.ref }

// NewTLASHandle pairs a table id with the backend's record.
// Only backends call this.
func NewTLASHandle(id uint32, record any) TLASHandle {
	return TLASHandle{ID: id, ref: record}
}

// Instance places one BLAS in a top-level acceleration structure.
type Instance struct {
	// Transform is the object-to-world matrix in column-major order,
	// the layout produced by go-gl/mathgl and GLSL. Backends transpose
	// to the row-major 3x4 layout the hardware consumes.
	Transform [16]float32

	// BLAS is the bottom-level structure this instance references.
	BLAS BLASHandle

	// InstanceID is an application-chosen 24-bit id visible to shaders.
	InstanceID uint32

	// Mask is the 8-bit visibility mask tested against each ray.
	// Zero makes the instance invisible to every ray.
	Mask uint8
}
