package rt

// stubBackend is the fallback when no hardware backend initializes.
// Every operation logs once at debug level and returns the invalid
// handle or false, so callers written against real hardware run
// unchanged on machines without it.
type stubBackend struct{}

// init registers the stub backend on package import.
func init() {
	Register(NameStub, func() Backend {
		return &stubBackend{}
	})
}

// NewStub returns the no-op backend. Useful for tests that need a
// Backend value without a device.
func NewStub() Backend {
	return &stubBackend{}
}

func (s *stubBackend) unavailable(op string) {
	Logger().Debug("rt: hardware ray tracing not available", "op", op)
}

// Initialize reports false: the stub never has hardware.
func (s *stubBackend) Initialize() bool {
	s.unavailable("Initialize")
	return false
}

// IsSupported reports false.
func (s *stubBackend) IsSupported() bool { return false }

// BackendType returns BackendNone.
func (s *stubBackend) BackendType() BackendType { return BackendNone }

// CreateGeometry returns the invalid handle.
func (s *stubBackend) CreateGeometry([]float32, int, int, []uint32, int) GeometryHandle {
	s.unavailable("CreateGeometry")
	return GeometryHandle{}
}

// DestroyGeometry does nothing.
func (s *stubBackend) DestroyGeometry(GeometryHandle) {
	s.unavailable("DestroyGeometry")
}

// CreateBLAS returns the invalid handle.
func (s *stubBackend) CreateBLAS([]GeometryHandle, int) BLASHandle {
	s.unavailable("CreateBLAS")
	return BLASHandle{}
}

// DestroyBLAS does nothing.
func (s *stubBackend) DestroyBLAS(BLASHandle) {
	s.unavailable("DestroyBLAS")
}

// CreateTLAS returns the invalid handle.
func (s *stubBackend) CreateTLAS([]Instance, int) TLASHandle {
	s.unavailable("CreateTLAS")
	return TLASHandle{}
}

// UpdateTLAS reports false.
func (s *stubBackend) UpdateTLAS(TLASHandle, []Instance, int) bool {
	s.unavailable("UpdateTLAS")
	return false
}

// DestroyTLAS does nothing.
func (s *stubBackend) DestroyTLAS(TLASHandle) {
	s.unavailable("DestroyTLAS")
}

// TraceRays reports false.
func (s *stubBackend) TraceRays(TLASHandle, int, int, []byte, int) bool {
	s.unavailable("TraceRays")
	return false
}

// OutputPixels returns nil.
func (s *stubBackend) OutputPixels() []byte { return nil }

// RowPitchBytes returns 0.
func (s *stubBackend) RowPitchBytes() int { return 0 }

// Close does nothing.
func (s *stubBackend) Close() {}
