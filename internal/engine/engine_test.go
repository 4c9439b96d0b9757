// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"errors"
	"testing"

	"github.com/gogpu/rt"
)

// mockBuffer is a host-side allocation standing in for device memory.
type mockBuffer struct {
	label     string
	data      []byte
	usage     BufferUsage
	destroyed bool
}

func (b *mockBuffer) Size() uint64 { return uint64(len(b.data)) }

type mockDispatch struct {
	binds  []Binding
	groups [3]uint32
}

// mockDevice implements Device against host memory. Copies and
// dispatches recorded on an encoder apply when the encoder submits,
// and every create/destroy/submit lands in the event list so tests
// can assert ordering.
type mockDevice struct {
	buffers    []*mockBuffer
	events     []string
	dispatches []mockDispatch
	submits    int
	destroyed  bool

	pipelineWGSL string
	handleLen    int // 0 means the profile's 32

	failCreate   string // exact label that refuses to allocate
	failPipeline bool
	failEncoder  bool
	failSubmit   bool
}

func (d *mockDevice) Name() string { return "mock" }

func (d *mockDevice) CreateBuffer(label string, size uint64, usage BufferUsage) (DeviceBuffer, error) {
	if d.failCreate != "" && label == d.failCreate {
		return nil, errors.New("mock: create refused")
	}
	b := &mockBuffer{label: label, data: make([]byte, size), usage: usage}
	d.buffers = append(d.buffers, b)
	d.events = append(d.events, "create "+label)
	return b, nil
}

func (d *mockDevice) DestroyBuffer(buf DeviceBuffer) {
	if buf == nil {
		return
	}
	b := buf.(*mockBuffer)
	b.destroyed = true
	d.events = append(d.events, "destroy "+b.label)
}

func (d *mockDevice) WriteBuffer(dst DeviceBuffer, offset uint64, data []byte) {
	b := dst.(*mockBuffer)
	copy(b.data[offset:], data)
}

func (d *mockDevice) ReadBuffer(src DeviceBuffer, offset uint64, dst []byte) error {
	b := src.(*mockBuffer)
	copy(dst, b.data[offset:])
	return nil
}

func (d *mockDevice) CreatePipeline(wgsl string) error {
	if d.failPipeline {
		return errors.New("mock: pipeline refused")
	}
	d.pipelineWGSL = wgsl
	return nil
}

func (d *mockDevice) ShaderGroupHandle(g ShaderGroup) []byte {
	n := d.handleLen
	if n == 0 {
		n = 32
	}
	id := make([]byte, n)
	for i := range id {
		id[i] = byte(g) + 1
	}
	return id
}

func (d *mockDevice) NewEncoder(label string) (Encoder, error) {
	if d.failEncoder {
		return nil, errors.New("mock: encoder refused")
	}
	return &mockEncoder{dev: d, label: label}, nil
}

func (d *mockDevice) Submit(enc Encoder) error {
	e := enc.(*mockEncoder)
	if d.failSubmit {
		return errors.New("mock: submit refused")
	}
	for _, op := range e.ops {
		op()
	}
	d.submits++
	d.events = append(d.events, "submit "+e.label)
	return nil
}

func (d *mockDevice) WaitIdle() error {
	d.events = append(d.events, "wait-idle")
	return nil
}

func (d *mockDevice) Destroy() {
	d.destroyed = true
	d.events = append(d.events, "destroy-device")
}

// liveBuffers counts allocations not yet destroyed.
func (d *mockDevice) liveBuffers() int {
	n := 0
	for _, b := range d.buffers {
		if !b.destroyed {
			n++
		}
	}
	return n
}

// byLabel returns the most recent live buffer with the given label.
func (d *mockDevice) byLabel(label string) *mockBuffer {
	for i := len(d.buffers) - 1; i >= 0; i-- {
		if d.buffers[i].label == label && !d.buffers[i].destroyed {
			return d.buffers[i]
		}
	}
	return nil
}

func (d *mockDevice) countEvents(ev string) int {
	n := 0
	for _, e := range d.events {
		if e == ev {
			n++
		}
	}
	return n
}

type mockEncoder struct {
	dev       *mockDevice
	label     string
	ops       []func()
	discarded bool
}

func (e *mockEncoder) CopyBuffer(src, dst DeviceBuffer, srcOffset, dstOffset, size uint64) error {
	s := src.(*mockBuffer)
	d := dst.(*mockBuffer)
	e.ops = append(e.ops, func() {
		copy(d.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
	})
	return nil
}

func (e *mockEncoder) Barrier() {}

func (e *mockEncoder) Dispatch(binds []Binding, groupsX, groupsY, groupsZ uint32) error {
	cp := make([]Binding, len(binds))
	copy(cp, binds)
	e.ops = append(e.ops, func() {
		e.dev.dispatches = append(e.dev.dispatches, mockDispatch{
			binds:  cp,
			groups: [3]uint32{groupsX, groupsY, groupsZ},
		})
	})
	return nil
}

func (e *mockEncoder) Discard() { e.discarded = true }

func testProfile() Profile {
	return Profile{
		Type:              rt.BackendNative,
		HandleSize:        32,
		HandleAlignment:   32,
		BaseAlignment:     64,
		RowPitchAlignment: 256,
	}
}

func newTestEngine(t *testing.T) (*Engine, *mockDevice) {
	t.Helper()
	dev := &mockDevice{}
	e := New(dev, testProfile())
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e, dev
}

// unitTriangle is a single CCW triangle in the z=-1 plane.
var unitTriangle = []float32{
	-0.5, -0.5, -1,
	0.5, -0.5, -1,
	0, 0.5, -1,
}

func makeTriangle(t *testing.T, e *Engine) rt.GeometryHandle {
	t.Helper()
	h := e.CreateGeometry(unitTriangle, 3, 12, nil, 0)
	if !h.IsValid() {
		t.Fatal("CreateGeometry returned invalid handle")
	}
	return h
}

func makeBLAS(t *testing.T, e *Engine) rt.BLASHandle {
	t.Helper()
	g := makeTriangle(t, e)
	b := e.CreateBLAS([]rt.GeometryHandle{g}, 1)
	if !b.IsValid() {
		t.Fatal("CreateBLAS returned invalid handle")
	}
	return b
}

func identityInstance(b rt.BLASHandle) rt.Instance {
	var m [16]float32
	m[0], m[5], m[10], m[15] = 1, 1, 1, 1
	return rt.Instance{Transform: m, BLAS: b, InstanceID: 0, Mask: 0xFF}
}

func TestInitFailures(t *testing.T) {
	tests := []struct {
		name string
		dev  *mockDevice
	}{
		{"pipeline", &mockDevice{failPipeline: true}},
		{"pool", &mockDevice{failCreate: "rt-as-pool"}},
		{"camera", &mockDevice{failCreate: "rt-camera"}},
		{"params", &mockDevice{failCreate: "rt-params"}},
		{"sbt buffer", &mockDevice{failCreate: "rt-sbt"}},
		{"handle size", &mockDevice{handleLen: 16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(tt.dev, testProfile())
			if err := e.Init(); err == nil {
				t.Fatal("Init succeeded, want error")
			}
			if e.Initialized() {
				t.Error("engine reports initialized after failed Init")
			}
			if live := tt.dev.liveBuffers(); live != 0 {
				t.Errorf("failed Init leaked %d buffers", live)
			}
		})
	}
}

func TestInitInvalidProfile(t *testing.T) {
	e := New(&mockDevice{}, Profile{})
	if err := e.Init(); err == nil {
		t.Fatal("Init accepted a zero profile")
	}
}

func TestInitIdempotent(t *testing.T) {
	e, dev := newTestEngine(t)
	created := len(dev.buffers)
	if err := e.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if len(dev.buffers) != created {
		t.Errorf("second Init created %d more buffers", len(dev.buffers)-created)
	}
}

func TestOpsBeforeInit(t *testing.T) {
	e := New(&mockDevice{}, testProfile())

	if h := e.CreateGeometry(unitTriangle, 3, 12, nil, 0); h.IsValid() {
		t.Error("CreateGeometry succeeded before Init")
	}
	if h := e.CreateBLAS(nil, 1); h.IsValid() {
		t.Error("CreateBLAS succeeded before Init")
	}
	if h := e.CreateTLAS(nil, 1); h.IsValid() {
		t.Error("CreateTLAS succeeded before Init")
	}
	if e.UpdateTLAS(rt.TLASHandle{}, nil, 0) {
		t.Error("UpdateTLAS succeeded before Init")
	}
	if e.TraceRays(rt.TLASHandle{}, 4, 4, nil, 0) {
		t.Error("TraceRays succeeded before Init")
	}
	if px := e.OutputPixels(); px != nil {
		t.Error("OutputPixels non-nil before Init")
	}
	if p := e.RowPitchBytes(); p != 0 {
		t.Errorf("RowPitchBytes = %d before Init", p)
	}
	// Destroys must not panic.
	e.DestroyGeometry(rt.GeometryHandle{})
	e.DestroyBLAS(rt.BLASHandle{})
	e.DestroyTLAS(rt.TLASHandle{})
	e.Close()
}

func TestGeometryIDsMonotonic(t *testing.T) {
	e, _ := newTestEngine(t)

	h1 := makeTriangle(t, e)
	h2 := makeTriangle(t, e)
	h3 := makeTriangle(t, e)
	if h1.ID != 1 || h2.ID != 2 || h3.ID != 3 {
		t.Fatalf("ids = %d,%d,%d, want 1,2,3", h1.ID, h2.ID, h3.ID)
	}

	e.DestroyGeometry(h2)
	h4 := makeTriangle(t, e)
	if h4.ID != 4 {
		t.Errorf("id after destroy = %d, want 4 (ids never reuse)", h4.ID)
	}
}

func TestGeometryDestroy(t *testing.T) {
	e, dev := newTestEngine(t)
	base := dev.liveBuffers()

	idx := []uint32{0, 1, 2}
	h := e.CreateGeometry(unitTriangle, 3, 12, idx, 3)
	if !h.IsValid() {
		t.Fatal("indexed geometry rejected")
	}
	if got := dev.liveBuffers(); got != base+2 {
		t.Fatalf("geometry created %d buffers, want 2", got-base)
	}

	e.DestroyGeometry(h)
	if got := dev.liveBuffers(); got != base {
		t.Errorf("destroy left %d buffers live", got-base)
	}

	// Double destroy and stale handles log and do nothing.
	e.DestroyGeometry(h)
	e.DestroyGeometry(rt.GeometryHandle{})
	if got := dev.liveBuffers(); got != base {
		t.Errorf("redundant destroys changed live buffers to %d", got-base)
	}
}

func TestCreateGeometryValidation(t *testing.T) {
	e, dev := newTestEngine(t)
	base := dev.liveBuffers()

	tests := []struct {
		name     string
		vertices []float32
		vcount   int
		stride   int
		indices  []uint32
		icount   int
	}{
		{"nil vertices", nil, 3, 12, nil, 0},
		{"zero count", unitTriangle, 0, 12, nil, 0},
		{"stride below position", unitTriangle, 3, 8, nil, 0},
		{"unaligned stride", unitTriangle, 3, 13, nil, 0},
		{"short slice", unitTriangle, 4, 12, nil, 0},
		{"index count not triangles", unitTriangle, 3, 12, []uint32{0, 1}, 2},
		{"index slice too short", unitTriangle, 3, 12, []uint32{0, 1}, 3},
		{"index out of range", unitTriangle, 3, 12, []uint32{0, 1, 3}, 3},
		{"zero index count", unitTriangle, 3, 12, []uint32{0, 1, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := e.CreateGeometry(tt.vertices, tt.vcount, tt.stride, tt.indices, tt.icount)
			if h.IsValid() {
				t.Error("invalid input produced a valid handle")
			}
			if got := dev.liveBuffers(); got != base {
				t.Errorf("rejected create left %d buffers", got-base)
			}
		})
	}

	if len(e.geometries) != 0 {
		t.Errorf("rejected creates left %d table entries", len(e.geometries))
	}
}

func TestCreateGeometryWideStride(t *testing.T) {
	e, _ := newTestEngine(t)

	// Position plus a normal: 24-byte stride. Positions are the first
	// three floats of each vertex.
	verts := []float32{
		0, 0, -1, 9, 9, 9,
		1, 0, -1, 9, 9, 9,
		0, 1, -1, 9, 9, 9,
	}
	h := e.CreateGeometry(verts, 3, 24, nil, 0)
	if !h.IsValid() {
		t.Fatal("wide-stride geometry rejected")
	}

	rec := e.geometries[h.ID]
	want := []float32{0, 0, -1, 1, 0, -1, 0, 1, -1}
	for i, v := range want {
		if rec.positions[i] != v {
			t.Fatalf("positions[%d] = %v, want %v", i, rec.positions[i], v)
		}
	}
	// The whole vertex uploads, not just positions.
	if got := rec.vertexBuf.Size; got != 3*24 {
		t.Errorf("vertex buffer size = %d, want %d", got, 3*24)
	}
}

func TestBLASIDsMonotonic(t *testing.T) {
	e, _ := newTestEngine(t)

	b1 := makeBLAS(t, e)
	b2 := makeBLAS(t, e)
	if b1.ID != 1 || b2.ID != 2 {
		t.Fatalf("ids = %d,%d, want 1,2", b1.ID, b2.ID)
	}
	e.DestroyBLAS(b1)
	b3 := makeBLAS(t, e)
	if b3.ID != 3 {
		t.Errorf("id after destroy = %d, want 3", b3.ID)
	}
}

func TestCreateBLASValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	g := makeTriangle(t, e)

	if h := e.CreateBLAS([]rt.GeometryHandle{g}, 0); h.IsValid() {
		t.Error("zero count accepted")
	}
	if h := e.CreateBLAS([]rt.GeometryHandle{g}, 2); h.IsValid() {
		t.Error("count beyond slice accepted")
	}
	if h := e.CreateBLAS([]rt.GeometryHandle{{}}, 1); h.IsValid() {
		t.Error("invalid geometry handle accepted")
	}

	e.DestroyGeometry(g)
	if h := e.CreateBLAS([]rt.GeometryHandle{g}, 1); h.IsValid() {
		t.Error("stale geometry handle accepted")
	}
	if len(e.blases) != 0 {
		t.Errorf("rejected builds left %d table entries", len(e.blases))
	}
}

func TestCreateBLASFreesPoolOnFailedBuild(t *testing.T) {
	e, dev := newTestEngine(t)
	g := makeTriangle(t, e)

	dev.failSubmit = true
	used := e.pool.Used()
	if h := e.CreateBLAS([]rt.GeometryHandle{g}, 1); h.IsValid() {
		t.Fatal("build succeeded with failing submits")
	}
	if e.pool.Used() != used {
		t.Errorf("failed build leaked pool bytes: %d -> %d", used, e.pool.Used())
	}
	if len(e.blases) != 0 {
		t.Error("failed build left a table entry")
	}
}

func TestTLASIDsMonotonic(t *testing.T) {
	e, _ := newTestEngine(t)
	b := makeBLAS(t, e)
	inst := []rt.Instance{identityInstance(b)}

	t1 := e.CreateTLAS(inst, 1)
	t2 := e.CreateTLAS(inst, 1)
	if t1.ID != 1 || t2.ID != 2 {
		t.Fatalf("ids = %d,%d, want 1,2", t1.ID, t2.ID)
	}
	e.DestroyTLAS(t1)
	t3 := e.CreateTLAS(inst, 1)
	if t3.ID != 3 {
		t.Errorf("id after destroy = %d, want 3", t3.ID)
	}
}

func TestCreateTLASValidation(t *testing.T) {
	e, dev := newTestEngine(t)
	b := makeBLAS(t, e)
	inst := []rt.Instance{identityInstance(b)}

	if h := e.CreateTLAS(inst, 0); h.IsValid() {
		t.Error("zero count accepted")
	}
	if h := e.CreateTLAS(inst, 2); h.IsValid() {
		t.Error("count beyond slice accepted")
	}

	used := e.pool.Used()
	live := dev.liveBuffers()
	stale := []rt.Instance{identityInstance(rt.BLASHandle{})}
	if h := e.CreateTLAS(stale, 1); h.IsValid() {
		t.Error("invalid structure reference accepted")
	}
	if e.pool.Used() != used {
		t.Error("rejected build changed pool usage")
	}
	if dev.liveBuffers() != live {
		t.Error("rejected build leaked buffers")
	}
	if len(e.tlases) != 0 {
		t.Errorf("rejected builds left %d table entries", len(e.tlases))
	}
}

func TestDestroyTLAS(t *testing.T) {
	e, dev := newTestEngine(t)
	b := makeBLAS(t, e)

	used := e.pool.Used()
	live := dev.liveBuffers()
	h := e.CreateTLAS([]rt.Instance{identityInstance(b)}, 1)
	if !h.IsValid() {
		t.Fatal("CreateTLAS failed")
	}
	e.DestroyTLAS(h)

	if e.pool.Used() != used {
		t.Errorf("destroy did not return pool bytes: %d -> %d", used, e.pool.Used())
	}
	if dev.liveBuffers() != live {
		t.Error("destroy leaked the instance buffer")
	}
	e.DestroyTLAS(h) // no-op
}

func TestCloseDestructionOrder(t *testing.T) {
	e, dev := newTestEngine(t)
	b := makeBLAS(t, e)
	h := e.CreateTLAS([]rt.Instance{identityInstance(b)}, 1)
	if !e.TraceRays(h, 8, 8, nil, 0) {
		t.Fatal("TraceRays failed")
	}

	e.Close()

	idx := func(ev string) int {
		t.Helper()
		for i, got := range dev.events {
			if got == ev {
				return i
			}
		}
		t.Fatalf("event %q missing from %v", ev, dev.events)
		return -1
	}

	wait := idx("wait-idle")
	instances := idx("destroy rt-instances")
	vertices := idx("destroy rt-vertices")
	sbt := idx("destroy rt-sbt")
	output := idx("destroy rt-output")
	pool := idx("destroy rt-as-pool")
	device := idx("destroy-device")

	order := []int{wait, instances, vertices, sbt, output, pool, device}
	names := []string{"wait-idle", "instances", "vertices", "sbt", "output", "pool", "device"}
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Errorf("%s (=%d) should precede %s (=%d)",
				names[i-1], order[i-1], names[i], order[i])
		}
	}

	if dev.liveBuffers() != 0 {
		t.Errorf("Close left %d buffers live", dev.liveBuffers())
	}
	if !dev.destroyed {
		t.Error("Close did not destroy the device")
	}
	if e.Initialized() {
		t.Error("engine reports initialized after Close")
	}

	// Everything after Close is a logged no-op.
	if e.TraceRays(h, 8, 8, nil, 0) {
		t.Error("TraceRays succeeded after Close")
	}
	e.Close()
}
