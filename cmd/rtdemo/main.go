// Command rtdemo probes the ray tracing backends and renders a test
// frame.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/rt"
	_ "github.com/gogpu/rt/backend/native"
	_ "github.com/gogpu/rt/backend/webgpu"
)

func main() {
	var (
		width   = flag.Int("width", 512, "image width")
		height  = flag.Int("height", 512, "image height")
		output  = flag.String("output", "", "output PNG file (empty skips the file)")
		backend = flag.String("backend", "", "probe only this backend (webgpu, native)")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	rt.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	fmt.Printf("Registered backends: %s\n", strings.Join(rt.Available(), ", "))

	var opts []rt.Option
	if *backend != "" {
		opts = append(opts, rt.WithPriority(*backend))
	}
	b := rt.New(opts...)
	defer b.Close()

	if b.BackendType() == rt.BackendNone {
		fmt.Println("No hardware ray tracing device available.")
		return
	}
	fmt.Printf("Selected: %s\n", b.BackendType())

	vertices := []float32{
		-0.5, -0.5, -1,
		0.5, -0.5, -1,
		0, 0.5, -1,
	}
	geom := b.CreateGeometry(vertices, 3, 12, nil, 0)
	if !geom.IsValid() {
		log.Fatal("CreateGeometry failed")
	}
	blas := b.CreateBLAS([]rt.GeometryHandle{geom}, 1)
	if !blas.IsValid() {
		log.Fatal("CreateBLAS failed")
	}
	tlas := b.CreateTLAS([]rt.Instance{{
		Transform: [16]float32(mgl32.Ident4()),
		BLAS:      blas,
		Mask:      0xFF,
	}}, 1)
	if !tlas.IsValid() {
		log.Fatal("CreateTLAS failed")
	}

	view := mgl32.LookAtV(
		mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0})
	proj := mgl32.Perspective(mgl32.DegToRad(60), float32(*width)/float32(*height), 0.1, 100.0)
	camera := make([]byte, 128)
	for i, f := range view.Inv() {
		binary.LittleEndian.PutUint32(camera[i*4:], math.Float32bits(f))
	}
	for i, f := range proj.Inv() {
		binary.LittleEndian.PutUint32(camera[64+i*4:], math.Float32bits(f))
	}

	start := time.Now()
	if !b.TraceRays(tlas, *width, *height, camera, len(camera)) {
		log.Fatal("TraceRays failed")
	}
	elapsed := time.Since(start)

	rays := *width * *height
	fmt.Printf("Traced %d rays in %v (%.2f Mrays/s)\n",
		rays, elapsed.Round(time.Microsecond),
		float64(rays)/elapsed.Seconds()/1e6)

	if *output == "" {
		return
	}
	pitch := b.RowPitchBytes()
	pix := b.OutputPixels()
	img := image.NewRGBA(image.Rect(0, 0, *width, *height))
	for y := 0; y < *height; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+*width*4], pix[y*pitch:])
	}
	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("create output: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		log.Fatalf("encode PNG: %v", err)
	}
	log.Printf("Saved to %s (%dx%d)\n", *output, *width, *height)
}
