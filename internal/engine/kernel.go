// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package engine

import _ "embed"

// Embedded WGSL trace kernel. Backends compile it through their own
// shader path; the binding layout matches the bind* constants in
// dispatch.go.

//go:embed shaders/trace.wgsl
var kernelSource string

// KernelSource returns the trace kernel WGSL. Exposed for backend
// shader tooling and tests.
func KernelSource() string { return kernelSource }
