// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package engine implements the backend-independent ray tracing core:
// resource tables, acceleration structure builds, shader binding table
// layout, and trace dispatch. Backends contribute a Device (the
// substrate commands run on) and a Profile (the vendor ABI constants);
// everything else is shared.
//
// The engine is single-threaded. Nothing here locks; callers serialize.
package engine
