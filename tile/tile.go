/*
 *	Copyright 2025 The gotile Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tile defines the program model of the lowering engine: a Kernel owning
// buffers over explicit memory spaces, iteration domains, and a closed set of
// tile-granularity operations, plus the static error taxonomy every lowering pass
// reports with.
//
// A Kernel is built once through NewKernel and the KernelBuilder methods, frozen
// with Finish, and then handed read-only to the passes (layout inference, buffer
// allocation, pipeline scheduling, tile-op lowering, emission -- see the gotile
// root package). Passes attach derived metadata to the model (a Layout and an
// Allocation per on-chip buffer) but never change what the program computes.
//
// Builder methods panic (with github.com/gomlx/exceptions) on API misuse: adding
// ops after Finish, passing buffers of another kernel, non-positive extents.
// Everything that depends on the program's data -- shapes, layouts, budgets,
// schedules, policies -- is instead checked by the passes, which return one of the
// typed errors below (ShapeError, LayoutConflict, CapacityError, ScheduleError,
// PolicyError), deterministic and fail-fast.
package tile

import (
	"fmt"
)

// Kernel is the top-level unit of lowering: the buffers, iteration domains and
// tile operations of one device kernel, with the launch geometry fixed at
// construction time.
//
// A Kernel is immutable after KernelBuilder.Finish except for the metadata the
// passes attach (Buffer.SetLayout, Buffer.SetAllocation). It holds no state shared
// with other kernels, so independent kernels may be lowered concurrently.
type Kernel struct {
	// Name becomes the emitted kernel entry-point name. It must be a valid C
	// identifier.
	Name string

	// GridX and GridY are the block-grid dimensions; Threads is the thread count
	// per block. All fixed for the whole kernel.
	GridX, GridY int
	Threads      int

	// BlockX and BlockY are the block coordinate variables, usable in region
	// offsets and parallel bodies. Their extents are GridX and GridY.
	BlockX, BlockY *Var

	// Buffers in declaration order. Global buffers double as the kernel's
	// parameters, in this same order.
	Buffers []*Buffer

	// Ops is the top-level operation sequence, in program order. Pipelined ops
	// carry their body ops themselves.
	Ops []Op
}

// Buffer returns the buffer declared with the given name, or nil.
func (k *Kernel) Buffer(name string) *Buffer {
	for _, b := range k.Buffers {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// Globals returns the kernel parameters: the global buffers in declaration order.
func (k *Kernel) Globals() []*Buffer {
	globals := make([]*Buffer, 0, len(k.Buffers))
	for _, b := range k.Buffers {
		if b.Space == MemGlobal {
			globals = append(globals, b)
		}
	}
	return globals
}

// VisitOps calls visit for every operation in program order, descending into
// Pipelined bodies. encl is the enclosing Pipelined domain, nil at top level.
// Returning false stops the walk; VisitOps returns false iff it was stopped.
func (k *Kernel) VisitOps(visit func(op Op, encl *Pipelined) bool) bool {
	for _, op := range k.Ops {
		if !visit(op, nil) {
			return false
		}
		if pipelined, ok := op.(*Pipelined); ok {
			for _, inner := range pipelined.Body {
				if !visit(inner, pipelined) {
					return false
				}
			}
		}
	}
	return true
}

// NumOps counts all operations, including those inside Pipelined bodies.
func (k *Kernel) NumOps() (n int) {
	k.VisitOps(func(Op, *Pipelined) bool { n++; return true })
	return
}

// String implements fmt.Stringer with a one-line summary.
func (k *Kernel) String() string {
	return fmt.Sprintf("kernel %s: grid=%dx%d threads=%d buffers=%d ops=%d",
		k.Name, k.GridX, k.GridY, k.Threads, len(k.Buffers), k.NumOps())
}
