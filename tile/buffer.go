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

package tile

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gotile/gotile/types/shapes"
)

// MemSpace is the memory space a buffer lives in.
type MemSpace int

const (
	// MemInvalid is the zero value, not a valid space.
	MemInvalid MemSpace = iota

	// MemGlobal is caller-owned device memory. Global buffers are the kernel's
	// parameters and outlive the launch.
	MemGlobal

	// MemShared is on-chip memory visible to all threads of one block, scoped to
	// one kernel invocation and subject to the target's shared-memory budget.
	MemShared

	// MemFragment is register storage holding tile-operation operands and
	// accumulators, partitioned across warps and lanes by the warp policy.
	MemFragment

	// MemLocal is per-thread private storage.
	MemLocal
)

// String implements fmt.Stringer.
func (s MemSpace) String() string {
	switch s {
	case MemGlobal:
		return "global"
	case MemShared:
		return "shared"
	case MemFragment:
		return "fragment"
	case MemLocal:
		return "local"
	}
	return fmt.Sprintf("MemSpace(%d)", int(s))
}

// OnChip returns whether the space is scoped to one kernel invocation and hence
// laid out and allocated by the lowering passes.
func (s MemSpace) OnChip() bool {
	return s == MemShared || s == MemFragment || s == MemLocal
}

// Buffer is one named storage declaration of a Kernel. Identity is the pointer;
// names are unique within a kernel and appear in diagnostics and emitted source.
//
// Every access to a buffer must resolve within its declared shape; the Validate
// pass checks this statically through the affine range of each index expression.
type Buffer struct {
	Name  string
	Space MemSpace

	owner *Kernel
	shape shapes.Shape
	index int

	layout Layout
	alloc  *Allocation
}

// Shape returns the buffer's logical shape. It implements shapes.HasShape.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// DType is a shortcut for Shape().DType.
func (b *Buffer) DType() dtypes.DType { return b.shape.DType }

// Index is the buffer's position in Kernel.Buffers, following declaration order.
func (b *Buffer) Index() int { return b.index }

// Layout returns the element-to-offset mapping attached by layout inference, or
// nil before that pass ran.
func (b *Buffer) Layout() Layout { return b.layout }

// SetLayout attaches the inferred layout. Called by the layout inference pass
// (and by tests); it does not re-validate consistency.
func (b *Buffer) SetLayout(l Layout) { b.layout = l }

// Allocation returns the physical placement attached by the buffer allocator, or
// nil before that pass ran. Only shared buffers are placed: globals are
// caller-owned, fragments and locals live in registers.
func (b *Buffer) Allocation() *Allocation { return b.alloc }

// SetAllocation attaches the allocator's placement.
func (b *Buffer) SetAllocation(a *Allocation) { b.alloc = a }

// String implements fmt.Stringer: "acc: fragment (Float32)[64 64]".
func (b *Buffer) String() string {
	return fmt.Sprintf("%s: %s %s", b.Name, b.Space, b.shape)
}

// Allocation is the physical placement the allocator assigned to an on-chip
// buffer: a byte offset within its memory space, and the number of copies kept
// alive for multi-buffering across pipeline stages.
type Allocation struct {
	// OffsetBytes of copy 0 within the memory space.
	OffsetBytes int
	// SlotBytes of one copy, already alignment-padded.
	SlotBytes int
	// Copies is 1 for single-buffered use, S for buffers cycled across an S-stage
	// pipeline.
	Copies int
}

// TotalBytes is the buffer's full footprint, all copies included.
func (a *Allocation) TotalBytes() int { return a.SlotBytes * a.Copies }

// SlotOffset returns the byte offset of one copy. slot must be in [0, Copies).
func (a *Allocation) SlotOffset(slot int) int { return a.OffsetBytes + slot*a.SlotBytes }

// String implements fmt.Stringer.
func (a *Allocation) String() string {
	if a.Copies == 1 {
		return fmt.Sprintf("@%d (%d bytes)", a.OffsetBytes, a.SlotBytes)
	}
	return fmt.Sprintf("@%d (%dx%d bytes)", a.OffsetBytes, a.Copies, a.SlotBytes)
}
