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

// Package layout provides the concrete element-to-offset mappings a lowering
// run attaches to buffers, and the inference pass that picks one per buffer.
//
// A tile.Layout answers "physical element offset for logical index". Three
// providers live here:
//
//   - RowMajor: the default contiguous mapping.
//   - Swizzle: XORs low-order 16-byte chunks of each shared-memory row so the
//     warp-wide loads of a tile-GEMM hit distinct banks.
//   - Fragment: the per-thread register mapping of GEMM accumulators, 16x8
//     atoms partitioned across warps by the warp policy.
//
// Infer seeds requirements at GEMM sites (plus configuration overrides),
// propagates them to buffer declarations, and reports contradictions as
// tile.LayoutConflict. Buffers nobody constrains get RowMajor.
package layout

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"

	"github.com/gotile/gotile/tile"
	"github.com/gotile/gotile/types/shapes"
)

// RowMajor is the contiguous layout: the last axis varies fastest. It is the
// default for every buffer no operation constrains, and the only layout ever
// attached to global and local buffers.
type RowMajor struct {
	dims    []int
	strides []int
}

var _ tile.Layout = (*RowMajor)(nil)

// NewRowMajor returns the contiguous layout over the shape's dimensions.
func NewRowMajor(shape shapes.Shape) *RowMajor {
	return &RowMajor{dims: shape.Clone().Dimensions, strides: shape.Strides()}
}

// OffsetOf implements tile.Layout.
func (l *RowMajor) OffsetOf(index ...int) int {
	checkIndex(l, l.dims, index)
	offset := 0
	for axis, i := range index {
		offset += i * l.strides[axis]
	}
	return offset
}

// NumElements implements tile.Layout.
func (l *RowMajor) NumElements() int {
	n := 1
	for _, d := range l.dims {
		n *= d
	}
	return n
}

// Equal implements tile.Layout: any two row-major layouts over equal dimensions
// are interchangeable.
func (l *RowMajor) Equal(other tile.Layout) bool {
	o, ok := other.(*RowMajor)
	return ok && slices.Equal(l.dims, o.dims)
}

// String implements fmt.Stringer.
func (l *RowMajor) String() string {
	return fmt.Sprintf("row-major%v", l.dims)
}

// checkIndex panics on a malformed logical index: layouts are queried by
// lowering code that already validated bounds, so a violation is a bug.
func checkIndex(l tile.Layout, dims, index []int) {
	if len(index) != len(dims) {
		exceptions.Panicf("layout %s: OffsetOf got %d axes, want %d", l, len(index), len(dims))
	}
	for axis, i := range index {
		if i < 0 || i >= dims[axis] {
			exceptions.Panicf("layout %s: axis %d index %d outside [0, %d)", l, axis, i, dims[axis])
		}
	}
}
