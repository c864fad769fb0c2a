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

package layout

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/gotile/gotile/tile"
	"github.com/gotile/gotile/types"
	"github.com/gotile/gotile/types/shapes"
)

// chunkBytes is the swizzle granule: one 16-byte shared-memory access, the unit
// warp-wide ldmatrix loads move.
const chunkBytes = 16

// Orientation selects which access pattern a swizzle protects, after the two
// shared-memory multiplicand arrangements of tensor-core GEMMs.
type Orientation int

const (
	// Congruous protects operands whose contraction axis is the contiguous one:
	// GEMM A ([M, K] row-major) and B declared transposed ([N, K]).
	Congruous Orientation = iota

	// Crosswise protects operands walked across rows, contraction axis strided:
	// GEMM B without transpose ([K, N]).
	Crosswise
)

// String implements fmt.Stringer.
func (o Orientation) String() string {
	switch o {
	case Congruous:
		return "congruous"
	case Crosswise:
		return "crosswise"
	}
	return fmt.Sprintf("Orientation(%d)", int(o))
}

// Swizzle is the bank-conflict-avoiding shared-memory layout: within each row,
// the 16-byte chunks are XOR-permuted by a phase derived from the row index, so
// the rows a warp touches in one load land on distinct banks. The mapping is a
// bijection per row (XOR by a constant below the chunk count), hence over the
// whole index space.
type Swizzle struct {
	dims    []int
	strides []int
	orient  Orientation

	elemSize      int // bytes per element
	elemsPerChunk int
	chunksPerRow  int
	phase         int // distinct XOR patterns, power of two, <= chunksPerRow
}

var _ tile.Layout = (*Swizzle)(nil)

// NewSwizzle derives the canonical swizzle for a shared tile of the given shape
// and element width. It fails (and the caller keeps row-major) when the rows
// cannot be cut into a power-of-two number of 16-byte chunks, or when a row is a
// single chunk and permuting would be the identity.
func NewSwizzle(shape shapes.Shape, orient Orientation) (*Swizzle, error) {
	if shape.Rank() < 1 {
		return nil, errors.Errorf("cannot swizzle a scalar buffer")
	}
	elemSize := shape.DType.Size()
	width := shape.Dim(-1)
	rowBytes := width * elemSize
	if rowBytes%chunkBytes != 0 {
		return nil, errors.Errorf("row of %d bytes is not a multiple of the %d-byte chunk", rowBytes, chunkBytes)
	}
	chunksPerRow := rowBytes / chunkBytes
	if chunksPerRow == 1 {
		return nil, errors.Errorf("single-chunk rows cannot be permuted")
	}
	if !types.IsPowerOfTwo(chunksPerRow) {
		return nil, errors.Errorf("%d chunks per row is not a power of two", chunksPerRow)
	}
	return &Swizzle{
		dims:          shape.Clone().Dimensions,
		strides:       shape.Strides(),
		orient:        orient,
		elemSize:      elemSize,
		elemsPerChunk: chunkBytes / elemSize,
		chunksPerRow:  chunksPerRow,
		phase:         min(chunksPerRow, 8),
	}, nil
}

// OffsetOf implements tile.Layout.
func (l *Swizzle) OffsetOf(index ...int) int {
	checkIndex(l, l.dims, index)
	linear := 0
	for axis, i := range index {
		linear += i * l.strides[axis]
	}
	width := l.dims[len(l.dims)-1]
	row, col := linear/width, linear%width
	chunk, within := col/l.elemsPerChunk, col%l.elemsPerChunk
	pattern := row
	if l.orient == Crosswise {
		pattern = row / 2
	}
	chunk ^= pattern % l.phase
	return row*width + chunk*l.elemsPerChunk + within
}

// NumElements implements tile.Layout.
func (l *Swizzle) NumElements() int {
	n := 1
	for _, d := range l.dims {
		n *= d
	}
	return n
}

// Equal implements tile.Layout.
func (l *Swizzle) Equal(other tile.Layout) bool {
	o, ok := other.(*Swizzle)
	return ok && l.orient == o.orient && l.elemSize == o.elemSize && slices.Equal(l.dims, o.dims)
}

// String implements fmt.Stringer, e.g. "swizzle(congruous, phase=8)[64 64]".
func (l *Swizzle) String() string {
	return fmt.Sprintf("swizzle(%s, phase=%d)%v", l.orient, l.phase, l.dims)
}

// Orientation reports which GEMM access pattern the swizzle was derived for.
func (l *Swizzle) Orientation() Orientation { return l.orient }

// ElemsPerChunk is the number of elements in one 16-byte chunk.
func (l *Swizzle) ElemsPerChunk() int { return l.elemsPerChunk }

// ChunksPerRow is the number of 16-byte chunks in one row.
func (l *Swizzle) ChunksPerRow() int { return l.chunksPerRow }

// Phase is the number of distinct XOR patterns (the pattern of row r is
// r mod Phase, or r/2 mod Phase for crosswise operands).
func (l *Swizzle) Phase() int { return l.phase }
