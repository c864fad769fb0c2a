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
	"math"
	"strings"

	"github.com/gomlx/exceptions"
)

var negInf = math.Inf(-1)

// Site identifies where an operation sits in its kernel: the construction sequence
// number and a short label. Every static error carries the Site of the offending
// operation, so callers can point back at the line of the front end that built it.
type Site struct {
	Index int
	Label string
}

// String implements fmt.Stringer, e.g. "op#3 gemm(q_s, k_s -> acc)". Sites with
// a negative index are synthesized by passes (configuration overrides) and print
// their label alone.
func (s Site) String() string {
	if s.Index < 0 {
		return s.Label
	}
	if s.Label == "" {
		return fmt.Sprintf("op#%d", s.Index)
	}
	return fmt.Sprintf("op#%d %s", s.Index, s.Label)
}

// Op is one tile-granularity operation of a Kernel. The implementation set is
// closed: Copy, Fill, Gemm, Reduce, Parallel and Pipelined, tagged by Type().
type Op interface {
	Type() OpType
	Site() Site

	// Reads and Writes list the buffers the operation reads and writes, in
	// operand order without duplicates. A Pipelined domain reports nothing
	// itself; its body ops do.
	Reads() []*Buffer
	Writes() []*Buffer

	String() string
}

// Compile-time check that all ops implement Op.
var (
	_ Op = (*Copy)(nil)
	_ Op = (*Fill)(nil)
	_ Op = (*Gemm)(nil)
	_ Op = (*Reduce)(nil)
	_ Op = (*Parallel)(nil)
	_ Op = (*Pipelined)(nil)
)

type opBase struct {
	site Site
}

func (o *opBase) Site() Site { return o.site }

// Region selects a rectangular window of a buffer: one affine offset per axis
// plus one static extent per axis.
type Region struct {
	Buffer  *Buffer
	Offsets []Expr
	Extents []int
}

// Full returns the region covering the whole buffer.
func (b *Buffer) Full() Region {
	rank := b.shape.Rank()
	r := Region{
		Buffer:  b,
		Offsets: make([]Expr, rank),
		Extents: make([]int, rank),
	}
	copy(r.Extents, b.shape.Dimensions)
	return r
}

// Slice returns the region of b starting at the given affine offsets with the
// given extents. It panics if the slice description doesn't match the buffer's
// rank or has non-positive extents; whether the region stays inside the buffer's
// shape for every value of the offset variables is checked by Validate.
func (b *Buffer) Slice(offsets []Expr, extents []int) Region {
	if len(offsets) != b.shape.Rank() || len(extents) != b.shape.Rank() {
		exceptions.Panicf("Buffer.Slice(%s): got %d offsets and %d extents for rank %d",
			b, len(offsets), len(extents), b.shape.Rank())
	}
	for axis, extent := range extents {
		if extent <= 0 {
			exceptions.Panicf("Buffer.Slice(%s): axis %d has non-positive extent %d", b, axis, extent)
		}
	}
	return Region{Buffer: b, Offsets: offsets, Extents: extents}
}

// Rank is the number of axes of the region (same as its buffer).
func (r Region) Rank() int { return len(r.Extents) }

// Size is the number of elements selected, the product of extents.
func (r Region) Size() int {
	size := 1
	for _, e := range r.Extents {
		size *= e
	}
	return size
}

// IsFull reports whether the region covers its whole buffer with zero offsets.
func (r Region) IsFull() bool {
	for axis, extent := range r.Extents {
		if extent != r.Buffer.shape.Dimensions[axis] {
			return false
		}
		if c, isConst := r.Offsets[axis].IsConst(); !isConst || c != 0 {
			return false
		}
	}
	return true
}

// squeezedExtents returns the extents with size-1 axes removed, for rank-loose
// extent comparison between copy endpoints.
func (r Region) squeezedExtents() []int {
	squeezed := make([]int, 0, len(r.Extents))
	for _, e := range r.Extents {
		if e != 1 {
			squeezed = append(squeezed, e)
		}
	}
	return squeezed
}

// String implements fmt.Stringer, e.g. "Q[64*by:+64, 0:+64]".
func (r Region) String() string {
	var b strings.Builder
	b.WriteString(r.Buffer.Name)
	b.WriteByte('[')
	for axis := range r.Extents {
		if axis > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s:+%d", r.Offsets[axis], r.Extents[axis])
	}
	b.WriteByte(']')
	return b.String()
}

// Copy moves a rectangular region between two buffers, casting elements when the
// dtypes differ. A copy with a global source and a shared destination inside a
// Pipelined domain is the issue phase of the software pipeline and is lowered to
// asynchronous loads; every other leg is synchronous.
type Copy struct {
	opBase
	Src, Dst Region
}

// Type implements Op.
func (*Copy) Type() OpType { return OpTypeCopy }

// AsyncLoad reports whether this copy can be issued asynchronously: global
// source, shared destination.
func (c *Copy) AsyncLoad() bool {
	return c.Src.Buffer.Space == MemGlobal && c.Dst.Buffer.Space == MemShared
}

// Reads implements Op.
func (c *Copy) Reads() []*Buffer { return []*Buffer{c.Src.Buffer} }

// Writes implements Op.
func (c *Copy) Writes() []*Buffer { return []*Buffer{c.Dst.Buffer} }

// String implements fmt.Stringer.
func (c *Copy) String() string {
	return fmt.Sprintf("copy(%s -> %s)", c.Src, c.Dst)
}

// Fill sets every element of a region to a constant. Value is carried as float64
// and converted to the destination dtype at emission; ±Inf is legal for floating
// destinations (e.g. the -inf seed of a running maximum).
type Fill struct {
	opBase
	Dst   Region
	Value float64
}

// Type implements Op.
func (*Fill) Type() OpType { return OpTypeFill }

// Reads implements Op.
func (f *Fill) Reads() []*Buffer { return nil }

// Writes implements Op.
func (f *Fill) Writes() []*Buffer { return []*Buffer{f.Dst.Buffer} }

// String implements fmt.Stringer.
func (f *Fill) String() string {
	return fmt.Sprintf("fill(%s, %v)", f.Dst, f.Value)
}

// Gemm is the tile matrix-multiply-accumulate C += A·B (or A·Bᵀ with TransposeB),
// accumulating at C's dtype and partitioned across the block's warps by Policy.
//
// Shapes: A is [M, K]; B is [K, N], or [N, K] with TransposeB; C is [M, N].
// A lives in shared or fragment memory, B in shared, C is a fragment accumulator.
type Gemm struct {
	opBase
	A, B, C    *Buffer
	TransposeB bool
	Policy     WarpPolicy
}

// Type implements Op.
func (*Gemm) Type() OpType { return OpTypeGemm }

// Dims returns the (M, N, K) extents of the multiply, taking TransposeB into
// account. Valid only after Validate accepted the operand shapes.
func (g *Gemm) Dims() (m, n, k int) {
	m = g.A.shape.Dimensions[0]
	k = g.A.shape.Dimensions[1]
	if g.TransposeB {
		n = g.B.shape.Dimensions[0]
	} else {
		n = g.B.shape.Dimensions[1]
	}
	return
}

// Reads implements Op. C is read too: the op accumulates.
func (g *Gemm) Reads() []*Buffer { return []*Buffer{g.A, g.B, g.C} }

// Writes implements Op.
func (g *Gemm) Writes() []*Buffer { return []*Buffer{g.C} }

// String implements fmt.Stringer.
func (g *Gemm) String() string {
	b := g.B.Name
	if g.TransposeB {
		b += "ᵀ"
	}
	return fmt.Sprintf("gemm(%s x %s -> %s, %s)", g.A.Name, b, g.C.Name, g.Policy)
}

// ReduceKind enumerates the reduction combiners.
type ReduceKind int

const (
	ReduceInvalid ReduceKind = iota
	ReduceMax
	ReduceSum
)

// String implements fmt.Stringer.
func (k ReduceKind) String() string {
	switch k {
	case ReduceMax:
		return "max"
	case ReduceSum:
		return "sum"
	}
	return fmt.Sprintf("ReduceKind(%d)", int(k))
}

// Identity returns the combiner's identity element (-Inf for max, 0 for sum).
func (k ReduceKind) Identity() float64 {
	if k == ReduceMax {
		return negInf
	}
	return 0
}

// Reduce folds Src along one axis into Dst, whose shape is Src's with Axis
// removed. With Accumulate the result combines with Dst's current contents
// instead of overwriting it -- the running max/sum of a blockwise-streaming
// kernel. The lane-tree combination order is fixed, so results are reproducible
// run to run.
type Reduce struct {
	opBase
	Src, Dst   *Buffer
	Axis       int
	Kind       ReduceKind
	Accumulate bool
}

// Type implements Op.
func (*Reduce) Type() OpType { return OpTypeReduce }

// Reads implements Op.
func (r *Reduce) Reads() []*Buffer {
	if r.Accumulate {
		return []*Buffer{r.Src, r.Dst}
	}
	return []*Buffer{r.Src}
}

// Writes implements Op.
func (r *Reduce) Writes() []*Buffer { return []*Buffer{r.Dst} }

// String implements fmt.Stringer.
func (r *Reduce) String() string {
	acc := ""
	if r.Accumulate {
		acc = ", accumulate"
	}
	return fmt.Sprintf("reduce_%s(%s, axis=%d -> %s%s)", r.Kind, r.Src.Name, r.Axis, r.Dst.Name, acc)
}

// Parallel is an order-independent elementwise domain: for every index of
// Extents, evaluate the Body assignments in order. Iterations must be race-free
// -- no two domain indices may write the same element -- which Validate enforces
// by requiring every axis to appear in each assignment's destination index.
type Parallel struct {
	opBase
	Extents []int
	Axes    []*Var
	Body    []Assign
}

// Type implements Op.
func (*Parallel) Type() OpType { return OpTypeParallel }

// Reads implements Op.
func (p *Parallel) Reads() []*Buffer {
	var reads []*Buffer
	seen := map[*Buffer]bool{}
	for _, assign := range p.Body {
		VisitScalar(assign.Value, func(s Scalar) {
			if load, ok := s.(Load); ok && !seen[load.Buffer] {
				seen[load.Buffer] = true
				reads = append(reads, load.Buffer)
			}
		})
	}
	return reads
}

// Writes implements Op.
func (p *Parallel) Writes() []*Buffer {
	var writes []*Buffer
	seen := map[*Buffer]bool{}
	for _, assign := range p.Body {
		if !seen[assign.Dst] {
			seen[assign.Dst] = true
			writes = append(writes, assign.Dst)
		}
	}
	return writes
}

// String implements fmt.Stringer.
func (p *Parallel) String() string {
	extents := make([]string, len(p.Extents))
	for i, e := range p.Extents {
		extents[i] = fmt.Sprintf("%d", e)
	}
	return fmt.Sprintf("parallel(%s: %d assigns)", strings.Join(extents, "x"), len(p.Body))
}

// Pipelined is the ordered loop domain software pipelining applies to: Trip
// iterations of Body, with up to Stages-1 iterations' issue phases kept in
// flight ahead of compute. Stages <= 1 runs the loop sequentially; Stages == 0
// defers to the configured default stage count.
type Pipelined struct {
	opBase
	Iter   *Var
	Trip   int
	Stages int
	Body   []Op
}

// Type implements Op.
func (*Pipelined) Type() OpType { return OpTypePipelined }

// Reads implements Op. The domain itself touches nothing; its body ops do.
func (p *Pipelined) Reads() []*Buffer { return nil }

// Writes implements Op.
func (p *Pipelined) Writes() []*Buffer { return nil }

// String implements fmt.Stringer.
func (p *Pipelined) String() string {
	return fmt.Sprintf("pipelined(%s: trip=%d, stages=%d, %d ops)", p.Iter.Name, p.Trip, p.Stages, len(p.Body))
}
