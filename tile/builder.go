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
	"regexp"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gotile/gotile/types/shapes"
	"k8s.io/klog/v2"
)

// KernelBuilder assembles a Kernel: declare buffers first, then append
// operations in program order, then Finish. It is the surface an external front
// end targets.
//
// Builder methods panic (github.com/gomlx/exceptions) on API misuse -- adding ops
// after Finish, foreign buffers, invalid identifiers, non-positive extents.
// Whether the assembled program is actually lowerable (shapes in bounds, layouts
// consistent, budgets respected) is checked by the passes, which return typed
// errors instead.
//
// The builder is not safe for concurrent use; build distinct kernels on distinct
// builders.
type KernelBuilder struct {
	kernel *Kernel
	open   *Pipelined // non-nil while inside a Pipelined body closure
	nextOp int
	done   bool

	iterNames map[string]bool
}

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewKernel starts building a kernel with the given launch geometry: a
// gridX x gridY grid of blocks, each with the given thread count. The geometry is
// fixed for the whole kernel. name becomes the emitted entry-point name.
func NewKernel(name string, gridX, gridY, threads int) *KernelBuilder {
	if !identifierRE.MatchString(name) {
		exceptions.Panicf("tile.NewKernel(%q): kernel name must be a valid identifier", name)
	}
	if gridX <= 0 || gridY <= 0 || threads <= 0 {
		exceptions.Panicf("tile.NewKernel(%q): grid %dx%d and threads %d must all be positive",
			name, gridX, gridY, threads)
	}
	k := &Kernel{
		Name:    name,
		GridX:   gridX,
		GridY:   gridY,
		Threads: threads,
		BlockX:  &Var{Kind: VarBlockX, Name: "bx", Extent: gridX},
		BlockY:  &Var{Kind: VarBlockY, Name: "by", Extent: gridY},
	}
	return &KernelBuilder{
		kernel:    k,
		iterNames: map[string]bool{"bx": true, "by": true},
	}
}

// BlockX returns the block x-coordinate variable, extent GridX.
func (kb *KernelBuilder) BlockX() *Var { return kb.kernel.BlockX }

// BlockY returns the block y-coordinate variable, extent GridY.
func (kb *KernelBuilder) BlockY() *Var { return kb.kernel.BlockY }

func (kb *KernelBuilder) assertBuilding(what string) {
	if kb.done {
		exceptions.Panicf("KernelBuilder(%q) already finished: cannot %s", kb.kernel.Name, what)
	}
}

func (kb *KernelBuilder) checkBuffer(b *Buffer, what string) {
	if b == nil {
		exceptions.Panicf("KernelBuilder(%q): %s: nil buffer", kb.kernel.Name, what)
	}
	if b.owner != kb.kernel {
		exceptions.Panicf("KernelBuilder(%q): %s: buffer %q belongs to another kernel", kb.kernel.Name, what, b.Name)
	}
}

func (kb *KernelBuilder) checkRegion(r Region, what string) {
	kb.checkBuffer(r.Buffer, what)
	if len(r.Offsets) != r.Buffer.shape.Rank() || len(r.Extents) != r.Buffer.shape.Rank() {
		exceptions.Panicf("KernelBuilder(%q): %s: region of %q has %d offsets and %d extents for rank %d",
			kb.kernel.Name, what, r.Buffer.Name, len(r.Offsets), len(r.Extents), r.Buffer.shape.Rank())
	}
}

func (kb *KernelBuilder) newSite(label string) Site {
	site := Site{Index: kb.nextOp, Label: label}
	kb.nextOp++
	return site
}

func (kb *KernelBuilder) append(op Op) {
	if kb.open != nil {
		kb.open.Body = append(kb.open.Body, op)
		return
	}
	kb.kernel.Ops = append(kb.kernel.Ops, op)
}

func (kb *KernelBuilder) newBuffer(name string, space MemSpace, dtype dtypes.DType, dims []int) *Buffer {
	kb.assertBuilding(fmt.Sprintf("declare buffer %q", name))
	if !identifierRE.MatchString(name) {
		exceptions.Panicf("KernelBuilder(%q): buffer name %q is not a valid identifier", kb.kernel.Name, name)
	}
	if kb.kernel.Buffer(name) != nil {
		exceptions.Panicf("KernelBuilder(%q): buffer %q declared twice", kb.kernel.Name, name)
	}
	b := &Buffer{
		Name:  name,
		Space: space,
		owner: kb.kernel,
		shape: shapes.Make(dtype, dims...),
		index: len(kb.kernel.Buffers),
	}
	kb.kernel.Buffers = append(kb.kernel.Buffers, b)
	return b
}

// Global declares a caller-owned global-memory buffer. Global buffers become the
// kernel's parameters, in declaration order.
func (kb *KernelBuilder) Global(name string, dtype dtypes.DType, dims ...int) *Buffer {
	return kb.newBuffer(name, MemGlobal, dtype, dims)
}

// Shared declares an on-chip shared-memory buffer, scoped to one block.
func (kb *KernelBuilder) Shared(name string, dtype dtypes.DType, dims ...int) *Buffer {
	return kb.newBuffer(name, MemShared, dtype, dims)
}

// Fragment declares a register-resident buffer partitioned across the block's
// warps: tile-op operands and accumulators.
func (kb *KernelBuilder) Fragment(name string, dtype dtypes.DType, dims ...int) *Buffer {
	return kb.newBuffer(name, MemFragment, dtype, dims)
}

// Local declares a per-thread private buffer.
func (kb *KernelBuilder) Local(name string, dtype dtypes.DType, dims ...int) *Buffer {
	return kb.newBuffer(name, MemLocal, dtype, dims)
}

// Copy appends a region-to-region copy. Inside a Pipelined body, a copy from a
// global to a shared buffer becomes part of the iteration's asynchronous issue
// phase.
func (kb *KernelBuilder) Copy(src, dst Region) *Copy {
	kb.assertBuilding("Copy")
	kb.checkRegion(src, "Copy source")
	kb.checkRegion(dst, "Copy destination")
	op := &Copy{Src: src, Dst: dst}
	op.site = kb.newSite(fmt.Sprintf("copy(%s -> %s)", src.Buffer.Name, dst.Buffer.Name))
	kb.append(op)
	return op
}

// Fill appends a constant fill of a region.
func (kb *KernelBuilder) Fill(dst Region, value float64) *Fill {
	kb.assertBuilding("Fill")
	kb.checkRegion(dst, "Fill destination")
	op := &Fill{Dst: dst, Value: value}
	op.site = kb.newSite(fmt.Sprintf("fill(%s)", dst.Buffer.Name))
	kb.append(op)
	return op
}

// Clear fills a whole buffer with zero.
func (kb *KernelBuilder) Clear(b *Buffer) *Fill {
	kb.assertBuilding("Clear")
	kb.checkBuffer(b, "Clear")
	return kb.Fill(b.Full(), 0)
}

// Gemm appends the tile matrix-multiply-accumulate c += a·b (or a·bᵀ). Pass
// WarpPolicyDefault to defer the warp partition to the configuration.
func (kb *KernelBuilder) Gemm(a, b, c *Buffer, transposeB bool, policy WarpPolicy) *Gemm {
	kb.assertBuilding("Gemm")
	kb.checkBuffer(a, "Gemm A")
	kb.checkBuffer(b, "Gemm B")
	kb.checkBuffer(c, "Gemm C")
	op := &Gemm{A: a, B: b, C: c, TransposeB: transposeB, Policy: policy}
	op.site = kb.newSite(fmt.Sprintf("gemm(%s x %s -> %s)", a.Name, b.Name, c.Name))
	kb.append(op)
	return op
}

// ReduceMax appends a running (accumulate=true) or fresh maximum reduction of src
// along axis into dst.
func (kb *KernelBuilder) ReduceMax(src, dst *Buffer, axis int, accumulate bool) *Reduce {
	return kb.reduce(ReduceMax, src, dst, axis, accumulate)
}

// ReduceSum appends a running (accumulate=true) or fresh sum reduction of src
// along axis into dst.
func (kb *KernelBuilder) ReduceSum(src, dst *Buffer, axis int, accumulate bool) *Reduce {
	return kb.reduce(ReduceSum, src, dst, axis, accumulate)
}

func (kb *KernelBuilder) reduce(kind ReduceKind, src, dst *Buffer, axis int, accumulate bool) *Reduce {
	kb.assertBuilding("Reduce")
	kb.checkBuffer(src, "Reduce source")
	kb.checkBuffer(dst, "Reduce destination")
	op := &Reduce{Src: src, Dst: dst, Axis: axis, Kind: kind, Accumulate: accumulate}
	op.site = kb.newSite(fmt.Sprintf("reduce_%s(%s -> %s)", kind, src.Name, dst.Name))
	kb.append(op)
	return op
}

// Parallel appends an order-independent elementwise domain over the given
// extents. body receives one axis variable per extent (named i0, i1, ...) and
// returns the assignments evaluated for every index of the domain. The
// assignments must be race-free across indices; Validate enforces that every
// axis appears in each destination index.
func (kb *KernelBuilder) Parallel(extents []int, body func(axes []*Var) []Assign) *Parallel {
	kb.assertBuilding("Parallel")
	if len(extents) == 0 {
		exceptions.Panicf("KernelBuilder(%q): Parallel needs at least one extent", kb.kernel.Name)
	}
	axes := make([]*Var, len(extents))
	for i, extent := range extents {
		if extent <= 0 {
			exceptions.Panicf("KernelBuilder(%q): Parallel extent %d is %d, must be positive",
				kb.kernel.Name, i, extent)
		}
		name := fmt.Sprintf("i%d", i)
		if kb.iterNames[name] {
			exceptions.Panicf("KernelBuilder(%q): Parallel axis name %q collides with an iterator; rename the loop iterator",
				kb.kernel.Name, name)
		}
		axes[i] = &Var{Kind: VarAxis, Name: name, Extent: extent}
	}
	op := &Parallel{Extents: extents, Axes: axes}
	op.site = kb.newSite(fmt.Sprintf("parallel(%v)", extents))
	op.Body = body(axes)
	if len(op.Body) == 0 {
		exceptions.Panicf("KernelBuilder(%q): Parallel body returned no assignments", kb.kernel.Name)
	}
	for _, assign := range op.Body {
		kb.checkBuffer(assign.Dst, "Parallel assignment destination")
	}
	kb.append(op)
	return op
}

// Pipelined appends an ordered loop domain: trip iterations of the operations
// added inside body, software-pipelined over the given stage count. stages == 0
// defers to Config.Stages; stages <= 1 runs sequentially. Pipelined domains do
// not nest.
func (kb *KernelBuilder) Pipelined(iterName string, trip, stages int, body func(iter *Var)) *Pipelined {
	kb.assertBuilding("Pipelined")
	if kb.open != nil {
		exceptions.Panicf("KernelBuilder(%q): Pipelined(%q) inside Pipelined(%q): pipelined domains cannot nest",
			kb.kernel.Name, iterName, kb.open.Iter.Name)
	}
	if !identifierRE.MatchString(iterName) {
		exceptions.Panicf("KernelBuilder(%q): Pipelined iterator name %q is not a valid identifier",
			kb.kernel.Name, iterName)
	}
	if kb.iterNames[iterName] {
		exceptions.Panicf("KernelBuilder(%q): iterator %q already in use", kb.kernel.Name, iterName)
	}
	if trip <= 0 {
		exceptions.Panicf("KernelBuilder(%q): Pipelined(%q) trip count %d must be positive",
			kb.kernel.Name, iterName, trip)
	}
	if stages < 0 {
		exceptions.Panicf("KernelBuilder(%q): Pipelined(%q) stage count %d must be >= 0",
			kb.kernel.Name, iterName, stages)
	}
	iter := &Var{Kind: VarIter, Name: iterName, Extent: trip}
	op := &Pipelined{Iter: iter, Trip: trip, Stages: stages}
	op.site = kb.newSite(fmt.Sprintf("pipelined(%s, trip=%d)", iterName, trip))
	kb.iterNames[iterName] = true
	kb.open = op
	body(iter)
	kb.open = nil
	if len(op.Body) == 0 {
		exceptions.Panicf("KernelBuilder(%q): Pipelined(%q) body added no operations", kb.kernel.Name, iterName)
	}
	kb.append(op)
	return op
}

// Finish freezes and returns the kernel. The builder must not be used afterwards.
func (kb *KernelBuilder) Finish() *Kernel {
	kb.assertBuilding("Finish")
	if kb.open != nil {
		exceptions.Panicf("KernelBuilder(%q): Finish called inside a Pipelined body", kb.kernel.Name)
	}
	if len(kb.kernel.Ops) == 0 {
		exceptions.Panicf("KernelBuilder(%q): kernel has no operations", kb.kernel.Name)
	}
	kb.done = true
	klog.V(1).Infof("tile: built %s", kb.kernel)
	return kb.kernel
}
