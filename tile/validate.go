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
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Validate statically checks a finished kernel: every region and index stays in
// bounds for all values of its variables (affine range analysis), operand shapes,
// dtypes and memory spaces fit each operation, and parallel bodies are race-free.
//
// It is the first pass of a lowering run. It fails fast: the first offending
// condition is returned as a wrapped *ShapeError (or *ScheduleError for a
// malformed domain) carrying the buffer and site identity.
func Validate(k *Kernel) error {
	v := validator{kernel: k}
	var err error
	k.VisitOps(func(op Op, encl *Pipelined) bool {
		err = v.checkOp(op, encl)
		return err == nil
	})
	if err != nil {
		return err
	}
	klog.V(1).Infof("tile: validated %s", k)
	return nil
}

type validator struct {
	kernel *Kernel
}

// scope returns the variables an op's expressions may reference: the block
// coordinates plus, inside a Pipelined body, its iterator.
func (v *validator) scope(encl *Pipelined) map[*Var]bool {
	scope := map[*Var]bool{
		v.kernel.BlockX: true,
		v.kernel.BlockY: true,
	}
	if encl != nil {
		scope[encl.Iter] = true
	}
	return scope
}

func (v *validator) checkOp(op Op, encl *Pipelined) error {
	scope := v.scope(encl)
	switch typed := op.(type) {
	case *Copy:
		return v.checkCopy(typed, scope)
	case *Fill:
		return v.checkFill(typed, scope)
	case *Gemm:
		return v.checkGemm(typed)
	case *Reduce:
		return v.checkReduce(typed)
	case *Parallel:
		return v.checkParallel(typed, scope)
	case *Pipelined:
		return v.checkPipelined(typed)
	}
	return errors.Errorf("unknown operation type %T at %s", op, op.Site())
}

func (v *validator) shapeErr(site Site, buf *Buffer, format string, args ...any) error {
	return errors.WithStack(&ShapeError{
		Buffer: buf,
		Site:   site,
		Detail: fmt.Sprintf(format, args...),
	})
}

// checkExprScope verifies every variable of e is visible at the op's site.
func (v *validator) checkExprScope(site Site, buf *Buffer, e Expr, scope map[*Var]bool) error {
	var bad *Var
	e.EachVar(func(varRef *Var) {
		if bad == nil && !scope[varRef] {
			bad = varRef
		}
	})
	if bad != nil {
		return v.shapeErr(site, buf, "index expression %q references variable %q not in scope", e, bad.Name)
	}
	return nil
}

// checkRegion verifies a region's extents and affine offsets stay inside the
// buffer's declared shape for every value of the variables.
func (v *validator) checkRegion(site Site, r Region, scope map[*Var]bool) error {
	dims := r.Buffer.shape.Dimensions
	for axis := range r.Extents {
		extent, dim := r.Extents[axis], dims[axis]
		if extent < 1 || extent > dim {
			return v.shapeErr(site, r.Buffer, "axis %d: extent %d outside dimension %d", axis, extent, dim)
		}
		if err := v.checkExprScope(site, r.Buffer, r.Offsets[axis], scope); err != nil {
			return err
		}
		lo, hi := r.Offsets[axis].Range()
		if lo < 0 || hi+extent > dim {
			return v.shapeErr(site, r.Buffer,
				"axis %d: offset %q spans [%d, %d], extent %d exceeds dimension %d",
				axis, r.Offsets[axis], lo, hi, extent, dim)
		}
	}
	return nil
}

func copyCompatible(a, b dtypes.DType) bool {
	if a == b {
		return true
	}
	return (a.IsFloat() && b.IsFloat()) || (a.IsInt() && b.IsInt())
}

func (v *validator) checkCopy(c *Copy, scope map[*Var]bool) error {
	if c.Src.Buffer == c.Dst.Buffer {
		return v.shapeErr(c.Site(), c.Src.Buffer, "copy source and destination are the same buffer")
	}
	if c.Src.Buffer.Space == MemGlobal && c.Dst.Buffer.Space == MemGlobal {
		return v.shapeErr(c.Site(), nil, "copy between two global buffers is not supported")
	}
	if err := v.checkRegion(c.Site(), c.Src, scope); err != nil {
		return err
	}
	if err := v.checkRegion(c.Site(), c.Dst, scope); err != nil {
		return err
	}
	if !copyCompatible(c.Src.Buffer.DType(), c.Dst.Buffer.DType()) {
		return v.shapeErr(c.Site(), nil, "no implicit conversion from %s (%s) to %s (%s)",
			c.Src.Buffer.Name, c.Src.Buffer.DType(), c.Dst.Buffer.Name, c.Dst.Buffer.DType())
	}
	srcExtents, dstExtents := c.Src.squeezedExtents(), c.Dst.squeezedExtents()
	if !slices.Equal(srcExtents, dstExtents) {
		return v.shapeErr(c.Site(), nil, "copy extents mismatch: source %v vs destination %v",
			c.Src.Extents, c.Dst.Extents)
	}
	return nil
}

func (v *validator) checkFill(f *Fill, scope map[*Var]bool) error {
	if f.Dst.Buffer.Space == MemGlobal {
		return v.shapeErr(f.Site(), f.Dst.Buffer, "fill of a global buffer is not supported")
	}
	if err := v.checkRegion(f.Site(), f.Dst, scope); err != nil {
		return err
	}
	if math.IsNaN(f.Value) {
		return v.shapeErr(f.Site(), f.Dst.Buffer, "fill value must not be NaN")
	}
	dtype := f.Dst.Buffer.DType()
	if dtype.IsInt() && (math.IsInf(f.Value, 0) || math.Trunc(f.Value) != f.Value) {
		return v.shapeErr(f.Site(), f.Dst.Buffer, "fill value %v is not representable in %s", f.Value, dtype)
	}
	return nil
}

var gemmInputDTypes = []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32}

func (v *validator) checkGemm(g *Gemm) error {
	site := g.Site()
	for _, operand := range []struct {
		buf  *Buffer
		role string
	}{{g.A, "A"}, {g.B, "B"}, {g.C, "C"}} {
		if operand.buf.shape.Rank() != 2 {
			return v.shapeErr(site, operand.buf, "gemm %s must be rank 2, got rank %d",
				operand.role, operand.buf.shape.Rank())
		}
	}
	if g.A.Space != MemShared && g.A.Space != MemFragment {
		return v.shapeErr(site, g.A, "gemm A must live in shared or fragment memory, not %s", g.A.Space)
	}
	if g.B.Space != MemShared {
		return v.shapeErr(site, g.B, "gemm B must live in shared memory, not %s", g.B.Space)
	}
	if g.C.Space != MemFragment {
		return v.shapeErr(site, g.C, "gemm accumulator C must live in fragment memory, not %s", g.C.Space)
	}
	if g.C == g.A || g.C == g.B {
		return v.shapeErr(site, g.C, "gemm accumulator may not alias an operand")
	}

	m, k := g.A.shape.Dimensions[0], g.A.shape.Dimensions[1]
	var n, bK int
	if g.TransposeB {
		n, bK = g.B.shape.Dimensions[0], g.B.shape.Dimensions[1]
	} else {
		bK, n = g.B.shape.Dimensions[0], g.B.shape.Dimensions[1]
	}
	if bK != k {
		return v.shapeErr(site, g.B, "gemm B contraction dim is %d, A requires K=%d (transpose_b=%v)",
			bK, k, g.TransposeB)
	}
	if err := g.C.shape.CheckDims(m, n); err != nil {
		return v.shapeErr(site, g.C, "gemm C must be [%d %d]: %v", m, n, err)
	}

	if g.A.DType() != g.B.DType() {
		return v.shapeErr(site, nil, "gemm operand dtypes differ: %s is %s, %s is %s",
			g.A.Name, g.A.DType(), g.B.Name, g.B.DType())
	}
	if !slices.Contains(gemmInputDTypes, g.A.DType()) {
		return v.shapeErr(site, g.A, "gemm inputs must be one of %v, got %s", gemmInputDTypes, g.A.DType())
	}
	if g.C.DType() != dtypes.Float32 {
		return v.shapeErr(site, g.C, "gemm accumulates in float32, C is %s", g.C.DType())
	}
	return nil
}

var reduceDTypes = []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32}

func (v *validator) checkReduce(r *Reduce) error {
	site := r.Site()
	if r.Kind != ReduceMax && r.Kind != ReduceSum {
		return v.shapeErr(site, nil, "unknown reduce kind %v", r.Kind)
	}
	rank := r.Src.shape.Rank()
	if rank < 1 {
		return v.shapeErr(site, r.Src, "reduce source must have rank >= 1")
	}
	if r.Axis < 0 || r.Axis >= rank {
		return v.shapeErr(site, r.Src, "reduce axis %d outside rank %d", r.Axis, rank)
	}
	if r.Src.Space != MemFragment || r.Dst.Space != MemFragment {
		return v.shapeErr(site, nil, "reduce operates on fragment buffers, got %s -> %s",
			r.Src.Space, r.Dst.Space)
	}
	want := slices.Delete(slices.Clone(r.Src.shape.Dimensions), r.Axis, r.Axis+1)
	if !slices.Equal(r.Dst.shape.Dimensions, want) {
		return v.shapeErr(site, r.Dst, "reduce of %s along axis %d needs destination shape %v, got %v",
			r.Src.Name, r.Axis, want, r.Dst.shape.Dimensions)
	}
	if r.Src.DType() != r.Dst.DType() {
		return v.shapeErr(site, nil, "reduce dtypes differ: %s is %s, %s is %s",
			r.Src.Name, r.Src.DType(), r.Dst.Name, r.Dst.DType())
	}
	if !slices.Contains(reduceDTypes, r.Src.DType()) {
		return v.shapeErr(site, r.Src, "reduce supports %v, got %s", reduceDTypes, r.Src.DType())
	}
	return nil
}

func (v *validator) checkParallel(p *Parallel, scope map[*Var]bool) error {
	site := p.Site()
	for _, axis := range p.Axes {
		scope[axis] = true
	}
	for _, assign := range p.Body {
		if assign.Dst.Space == MemGlobal {
			return v.shapeErr(site, assign.Dst,
				"parallel bodies write on-chip buffers only; use a copy to write out")
		}
		if err := v.checkIndex(site, assign.Dst, assign.Index, scope); err != nil {
			return err
		}
		// Race freedom: every axis must show up in the written index.
		for _, axis := range p.Axes {
			if !indexCovers(assign.Index, axis) {
				return v.shapeErr(site, assign.Dst,
					"write does not cover axis %s: distinct iterations would write the same element",
					axis.Name)
			}
		}
		// A shared destination is visible to every thread, so a body reading
		// it must read exactly the element it writes: any other element may
		// belong to a concurrent iteration.
		if assign.Dst.Space == MemShared {
			if err := v.checkSelfRead(site, assign); err != nil {
				return err
			}
		}
		if err := v.checkScalar(site, assign.Value, scope); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) checkSelfRead(site Site, assign Assign) error {
	var err error
	VisitScalar(assign.Value, func(node Scalar) {
		if err != nil {
			return
		}
		load, ok := node.(Load)
		if !ok || load.Buffer != assign.Dst {
			return
		}
		if !indexEqual(load.Index, assign.Index) {
			err = v.shapeErr(site, assign.Dst,
				"reads %s at a different element than it writes: distinct iterations race",
				assign.Dst.Name)
		}
	})
	return err
}

func indexEqual(a, b []Expr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// checkIndex verifies a full per-axis element index against the buffer's shape.
func (v *validator) checkIndex(site Site, buf *Buffer, index []Expr, scope map[*Var]bool) error {
	if len(index) != buf.shape.Rank() {
		return v.shapeErr(site, buf, "index has %d axes, buffer has rank %d", len(index), buf.shape.Rank())
	}
	for axis, e := range index {
		if err := v.checkExprScope(site, buf, e, scope); err != nil {
			return err
		}
		lo, hi := e.Range()
		if lo < 0 || hi >= buf.shape.Dimensions[axis] {
			return v.shapeErr(site, buf, "axis %d: index %q spans [%d, %d], dimension is %d",
				axis, e, lo, hi, buf.shape.Dimensions[axis])
		}
	}
	return nil
}

func indexCovers(index []Expr, v *Var) bool {
	for _, e := range index {
		for _, t := range e.Terms {
			if t.Var == v && t.Coef != 0 {
				return true
			}
		}
	}
	return false
}

func (v *validator) checkScalar(site Site, s Scalar, scope map[*Var]bool) error {
	var err error
	VisitScalar(s, func(node Scalar) {
		if err != nil {
			return
		}
		switch typed := node.(type) {
		case Load:
			err = v.checkIndex(site, typed.Buffer, typed.Index, scope)
		case ConstF:
			if math.IsNaN(typed.Value) {
				err = v.shapeErr(site, nil, "NaN literal in elementwise body")
			}
		case Bin:
			if typed.Op <= BinInvalid || typed.Op > BinMin {
				err = v.shapeErr(site, nil, "invalid binary operator %v", typed.Op)
			}
		case Un:
			if typed.Op <= UnInvalid || typed.Op > UnRcp {
				err = v.shapeErr(site, nil, "invalid unary operator %v", typed.Op)
			}
		case Select:
			if typed.Cond.Op <= CmpInvalid || typed.Cond.Op > CmpGT {
				err = v.shapeErr(site, nil, "invalid comparison operator %v", typed.Cond.Op)
				return
			}
			if scopeErr := v.checkExprScope(site, nil, typed.Cond.X, scope); scopeErr != nil {
				err = scopeErr
				return
			}
			err = v.checkExprScope(site, nil, typed.Cond.Y, scope)
		}
	})
	return err
}

func (v *validator) checkPipelined(p *Pipelined) error {
	for _, inner := range p.Body {
		if inner.Type() == OpTypePipelined {
			return errors.WithStack(&ScheduleError{
				Site:   inner.Site(),
				Detail: "pipelined domains cannot nest",
			})
		}
	}
	return nil
}
