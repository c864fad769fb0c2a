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

package cudagen

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gotile/gotile/tile"
)

// binding is the C rendering of one kernel variable. Pinned bindings carry a
// known constant (unrolled pipeline steps) so addresses fold at emission.
type binding struct {
	c     string
	val   int
	fixed bool
}

// emitCtx scopes variable bindings and buffer rotation indices. Contexts are
// extended copy-on-write: each loop or unrolled step derives a child, so
// sibling scopes never see each other's bindings.
type emitCtx struct {
	vars  map[*tile.Var]binding
	slots map[*tile.Buffer]string
}

func (e *emitter) baseCtx() emitCtx {
	k := e.prog.Kernel
	return emitCtx{
		vars: map[*tile.Var]binding{
			k.BlockX: {c: "bx"},
			k.BlockY: {c: "by"},
		},
		slots: map[*tile.Buffer]string{},
	}
}

func (c emitCtx) child() emitCtx {
	vars := make(map[*tile.Var]binding, len(c.vars)+1)
	for v, b := range c.vars {
		vars[v] = b
	}
	slots := make(map[*tile.Buffer]string, len(c.slots))
	for b, s := range c.slots {
		slots[b] = s
	}
	return emitCtx{vars: vars, slots: slots}
}

// bind names v in a child context; pin fixes it to a compile-time constant.
func (c emitCtx) bind(v *tile.Var, name string) emitCtx {
	child := c.child()
	child.vars[v] = binding{c: name}
	return child
}

func (c emitCtx) pin(v *tile.Var, val int) emitCtx {
	child := c.child()
	child.vars[v] = binding{c: strconv.Itoa(val), val: val, fixed: true}
	return child
}

func (c emitCtx) binding(v *tile.Var) binding {
	b, ok := c.vars[v]
	if !ok {
		exceptions.Panicf("cudagen: variable %q (%s) not in scope at emission", v.Name, v.Kind)
	}
	return b
}

// renderExpr prints an affine expression as C, folding pinned variables into
// the constant.
func renderExpr(expr tile.Expr, ctx emitCtx) string {
	cst := expr.Const
	var sb strings.Builder
	for _, t := range expr.Terms {
		b := ctx.binding(t.Var)
		if b.fixed {
			cst += t.Coef * b.val
			continue
		}
		coef := t.Coef
		if sb.Len() > 0 {
			if coef < 0 {
				sb.WriteString(" - ")
				coef = -coef
			} else {
				sb.WriteString(" + ")
			}
		} else if coef < 0 {
			sb.WriteString("-")
			coef = -coef
		}
		if coef == 1 {
			sb.WriteString(b.c)
		} else {
			fmt.Fprintf(&sb, "%d * %s", coef, b.c)
		}
	}
	if sb.Len() == 0 {
		return strconv.Itoa(cst)
	}
	if cst > 0 {
		fmt.Fprintf(&sb, " + %d", cst)
	} else if cst < 0 {
		fmt.Fprintf(&sb, " - %d", -cst)
	}
	return sb.String()
}

// exprConst evaluates the expression when every variable it touches is pinned.
func exprConst(expr tile.Expr, ctx emitCtx) (int, bool) {
	total := expr.Const
	for _, t := range expr.Terms {
		b, ok := ctx.vars[t.Var]
		if !ok || !b.fixed {
			return 0, false
		}
		total += t.Coef * b.val
	}
	return total, true
}

// ctype maps a dtype to its CUDA C++ spelling.
func ctype(dt dtypes.DType) (string, error) {
	switch dt {
	case dtypes.Float16:
		return "__half", nil
	case dtypes.BFloat16:
		return "__nv_bfloat16", nil
	case dtypes.Float32:
		return "float", nil
	case dtypes.Float64:
		return "double", nil
	case dtypes.Int8:
		return "int8_t", nil
	case dtypes.Int16:
		return "int16_t", nil
	case dtypes.Int32:
		return "int32_t", nil
	case dtypes.Int64:
		return "int64_t", nil
	case dtypes.Uint8:
		return "uint8_t", nil
	case dtypes.Uint16:
		return "uint16_t", nil
	case dtypes.Uint32:
		return "uint32_t", nil
	case dtypes.Uint64:
		return "uint64_t", nil
	case dtypes.Bool:
		return "bool", nil
	}
	return "", errors.Errorf("cudagen: dtype %s has no CUDA rendering", dt)
}

// loadFloat widens an element lvalue to a float expression. Scalar bodies
// compute in float32 regardless of operand dtype.
func loadFloat(elem string, dt dtypes.DType) string {
	switch dt {
	case dtypes.Float16:
		return fmt.Sprintf("__half2float(%s)", elem)
	case dtypes.BFloat16:
		return fmt.Sprintf("__bfloat162float(%s)", elem)
	case dtypes.Float32:
		return elem
	default:
		return fmt.Sprintf("(float)(%s)", elem)
	}
}

// storeFromFloat narrows a float expression back to dt for a store.
func storeFromFloat(val string, dt dtypes.DType) (string, error) {
	switch dt {
	case dtypes.Float16:
		return fmt.Sprintf("__float2half(%s)", val), nil
	case dtypes.BFloat16:
		return fmt.Sprintf("__float2bfloat16(%s)", val), nil
	case dtypes.Float32:
		return val, nil
	}
	ct, err := ctype(dt)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s)(%s)", ct, val), nil
}

// castElem converts one element between dtypes. The half-width floats hop
// through float32, their exact carrier; everything else is a direct C cast,
// so integer narrowing never round-trips through floating point.
func castElem(elem string, from, to dtypes.DType) (string, error) {
	if from == to {
		return elem, nil
	}
	switch {
	case from == dtypes.Float16:
		return castElem(fmt.Sprintf("__half2float(%s)", elem), dtypes.Float32, to)
	case from == dtypes.BFloat16:
		return castElem(fmt.Sprintf("__bfloat162float(%s)", elem), dtypes.Float32, to)
	case to == dtypes.Float16:
		if from != dtypes.Float32 {
			elem = fmt.Sprintf("(float)(%s)", elem)
		}
		return fmt.Sprintf("__float2half(%s)", elem), nil
	case to == dtypes.BFloat16:
		if from != dtypes.Float32 {
			elem = fmt.Sprintf("(float)(%s)", elem)
		}
		return fmt.Sprintf("__float2bfloat16(%s)", elem), nil
	}
	ct, err := ctype(to)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s)(%s)", ct, elem), nil
}

// litFloat32 prints v as a C float literal. Infinities use math.h's INFINITY.
func litFloat32(v float64) string {
	if math.IsInf(v, 1) {
		return "INFINITY"
	}
	if math.IsInf(v, -1) {
		return "-INFINITY"
	}
	s := strconv.FormatFloat(float64(float32(v)), 'g', -1, 32)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s + "f"
}

// litForDType prints v as an initializer of dtype dt. Half literals are
// emitted bit-exact: the float64 is rounded to binary16 here, at build time,
// rather than trusting the device compiler's conversion.
func litForDType(v float64, dt dtypes.DType) (string, error) {
	switch dt {
	case dtypes.Float16:
		bits := float16.Fromfloat32(float32(v)).Bits()
		return fmt.Sprintf("__ushort_as_half((unsigned short)0x%04xU)", bits), nil
	case dtypes.BFloat16:
		return fmt.Sprintf("__float2bfloat16(%s)", litFloat32(v)), nil
	case dtypes.Float32:
		return litFloat32(v), nil
	case dtypes.Float64:
		if math.IsInf(v, 1) {
			return "INFINITY", nil
		}
		if math.IsInf(v, -1) {
			return "-INFINITY", nil
		}
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".e") {
			s += ".0"
		}
		return s, nil
	case dtypes.Bool:
		if v != 0 {
			return "true", nil
		}
		return "false", nil
	}
	if dt.IsInt() {
		if dt == dtypes.Uint64 {
			return strconv.FormatUint(uint64(v), 10), nil
		}
		return strconv.FormatInt(int64(v), 10), nil
	}
	return "", errors.Errorf("cudagen: no literal rendering of %v as %s", v, dt)
}

// renderScalar prints a scalar tree as a float-typed C expression. Element
// loads are resolved by the caller through load, which knows how the enclosing
// loop addresses each buffer. Select conditions over fully pinned expressions
// fold away.
func renderScalar(s tile.Scalar, ctx emitCtx, load func(tile.Load) (string, error)) (string, error) {
	switch node := s.(type) {
	case tile.Load:
		return load(node)
	case tile.ConstF:
		return litFloat32(node.Value), nil
	case tile.Bin:
		x, err := renderScalar(node.X, ctx, load)
		if err != nil {
			return "", err
		}
		y, err := renderScalar(node.Y, ctx, load)
		if err != nil {
			return "", err
		}
		switch node.Op {
		case tile.BinAdd:
			return fmt.Sprintf("(%s + %s)", x, y), nil
		case tile.BinSub:
			return fmt.Sprintf("(%s - %s)", x, y), nil
		case tile.BinMul:
			return fmt.Sprintf("(%s * %s)", x, y), nil
		case tile.BinDiv:
			return fmt.Sprintf("(%s / %s)", x, y), nil
		case tile.BinMax:
			return fmt.Sprintf("fmaxf(%s, %s)", x, y), nil
		case tile.BinMin:
			return fmt.Sprintf("fminf(%s, %s)", x, y), nil
		}
		return "", errors.Errorf("cudagen: binary operator %s not supported", node.Op)
	case tile.Un:
		x, err := renderScalar(node.X, ctx, load)
		if err != nil {
			return "", err
		}
		switch node.Op {
		case tile.UnNeg:
			return fmt.Sprintf("(-%s)", x), nil
		case tile.UnExp2:
			return fmt.Sprintf("exp2f(%s)", x), nil
		case tile.UnAbs:
			return fmt.Sprintf("fabsf(%s)", x), nil
		case tile.UnRcp:
			return fmt.Sprintf("(1.0f / %s)", x), nil
		}
		return "", errors.Errorf("cudagen: unary operator %s not supported", node.Op)
	case tile.Select:
		if x, ok := exprConst(node.Cond.X, ctx); ok {
			if y, ok := exprConst(node.Cond.Y, ctx); ok {
				if cmpHolds(node.Cond.Op, x, y) {
					return renderScalar(node.Then, ctx, load)
				}
				return renderScalar(node.Else, ctx, load)
			}
		}
		then, err := renderScalar(node.Then, ctx, load)
		if err != nil {
			return "", err
		}
		otherwise, err := renderScalar(node.Else, ctx, load)
		if err != nil {
			return "", err
		}
		cond := fmt.Sprintf("%s %s %s",
			renderExpr(node.Cond.X, ctx), node.Cond.Op, renderExpr(node.Cond.Y, ctx))
		return fmt.Sprintf("(%s ? %s : %s)", cond, then, otherwise), nil
	}
	return "", errors.Errorf("cudagen: scalar node %T not supported", s)
}

func cmpHolds(op tile.CmpOp, x, y int) bool {
	switch op {
	case tile.CmpLT:
		return x < y
	case tile.CmpLE:
		return x <= y
	case tile.CmpEQ:
		return x == y
	case tile.CmpNE:
		return x != y
	case tile.CmpGE:
		return x >= y
	case tile.CmpGT:
		return x > y
	}
	exceptions.Panicf("cudagen: comparison operator %v not supported", op)
	return false
}
