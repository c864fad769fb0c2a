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
	"strings"
)

// Scalar is one node of an elementwise value expression: the closed tree a
// Parallel operation evaluates for each index of its domain. The node set is
// fixed -- element loads at affine indices, float literals, binary and unary
// arithmetic, and affine-condition selects -- enough to express masking, scaling
// and normalization bodies without open-ended user code.
//
// Scalars are pure: evaluation order inside one body assignment is not
// observable, and lowering computes them in float32 before casting to the
// destination dtype on store.
type Scalar interface {
	isScalar()
	String() string
}

// Load reads one element of a buffer at an affine index (one Expr per axis).
type Load struct {
	Buffer *Buffer
	Index  []Expr
}

// LoadOf builds a Load of b at the given per-axis index expressions.
func LoadOf(b *Buffer, index ...Expr) Load {
	return Load{Buffer: b, Index: index}
}

func (Load) isScalar() {}

// String implements fmt.Stringer, e.g. "scores[i0, i1]".
func (l Load) String() string {
	return fmt.Sprintf("%s[%s]", l.Buffer.Name, joinExprs(l.Index))
}

// ConstF is a floating-point literal. ±Inf is allowed (emitted as the target's
// infinity); NaN is rejected by validation.
type ConstF struct {
	Value float64
}

// F builds the literal v.
func F(v float64) ConstF { return ConstF{Value: v} }

func (ConstF) isScalar() {}

// String implements fmt.Stringer.
func (c ConstF) String() string { return fmt.Sprintf("%v", c.Value) }

// BinOp enumerates the binary scalar operators.
type BinOp int

const (
	BinInvalid BinOp = iota
	BinAdd
	BinSub
	BinMul
	BinDiv
	BinMax
	BinMin
)

// String implements fmt.Stringer.
func (op BinOp) String() string {
	switch op {
	case BinAdd:
		return "add"
	case BinSub:
		return "sub"
	case BinMul:
		return "mul"
	case BinDiv:
		return "div"
	case BinMax:
		return "max"
	case BinMin:
		return "min"
	}
	return fmt.Sprintf("BinOp(%d)", int(op))
}

// Bin applies a binary operator to two scalars.
type Bin struct {
	Op   BinOp
	X, Y Scalar
}

func (Bin) isScalar() {}

// String implements fmt.Stringer.
func (b Bin) String() string {
	return fmt.Sprintf("%s(%s, %s)", b.Op, b.X, b.Y)
}

// Binary scalar constructors.

// Add returns x + y.
func Add(x, y Scalar) Scalar { return Bin{Op: BinAdd, X: x, Y: y} }

// Sub returns x - y.
func Sub(x, y Scalar) Scalar { return Bin{Op: BinSub, X: x, Y: y} }

// Mul returns x * y.
func Mul(x, y Scalar) Scalar { return Bin{Op: BinMul, X: x, Y: y} }

// Div returns x / y.
func Div(x, y Scalar) Scalar { return Bin{Op: BinDiv, X: x, Y: y} }

// Max returns max(x, y).
func Max(x, y Scalar) Scalar { return Bin{Op: BinMax, X: x, Y: y} }

// Min returns min(x, y).
func Min(x, y Scalar) Scalar { return Bin{Op: BinMin, X: x, Y: y} }

// UnOp enumerates the unary scalar operators.
type UnOp int

const (
	UnInvalid UnOp = iota
	UnNeg
	UnExp2
	UnAbs
	UnRcp
)

// String implements fmt.Stringer.
func (op UnOp) String() string {
	switch op {
	case UnNeg:
		return "neg"
	case UnExp2:
		return "exp2"
	case UnAbs:
		return "abs"
	case UnRcp:
		return "rcp"
	}
	return fmt.Sprintf("UnOp(%d)", int(op))
}

// Un applies a unary operator to a scalar.
type Un struct {
	Op UnOp
	X  Scalar
}

func (Un) isScalar() {}

// String implements fmt.Stringer.
func (u Un) String() string {
	return fmt.Sprintf("%s(%s)", u.Op, u.X)
}

// Unary scalar constructors.

// Neg returns -x.
func Neg(x Scalar) Scalar { return Un{Op: UnNeg, X: x} }

// Exp2 returns 2^x. Together with a log2(e) pre-scale it implements the usual
// fast-exponential of softmax-style bodies.
func Exp2(x Scalar) Scalar { return Un{Op: UnExp2, X: x} }

// Abs returns |x|.
func Abs(x Scalar) Scalar { return Un{Op: UnAbs, X: x} }

// Rcp returns 1/x.
func Rcp(x Scalar) Scalar { return Un{Op: UnRcp, X: x} }

// CmpOp enumerates the comparison operators over affine integer expressions.
type CmpOp int

const (
	CmpInvalid CmpOp = iota
	CmpLT
	CmpLE
	CmpEQ
	CmpNE
	CmpGE
	CmpGT
)

// String implements fmt.Stringer, returning the operator spelling.
func (op CmpOp) String() string {
	switch op {
	case CmpLT:
		return "<"
	case CmpLE:
		return "<="
	case CmpEQ:
		return "=="
	case CmpNE:
		return "!="
	case CmpGE:
		return ">="
	case CmpGT:
		return ">"
	}
	return fmt.Sprintf("CmpOp(%d)", int(op))
}

// Cmp compares two affine integer expressions. It is only usable as the condition
// of a Select: conditions in a tile program are affine (block coordinates,
// iterators, constants), never data-dependent.
type Cmp struct {
	Op   CmpOp
	X, Y Expr
}

// String implements fmt.Stringer.
func (c Cmp) String() string {
	return fmt.Sprintf("%s %s %s", c.X, c.Op, c.Y)
}

// Select picks Then or Else depending on Cond. Both sides are pure and may both
// be evaluated; there is no short-circuit guarantee.
type Select struct {
	Cond       Cmp
	Then, Else Scalar
}

// IfThenElse builds a Select.
func IfThenElse(cond Cmp, then, otherwise Scalar) Scalar {
	return Select{Cond: cond, Then: then, Else: otherwise}
}

func (Select) isScalar() {}

// String implements fmt.Stringer.
func (s Select) String() string {
	return fmt.Sprintf("select(%s, %s, %s)", s.Cond, s.Then, s.Else)
}

// Assign stores Value into Dst at the given affine index, casting to Dst's dtype.
// It is the unit of a Parallel body.
type Assign struct {
	Dst   *Buffer
	Index []Expr
	Value Scalar
}

// AssignTo builds an Assign of value into dst[index...].
func AssignTo(dst *Buffer, index []Expr, value Scalar) Assign {
	return Assign{Dst: dst, Index: index, Value: value}
}

// String implements fmt.Stringer.
func (a Assign) String() string {
	return fmt.Sprintf("%s[%s] = %s", a.Dst.Name, joinExprs(a.Index), a.Value)
}

func joinExprs(exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

// VisitScalar walks a scalar tree depth-first, parents before children, calling
// visit on every node. Passes use it to collect loads and check conditions.
func VisitScalar(s Scalar, visit func(Scalar)) {
	visit(s)
	switch node := s.(type) {
	case Bin:
		VisitScalar(node.X, visit)
		VisitScalar(node.Y, visit)
	case Un:
		VisitScalar(node.X, visit)
	case Select:
		VisitScalar(node.Then, visit)
		VisitScalar(node.Else, visit)
	}
}
