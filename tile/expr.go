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
	"slices"
	"strings"
)

// VarKind distinguishes the integer variables an affine expression may reference.
type VarKind int

const (
	VarInvalid VarKind = iota

	// VarBlockX and VarBlockY are the block coordinates, after rasterization.
	VarBlockX
	VarBlockY

	// VarIter is the iterator of a Pipelined domain.
	VarIter

	// VarAxis is one axis iterator of a Parallel domain.
	VarAxis
)

// String implements fmt.Stringer.
func (k VarKind) String() string {
	switch k {
	case VarBlockX:
		return "blockX"
	case VarBlockY:
		return "blockY"
	case VarIter:
		return "iter"
	case VarAxis:
		return "axis"
	}
	return fmt.Sprintf("VarKind(%d)", int(k))
}

// Var is one integer variable of a kernel, with a static range [0, Extent).
// Identity is the pointer: Vars are created by the builder (block coordinates at
// NewKernel, iterators at Pipelined/Parallel) and never shared across kernels.
type Var struct {
	Kind   VarKind
	Name   string
	Extent int
}

// String implements fmt.Stringer.
func (v *Var) String() string { return v.Name }

// Expr returns the affine expression 1·v.
func (v *Var) Expr() Expr {
	return Expr{Terms: []Term{{Coef: 1, Var: v}}}
}

// Times returns the affine expression c·v.
func (v *Var) Times(c int) Expr {
	if c == 0 {
		return Expr{}
	}
	return Expr{Terms: []Term{{Coef: c, Var: v}}}
}

// Plus returns the affine expression v + other.
func (v *Var) Plus(other Expr) Expr {
	return v.Expr().Plus(other)
}

// Term is one coefficient·variable product of an affine expression.
type Term struct {
	Coef int
	Var  *Var
}

// Expr is an integer affine expression over kernel variables: Const + Σ Coef·Var.
// Exprs are values; the arithmetic methods return new expressions and keep a
// canonical form (terms merged per variable, zero coefficients dropped, terms
// sorted by variable name). Every variable has a static extent, so every Expr has
// a computable Range -- the basis of the static bounds checks behind ShapeError.
type Expr struct {
	Const int
	Terms []Term
}

// C returns the constant expression `value`.
func C(value int) Expr { return Expr{Const: value} }

// normalize merges duplicate variables, drops zero coefficients and sorts terms by
// variable name, so structurally equal expressions compare equal regardless of
// construction order.
func (e Expr) normalize() Expr {
	if len(e.Terms) == 0 {
		return e
	}
	merged := make([]Term, 0, len(e.Terms))
	for _, t := range e.Terms {
		if t.Coef == 0 || t.Var == nil {
			continue
		}
		found := false
		for i := range merged {
			if merged[i].Var == t.Var {
				merged[i].Coef += t.Coef
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, t)
		}
	}
	merged = slices.DeleteFunc(merged, func(t Term) bool { return t.Coef == 0 })
	slices.SortStableFunc(merged, func(a, b Term) int {
		return strings.Compare(a.Var.Name, b.Var.Name)
	})
	e.Terms = merged
	return e
}

// Plus returns e + other.
func (e Expr) Plus(other Expr) Expr {
	sum := Expr{
		Const: e.Const + other.Const,
		Terms: make([]Term, 0, len(e.Terms)+len(other.Terms)),
	}
	sum.Terms = append(sum.Terms, e.Terms...)
	sum.Terms = append(sum.Terms, other.Terms...)
	return sum.normalize()
}

// PlusConst returns e + c.
func (e Expr) PlusConst(c int) Expr {
	e.Terms = slices.Clone(e.Terms)
	e.Const += c
	return e
}

// Minus returns e - other.
func (e Expr) Minus(other Expr) Expr {
	return e.Plus(other.Times(-1))
}

// Times returns e scaled by c.
func (e Expr) Times(c int) Expr {
	if c == 0 {
		return Expr{}
	}
	scaled := Expr{Const: e.Const * c, Terms: make([]Term, len(e.Terms))}
	for i, t := range e.Terms {
		scaled.Terms[i] = Term{Coef: t.Coef * c, Var: t.Var}
	}
	return scaled.normalize()
}

// IsConst reports whether no variable term remains, returning the constant value.
func (e Expr) IsConst() (int, bool) {
	if len(e.Terms) == 0 {
		return e.Const, true
	}
	return 0, false
}

// Range returns the inclusive static bounds [lo, hi] the expression can take,
// given every variable ranges over [0, Extent).
func (e Expr) Range() (lo, hi int) {
	lo, hi = e.Const, e.Const
	for _, t := range e.Terms {
		span := t.Coef * (t.Var.Extent - 1)
		if span >= 0 {
			hi += span
		} else {
			lo += span
		}
	}
	return
}

// EachVar calls f once per variable referenced by the expression, in term order.
func (e Expr) EachVar(f func(*Var)) {
	for _, t := range e.Terms {
		f(t.Var)
	}
}

// Equal reports whether the two expressions are the same affine function. Both are
// kept normalized, so structural comparison suffices.
func (e Expr) Equal(other Expr) bool {
	return e.Const == other.Const && slices.Equal(e.Terms, other.Terms)
}

// String implements fmt.Stringer, e.g. "64*by + k + 5". The zero expression
// prints "0".
func (e Expr) String() string {
	var b strings.Builder
	for i, t := range e.Terms {
		if i > 0 {
			b.WriteString(" + ")
		}
		if t.Coef == 1 {
			b.WriteString(t.Var.Name)
		} else {
			fmt.Fprintf(&b, "%d*%s", t.Coef, t.Var.Name)
		}
	}
	if e.Const != 0 || len(e.Terms) == 0 {
		if len(e.Terms) > 0 {
			b.WriteString(" + ")
		}
		fmt.Fprintf(&b, "%d", e.Const)
	}
	return b.String()
}

// Comparison constructors, producing the Cmp conditions used by Select.

// LT returns the condition e < other.
func (e Expr) LT(other Expr) Cmp { return Cmp{Op: CmpLT, X: e, Y: other} }

// LE returns the condition e <= other.
func (e Expr) LE(other Expr) Cmp { return Cmp{Op: CmpLE, X: e, Y: other} }

// EQ returns the condition e == other.
func (e Expr) EQ(other Expr) Cmp { return Cmp{Op: CmpEQ, X: e, Y: other} }

// NE returns the condition e != other.
func (e Expr) NE(other Expr) Cmp { return Cmp{Op: CmpNE, X: e, Y: other} }

// GE returns the condition e >= other.
func (e Expr) GE(other Expr) Cmp { return Cmp{Op: CmpGE, X: e, Y: other} }

// GT returns the condition e > other.
func (e Expr) GT(other Expr) Cmp { return Cmp{Op: CmpGT, X: e, Y: other} }
