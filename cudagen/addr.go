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
	"strconv"

	"github.com/gotile/gotile/layout"
	"github.com/gotile/gotile/tile"
)

// paren wraps an expression string unless it is a bare identifier or literal.
func paren(s string) string {
	for _, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return "(" + s + ")"
		}
	}
	return s
}

// cdiv, cmod and cmul render integer arithmetic on expression strings,
// folding literal operands and trivial factors.
func cdiv(s string, d int) string {
	if d == 1 {
		return s
	}
	if n, err := strconv.Atoi(s); err == nil {
		return strconv.Itoa(n / d)
	}
	return fmt.Sprintf("%s / %d", paren(s), d)
}

func cmod(s string, d int) string {
	if d == 1 {
		return "0"
	}
	if n, err := strconv.Atoi(s); err == nil {
		return strconv.Itoa(n % d)
	}
	return fmt.Sprintf("%s %% %d", paren(s), d)
}

func cmul(s string, c int) string {
	if c == 0 {
		return "0"
	}
	if c == 1 {
		return s
	}
	if n, err := strconv.Atoi(s); err == nil {
		return strconv.Itoa(n * c)
	}
	return fmt.Sprintf("%s * %d", paren(s), c)
}

// addParts joins two address terms with +, dropping zero terms and folding
// literal pairs.
func addParts(a, b string) string {
	if a == "0" {
		return b
	}
	if b == "0" {
		return a
	}
	if x, errX := strconv.Atoi(a); errX == nil {
		if y, errY := strconv.Atoi(b); errY == nil {
			return strconv.Itoa(x + y)
		}
	}
	return fmt.Sprintf("%s + %s", a, b)
}

// subParts renders a - b, parenthesizing a compound subtrahend.
func subParts(a, b string) string {
	if b == "0" {
		return a
	}
	if x, errX := strconv.Atoi(a); errX == nil {
		if y, errY := strconv.Atoi(b); errY == nil {
			return strconv.Itoa(x - y)
		}
	}
	return fmt.Sprintf("%s - %s", a, paren(b))
}

// linearize renders the row-major offset Σ idx[k]·stride[k].
func linearize(idx []string, strides []int) string {
	cst := 0
	out := ""
	for k, s := range idx {
		if n, err := strconv.Atoi(s); err == nil {
			cst += n * strides[k]
			continue
		}
		term := cmul(s, strides[k])
		if out == "" {
			out = term
		} else {
			out += " + " + term
		}
	}
	if out == "" {
		return strconv.Itoa(cst)
	}
	if cst > 0 {
		out += fmt.Sprintf(" + %d", cst)
	} else if cst < 0 {
		out += fmt.Sprintf(" - %d", -cst)
	}
	return out
}

// flatCoords decomposes flat index f over extents, row-major: one coordinate
// string per axis. The leading axis skips its modulo, f never exceeds the
// domain.
func flatCoords(f string, extents []int) []string {
	coords := make([]string, len(extents))
	suffix := 1
	for k := len(extents) - 1; k >= 0; k-- {
		c := cdiv(f, suffix)
		if k > 0 {
			c = cmod(c, extents[k])
		}
		coords[k] = c
		suffix *= extents[k]
	}
	return coords
}

// squeezed returns the region's non-unit extents, the shape the copy and fill
// loops iterate.
func squeezed(r tile.Region) []int {
	var out []int
	for _, ext := range r.Extents {
		if ext > 1 {
			out = append(out, ext)
		}
	}
	return out
}

func sizeOf(extents []int) int {
	n := 1
	for _, ext := range extents {
		n *= ext
	}
	return n
}

// regionIndex renders per-axis element indices of r: the axis offset, plus one
// loop coordinate per non-unit axis, in axis order.
func regionIndex(r tile.Region, coords []string, ctx emitCtx) []string {
	idx := make([]string, len(r.Extents))
	n := 0
	for a, ext := range r.Extents {
		off := renderExpr(r.Offsets[a], ctx)
		if ext == 1 {
			idx[a] = off
			continue
		}
		idx[a] = addParts(off, coords[n])
		n++
	}
	return idx
}

// regionGuard renders the membership conjuncts of per-axis coordinates in the
// region's bounds. Axes the region covers whole contribute nothing.
func regionGuard(r tile.Region, names []string, ctx emitCtx) []string {
	dims := r.Buffer.Shape().Dimensions
	var conds []string
	for a, ext := range r.Extents {
		off := renderExpr(r.Offsets[a], ctx)
		if off != "0" {
			conds = append(conds, fmt.Sprintf("%s >= %s", names[a], off))
			conds = append(conds, fmt.Sprintf("%s < %s", names[a], addParts(off, strconv.Itoa(ext))))
		} else if ext != dims[a] {
			conds = append(conds, fmt.Sprintf("%s < %d", names[a], ext))
		}
	}
	return conds
}

// layoutOffset renders the storage offset of one element: swizzled when
// inference attached a Swizzle to the buffer, row-major otherwise.
func layoutOffset(b *tile.Buffer, idx []string) string {
	shape := b.Shape()
	strides := shape.Strides()
	swz, ok := b.Layout().(*layout.Swizzle)
	if !ok {
		return linearize(idx, strides)
	}
	last := len(idx) - 1
	width := shape.Dim(-1)
	rowStrides := make([]int, last)
	for k := 0; k < last; k++ {
		rowStrides[k] = strides[k] / width
	}
	return swizzleExpr(swz, linearize(idx[:last], rowStrides), idx[last], width)
}

// swizzleExpr applies the XOR permutation to a (row, col) element address:
// chunks within a row swap by the row's phase pattern, within-chunk bits pass
// through. Mirrors layout.Swizzle.OffsetOf.
func swizzleExpr(swz *layout.Swizzle, row, col string, width int) string {
	epc := swz.ElemsPerChunk()
	pattern := row
	if swz.Orientation() == layout.Crosswise {
		pattern = cdiv(row, 2)
	}
	pattern = cmod(pattern, swz.Phase())
	chunk := cdiv(col, epc)
	within := cmod(col, epc)
	base := cmul(row, width)
	if p, err := strconv.Atoi(pattern); err == nil {
		if p == 0 {
			return addParts(base, col)
		}
		if c, err := strconv.Atoi(chunk); err == nil {
			return addParts(addParts(base, strconv.Itoa((c^p)*epc)), within)
		}
		return addParts(addParts(base, fmt.Sprintf("(%s ^ %d) * %d", paren(chunk), p, epc)), within)
	}
	return addParts(addParts(base, fmt.Sprintf("(%s ^ %s) * %d", paren(chunk), paren(pattern), epc)), within)
}

// elem renders one element access of b at per-axis indices idx, including the
// stage-rotation displacement when ctx addresses a copy slot.
func (e *emitter) elem(b *tile.Buffer, idx []string, ctx emitCtx) string {
	return fmt.Sprintf("%s[%s]", e.names[b], e.slotOffset(b, layoutOffset(b, idx), ctx))
}

// regionElem renders the element of r's buffer the loop coordinates select.
func (e *emitter) regionElem(r tile.Region, coords []string, ctx emitCtx) string {
	return e.elem(r.Buffer, regionIndex(r, coords, ctx), ctx)
}

// slotOffset prepends the displacement of the active copy slot for rotated
// buffers. One slot spans SlotBytes, always a whole number of elements.
func (e *emitter) slotOffset(b *tile.Buffer, off string, ctx emitCtx) string {
	slot, ok := ctx.slots[b]
	if !ok {
		return off
	}
	return addParts(cmul(slot, b.Allocation().SlotBytes/b.DType().Size()), off)
}
