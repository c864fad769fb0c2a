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

package lower

import (
	"github.com/gotile/gotile/tile"
)

// lowerCopy plans one region move. Copies between global and shared memory are
// flat thread-strided loops, vectorized as widely as the innermost axis of
// both regions allows; async marks issue-phase copies, which become cp.async
// when at least 4-byte vectors line up and degrade to synchronous loops
// otherwise. Copies with a fragment endpoint follow the fragment's ownership:
// each thread moves the slots its lanes own.
func (l *lowerer) lowerCopy(op *tile.Copy, async bool) (Instr, error) {
	elem := op.Dst.Buffer.DType().Size()
	instr := &CopyInstr{Op: op, VecBytes: elem}

	if op.Src.Buffer.Space == tile.MemLocal || op.Dst.Buffer.Space == tile.MemLocal {
		if err := l.checkLocalCopy(op); err != nil {
			return nil, err
		}
		return instr, nil
	}
	srcFrag := op.Src.Buffer.Space == tile.MemFragment
	dstFrag := op.Dst.Buffer.Space == tile.MemFragment
	if srcFrag || dstFrag {
		if err := l.checkFragmentCopy(op, l.views[op.Src.Buffer], srcFrag, l.views[op.Dst.Buffer], dstFrag); err != nil {
			return nil, err
		}
		return instr, nil
	}

	// A casting copy converts element by element; only same-dtype transfers
	// move whole vectors.
	if op.Src.Buffer.DType() == op.Dst.Buffer.DType() {
		vec := regionVecBytes(op.Src)
		if dstVec := regionVecBytes(op.Dst); dstVec < vec {
			vec = dstVec
		}
		instr.VecBytes = vec
		instr.Async = async && vec >= 4
	}
	return instr, nil
}

// checkLocalCopy validates a copy touching per-thread local memory. Locals are
// replicated, so every thread can load its own copy, but there is no single
// image to copy out of one.
func (l *lowerer) checkLocalCopy(op *tile.Copy) error {
	if op.Src.Buffer.Space == tile.MemLocal && op.Dst.Buffer.Space != tile.MemLocal {
		return l.policyErr(l.cfg.Policy, op.Site(),
			"every thread holds its own copy of %s; there is no single image to copy out", op.Src.Buffer.Name)
	}
	if op.Src.Buffer.Space == tile.MemFragment {
		return l.policyErr(l.cfg.Policy, op.Site(),
			"%s is spread across lanes; a private copy of it cannot be assembled", op.Src.Buffer.Name)
	}
	return nil
}

// checkFragmentCopy validates the ownership of a copy with at least one
// fragment endpoint. The other endpoint must be reachable by the owning
// threads: global and shared memory always are; a second fragment must share
// the exact partition.
func (l *lowerer) checkFragmentCopy(op *tile.Copy, src View, srcFrag bool, dst View, dstFrag bool) error {
	policy := l.cfg.Policy
	if srcFrag && dstFrag {
		switch {
		case src.Frag != nil && dst.Frag != nil:
			if !src.Frag.Equal(dst.Frag) {
				return l.policyErr(policy, op.Site(),
					"copying %s to %s mixes warp partitions %s and %s",
					op.Src.Buffer.Name, op.Dst.Buffer.Name, src.Frag, dst.Frag)
			}
			if !sameIndex(op.Src.Offsets, op.Dst.Offsets) {
				return l.policyErr(policy, op.Site(),
					"copying %s to %s at shifted offsets moves elements across lanes",
					op.Src, op.Dst)
			}
		case src.Vec != nil && dst.Vec != nil:
			if !src.Vec.Compatible(dst.Vec.Parent, dst.Vec.Axis) {
				return l.policyErr(policy, op.Site(),
					"copying %s to %s mixes row-vector partitions %s and %s",
					op.Src.Buffer.Name, op.Dst.Buffer.Name, src.Vec, dst.Vec)
			}
			if !sameIndex(op.Src.Offsets, op.Dst.Offsets) {
				return l.policyErr(policy, op.Site(),
					"copying %s to %s at shifted offsets moves entries across lanes",
					op.Src, op.Dst)
			}
		case src.PerThread > 0 && dst.PerThread > 0:
			if !op.Src.IsFull() || !op.Dst.IsFull() {
				return l.policyErr(policy, op.Site(),
					"partial regions of thread-strided fragments have no stable owner; copy %s and %s whole",
					op.Src.Buffer.Name, op.Dst.Buffer.Name)
			}
		default:
			return l.policyErr(policy, op.Site(),
				"no thread partition serves a copy from %s to %s: realizations differ",
				op.Src.Buffer.Name, op.Dst.Buffer.Name)
		}
		return nil
	}
	// One fragment endpoint, one global/shared endpoint.
	frag := src
	region := op.Src
	if dstFrag {
		frag = dst
		region = op.Dst
	}
	if frag.PerThread > 0 && !region.IsFull() {
		return l.policyErr(policy, op.Site(),
			"partial region of thread-strided fragment %s has no stable owner", region.Buffer.Name)
	}
	return nil
}

// regionVecBytes is the widest transfer (16, 8 or 4 bytes) every vector of
// the region starts aligned for. The innermost extent must fill whole vectors,
// and each axis's contribution to the flat address must be a vector multiple:
// for the innermost axis that is its offset, for an outer axis its offset
// scaled by the buffer's row-major stride, and the stride itself whenever the
// region spans more than one coordinate of the axis. Falls back to the element
// size.
func regionVecBytes(r tile.Region) int {
	elem := r.Buffer.DType().Size()
	dims := r.Buffer.Shape().Dimensions
	last := r.Rank() - 1
widths:
	for _, vec := range []int{16, 8, 4} {
		if vec < elem || vec%elem != 0 {
			continue
		}
		if (r.Extents[last]*elem)%vec != 0 {
			continue
		}
		stride := 1
		for axis := last; axis >= 0; axis-- {
			if axis < last && r.Extents[axis] > 1 && (stride*elem)%vec != 0 {
				continue widths
			}
			if !exprAligned(r.Offsets[axis], stride*elem, vec) {
				continue widths
			}
			stride *= dims[axis]
		}
		return vec
	}
	return elem
}

// exprAligned reports whether off*scale is a multiple of vec for every value
// the expression can take.
func exprAligned(off tile.Expr, scale, vec int) bool {
	if (off.Const*scale)%vec != 0 {
		return false
	}
	for _, t := range off.Terms {
		if (t.Coef*scale)%vec != 0 {
			return false
		}
	}
	return true
}

// lowerFill plans a constant store. Warp-mapped and vector destinations write
// through their ownership maps, everything else strides threads over the
// region; all of them handle partial regions with a membership test, so there
// is nothing to reject here.
func (l *lowerer) lowerFill(op *tile.Fill) (Instr, error) {
	return &FillInstr{Op: op}, nil
}
