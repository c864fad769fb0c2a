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
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gotile/gotile/layout"
	"github.com/gotile/gotile/tile"
)

// mmaK is the contraction depth one m16n8k16 atom consumes.
const mmaK = 16

// lowerGemm resolves one tile multiply against the partitions inference chose.
// Half-precision inputs take the tensor-core path and need the contraction
// extent to fill whole k-slices; float32 inputs run per-thread FMA loops over
// the accumulator slots each lane owns, which rules out fragment operands --
// their elements sit in other lanes' registers.
func (l *lowerer) lowerGemm(op *tile.Gemm) (Instr, error) {
	policy := l.cfg.PolicyFor(op)
	m, n, k := op.Dims()

	cFrag := l.views[op.C].Frag
	if cFrag == nil {
		return nil, l.policyErr(policy, op.Site(),
			"accumulator %s has no warp partition", op.C.Name)
	}

	instr := &GemmInstr{Op: op, M: m, N: n, K: k, C: cFrag}
	switch op.A.DType() {
	case dtypes.Float16, dtypes.BFloat16:
		if k%mmaK != 0 {
			return nil, l.policyErr(policy, op.Site(),
				"mma atoms consume k in slices of %d; %s x %s leaves k=%d", mmaK, op.A.Name, op.B.Name, k)
		}
		instr.MMA = true
		instr.AtomsK = k / mmaK
	case dtypes.Float32:
		if op.A.Space == tile.MemFragment {
			return nil, l.policyErr(policy, op.Site(),
				"fma lanes read whole rows, but %s is spread across lanes; stage it through shared memory",
				op.A.Name)
		}
	default:
		return nil, l.policyErr(policy, op.Site(),
			"no warp-level multiply for %s operands", op.A.DType())
	}

	if op.A.Space == tile.MemFragment {
		aFrag := l.views[op.A].Frag
		if aFrag == nil {
			return nil, l.policyErr(policy, op.Site(),
				"operand %s has no warp partition", op.A.Name)
		}
		if _, wn := cFrag.Warps(); wn != 1 {
			return nil, l.policyErr(policy, op.Site(),
				"fragment operand %s needs a full-row partition, got %s", op.A.Name, cFrag)
		}
		instr.AFrag = aFrag
	} else {
		instr.ASwz, _ = op.A.Layout().(*layout.Swizzle)
	}
	instr.BSwz, _ = op.B.Layout().(*layout.Swizzle)
	return instr, nil
}
