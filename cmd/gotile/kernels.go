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

package main

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gotile/gotile/tile"
)

// referenceKernels maps the CLI kernel names to their builders. Each builder
// assembles a fresh program model, so repeated lowerings start from identical
// inputs.
var referenceKernels = map[string]func() *tile.Kernel{
	"matmul": buildMatmul,
	"flash":  buildFlash,
}

// buildMatmul is a 4096x4096x512 f16 matmul cut into 128x128 output tiles, the
// contraction pipelined in 32-deep slices staged through shared memory, with a
// half-precision cast epilogue.
func buildMatmul() *tile.Kernel {
	kb := tile.NewKernel("matmul_f16", 32, 32, 128)
	a := kb.Global("A", dtypes.Float16, 4096, 512)
	b := kb.Global("B", dtypes.Float16, 512, 4096)
	c := kb.Global("C", dtypes.Float16, 4096, 4096)
	aS := kb.Shared("a_s", dtypes.Float16, 128, 32)
	bS := kb.Shared("b_s", dtypes.Float16, 32, 128)
	acc := kb.Fragment("acc", dtypes.Float32, 128, 128)
	accH := kb.Fragment("acc_h", dtypes.Float16, 128, 128)

	kb.Clear(acc)
	kb.Pipelined("k", 16, 0, func(k *tile.Var) {
		kb.Copy(a.Slice([]tile.Expr{kb.BlockY().Times(128), k.Times(32)}, []int{128, 32}), aS.Full())
		kb.Copy(b.Slice([]tile.Expr{k.Times(32), kb.BlockX().Times(128)}, []int{32, 128}), bS.Full())
		kb.Gemm(aS, bS, acc, false, tile.WarpPolicyDefault)
	})
	kb.Parallel([]int{128, 128}, func(ax []*tile.Var) []tile.Assign {
		idx := []tile.Expr{ax[0].Expr(), ax[1].Expr()}
		return []tile.Assign{tile.AssignTo(accH, idx, tile.LoadOf(acc, idx...))}
	})
	kb.Copy(accH.Full(), c.Slice([]tile.Expr{kb.BlockY().Times(128), kb.BlockX().Times(128)}, []int{128, 128}))
	return kb.Finish()
}

// buildFlash is a softmax attention kernel: scores = Q·Kᵗ, a numerically
// stable exp2-based softmax over fragment registers, then the
// probability-weighted sum over V. Each block handles 256 query rows in four
// pipelined bands of 64: while one band's queries stream into shared memory,
// the previous band runs both gemms and the softmax in between. Bands are
// independent, so the overlap never touches the arithmetic.
func buildFlash() *tile.Kernel {
	kb := tile.NewKernel("flash_attn", 1, 4, 128)
	q := kb.Global("Q", dtypes.Float16, 1024, 64)
	kG := kb.Global("K", dtypes.Float16, 64, 64)
	v := kb.Global("V", dtypes.Float16, 64, 64)
	o := kb.Global("O", dtypes.Float32, 1024, 64)
	qS := kb.Shared("q_s", dtypes.Float16, 64, 64)
	kS := kb.Shared("k_s", dtypes.Float16, 64, 64)
	vS := kb.Shared("v_s", dtypes.Float16, 64, 64)
	scores := kb.Fragment("scores", dtypes.Float32, 64, 64)
	probs := kb.Fragment("probs", dtypes.Float32, 64, 64)
	probsH := kb.Fragment("probs_h", dtypes.Float16, 64, 64)
	out := kb.Fragment("out", dtypes.Float32, 64, 64)
	rowMax := kb.Fragment("row_max", dtypes.Float32, 64)
	rowSum := kb.Fragment("row_sum", dtypes.Float32, 64)

	by := kb.BlockY()
	kb.Copy(kG.Full(), kS.Full())
	kb.Copy(v.Full(), vS.Full())

	kb.Pipelined("band", 4, 0, func(band *tile.Var) {
		row := by.Times(256).Plus(band.Times(64))
		kb.Copy(q.Slice([]tile.Expr{row, tile.C(0)}, []int{64, 64}), qS.Full())
		kb.Clear(scores)
		kb.Gemm(qS, kS, scores, true, tile.WarpPolicyDefault)
		kb.ReduceMax(scores, rowMax, 1, false)
		kb.Parallel([]int{64, 64}, func(ax []*tile.Var) []tile.Assign {
			i, j := ax[0].Expr(), ax[1].Expr()
			p := tile.Exp2(tile.Sub(tile.LoadOf(scores, i, j), tile.LoadOf(rowMax, i)))
			return []tile.Assign{tile.AssignTo(probs, []tile.Expr{i, j}, p)}
		})
		kb.ReduceSum(probs, rowSum, 1, false)
		kb.Parallel([]int{64, 64}, func(ax []*tile.Var) []tile.Assign {
			i, j := ax[0].Expr(), ax[1].Expr()
			norm := tile.Mul(tile.LoadOf(probs, i, j), tile.Rcp(tile.LoadOf(rowSum, i)))
			return []tile.Assign{tile.AssignTo(probsH, []tile.Expr{i, j}, norm)}
		})
		kb.Clear(out)
		kb.Gemm(probsH, vS, out, false, tile.WarpPolicyDefault)
		kb.Copy(out.Full(), o.Slice([]tile.Expr{row, tile.C(0)}, []int{64, 64}))
	})
	return kb.Finish()
}
