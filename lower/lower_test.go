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
	"errors"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gotile/gotile/layout"
	"github.com/gotile/gotile/memplan"
	"github.com/gotile/gotile/pipeline"
	"github.com/gotile/gotile/tile"
)

// prepare runs the passes lowering depends on: validation, layout inference,
// allocation and scheduling.
func prepare(t *testing.T, k *tile.Kernel, cfg tile.Config) map[*tile.Pipelined]*pipeline.Schedule {
	t.Helper()
	require.NoError(t, tile.Validate(k))
	require.NoError(t, layout.Infer(k, cfg))
	_, err := memplan.Allocate(k, cfg)
	require.NoError(t, err)
	schedules, err := pipeline.BuildAll(k, cfg)
	require.NoError(t, err)
	return schedules
}

func lowerKernel(t *testing.T, k *tile.Kernel, cfg tile.Config) *Program {
	t.Helper()
	prog, err := Lower(k, cfg, prepare(t, k, cfg))
	require.NoError(t, err)
	return prog
}

func lowerErr(t *testing.T, k *tile.Kernel, cfg tile.Config) error {
	t.Helper()
	_, err := Lower(k, cfg, prepare(t, k, cfg))
	require.Error(t, err)
	return err
}

// pipelined 128x128x64-tile matmul with a cast epilogue.
func buildMatmul(t *testing.T, stages int) *tile.Kernel {
	t.Helper()
	kb := tile.NewKernel("matmul", 32, 32, 128)
	a := kb.Global("A", dtypes.Float16, 4096, 512)
	b := kb.Global("B", dtypes.Float16, 512, 4096)
	c := kb.Global("C", dtypes.Float16, 4096, 4096)
	aS := kb.Shared("a_s", dtypes.Float16, 128, 64)
	bS := kb.Shared("b_s", dtypes.Float16, 64, 128)
	acc := kb.Fragment("acc", dtypes.Float32, 128, 128)
	accH := kb.Fragment("acc_h", dtypes.Float16, 128, 128)

	kb.Clear(acc)
	kb.Pipelined("k", 8, stages, func(k *tile.Var) {
		kb.Copy(a.Slice([]tile.Expr{kb.BlockY().Times(128), k.Times(64)}, []int{128, 64}), aS.Full())
		kb.Copy(b.Slice([]tile.Expr{k.Times(64), kb.BlockX().Times(128)}, []int{64, 128}), bS.Full())
		kb.Gemm(aS, bS, acc, false, tile.WarpPolicyDefault)
	})
	kb.Parallel([]int{128, 128}, func(ax []*tile.Var) []tile.Assign {
		idx := []tile.Expr{ax[0].Expr(), ax[1].Expr()}
		return []tile.Assign{tile.AssignTo(accH, idx, tile.LoadOf(acc, idx...))}
	})
	kb.Copy(accH.Full(), c.Slice([]tile.Expr{kb.BlockY().Times(128), kb.BlockX().Times(128)}, []int{128, 128}))
	return kb.Finish()
}

// single-block softmax attention: two gemms chained through a register cast,
// with running-max and sum row vectors.
func buildFlash(t *testing.T) *tile.Kernel {
	t.Helper()
	kb := tile.NewKernel("flash", 1, 4, 128)
	q := kb.Global("Q", dtypes.Float16, 256, 64)
	kG := kb.Global("K", dtypes.Float16, 256, 64)
	v := kb.Global("V", dtypes.Float16, 256, 64)
	o := kb.Global("O", dtypes.Float32, 256, 64)
	rowMax := kb.Global("RowMax", dtypes.Float32, 256)
	qS := kb.Shared("q_s", dtypes.Float16, 64, 64)
	kS := kb.Shared("k_s", dtypes.Float16, 64, 64)
	vS := kb.Shared("v_s", dtypes.Float16, 64, 64)
	scores := kb.Fragment("scores", dtypes.Float32, 64, 64)
	probs := kb.Fragment("probs", dtypes.Float32, 64, 64)
	probsH := kb.Fragment("probs_h", dtypes.Float16, 64, 64)
	out := kb.Fragment("out", dtypes.Float32, 64, 64)
	m := kb.Fragment("m", dtypes.Float32, 64)
	l := kb.Fragment("l", dtypes.Float32, 64)

	by := kb.BlockY()
	kb.Copy(q.Slice([]tile.Expr{by.Times(64), tile.C(0)}, []int{64, 64}), qS.Full())
	kb.Copy(kG.Slice([]tile.Expr{tile.C(0), tile.C(0)}, []int{64, 64}), kS.Full())
	kb.Copy(v.Slice([]tile.Expr{tile.C(0), tile.C(0)}, []int{64, 64}), vS.Full())
	kb.Gemm(qS, kS, scores, true, tile.WarpPolicyDefault)
	kb.ReduceMax(scores, m, 1, false)
	kb.Parallel([]int{64, 64}, func(ax []*tile.Var) []tile.Assign {
		i, j := ax[0].Expr(), ax[1].Expr()
		e := tile.Exp2(tile.Sub(tile.LoadOf(scores, i, j), tile.LoadOf(m, i)))
		return []tile.Assign{tile.AssignTo(probs, []tile.Expr{i, j}, e)}
	})
	kb.ReduceSum(probs, l, 1, false)
	kb.Parallel([]int{64, 64}, func(ax []*tile.Var) []tile.Assign {
		i, j := ax[0].Expr(), ax[1].Expr()
		norm := tile.Mul(tile.LoadOf(probs, i, j), tile.Rcp(tile.LoadOf(l, i)))
		return []tile.Assign{tile.AssignTo(probsH, []tile.Expr{i, j}, norm)}
	})
	kb.Gemm(probsH, vS, out, false, tile.WarpPolicyDefault)
	kb.Copy(out.Full(), o.Slice([]tile.Expr{by.Times(64), tile.C(0)}, []int{64, 64}))
	kb.Copy(m.Full(), rowMax.Slice([]tile.Expr{by.Times(64)}, []int{64}))
	return kb.Finish()
}

func TestLowerMatmul(t *testing.T) {
	k := buildMatmul(t, 3)
	prog := lowerKernel(t, k, tile.Config{})

	require.Equal(t, 4, prog.Warps)
	require.Len(t, prog.Body, 4)
	require.IsType(t, &FillInstr{}, prog.Body[0])

	pl, ok := prog.Body[1].(*PipeLoop)
	require.True(t, ok)
	require.False(t, pl.Sched.Sequential())
	require.Equal(t, 3, pl.Sched.Stages)
	require.Len(t, pl.Issue, 2)
	for _, instr := range pl.Issue {
		cp := instr.(*CopyInstr)
		require.True(t, cp.Async)
		require.Equal(t, 16, cp.VecBytes)
	}

	require.Len(t, pl.Consume, 1)
	gemm := pl.Consume[0].(*GemmInstr)
	require.True(t, gemm.MMA)
	require.Equal(t, 128, gemm.M)
	require.Equal(t, 128, gemm.N)
	require.Equal(t, 64, gemm.K)
	require.Equal(t, 4, gemm.AtomsK)
	require.Nil(t, gemm.AFrag)
	require.NotNil(t, gemm.ASwz)
	require.NotNil(t, gemm.BSwz)
	wm, wn := gemm.C.Warps()
	require.Equal(t, 4, wm)
	require.Equal(t, 1, wn)

	par := prog.Body[2].(*ParallelInstr)
	require.Len(t, par.Plans, 1)
	require.Equal(t, LoopFrag, par.Plans[0].Kind)
	require.True(t, par.Plans[0].Frag.Equal(gemm.C))

	// The cast fragment writes out element-per-element from registers.
	cp := prog.Body[3].(*CopyInstr)
	require.False(t, cp.Async)
	require.Equal(t, 2, cp.VecBytes)

	require.NotNil(t, prog.Views[k.Buffer("acc")].Frag)
	require.NotNil(t, prog.Views[k.Buffer("acc_h")].Frag)
}

func TestLowerSequentialLoop(t *testing.T) {
	k := buildMatmul(t, 1)
	prog := lowerKernel(t, k, tile.Config{})

	pl := prog.Body[1].(*PipeLoop)
	require.True(t, pl.Sched.Sequential())
	for _, instr := range pl.Issue {
		cp := instr.(*CopyInstr)
		require.False(t, cp.Async)
		require.Equal(t, 16, cp.VecBytes)
	}
}

func TestLowerFlash(t *testing.T) {
	k := buildFlash(t)
	prog := lowerKernel(t, k, tile.Config{})
	require.Len(t, prog.Body, 11)

	mView := prog.Views[k.Buffer("m")]
	require.NotNil(t, mView.Vec)
	require.Equal(t, 64, mView.Vec.Len)
	require.Equal(t, 1, mView.Vec.Axis)
	require.Equal(t, 2, mView.Vec.PerThread())

	red := prog.Body[4].(*ReduceInstr)
	require.Same(t, mView.Vec, red.Dst)
	require.NotNil(t, red.Src)

	// The exp body runs over the lanes' own accumulator slots, reading the
	// row max per row.
	par := prog.Body[5].(*ParallelInstr)
	require.Equal(t, LoopFrag, par.Plans[0].Kind)

	// Second gemm reuses the cast fragment in registers.
	gemm := prog.Body[8].(*GemmInstr)
	require.True(t, gemm.MMA)
	require.NotNil(t, gemm.AFrag)
	require.Nil(t, gemm.ASwz)
	require.NotNil(t, gemm.BSwz)

	// Register-resident results leave element by element.
	require.Equal(t, 4, prog.Body[9].(*CopyInstr).VecBytes)
	require.Equal(t, 4, prog.Body[10].(*CopyInstr).VecBytes)
}

func TestLowerRotatedBufferOutsideLoop(t *testing.T) {
	kb := tile.NewKernel("leak", 1, 1, 128)
	a := kb.Global("A", dtypes.Float16, 1024, 64)
	out := kb.Global("Out", dtypes.Float16, 128, 64)
	aS := kb.Shared("a_s", dtypes.Float16, 128, 64)
	f := kb.Fragment("f", dtypes.Float16, 128, 64)
	kb.Pipelined("k", 8, 3, func(k *tile.Var) {
		kb.Copy(a.Slice([]tile.Expr{k.Times(128), tile.C(0)}, []int{128, 64}), aS.Full())
		kb.Parallel([]int{128, 64}, func(ax []*tile.Var) []tile.Assign {
			idx := []tile.Expr{ax[0].Expr(), ax[1].Expr()}
			return []tile.Assign{tile.AssignTo(f, idx, tile.LoadOf(aS, idx...))}
		})
	})
	// a_s rotates through 3 slots; after the loop there is no current slot.
	kb.Copy(aS.Full(), out.Full())
	k := kb.Finish()

	err := lowerErr(t, k, tile.Config{})
	var schedErr *tile.ScheduleError
	require.True(t, errors.As(err, &schedErr), "got: %v", err)
	require.Contains(t, err.Error(), `multi-buffered by loop "k"`)
}

func TestLowerMissingSchedule(t *testing.T) {
	k := buildMatmul(t, 3)
	prepare(t, k, tile.Config{})

	_, err := Lower(k, tile.Config{}, nil)
	var schedErr *tile.ScheduleError
	require.True(t, errors.As(err, &schedErr), "got: %v", err)
	require.Contains(t, err.Error(), `no schedule built for loop "k"`)
}

func TestLowerGemmFragmentOperandOnFMA(t *testing.T) {
	kb := tile.NewKernel("fma", 1, 1, 128)
	bS := kb.Shared("b_s", dtypes.Float32, 64, 64)
	aF := kb.Fragment("a_f", dtypes.Float32, 64, 64)
	acc := kb.Fragment("acc", dtypes.Float32, 64, 64)
	kb.Clear(aF)
	kb.Gemm(aF, bS, acc, false, tile.WarpPolicyDefault)
	k := kb.Finish()

	err := lowerErr(t, k, tile.Config{})
	var policyErr *tile.PolicyError
	require.True(t, errors.As(err, &policyErr), "got: %v", err)
	require.Contains(t, err.Error(), "stage it through shared memory")
}

func TestLowerGemmOddContraction(t *testing.T) {
	kb := tile.NewKernel("oddk", 1, 1, 128)
	aS := kb.Shared("a_s", dtypes.Float16, 64, 24)
	bS := kb.Shared("b_s", dtypes.Float16, 24, 64)
	acc := kb.Fragment("acc", dtypes.Float32, 64, 64)
	kb.Gemm(aS, bS, acc, false, tile.WarpPolicyDefault)
	k := kb.Finish()

	err := lowerErr(t, k, tile.Config{})
	var policyErr *tile.PolicyError
	require.True(t, errors.As(err, &policyErr), "got: %v", err)
	require.Contains(t, err.Error(), "slices of 16")
}

func TestLowerParallelMixedPartitions(t *testing.T) {
	kb := tile.NewKernel("mixed", 1, 1, 128)
	aS := kb.Shared("a_s", dtypes.Float16, 64, 64)
	bS := kb.Shared("b_s", dtypes.Float16, 64, 64)
	tmp := kb.Shared("tmp", dtypes.Float32, 64, 64)
	acc := kb.Fragment("acc", dtypes.Float32, 64, 64)
	kb.Gemm(aS, bS, acc, false, tile.WarpPolicyDefault)
	kb.Parallel([]int{64, 64}, func(ax []*tile.Var) []tile.Assign {
		idx := []tile.Expr{ax[0].Expr(), ax[1].Expr()}
		return []tile.Assign{
			tile.AssignTo(tmp, idx, tile.F(1)),
			tile.AssignTo(acc, idx, tile.Add(tile.LoadOf(acc, idx...), tile.LoadOf(tmp, idx...))),
		}
	})
	k := kb.Finish()

	err := lowerErr(t, k, tile.Config{})
	var policyErr *tile.PolicyError
	require.True(t, errors.As(err, &policyErr), "got: %v", err)
	require.Contains(t, err.Error(), "split the parallel ops")
}

func TestLowerParallelPermutedFragmentStore(t *testing.T) {
	kb := tile.NewKernel("perm", 1, 1, 128)
	aS := kb.Shared("a_s", dtypes.Float16, 64, 64)
	bS := kb.Shared("b_s", dtypes.Float16, 64, 64)
	acc := kb.Fragment("acc", dtypes.Float32, 64, 64)
	kb.Gemm(aS, bS, acc, false, tile.WarpPolicyDefault)
	kb.Parallel([]int{64, 64}, func(ax []*tile.Var) []tile.Assign {
		transposed := []tile.Expr{ax[1].Expr(), ax[0].Expr()}
		return []tile.Assign{tile.AssignTo(acc, transposed, tile.F(0))}
	})
	k := kb.Finish()

	err := lowerErr(t, k, tile.Config{})
	var policyErr *tile.PolicyError
	require.True(t, errors.As(err, &policyErr), "got: %v", err)
	require.Contains(t, err.Error(), "identity index only")
}

func TestLowerReduceNeedsFullRows(t *testing.T) {
	kb := tile.NewKernel("sq", 1, 1, 256)
	aS := kb.Shared("a_s", dtypes.Float16, 64, 64)
	bS := kb.Shared("b_s", dtypes.Float16, 64, 64)
	acc := kb.Fragment("acc", dtypes.Float32, 64, 64)
	m := kb.Fragment("m", dtypes.Float32, 64)
	kb.Gemm(aS, bS, acc, false, tile.WarpPolicySquare)
	kb.ReduceMax(acc, m, 1, false)
	k := kb.Finish()

	err := lowerErr(t, k, tile.Config{})
	var policyErr *tile.PolicyError
	require.True(t, errors.As(err, &policyErr), "got: %v", err)
	require.Contains(t, err.Error(), "full-row partition")
}

func TestLowerReduceUnmappedSource(t *testing.T) {
	kb := tile.NewKernel("unmapped", 1, 1, 128)
	f := kb.Fragment("f", dtypes.Float32, 64, 64)
	m := kb.Fragment("m", dtypes.Float32, 64)
	kb.Clear(f)
	kb.ReduceMax(f, m, 1, false)
	k := kb.Finish()

	err := lowerErr(t, k, tile.Config{})
	var policyErr *tile.PolicyError
	require.True(t, errors.As(err, &policyErr), "got: %v", err)
	require.Contains(t, err.Error(), "no warp mapping")
}

func TestLowerReducePartitionsDisagree(t *testing.T) {
	kb := tile.NewKernel("disagree", 1, 1, 128)
	a1 := kb.Shared("a1", dtypes.Float16, 64, 64)
	b1 := kb.Shared("b1", dtypes.Float16, 64, 64)
	a2 := kb.Shared("a2", dtypes.Float16, 64, 64)
	b2 := kb.Shared("b2", dtypes.Float16, 64, 64)
	accRow := kb.Fragment("acc_row", dtypes.Float32, 64, 64)
	accCol := kb.Fragment("acc_col", dtypes.Float32, 64, 64)
	m := kb.Fragment("m", dtypes.Float32, 64)
	kb.Gemm(a1, b1, accRow, false, tile.WarpPolicyFullRow)
	kb.Gemm(a2, b2, accCol, false, tile.WarpPolicyFullCol)
	kb.ReduceMax(accRow, m, 1, false)
	kb.ReduceMax(accCol, m, 0, true)
	k := kb.Finish()

	err := lowerErr(t, k, tile.Config{})
	var policyErr *tile.PolicyError
	require.True(t, errors.As(err, &policyErr), "got: %v", err)
	require.Contains(t, err.Error(), "disagree on its partition")
}

func TestLowerCopyVectorWidths(t *testing.T) {
	kb := tile.NewKernel("widths", 1, 1, 128)
	a := kb.Global("A", dtypes.Float16, 64, 128)
	s16 := kb.Shared("s16", dtypes.Float16, 64, 64)
	s8 := kb.Shared("s8", dtypes.Float16, 64, 64)
	s4 := kb.Shared("s4", dtypes.Float16, 64, 6)
	kb.Copy(a.Slice([]tile.Expr{tile.C(0), tile.C(0)}, []int{64, 64}), s16.Full())
	kb.Copy(a.Slice([]tile.Expr{tile.C(0), tile.C(4)}, []int{64, 64}), s8.Full())
	kb.Copy(a.Slice([]tile.Expr{tile.C(0), tile.C(0)}, []int{64, 6}), s4.Full())
	k := kb.Finish()

	prog := lowerKernel(t, k, tile.Config{})
	require.Equal(t, 16, prog.Body[0].(*CopyInstr).VecBytes)
	require.Equal(t, 8, prog.Body[1].(*CopyInstr).VecBytes)
	require.Equal(t, 4, prog.Body[2].(*CopyInstr).VecBytes)
	for _, instr := range prog.Body {
		require.False(t, instr.(*CopyInstr).Async)
	}
}

func TestLowerCopyOddRowStride(t *testing.T) {
	kb := tile.NewKernel("oddstride", 1, 1, 128)
	g := kb.Global("G", dtypes.Float32, 4, 9)
	s := kb.Shared("s", dtypes.Float32, 4, 8)
	row := kb.Shared("row", dtypes.Float32, 8)
	kb.Copy(g.Slice([]tile.Expr{tile.C(0), tile.C(0)}, []int{4, 8}), s.Full())
	kb.Copy(g.Slice([]tile.Expr{tile.C(1), tile.C(0)}, []int{1, 8}), row.Full())
	k := kb.Finish()

	prog := lowerKernel(t, k, tile.Config{})

	// The 32-byte rows fill whole 16-byte vectors, but the source's 36-byte
	// row stride leaves every row past the first unaligned.
	require.Equal(t, 4, prog.Body[0].(*CopyInstr).VecBytes)

	// Same for a single row selected by an offset: it starts at byte 36.
	require.Equal(t, 4, prog.Body[1].(*CopyInstr).VecBytes)
}

func TestLowerAsyncDegradesToSync(t *testing.T) {
	kb := tile.NewKernel("narrow", 1, 1, 128)
	a := kb.Global("A", dtypes.Float16, 1024, 24)
	s := kb.Shared("s", dtypes.Float16, 128, 3)
	f := kb.Fragment("f", dtypes.Float16, 128, 3)
	kb.Pipelined("k", 8, 2, func(k *tile.Var) {
		kb.Copy(a.Slice([]tile.Expr{k.Times(128), tile.C(0)}, []int{128, 3}), s.Full())
		kb.Parallel([]int{128, 3}, func(ax []*tile.Var) []tile.Assign {
			idx := []tile.Expr{ax[0].Expr(), ax[1].Expr()}
			return []tile.Assign{tile.AssignTo(f, idx, tile.Mul(tile.LoadOf(s, idx...), tile.F(2)))}
		})
	})
	k := kb.Finish()

	prog := lowerKernel(t, k, tile.Config{})
	pl := prog.Body[0].(*PipeLoop)
	require.False(t, pl.Sched.Sequential())

	// 3 f16 elements per row: no 4-byte vector fits, so the issue copy runs
	// synchronously inside its slot.
	cp := pl.Issue[0].(*CopyInstr)
	require.False(t, cp.Async)
	require.Equal(t, 2, cp.VecBytes)

	par := pl.Consume[0].(*ParallelInstr)
	require.Equal(t, LoopFlat, par.Plans[0].Kind)
}

func TestLowerLocalCopyOut(t *testing.T) {
	kb := tile.NewKernel("localout", 1, 1, 128)
	out := kb.Global("Out", dtypes.Float32, 16)
	loc := kb.Local("scratch", dtypes.Float32, 16)
	kb.Fill(loc.Full(), 1)
	kb.Copy(loc.Full(), out.Full())
	k := kb.Finish()

	err := lowerErr(t, k, tile.Config{})
	var policyErr *tile.PolicyError
	require.True(t, errors.As(err, &policyErr), "got: %v", err)
	require.Contains(t, err.Error(), "no single image to copy out")
}

func TestLowerReplicatedLocalLoop(t *testing.T) {
	kb := tile.NewKernel("rep", 1, 1, 128)
	s := kb.Shared("s", dtypes.Float32, 8)
	loc := kb.Local("scratch", dtypes.Float32, 8)
	kb.Fill(s.Full(), 2)
	kb.Parallel([]int{8}, func(ax []*tile.Var) []tile.Assign {
		i := ax[0].Expr()
		return []tile.Assign{tile.AssignTo(loc, []tile.Expr{i}, tile.Mul(tile.LoadOf(s, i), tile.F(0.5)))}
	})
	k := kb.Finish()

	prog := lowerKernel(t, k, tile.Config{})
	par := prog.Body[1].(*ParallelInstr)
	require.Equal(t, LoopRep, par.Plans[0].Kind)
}

func TestLowerReplicatedLoopRejectsFragmentLoads(t *testing.T) {
	kb := tile.NewKernel("repfrag", 1, 1, 128)
	f := kb.Fragment("f", dtypes.Float32, 8)
	loc := kb.Local("scratch", dtypes.Float32, 8)
	kb.Clear(f)
	kb.Parallel([]int{8}, func(ax []*tile.Var) []tile.Assign {
		i := ax[0].Expr()
		return []tile.Assign{tile.AssignTo(loc, []tile.Expr{i}, tile.LoadOf(f, i))}
	})
	k := kb.Finish()

	err := lowerErr(t, k, tile.Config{})
	var policyErr *tile.PolicyError
	require.True(t, errors.As(err, &policyErr), "got: %v", err)
	require.Contains(t, err.Error(), "replicated local loop")
}

func TestLowerStridedFragment(t *testing.T) {
	kb := tile.NewKernel("strided", 1, 1, 128)
	out := kb.Global("Out", dtypes.Float32, 128)
	f := kb.Fragment("f", dtypes.Float32, 128)
	kb.Parallel([]int{128}, func(ax []*tile.Var) []tile.Assign {
		return []tile.Assign{tile.AssignTo(f, []tile.Expr{ax[0].Expr()}, tile.F(2))}
	})
	kb.Copy(f.Full(), out.Full())
	k := kb.Finish()

	prog := lowerKernel(t, k, tile.Config{})
	require.Equal(t, 1, prog.Views[k.Buffer("f")].PerThread)
	require.Equal(t, LoopFlat, prog.Body[0].(*ParallelInstr).Plans[0].Kind)
}

func TestLowerStridedPartialDomain(t *testing.T) {
	kb := tile.NewKernel("partial", 1, 1, 128)
	f := kb.Fragment("f", dtypes.Float32, 128)
	kb.Parallel([]int{64}, func(ax []*tile.Var) []tile.Assign {
		return []tile.Assign{tile.AssignTo(f, []tile.Expr{ax[0].Expr()}, tile.F(0))}
	})
	k := kb.Finish()

	err := lowerErr(t, k, tile.Config{})
	var policyErr *tile.PolicyError
	require.True(t, errors.As(err, &policyErr), "got: %v", err)
	require.Contains(t, err.Error(), "whole buffer in order")
}
