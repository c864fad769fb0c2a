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
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestOpTypeEnumer(t *testing.T) {
	require.Equal(t, "Gemm", OpTypeGemm.String())
	require.Equal(t, "Pipelined", OpTypePipelined.String())
	require.Equal(t, "OpType(42)", OpType(42).String())

	got, err := OpTypeString("gemm")
	require.NoError(t, err)
	require.Equal(t, OpTypeGemm, got)
	_, err = OpTypeString("transmogrify")
	require.Error(t, err)

	require.Len(t, OpTypeValues(), 7)
	require.True(t, OpTypeParallel.IsAOpType())
	require.False(t, OpType(42).IsAOpType())
}

func TestMemSpace(t *testing.T) {
	require.Equal(t, "shared", MemShared.String())
	require.Equal(t, "global", MemGlobal.String())
	require.False(t, MemGlobal.OnChip())
	require.True(t, MemShared.OnChip())
	require.True(t, MemFragment.OnChip())
	require.True(t, MemLocal.OnChip())
}

func TestRegion(t *testing.T) {
	kb := NewKernel("regions", 4, 4, 64)
	g := kb.Global("G", dtypes.Float16, 256, 64)
	s := kb.Shared("s", dtypes.Float16, 64, 64)

	full := s.Full()
	require.True(t, full.IsFull())
	require.Equal(t, 2, full.Rank())
	require.Equal(t, 64*64, full.Size())
	require.Equal(t, "s[0:+64, 0:+64]", full.String())

	by := kb.BlockY()
	window := g.Slice([]Expr{by.Times(64), C(0)}, []int{64, 64})
	require.False(t, window.IsFull())
	require.Equal(t, "G[64*by:+64, 0:+64]", window.String())
	require.Equal(t, []int{64, 64}, window.squeezedExtents())

	row := g.Slice([]Expr{C(0), C(0)}, []int{1, 64})
	require.Equal(t, []int{64}, row.squeezedExtents())
}

func TestOpReadsWrites(t *testing.T) {
	kb := NewKernel("rw", 2, 2, 64)
	g := kb.Global("G", dtypes.Float16, 128, 64)
	s := kb.Shared("s", dtypes.Float16, 64, 64)
	b := kb.Shared("b", dtypes.Float16, 64, 64)
	acc := kb.Fragment("acc", dtypes.Float32, 64, 64)
	rowMax := kb.Fragment("row_max", dtypes.Float32, 64)

	copyOp := kb.Copy(g.Slice([]Expr{kb.BlockY().Times(64), C(0)}, []int{64, 64}), s.Full())
	require.Equal(t, []*Buffer{g}, copyOp.Reads())
	require.Equal(t, []*Buffer{s}, copyOp.Writes())

	fill := kb.Clear(acc)
	require.Empty(t, fill.Reads())
	require.Equal(t, []*Buffer{acc}, fill.Writes())

	gemm := kb.Gemm(s, b, acc, true, WarpPolicyFullRow)
	require.Equal(t, []*Buffer{s, b, acc}, gemm.Reads())
	require.Equal(t, []*Buffer{acc}, gemm.Writes())
	m, n, k := gemm.Dims()
	require.Equal(t, [3]int{64, 64, 64}, [3]int{m, n, k})

	fresh := kb.ReduceMax(acc, rowMax, 1, false)
	require.Equal(t, []*Buffer{acc}, fresh.Reads())
	running := kb.ReduceMax(acc, rowMax, 1, true)
	require.Equal(t, []*Buffer{acc, rowMax}, running.Reads())
	require.Equal(t, []*Buffer{rowMax}, running.Writes())

	par := kb.Parallel([]int{64, 64}, func(ax []*Var) []Assign {
		i, j := ax[0], ax[1]
		scaled := Mul(LoadOf(acc, i.Expr(), j.Expr()), Rcp(LoadOf(rowMax, i.Expr())))
		return []Assign{AssignTo(acc, []Expr{i.Expr(), j.Expr()}, scaled)}
	})
	require.Equal(t, []*Buffer{acc, rowMax}, par.Reads())
	require.Equal(t, []*Buffer{acc}, par.Writes())
}

func TestReduceKindIdentity(t *testing.T) {
	require.Equal(t, 0.0, ReduceSum.Identity())
	require.True(t, ReduceMax.Identity() < 0)
	require.Equal(t, "max", ReduceMax.String())
	require.Equal(t, "sum", ReduceSum.String())
}

func TestScalarStrings(t *testing.T) {
	kb := NewKernel("strs", 1, 1, 32)
	acc := kb.Fragment("acc", dtypes.Float32, 8, 8)
	i := &Var{Kind: VarAxis, Name: "i0", Extent: 8}
	j := &Var{Kind: VarAxis, Name: "i1", Extent: 8}

	expr := IfThenElse(i.Expr().GE(j.Expr()),
		Exp2(Mul(LoadOf(acc, i.Expr(), j.Expr()), F(1.5))),
		F(0))
	require.Equal(t, "select(i0 >= i1, exp2(mul(acc[i0, i1], 1.5)), 0)", expr.String())

	assign := AssignTo(acc, []Expr{i.Expr(), j.Expr()}, expr)
	require.Contains(t, assign.String(), "acc[i0, i1] = select(")
}
