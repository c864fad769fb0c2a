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

// buildMatmul assembles the canonical tiled GEMM used across the package tests:
// C[4096,4096] = A[4096,512] x B[512,4096] with 128x128 output tiles and a
// pipelined K loop of 64-wide slabs.
func buildMatmul(t *testing.T, stages int) *Kernel {
	t.Helper()
	kb := NewKernel("matmul", 32, 32, 128)
	a := kb.Global("A", dtypes.Float16, 4096, 512)
	b := kb.Global("B", dtypes.Float16, 512, 4096)
	c := kb.Global("C", dtypes.Float16, 4096, 4096)
	aS := kb.Shared("a_s", dtypes.Float16, 128, 64)
	bS := kb.Shared("b_s", dtypes.Float16, 64, 128)
	acc := kb.Fragment("acc", dtypes.Float32, 128, 128)
	accOut := kb.Fragment("acc_h", dtypes.Float16, 128, 128)

	bx, by := kb.BlockX(), kb.BlockY()
	kb.Clear(acc)
	kb.Pipelined("k", 512/64, stages, func(k *Var) {
		kb.Copy(a.Slice([]Expr{by.Times(128), k.Times(64)}, []int{128, 64}), aS.Full())
		kb.Copy(b.Slice([]Expr{k.Times(64), bx.Times(128)}, []int{64, 128}), bS.Full())
		kb.Gemm(aS, bS, acc, false, WarpPolicyDefault)
	})
	kb.Parallel([]int{128, 128}, func(ax []*Var) []Assign {
		i, j := ax[0], ax[1]
		return []Assign{AssignTo(accOut, []Expr{i.Expr(), j.Expr()}, LoadOf(acc, i.Expr(), j.Expr()))}
	})
	kb.Copy(accOut.Full(), c.Slice([]Expr{by.Times(128), bx.Times(128)}, []int{128, 128}))
	return kb.Finish()
}

func TestBuilderMatmul(t *testing.T) {
	k := buildMatmul(t, 3)

	require.Equal(t, "matmul", k.Name)
	require.Equal(t, 32, k.GridX)
	require.Equal(t, 32, k.GridY)
	require.Equal(t, 128, k.Threads)

	require.Len(t, k.Buffers, 7)
	require.Equal(t, []*Buffer{k.Buffer("A"), k.Buffer("B"), k.Buffer("C")}, k.Globals())
	require.Nil(t, k.Buffer("nope"))

	// Top level: clear, pipelined, parallel, copy-out.
	require.Len(t, k.Ops, 4)
	require.Equal(t, OpTypeFill, k.Ops[0].Type())
	require.Equal(t, OpTypePipelined, k.Ops[1].Type())
	require.Equal(t, OpTypeParallel, k.Ops[2].Type())
	require.Equal(t, OpTypeCopy, k.Ops[3].Type())

	pipelined := k.Ops[1].(*Pipelined)
	require.Equal(t, 8, pipelined.Trip)
	require.Equal(t, 3, pipelined.Stages)
	require.Len(t, pipelined.Body, 3)
	require.Equal(t, 7, k.NumOps())

	// Sites number ops in construction order.
	require.Equal(t, 0, k.Ops[0].Site().Index)
	require.Equal(t, 1, pipelined.Site().Index)
	require.Equal(t, 2, pipelined.Body[0].Site().Index)
	require.Equal(t, 5, k.Ops[2].Site().Index)

	// The two pipelined copies are async loads; the write-back copy is not.
	require.True(t, pipelined.Body[0].(*Copy).AsyncLoad())
	require.True(t, pipelined.Body[1].(*Copy).AsyncLoad())
	require.False(t, k.Ops[3].(*Copy).AsyncLoad())

	require.NoError(t, Validate(k))
}

func TestBuilderPanics(t *testing.T) {
	require.Panics(t, func() { NewKernel("bad name", 1, 1, 32) })
	require.Panics(t, func() { NewKernel("k", 0, 1, 32) })
	require.Panics(t, func() { NewKernel("k", 1, 1, -1) })

	kb := NewKernel("k", 2, 2, 64)
	q := kb.Global("q", dtypes.Float32, 16, 16)
	require.Panics(t, func() { kb.Global("q", dtypes.Float32, 4) })    // duplicate name
	require.Panics(t, func() { kb.Shared("2bad", dtypes.Float32, 4) }) // invalid identifier
	require.Panics(t, func() { kb.Shared("s", dtypes.Float32, 0) })    // bad dimension

	s := kb.Shared("s", dtypes.Float32, 16, 16)
	require.Panics(t, func() { q.Slice([]Expr{C(0)}, []int{16, 16}) })      // rank mismatch
	require.Panics(t, func() { q.Slice([]Expr{C(0), C(0)}, []int{16, 0}) }) // bad extent
	require.Panics(t, func() { kb.Parallel(nil, nil) })                     // no extents
	require.Panics(t, func() { kb.Pipelined("bx", 4, 2, func(*Var) {}) })   // reserved name
	require.Panics(t, func() { kb.Pipelined("k", 0, 2, func(*Var) {}) })    // bad trip
	require.Panics(t, func() { kb.Pipelined("k", 4, 2, func(*Var) {}) })    // empty body
	require.Panics(t, func() { kb.Parallel([]int{4}, func([]*Var) []Assign { return nil }) })

	// A foreign buffer is rejected.
	other := NewKernel("other", 1, 1, 32)
	foreign := other.Shared("f", dtypes.Float32, 16, 16)
	require.Panics(t, func() { kb.Copy(q.Full(), foreign.Full()) })

	kb.Copy(q.Full(), s.Full())
	kernel := kb.Finish()
	require.NotNil(t, kernel)
	require.Panics(t, func() { kb.Copy(q.Full(), s.Full()) }) // after Finish
	require.Panics(t, func() { kb.Finish() })
}

func TestBuilderNestedPipelinedPanics(t *testing.T) {
	kb := NewKernel("nested", 1, 1, 32)
	g := kb.Global("g", dtypes.Float32, 64, 16)
	s := kb.Shared("s", dtypes.Float32, 16, 16)
	require.Panics(t, func() {
		kb.Pipelined("k", 4, 2, func(k *Var) {
			kb.Copy(g.Slice([]Expr{k.Times(16), C(0)}, []int{16, 16}), s.Full())
			kb.Pipelined("k2", 4, 2, func(*Var) {})
		})
	})
}

func TestBuilderEmptyKernelPanics(t *testing.T) {
	kb := NewKernel("empty", 1, 1, 32)
	require.Panics(t, func() { kb.Finish() })
}
