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

package memplan

import (
	"errors"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gotile/gotile/layout"
	"github.com/gotile/gotile/tile"
)

// pipelined 128x128x64-tile matmul with a cast epilogue.
func buildPipelinedMatmul(t *testing.T, stages int) *tile.Kernel {
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

func TestAllocateMatmul(t *testing.T) {
	k := buildPipelinedMatmul(t, 3)
	cfg := tile.Config{}
	require.NoError(t, tile.Validate(k))
	require.NoError(t, layout.Infer(k, cfg))

	plan, err := Allocate(k, cfg)
	require.NoError(t, err)

	aAlloc := k.Buffer("a_s").Allocation()
	require.NotNil(t, aAlloc)
	require.Equal(t, 3, aAlloc.Copies)
	require.Equal(t, 128*64*2, aAlloc.SlotBytes)
	require.Equal(t, 0, aAlloc.OffsetBytes)
	require.Equal(t, 3*128*64*2, aAlloc.TotalBytes())
	require.Equal(t, 128*64*2, aAlloc.SlotOffset(1))

	bAlloc := k.Buffer("b_s").Allocation()
	require.NotNil(t, bAlloc)
	require.Equal(t, 3, bAlloc.Copies)
	require.Equal(t, aAlloc.TotalBytes(), bAlloc.OffsetBytes)

	require.Equal(t, aAlloc.TotalBytes()+bAlloc.TotalBytes(), plan.SharedBytes)

	// acc holds 128 f32 slots per thread, acc_h the same count in f16.
	require.Equal(t, 128*4+128*2, plan.RegisterBytesPerThread)

	// Fragments and globals are not placed in shared memory.
	require.Nil(t, k.Buffer("acc").Allocation())
	require.Nil(t, k.Buffer("A").Allocation())
}

func TestAllocateReduceVectorRegisters(t *testing.T) {
	kb := tile.NewKernel("rowvec", 1, 1, 128)
	q := kb.Global("Q", dtypes.Float16, 64, 64)
	kG := kb.Global("K", dtypes.Float16, 64, 64)
	rowMax := kb.Global("RowMax", dtypes.Float32, 64)
	qS := kb.Shared("q_s", dtypes.Float16, 64, 64)
	kS := kb.Shared("k_s", dtypes.Float16, 64, 64)
	scores := kb.Fragment("scores", dtypes.Float32, 64, 64)
	m := kb.Fragment("m", dtypes.Float32, 64)
	kb.Copy(q.Full(), qS.Full())
	kb.Copy(kG.Full(), kS.Full())
	kb.Gemm(qS, kS, scores, true, tile.WarpPolicyDefault)
	kb.ReduceMax(scores, m, 1, false)
	kb.Copy(m.Full(), rowMax.Full())
	k := kb.Finish()

	require.NoError(t, tile.Validate(k))
	require.NoError(t, layout.Infer(k, tile.Config{}))
	plan, err := Allocate(k, tile.Config{})
	require.NoError(t, err)

	// m is replicated across each row's lanes: every thread holds two
	// entries per atom of the kept axis, not a dense 1/threads share.
	frag := k.Buffer("scores").Layout().(*layout.Fragment)
	atomsM, _ := frag.Atoms()
	want := frag.SlotsPerLane()*4 + 2*atomsM*4
	require.Equal(t, want, plan.RegisterBytesPerThread)
}

func TestAllocateReusesDeadRanges(t *testing.T) {
	kb := tile.NewKernel("reuse", 1, 1, 64)
	in := kb.Global("in", dtypes.Float32, 64, 64)
	out := kb.Global("out", dtypes.Float32, 64, 64)
	s1 := kb.Shared("s1", dtypes.Float32, 64, 64)
	s2 := kb.Shared("s2", dtypes.Float32, 64, 64)
	kb.Copy(in.Full(), s1.Full())
	kb.Copy(s1.Full(), out.Full())
	kb.Copy(in.Full(), s2.Full())
	kb.Copy(s2.Full(), out.Full())
	k := kb.Finish()

	require.NoError(t, layout.Infer(k, tile.Config{}))
	plan, err := Allocate(k, tile.Config{})
	require.NoError(t, err)

	// s2 starts after s1's last use, so both sit at offset 0.
	require.Equal(t, 0, k.Buffer("s1").Allocation().OffsetBytes)
	require.Equal(t, 0, k.Buffer("s2").Allocation().OffsetBytes)
	require.Equal(t, 64*64*4, plan.SharedBytes)
}

func TestAllocateKeepsOverlappingApart(t *testing.T) {
	kb := tile.NewKernel("overlap", 1, 1, 64)
	in := kb.Global("in", dtypes.Float32, 64, 64)
	out := kb.Global("out", dtypes.Float32, 64, 64)
	s1 := kb.Shared("s1", dtypes.Float32, 64, 64)
	s2 := kb.Shared("s2", dtypes.Float32, 64, 64)
	kb.Copy(in.Full(), s1.Full())
	kb.Copy(in.Full(), s2.Full())
	kb.Copy(s1.Full(), out.Full())
	kb.Copy(s2.Full(), out.Full())
	k := kb.Finish()

	require.NoError(t, layout.Infer(k, tile.Config{}))
	plan, err := Allocate(k, tile.Config{})
	require.NoError(t, err)
	require.Equal(t, 0, k.Buffer("s1").Allocation().OffsetBytes)
	require.Equal(t, 64*64*4, k.Buffer("s2").Allocation().OffsetBytes)
	require.Equal(t, 2*64*64*4, plan.SharedBytes)
}

func TestAllocateSharedCapacity(t *testing.T) {
	kb := tile.NewKernel("big", 1, 1, 128)
	in := kb.Global("in", dtypes.Float32, 512, 128)
	s := kb.Shared("s", dtypes.Float32, 512, 128) // 256 KiB
	kb.Copy(in.Full(), s.Full())
	k := kb.Finish()

	require.NoError(t, layout.Infer(k, tile.Config{}))
	_, err := Allocate(k, tile.Config{})
	require.Error(t, err)
	var capErr *tile.CapacityError
	require.True(t, errors.As(err, &capErr), "got: %v", err)
	require.Equal(t, "shared memory", capErr.Resource)
	require.Equal(t, 512*128*4, capErr.Requested)
	require.Contains(t, err.Error(), "256 KiB")
	require.Contains(t, err.Error(), "sm_80")
}

func TestAllocateRegisterCapacity(t *testing.T) {
	kb := tile.NewKernel("fat", 1, 1, 128)
	aS := kb.Shared("a_s", dtypes.Float16, 256, 64)
	bS := kb.Shared("b_s", dtypes.Float16, 64, 256)
	acc := kb.Fragment("acc", dtypes.Float32, 256, 256)
	kb.Gemm(aS, bS, acc, false, tile.WarpPolicyDefault)
	k := kb.Finish()

	require.NoError(t, layout.Infer(k, tile.Config{}))
	_, err := Allocate(k, tile.Config{})
	var capErr *tile.CapacityError
	require.True(t, errors.As(err, &capErr), "got: %v", err)
	require.Equal(t, "registers", capErr.Resource)
	// 4 warps full-row: 64x256 per warp = 4x32 atoms = 512 slots of f32.
	require.Equal(t, 512*4, capErr.Requested)
}

func TestAllocateThreadCapacity(t *testing.T) {
	kb := tile.NewKernel("wide", 1, 1, 2048)
	s := kb.Shared("s", dtypes.Float32, 64)
	kb.Fill(s.Full(), 0)
	k := kb.Finish()

	_, err := Allocate(k, tile.Config{})
	var capErr *tile.CapacityError
	require.True(t, errors.As(err, &capErr), "got: %v", err)
	require.Equal(t, "threads", capErr.Resource)
	require.Contains(t, err.Error(), "requested 2048, budget 1024")
}

func TestAllocateStageClamp(t *testing.T) {
	// Configured stage count beyond the trip count clamps to the trip count.
	kb := tile.NewKernel("clamp", 1, 1, 64)
	in := kb.Global("in", dtypes.Float32, 128, 64)
	s := kb.Shared("s", dtypes.Float32, 64, 64)
	out := kb.Global("out", dtypes.Float32, 64, 64)
	kb.Pipelined("k", 2, 0, func(k *tile.Var) {
		kb.Copy(in.Slice([]tile.Expr{k.Times(64), tile.C(0)}, []int{64, 64}), s.Full())
		kb.Copy(s.Full(), out.Full())
	})
	k := kb.Finish()

	cfg := tile.Config{Stages: 4}
	require.NoError(t, layout.Infer(k, cfg))
	_, err := Allocate(k, cfg)
	require.NoError(t, err)
	require.Equal(t, 2, k.Buffer("s").Allocation().Copies)
}

func TestAllocateSkipsDeadBuffers(t *testing.T) {
	kb := tile.NewKernel("dead", 1, 1, 64)
	in := kb.Global("in", dtypes.Float32, 64)
	s := kb.Shared("s", dtypes.Float32, 64)
	kb.Shared("unused", dtypes.Float32, 4096)
	kb.Copy(in.Full(), s.Full())
	k := kb.Finish()

	require.NoError(t, layout.Infer(k, tile.Config{}))
	plan, err := Allocate(k, tile.Config{})
	require.NoError(t, err)
	require.Nil(t, k.Buffer("unused").Allocation())
	require.Equal(t, 64*4, plan.SharedBytes)
}
