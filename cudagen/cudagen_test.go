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
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gotile/gotile/layout"
	"github.com/gotile/gotile/lower"
	"github.com/gotile/gotile/memplan"
	"github.com/gotile/gotile/pipeline"
	"github.com/gotile/gotile/raster"
	"github.com/gotile/gotile/tile"
)

// buildMatmul assembles the reference pipelined matmul the emitter tests render.
func buildMatmul(t *testing.T) *tile.Kernel {
	t.Helper()
	kb := tile.NewKernel("matmul", 8, 8, 128)
	a := kb.Global("A", dtypes.Float16, 1024, 256)
	b := kb.Global("B", dtypes.Float16, 256, 1024)
	c := kb.Global("C", dtypes.Float16, 1024, 1024)
	aS := kb.Shared("a_s", dtypes.Float16, 128, 32)
	bS := kb.Shared("b_s", dtypes.Float16, 32, 128)
	acc := kb.Fragment("acc", dtypes.Float32, 128, 128)
	accH := kb.Fragment("acc_h", dtypes.Float16, 128, 128)

	kb.Clear(acc)
	kb.Pipelined("k", 8, 0, func(k *tile.Var) {
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

// emit runs the full pass sequence and renders the kernel.
func emit(t *testing.T, k *tile.Kernel, cfg tile.Config) *Artifact {
	t.Helper()
	cfg = cfg.WithDefaults()
	require.NoError(t, tile.Validate(k))
	require.NoError(t, layout.Infer(k, cfg))
	mem, err := memplan.Allocate(k, cfg)
	require.NoError(t, err)
	schedules, err := pipeline.BuildAll(k, cfg)
	require.NoError(t, err)
	prog, err := lower.Lower(k, cfg, schedules)
	require.NoError(t, err)
	art, err := Emit(prog, mem, raster.Build(k.GridX, k.GridY, cfg.PanelSize))
	require.NoError(t, err)
	return art
}

func TestEmitMatmul(t *testing.T) {
	k := buildMatmul(t)
	art := emit(t, k, tile.Config{Stages: 3})
	src := art.Source

	require.Contains(t, src, `extern "C" __global__ void __launch_bounds__(128) matmul(`)
	// Parameters in declaration order; C is written, so not const.
	require.Contains(t, src, "const __half* __restrict__ A,")
	require.Contains(t, src, "__half* __restrict__ C) {")
	require.Contains(t, src, "extern __shared__ unsigned char smem[];")

	// Shared views sit at their allocated offsets.
	for _, name := range []string{"a_s", "b_s"} {
		alloc := k.Buffer(name).Allocation()
		require.NotNil(t, alloc)
		require.Contains(t, src,
			strings.Replace("__half* NAME = reinterpret_cast<__half*>(smem + ", "NAME", name, 1))
	}

	// The pipelined loop carries the async machinery and the mma path.
	require.Contains(t, src, "cp_async_commit();")
	require.Contains(t, src, "cp_async_wait<2>();")
	require.Contains(t, src, "__syncthreads();")
	require.Contains(t, src, "mma_m16n8k16_f16(")
	require.Contains(t, src, "ldmatrix_x4(")
}

func TestEmitOddStrideCopyStaysScalar(t *testing.T) {
	kb := tile.NewKernel("oddstride", 1, 1, 128)
	g := kb.Global("G", dtypes.Float32, 32, 9)
	s := kb.Shared("s", dtypes.Float32, 4, 8)
	f := kb.Fragment("f", dtypes.Float32, 4, 8)
	kb.Pipelined("k", 8, 2, func(k *tile.Var) {
		kb.Copy(g.Slice([]tile.Expr{k.Times(4), tile.C(0)}, []int{4, 8}), s.Full())
		kb.Parallel([]int{4, 8}, func(ax []*tile.Var) []tile.Assign {
			idx := []tile.Expr{ax[0].Expr(), ax[1].Expr()}
			return []tile.Assign{tile.AssignTo(f, idx, tile.Mul(tile.LoadOf(s, idx...), tile.F(2)))}
		})
	})
	k := kb.Finish()

	src := emit(t, k, tile.Config{}).Source
	body := src[strings.Index(src, `extern "C"`):]

	// 32-byte rows at a 36-byte stride: only the first row of each tile is
	// 16-byte aligned, so the issue copy moves single words.
	require.Contains(t, body, "cp_async_4(&")
	require.NotContains(t, body, "cp_async_16(")
	require.NotContains(t, body, "cp_async_8(")
	require.NotContains(t, body, "uint4")
}

func TestEmitDeterministic(t *testing.T) {
	cfg := tile.Config{Stages: 2, PanelSize: 2}
	first := emit(t, buildMatmul(t), cfg)
	second := emit(t, buildMatmul(t), cfg)
	require.Equal(t, first.Source, second.Source)
	require.Equal(t, first.Manifest, second.Manifest)
}

func TestEmitManifest(t *testing.T) {
	k := buildMatmul(t)
	art := emit(t, k, tile.Config{Stages: 2})
	m := art.Manifest

	require.Equal(t, "matmul", m.KernelName)
	require.Equal(t, 8, m.GridX)
	require.Equal(t, 8, m.GridY)
	require.Equal(t, 128, m.BlockThreads)
	require.Equal(t, k.Buffer("a_s").Allocation().TotalBytes()+k.Buffer("b_s").Allocation().TotalBytes(),
		m.SharedMemBytes)
	require.Positive(t, m.RegisterBytesPerThread)
	require.Equal(t, uuid.NewSHA1(uuid.NameSpaceOID, []byte(art.Source)).String(), m.Fingerprint)

	js := m.JSON()
	require.Contains(t, js, `"kernel_name": "matmul"`)
	require.Contains(t, js, `"shared_mem_bytes"`)
	require.Equal(t, js, art.Manifest.JSON())
}

func TestEmitRasterRemap(t *testing.T) {
	plain := emit(t, buildMatmul(t), tile.Config{Stages: 2})
	require.Contains(t, plain.Source, "const int bx = (int)blockIdx.x;")
	require.NotContains(t, plain.Source, "panel")

	swz := emit(t, buildMatmul(t), tile.Config{Stages: 2, PanelSize: 4})
	require.Contains(t, swz.Source, "const int linear = (int)blockIdx.y * 8 + (int)blockIdx.x;")
	require.Contains(t, swz.Source, "const int panel = linear / 32;")
	require.Contains(t, swz.Source, "const int bx = panel * 4 + within % width;")
}

func TestEmitGridMismatch(t *testing.T) {
	k := buildMatmul(t)
	cfg := tile.Config{}.WithDefaults()
	require.NoError(t, tile.Validate(k))
	require.NoError(t, layout.Infer(k, cfg))
	mem, err := memplan.Allocate(k, cfg)
	require.NoError(t, err)
	schedules, err := pipeline.BuildAll(k, cfg)
	require.NoError(t, err)
	prog, err := lower.Lower(k, cfg, schedules)
	require.NoError(t, err)

	_, err = Emit(prog, mem, raster.Build(4, 4, 0))
	require.ErrorContains(t, err, "raster plan covers a 4x4 grid")
}

func TestEmitNameCollisions(t *testing.T) {
	// Buffers named after emitter-reserved identifiers get suffixed, not
	// shadowed.
	kb := tile.NewKernel("collide", 1, 1, 64)
	g := kb.Global("lane", dtypes.Float32, 64, 64)
	s := kb.Shared("smem", dtypes.Float32, 64, 64)
	kb.Copy(g.Full(), s.Full())
	art := emit(t, kb.Finish(), tile.Config{})

	require.Contains(t, art.Source, "lane_2")
	require.Contains(t, art.Source, "smem_2")
	require.Contains(t, art.Source, "const int lane = tid % 32;")
}
