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

// Package cudagen renders a lowered Program as one CUDA C++ translation unit
// plus the launch manifest the host side needs. It is the last pass: layouts,
// allocations, schedules and the instruction plan are all resolved before it
// runs, so emission is a pure, deterministic serialization -- identical
// resolved programs produce byte-identical source. There are no timestamps and
// no map-order walks: buffers render in declaration order, instructions in
// program order, schedule steps in stream order.
//
// The output is a fixed prelude (cp.async wrappers, the m16n8k16 mma wrappers,
// ldmatrix wrappers, fragment ownership helpers) followed by a single
// extern "C" __global__ kernel whose parameters are the kernel's global
// buffers in declaration order. Shared buffers become typed views into one
// dynamic extern __shared__ arena at their allocated offsets; fragments and
// locals become per-thread register arrays sized by their views.
package cudagen

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gotile/gotile/lower"
	"github.com/gotile/gotile/memplan"
	"github.com/gotile/gotile/raster"
	"github.com/gotile/gotile/tile"
)

// Manifest is the launch descriptor accompanying the generated source: the
// geometry and budgets the host passes to the driver, plus a fingerprint of
// the source for cache keys.
type Manifest struct {
	KernelName   string `json:"kernel_name"`
	GridX        int    `json:"grid_x"`
	GridY        int    `json:"grid_y"`
	BlockThreads int    `json:"block_threads"`

	// SharedMemBytes is the dynamic shared-memory size to launch with.
	SharedMemBytes int `json:"shared_mem_bytes"`

	// RegisterBytesPerThread is the allocator's per-thread register estimate.
	RegisterBytesPerThread int `json:"register_bytes_per_thread"`

	// Fingerprint is the UUIDv5 of the generated source, stable across runs.
	Fingerprint string `json:"fingerprint"`
}

// JSON renders the manifest with fixed key order and indentation, so equal
// manifests serialize to equal bytes.
func (m Manifest) JSON() string {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		exceptions.Panicf("cudagen: manifest not serializable: %v", err)
	}
	return string(data)
}

// Artifact is the full emission result for one kernel.
type Artifact struct {
	// Source is the complete CUDA C++ translation unit.
	Source string

	Manifest Manifest
}

// Emit renders the lowered program. mem supplies the launch budgets for the
// manifest; ras must be the plan the program's block-coordinate offsets were
// validated against.
func Emit(prog *lower.Program, mem *memplan.Plan, ras raster.Plan) (*Artifact, error) {
	k := prog.Kernel
	if ras.GridX != k.GridX || ras.GridY != k.GridY {
		return nil, errors.Errorf("cudagen: raster plan covers a %dx%d grid, kernel %q launches %dx%d",
			ras.GridX, ras.GridY, k.Name, k.GridX, k.GridY)
	}

	e := newEmitter(prog, mem, ras)
	if err := e.kernel(); err != nil {
		return nil, err
	}
	source := e.w.sb.String()

	art := &Artifact{
		Source: source,
		Manifest: Manifest{
			KernelName:             k.Name,
			GridX:                  k.GridX,
			GridY:                  k.GridY,
			BlockThreads:           k.Threads,
			SharedMemBytes:         mem.SharedBytes,
			RegisterBytesPerThread: mem.RegisterBytesPerThread,
			Fingerprint:            uuid.NewSHA1(uuid.NameSpaceOID, []byte(source)).String(),
		},
	}
	klog.V(1).Infof("cudagen: %s: %d bytes of source, fingerprint %s",
		k.Name, len(source), art.Manifest.Fingerprint)
	return art, nil
}

type emitter struct {
	prog *lower.Program
	mem  *memplan.Plan
	ras  raster.Plan
	w    writer

	names        map[*tile.Buffer]string
	iterNames    map[*tile.Pipelined]string
	consumeNames map[*tile.Pipelined]string
	used         map[string]bool
}

func newEmitter(prog *lower.Program, mem *memplan.Plan, ras raster.Plan) *emitter {
	e := &emitter{
		prog:         prog,
		mem:          mem,
		ras:          ras,
		names:        make(map[*tile.Buffer]string),
		iterNames:    make(map[*tile.Pipelined]string),
		consumeNames: make(map[*tile.Pipelined]string),
		used:         make(map[string]bool, len(reservedNames)),
	}
	for name := range reservedNames {
		e.used[name] = true
	}
	for _, b := range prog.Kernel.Buffers {
		e.names[b] = e.unique(b.Name)
	}
	for _, op := range prog.Kernel.Ops {
		if p, ok := op.(*tile.Pipelined); ok {
			e.iterNames[p] = e.unique(p.Iter.Name)
			e.consumeNames[p] = e.unique(p.Iter.Name + "c")
		}
	}
	return e
}

// unique returns base, suffixed if needed to dodge reserved identifiers and
// names already handed out.
func (e *emitter) unique(base string) string {
	name := base
	for i := 2; e.used[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	e.used[name] = true
	return name
}

// axisNames picks C names for a parallel domain's axis variables. They live in
// loop-local scopes, so they only need to dodge the kernel-level identifiers
// and each other.
func (e *emitter) axisNames(axes []*tile.Var) []string {
	taken := make(map[string]bool, len(axes))
	names := make([]string, len(axes))
	for i, v := range axes {
		name := v.Name
		for j := 2; e.used[name] || taken[name]; j++ {
			name = fmt.Sprintf("%s_%d", v.Name, j)
		}
		taken[name] = true
		names[i] = name
	}
	return names
}

func (e *emitter) kernel() error {
	k := e.prog.Kernel
	warpSize := e.prog.Config.Target.WarpSize

	e.w.line("// Code generated by gotile. DO NOT EDIT.")
	e.w.line("//")
	e.w.line("// %s: grid %dx%d, %d threads per block, %s of shared memory.",
		k.Name, k.GridX, k.GridY, k.Threads, humanize.IBytes(uint64(e.mem.SharedBytes)))
	e.w.blank()
	e.w.line("#include <cstdint>")
	e.w.line("#include <cuda_bf16.h>")
	e.w.line("#include <cuda_fp16.h>")
	e.w.line("#include <math.h>")
	e.w.blank()
	e.w.raw(prelude)
	e.w.blank()

	e.signature()
	e.w.inc()
	e.w.line("const int tid = (int)threadIdx.x;")
	e.w.line("const int warp = tid / %d;", warpSize)
	e.w.line("const int lane = tid %% %d;", warpSize)
	e.rasterRemap()

	if e.mem.SharedBytes > 0 {
		e.w.blank()
		e.w.line("extern __shared__ unsigned char smem[];")
		for _, b := range k.Buffers {
			alloc := b.Allocation()
			if b.Space != tile.MemShared || alloc == nil {
				continue
			}
			ct, err := ctype(b.DType())
			if err != nil {
				return err
			}
			e.w.line("%s* %s = reinterpret_cast<%s*>(smem + %d);  // %s",
				ct, e.names[b], ct, alloc.OffsetBytes, alloc)
		}
	}

	regs := false
	for _, b := range k.Buffers {
		v, ok := e.prog.Views[b]
		if !ok {
			continue
		}
		if !regs {
			e.w.blank()
			regs = true
		}
		ct, err := ctype(b.DType())
		if err != nil {
			return err
		}
		switch {
		case v.Frag != nil:
			e.w.line("%s %s[%d];  // %s", ct, e.names[b], v.Frag.SlotsPerLane(), v.Frag)
		case v.Vec != nil:
			e.w.line("%s %s[%d];  // %s", ct, e.names[b], v.Vec.PerThread(), v.Vec)
		case b.Space == tile.MemLocal:
			e.w.line("%s %s[%d];  // private copy", ct, e.names[b], v.PerThread)
		default:
			e.w.line("%s %s[%d];  // thread-strided", ct, e.names[b], v.PerThread)
		}
	}

	ctx := e.baseCtx()
	if err := e.instrs(e.prog.Body, ctx); err != nil {
		return err
	}

	e.w.dec()
	e.w.line("}")
	return nil
}

// signature emits the kernel entry point: one pointer parameter per global
// buffer, in declaration order, const-qualified when the kernel never writes
// the buffer.
func (e *emitter) signature() {
	k := e.prog.Kernel
	written := make(map[*tile.Buffer]bool)
	k.VisitOps(func(op tile.Op, _ *tile.Pipelined) bool {
		for _, b := range op.Writes() {
			written[b] = true
		}
		return true
	})

	globals := k.Globals()
	if len(globals) == 0 {
		e.w.line(`extern "C" __global__ void __launch_bounds__(%d) %s() {`, k.Threads, k.Name)
		return
	}
	e.w.line(`extern "C" __global__ void __launch_bounds__(%d) %s(`, k.Threads, k.Name)
	for i, b := range globals {
		ct, err := ctype(b.DType())
		if err != nil {
			// Reported again, with context, when the buffer is addressed.
			ct = "void"
		}
		qual := ""
		if !written[b] {
			qual = "const "
		}
		sep := ","
		if i == len(globals)-1 {
			sep = ") {"
		}
		e.w.line("    %s%s* __restrict__ %s%s", qual, ct, e.names[b], sep)
	}
}

// rasterRemap binds the logical block coordinates. A panel plan linearizes the
// launch index and walks panels column-band first, matching raster.Plan.Coords.
func (e *emitter) rasterRemap() {
	if e.ras.Identity() {
		e.w.line("const int bx = (int)blockIdx.x;")
		e.w.line("const int by = (int)blockIdx.y;")
		return
	}
	p, gx := e.ras.Panel, e.ras.GridX
	perPanel := p * e.ras.GridY
	e.w.line("// %s", e.ras)
	e.w.line("const int linear = (int)blockIdx.y * %d + (int)blockIdx.x;", gx)
	e.w.line("const int panel = linear / %d;", perPanel)
	e.w.line("const int within = linear %% %d;", perPanel)
	e.w.line("int width = %d;", p)
	e.w.line("if (%d - panel * %d < width) width = %d - panel * %d;", gx, p, gx, p)
	e.w.line("const int bx = panel * %d + within %% width;", p)
	e.w.line("const int by = within / width;")
}

// writer accumulates indented source lines.
type writer struct {
	sb     strings.Builder
	indent int
}

func (w *writer) inc() { w.indent++ }
func (w *writer) dec() { w.indent-- }

func (w *writer) line(format string, args ...any) {
	for i := 0; i < w.indent; i++ {
		w.sb.WriteString("  ")
	}
	fmt.Fprintf(&w.sb, format, args...)
	w.sb.WriteByte('\n')
}

func (w *writer) blank() { w.sb.WriteByte('\n') }

// raw appends pre-formatted text untouched.
func (w *writer) raw(text string) { w.sb.WriteString(text) }

// reservedNames are identifiers the emitter itself generates (thread ids,
// loop counters, staging registers, prelude helpers) plus the C and CUDA
// names a buffer or iterator must not shadow.
var reservedNames = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`
		tid warp lane bx by smem linear panel width within
		v e s n p kk ka am an abase base part sum vecs wrow wcol
		r0 r1 r2 r3 r4 r5 r6 r7 r8 r9
		a_frag b_frag
		cp_async_4 cp_async_8 cp_async_16 cp_async_commit cp_async_wait
		ldmatrix_x4 ldmatrix_x2 ldmatrix_x2_trans
		mma_m16n8k16_f16 mma_m16n8k16_bf16 pack_half2 pack_bfloat2
		frag_row frag_col vec_row vec_col
		threadIdx blockIdx blockDim gridDim warpSize
		auto bool break case char const continue default do double else enum
		extern false float for goto if inline int long register return short
		signed sizeof static struct switch template true typedef union
		unsigned void volatile while
		INFINITY exp2f fabsf fmaxf fminf uint2 uint4`) {
		m[w] = true
	}
	return m
}()

// prelude is the fixed helper section every kernel carries: PTX wrappers for
// asynchronous copies, ldmatrix and mma, plus the inverse ownership maps of
// fragment and row-vector register tiles (see layout.Fragment.Owner).
const prelude = `#define GOTILE_DEVICE static __device__ __forceinline__

GOTILE_DEVICE void cp_async_4(void* dst, const void* src) {
  unsigned addr = (unsigned)__cvta_generic_to_shared(dst);
  asm volatile("cp.async.ca.shared.global [%0], [%1], 4;\n" ::"r"(addr), "l"(src));
}

GOTILE_DEVICE void cp_async_8(void* dst, const void* src) {
  unsigned addr = (unsigned)__cvta_generic_to_shared(dst);
  asm volatile("cp.async.ca.shared.global [%0], [%1], 8;\n" ::"r"(addr), "l"(src));
}

GOTILE_DEVICE void cp_async_16(void* dst, const void* src) {
  unsigned addr = (unsigned)__cvta_generic_to_shared(dst);
  asm volatile("cp.async.cg.shared.global [%0], [%1], 16;\n" ::"r"(addr), "l"(src));
}

GOTILE_DEVICE void cp_async_commit() {
  asm volatile("cp.async.commit_group;\n" ::);
}

template <int Allow>
GOTILE_DEVICE void cp_async_wait() {
  asm volatile("cp.async.wait_group %0;\n" ::"n"(Allow));
}

GOTILE_DEVICE void ldmatrix_x4(unsigned* regs, const void* src) {
  unsigned addr = (unsigned)__cvta_generic_to_shared(src);
  asm volatile("ldmatrix.sync.aligned.m8n8.x4.shared.b16 {%0, %1, %2, %3}, [%4];\n"
               : "=r"(regs[0]), "=r"(regs[1]), "=r"(regs[2]), "=r"(regs[3])
               : "r"(addr));
}

GOTILE_DEVICE void ldmatrix_x2(unsigned* regs, const void* src) {
  unsigned addr = (unsigned)__cvta_generic_to_shared(src);
  asm volatile("ldmatrix.sync.aligned.m8n8.x2.shared.b16 {%0, %1}, [%2];\n"
               : "=r"(regs[0]), "=r"(regs[1])
               : "r"(addr));
}

GOTILE_DEVICE void ldmatrix_x2_trans(unsigned* regs, const void* src) {
  unsigned addr = (unsigned)__cvta_generic_to_shared(src);
  asm volatile("ldmatrix.sync.aligned.m8n8.x2.trans.shared.b16 {%0, %1}, [%2];\n"
               : "=r"(regs[0]), "=r"(regs[1])
               : "r"(addr));
}

GOTILE_DEVICE void mma_m16n8k16_f16(float* acc, const unsigned* a, const unsigned* b) {
  asm volatile(
      "mma.sync.aligned.m16n8k16.row.col.f32.f16.f16.f32 "
      "{%0, %1, %2, %3}, {%4, %5, %6, %7}, {%8, %9}, {%0, %1, %2, %3};\n"
      : "+f"(acc[0]), "+f"(acc[1]), "+f"(acc[2]), "+f"(acc[3])
      : "r"(a[0]), "r"(a[1]), "r"(a[2]), "r"(a[3]), "r"(b[0]), "r"(b[1]));
}

GOTILE_DEVICE void mma_m16n8k16_bf16(float* acc, const unsigned* a, const unsigned* b) {
  asm volatile(
      "mma.sync.aligned.m16n8k16.row.col.f32.bf16.bf16.f32 "
      "{%0, %1, %2, %3}, {%4, %5, %6, %7}, {%8, %9}, {%0, %1, %2, %3};\n"
      : "+f"(acc[0]), "+f"(acc[1]), "+f"(acc[2]), "+f"(acc[3])
      : "r"(a[0]), "r"(a[1]), "r"(a[2]), "r"(a[3]), "r"(b[0]), "r"(b[1]));
}

GOTILE_DEVICE unsigned pack_half2(__half lo, __half hi) {
  __half2 pair = __halves2half2(lo, hi);
  return *reinterpret_cast<unsigned*>(&pair);
}

GOTILE_DEVICE unsigned pack_bfloat2(__nv_bfloat16 lo, __nv_bfloat16 hi) {
  __nv_bfloat162 pair = __halves2bfloat162(lo, hi);
  return *reinterpret_cast<unsigned*>(&pair);
}

// Inverse of the accumulator ownership map: the tile row and column held by
// (warp, lane) at register slot s, for a fragment split across warpsN warp
// columns with atomsN atom columns per warp band.
GOTILE_DEVICE int frag_row(int warp, int lane, int slot, int warpsN, int atomsN, int warpM) {
  return (warp / warpsN) * warpM + ((slot / 4) / atomsN) * 16 + ((slot % 4) / 2) * 8 + lane / 4;
}

GOTILE_DEVICE int frag_col(int warp, int lane, int slot, int warpsN, int atomsN, int warpN) {
  return (warp % warpsN) * warpN + ((slot / 4) % atomsN) * 8 + (lane % 4) * 2 + (slot % 4) % 2;
}

// Row-vector entry maps: the parent-fragment row (axis-1 reductions) or
// column (axis-0) held by (warp, lane) at vector entry e.
GOTILE_DEVICE int vec_row(int warp, int lane, int e, int warpsN, int warpM) {
  return (warp / warpsN) * warpM + (e / 2) * 16 + (e % 2) * 8 + lane / 4;
}

GOTILE_DEVICE int vec_col(int warp, int lane, int e, int warpsN, int warpN) {
  return (warp % warpsN) * warpN + (e / 2) * 8 + (lane % 4) * 2 + e % 2;
}
`
