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
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gotile/gotile/layout"
	"github.com/gotile/gotile/lower"
	"github.com/gotile/gotile/pipeline"
	"github.com/gotile/gotile/tile"
)

// hazards tracks cooperative-memory readers and writers between barriers, so
// instruction sequences get a __syncthreads() exactly where one thread's
// access could race another's.
type hazards struct {
	read    map[*tile.Buffer]bool
	written map[*tile.Buffer]bool
}

func newHazards() *hazards {
	return &hazards{read: make(map[*tile.Buffer]bool), written: make(map[*tile.Buffer]bool)}
}

// cooperative reports whether a buffer's elements are touched by more than one
// thread: registers are private, shared and global memory are not.
func cooperative(b *tile.Buffer) bool {
	return b.Space == tile.MemShared || b.Space == tile.MemGlobal
}

func (h *hazards) need(reads, writes []*tile.Buffer) bool {
	for _, b := range reads {
		if cooperative(b) && h.written[b] {
			return true
		}
	}
	for _, b := range writes {
		if cooperative(b) && (h.written[b] || h.read[b]) {
			return true
		}
	}
	return false
}

func (h *hazards) record(reads, writes []*tile.Buffer) {
	for _, b := range reads {
		if cooperative(b) {
			h.read[b] = true
		}
	}
	for _, b := range writes {
		if cooperative(b) {
			h.written[b] = true
		}
	}
}

func (h *hazards) reset() {
	h.read = make(map[*tile.Buffer]bool)
	h.written = make(map[*tile.Buffer]bool)
}

// instrs emits a sequence, inserting a barrier before any instruction that
// contends on memory an earlier one touched.
func (e *emitter) instrs(list []lower.Instr, ctx emitCtx) error {
	h := newHazards()
	for _, in := range list {
		if err := e.instr(in, ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// plainInstrs emits a sequence verbatim; the surrounding schedule already
// orders it.
func (e *emitter) plainInstrs(list []lower.Instr, ctx emitCtx) error {
	for _, in := range list {
		if err := e.instr(in, ctx, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) instr(in lower.Instr, ctx emitCtx, h *hazards) error {
	op, reads, writes := instrTouches(in)
	if h != nil {
		if h.need(reads, writes) {
			e.w.line("__syncthreads();")
			h.reset()
		}
		h.record(reads, writes)
	}
	if op != nil {
		e.w.line("// %s", op)
	}
	switch in := in.(type) {
	case *lower.CopyInstr:
		return e.copy(in, ctx)
	case *lower.FillInstr:
		return e.fill(in, ctx)
	case *lower.GemmInstr:
		return e.gemm(in, ctx)
	case *lower.ReduceInstr:
		return e.reduce(in, ctx)
	case *lower.ParallelInstr:
		return e.parallel(in, ctx)
	case *lower.PipeLoop:
		return e.pipeLoop(in, ctx)
	}
	return errors.Errorf("cudagen: unhandled instruction %T", in)
}

func instrTouches(in lower.Instr) (tile.Op, []*tile.Buffer, []*tile.Buffer) {
	switch in := in.(type) {
	case *lower.CopyInstr:
		return in.Op, in.Op.Reads(), in.Op.Writes()
	case *lower.FillInstr:
		return in.Op, nil, in.Op.Writes()
	case *lower.GemmInstr:
		return in.Op, in.Op.Reads(), in.Op.Writes()
	case *lower.ReduceInstr:
		return in.Op, in.Op.Reads(), in.Op.Writes()
	case *lower.ParallelInstr:
		return in.Op, in.Op.Reads(), in.Op.Writes()
	case *lower.PipeLoop:
		reads, writes := bodyTouches(in.Op)
		return in.Op, reads, writes
	}
	return nil, nil, nil
}

func bodyTouches(p *tile.Pipelined) (reads, writes []*tile.Buffer) {
	seenR := make(map[*tile.Buffer]bool)
	seenW := make(map[*tile.Buffer]bool)
	for _, op := range p.Body {
		for _, b := range op.Reads() {
			if !seenR[b] {
				seenR[b] = true
				reads = append(reads, b)
			}
		}
		for _, b := range op.Writes() {
			if !seenW[b] {
				seenW[b] = true
				writes = append(writes, b)
			}
		}
	}
	return reads, writes
}

// guarded emits body behind a membership test, or bare when conds is empty.
func (e *emitter) guarded(conds []string, body func()) {
	if len(conds) == 0 {
		body()
		return
	}
	e.w.line("if (%s) {", strings.Join(conds, " && "))
	e.w.inc()
	body()
	e.w.dec()
	e.w.line("}")
}

// declFragCoords declares the tile coordinates lane-owned slot s maps to.
func (e *emitter) declFragCoords(f *layout.Fragment) {
	_, wn := f.Warps()
	wtm, wtn := f.WarpTile()
	_, an := f.Atoms()
	e.w.line("const int i = frag_row(warp, lane, s, %d, %d, %d);", wn, an, wtm)
	e.w.line("const int j = frag_col(warp, lane, s, %d, %d, %d);", wn, an, wtn)
}

// declVecCoord declares the kept-axis coordinate vector entry e maps to.
func (e *emitter) declVecCoord(v *lower.RowVec) {
	_, wn := v.Parent.Warps()
	wtm, wtn := v.Parent.WarpTile()
	if v.Axis == 1 {
		e.w.line("const int i = vec_row(warp, lane, e, %d, %d);", wn, wtm)
	} else {
		e.w.line("const int i = vec_col(warp, lane, e, %d, %d);", wn, wtn)
	}
}

// ---- pipelined loops ----

func (e *emitter) pipeLoop(in *lower.PipeLoop, ctx emitCtx) error {
	if in.Sched.Sequential() {
		return e.sequentialLoop(in, ctx)
	}
	return e.pipelinedLoop(in, ctx)
}

// rotatedBuffers lists the issue destinations the loop's stages rotate, in
// body order.
func rotatedBuffers(sched *pipeline.Schedule) []*tile.Buffer {
	var out []*tile.Buffer
	seen := make(map[*tile.Buffer]bool)
	for _, c := range sched.Issue {
		b := c.Dst.Buffer
		if seen[b] {
			continue
		}
		seen[b] = true
		if alloc := b.Allocation(); alloc != nil && alloc.Copies > 1 {
			out = append(out, b)
		}
	}
	return out
}

func (e *emitter) withSlots(ctx emitCtx, rotated []*tile.Buffer, slot string) emitCtx {
	if len(rotated) == 0 {
		return ctx
	}
	child := ctx.child()
	for _, b := range rotated {
		child.slots[b] = slot
	}
	return child
}

// sequentialLoop renders a one-stage schedule as a plain loop, following the
// stream's per-iteration shape: issue, barrier, consume, barrier, or a bare
// consume body when nothing stages through shared memory.
func (e *emitter) sequentialLoop(in *lower.PipeLoop, ctx emitCtx) error {
	sched := in.Sched
	perIter := 1
	if len(sched.Issue) > 0 {
		perIter = 4
	}
	if len(sched.Steady) != perIter*sched.Trip {
		return errors.Errorf("cudagen: sequential stream of loop %q has %d steps over %d iterations",
			in.Op.Iter.Name, len(sched.Steady), sched.Trip)
	}
	kName := e.iterNames[in.Op]
	e.w.line("for (int %s = 0; %s < %d; ++%s) {", kName, kName, sched.Trip, kName)
	e.w.inc()
	loopCtx := ctx.bind(in.Op.Iter, kName)
	if len(sched.Issue) > 0 {
		if err := e.plainInstrs(in.Issue, loopCtx); err != nil {
			return err
		}
		e.w.line("__syncthreads();")
		if err := e.instrs(in.Consume, loopCtx); err != nil {
			return err
		}
		e.w.line("__syncthreads();")
	} else {
		h := newHazards()
		for _, instr := range in.Consume {
			if err := e.instr(instr, loopCtx, h); err != nil {
				return err
			}
		}
		// Loop-carried contention: the next iteration re-touches what this
		// one left dirty.
		reads, writes := bodyTouches(in.Op)
		if h.need(reads, writes) {
			e.w.line("__syncthreads();")
		}
	}
	e.w.dec()
	e.w.line("}")
	return nil
}

// pipelinedLoop renders a multi-stage schedule: the prologue and epilogue
// streams unroll with pinned iterations so slots and waits are compile-time
// constants, and the steady state folds back into a single loop.
func (e *emitter) pipelinedLoop(in *lower.PipeLoop, ctx emitCtx) error {
	sched := in.Sched
	iter := in.Op.Iter
	stages := sched.Stages
	rotated := rotatedBuffers(sched)

	if err := e.emitSteps(sched.Prologue, in, ctx, rotated); err != nil {
		return err
	}

	groups := sched.Trip - (stages - 1)
	want := [6]pipeline.StepKind{
		pipeline.StepIssue, pipeline.StepCommit, pipeline.StepWait,
		pipeline.StepBarrier, pipeline.StepConsume, pipeline.StepBarrier,
	}
	if groups <= 0 || len(sched.Steady) != 6*groups {
		return errors.Errorf("cudagen: steady stream of loop %q does not fold into %d iterations",
			iter.Name, groups)
	}
	for k, kind := range want {
		if sched.Steady[k].Kind != kind {
			return errors.Errorf("cudagen: steady stream of loop %q leads with %s, want %s",
				iter.Name, sched.Steady[k], kind)
		}
	}

	kName := e.iterNames[in.Op]
	cName := e.consumeNames[in.Op]
	e.w.line("for (int %s = %d; %s < %d; ++%s) {", kName, stages-1, kName, sched.Trip, kName)
	e.w.inc()
	e.w.line("const int %s = %s - %d;", cName, kName, stages-1)

	issueCtx := e.withSlots(ctx.bind(iter, kName), rotated, fmt.Sprintf("%s %% %d", kName, stages))
	if err := e.plainInstrs(in.Issue, issueCtx); err != nil {
		return err
	}
	e.w.line("cp_async_commit();")
	e.w.line("cp_async_wait<%d>();", sched.Steady[2].Allow)
	e.w.line("__syncthreads();")

	consumeCtx := e.withSlots(ctx.bind(iter, cName), rotated, fmt.Sprintf("%s %% %d", cName, stages))
	if err := e.instrs(in.Consume, consumeCtx); err != nil {
		return err
	}
	e.w.line("__syncthreads();")
	e.w.dec()
	e.w.line("}")

	return e.emitSteps(sched.Epilogue, in, ctx, rotated)
}

// emitSteps interprets a pinned step stream (prologue or epilogue): every
// referenced iteration is a known constant, so addresses, slots and waits all
// fold.
func (e *emitter) emitSteps(steps []pipeline.Step, in *lower.PipeLoop, ctx emitCtx, rotated []*tile.Buffer) error {
	iter := in.Op.Iter
	for _, step := range steps {
		switch step.Kind {
		case pipeline.StepIssue:
			stepCtx := e.withSlots(ctx.pin(iter, step.Iter), rotated, strconv.Itoa(step.Slot))
			if err := e.plainInstrs(in.Issue, stepCtx); err != nil {
				return err
			}
		case pipeline.StepCommit:
			e.w.line("cp_async_commit();")
		case pipeline.StepWait:
			e.w.line("cp_async_wait<%d>();", step.Allow)
		case pipeline.StepBarrier:
			e.w.line("__syncthreads();")
		case pipeline.StepConsume:
			stepCtx := e.withSlots(ctx.pin(iter, step.Iter), rotated, strconv.Itoa(step.Slot))
			if err := e.instrs(in.Consume, stepCtx); err != nil {
				return err
			}
		default:
			return errors.Errorf("cudagen: unhandled schedule step %s", step)
		}
	}
	return nil
}

// ---- copies ----

func (e *emitter) copy(in *lower.CopyInstr, ctx emitCtx) error {
	op := in.Op
	switch {
	case op.Dst.Buffer.Space == tile.MemLocal:
		return e.copyToLocal(op, ctx)
	case op.Src.Buffer.Space == tile.MemFragment || op.Dst.Buffer.Space == tile.MemFragment:
		return e.copyFragment(op, ctx)
	default:
		return e.copyFlat(in, ctx)
	}
}

// copyToLocal replicates the source region into every thread's private copy.
func (e *emitter) copyToLocal(op *tile.Copy, ctx emitCtx) error {
	sdt, ddt := op.Src.Buffer.DType(), op.Dst.Buffer.DType()
	exts := squeezed(op.Dst)
	total := sizeOf(exts)
	if total == 1 {
		val, err := castElem(e.regionElem(op.Src, nil, ctx), sdt, ddt)
		if err != nil {
			return err
		}
		e.w.line("%s = %s;", e.regionElem(op.Dst, nil, ctx), val)
		return nil
	}
	e.w.line("for (int v = 0; v < %d; ++v) {", total)
	e.w.inc()
	coords := flatCoords("v", exts)
	val, err := castElem(e.regionElem(op.Src, coords, ctx), sdt, ddt)
	if err != nil {
		return err
	}
	e.w.line("%s = %s;", e.regionElem(op.Dst, coords, ctx), val)
	e.w.dec()
	e.w.line("}")
	return nil
}

func (e *emitter) copyFragment(op *tile.Copy, ctx emitCtx) error {
	sv, dv := e.prog.Views[op.Src.Buffer], e.prog.Views[op.Dst.Buffer]
	srcFrag := op.Src.Buffer.Space == tile.MemFragment
	dstFrag := op.Dst.Buffer.Space == tile.MemFragment
	switch {
	case srcFrag && dstFrag:
		switch {
		case sv.Frag != nil && dv.Frag != nil:
			return e.copyFragToFrag(op, sv.Frag, ctx)
		case sv.Vec != nil && dv.Vec != nil:
			return e.copyVecToVec(op, sv.Vec, ctx)
		default:
			return e.copyStridedToStrided(op, sv.PerThread, ctx)
		}
	case srcFrag:
		switch {
		case sv.Frag != nil:
			return e.copyFragSide(op, op.Src, sv.Frag, false, ctx)
		case sv.Vec != nil:
			return e.copyVecSide(op, op.Src, sv.Vec, false, ctx)
		default:
			return e.copyStridedSide(op, op.Src, sv.PerThread, false, ctx)
		}
	default:
		switch {
		case dv.Frag != nil:
			return e.copyFragSide(op, op.Dst, dv.Frag, true, ctx)
		case dv.Vec != nil:
			return e.copyVecSide(op, op.Dst, dv.Vec, true, ctx)
		default:
			return e.copyStridedSide(op, op.Dst, dv.PerThread, true, ctx)
		}
	}
}

// copyFragToFrag moves lane-owned slots between two identically partitioned
// fragments; a partial region masks by the slot's tile coordinates.
func (e *emitter) copyFragToFrag(op *tile.Copy, f *layout.Fragment, ctx emitCtx) error {
	sName, dName := e.names[op.Src.Buffer], e.names[op.Dst.Buffer]
	val, err := castElem(sName+"[s]", op.Src.Buffer.DType(), op.Dst.Buffer.DType())
	if err != nil {
		return err
	}
	conds := regionGuard(op.Src, []string{"i", "j"}, ctx)
	e.w.line("for (int s = 0; s < %d; ++s) {", f.SlotsPerLane())
	e.w.inc()
	if len(conds) > 0 {
		e.declFragCoords(f)
	}
	e.guarded(conds, func() { e.w.line("%s[s] = %s;", dName, val) })
	e.w.dec()
	e.w.line("}")
	return nil
}

func (e *emitter) copyVecToVec(op *tile.Copy, v *lower.RowVec, ctx emitCtx) error {
	sName, dName := e.names[op.Src.Buffer], e.names[op.Dst.Buffer]
	val, err := castElem(sName+"[e]", op.Src.Buffer.DType(), op.Dst.Buffer.DType())
	if err != nil {
		return err
	}
	conds := regionGuard(op.Src, []string{"i"}, ctx)
	e.w.line("for (int e = 0; e < %d; ++e) {", v.PerThread())
	e.w.inc()
	if len(conds) > 0 {
		e.declVecCoord(v)
	}
	e.guarded(conds, func() { e.w.line("%s[e] = %s;", dName, val) })
	e.w.dec()
	e.w.line("}")
	return nil
}

// copyStridedToStrided moves whole thread-strided buffers register for
// register; both sides flatten identically.
func (e *emitter) copyStridedToStrided(op *tile.Copy, per int, ctx emitCtx) error {
	sName, dName := e.names[op.Src.Buffer], e.names[op.Dst.Buffer]
	val, err := castElem(sName+"[v]", op.Src.Buffer.DType(), op.Dst.Buffer.DType())
	if err != nil {
		return err
	}
	size := op.Src.Buffer.Shape().Size()
	threads := e.prog.Kernel.Threads
	var conds []string
	if size%threads != 0 {
		conds = append(conds, fmt.Sprintf("v * %d + tid < %d", threads, size))
	}
	e.w.line("for (int v = 0; v < %d; ++v) {", per)
	e.w.inc()
	e.guarded(conds, func() { e.w.line("%s[v] = %s;", dName, val) })
	e.w.dec()
	e.w.line("}")
	return nil
}

// copyFragSide moves between a warp-mapped fragment and shared or global
// memory: each thread walks its slots, masks by the fragment region, and
// addresses the far side through the region-relative coordinates.
func (e *emitter) copyFragSide(op *tile.Copy, fragRegion tile.Region, f *layout.Fragment, fragIsDst bool, ctx emitCtx) error {
	other := op.Dst
	if fragIsDst {
		other = op.Src
	}
	fName := e.names[fragRegion.Buffer]
	fdt, odt := fragRegion.Buffer.DType(), other.Buffer.DType()

	conds := regionGuard(fragRegion, []string{"i", "j"}, ctx)
	e.w.line("for (int s = 0; s < %d; ++s) {", f.SlotsPerLane())
	e.w.inc()
	e.declFragCoords(f)
	names := []string{"i", "j"}
	var coords []string
	for a, ext := range fragRegion.Extents {
		if ext == 1 {
			continue
		}
		coords = append(coords, subParts(names[a], renderExpr(fragRegion.Offsets[a], ctx)))
	}
	otherElem := e.regionElem(other, coords, ctx)
	var lhs, rhs string
	var err error
	if fragIsDst {
		lhs = fName + "[s]"
		rhs, err = castElem(otherElem, odt, fdt)
	} else {
		lhs = otherElem
		rhs, err = castElem(fName+"[s]", fdt, odt)
	}
	if err != nil {
		return err
	}
	e.guarded(conds, func() { e.w.line("%s = %s;", lhs, rhs) })
	e.w.dec()
	e.w.line("}")
	return nil
}

// copyVecSide moves between a row vector and shared or global memory. Entries
// are replicated across the lanes that shared the reduced axis, so only one
// lane per group writes outward; loads refresh every replica.
func (e *emitter) copyVecSide(op *tile.Copy, vecRegion tile.Region, v *lower.RowVec, vecIsDst bool, ctx emitCtx) error {
	other := op.Dst
	if vecIsDst {
		other = op.Src
	}
	vName := e.names[vecRegion.Buffer]
	vdt, odt := vecRegion.Buffer.DType(), other.Buffer.DType()

	if !vecIsDst {
		pred := "(lane % 4) == 0"
		if v.Axis == 0 {
			pred = "(lane / 4) == 0"
		}
		e.w.line("if (%s) {", pred)
		e.w.inc()
	}
	conds := regionGuard(vecRegion, []string{"i"}, ctx)
	e.w.line("for (int e = 0; e < %d; ++e) {", v.PerThread())
	e.w.inc()
	e.declVecCoord(v)
	coords := []string{subParts("i", renderExpr(vecRegion.Offsets[0], ctx))}
	otherElem := e.regionElem(other, coords, ctx)
	var lhs, rhs string
	var err error
	if vecIsDst {
		lhs = vName + "[e]"
		rhs, err = castElem(otherElem, odt, vdt)
	} else {
		lhs = otherElem
		rhs, err = castElem(vName+"[e]", vdt, odt)
	}
	if err != nil {
		return err
	}
	e.guarded(conds, func() { e.w.line("%s = %s;", lhs, rhs) })
	e.w.dec()
	e.w.line("}")
	if !vecIsDst {
		e.w.dec()
		e.w.line("}")
	}
	return nil
}

// copyStridedSide moves a whole thread-strided fragment to or from shared or
// global memory.
func (e *emitter) copyStridedSide(op *tile.Copy, fragRegion tile.Region, per int, fragIsDst bool, ctx emitCtx) error {
	other := op.Dst
	if fragIsDst {
		other = op.Src
	}
	b := fragRegion.Buffer
	fName := e.names[b]
	size := b.Shape().Size()
	threads := e.prog.Kernel.Threads

	e.w.line("for (int v = 0; v < %d; ++v) {", per)
	e.w.inc()
	e.w.line("const int e = v * %d + tid;", threads)
	var conds []string
	if size%threads != 0 {
		conds = append(conds, fmt.Sprintf("e < %d", size))
	}
	coords := flatCoords("e", squeezed(fragRegion))
	otherElem := e.regionElem(other, coords, ctx)
	var lhs, rhs string
	var err error
	if fragIsDst {
		lhs = fName + "[v]"
		rhs, err = castElem(otherElem, other.Buffer.DType(), b.DType())
	} else {
		lhs = otherElem
		rhs, err = castElem(fName+"[v]", b.DType(), other.Buffer.DType())
	}
	if err != nil {
		return err
	}
	e.guarded(conds, func() { e.w.line("%s = %s;", lhs, rhs) })
	e.w.dec()
	e.w.line("}")
	return nil
}

// copyFlat strides the block's threads over a global/shared transfer,
// VecBytes at a time: cp.async for issue-phase loads, vector loads and stores
// otherwise, element moves when nothing wider aligns.
func (e *emitter) copyFlat(in *lower.CopyInstr, ctx emitCtx) error {
	op := in.Op
	sdt, ddt := op.Src.Buffer.DType(), op.Dst.Buffer.DType()
	elem := ddt.Size()
	exts := squeezed(op.Dst)
	total := sizeOf(exts)
	threads := e.prog.Kernel.Threads

	if in.Async || in.VecBytes > elem {
		vecElems := in.VecBytes / elem
		e.w.line("for (int v = tid; v < %d; v += %d) {", total/vecElems, threads)
		e.w.inc()
		flat := "v"
		if vecElems > 1 {
			e.w.line("const int e = v * %d;", vecElems)
			flat = "e"
		}
		coords := flatCoords(flat, exts)
		srcRef := e.regionElem(op.Src, coords, ctx)
		dstRef := e.regionElem(op.Dst, coords, ctx)
		if in.Async {
			e.w.line("cp_async_%d(&%s, &%s);", in.VecBytes, dstRef, srcRef)
		} else {
			vt := vecType(in.VecBytes)
			e.w.line("*reinterpret_cast<%s*>(&%s) = *reinterpret_cast<const %s*>(&%s);", vt, dstRef, vt, srcRef)
		}
		e.w.dec()
		e.w.line("}")
		return nil
	}

	e.w.line("for (int v = tid; v < %d; v += %d) {", total, threads)
	e.w.inc()
	coords := flatCoords("v", exts)
	val, err := castElem(e.regionElem(op.Src, coords, ctx), sdt, ddt)
	if err != nil {
		return err
	}
	e.w.line("%s = %s;", e.regionElem(op.Dst, coords, ctx), val)
	e.w.dec()
	e.w.line("}")
	return nil
}

func vecType(bytes int) string {
	switch bytes {
	case 16:
		return "uint4"
	case 8:
		return "uint2"
	}
	return "unsigned int"
}

// ---- fills ----

func (e *emitter) fill(in *lower.FillInstr, ctx emitCtx) error {
	op := in.Op
	b := op.Dst.Buffer
	lit, err := litForDType(op.Value, b.DType())
	if err != nil {
		return err
	}
	view := e.prog.Views[b]
	switch {
	case view.Frag != nil:
		conds := regionGuard(op.Dst, []string{"i", "j"}, ctx)
		e.w.line("for (int s = 0; s < %d; ++s) {", view.Frag.SlotsPerLane())
		e.w.inc()
		if len(conds) > 0 {
			e.declFragCoords(view.Frag)
		}
		e.guarded(conds, func() { e.w.line("%s[s] = %s;", e.names[b], lit) })
		e.w.dec()
		e.w.line("}")

	case view.Vec != nil:
		conds := regionGuard(op.Dst, []string{"i"}, ctx)
		e.w.line("for (int e = 0; e < %d; ++e) {", view.Vec.PerThread())
		e.w.inc()
		if len(conds) > 0 {
			e.declVecCoord(view.Vec)
		}
		e.guarded(conds, func() { e.w.line("%s[e] = %s;", e.names[b], lit) })
		e.w.dec()
		e.w.line("}")

	case b.Space == tile.MemLocal:
		exts := squeezed(op.Dst)
		total := sizeOf(exts)
		if total == 1 {
			e.w.line("%s = %s;", e.regionElem(op.Dst, nil, ctx), lit)
			break
		}
		e.w.line("for (int v = 0; v < %d; ++v) {", total)
		e.w.inc()
		e.w.line("%s = %s;", e.regionElem(op.Dst, flatCoords("v", exts), ctx), lit)
		e.w.dec()
		e.w.line("}")

	case b.Space == tile.MemShared:
		exts := squeezed(op.Dst)
		total := sizeOf(exts)
		if total == 1 {
			e.w.line("if (tid == 0) {")
			e.w.inc()
			e.w.line("%s = %s;", e.regionElem(op.Dst, nil, ctx), lit)
			e.w.dec()
			e.w.line("}")
			break
		}
		e.w.line("for (int v = tid; v < %d; v += %d) {", total, e.prog.Kernel.Threads)
		e.w.inc()
		e.w.line("%s = %s;", e.regionElem(op.Dst, flatCoords("v", exts), ctx), lit)
		e.w.dec()
		e.w.line("}")

	case view.PerThread > 0:
		size := b.Shape().Size()
		threads := e.prog.Kernel.Threads
		e.w.line("for (int v = 0; v < %d; ++v) {", view.PerThread)
		e.w.inc()
		e.w.line("const int e = v * %d + tid;", threads)
		var conds []string
		if size%threads != 0 {
			conds = append(conds, fmt.Sprintf("e < %d", size))
		}
		conds = append(conds, regionGuard(op.Dst, flatCoords("e", b.Shape().Dimensions), ctx)...)
		e.guarded(conds, func() { e.w.line("%s[v] = %s;", e.names[b], lit) })
		e.w.dec()
		e.w.line("}")

	default:
		return errors.Errorf("cudagen: fill of %s buffer %q is not supported", b.Space, b.Name)
	}
	return nil
}

// ---- gemm ----

func (e *emitter) gemm(in *lower.GemmInstr, ctx emitCtx) error {
	atomsM, atomsN := in.C.Atoms()
	_, wn := in.C.Warps()
	wtm, wtn := in.C.WarpTile()
	accName := e.names[in.Op.C]

	e.w.line("{")
	e.w.inc()
	e.w.line("const int wrow = %s;", cmul(cdiv("warp", wn), wtm))
	e.w.line("const int wcol = %s;", cmul(cmod("warp", wn), wtn))
	if in.MMA {
		e.emitMMA(in, ctx, accName, atomsM, atomsN)
	} else {
		e.emitFMA(in, ctx, accName)
	}
	e.w.dec()
	e.w.line("}")
	return nil
}

// emitMMA tiles the multiply over m16n8k16 tensor-core atoms: per k-slice,
// load the warp's A and B fragments, then accumulate every (am, an) atom in
// place. Accumulator registers d0..d3 of atom (am, an) are exactly slots
// (am*atomsN+an)*4 .. +3 of the ownership map, so no shuffling is needed.
func (e *emitter) emitMMA(in *lower.GemmInstr, ctx emitCtx, accName string, atomsM, atomsN int) {
	op := in.Op
	mma, pack := "mma_m16n8k16_f16", "pack_half2"
	if op.A.DType() == dtypes.BFloat16 {
		mma, pack = "mma_m16n8k16_bf16", "pack_bfloat2"
	}
	e.w.line("unsigned a_frag[%d][4];", atomsM)
	e.w.line("unsigned b_frag[%d][2];", atomsN)
	e.w.line("for (int ka = 0; ka < %d; ++ka) {", in.AtomsK)
	e.w.inc()

	if in.AFrag != nil {
		// Register operand: repack the accumulator-layout halves into mma
		// order. Slot pairs (2r, 2r+1) are exactly operand register r.
		_, aan := in.AFrag.Atoms()
		aName := e.names[op.A]
		e.w.line("for (int am = 0; am < %d; ++am) {", atomsM)
		e.w.inc()
		e.w.line("const int abase = (am * %d + 2 * ka) * 4;", aan)
		for r := 0; r < 4; r++ {
			e.w.line("a_frag[am][%d] = %s(%s[abase + %d], %s[abase + %d]);",
				r, pack, aName, 2*r, aName, 2*r+1)
		}
		e.w.dec()
		e.w.line("}")
	} else {
		aRow := "wrow + am * 16 + ((lane / 8) % 2) * 8 + lane % 8"
		aCol := "ka * 16 + ((lane / 8) / 2) * 8"
		addr := e.elem(op.A, []string{aRow, aCol}, ctx)
		e.w.line("for (int am = 0; am < %d; ++am) {", atomsM)
		e.w.inc()
		e.w.line("ldmatrix_x4(a_frag[am], &%s);", addr)
		e.w.dec()
		e.w.line("}")
	}

	var ld, bRow, bCol string
	if op.TransposeB {
		ld = "ldmatrix_x2"
		bRow = "wcol + an * 8 + lane % 8"
		bCol = "ka * 16 + ((lane % 16) / 8) * 8"
	} else {
		ld = "ldmatrix_x2_trans"
		bRow = "ka * 16 + ((lane % 16) / 8) * 8 + lane % 8"
		bCol = "wcol + an * 8"
	}
	bAddr := e.elem(op.B, []string{bRow, bCol}, ctx)
	e.w.line("for (int an = 0; an < %d; ++an) {", atomsN)
	e.w.inc()
	e.w.line("%s(b_frag[an], &%s);", ld, bAddr)
	e.w.dec()
	e.w.line("}")

	e.w.line("for (int am = 0; am < %d; ++am) {", atomsM)
	e.w.inc()
	e.w.line("for (int an = 0; an < %d; ++an) {", atomsN)
	e.w.inc()
	e.w.line("%s(&%s[(am * %d + an) * 4], a_frag[am], b_frag[an]);", mma, accName, atomsN)
	e.w.dec()
	e.w.line("}")
	e.w.dec()
	e.w.line("}")
	e.w.dec()
	e.w.line("}")
}

// emitFMA runs the float32 fallback: each thread walks its accumulator slots
// and contracts the full k extent from shared memory.
func (e *emitter) emitFMA(in *lower.GemmInstr, ctx emitCtx, accName string) {
	op := in.Op
	e.w.line("for (int s = 0; s < %d; ++s) {", in.C.SlotsPerLane())
	e.w.inc()
	e.declFragCoords(in.C)
	e.w.line("float sum = 0.0f;")
	e.w.line("for (int kk = 0; kk < %d; ++kk) {", in.K)
	e.w.inc()
	aElem := e.elem(op.A, []string{"i", "kk"}, ctx)
	bElem := e.elem(op.B, []string{"kk", "j"}, ctx)
	if op.TransposeB {
		bElem = e.elem(op.B, []string{"j", "kk"}, ctx)
	}
	e.w.line("sum += %s * %s;", aElem, bElem)
	e.w.dec()
	e.w.line("}")
	e.w.line("%s[s] += sum;", accName)
	e.w.dec()
	e.w.line("}")
}

// ---- reduce ----

func (e *emitter) reduce(in *lower.ReduceInstr, ctx emitCtx) error {
	op := in.Op
	atomsM, atomsN := in.Src.Atoms()
	sName, dName := e.names[op.Src], e.names[op.Dst]
	dt := op.Src.DType()

	comb := func(x, y string) string {
		if op.Kind == tile.ReduceMax {
			return fmt.Sprintf("fmaxf(%s, %s)", x, y)
		}
		return fmt.Sprintf("%s + %s", x, y)
	}
	slot := func(expr string) string {
		return loadFloat(fmt.Sprintf("%s[%s]", sName, expr), dt)
	}

	e.w.line("for (int e = 0; e < %d; ++e) {", in.Dst.PerThread())
	e.w.inc()
	if op.Axis == 1 {
		// Fold the column atoms each lane owns, then the lane quad sharing
		// the row.
		base0 := fmt.Sprintf("(e / 2) * %d + (e %% 2) * 2", atomsN*4)
		e.w.line("float part = %s;", slot(base0))
		e.w.line("part = %s;", comb("part", slot(base0+" + 1")))
		if atomsN > 1 {
			e.w.line("for (int q = 1; q < %d; ++q) {", atomsN)
			e.w.inc()
			e.w.line("const int base = ((e / 2) * %d + q) * 4 + (e %% 2) * 2;", atomsN)
			e.w.line("part = %s;", comb("part", slot("base")))
			e.w.line("part = %s;", comb("part", slot("base + 1")))
			e.w.dec()
			e.w.line("}")
		}
		e.w.line("part = %s;", comb("part", "__shfl_xor_sync(0xffffffffU, part, 1, 32)"))
		e.w.line("part = %s;", comb("part", "__shfl_xor_sync(0xffffffffU, part, 2, 32)"))
	} else {
		// Fold the row atoms, then the eight lanes sharing the column pair.
		base0 := "(e / 2) * 4 + (e % 2)"
		e.w.line("float part = %s;", slot(base0))
		e.w.line("part = %s;", comb("part", slot(base0+" + 2")))
		if atomsM > 1 {
			e.w.line("for (int q = 1; q < %d; ++q) {", atomsM)
			e.w.inc()
			e.w.line("const int base = (q * %d + e / 2) * 4 + (e %% 2);", atomsN)
			e.w.line("part = %s;", comb("part", slot("base")))
			e.w.line("part = %s;", comb("part", slot("base + 2")))
			e.w.dec()
			e.w.line("}")
		}
		e.w.line("part = %s;", comb("part", "__shfl_xor_sync(0xffffffffU, part, 4, 32)"))
		e.w.line("part = %s;", comb("part", "__shfl_xor_sync(0xffffffffU, part, 8, 32)"))
		e.w.line("part = %s;", comb("part", "__shfl_xor_sync(0xffffffffU, part, 16, 32)"))
	}

	value := "part"
	if op.Accumulate {
		value = comb(loadFloat(dName+"[e]", dt), "part")
	}
	stored, err := storeFromFloat(value, dt)
	if err != nil {
		return err
	}
	e.w.line("%s[e] = %s;", dName, stored)
	e.w.dec()
	e.w.line("}")
	return nil
}

// ---- parallel ----

func (e *emitter) parallel(in *lower.ParallelInstr, ctx emitCtx) error {
	for _, plan := range in.Plans {
		if len(in.Plans) > 1 {
			e.w.line("// %s", plan.Assign)
		}
		var err error
		switch plan.Kind {
		case lower.LoopFlat:
			err = e.parallelFlat(in.Op, plan, ctx)
		case lower.LoopFrag:
			err = e.parallelFrag(in.Op, plan, ctx)
		case lower.LoopVec:
			err = e.parallelVec(in.Op, plan, ctx)
		case lower.LoopRep:
			err = e.parallelRep(in.Op, plan, ctx)
		default:
			err = errors.Errorf("cudagen: unhandled loop kind %s", plan.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// scalarLoad resolves element loads inside one parallel loop body. Global,
// shared and local buffers address directly; register-resident operands read
// the slot or entry the loop is standing on.
func (e *emitter) scalarLoad(plan lower.AssignPlan, ctx emitCtx) func(tile.Load) (string, error) {
	return func(l tile.Load) (string, error) {
		b := l.Buffer
		switch b.Space {
		case tile.MemGlobal, tile.MemShared, tile.MemLocal:
			idx := make([]string, len(l.Index))
			for k, ex := range l.Index {
				idx[k] = renderExpr(ex, ctx)
			}
			return loadFloat(e.elem(b, idx, ctx), b.DType()), nil
		}
		view := e.prog.Views[b]
		switch {
		case view.Frag != nil:
			return loadFloat(e.names[b]+"[s]", b.DType()), nil
		case view.Vec != nil:
			if plan.Kind == lower.LoopVec {
				return loadFloat(e.names[b]+"[e]", b.DType()), nil
			}
			_, an := plan.Frag.Atoms()
			entry := vecEntryFromSlot("s", view.Vec.Axis, an)
			return loadFloat(fmt.Sprintf("%s[%s]", e.names[b], entry), b.DType()), nil
		case view.PerThread > 0:
			return loadFloat(fmt.Sprintf("%s[v / %d]", e.names[b], e.prog.Kernel.Threads), b.DType()), nil
		}
		return "", errors.Errorf("cudagen: load of %q has no realization", b.Name)
	}
}

// vecEntryFromSlot maps accumulator slot s to the row-vector entry covering
// the same kept-axis coordinate.
func vecEntryFromSlot(s string, axis, atomsN int) string {
	if axis == 1 {
		return addParts(cmul(cdiv(cdiv(s, 4), atomsN), 2), cdiv(cmod(s, 4), 2))
	}
	return addParts(cmul(cmod(cdiv(s, 4), atomsN), 2), cmod(cmod(s, 4), 2))
}

func (e *emitter) parallelFlat(op *tile.Parallel, plan lower.AssignPlan, ctx emitCtx) error {
	total := sizeOf(op.Extents)
	threads := e.prog.Kernel.Threads
	e.w.line("for (int v = tid; v < %d; v += %d) {", total, threads)
	e.w.inc()
	coords := flatCoords("v", op.Extents)
	loopCtx := ctx
	for k, ax := range op.Axes {
		loopCtx = loopCtx.bind(ax, paren(coords[k]))
	}
	value, err := renderScalar(plan.Assign.Value, loopCtx, e.scalarLoad(plan, loopCtx))
	if err != nil {
		return err
	}
	dst := plan.Assign.Dst
	rhs, err := storeFromFloat(value, dst.DType())
	if err != nil {
		return err
	}
	var lhs string
	if view := e.prog.Views[dst]; view.PerThread > 0 && dst.Space == tile.MemFragment {
		lhs = fmt.Sprintf("%s[v / %d]", e.names[dst], threads)
	} else {
		idx := make([]string, len(plan.Assign.Index))
		for k, ex := range plan.Assign.Index {
			idx[k] = renderExpr(ex, loopCtx)
		}
		lhs = e.elem(dst, idx, loopCtx)
	}
	e.w.line("%s = %s;", lhs, rhs)
	e.w.dec()
	e.w.line("}")
	return nil
}

func (e *emitter) parallelFrag(op *tile.Parallel, plan lower.AssignPlan, ctx emitCtx) error {
	f := plan.Frag
	m, n := f.Dims()
	var conds []string
	if op.Extents[0] < m {
		conds = append(conds, fmt.Sprintf("i < %d", op.Extents[0]))
	}
	if op.Extents[1] < n {
		conds = append(conds, fmt.Sprintf("j < %d", op.Extents[1]))
	}
	e.w.line("for (int s = 0; s < %d; ++s) {", f.SlotsPerLane())
	e.w.inc()
	e.declFragCoords(f)
	loopCtx := ctx.bind(op.Axes[0], "i").bind(op.Axes[1], "j")
	value, err := renderScalar(plan.Assign.Value, loopCtx, e.scalarLoad(plan, loopCtx))
	if err != nil {
		return err
	}
	dst := plan.Assign.Dst
	rhs, err := storeFromFloat(value, dst.DType())
	if err != nil {
		return err
	}
	e.guarded(conds, func() { e.w.line("%s[s] = %s;", e.names[dst], rhs) })
	e.w.dec()
	e.w.line("}")
	return nil
}

func (e *emitter) parallelVec(op *tile.Parallel, plan lower.AssignPlan, ctx emitCtx) error {
	v := plan.Vec
	var conds []string
	if op.Extents[0] < v.Len {
		conds = append(conds, fmt.Sprintf("i < %d", op.Extents[0]))
	}
	e.w.line("for (int e = 0; e < %d; ++e) {", v.PerThread())
	e.w.inc()
	e.declVecCoord(v)
	loopCtx := ctx.bind(op.Axes[0], "i")
	value, err := renderScalar(plan.Assign.Value, loopCtx, e.scalarLoad(plan, loopCtx))
	if err != nil {
		return err
	}
	dst := plan.Assign.Dst
	rhs, err := storeFromFloat(value, dst.DType())
	if err != nil {
		return err
	}
	e.guarded(conds, func() { e.w.line("%s[e] = %s;", e.names[dst], rhs) })
	e.w.dec()
	e.w.line("}")
	return nil
}

func (e *emitter) parallelRep(op *tile.Parallel, plan lower.AssignPlan, ctx emitCtx) error {
	names := e.axisNames(op.Axes)
	loopCtx := ctx
	for k, ax := range op.Axes {
		e.w.line("for (int %s = 0; %s < %d; ++%s) {", names[k], names[k], op.Extents[k], names[k])
		e.w.inc()
		loopCtx = loopCtx.bind(ax, names[k])
	}
	value, err := renderScalar(plan.Assign.Value, loopCtx, e.scalarLoad(plan, loopCtx))
	if err != nil {
		return err
	}
	dst := plan.Assign.Dst
	rhs, err := storeFromFloat(value, dst.DType())
	if err != nil {
		return err
	}
	idx := make([]string, len(plan.Assign.Index))
	for k, ex := range plan.Assign.Index {
		idx[k] = renderExpr(ex, loopCtx)
	}
	e.w.line("%s = %s;", e.elem(dst, idx, loopCtx), rhs)
	for range op.Axes {
		e.w.dec()
		e.w.line("}")
	}
	return nil
}
