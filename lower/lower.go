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

// Package lower expands tile-granularity operations into the thread- and
// warp-partitioned instruction plan the emitter renders. It runs after layout
// inference, allocation and scheduling: layouts tell it which lane owns which
// fragment element, allocations tell it which buffers are multi-buffered, and
// schedules tell it which copies issue asynchronously.
//
// The output Program is a closed set of instruction nodes mirroring the op
// set, each holding the resolved constants emission needs: warp partitions,
// mma atom counts, copy vector widths, per-buffer register realizations. The
// partition of every parallel domain is a total, collision-free function of
// the thread id; lowering rejects bodies whose operands no such partition can
// serve (tile.PolicyError) and uses of multi-buffered memory outside the loop
// that rotates it (tile.ScheduleError).
package lower

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gotile/gotile/layout"
	"github.com/gotile/gotile/pipeline"
	"github.com/gotile/gotile/tile"
	"github.com/gotile/gotile/types"
)

// Program is the lowered form of one kernel: the instruction plan plus the
// register realization of every on-chip buffer. Shared and global buffers keep
// their addressing in the Layout attached by inference; Views covers what
// layouts alone cannot say about fragments and locals.
type Program struct {
	Kernel *tile.Kernel
	Config tile.Config

	// Warps is the block's warp count.
	Warps int

	// Views maps every fragment and local buffer to its register realization.
	Views map[*tile.Buffer]View

	// Body mirrors Kernel.Ops, one instruction per operation.
	Body []Instr
}

// View is the register realization of a fragment or local buffer. Exactly one
// field is set.
type View struct {
	// Frag is a warp-mapped 2-D accumulator: ownership per layout.Fragment.
	Frag *layout.Fragment

	// Vec is a lane-replicated rank-1 reduction result.
	Vec *RowVec

	// PerThread is the element count of a thread-strided private buffer:
	// flattened element e lives in thread e mod threads at local index
	// e / threads. Locals hold a full private copy instead (PerThread is the
	// whole buffer).
	PerThread int
}

// RowVec is the realization of a rank-1 fragment produced by reducing one axis
// of a warp-mapped fragment: each thread holds the entries for the rows (or
// columns, for axis 0) its lanes own under the parent partition, replicated
// across the lanes that shared the reduced axis.
type RowVec struct {
	// Len is the vector extent.
	Len int

	// Axis is the reduced axis of the parent: 1 means the vector indexes rows,
	// 0 means columns.
	Axis int

	// Parent fixes the warp partition and atom geometry the vector inherits.
	Parent *layout.Fragment
}

// PerThread is the number of vector entries each thread holds: two per atom
// along the kept axis.
func (v *RowVec) PerThread() int {
	atomsM, atomsN := v.Parent.Atoms()
	if v.Axis == 1 {
		return 2 * atomsM
	}
	return 2 * atomsN
}

// Compatible reports whether a fragment partitions the kept axis exactly as
// the vector's parent does, so the two can be indexed together in one
// warp-mapped loop.
func (v *RowVec) Compatible(f *layout.Fragment, axis int) bool {
	if axis != v.Axis {
		return false
	}
	pm, pn := v.Parent.Dims()
	fm, fn := f.Dims()
	pwm, pwn := v.Parent.Warps()
	fwm, fwn := f.Warps()
	if pwm != fwm || pwn != fwn {
		return false
	}
	if axis == 1 {
		return pm == fm
	}
	return pn == fn
}

// String implements fmt.Stringer.
func (v *RowVec) String() string {
	return fmt.Sprintf("rowvec[%d] axis=%d of %s", v.Len, v.Axis, v.Parent)
}

// Instr is one node of the lowered plan. The set is closed; the emitter
// type-switches over it.
type Instr interface {
	isInstr()
}

// PipeLoop is a scheduled Pipelined domain: the issue and consume phases
// lowered separately, ordered by the schedule's step streams.
type PipeLoop struct {
	Op    *tile.Pipelined
	Sched *pipeline.Schedule

	// Issue holds the lowered issue-phase copies, Consume the lowered consume
	// phase, both in body order. Step streams reference them by iteration.
	Issue   []Instr
	Consume []Instr
}

// CopyInstr moves one region: a thread-partitioned element loop, vectorized to
// VecBytes-wide transfers when alignment allows, asynchronous when the copy is
// an issue phase of a pipelined loop.
type CopyInstr struct {
	Op *tile.Copy

	// Async marks cp.async emission (issue-phase copies with at least 4-byte
	// vectors); synchronous copies load and store through registers.
	Async bool

	// VecBytes is the transfer width per element-loop step: 16, 8 or 4, or the
	// element size when nothing wider aligns.
	VecBytes int
}

// FillInstr stores a constant over a region, partitioned like a copy.
type FillInstr struct {
	Op *tile.Fill
}

// GemmInstr is one tile matrix-multiply: per-warp mma atom loops when MMA is
// set, per-thread FMA loops otherwise.
type GemmInstr struct {
	Op      *tile.Gemm
	M, N, K int

	// C is the accumulator partition; every per-warp extent derives from it.
	C *layout.Fragment

	// MMA selects the tensor-core path (f16/bf16 inputs, f32 accumulation),
	// with AtomsK k-slices of 16.
	MMA    bool
	AtomsK int

	// AFrag is set when A is a fragment operand (register reuse of a previous
	// accumulator); ASwz/BSwz when the shared operand is swizzled, nil for
	// row-major shared memory.
	AFrag      *layout.Fragment
	ASwz, BSwz *layout.Swizzle
}

// ReduceInstr folds one axis of a warp-mapped fragment into a RowVec: per-lane
// partials over owned slots, a shuffle tree across the lanes sharing the axis,
// then a combine into the destination entries.
type ReduceInstr struct {
	Op  *tile.Reduce
	Src *layout.Fragment
	Dst *RowVec
}

// LoopKind classifies how one parallel assignment iterates.
type LoopKind int

const (
	// LoopFlat strides threads over the flattened domain: thread t handles
	// flattened indices t, t+threads, ....
	LoopFlat LoopKind = iota
	// LoopFrag iterates each thread over its own slots of the destination
	// fragment.
	LoopFrag
	// LoopVec iterates each thread over its own entries of the destination
	// row vector.
	LoopVec
	// LoopRep replicates the whole domain on every thread, for per-thread
	// local destinations.
	LoopRep
)

// String implements fmt.Stringer.
func (k LoopKind) String() string {
	switch k {
	case LoopFlat:
		return "flat"
	case LoopFrag:
		return "frag"
	case LoopVec:
		return "vec"
	case LoopRep:
		return "replicated"
	}
	return fmt.Sprintf("LoopKind(%d)", int(k))
}

// AssignPlan is the partition chosen for one parallel assignment.
type AssignPlan struct {
	Assign tile.Assign
	Kind   LoopKind

	// Frag / Vec carry the ownership geometry for LoopFrag / LoopVec.
	Frag *layout.Fragment
	Vec  *RowVec
}

// ParallelInstr is a lowered Parallel domain, one plan per body assignment.
type ParallelInstr struct {
	Op    *tile.Parallel
	Plans []AssignPlan
}

func (*PipeLoop) isInstr()      {}
func (*CopyInstr) isInstr()     {}
func (*FillInstr) isInstr()     {}
func (*GemmInstr) isInstr()     {}
func (*ReduceInstr) isInstr()   {}
func (*ParallelInstr) isInstr() {}

// Lower expands the kernel's operations into an instruction plan. The kernel
// must already carry layouts (layout.Infer) and allocations (memplan.Allocate),
// and schedules must cover every pipelined domain (pipeline.BuildAll).
func Lower(k *tile.Kernel, cfg tile.Config, schedules map[*tile.Pipelined]*pipeline.Schedule) (*Program, error) {
	cfg = cfg.WithDefaults()
	l := &lowerer{
		kernel:    k,
		cfg:       cfg,
		schedules: schedules,
		views:     make(map[*tile.Buffer]View),
		rotatedBy: make(map[*tile.Buffer]*tile.Pipelined),
	}
	if err := l.assignViews(); err != nil {
		return nil, err
	}
	l.findRotated()

	body, err := l.lowerOps(k.Ops, nil)
	if err != nil {
		return nil, err
	}
	prog := &Program{
		Kernel: k,
		Config: cfg,
		Warps:  k.Threads / cfg.Target.WarpSize,
		Views:  l.views,
		Body:   body,
	}
	klog.V(1).Infof("lower: %s: %d instructions, %d warps", k.Name, len(body), prog.Warps)
	return prog, nil
}

type lowerer struct {
	kernel    *tile.Kernel
	cfg       tile.Config
	schedules map[*tile.Pipelined]*pipeline.Schedule

	views map[*tile.Buffer]View

	// rotatedBy maps multi-buffered shared buffers to the loop whose stages
	// rotate them.
	rotatedBy map[*tile.Buffer]*tile.Pipelined
}

func (l *lowerer) policyErr(policy tile.WarpPolicy, site tile.Site, format string, args ...any) error {
	return errors.WithStack(&tile.PolicyError{
		Policy: policy,
		Site:   site,
		Detail: fmt.Sprintf(format, args...),
	})
}

// assignViews fixes the register realization of every fragment and local
// buffer. Warp-mapped fragments come straight from inference; rank-1 fragments
// become RowVecs when a reduction defines them; everything else is
// thread-strided private storage.
func (l *lowerer) assignViews() error {
	for _, b := range l.kernel.Buffers {
		switch b.Space {
		case tile.MemFragment:
			if frag, ok := b.Layout().(*layout.Fragment); ok {
				l.views[b] = View{Frag: frag}
			}
		case tile.MemLocal:
			l.views[b] = View{PerThread: b.Shape().Size()}
		}
	}

	// Reductions define the realization of their rank-1 destinations.
	var err error
	l.kernel.VisitOps(func(op tile.Op, _ *tile.Pipelined) bool {
		r, ok := op.(*tile.Reduce)
		if !ok {
			return true
		}
		src := l.views[r.Src].Frag
		if src == nil {
			err = l.policyErr(l.cfg.Policy, r.Site(),
				"reduce source %s has no warp mapping; only gemm accumulators and their casts reduce", r.Src.Name)
			return false
		}
		wm, wn := src.Warps()
		if r.Axis == 1 && wn != 1 {
			err = l.policyErr(l.cfg.Policy, r.Site(),
				"reducing rows spread over %dx%d warps needs a full-row partition", wm, wn)
			return false
		}
		if r.Axis == 0 && wm != 1 {
			err = l.policyErr(l.cfg.Policy, r.Site(),
				"reducing columns spread over %dx%d warps needs a full-col partition", wm, wn)
			return false
		}
		vec := &RowVec{Len: r.Dst.Shape().Dimensions[0], Axis: r.Axis, Parent: src}
		if existing := l.views[r.Dst].Vec; existing != nil {
			if !existing.Compatible(src, r.Axis) {
				err = l.policyErr(l.cfg.Policy, r.Site(),
					"reductions into %s disagree on its partition: %s vs %s", r.Dst.Name, existing, vec)
				return false
			}
			return true
		}
		l.views[r.Dst] = View{Vec: vec}
		return true
	})
	if err != nil {
		return err
	}

	// Everything still undetermined is thread-strided private storage.
	for _, b := range l.kernel.Buffers {
		if b.Space != tile.MemFragment {
			continue
		}
		if v := l.views[b]; v.Frag == nil && v.Vec == nil {
			l.views[b] = View{PerThread: types.CeilDiv(b.Shape().Size(), l.kernel.Threads)}
		}
	}
	return nil
}

// findRotated records which pipelined loop owns each multi-buffered shared
// buffer, so uses outside that loop can be rejected.
func (l *lowerer) findRotated() {
	for _, op := range l.kernel.Ops {
		loop, ok := op.(*tile.Pipelined)
		if !ok {
			continue
		}
		for _, inner := range loop.Body {
			c, ok := inner.(*tile.Copy)
			if !ok || !c.AsyncLoad() {
				continue
			}
			if alloc := c.Dst.Buffer.Allocation(); alloc != nil && alloc.Copies > 1 {
				l.rotatedBy[c.Dst.Buffer] = loop
			}
		}
	}
}

// checkRotation rejects touching a stage-rotated buffer from outside the loop
// that rotates it: there is no well-defined slot to address.
func (l *lowerer) checkRotation(op tile.Op, pipe *tile.Pipelined) error {
	check := func(buffers []*tile.Buffer) error {
		for _, b := range buffers {
			owner, rotated := l.rotatedBy[b]
			if !rotated || owner == pipe {
				continue
			}
			return errors.WithStack(&tile.ScheduleError{
				Site: op.Site(),
				Detail: fmt.Sprintf("%s is multi-buffered by loop %q; it cannot be touched outside that loop",
					b.Name, owner.Iter.Name),
			})
		}
		return nil
	}
	if err := check(op.Reads()); err != nil {
		return err
	}
	return check(op.Writes())
}

func (l *lowerer) lowerOps(ops []tile.Op, pipe *tile.Pipelined) ([]Instr, error) {
	instrs := make([]Instr, 0, len(ops))
	for _, op := range ops {
		instr, err := l.lowerOp(op, pipe)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, instr)
	}
	return instrs, nil
}

func (l *lowerer) lowerOp(op tile.Op, pipe *tile.Pipelined) (Instr, error) {
	if err := l.checkRotation(op, pipe); err != nil {
		return nil, err
	}
	switch op := op.(type) {
	case *tile.Pipelined:
		return l.lowerPipelined(op)
	case *tile.Copy:
		return l.lowerCopy(op, false)
	case *tile.Fill:
		return l.lowerFill(op)
	case *tile.Gemm:
		return l.lowerGemm(op)
	case *tile.Reduce:
		return l.lowerReduce(op)
	case *tile.Parallel:
		return l.lowerParallel(op)
	}
	return nil, errors.Errorf("lower: unhandled op %s", op)
}

func (l *lowerer) lowerPipelined(op *tile.Pipelined) (Instr, error) {
	sched, ok := l.schedules[op]
	if !ok {
		return nil, errors.WithStack(&tile.ScheduleError{
			Site:   op.Site(),
			Detail: fmt.Sprintf("no schedule built for loop %q", op.Iter.Name),
		})
	}
	pl := &PipeLoop{Op: op, Sched: sched}
	async := !sched.Sequential()
	for _, c := range sched.Issue {
		instr, err := l.lowerCopy(c, async)
		if err != nil {
			return nil, err
		}
		pl.Issue = append(pl.Issue, instr)
	}
	consume, err := l.lowerOps(sched.Consume, op)
	if err != nil {
		return nil, err
	}
	pl.Consume = consume
	return pl, nil
}
