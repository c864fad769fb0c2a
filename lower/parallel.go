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
	"slices"
	"strings"

	"github.com/gotile/gotile/tile"
)

// lowerReduce resolves a reduction against the views fixed up front: the
// source's warp partition and the destination's row-vector realization both
// exist by the time lowering walks the body.
func (l *lowerer) lowerReduce(op *tile.Reduce) (Instr, error) {
	return &ReduceInstr{
		Op:  op,
		Src: l.views[op.Src].Frag,
		Dst: l.views[op.Dst].Vec,
	}, nil
}

// lowerParallel picks a thread partition for every assignment of the domain
// and rejects bodies no single partition can serve. The loops of one domain
// run back to back with no barrier between them, so an assignment may only
// read what an earlier one wrote when both run under the same partition and
// each thread reads its own writes.
func (l *lowerer) lowerParallel(op *tile.Parallel) (Instr, error) {
	instr := &ParallelInstr{Op: op, Plans: make([]AssignPlan, 0, len(op.Body))}
	written := make(map[*tile.Buffer]int)
	for _, assign := range op.Body {
		plan, err := l.planAssign(op, assign)
		if err != nil {
			return nil, err
		}
		if err := l.checkBodyDeps(op, instr.Plans, written, plan); err != nil {
			return nil, err
		}
		written[assign.Dst] = len(instr.Plans)
		instr.Plans = append(instr.Plans, plan)
	}
	return instr, nil
}

// planAssign chooses the loop kind from the destination's realization and
// verifies every load is addressable under it.
func (l *lowerer) planAssign(op *tile.Parallel, assign tile.Assign) (AssignPlan, error) {
	plan := AssignPlan{Assign: assign}
	view := l.views[assign.Dst]
	switch {
	case view.Frag != nil:
		plan.Kind, plan.Frag = LoopFrag, view.Frag
		if !identityIndex(assign.Index, op.Axes) {
			return plan, l.policyErr(l.cfg.Policy, op.Site(),
				"parallel writes %s at [%s]; warp-mapped destinations take the identity index only",
				assign.Dst.Name, joinIndex(assign.Index))
		}
	case view.Vec != nil:
		plan.Kind, plan.Vec = LoopVec, view.Vec
		if !identityIndex(assign.Index, op.Axes) {
			return plan, l.policyErr(l.cfg.Policy, op.Site(),
				"parallel writes %s at [%s]; row-vector destinations take the identity index only",
				assign.Dst.Name, joinIndex(assign.Index))
		}
	case assign.Dst.Space == tile.MemLocal:
		plan.Kind = LoopRep
	default:
		plan.Kind = LoopFlat
		if view.PerThread > 0 {
			// Thread-strided destination: element e lives in thread e mod
			// threads by flattened position, so the domain must walk the
			// buffer exactly.
			if !identityIndex(assign.Index, op.Axes) || !slices.Equal(op.Extents, assign.Dst.Shape().Dimensions) {
				return plan, l.policyErr(l.cfg.Policy, op.Site(),
					"parallel writes thread-strided %s over a domain that is not the whole buffer in order; elements would land in other threads",
					assign.Dst.Name)
			}
		}
	}

	var err error
	tile.VisitScalar(assign.Value, func(s tile.Scalar) {
		if err != nil {
			return
		}
		if load, ok := s.(tile.Load); ok {
			err = l.checkLoad(op, plan, load)
		}
	})
	return plan, err
}

// checkLoad verifies one load is thread-local under the assignment's
// partition. Global and shared memory are addressable from anywhere; locals
// read the executing thread's own copy; register-resident buffers must line up
// with the partition element for element.
func (l *lowerer) checkLoad(op *tile.Parallel, plan AssignPlan, load tile.Load) error {
	switch load.Buffer.Space {
	case tile.MemGlobal, tile.MemShared, tile.MemLocal:
		return nil
	}
	view := l.views[load.Buffer]
	switch plan.Kind {
	case LoopFrag:
		switch {
		case view.Frag != nil:
			if !view.Frag.Equal(plan.Frag) {
				return l.policyErr(l.cfg.Policy, op.Site(),
					"loads %s partitioned %s in a loop over %s partitioned %s",
					load.Buffer.Name, view.Frag, plan.Assign.Dst.Name, plan.Frag)
			}
			if !identityIndex(load.Index, op.Axes) {
				return l.policyErr(l.cfg.Policy, op.Site(),
					"loads %s at [%s]; lanes hold only the identity element of a warp-mapped loop",
					load.Buffer.Name, joinIndex(load.Index))
			}
		case view.Vec != nil:
			kept := 0
			if view.Vec.Axis == 0 {
				kept = 1
			}
			if len(load.Index) != 1 || !load.Index[0].Equal(op.Axes[kept].Expr()) {
				return l.policyErr(l.cfg.Policy, op.Site(),
					"loads %s at [%s]; its entries follow axis %s",
					load.Buffer.Name, joinIndex(load.Index), op.Axes[kept].Name)
			}
			if !view.Vec.Compatible(plan.Frag, view.Vec.Axis) {
				return l.policyErr(l.cfg.Policy, op.Site(),
					"%s does not partition %s's rows: %s vs %s",
					load.Buffer.Name, plan.Assign.Dst.Name, view.Vec, plan.Frag)
			}
		default:
			return l.policyErr(l.cfg.Policy, op.Site(),
				"thread-strided %s is not addressable from a warp-mapped loop; stage it through shared memory",
				load.Buffer.Name)
		}
	case LoopVec:
		if view.Vec == nil || !view.Vec.Compatible(plan.Vec.Parent, plan.Vec.Axis) {
			return l.policyErr(l.cfg.Policy, op.Site(),
				"loads %s in a row-vector loop over %s; the partitions do not line up",
				load.Buffer.Name, plan.Assign.Dst.Name)
		}
		if !identityIndex(load.Index, op.Axes) {
			return l.policyErr(l.cfg.Policy, op.Site(),
				"loads %s at [%s]; lanes hold only the identity entry of a row-vector loop",
				load.Buffer.Name, joinIndex(load.Index))
		}
	case LoopFlat:
		if view.Frag != nil || view.Vec != nil {
			return l.policyErr(l.cfg.Policy, op.Site(),
				"%s lives in warp-mapped registers; a flat loop cannot read it", load.Buffer.Name)
		}
		if !identityIndex(load.Index, op.Axes) || !slices.Equal(op.Extents, load.Buffer.Shape().Dimensions) {
			return l.policyErr(l.cfg.Policy, op.Site(),
				"thread-strided %s only lines up with a flat loop walking the whole buffer in order",
				load.Buffer.Name)
		}
	case LoopRep:
		return l.policyErr(l.cfg.Policy, op.Site(),
			"%s is spread across lanes; a replicated local loop cannot read it", load.Buffer.Name)
	}
	return nil
}

// checkBodyDeps rejects an assignment reading a buffer an earlier assignment
// of the same domain wrote under a different partition, or at a different
// element: the loops run unsynchronized, so only a thread's own writes are
// visible.
func (l *lowerer) checkBodyDeps(op *tile.Parallel, plans []AssignPlan, written map[*tile.Buffer]int, plan AssignPlan) error {
	var err error
	tile.VisitScalar(plan.Assign.Value, func(s tile.Scalar) {
		if err != nil {
			return
		}
		load, ok := s.(tile.Load)
		if !ok {
			return
		}
		i, ok := written[load.Buffer]
		if !ok {
			return
		}
		prev := plans[i]
		if prev.Kind != plan.Kind {
			err = l.policyErr(l.cfg.Policy, op.Site(),
				"reads %s under a %s partition, but it was written under %s earlier in the same domain; split the parallel ops",
				load.Buffer.Name, plan.Kind, prev.Kind)
			return
		}
		if !sameIndex(load.Index, prev.Assign.Index) {
			err = l.policyErr(l.cfg.Policy, op.Site(),
				"reads %s at [%s], written at [%s] earlier in the same domain; threads only see their own writes",
				load.Buffer.Name, joinIndex(load.Index), joinIndex(prev.Assign.Index))
		}
	})
	return err
}

// identityIndex reports whether index is exactly the domain's axes in order.
func identityIndex(index []tile.Expr, axes []*tile.Var) bool {
	if len(index) != len(axes) {
		return false
	}
	for d, e := range index {
		if !e.Equal(axes[d].Expr()) {
			return false
		}
	}
	return true
}

func sameIndex(a, b []tile.Expr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func joinIndex(index []tile.Expr) string {
	parts := make([]string, len(index))
	for i, e := range index {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}
