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

// Package memplan is the buffer allocator: it places every shared buffer at a
// byte offset of the block's shared memory, multiplies the buffers cycled by a
// software pipeline into per-stage copies, and checks the kernel against the
// target's capacity budgets.
//
// Placement is greedy first-fit over liveness intervals: a buffer's interval
// runs from its first to its last referencing operation (any use inside a
// pipelined loop extends to the whole loop), and two buffers share bytes only
// when their intervals are disjoint. The packing is deterministic and not
// optimal. Budget violations are *tile.CapacityError: the configuration itself
// must change, nothing is retried.
package memplan

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gotile/gotile/layout"
	"github.com/gotile/gotile/tile"
	"github.com/gotile/gotile/types"
)

const (
	// baseAlign aligns every shared placement to a full bank row.
	baseAlign = 128
	// slotAlign keeps each pipeline-stage copy aligned for 16-byte async copies.
	slotAlign = 16
)

// Plan is the allocator's summary. Per-buffer placements are attached to the
// buffers themselves (tile.Buffer.Allocation).
type Plan struct {
	// SharedBytes is the high-water shared-memory footprint, the launch's
	// dynamic shared-memory size.
	SharedBytes int

	// RegisterBytesPerThread estimates each thread's fragment and local
	// footprint.
	RegisterBytesPerThread int
}

// String implements fmt.Stringer.
func (p *Plan) String() string {
	return fmt.Sprintf("plan: shared=%d bytes, registers=%d bytes/thread",
		p.SharedBytes, p.RegisterBytesPerThread)
}

// Allocate places k's on-chip storage under cfg's target budgets. It expects
// layouts to be inferred already (fragment footprints come from their register
// mappings).
func Allocate(k *tile.Kernel, cfg tile.Config) (*Plan, error) {
	cfg = cfg.WithDefaults()
	target := cfg.Target

	if k.Threads > target.MaxThreadsPerBlock {
		return nil, errors.WithStack(&tile.CapacityError{
			Resource:  "threads",
			Requested: k.Threads,
			Budget:    target.MaxThreadsPerBlock,
			Target:    target.Name,
		})
	}

	a := &allocator{kernel: k, cfg: cfg}
	a.scanLiveness()
	a.scanMultiplicity()

	sharedBytes, err := a.placeShared()
	if err != nil {
		return nil, err
	}
	registerBytes, err := a.registerEstimate()
	if err != nil {
		return nil, err
	}

	plan := &Plan{SharedBytes: sharedBytes, RegisterBytesPerThread: registerBytes}
	klog.V(1).Infof("memplan: %s: %s", k.Name, plan)
	return plan, nil
}

// interval is a buffer's live span over the builder's op numbering, inclusive.
type interval struct {
	first, last int
}

func (iv interval) overlaps(other interval) bool {
	return iv.first <= other.last && other.first <= iv.last
}

type allocator struct {
	kernel *tile.Kernel
	cfg    tile.Config

	live   map[*tile.Buffer]interval
	copies map[*tile.Buffer]int
}

// scanLiveness records the first and last op position referencing each on-chip
// buffer. A reference inside a pipelined body counts as spanning the whole
// loop: every iteration may touch it.
func (a *allocator) scanLiveness() {
	a.live = make(map[*tile.Buffer]interval)
	touch := func(b *tile.Buffer, lo, hi int) {
		if !b.Space.OnChip() {
			return
		}
		iv, ok := a.live[b]
		if !ok {
			a.live[b] = interval{first: lo, last: hi}
			return
		}
		a.live[b] = interval{first: min(iv.first, lo), last: max(iv.last, hi)}
	}
	a.kernel.VisitOps(func(op tile.Op, encl *tile.Pipelined) bool {
		if op.Type() == tile.OpTypePipelined {
			return true // its body ops carry the references
		}
		lo, hi := op.Site().Index, op.Site().Index
		if encl != nil {
			lo = encl.Site().Index
			hi = encl.Body[len(encl.Body)-1].Site().Index
		}
		for _, b := range op.Reads() {
			touch(b, lo, hi)
		}
		for _, b := range op.Writes() {
			touch(b, lo, hi)
		}
		return true
	})
}

// scanMultiplicity marks the shared buffers filled by the asynchronous issue
// phase of an S-stage pipelined loop: those keep S copies so iteration i+S-1
// can load while iteration i still reads.
func (a *allocator) scanMultiplicity() {
	a.copies = make(map[*tile.Buffer]int)
	for _, op := range a.kernel.Ops {
		p, ok := op.(*tile.Pipelined)
		if !ok {
			continue
		}
		stages := min(a.cfg.StagesFor(p), p.Trip)
		if stages <= 1 {
			continue
		}
		for _, inner := range p.Body {
			c, ok := inner.(*tile.Copy)
			if !ok || !c.AsyncLoad() {
				continue
			}
			b := c.Dst.Buffer
			a.copies[b] = max(a.copies[b], stages)
		}
	}
}

// placeShared first-fit packs the live shared buffers and returns the
// high-water footprint. Buffers are placed in order of liveness start (ties by
// declaration order), and a placement may reuse the bytes of any buffer whose
// interval doesn't overlap.
func (a *allocator) placeShared() (int, error) {
	type placed struct {
		buffer *tile.Buffer
		iv     interval
		lo, hi int
	}

	var order []*tile.Buffer
	for _, b := range a.kernel.Buffers {
		if b.Space != tile.MemShared {
			continue
		}
		if _, ok := a.live[b]; !ok {
			klog.V(1).Infof("memplan: shared buffer %s is never referenced, not placed", b.Name)
			continue
		}
		order = append(order, b)
	}
	slices.SortFunc(order, func(x, y *tile.Buffer) int {
		if d := a.live[x].first - a.live[y].first; d != 0 {
			return d
		}
		return x.Index() - y.Index()
	})

	var placements []placed
	highWater := 0
	for _, b := range order {
		iv := a.live[b]
		copies := max(a.copies[b], 1)
		slotBytes := types.AlignUp(int(b.Shape().Memory()), slotAlign)
		size := slotBytes * copies

		// First-fit: walk the already-placed, still-overlapping spans in
		// offset order and take the first aligned gap that fits.
		conflicting := make([]placed, 0, len(placements))
		for _, p := range placements {
			if p.iv.overlaps(iv) {
				conflicting = append(conflicting, p)
			}
		}
		slices.SortFunc(conflicting, func(x, y placed) int { return x.lo - y.lo })
		offset := 0
		for _, p := range conflicting {
			if types.AlignUp(offset, baseAlign)+size <= p.lo {
				break
			}
			offset = max(offset, p.hi)
		}
		offset = types.AlignUp(offset, baseAlign)

		alloc := &tile.Allocation{OffsetBytes: offset, SlotBytes: slotBytes, Copies: copies}
		b.SetAllocation(alloc)
		placements = append(placements, placed{buffer: b, iv: iv, lo: offset, hi: offset + size})
		highWater = max(highWater, offset+size)
		klog.V(2).Infof("memplan: %s %s live [%d, %d]", b.Name, alloc, iv.first, iv.last)
	}

	if highWater > a.cfg.Target.SharedMemPerBlock {
		return 0, errors.WithStack(&tile.CapacityError{
			Resource:  "shared memory",
			Bytes:     true,
			Requested: highWater,
			Budget:    a.cfg.Target.SharedMemPerBlock,
			Target:    a.cfg.Target.Name,
		})
	}
	return highWater, nil
}

// registerEstimate sums each thread's fragment and local footprint. Fragments
// carrying a register mapping contribute exactly their per-lane slots; reduce
// destinations are replicated across the lanes that shared the reduced axis
// and contribute two entries per atom of the kept axis; the remaining
// fragments contribute their dense per-thread share, a lower bound.
func (a *allocator) registerEstimate() (int, error) {
	vecSlots := a.reduceSlots()
	bytes := 0
	for _, b := range a.kernel.Buffers {
		if _, ok := a.live[b]; !ok {
			continue
		}
		switch b.Space {
		case tile.MemFragment:
			if frag, ok := b.Layout().(*layout.Fragment); ok {
				bytes += frag.SlotsPerLane() * b.DType().Size()
			} else if slots, ok := vecSlots[b]; ok {
				bytes += slots * b.DType().Size()
			} else {
				bytes += types.CeilDiv(b.Shape().Size(), a.kernel.Threads) * b.DType().Size()
			}
		case tile.MemLocal:
			bytes += int(b.Shape().Memory())
		}
	}
	if bytes > a.cfg.Target.RegisterBytesPerThread {
		return 0, errors.WithStack(&tile.CapacityError{
			Resource:  "registers",
			Bytes:     true,
			Requested: bytes,
			Budget:    a.cfg.Target.RegisterBytesPerThread,
			Target:    a.cfg.Target.Name,
		})
	}
	return bytes, nil
}

// reduceSlots maps each reduce destination to the entries a thread holds once
// lowering turns it into a lane-replicated row vector: two per atom of the
// kept axis of the source's warp partition.
func (a *allocator) reduceSlots() map[*tile.Buffer]int {
	slots := make(map[*tile.Buffer]int)
	a.kernel.VisitOps(func(op tile.Op, _ *tile.Pipelined) bool {
		r, ok := op.(*tile.Reduce)
		if !ok {
			return true
		}
		src, ok := r.Src.Layout().(*layout.Fragment)
		if !ok {
			return true
		}
		atomsM, atomsN := src.Atoms()
		per := 2 * atomsN
		if r.Axis == 1 {
			per = 2 * atomsM
		}
		slots[r.Dst] = max(slots[r.Dst], per)
		return true
	})
	return slots
}
