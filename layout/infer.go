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

package layout

import (
	"fmt"
	"maps"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gotile/gotile/tile"
)

// configSite tags requirements seeded by Config.LayoutOverrides rather than by
// an operation.
var configSite = tile.Site{Index: -1, Label: "configuration layout override"}

type requirement struct {
	layout tile.Layout
	site   tile.Site
}

// Infer attaches a layout to every buffer of a validated kernel.
//
// Requirements are seeded in priority order: configuration overrides first,
// then the operations in program order. A GEMM's shared operands require the
// canonical swizzle for their shape, element width and access orientation; its
// accumulator (and a fragment A operand) requires the register mapping of the
// resolved warp partition. Parallel assignments propagate fragment mappings
// between the same-shape, same-index fragments they tie together, so a cast of
// one accumulator feeding the next GEMM keeps every element in its lane.
// Seeding repeats until no requirement is added (requirements only ever grow,
// so this terminates). A buffer receiving two requirements that don't agree is
// a *tile.LayoutConflict naming both sites. Buffers nobody constrains, global
// buffers included, get RowMajor.
func Infer(k *tile.Kernel, cfg tile.Config) error {
	cfg = cfg.WithDefaults()
	inf := &inferrer{kernel: k, cfg: cfg, reqs: make(map[*tile.Buffer]requirement)}
	if err := inf.seedOverrides(); err != nil {
		return err
	}
	for {
		inf.added = false
		var err error
		k.VisitOps(func(op tile.Op, _ *tile.Pipelined) bool {
			switch typed := op.(type) {
			case *tile.Gemm:
				err = inf.seedGemm(typed)
			case *tile.Parallel:
				err = inf.seedParallel(typed)
			}
			return err == nil
		})
		if err != nil {
			return err
		}
		if !inf.added {
			break
		}
	}

	for _, b := range k.Buffers {
		if req, ok := inf.reqs[b]; ok {
			b.SetLayout(req.layout)
		} else {
			b.SetLayout(NewRowMajor(b.Shape()))
		}
		klog.V(2).Infof("layout: %s <- %s", b.Name, b.Layout())
	}
	klog.V(1).Infof("layout: inferred %d buffer layouts for kernel %s", len(k.Buffers), k.Name)
	return nil
}

type inferrer struct {
	kernel *tile.Kernel
	cfg    tile.Config
	reqs   map[*tile.Buffer]requirement
	added  bool
}

// require records a layout requirement, or fails when the buffer already
// carries a different one. The earlier site wins the First slot of the
// conflict, so the report is deterministic.
func (inf *inferrer) require(b *tile.Buffer, lay tile.Layout, site tile.Site) error {
	existing, ok := inf.reqs[b]
	if !ok {
		inf.reqs[b] = requirement{layout: lay, site: site}
		inf.added = true
		return nil
	}
	if existing.layout.Equal(lay) {
		return nil
	}
	return errors.WithStack(&tile.LayoutConflict{
		Buffer:       b,
		First:        existing.site,
		FirstLayout:  existing.layout,
		Second:       site,
		SecondLayout: lay,
	})
}

func (inf *inferrer) shapeErr(buf *tile.Buffer, format string, args ...any) error {
	return errors.WithStack(&tile.ShapeError{
		Buffer: buf,
		Site:   configSite,
		Detail: fmt.Sprintf(format, args...),
	})
}

func (inf *inferrer) seedOverrides() error {
	for _, name := range slices.Sorted(maps.Keys(inf.cfg.LayoutOverrides)) {
		lay := inf.cfg.LayoutOverrides[name]
		b := inf.kernel.Buffer(name)
		if b == nil {
			return inf.shapeErr(nil, "layout override names unknown buffer %q", name)
		}
		if lay == nil {
			return inf.shapeErr(b, "layout override for %q is nil", name)
		}
		if lay.NumElements() != b.Shape().Size() {
			return inf.shapeErr(b, "layout override %s covers %d elements, buffer %s holds %d",
				lay, lay.NumElements(), b, b.Shape().Size())
		}
		if err := inf.require(b, lay, configSite); err != nil {
			return err
		}
	}
	return nil
}

func (inf *inferrer) seedGemm(g *tile.Gemm) error {
	policy := inf.cfg.PolicyFor(g)
	policyErr := func(format string, args ...any) error {
		return errors.WithStack(&tile.PolicyError{
			Policy: policy,
			Site:   g.Site(),
			Detail: fmt.Sprintf(format, args...),
		})
	}

	warpSize := inf.cfg.Target.WarpSize
	if inf.kernel.Threads%warpSize != 0 {
		return policyErr("block of %d threads is not a whole number of %d-lane warps",
			inf.kernel.Threads, warpSize)
	}
	warps := inf.kernel.Threads / warpSize

	m, n, kDim := g.Dims()
	warpsM, warpsN, err := partitionWarps(policy, m, n, warps)
	if err != nil {
		return policyErr("%v", err)
	}
	cFrag, err := NewFragment(m, n, warpsM, warpsN)
	if err != nil {
		return policyErr("%v", err)
	}
	if err := inf.require(g.C, cFrag, g.Site()); err != nil {
		return err
	}

	if g.A.Space == tile.MemShared {
		if err := inf.seedSwizzle(g.A, Congruous, g.Site()); err != nil {
			return err
		}
	} else {
		// Fragment operand: its elements must already sit in the lanes the mma
		// atoms read from, which holds only when no warp splits columns.
		if warpsN != 1 {
			return policyErr("fragment operand %s needs a full-row partition, got %dx%d warps",
				g.A.Name, warpsM, warpsN)
		}
		aFrag, err := NewFragment(m, kDim, warps, 1)
		if err != nil {
			return policyErr("operand %s: %v", g.A.Name, err)
		}
		if err := inf.require(g.A, aFrag, g.Site()); err != nil {
			return err
		}
	}

	orient := Crosswise
	if g.TransposeB {
		orient = Congruous
	}
	return inf.seedSwizzle(g.B, orient, g.Site())
}

// seedSwizzle requires the canonical swizzle on a shared operand, or leaves the
// buffer unconstrained when its rows can't host one.
func (inf *inferrer) seedSwizzle(b *tile.Buffer, orient Orientation, site tile.Site) error {
	sw, err := NewSwizzle(b.Shape(), orient)
	if err != nil {
		klog.V(1).Infof("layout: %s keeps row-major: %v", b.Name, err)
		return nil
	}
	return inf.require(b, sw, site)
}

// seedParallel spreads an existing fragment requirement across the buffers an
// assignment relates element-for-element: the destination and every fragment
// it loads at the destination's own index. Buffers the assignment permutes
// (different index order) stay independent.
func (inf *inferrer) seedParallel(p *tile.Parallel) error {
	for _, assign := range p.Body {
		group := propagationGroup(assign)
		if len(group) < 2 {
			continue
		}
		var leader *tile.Buffer
		for _, b := range group {
			if _, ok := inf.reqs[b]; ok {
				leader = b
				break
			}
		}
		if leader == nil {
			continue
		}
		req := inf.reqs[leader]
		for _, b := range group {
			if b == leader {
				continue
			}
			if err := inf.require(b, req.layout, p.Site()); err != nil {
				return err
			}
		}
	}
	return nil
}

func propagationGroup(assign tile.Assign) []*tile.Buffer {
	dst := assign.Dst
	if dst.Space != tile.MemFragment {
		return nil
	}
	group := []*tile.Buffer{dst}
	tile.VisitScalar(assign.Value, func(s tile.Scalar) {
		load, ok := s.(tile.Load)
		if !ok {
			return
		}
		b := load.Buffer
		if b == dst || b.Space != tile.MemFragment || slices.Contains(group, b) {
			return
		}
		if !b.Shape().EqualDimensions(dst.Shape()) || !sameIndex(load.Index, assign.Index) {
			return
		}
		group = append(group, b)
	})
	return group
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
