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

	"github.com/pkg/errors"

	"github.com/gotile/gotile/tile"
)

// Geometry of the tensor-core accumulator atom: a 32-lane warp owns a 16x8
// output tile, 4 elements per lane.
const (
	atomRows  = 16
	atomCols  = 8
	warpLanes = 32
	atomSlots = (atomRows * atomCols) / warpLanes
)

// Fragment maps a GEMM tile held in registers onto the block's threads: the
// tile is split into per-warp bands by the warp partition, each band is tiled by
// 16x8 accumulator atoms, and within an atom lane l owns rows {l/4, l/4+8} of
// columns {2(l%4), 2(l%4)+1}. The physical offset is thread*slots+slot, a
// bijection over the tile.
//
// The same ownership serves a fragment consumed as GEMM operand A: an A atom's
// per-lane elements are exactly the union of two side-by-side accumulator
// atoms, so an accumulator produced by one GEMM feeds the next one without
// cross-lane traffic, provided both use a full-row partition.
type Fragment struct {
	m, n           int
	warpsM, warpsN int
	warpM, warpN   int // per-warp tile
	atomsM, atomsN int // atoms per warp tile
	slotsPerLane   int
}

var _ tile.Layout = (*Fragment)(nil)

// NewFragment builds the register mapping of an m x n tile split across a
// warpsM x warpsN warp grid. Each warp's band must tile exactly by 16x8 atoms.
func NewFragment(m, n, warpsM, warpsN int) (*Fragment, error) {
	if warpsM < 1 || warpsN < 1 {
		return nil, errors.Errorf("warp grid %dx%d must be positive", warpsM, warpsN)
	}
	if m%warpsM != 0 {
		return nil, errors.Errorf("%d rows do not split across %d warp rows", m, warpsM)
	}
	if n%warpsN != 0 {
		return nil, errors.Errorf("%d columns do not split across %d warp columns", n, warpsN)
	}
	warpM, warpN := m/warpsM, n/warpsN
	if warpM%atomRows != 0 {
		return nil, errors.Errorf("per-warp band of %d rows does not tile by the %d-row atom", warpM, atomRows)
	}
	if warpN%atomCols != 0 {
		return nil, errors.Errorf("per-warp band of %d columns does not tile by the %d-column atom", warpN, atomCols)
	}
	atomsM, atomsN := warpM/atomRows, warpN/atomCols
	return &Fragment{
		m: m, n: n,
		warpsM: warpsM, warpsN: warpsN,
		warpM: warpM, warpN: warpN,
		atomsM: atomsM, atomsN: atomsN,
		slotsPerLane: atomsM * atomsN * atomSlots,
	}, nil
}

// OffsetOf implements tile.Layout.
func (l *Fragment) OffsetOf(index ...int) int {
	checkIndex(l, []int{l.m, l.n}, index)
	thread, slot := l.Owner(index[0], index[1])
	return thread*l.slotsPerLane + slot
}

// Owner returns the block-level thread that holds element (i, j) and the slot
// within that thread's register array.
func (l *Fragment) Owner(i, j int) (thread, slot int) {
	warp := (i/l.warpM)*l.warpsN + j/l.warpN
	i, j = i%l.warpM, j%l.warpN
	atom := (i/atomRows)*l.atomsN + j/atomCols
	r, c := i%atomRows, j%atomCols
	lane := (r%8)*4 + c/2
	slot = atom*atomSlots + (r/8)*2 + c%2
	return warp*warpLanes + lane, slot
}

// NumElements implements tile.Layout.
func (l *Fragment) NumElements() int { return l.m * l.n }

// Equal implements tile.Layout.
func (l *Fragment) Equal(other tile.Layout) bool {
	o, ok := other.(*Fragment)
	return ok && l.m == o.m && l.n == o.n && l.warpsM == o.warpsM && l.warpsN == o.warpsN
}

// String implements fmt.Stringer, e.g. "fragment[128 128] warps=4x1".
func (l *Fragment) String() string {
	return fmt.Sprintf("fragment[%d %d] warps=%dx%d", l.m, l.n, l.warpsM, l.warpsN)
}

// Dims returns the logical tile extents.
func (l *Fragment) Dims() (m, n int) { return l.m, l.n }

// Warps returns the warp partition grid.
func (l *Fragment) Warps() (warpsM, warpsN int) { return l.warpsM, l.warpsN }

// WarpTile returns the per-warp band extents.
func (l *Fragment) WarpTile() (m, n int) { return l.warpM, l.warpN }

// Atoms returns the per-warp atom grid.
func (l *Fragment) Atoms() (atomsM, atomsN int) { return l.atomsM, l.atomsN }

// SlotsPerLane is the register array length each thread dedicates to the tile.
func (l *Fragment) SlotsPerLane() int { return l.slotsPerLane }

// partitionWarps picks the warp grid a policy prescribes for an m x n output
// tile. Full-row and full-col are fixed splits; square searches the divisor
// pairs of the warp count for the most balanced feasible band shape.
func partitionWarps(policy tile.WarpPolicy, m, n, warps int) (warpsM, warpsN int, err error) {
	feasible := func(wm, wn int) bool {
		return m%wm == 0 && n%wn == 0 && (m/wm)%atomRows == 0 && (n/wn)%atomCols == 0
	}
	switch policy {
	case tile.WarpPolicyFullCol:
		return 1, warps, nil
	case tile.WarpPolicySquare:
		bestM, bestScore := 0, 0
		for wm := 1; wm <= warps; wm++ {
			if warps%wm != 0 || !feasible(wm, warps/wm) {
				continue
			}
			score := m/wm - n/(warps/wm)
			if score < 0 {
				score = -score
			}
			if bestM == 0 || score < bestScore {
				bestM, bestScore = wm, score
			}
		}
		if bestM == 0 {
			return 0, 0, errors.Errorf("no divisor pair of %d warps tiles [%d %d] by %dx%d atoms",
				warps, m, n, atomRows, atomCols)
		}
		return bestM, warps / bestM, nil
	default: // full-row, and the resolved meaning of default
		return warps, 1, nil
	}
}
