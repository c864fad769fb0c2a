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

// Package raster plans the execution order of grid blocks: a bijection from
// the linear launch index to logical block coordinates. Blocks are mutually
// independent, so reordering them is always sound; the point is cache reuse.
//
// With a panel width P > 1 the grid is cut into panels of P block columns.
// Consecutive launch indices sweep one panel row-major: across the panel's
// width first, then down its rows, so the operand tiles owned by the panel's
// columns stay hot while the row bands stream past. The last panel keeps the
// remaining width when P does not divide the grid. Disabled (P <= 1, or P
// covering the whole grid, which orders identically), the plan is the
// identity: natural row-major launch order.
package raster

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Plan is a fixed bijection between linear launch indices and logical block
// coordinates for one grid. The zero Plan is not valid; use Build.
type Plan struct {
	// GridX and GridY are the grid dimensions the plan covers.
	GridX, GridY int

	// Panel is the effective panel width in block columns, 1 for the identity
	// plan.
	Panel int
}

// Build plans the block traversal of a gridX x gridY grid with the given panel
// width. Any panel width is accepted: values <= 1 disable rasterization and
// widths >= gridX degenerate to the identity order, so both normalize to the
// identity plan. Grid dimensions must be positive.
func Build(gridX, gridY, panel int) Plan {
	if gridX <= 0 || gridY <= 0 {
		exceptions.Panicf("raster.Build: grid %dx%d must be positive", gridX, gridY)
	}
	if panel <= 1 || panel >= gridX {
		panel = 1
	}
	p := Plan{GridX: gridX, GridY: gridY, Panel: panel}
	klog.V(2).Infof("raster: %s", p)
	return p
}

// Identity reports whether the plan leaves the natural row-major launch order
// unchanged.
func (p Plan) Identity() bool { return p.Panel <= 1 }

// NumBlocks is the number of blocks the plan covers.
func (p Plan) NumBlocks() int { return p.GridX * p.GridY }

// Coords maps a linear launch index to logical block coordinates. linear must
// be in [0, NumBlocks).
func (p Plan) Coords(linear int) (bx, by int) {
	if linear < 0 || linear >= p.NumBlocks() {
		exceptions.Panicf("raster.Coords: index %d outside grid %dx%d", linear, p.GridX, p.GridY)
	}
	if p.Identity() {
		return linear % p.GridX, linear / p.GridX
	}
	perPanel := p.Panel * p.GridY
	panel := linear / perPanel
	within := linear % perPanel
	width := p.Panel
	if rem := p.GridX - panel*p.Panel; rem < width {
		width = rem
	}
	return panel*p.Panel + within%width, within / width
}

// Linear is the inverse of Coords: the launch index that runs logical block
// (bx, by).
func (p Plan) Linear(bx, by int) int {
	if bx < 0 || bx >= p.GridX || by < 0 || by >= p.GridY {
		exceptions.Panicf("raster.Linear: block (%d,%d) outside grid %dx%d", bx, by, p.GridX, p.GridY)
	}
	if p.Identity() {
		return by*p.GridX + bx
	}
	panel := bx / p.Panel
	width := p.Panel
	if rem := p.GridX - panel*p.Panel; rem < width {
		width = rem
	}
	return panel*p.Panel*p.GridY + by*width + bx%p.Panel
}

// String implements fmt.Stringer.
func (p Plan) String() string {
	if p.Identity() {
		return fmt.Sprintf("identity over %dx%d grid", p.GridX, p.GridY)
	}
	return fmt.Sprintf("panels of %d columns over %dx%d grid", p.Panel, p.GridX, p.GridY)
}
