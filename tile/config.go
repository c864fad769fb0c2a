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

package tile

import "fmt"

// WarpPolicy enumerates the strategies for splitting a tile-GEMM's output tile
// across the warps of a block.
type WarpPolicy int

const (
	// WarpPolicyDefault defers to the configuration's policy (full-row when the
	// configuration doesn't set one either).
	WarpPolicyDefault WarpPolicy = iota

	// WarpPolicyFullRow gives each warp a contiguous band of output rows.
	WarpPolicyFullRow

	// WarpPolicyFullCol gives each warp a contiguous band of output columns.
	WarpPolicyFullCol

	// WarpPolicySquare arranges the warps in a near-square grid over the output
	// tile, bands along both axes.
	WarpPolicySquare
)

// String implements fmt.Stringer.
func (p WarpPolicy) String() string {
	switch p {
	case WarpPolicyDefault:
		return "default"
	case WarpPolicyFullRow:
		return "full-row"
	case WarpPolicyFullCol:
		return "full-col"
	case WarpPolicySquare:
		return "square"
	}
	return fmt.Sprintf("WarpPolicy(%d)", int(p))
}

// Target declares the device budgets lowering validates against. It is a plain
// comparable value; the zero Target means "use DefaultTarget()".
type Target struct {
	Name string

	// SharedMemPerBlock is the usable shared-memory budget per block, in bytes.
	SharedMemPerBlock int

	// RegisterBytesPerThread bounds the per-thread fragment footprint, in bytes.
	RegisterBytesPerThread int

	MaxThreadsPerBlock int
	WarpSize           int
}

// DefaultTarget returns an sm_80-class device: 163 KiB opt-in shared memory per
// block, 255 32-bit registers per thread, 1024 threads per block, 32-wide warps.
func DefaultTarget() Target {
	return Target{
		Name:                   "sm_80",
		SharedMemPerBlock:      166912,
		RegisterBytesPerThread: 1020,
		MaxThreadsPerBlock:     1024,
		WarpSize:               32,
	}
}

// Config is the per-invocation configuration bundle: every lever an external
// tuner would sweep. There is no process-wide configuration state; a Config value
// is threaded explicitly through the passes.
//
// The zero value means: no pipelining (one stage), natural row-major block order
// (no panel swizzle), full-row warp policy, no layout overrides, default target.
type Config struct {
	// Stages is the pipeline stage count for Pipelined domains that don't declare
	// their own. <=1 disables overlap. Setting Stages > 1 on a kernel with no
	// Pipelined domain is a ScheduleError.
	Stages int

	// PanelSize is the rasterization panel width in blocks; <=1 keeps the natural
	// row-major block order.
	PanelSize int

	// Policy resolves Gemm ops declared with WarpPolicyDefault.
	Policy WarpPolicy

	// LayoutOverrides seeds layout inference per buffer name. An override is the
	// highest-priority seed and is validated against every actual use of the
	// buffer; contradictions surface as LayoutConflict.
	LayoutOverrides map[string]Layout

	// Target is the device budget set; the zero value takes DefaultTarget().
	Target Target
}

// WithDefaults returns c with zero values replaced by the documented defaults.
// Every pass entry point applies it, so callers may pass Config{} unchanged.
func (c Config) WithDefaults() Config {
	if c.Stages <= 0 {
		c.Stages = 1
	}
	if c.PanelSize < 0 {
		c.PanelSize = 0
	}
	if c.Policy == WarpPolicyDefault {
		c.Policy = WarpPolicyFullRow
	}
	if c.Target == (Target{}) {
		c.Target = DefaultTarget()
	}
	return c
}

// PolicyFor resolves the effective warp policy of a Gemm under this
// configuration.
func (c Config) PolicyFor(g *Gemm) WarpPolicy {
	if g.Policy != WarpPolicyDefault {
		return g.Policy
	}
	if c.Policy == WarpPolicyDefault {
		return WarpPolicyFullRow
	}
	return c.Policy
}

// StagesFor resolves the effective stage count of a Pipelined domain under this
// configuration, before trip-count clamping.
func (c Config) StagesFor(p *Pipelined) int {
	if p.Stages > 0 {
		return p.Stages
	}
	if c.Stages <= 0 {
		return 1
	}
	return c.Stages
}
