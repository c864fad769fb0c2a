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

package gotile

import (
	"k8s.io/klog/v2"

	"github.com/gotile/gotile/cudagen"
	"github.com/gotile/gotile/layout"
	"github.com/gotile/gotile/lower"
	"github.com/gotile/gotile/memplan"
	"github.com/gotile/gotile/pipeline"
	"github.com/gotile/gotile/raster"
	"github.com/gotile/gotile/tile"
)

// Artifact is the full result of one lowering run: the CUDA C++ source and the
// launch manifest. See cudagen.Artifact.
type Artifact = cudagen.Artifact

// Manifest is the launch descriptor accompanying the generated source. See
// cudagen.Manifest.
type Manifest = cudagen.Manifest

// Lower runs the whole pipeline over one kernel: validation, layout inference,
// buffer allocation, pipeline scheduling, block rasterization, tile-op lowering
// and emission. It returns the emitted artifact, or the first typed error
// (tile.ShapeError, tile.LayoutConflict, tile.CapacityError, tile.ScheduleError,
// tile.PolicyError) a pass reports; nothing partial escapes a failed run.
//
// Lower mutates k by attaching derived metadata (layouts, allocations); the
// program's semantics are untouched, and running Lower twice over two
// identically built kernels yields byte-identical artifacts. Distinct kernels
// may be lowered concurrently; one kernel must not.
func Lower(k *tile.Kernel, cfg tile.Config) (*Artifact, error) {
	cfg = cfg.WithDefaults()
	klog.V(1).Infof("gotile: lowering %s (stages=%d panel=%d policy=%s target=%s)",
		k, cfg.Stages, cfg.PanelSize, cfg.Policy, cfg.Target.Name)

	if err := tile.Validate(k); err != nil {
		return nil, err
	}
	if err := layout.Infer(k, cfg); err != nil {
		return nil, err
	}
	mem, err := memplan.Allocate(k, cfg)
	if err != nil {
		return nil, err
	}
	schedules, err := pipeline.BuildAll(k, cfg)
	if err != nil {
		return nil, err
	}
	ras := raster.Build(k.GridX, k.GridY, cfg.PanelSize)
	prog, err := lower.Lower(k, cfg, schedules)
	if err != nil {
		return nil, err
	}
	return cudagen.Emit(prog, mem, ras)
}
