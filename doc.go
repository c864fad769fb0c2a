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

// Package gotile lowers tile-level kernel programs -- buffers over explicit
// memory spaces, iteration domains, and tile-granularity operations such as
// copy, gemm and reduce -- into deterministic CUDA C++ source plus a launch
// manifest. It is the engine behind GEMM-class kernels (matrix multiply,
// attention, fused epilogues) written at tile granularity instead of at warp
// level.
//
// A kernel is assembled once through tile.NewKernel and the tile.KernelBuilder
// methods, then handed to Lower together with a tile.Config carrying the
// tuning levers: pipeline stage count, rasterization panel size, warp policy,
// layout overrides and the device target. Lower runs the fixed pass sequence:
//
//   - tile.Validate: static shape and race checks over the program model.
//   - layout.Infer: a concrete element-to-offset mapping per on-chip buffer,
//     bank-conflict-free swizzles for gemm operands, warp-mapped fragments
//     for accumulators.
//   - memplan.Allocate: byte offsets and multi-buffering depth within the
//     shared-memory budget, register footprint per thread.
//   - pipeline.BuildAll: prologue/steady/epilogue schedules overlapping
//     asynchronous loads with compute across the configured stage count.
//   - raster.Build: the block-launch-order bijection for cross-block reuse.
//   - lower.Lower: tile ops expanded into warp- and thread-partitioned
//     instruction plans.
//   - cudagen.Emit: the source text and manifest.
//
// Every failure is one of the five typed errors in package tile, deterministic
// in the input kernel and configuration; there are no runtime surprises past a
// successful Lower. Front-end parsing, vendor compilation, execution and
// auto-tuning search live outside this module.
package gotile
