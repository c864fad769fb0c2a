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

// gotile lowers one of the built-in reference kernels and prints the generated
// CUDA C++ source and the launch manifest.
//
// Usage:
//
//	gotile [flags] <kernel>
//
// where <kernel> is one of "matmul" (a 128x128-tile pipelined f16 GEMM) or
// "flash" (a flash-attention-style fused kernel). The flags expose the tuning
// levers an external sweep would drive: pipeline stage count, rasterization
// panel size and warp policy.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gotile/gotile"
	"github.com/gotile/gotile/tile"
)

var (
	flagStages = flag.Int("stages", 3, "Pipeline stage count for pipelined loops that defer to the configuration. "+
		"1 disables the overlap of asynchronous loads with compute.")
	flagPanel = flag.Int("panel", 0, "Rasterization panel width in blocks. "+
		"0 keeps the natural row-major block order.")
	flagPolicy   = flag.String("policy", "row", "Warp policy partitioning gemm output tiles: row, col or square.")
	flagSource   = flag.Bool("source", true, "Print the generated kernel source.")
	flagManifest = flag.Bool("manifest", true, "Print the launch manifest as JSON.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		names := make([]string, 0, len(referenceKernels))
		for name := range referenceKernels {
			names = append(names, name)
		}
		sort.Strings(names)
		klog.Errorf("Expected exactly one kernel name, one of: %s. See 'gotile -help'.", strings.Join(names, ", "))
		os.Exit(1)
	}
	build, ok := referenceKernels[args[0]]
	if !ok {
		klog.Errorf("Unknown kernel %q. See 'gotile -help'.", args[0])
		os.Exit(1)
	}

	cfg := tile.Config{
		Stages:    *flagStages,
		PanelSize: *flagPanel,
		Policy:    parsePolicy(*flagPolicy),
	}
	artifact := must.M1(gotile.Lower(build(), cfg))

	if *flagSource {
		fmt.Print(artifact.Source)
	}
	if *flagManifest {
		fmt.Println(artifact.Manifest.JSON())
	}
}

func parsePolicy(name string) tile.WarpPolicy {
	switch name {
	case "row":
		return tile.WarpPolicyFullRow
	case "col":
		return tile.WarpPolicyFullCol
	case "square":
		return tile.WarpPolicySquare
	}
	klog.Errorf("Unknown warp policy %q: want row, col or square.", name)
	os.Exit(1)
	return tile.WarpPolicyDefault
}
