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

package raster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	for _, panel := range []int{-1, 0, 1} {
		p := Build(4, 3, panel)
		require.True(t, p.Identity())
		for linear := 0; linear < p.NumBlocks(); linear++ {
			bx, by := p.Coords(linear)
			require.Equal(t, linear%4, bx)
			require.Equal(t, linear/4, by)
		}
	}
}

func TestPanelWiderThanGridIsIdentity(t *testing.T) {
	require.True(t, Build(4, 4, 4).Identity())
	require.True(t, Build(4, 4, 16).Identity())
	require.True(t, Build(1, 64, 8).Identity())
	require.False(t, Build(5, 4, 4).Identity())
}

func TestPanelTraversal(t *testing.T) {
	p := Build(6, 2, 3)
	want := [][2]int{
		{0, 0}, {1, 0}, {2, 0}, {0, 1}, {1, 1}, {2, 1}, // panel 0
		{3, 0}, {4, 0}, {5, 0}, {3, 1}, {4, 1}, {5, 1}, // panel 1
	}
	for linear, w := range want {
		bx, by := p.Coords(linear)
		require.Equal(t, w, [2]int{bx, by}, "linear %d", linear)
	}
}

func TestPartialPanel(t *testing.T) {
	p := Build(7, 2, 3)
	// The last panel is a single column; its two blocks come last, in row order.
	bx, by := p.Coords(12)
	require.Equal(t, [2]int{6, 0}, [2]int{bx, by})
	bx, by = p.Coords(13)
	require.Equal(t, [2]int{6, 1}, [2]int{bx, by})
}

func TestPermutationSweep(t *testing.T) {
	grids := [][2]int{{1, 1}, {1, 7}, {7, 1}, {4, 4}, {5, 3}, {8, 8}, {3, 9}, {16, 2}}
	panels := []int{0, 1, 2, 3, 4, 5, 7, 8, 16, 100}
	for _, g := range grids {
		for _, panel := range panels {
			p := Build(g[0], g[1], panel)
			seen := make(map[[2]int]bool, p.NumBlocks())
			for linear := 0; linear < p.NumBlocks(); linear++ {
				bx, by := p.Coords(linear)
				require.GreaterOrEqual(t, bx, 0)
				require.Less(t, bx, g[0], "grid %v panel %d", g, panel)
				require.GreaterOrEqual(t, by, 0)
				require.Less(t, by, g[1], "grid %v panel %d", g, panel)
				require.False(t, seen[[2]int{bx, by}], "grid %v panel %d revisits (%d,%d)", g, panel, bx, by)
				seen[[2]int{bx, by}] = true
				require.Equal(t, linear, p.Linear(bx, by), "grid %v panel %d", g, panel)
			}
			require.Len(t, seen, p.NumBlocks())
		}
	}
}

func TestBuildRejectsBadGrid(t *testing.T) {
	require.Panics(t, func() { Build(0, 4, 2) })
	require.Panics(t, func() { Build(4, -1, 2) })
	p := Build(4, 4, 2)
	require.Panics(t, func() { p.Coords(16) })
	require.Panics(t, func() { p.Linear(4, 0) })
}
