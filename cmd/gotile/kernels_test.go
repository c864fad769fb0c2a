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

package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gotile/gotile"
	"github.com/gotile/gotile/tile"
)

func TestReferenceKernels(t *testing.T) {
	for name, build := range referenceKernels {
		for _, stages := range []int{1, 2, 3} {
			art, err := gotile.Lower(build(), tile.Config{Stages: stages})
			require.NoError(t, err, "%s with %d stages", name, stages)
			require.Contains(t, art.Source, `extern "C" __global__`)
			require.NotEmpty(t, art.Manifest.Fingerprint)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	require.Equal(t, tile.WarpPolicyFullRow, parsePolicy("row"))
	require.Equal(t, tile.WarpPolicyFullCol, parsePolicy("col"))
	require.Equal(t, tile.WarpPolicySquare, parsePolicy("square"))
}
