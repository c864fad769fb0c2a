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

package shapes

import "iter"

// Iter iterates over all indices of the given shape, in row-major order (the last
// axis varies fastest).
//
// To avoid allocating one slice per step, the yielded indices are owned by the Iter()
// method: don't change or keep them inside the loop, clone them if needed.
func (s Shape) Iter() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if !s.Ok() {
			return
		}

		rank := s.Rank()
		if rank == 0 {
			// Valid scalar: yield one empty index slice.
			_ = yield(make([]int, 0))
			return
		}
		for _, dimSize := range s.Dimensions {
			if dimSize <= 0 {
				// shapes.Make prevents this for validly constructed shapes.
				return
			}
		}

		currentIndices := make([]int, rank)
		// An N-dimensional counter over the indices.
		for {
			if !yield(currentIndices) {
				return
			}

			axis := rank - 1
			for ; axis >= 0; axis-- {
				if s.Dimensions[axis] == 1 {
					// Nothing to iterate at this axis.
					continue
				}
				currentIndices[axis]++
				if currentIndices[axis] < s.Dimensions[axis] {
					break
				}
				// Carry over to the next higher-order axis.
				currentIndices[axis] = 0
			}
			if axis < 0 {
				break
			}
		}
	}
}
