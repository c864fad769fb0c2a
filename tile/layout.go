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

// Layout is the capability every layout provider implements: a bijective mapping
// from a buffer's logical multi-index to a physical element offset.
//
// The engine depends only on this interface. Concrete providers -- row-major,
// bank-conflict-avoiding swizzles, per-lane fragment ownership -- live in package
// layout, and a caller may plug any other implementation in through
// Config.LayoutOverrides; it is validated against the buffer's uses exactly like
// an inferred layout.
type Layout interface {
	// OffsetOf maps a logical index (one value per axis) to the physical element
	// offset inside the buffer's storage. The mapping must be a bijection over
	// the index space.
	OffsetOf(index ...int) int

	// NumElements is the size of the index space, the product of the extents the
	// layout was built for.
	NumElements() int

	// Equal reports whether other describes the same mapping. Layout inference
	// uses it to tell agreement from conflict.
	Equal(other Layout) bool

	// String returns a short deterministic description, used in conflict
	// diagnostics and in the emitted source.
	String() string
}
