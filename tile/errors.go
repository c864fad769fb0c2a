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

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// The five static failure kinds of a lowering run. Every pass fails fast with the
// first offending condition and attaches the buffer and operation identity it was
// given; there is no partial recovery, no aggregation, and no retry. All errors
// are deterministic functions of the Kernel and Config, so rerunning reproduces
// the identical error. Passes wrap these with github.com/pkg/errors, so callers
// match them with errors.As.

// ShapeError reports an access that falls outside a buffer's declared shape, or
// operands whose shapes, dtypes or memory spaces don't fit the operation.
type ShapeError struct {
	// Buffer may be nil when the mismatch spans operands.
	Buffer *Buffer
	Site   Site
	Detail string
}

// Error implements error.
func (e *ShapeError) Error() string {
	if e.Buffer != nil {
		return fmt.Sprintf("shape error at %s: buffer %s: %s", e.Site, e.Buffer, e.Detail)
	}
	return fmt.Sprintf("shape error at %s: %s", e.Site, e.Detail)
}

// LayoutConflict reports two sites imposing incompatible layouts on one buffer.
// It always names the buffer and both conflicting sites.
type LayoutConflict struct {
	Buffer       *Buffer
	First        Site
	FirstLayout  Layout
	Second       Site
	SecondLayout Layout
}

// Error implements error.
func (e *LayoutConflict) Error() string {
	return fmt.Sprintf("layout conflict on buffer %s: %s requires %s, but %s requires %s",
		e.Buffer.Name, e.First, e.FirstLayout, e.Second, e.SecondLayout)
}

// CapacityError reports a resource request above the target's declared budget.
// The kernel configuration itself must change (smaller tiles, fewer stages);
// nothing is retried.
type CapacityError struct {
	// Resource names the exhausted budget: "shared memory", "registers",
	// "threads".
	Resource string
	// Bytes formats Requested/Budget as byte sizes.
	Bytes     bool
	Requested int
	Budget    int
	Target    string
}

// Error implements error.
func (e *CapacityError) Error() string {
	requested, budget := fmt.Sprintf("%d", e.Requested), fmt.Sprintf("%d", e.Budget)
	if e.Bytes {
		requested = humanize.IBytes(uint64(e.Requested))
		budget = humanize.IBytes(uint64(e.Budget))
	}
	return fmt.Sprintf("%s capacity exceeded on %s: requested %s, budget %s",
		e.Resource, e.Target, requested, budget)
}

// ScheduleError reports an invalid pipeline configuration, or an issue/consume
// dependency that no valid ordering satisfies.
type ScheduleError struct {
	// Site is the offending domain or op; the zero Site marks kernel-level
	// configuration errors.
	Site   Site
	Detail string
}

// Error implements error.
func (e *ScheduleError) Error() string {
	if e.Site == (Site{}) {
		return fmt.Sprintf("schedule error: %s", e.Detail)
	}
	return fmt.Sprintf("schedule error at %s: %s", e.Site, e.Detail)
}

// PolicyError reports a warp policy that cannot partition a tile shape without
// remainder or overlap.
type PolicyError struct {
	Policy WarpPolicy
	Site   Site
	Detail string
}

// Error implements error.
func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy error at %s: %s policy: %s", e.Site, e.Policy, e.Detail)
}
