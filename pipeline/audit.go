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

package pipeline

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gotile/gotile/tile"
)

// Audit re-checks a schedule's ordering invariant from the step stream alone:
// no consume phase runs before a wait has retired the load group it reads, no
// issue reuses a slot whose group is still in flight or whose last reader is
// not barrier-separated from it, and every iteration is issued and consumed
// exactly once, in order. Build's schedules always pass; the audit exists so
// that holds as a checked property rather than a belief.
//
// Sequential schedules carry no asynchrony and trivially pass.
func Audit(s *Schedule) error {
	if s.Sequential() {
		return nil
	}
	fail := func(format string, args ...any) error {
		return errors.WithStack(&tile.ScheduleError{
			Site:   s.Loop.Site(),
			Detail: fmt.Sprintf(format, args...),
		})
	}

	var (
		commits     int            // load groups committed so far, == iterations issued
		retired     int            // groups 0..retired-1 are known complete
		nextConsume int            // iteration the next consume step must run
		lastBarrier = -1           // stream position of the latest barrier
		lastRead    = map[int]int{} // slot -> stream position of its latest consume
	)
	for pos, step := range s.Steps() {
		switch step.Kind {
		case StepIssue:
			if step.Iter != commits {
				return fail("issue for iteration %d out of order, expected iteration %d", step.Iter, commits)
			}
			if want := step.Iter % s.Stages; step.Slot != want {
				return fail("issue for iteration %d targets slot %d, want %d", step.Iter, step.Slot, want)
			}
			for g := retired; g < commits; g++ {
				if g%s.Stages == step.Slot {
					return fail("issue for iteration %d writes slot %d while iteration %d's load is in flight", step.Iter, step.Slot, g)
				}
			}
			if read, ok := lastRead[step.Slot]; ok && lastBarrier < read {
				return fail("issue for iteration %d writes slot %d with no barrier since it was last read", step.Iter, step.Slot)
			}
		case StepCommit:
			if step.Iter != commits {
				return fail("commit for iteration %d out of order, expected iteration %d", step.Iter, commits)
			}
			commits++
		case StepWait:
			if done := commits - step.Allow; done > retired {
				retired = done
			}
		case StepBarrier:
			lastBarrier = pos
		case StepConsume:
			if step.Iter != nextConsume {
				return fail("consume of iteration %d out of order, expected iteration %d", step.Iter, nextConsume)
			}
			if step.Iter >= retired {
				return fail("consume of iteration %d runs with only %d of %d load groups retired", step.Iter, retired, commits)
			}
			if want := step.Iter % s.Stages; step.Slot != want {
				return fail("consume of iteration %d reads slot %d, want %d", step.Iter, step.Slot, want)
			}
			lastRead[step.Slot] = pos
			nextConsume++
		}
	}
	if commits != s.Trip {
		return fail("issued %d of %d iterations", commits, s.Trip)
	}
	if nextConsume != s.Trip {
		return fail("consumed %d of %d iterations", nextConsume, s.Trip)
	}
	return nil
}
