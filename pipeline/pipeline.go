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

// Package pipeline schedules the Pipelined domains of a kernel: it splits each
// loop body into an issue phase (asynchronous global-to-shared copies) and a
// consume phase (everything else), then lays the trip count out as a software
// pipeline with a prologue that fills the first stages-1 copy slots, a steady
// state that overlaps iteration i's issue with iteration i-(stages-1)'s
// consume, and an epilogue that drains the remaining consume phases.
//
// A Schedule is a flat stream of Steps over the loop's iterations. It reorders
// whole phases across iterations and nothing else: the ops inside one
// iteration's consume phase keep their program order, so pipelining never
// changes accumulation order or any other observable value.
//
// Stage count 1, a loop with no async-copyable ops, and a trip count below the
// stage count all degrade to a plain barrier-separated sequential loop. Invalid
// configurations fail with tile.ScheduleError. Audit re-derives the ordering
// invariant from a finished Schedule; Build's output always passes it.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gotile/gotile/tile"
)

// StepKind tags the entries of a Schedule's step stream.
type StepKind int

const (
	// StepIssue starts one iteration's issue phase: the async loads of Step.Iter,
	// targeting copy slot Step.Slot of each destination buffer. In a sequential
	// schedule the same step stands for plain synchronous copies.
	StepIssue StepKind = iota
	// StepCommit closes the load group opened by the preceding StepIssue.
	StepCommit
	// StepWait blocks until at most Step.Allow committed load groups remain in
	// flight.
	StepWait
	// StepBarrier is a block-wide thread barrier.
	StepBarrier
	// StepConsume runs one iteration's consume phase, reading copy slot
	// Step.Slot.
	StepConsume
)

// String implements fmt.Stringer.
func (k StepKind) String() string {
	switch k {
	case StepIssue:
		return "issue"
	case StepCommit:
		return "commit"
	case StepWait:
		return "wait"
	case StepBarrier:
		return "barrier"
	case StepConsume:
		return "consume"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// Step is one entry of a Schedule's instruction stream.
type Step struct {
	Kind StepKind

	// Iter is the loop iteration whose phase this step runs, for StepIssue,
	// StepCommit and StepConsume. It is -1 for steps not bound to an iteration.
	Iter int

	// Slot is the copy slot (0..Stages-1) written by an issue step or read by a
	// consume step. Iteration i always uses slot i modulo Stages.
	Slot int

	// Allow is the number of load groups a StepWait leaves in flight.
	Allow int
}

// String implements fmt.Stringer, e.g. "issue#4 slot=1" or "wait(allow=2)".
func (s Step) String() string {
	switch s.Kind {
	case StepIssue, StepConsume:
		return fmt.Sprintf("%s#%d slot=%d", s.Kind, s.Iter, s.Slot)
	case StepCommit:
		return fmt.Sprintf("commit#%d", s.Iter)
	case StepWait:
		return fmt.Sprintf("wait(allow=%d)", s.Allow)
	default:
		return s.Kind.String()
	}
}

// Schedule is the pipelined form of one loop: the issue/consume phase split and
// the prologue, steady-state and epilogue step streams. Steps reference phases
// by iteration; the ops of iteration i's issue phase are the Issue copies at
// offset i, its consume phase the Consume ops at offset i, in body order.
type Schedule struct {
	// Loop is the domain this schedule was built from.
	Loop *tile.Pipelined

	// Trip is the loop's trip count; Stages is the effective stage count after
	// clamping, 1 for a sequential loop.
	Trip, Stages int

	// Issue holds the async-copyable body ops (global source, shared
	// destination), Consume every other body op, both in body order.
	Issue   []*tile.Copy
	Consume []tile.Op

	// Prologue fills the first Stages-1 slots, Steady overlaps issue and
	// consume, Epilogue drains the last Stages-1 consume phases. A sequential
	// schedule holds everything in Steady.
	Prologue, Steady, Epilogue []Step
}

// Sequential reports whether the schedule degenerated to a plain loop with no
// asynchrony (stage count 1, possibly clamped down from the request).
func (s *Schedule) Sequential() bool { return s.Stages <= 1 }

// Steps returns the full stream: prologue, steady state, epilogue.
func (s *Schedule) Steps() []Step {
	steps := make([]Step, 0, len(s.Prologue)+len(s.Steady)+len(s.Epilogue))
	steps = append(steps, s.Prologue...)
	steps = append(steps, s.Steady...)
	return append(steps, s.Epilogue...)
}

// String implements fmt.Stringer with a one-line summary.
func (s *Schedule) String() string {
	return fmt.Sprintf("pipeline(%s): trip=%d stages=%d issue=%d consume=%d steps=%d",
		s.Loop.Iter.Name, s.Trip, s.Stages, len(s.Issue), len(s.Consume), len(s.Steps()))
}

// Dump renders the step stream one step per line, for logs and golden tests.
func (s *Schedule) Dump() string {
	var sb strings.Builder
	for _, step := range s.Steps() {
		sb.WriteString(step.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

var configSite = tile.Site{Index: -1, Label: "pipeline configuration"}

// BuildAll schedules every pipelined domain of the kernel. Requesting more than
// one stage on a kernel that declares no pipelined loop is a ScheduleError: the
// configuration names an overlap that no domain can carry.
func BuildAll(k *tile.Kernel, cfg tile.Config) (map[*tile.Pipelined]*Schedule, error) {
	cfg = cfg.WithDefaults()
	schedules := make(map[*tile.Pipelined]*Schedule)
	for _, op := range k.Ops {
		loop, ok := op.(*tile.Pipelined)
		if !ok {
			continue
		}
		s, err := Build(k, loop, cfg)
		if err != nil {
			return nil, err
		}
		schedules[loop] = s
	}
	if len(schedules) == 0 && cfg.Stages > 1 {
		return nil, errors.WithStack(&tile.ScheduleError{
			Site:   configSite,
			Detail: fmt.Sprintf("%d pipeline stages requested, but kernel %q declares no pipelined loop", cfg.Stages, k.Name),
		})
	}
	return schedules, nil
}

// Build schedules one pipelined domain of the kernel.
//
// The stage count comes from the loop itself or, when the loop deferred, from
// the configuration, and is clamped to the trip count. A loop whose body has no
// async-copyable op is scheduled sequentially whatever the stage count: there
// is no issue phase to overlap.
func Build(k *tile.Kernel, loop *tile.Pipelined, cfg tile.Config) (*Schedule, error) {
	cfg = cfg.WithDefaults()
	if !containsOp(k.Ops, loop) {
		return nil, errors.WithStack(&tile.ScheduleError{
			Site:   loop.Site(),
			Detail: fmt.Sprintf("loop %q is not a pipelined domain of kernel %q", loop.Iter.Name, k.Name),
		})
	}

	s := &Schedule{Loop: loop, Trip: loop.Trip}
	for _, op := range loop.Body {
		if c, ok := op.(*tile.Copy); ok && c.AsyncLoad() {
			s.Issue = append(s.Issue, c)
			continue
		}
		s.Consume = append(s.Consume, op)
	}

	stages := cfg.StagesFor(loop)
	if stages > loop.Trip {
		klog.Warningf("pipeline(%s): %d stages exceed trip count %d, clamping", loop.Iter.Name, stages, loop.Trip)
		stages = loop.Trip
	}
	if stages > 1 && len(s.Issue) == 0 {
		klog.V(1).Infof("pipeline(%s): no async-copyable op in body, scheduling sequentially", loop.Iter.Name)
		stages = 1
	}
	s.Stages = stages

	if err := checkPhaseSplit(s); err != nil {
		return nil, err
	}

	if stages <= 1 {
		buildSequential(s)
	} else {
		buildPipelined(s)
	}
	klog.V(1).Infof("pipeline: %s", s)
	klog.V(2).Info("pipeline steps:\n", s.Dump())
	return s, nil
}

// checkPhaseSplit rejects bodies whose issue phase reads a buffer the consume
// phase writes: hoisting the load ahead of earlier iterations' compute would
// then change the values loaded, so no overlapped ordering is valid.
func checkPhaseSplit(s *Schedule) error {
	if s.Stages <= 1 {
		return nil
	}
	for _, c := range s.Issue {
		for _, op := range s.Consume {
			for _, w := range op.Writes() {
				if w != c.Src.Buffer {
					continue
				}
				return errors.WithStack(&tile.ScheduleError{
					Site: c.Site(),
					Detail: fmt.Sprintf("async load reads %s, which %s writes in the same loop; no overlap order preserves it",
						c.Src.Buffer.Name, op.Site()),
				})
			}
		}
	}
	return nil
}

// buildSequential lays the loop out one iteration at a time. Copies into shared
// memory are barrier-separated from the compute that reads them and from the
// next iteration's overwrite; a loop with no such copies is a bare compute
// loop.
func buildSequential(s *Schedule) {
	for i := 0; i < s.Trip; i++ {
		if len(s.Issue) > 0 {
			s.Steady = append(s.Steady,
				Step{Kind: StepIssue, Iter: i},
				Step{Kind: StepBarrier, Iter: -1},
				Step{Kind: StepConsume, Iter: i},
				Step{Kind: StepBarrier, Iter: -1},
			)
			continue
		}
		s.Steady = append(s.Steady, Step{Kind: StepConsume, Iter: i})
	}
}

// buildPipelined lays the loop out with stages-1 iterations of lookahead.
// Iteration i writes and reads copy slot i mod stages. Each steady step waits
// until at most stages-1 load groups remain in flight, which retires exactly
// the group its consume phase reads; the barrier after the consume keeps the
// next issue from touching a slot some thread is still reading.
func buildPipelined(s *Schedule) {
	stages := s.Stages
	for i := 0; i < stages-1; i++ {
		s.Prologue = append(s.Prologue,
			Step{Kind: StepIssue, Iter: i, Slot: i % stages},
			Step{Kind: StepCommit, Iter: i},
		)
	}
	for i := stages - 1; i < s.Trip; i++ {
		c := i - (stages - 1)
		s.Steady = append(s.Steady,
			Step{Kind: StepIssue, Iter: i, Slot: i % stages},
			Step{Kind: StepCommit, Iter: i},
			Step{Kind: StepWait, Iter: -1, Allow: stages - 1},
			Step{Kind: StepBarrier, Iter: -1},
			Step{Kind: StepConsume, Iter: c, Slot: c % stages},
			Step{Kind: StepBarrier, Iter: -1},
		)
	}
	for j := s.Trip - (stages - 1); j < s.Trip; j++ {
		s.Epilogue = append(s.Epilogue,
			Step{Kind: StepWait, Iter: -1, Allow: s.Trip - 1 - j},
			Step{Kind: StepBarrier, Iter: -1},
			Step{Kind: StepConsume, Iter: j, Slot: j % stages},
		)
	}
}

func containsOp(ops []tile.Op, target tile.Op) bool {
	for _, op := range ops {
		if op == target {
			return true
		}
	}
	return false
}
