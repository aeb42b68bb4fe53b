// Package scheduler runs chapter pipelines for a whole manuscript: a bounded
// pool of concurrent chapter runs with declared dependency edges between
// chapters. A dependent chapter waits for its predecessor's terminal state
// and reads its finalized snapshot for continuity; if the predecessor fails
// or is skipped, the dependent chapter is skipped rather than failed.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/logging"
)

// ChapterRunner runs one chapter to a terminal state. *pipeline.Orchestrator
// satisfies it.
type ChapterRunner interface {
	Run(ctx context.Context, number int, prev *core.ChapterSnapshot) *core.ChapterState
}

// ChapterSpec declares one chapter of a run. DependsOn names an earlier
// chapter whose finalized snapshot this chapter reads; zero means no
// dependency.
type ChapterSpec struct {
	Number    int
	DependsOn int
}

// ChapterReport is the per-chapter outcome of a scheduler run.
type ChapterReport struct {
	Number         int
	Status         core.Status
	LastStage      string
	Reason         string
	RevisionRounds int
	Findings       []core.Finding
}

// Report aggregates chapter outcomes in input order.
type Report struct {
	Chapters []ChapterReport
}

// Completed reports whether every chapter reached done or
// completed_with_warnings.
func (r Report) Completed() bool {
	for _, c := range r.Chapters {
		if c.Status != core.StatusDone && c.Status != core.StatusWarnings {
			return false
		}
	}
	return true
}

// Counts tallies chapters by status.
func (r Report) Counts() map[core.Status]int {
	counts := map[core.Status]int{}
	for _, c := range r.Chapters {
		counts[c.Status]++
	}
	return counts
}

// Options configures a Scheduler.
type Options struct {
	// Concurrency bounds simultaneously running chapters. Defaults to 2.
	Concurrency int
	// Logger receives scheduling diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// Scheduler fans chapter specs out over a runner pool.
type Scheduler struct {
	runner      ChapterRunner
	concurrency int
	logger      logging.Logger
}

// New constructs a Scheduler.
func New(runner ChapterRunner, optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		Concurrency: 2,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Scheduler{runner: runner, concurrency: opts.Concurrency, logger: opts.Logger}
}

// outcome is the terminal record other chapters may wait on. done is closed
// once status and snap are set.
type outcome struct {
	done   chan struct{}
	status core.Status
	snap   *core.ChapterSnapshot
	report ChapterReport
}

// Run executes every chapter spec and returns per-chapter outcomes in input
// order. Chapter failures never abort siblings; cancellation marks the
// remaining chapters failed with reason cancelled.
func (s *Scheduler) Run(ctx context.Context, chapters []ChapterSpec) Report {
	outcomes := make(map[int]*outcome, len(chapters))
	for _, spec := range chapters {
		outcomes[spec.Number] = &outcome{done: make(chan struct{})}
	}

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, spec := range chapters {
		wg.Add(1)
		go func(spec ChapterSpec) {
			defer wg.Done()
			s.runChapter(ctx, spec, outcomes, sem)
		}(spec)
	}
	wg.Wait()

	rep := Report{Chapters: make([]ChapterReport, 0, len(chapters))}
	for _, spec := range chapters {
		rep.Chapters = append(rep.Chapters, outcomes[spec.Number].report)
	}
	return rep
}

func (s *Scheduler) runChapter(ctx context.Context, spec ChapterSpec, outcomes map[int]*outcome, sem chan struct{}) {
	out := outcomes[spec.Number]
	defer close(out.done)

	var prev *core.ChapterSnapshot
	if spec.DependsOn != 0 {
		// A dependency outside this run is treated as already satisfied;
		// there is nothing to wait on and no snapshot to read.
		if dep, ok := outcomes[spec.DependsOn]; ok {
			select {
			case <-dep.done:
			case <-ctx.Done():
			}
			if ctx.Err() == nil && dep.status != core.StatusDone && dep.status != core.StatusWarnings {
				out.status = core.StatusSkipped
				out.report = ChapterReport{
					Number: spec.Number,
					Status: core.StatusSkipped,
					Reason: fmt.Sprintf("dependency chapter %d %s", spec.DependsOn, dep.status),
				}
				s.logger.Warn("chapter skipped",
					"chapter", spec.Number, "dependency", spec.DependsOn,
					"dependency_status", string(dep.status))
				return
			}
			prev = dep.snap
		}
	}

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		// Run anyway: the orchestrator fails fast with reason cancelled,
		// which is exactly the record the report needs.
	}

	state := s.runner.Run(ctx, spec.Number, prev)
	out.status = state.Status
	if state.Status == core.StatusDone || state.Status == core.StatusWarnings {
		snap := state.Snapshot()
		out.snap = &snap
	}
	out.report = ChapterReport{
		Number:         spec.Number,
		Status:         state.Status,
		LastStage:      state.LastStage,
		Reason:         state.FailureReason,
		RevisionRounds: state.RevisionRounds,
		Findings:       state.Findings,
	}
}
