// Package stage executes named units of pipeline work against the bus. A
// Stage declares one or more worker calls plus a combination policy:
// sequential calls feed each output into the next call's payload builder,
// parallel calls run concurrently and merge by key so the result never
// depends on completion order.
package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/storymesh/bus"
	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/logging"
)

// Policy selects how a stage combines its calls.
type Policy int

const (
	// Sequential runs calls in declared order; each call's output payload
	// is passed to the next call's Build func. The first failure aborts
	// the stage.
	Sequential Policy = iota
	// Parallel issues all calls concurrently and merges results by key.
	Parallel
)

// responseGrace pads the bus-level request timeout past the worker deadline,
// so adapter-tagged failures arrive as data before the request itself times
// out. The bus timeout only fires if the adapter never answers at all.
const responseGrace = 5 * time.Second

// defaultCallTimeout applies when a call declares no timeout.
const defaultCallTimeout = 60 * time.Second

// Call is one worker invocation within a stage.
type Call struct {
	// Key addresses this call's output in the merged stage result.
	Key string

	// Topic is the worker adapter's request topic.
	Topic string

	// Timeout bounds the invocation; it is forwarded to the adapter as the
	// worker deadline.
	Timeout time.Duration

	// Build constructs the request payload. For sequential stages prev is
	// the previous call's output (nil for the first call); for parallel
	// stages prev is always nil. A nil Build sends an empty payload.
	Build func(prev core.Payload) core.Payload

	// Scene tags bus messages with a scene index for middleware filtering.
	// Use -1 for calls that are not scene-scoped.
	Scene int
}

// Stage is a named unit of pipeline work.
type Stage struct {
	Name   string
	Policy Policy

	// BestEffort lets a parallel stage degrade to a partial result when
	// some calls fail, instead of failing outright. At least one call must
	// succeed for the stage to remain usable.
	BestEffort bool

	Calls []Call
}

// Options configures a stage Runner.
type Options struct {
	// Source labels outgoing messages. Defaults to "pipeline".
	Source string
	// Logger receives stage diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// Runner executes stages against a bus.
type Runner struct {
	bus    *bus.Bus
	source string
	logger logging.Logger
}

// NewRunner constructs a Runner with optional overrides.
func NewRunner(b *bus.Bus, optFns ...func(o *Options)) *Runner {
	opts := Options{
		Source: "pipeline",
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runner{bus: b, source: opts.Source, logger: opts.Logger}
}

// Run executes the stage and returns its structured result. Failures of
// individual calls are converted into findings, never returned as errors;
// the caller decides per stage whether a partial or failed result aborts.
func (r *Runner) Run(ctx context.Context, st Stage, chapter int) core.StageResult {
	res := core.StageResult{
		Stage:     st.Name,
		Output:    core.Payload{},
		StartedAt: time.Now().UTC(),
	}

	switch st.Policy {
	case Parallel:
		r.runParallel(ctx, st, chapter, &res)
	default:
		r.runSequential(ctx, st, chapter, &res)
	}

	res.CompletedAt = time.Now().UTC()
	r.logger.Info("stage completed",
		"stage", st.Name, "status", string(res.Status),
		"calls", len(st.Calls), "issues", len(res.Issues),
		"duration", res.Duration())
	return res
}

func (r *Runner) runSequential(ctx context.Context, st Stage, chapter int, res *core.StageResult) {
	var prev core.Payload
	for _, call := range st.Calls {
		out, err := r.call(ctx, call, prev, chapter)
		if err != nil {
			res.Status = core.StageFailure
			res.Issues = append(res.Issues, failureFinding(st, call, err))
			return
		}
		res.Output[call.Key] = out
		prev = out
	}
	res.Status = core.StageSuccess
}

func (r *Runner) runParallel(ctx context.Context, st Stage, chapter int, res *core.StageResult) {
	outs := make([]core.Payload, len(st.Calls))
	errs := make([]error, len(st.Calls))

	var wg sync.WaitGroup
	for i, call := range st.Calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			outs[i], errs[i] = r.call(ctx, call, nil, chapter)
		}(i, call)
	}
	wg.Wait()

	// Merge in declared call order: outputs are addressed by key and issue
	// order follows the declaration, so the result is identical for every
	// completion order.
	failures := 0
	for i, call := range st.Calls {
		if errs[i] != nil {
			failures++
			res.Issues = append(res.Issues, failureFinding(st, call, errs[i]))
			continue
		}
		res.Output[call.Key] = outs[i]
	}

	switch {
	case failures == 0:
		res.Status = core.StageSuccess
	case st.BestEffort && failures < len(st.Calls):
		res.Status = core.StagePartial
	default:
		res.Status = core.StageFailure
	}
}

// call issues one request/response exchange and unwraps error-tagged
// responses into taxonomy errors.
func (r *Runner) call(ctx context.Context, call Call, prev core.Payload, chapter int) (core.Payload, error) {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	var payload core.Payload
	if call.Build != nil {
		payload = call.Build(prev)
	}
	payload = payload.Clone()
	if payload == nil {
		payload = core.Payload{}
	}
	payload["deadline_ms"] = timeout.Milliseconds()

	msg := core.NewMessage(call.Topic, r.source, payload)
	msg.ChapterNumber = chapter
	msg.SceneIndex = call.Scene

	resp, err := r.bus.Request(ctx, msg, timeout+responseGrace)
	if err != nil {
		return nil, err
	}
	if werr := core.PayloadError(resp.Payload); werr != nil {
		return nil, werr
	}
	return resp.Payload, nil
}

// failureFinding converts a call failure into a finding. Failures in a
// best-effort parallel stage are advisory (the stage may proceed partial);
// everything else blocks.
func failureFinding(st Stage, call Call, err error) core.Finding {
	severity := core.SeverityBlocking
	if st.Policy == Parallel && st.BestEffort {
		severity = core.SeverityAdvisory
	}
	return core.Finding{
		Severity:    severity,
		Source:      fmt.Sprintf("%s/%s", st.Name, call.Key),
		Description: err.Error(),
	}
}
