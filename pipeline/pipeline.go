package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/storymesh/bus"
	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/logging"
	"github.com/hupe1980/storymesh/stage"
)

// reasonCancelled is the terminal failure reason for cancelled runs.
const reasonCancelled = "cancelled"

// Timeouts bounds each stage's worker calls. Zero values fall back to
// Default.
type Timeouts struct {
	Default   time.Duration
	Planning  time.Duration
	World     time.Duration
	Composing time.Duration
	Reviewing time.Duration
	Revising  time.Duration
}

func (t Timeouts) pick(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return 60 * time.Second
}

// Options configures an Orchestrator.
type Options struct {
	// Premise seeds the planner's prompt for every chapter.
	Premise string

	// Characters are the active cast. When empty, the cast is derived from
	// the planned outline instead.
	Characters []string

	// MaxRevisionRounds bounds the review loop. Zero means review once and
	// never revise.
	MaxRevisionRounds int

	// StrictEnrichment aborts the chapter when the world/character stage
	// fails outright. By default enrichment failures only degrade the
	// draft.
	StrictEnrichment bool

	Timeouts Timeouts

	Logger logging.Logger
}

// Orchestrator runs the chapter state machine. One Orchestrator may run many
// chapters, but each Run owns its ChapterState exclusively until it returns.
type Orchestrator struct {
	runner *stage.Runner
	store  core.ChapterStore
	opts   Options
	logger logging.Logger
}

// New constructs an Orchestrator publishing through b and finalizing into
// store.
func New(b *bus.Bus, store core.ChapterStore, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		MaxRevisionRounds: 2,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	runner := stage.NewRunner(b, func(o *stage.Options) {
		o.Source = "orchestrator"
		o.Logger = opts.Logger
	})
	return &Orchestrator{runner: runner, store: store, opts: opts, logger: opts.Logger}
}

// Run drives chapter number through every stage and returns the final state.
// prev, when non-nil, is the finalized snapshot of the chapter this one
// depends on; its summary seeds the planner for continuity. Run never
// returns an error: every failure is recorded on the returned state.
func (o *Orchestrator) Run(ctx context.Context, number int, prev *core.ChapterSnapshot) *core.ChapterState {
	state := core.NewChapterState(number)
	state.Status = core.StatusRunning
	o.logger.Info("chapter run started", "chapter", number)

	steps := []func(ctx context.Context, state *core.ChapterState, prev *core.ChapterSnapshot) bool{
		o.plan,
		o.worldAndCharacters,
		o.compose,
		o.assemble,
		o.review,
		o.finalize,
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			state.Fail(reasonCancelled)
			break
		}
		if !step(ctx, state, prev) {
			break
		}
	}
	// A failure caused by the run's own cancellation reports as cancelled,
	// not as whichever stage the cancellation interrupted.
	if ctx.Err() != nil && state.Status == core.StatusFailed {
		state.FailureReason = reasonCancelled
	}

	o.logger.Info("chapter run finished",
		"chapter", number, "status", string(state.Status),
		"last_stage", state.LastStage, "revisions", state.RevisionRounds)
	return state
}

// plan runs the single planning call and parses the outline. Planning
// failure is unrecoverable: without an outline nothing downstream can run.
func (o *Orchestrator) plan(ctx context.Context, state *core.ChapterState, prev *core.ChapterSnapshot) bool {
	st := stage.Stage{
		Name:   StagePlanning,
		Policy: stage.Sequential,
		Calls: []stage.Call{{
			Key:     "outline",
			Topic:   TopicPlan,
			Timeout: o.opts.Timeouts.pick(o.opts.Timeouts.Planning),
			Scene:   -1,
			Build: func(core.Payload) core.Payload {
				p := core.Payload{
					"chapter_number": state.Number,
					"premise":        o.opts.Premise,
				}
				if prev != nil {
					p["previous_chapter"] = prev.Number
					p["previous_summary"] = prev.Summary()
				}
				return p
			},
		}},
	}
	res := o.runner.Run(ctx, st, state.Number)
	state.RecordStage(res)
	if res.Status != core.StageSuccess {
		state.Fail(stageFailureReason(res))
		return false
	}

	out, _ := res.Output["outline"].(core.Payload)
	outline, err := core.OutlineFromPayload(out)
	if err != nil {
		state.Fail(fmt.Sprintf("%s: %v", StagePlanning, err))
		return false
	}
	state.Outline = outline
	state.Title = outline.Title
	if state.Title == "" {
		state.Title = fmt.Sprintf("Chapter %d", state.Number)
	}
	return true
}

// worldAndCharacters runs world validation and one reaction call per active
// character as a single best-effort parallel stage. Missing results degrade
// quality but never abort the chapter.
func (o *Orchestrator) worldAndCharacters(ctx context.Context, state *core.ChapterState, _ *core.ChapterSnapshot) bool {
	characters := o.opts.Characters
	if len(characters) == 0 {
		characters = state.Outline.CharacterNames()
	}

	timeout := o.opts.Timeouts.pick(o.opts.Timeouts.World)
	outlineCtx := outlineContext(state)

	st := stage.Stage{
		Name:       StageWorld,
		Policy:     stage.Parallel,
		BestEffort: !o.opts.StrictEnrichment,
		Calls: []stage.Call{{
			Key:     "world",
			Topic:   TopicWorld,
			Timeout: timeout,
			Scene:   -1,
			Build:   func(core.Payload) core.Payload { return outlineCtx },
		}},
	}
	for _, name := range characters {
		name := name
		st.Calls = append(st.Calls, stage.Call{
			Key:     name,
			Topic:   CharacterTopic(name),
			Timeout: timeout,
			Scene:   -1,
			Build: func(core.Payload) core.Payload {
				p := outlineCtx.Clone()
				p["character"] = name
				return p
			},
		})
	}

	res := o.runner.Run(ctx, st, state.Number)
	state.RecordStage(res)

	if world, ok := res.Output["world"].(core.Payload); ok {
		state.Setting = world
	}
	for _, name := range characters {
		if reaction, ok := res.Output[name].(core.Payload); ok {
			state.Reactions[name] = reaction
		}
	}
	if o.opts.StrictEnrichment && res.Status == core.StageFailure {
		state.Fail(stageFailureReason(res))
		return false
	}
	// Otherwise even a fully failed enrichment stage only degrades the
	// draft; the issues stay on the stage record.
	return true
}

// compose generates every planned scene in order; each call sees the
// previous scene's text. Any composition failure is unrecoverable.
func (o *Orchestrator) compose(ctx context.Context, state *core.ChapterState, _ *core.ChapterSnapshot) bool {
	timeout := o.opts.Timeouts.pick(o.opts.Timeouts.Composing)

	st := stage.Stage{Name: StageComposing, Policy: stage.Sequential}
	for i, plan := range state.Outline.Scenes {
		i, plan := i, plan
		st.Calls = append(st.Calls, stage.Call{
			Key:     sceneKey(i),
			Topic:   TopicCompose,
			Timeout: timeout,
			Scene:   i,
			Build: func(prevOut core.Payload) core.Payload {
				p := core.Payload{
					"chapter_number": state.Number,
					"chapter_title":  state.Title,
					"scene_index":    i,
					"goal":           plan.Goal,
					"location":       plan.Location,
				}
				if len(plan.Characters) > 0 {
					p["characters"] = stringsToAny(plan.Characters)
				}
				if state.Setting != nil {
					p["world"] = state.Setting.Clone()
				}
				if reactions := reactionsFor(state, plan.Characters); len(reactions) > 0 {
					p["reactions"] = reactions
				}
				if prevOut != nil {
					p["previous_scene"] = prevOut.String("text")
				}
				return p
			},
		})
	}

	res := o.runner.Run(ctx, st, state.Number)
	state.RecordStage(res)
	if res.Status != core.StageSuccess {
		state.Fail(stageFailureReason(res))
		return false
	}

	state.Scenes = state.Scenes[:0]
	for i := range state.Outline.Scenes {
		out, _ := res.Output[sceneKey(i)].(core.Payload)
		state.Scenes = append(state.Scenes, out.String("text"))
	}
	return true
}

// assemble concatenates composed scenes locally. It is recorded like any
// other stage so reports show where a run stopped.
func (o *Orchestrator) assemble(_ context.Context, state *core.ChapterState, _ *core.ChapterSnapshot) bool {
	res := core.StageResult{Stage: StageAssembly, StartedAt: time.Now().UTC()}
	err := state.Assemble()
	res.CompletedAt = time.Now().UTC()
	if err != nil {
		res.Status = core.StageFailure
		res.Issues = []core.Finding{{
			Severity:    core.SeverityBlocking,
			Source:      StageAssembly,
			Description: err.Error(),
		}}
		state.RecordStage(res)
		state.Fail(fmt.Sprintf("%s: %v", StageAssembly, err))
		return false
	}
	res.Status = core.StageSuccess
	res.Output = core.Payload{"length": len(state.Assembled)}
	state.RecordStage(res)
	return true
}

// review runs the bounded review/revision loop. Each round reviews the
// assembled draft; blocking findings trigger a revision and re-assembly
// while budget remains. An exhausted budget advances with the findings
// retained, never silently dropped.
func (o *Orchestrator) review(ctx context.Context, state *core.ChapterState, _ *core.ChapterSnapshot) bool {
	for round := 0; ; round++ {
		if ctx.Err() != nil {
			state.Fail(reasonCancelled)
			return false
		}

		findings, ok := o.reviewOnce(ctx, state)
		if !ok {
			return false
		}
		state.Findings = findings
		state.RoundFindings = append(state.RoundFindings, findings)

		blocking := core.BlockingFindings(findings)
		if len(blocking) == 0 {
			return true
		}
		if round >= o.opts.MaxRevisionRounds {
			o.logger.Warn("revision budget exhausted",
				"chapter", state.Number, "rounds", round, "blocking", len(blocking))
			return true
		}

		if !o.revise(ctx, state, blocking) {
			// Revision itself failed; keep the current draft and its
			// findings rather than aborting the chapter.
			return true
		}
		state.RevisionRounds++
		if !o.assemble(ctx, state, nil) {
			return false
		}
	}
}

// reviewOnce runs the consistency and quality reviewers in parallel and
// merges their findings. A crashed reviewer contributes an advisory issue
// instead of blocking the chapter.
func (o *Orchestrator) reviewOnce(ctx context.Context, state *core.ChapterState) ([]core.Finding, bool) {
	timeout := o.opts.Timeouts.pick(o.opts.Timeouts.Reviewing)
	build := func(core.Payload) core.Payload {
		return core.Payload{
			"chapter_number": state.Number,
			"chapter_title":  state.Title,
			"draft":          state.Assembled,
		}
	}

	st := stage.Stage{
		Name:       StageReview,
		Policy:     stage.Parallel,
		BestEffort: true,
		Calls: []stage.Call{
			{Key: "consistency", Topic: TopicReviewConsistency, Timeout: timeout, Scene: -1, Build: build},
			{Key: "quality", Topic: TopicReviewQuality, Timeout: timeout, Scene: -1, Build: build},
		},
	}

	res := o.runner.Run(ctx, st, state.Number)
	state.RecordStage(res)

	var findings []core.Finding
	for _, key := range []string{"consistency", "quality"} {
		if out, ok := res.Output[key].(core.Payload); ok {
			findings = append(findings, core.FindingsFromPayload(out, key)...)
		}
	}
	// Reviewer failures surface as advisory findings so the report shows
	// which perspective is missing.
	findings = append(findings, res.Issues...)
	return findings, true
}

// revise asks the revision worker for a replacement scene set addressing the
// blocking findings. The whole scene list is replaced; span-level patching
// is left to the worker.
func (o *Orchestrator) revise(ctx context.Context, state *core.ChapterState, blocking []core.Finding) bool {
	st := stage.Stage{
		Name:   StageRevision,
		Policy: stage.Sequential,
		Calls: []stage.Call{{
			Key:     "revision",
			Topic:   TopicRevise,
			Timeout: o.opts.Timeouts.pick(o.opts.Timeouts.Revising),
			Scene:   -1,
			Build: func(core.Payload) core.Payload {
				descs := make([]any, 0, len(blocking))
				for _, f := range blocking {
					descs = append(descs, fmt.Sprintf("[%s] %s", f.Source, f.Description))
				}
				return core.Payload{
					"chapter_number": state.Number,
					"chapter_title":  state.Title,
					"draft":          state.Assembled,
					"scenes":         stringsToAny(state.Scenes),
					"findings":       descs,
				}
			},
		}},
	}

	res := o.runner.Run(ctx, st, state.Number)
	state.RecordStage(res)
	if res.Status != core.StageSuccess {
		return false
	}

	out, _ := res.Output["revision"].(core.Payload)
	scenes, err := scenesFromPayload(out, len(state.Scenes))
	if err != nil {
		o.logger.Warn("revision response unusable", "chapter", state.Number, "error", err)
		return false
	}
	state.Scenes = scenes
	return true
}

// finalize snapshots the chapter and commits it. Persistence failure marks
// the chapter failed but retains the snapshot for a caller-level retry.
func (o *Orchestrator) finalize(ctx context.Context, state *core.ChapterState, _ *core.ChapterSnapshot) bool {
	state.Status = core.StatusDone
	if len(core.BlockingFindings(state.Findings)) > 0 {
		state.Status = core.StatusWarnings
	}

	res := core.StageResult{Stage: StageFinalize, StartedAt: time.Now().UTC()}
	snap := state.Snapshot()
	err := o.store.Commit(ctx, state.Number, snap)
	res.CompletedAt = time.Now().UTC()
	if err != nil {
		res.Status = core.StageFailure
		res.Issues = []core.Finding{{
			Severity:    core.SeverityBlocking,
			Source:      StageFinalize,
			Description: err.Error(),
		}}
		state.RecordStage(res)
		state.PendingSnapshot = &snap
		state.Fail((&core.PersistenceError{Chapter: state.Number, Err: err}).Error())
		return false
	}
	res.Status = core.StageSuccess
	state.RecordStage(res)
	return true
}

func stageFailureReason(res core.StageResult) string {
	if len(res.Issues) > 0 {
		return fmt.Sprintf("%s: %s", res.Stage, res.Issues[0].Description)
	}
	return fmt.Sprintf("%s failed", res.Stage)
}

func sceneKey(i int) string { return fmt.Sprintf("scene_%d", i) }

// outlineContext is the shared request context for enrichment calls.
func outlineContext(state *core.ChapterState) core.Payload {
	goals := make([]any, 0, len(state.Outline.Scenes))
	for _, sc := range state.Outline.Scenes {
		goals = append(goals, sc.Goal)
	}
	return core.Payload{
		"chapter_number": state.Number,
		"chapter_title":  state.Title,
		"scene_goals":    goals,
	}
}

func reactionsFor(state *core.ChapterState, characters []string) map[string]any {
	out := map[string]any{}
	for _, name := range characters {
		if r, ok := state.Reactions[name]; ok {
			out[name] = r.Clone()
		}
	}
	return out
}

func stringsToAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func scenesFromPayload(p core.Payload, want int) ([]string, error) {
	raw, ok := p["scenes"].([]any)
	if !ok {
		return nil, fmt.Errorf("revision payload has no scenes")
	}
	scenes := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			scenes = append(scenes, s)
		}
	}
	if len(scenes) != want {
		return nil, fmt.Errorf("revision returned %d scenes, want %d", len(scenes), want)
	}
	return scenes, nil
}
