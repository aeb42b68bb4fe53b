package core

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a chapter run.
type Status string

const (
	// StatusPending means the chapter has not started.
	StatusPending Status = "pending"
	// StatusRunning means an orchestrator currently owns the chapter.
	StatusRunning Status = "running"
	// StatusDone means the chapter finalized cleanly.
	StatusDone Status = "done"
	// StatusWarnings means the chapter finalized with unresolved blocking
	// findings after the revision budget was exhausted.
	StatusWarnings Status = "completed_with_warnings"
	// StatusFailed means the chapter aborted; no artifact was committed
	// unless a retained snapshot is retried by the caller.
	StatusFailed Status = "failed"
	// StatusSkipped means the chapter never ran because a dependency
	// reached a non-done terminal state.
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusWarnings, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// ScenePlan describes one planned scene of a chapter outline.
type ScenePlan struct {
	Goal       string   `json:"goal"`
	Location   string   `json:"location,omitempty"`
	Characters []string `json:"characters,omitempty"`
}

// Outline is the planner's structured chapter plan.
type Outline struct {
	Title  string      `json:"title"`
	Scenes []ScenePlan `json:"scenes"`
}

// CharacterNames returns the deduplicated union of characters appearing in
// the outline, in first-appearance order.
func (o Outline) CharacterNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, sc := range o.Scenes {
		for _, c := range sc.Characters {
			if c == "" || seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// OutlineFromPayload parses a planner response payload of the shape
// {"title": "...", "scenes": [{"goal": "...", "location": "...", "characters": [...]}]}.
// An outline without at least one scene is invalid.
func OutlineFromPayload(p Payload) (Outline, error) {
	o := Outline{Title: p.String("title")}
	raw, ok := p["scenes"].([]any)
	if !ok {
		return o, &WorkerError{Kind: FailureInvalidResponse, Message: "outline payload has no scenes"}
	}
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		sc := ScenePlan{}
		sc.Goal, _ = m["goal"].(string)
		sc.Location, _ = m["location"].(string)
		if chars, ok := m["characters"].([]any); ok {
			for _, c := range chars {
				if s, ok := c.(string); ok && s != "" {
					sc.Characters = append(sc.Characters, s)
				}
			}
		}
		o.Scenes = append(o.Scenes, sc)
	}
	if len(o.Scenes) == 0 {
		return o, &WorkerError{Kind: FailureInvalidResponse, Message: "outline payload has no scenes"}
	}
	return o, nil
}

// ChapterState is the mutable working state of one chapter run. It is owned
// exclusively by a single orchestrator; no other task may mutate it. Other
// chapters observe it only through finalized ChapterSnapshot values.
type ChapterState struct {
	Number    int
	Title     string
	Outline   Outline
	Setting   Payload            // world validation output
	Reactions map[string]Payload // per-character reaction, keyed by name
	Scenes    []string           // composed scene texts, outline order
	Assembled string             // concatenated chapter draft

	Findings       []Finding   // unresolved findings from the last review round
	RoundFindings  [][]Finding // findings collected per review round, for reporting
	RevisionRounds int

	Status        Status
	LastStage     string
	FailureReason string
	StageResults  []StageResult

	// PendingSnapshot retains the finalize snapshot when persistence fails,
	// allowing a caller-level retry without regenerating the chapter.
	PendingSnapshot *ChapterSnapshot
}

// NewChapterState creates pending working state for a chapter.
func NewChapterState(number int) *ChapterState {
	return &ChapterState{
		Number:    number,
		Reactions: map[string]Payload{},
		Status:    StatusPending,
	}
}

// RecordStage appends a stage result and remembers the stage as the last one
// reached.
func (c *ChapterState) RecordStage(r StageResult) {
	c.LastStage = r.Stage
	c.StageResults = append(c.StageResults, r)
}

// Fail marks the chapter failed with a terminal reason.
func (c *ChapterState) Fail(reason string) {
	c.Status = StatusFailed
	c.FailureReason = reason
}

// Assemble concatenates composed scenes in outline order under a chapter
// header. It fails when the scene count does not match the outline.
func (c *ChapterState) Assemble() error {
	if len(c.Scenes) != len(c.Outline.Scenes) {
		return fmt.Errorf("scene count mismatch: composed %d, outline has %d",
			len(c.Scenes), len(c.Outline.Scenes))
	}
	header := fmt.Sprintf("## Chapter %d: %s\n\n", c.Number, c.Title)
	c.Assembled = header + strings.Join(c.Scenes, "\n\n")
	return nil
}

// Snapshot produces an immutable copy of the chapter outcome for persistence
// and for continuity reads by dependent chapters.
func (c *ChapterState) Snapshot() ChapterSnapshot {
	findings := make([]Finding, len(c.Findings))
	copy(findings, c.Findings)
	return ChapterSnapshot{
		Number:         c.Number,
		Title:          c.Title,
		Text:           c.Assembled,
		SceneCount:     len(c.Scenes),
		Status:         c.Status,
		Findings:       findings,
		RevisionRounds: c.RevisionRounds,
		CreatedAt:      time.Now().UTC(),
	}
}

// ChapterSnapshot is the finalized, read-only view of a chapter. Once built
// it is never mutated; later chapters may read it for continuity.
type ChapterSnapshot struct {
	Number         int       `json:"number"`
	Title          string    `json:"title"`
	Text           string    `json:"text"`
	SceneCount     int       `json:"scene_count"`
	Status         Status    `json:"status"`
	Findings       []Finding `json:"findings,omitempty"`
	RevisionRounds int       `json:"revision_rounds"`
	CreatedAt      time.Time `json:"created_at"`
}

// Summary returns a short continuity excerpt of the chapter text, suitable
// for seeding the next chapter's planning prompt.
func (s ChapterSnapshot) Summary() string {
	const max = 500
	if len(s.Text) <= max {
		return s.Text
	}
	return s.Text[:max] + "..."
}
