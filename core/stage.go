package core

import "time"

// StageStatus is the outcome classification of a stage execution.
type StageStatus string

const (
	// StageSuccess means every constituent call succeeded.
	StageSuccess StageStatus = "success"
	// StageFailure means the stage did not produce a usable output.
	StageFailure StageStatus = "failure"
	// StagePartial means some, but not all, constituent calls succeeded.
	StagePartial StageStatus = "partial"
)

// Severity ranks a review finding.
type Severity string

const (
	// SeverityBlocking requires revision before the chapter may advance
	// cleanly.
	SeverityBlocking Severity = "blocking"
	// SeverityAdvisory degrades quality but never forces a revision.
	SeverityAdvisory Severity = "advisory"
)

// Finding is a single issue surfaced by a stage or review call.
type Finding struct {
	Severity    Severity `json:"severity"`
	Source      string   `json:"source"`
	Description string   `json:"description"`
}

// Blocking reports whether the finding forces a revision.
func (f Finding) Blocking() bool { return f.Severity == SeverityBlocking }

// StageResult is the structured outcome of one stage execution. Output maps
// call keys to response payloads so merged results are addressed by key, not
// by completion order. Issues preserve the order in which failures were
// observed per the declared call order.
type StageResult struct {
	Stage       string      `json:"stage"`
	Status      StageStatus `json:"status"`
	Output      Payload     `json:"output,omitempty"`
	Issues      []Finding   `json:"issues,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Duration returns the wall-clock time the stage took.
func (r StageResult) Duration() time.Duration { return r.CompletedAt.Sub(r.StartedAt) }

// OK reports whether the stage produced a usable (full or partial) output.
func (r StageResult) OK() bool { return r.Status != StageFailure }

// BlockingFindings filters the blocking subset of findings, preserving order.
func BlockingFindings(findings []Finding) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Blocking() {
			out = append(out, f)
		}
	}
	return out
}

// FindingsFromPayload parses review findings from a worker response payload.
// The expected shape is {"findings": [{"severity": "...", "description": "..."}]};
// entries with unknown severity default to advisory. A payload without a
// findings key yields nil.
func FindingsFromPayload(p Payload, source string) []Finding {
	raw, ok := p["findings"].([]any)
	if !ok {
		return nil
	}
	var out []Finding
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		f := Finding{Severity: SeverityAdvisory, Source: source}
		if s, _ := m["severity"].(string); s == string(SeverityBlocking) {
			f.Severity = SeverityBlocking
		}
		f.Description, _ = m["description"].(string)
		out = append(out, f)
	}
	return out
}
