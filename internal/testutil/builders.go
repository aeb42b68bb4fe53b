package testutil

import (
	"github.com/hupe1980/storymesh/core"
)

// OutlineBuilder provides a fluent helper for constructing planner response
// payloads in tests. Example:
//
//	p := NewOutlineBuilder("The Gate").
//		Scene("arrival", "harbor", "mira", "joss").
//		Scene("the gate opens", "harbor", "mira").
//		Payload()
//
// Chain only the parts you need; the payload shape matches what
// core.OutlineFromPayload parses.
type OutlineBuilder struct {
	title  string
	scenes []map[string]any
}

// NewOutlineBuilder creates a builder for an outline with the given title.
func NewOutlineBuilder(title string) *OutlineBuilder {
	return &OutlineBuilder{title: title}
}

// Scene appends a planned scene (chainable).
func (b *OutlineBuilder) Scene(goal, location string, characters ...string) *OutlineBuilder {
	sc := map[string]any{"goal": goal}
	if location != "" {
		sc["location"] = location
	}
	if len(characters) > 0 {
		cs := make([]any, 0, len(characters))
		for _, c := range characters {
			cs = append(cs, c)
		}
		sc["characters"] = cs
	}
	b.scenes = append(b.scenes, sc)
	return b
}

// Payload returns the planner response payload.
func (b *OutlineBuilder) Payload() core.Payload {
	scenes := make([]any, 0, len(b.scenes))
	for _, sc := range b.scenes {
		scenes = append(scenes, sc)
	}
	return core.Payload{"title": b.title, "scenes": scenes}
}

// Outline returns the parsed outline, panicking on an invalid build. Use in
// tests that need the struct rather than the wire payload.
func (b *OutlineBuilder) Outline() core.Outline {
	o, err := core.OutlineFromPayload(b.Payload())
	if err != nil {
		panic(err)
	}
	return o
}

// Blocking returns a reviewer finding entry with blocking severity.
func Blocking(description string) map[string]any {
	return map[string]any{"severity": string(core.SeverityBlocking), "description": description}
}

// Advisory returns a reviewer finding entry with advisory severity.
func Advisory(description string) map[string]any {
	return map[string]any{"severity": string(core.SeverityAdvisory), "description": description}
}

// FindingsPayload builds a reviewer response payload from finding entries.
// FindingsPayload() with no arguments is a clean review.
func FindingsPayload(findings ...map[string]any) core.Payload {
	entries := make([]any, 0, len(findings))
	for _, f := range findings {
		entries = append(entries, f)
	}
	return core.Payload{"findings": entries}
}

// RequestMessage builds a request message with a reply topic, the shape
// adapters receive from the stage runner.
func RequestMessage(topic, replyTo string, payload core.Payload) core.Message {
	msg := core.NewMessage(topic, "test", payload)
	msg.ReplyTo = replyTo
	return msg
}
