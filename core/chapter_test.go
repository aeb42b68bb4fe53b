package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outlinePayload() Payload {
	return Payload{
		"title": "The Ember Gate",
		"scenes": []any{
			map[string]any{"goal": "arrival", "location": "gate", "characters": []any{"Mira", "Joren"}},
			map[string]any{"goal": "confrontation", "characters": []any{"Joren", "Mira"}},
		},
	}
}

func TestOutlineFromPayload(t *testing.T) {
	o, err := OutlineFromPayload(outlinePayload())
	require.NoError(t, err)

	assert.Equal(t, "The Ember Gate", o.Title)
	require.Len(t, o.Scenes, 2)
	assert.Equal(t, "arrival", o.Scenes[0].Goal)
	assert.Equal(t, "gate", o.Scenes[0].Location)
	assert.Equal(t, []string{"Mira", "Joren"}, o.CharacterNames())
}

func TestOutlineFromPayload_NoScenes(t *testing.T) {
	_, err := OutlineFromPayload(Payload{"title": "empty"})

	var we *WorkerError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, FailureInvalidResponse, we.Kind)
}

func TestChapterState_Assemble(t *testing.T) {
	c := NewChapterState(2)
	c.Title = "Ashfall"
	c.Outline = Outline{Title: "Ashfall", Scenes: []ScenePlan{{Goal: "a"}, {Goal: "b"}}}
	c.Scenes = []string{"First scene.", "Second scene."}

	require.NoError(t, c.Assemble())
	assert.Contains(t, c.Assembled, "## Chapter 2: Ashfall")
	assert.Contains(t, c.Assembled, "First scene.\n\nSecond scene.")
}

func TestChapterState_AssembleMismatch(t *testing.T) {
	c := NewChapterState(1)
	c.Outline = Outline{Scenes: []ScenePlan{{Goal: "a"}, {Goal: "b"}}}
	c.Scenes = []string{"only one"}

	assert.Error(t, c.Assemble())
}

func TestChapterState_SnapshotIsolation(t *testing.T) {
	c := NewChapterState(5)
	c.Title = "Night Market"
	c.Assembled = "text"
	c.Scenes = []string{"text"}
	c.Findings = []Finding{{Severity: SeverityBlocking, Source: "review", Description: "pacing"}}
	c.Status = StatusWarnings

	snap := c.Snapshot()
	c.Findings[0].Description = "mutated"

	assert.Equal(t, "pacing", snap.Findings[0].Description)
	assert.Equal(t, StatusWarnings, snap.Status)
	assert.Equal(t, 1, snap.SceneCount)
}

func TestChapterSnapshot_Summary(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	s := ChapterSnapshot{Text: string(long)}

	assert.Len(t, s.Summary(), 503)
	assert.Equal(t, "short", ChapterSnapshot{Text: "short"}.Summary())
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusSkipped.Terminal())
	assert.True(t, StatusWarnings.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
