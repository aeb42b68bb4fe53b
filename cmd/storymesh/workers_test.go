package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/storymesh/config"
	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/model"
	"github.com/hupe1980/storymesh/pipeline"
)

func TestOutlinePayloadParsesPlannerReply(t *testing.T) {
	text := "```json\n{\"title\": \"The Gate\", \"scenes\": [" +
		"{\"goal\": \"arrive\", \"location\": \"harbor\", \"characters\": [\"mira\"]}," +
		"{\"goal\": \"enter\"}]}\n```"

	p := outlinePayload(text)

	require.Equal(t, "The Gate", p.String("title"))
	scenes, ok := p["scenes"].([]any)
	require.True(t, ok)
	require.Len(t, scenes, 2)

	first := scenes[0].(map[string]any)
	require.Equal(t, "arrive", first["goal"])
	require.Equal(t, "harbor", first["location"])
	require.Equal(t, []any{"mira"}, first["characters"])
}

func TestOutlinePayloadWithoutScenes(t *testing.T) {
	p := outlinePayload("I could not produce an outline.")

	require.NotContains(t, p, "scenes")
}

func TestFindingsPayloadParsesReviewerReply(t *testing.T) {
	p := findingsPayload(`{"findings": [{"severity": "blocking", "description": "timeline breaks"}]}`)

	findings := p["findings"].([]any)
	require.Len(t, findings, 1)
	require.Equal(t, "blocking", findings[0].(map[string]any)["severity"])
}

func TestFindingsPayloadDefaultsToClean(t *testing.T) {
	p := findingsPayload("Looks fine to me.")

	require.Equal(t, []any{}, p["findings"])
}

func TestScenesPayloadKeepsDraftOnBadReply(t *testing.T) {
	req := core.Payload{"scenes": []any{"scene one", "scene two"}}

	p := scenesPayload("sorry, no JSON today", req)

	require.Equal(t, req["scenes"], p["scenes"])
}

func TestScenesPayloadParsesRevisedScenes(t *testing.T) {
	p := scenesPayload(`{"scenes": ["one (revised)", "two"]}`, core.Payload{})

	require.Equal(t, []any{"one (revised)", "two"}, p["scenes"])
}

func TestMockPlannerCoversRequiredShape(t *testing.T) {
	cfg := config.Default()
	cfg.Title = "Harbor Lights"
	cfg.Characters = []string{"mira"}

	w := mockWorker(pipeline.TopicPlan, cfg)
	out, err := w.Invoke(context.Background(), core.Payload{"chapter_number": 3})
	require.NoError(t, err)

	require.Equal(t, "Harbor Lights, Part 3", out.String("title"))
	outline, err := core.OutlineFromPayload(out)
	require.NoError(t, err)
	require.NotEmpty(t, outline.Scenes)
	require.Equal(t, []string{"mira"}, outline.Scenes[0].Characters)
}

func TestBuildWorkerRejectsBadPromptTemplate(t *testing.T) {
	_, err := buildWorker(config.Worker{Name: "writer", Prompt: "{{.goal"}, config.Default())

	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "workers.writer.prompt", cfgErr.Field)
}

func TestBackendWorkerRendersPromptTemplate(t *testing.T) {
	backend := model.NewMockBackend("mock-writer")
	backend.AddResponse("scene set in the harbor", "The tide pulls back.")

	w := backendWorker(config.Worker{
		Name:   "writer",
		Topic:  pipeline.TopicCompose,
		Prompt: "Write a scene set in {{.location}}.",
	}, backend)

	out, err := w.Invoke(context.Background(), core.Payload{"location": "the harbor"})
	require.NoError(t, err)
	require.Equal(t, "The tide pulls back.", out.String("text"))
}

func TestBuildWorkerRejectsUnknownProvider(t *testing.T) {
	_, err := buildWorker(config.Worker{Name: "planner", Provider: "cohere"}, config.Default())

	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "workers.planner.provider", cfgErr.Field)
}
