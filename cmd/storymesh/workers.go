package main

import (
	"context"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"

	"github.com/hupe1980/storymesh"
	"github.com/hupe1980/storymesh/config"
	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/internal/prompt"
	"github.com/hupe1980/storymesh/model"
	"github.com/hupe1980/storymesh/model/anthropic"
	"github.com/hupe1980/storymesh/model/openai"
	"github.com/hupe1980/storymesh/pipeline"
)

// registerWorkers wires one adapter per pipeline topic: declared workers get
// the configured provider backend, every remaining required topic falls back
// to a deterministic mock so a config without API keys still runs end to
// end.
func registerWorkers(mesh *storymesh.Mesh, cfg *config.Config) error {
	for _, w := range cfg.Workers {
		worker, err := buildWorker(w, cfg)
		if err != nil {
			return err
		}
		if err := mesh.RegisterWorker(w.Name, w.Topic, worker); err != nil {
			return err
		}
	}
	for _, topic := range pipeline.RequiredTopics(cfg.Characters) {
		if mesh.HasWorker(topic) {
			continue
		}
		if err := mesh.RegisterWorker("mock-"+topic, topic, mockWorker(topic, cfg)); err != nil {
			return err
		}
	}
	return nil
}

func buildWorker(w config.Worker, cfg *config.Config) (core.Worker, error) {
	if w.Prompt != "" {
		if _, err := prompt.Render(w.Prompt, map[string]any{}); err != nil {
			return nil, &core.ConfigError{
				Field:  "workers." + w.Name + ".prompt",
				Reason: err.Error(),
			}
		}
	}
	switch w.Provider {
	case "", "mock":
		return mockWorker(w.Topic, cfg), nil
	case "openai":
		backend := openai.NewBackend(func(o *openai.Options) {
			if w.Model != "" {
				o.Model = w.Model
			}
		})
		return backendWorker(w, backend), nil
	case "anthropic":
		backend := anthropic.NewBackend(func(o *anthropic.Options) {
			if w.Model != "" {
				o.Model = anthropicsdk.Model(w.Model)
			}
		})
		return backendWorker(w, backend), nil
	default:
		return nil, &core.ConfigError{
			Field:  "workers." + w.Name + ".provider",
			Reason: fmt.Sprintf("unknown provider %q", w.Provider),
		}
	}
}

func backendWorker(w config.Worker, backend model.Backend) core.Worker {
	system := systemForRole(w.Role, w.Topic)
	return model.NewWorker(backend, func(o *model.WorkerOptions) {
		o.Name = w.Name
		o.BuildRequest = func(p core.Payload) model.Request {
			req := model.DefaultRequest(p)
			if req.System == "" {
				req.System = system
			}
			if w.Prompt != "" {
				if rendered, err := prompt.Render(w.Prompt, p); err == nil {
					req.Prompt = rendered
				}
			}
			return req
		}
		o.ShapeResponse = shapeForTopic(w.Topic)
	})
}

// systemForRole picks the collaborator's standing instructions. The role
// from the config wins; otherwise the topic implies one.
func systemForRole(role, topic string) string {
	if role == "" {
		role = roleForTopic(topic)
	}
	switch role {
	case "planner":
		return "You plan story chapters. Reply with JSON: {\"title\": string, \"scenes\": [{\"goal\": string, \"location\": string, \"characters\": [string]}]}."
	case "world":
		return "You guard world consistency. Describe the setting constraints relevant to the chapter in plain prose."
	case "character":
		return "You voice a single character. Describe how they react to the chapter outline, in plain prose."
	case "writer":
		return "You write narrative prose. Write the requested scene and nothing else."
	case "reviewer":
		return "You review chapter drafts. Reply with JSON: {\"findings\": [{\"severity\": \"blocking\"|\"advisory\", \"description\": string}]}. An empty list means the draft passes."
	case "reviser":
		return "You revise chapter drafts. Reply with JSON: {\"scenes\": [string]} containing every scene, revised where the findings demand it, with the same scene count as the input."
	default:
		return ""
	}
}

func roleForTopic(topic string) string {
	switch {
	case topic == pipeline.TopicPlan:
		return "planner"
	case topic == pipeline.TopicWorld:
		return "world"
	case strings.HasPrefix(topic, pipeline.TopicCharacterPrefix):
		return "character"
	case topic == pipeline.TopicCompose:
		return "writer"
	case topic == pipeline.TopicReviewConsistency, topic == pipeline.TopicReviewQuality:
		return "reviewer"
	case topic == pipeline.TopicRevise:
		return "reviser"
	default:
		return ""
	}
}

// shapeForTopic converts model text into the structured payload the
// orchestrator expects on each topic. Structured topics get their JSON
// extracted; prose topics pass the text through.
func shapeForTopic(topic string) func(resp model.Response, req core.Payload) core.Payload {
	switch topic {
	case pipeline.TopicPlan:
		return func(resp model.Response, _ core.Payload) core.Payload {
			return outlinePayload(resp.Text)
		}
	case pipeline.TopicReviewConsistency, pipeline.TopicReviewQuality:
		return func(resp model.Response, _ core.Payload) core.Payload {
			return findingsPayload(resp.Text)
		}
	case pipeline.TopicRevise:
		return func(resp model.Response, req core.Payload) core.Payload {
			return scenesPayload(resp.Text, req)
		}
	default:
		return func(resp model.Response, _ core.Payload) core.Payload {
			return core.Payload{"text": resp.Text}
		}
	}
}

// stripFences removes a markdown code fence around a JSON reply, a common
// model habit.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// outlinePayload extracts {"title", "scenes":[{goal, location, characters}]}
// from a planner reply. An unparseable reply yields a payload without
// scenes, which the orchestrator rejects as an invalid response.
func outlinePayload(text string) core.Payload {
	doc := gjson.Parse(stripFences(text))
	p := core.Payload{"title": doc.Get("title").String()}

	var scenes []any
	doc.Get("scenes").ForEach(func(_, sc gjson.Result) bool {
		entry := map[string]any{
			"goal":     sc.Get("goal").String(),
			"location": sc.Get("location").String(),
		}
		var characters []any
		sc.Get("characters").ForEach(func(_, c gjson.Result) bool {
			characters = append(characters, c.String())
			return true
		})
		if len(characters) > 0 {
			entry["characters"] = characters
		}
		scenes = append(scenes, entry)
		return true
	})
	if scenes != nil {
		p["scenes"] = scenes
	}
	return p
}

// findingsPayload extracts reviewer findings; a reply without a findings
// array is treated as a clean review.
func findingsPayload(text string) core.Payload {
	var findings []any
	gjson.Parse(stripFences(text)).Get("findings").ForEach(func(_, f gjson.Result) bool {
		findings = append(findings, map[string]any{
			"severity":    f.Get("severity").String(),
			"description": f.Get("description").String(),
		})
		return true
	})
	if findings == nil {
		findings = []any{}
	}
	return core.Payload{"findings": findings}
}

// scenesPayload extracts a revised scene list; an unparseable reply keeps
// the original scenes so a bad revision never loses the draft.
func scenesPayload(text string, req core.Payload) core.Payload {
	var scenes []any
	gjson.Parse(stripFences(text)).Get("scenes").ForEach(func(_, sc gjson.Result) bool {
		scenes = append(scenes, sc.String())
		return true
	})
	if scenes == nil {
		return core.Payload{"scenes": req["scenes"]}
	}
	return core.Payload{"scenes": scenes}
}

// mockWorker returns a deterministic offline collaborator for a topic.
func mockWorker(topic string, cfg *config.Config) core.Worker {
	fn := func(_ context.Context, req core.Payload) (core.Payload, error) {
		return core.Payload{"text": "(mock output)"}, nil
	}

	switch {
	case topic == pipeline.TopicPlan:
		fn = func(_ context.Context, req core.Payload) (core.Payload, error) {
			n, _ := req.Int("chapter_number")
			goals := []string{"establish the stakes", "complicate the plan", "turn the chapter"}
			scenes := make([]any, 0, len(goals))
			for _, goal := range goals {
				sc := map[string]any{"goal": goal}
				if len(cfg.Characters) > 0 {
					cs := make([]any, 0, len(cfg.Characters))
					for _, c := range cfg.Characters {
						cs = append(cs, c)
					}
					sc["characters"] = cs
				}
				scenes = append(scenes, sc)
			}
			return core.Payload{
				"title":  fmt.Sprintf("%s, Part %d", cfg.Title, n),
				"scenes": scenes,
			}, nil
		}
	case topic == pipeline.TopicWorld:
		fn = func(_ context.Context, _ core.Payload) (core.Payload, error) {
			return core.Payload{"setting": "consistent with " + cfg.Premise}, nil
		}
	case strings.HasPrefix(topic, pipeline.TopicCharacterPrefix):
		name := strings.TrimPrefix(topic, pipeline.TopicCharacterPrefix)
		fn = func(_ context.Context, _ core.Payload) (core.Payload, error) {
			return core.Payload{"reaction": name + " stays in character"}, nil
		}
	case topic == pipeline.TopicCompose:
		fn = func(_ context.Context, req core.Payload) (core.Payload, error) {
			idx, _ := req.Int("scene_index")
			return core.Payload{
				"text": fmt.Sprintf("Scene %d: %s.", idx+1, req.String("goal")),
			}, nil
		}
	case topic == pipeline.TopicReviewConsistency, topic == pipeline.TopicReviewQuality:
		fn = func(_ context.Context, _ core.Payload) (core.Payload, error) {
			return core.Payload{"findings": []any{}}, nil
		}
	case topic == pipeline.TopicRevise:
		fn = func(_ context.Context, req core.Payload) (core.Payload, error) {
			return core.Payload{"scenes": req["scenes"]}, nil
		}
	}

	return core.WorkerFunc{ProviderID: "mock", Fn: fn}
}
