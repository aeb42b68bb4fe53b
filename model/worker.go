package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/storymesh/core"
)

// WorkerOptions configures the Backend-to-Worker bridge.
type WorkerOptions struct {
	// Name labels the worker in error reports. Defaults to the backend's
	// info name.
	Name string

	// BuildRequest converts a request payload into a generation request.
	// The default uses the "prompt", "system", "temperature" and
	// "max_tokens" payload keys, falling back to a flat rendering of the
	// payload when no prompt is given.
	BuildRequest func(req core.Payload) Request

	// ShapeResponse converts a generation into the response payload. The
	// default returns {"text": ...}.
	ShapeResponse func(resp Response, req core.Payload) core.Payload
}

// Worker exposes a Backend as a core.Worker: payload in, payload out, every
// backend failure mapped onto the core error taxonomy.
type Worker struct {
	backend Backend
	name    string
	build   func(core.Payload) Request
	shape   func(Response, core.Payload) core.Payload
}

// NewWorker bridges a Backend to core.Worker.
func NewWorker(backend Backend, optFns ...func(o *WorkerOptions)) *Worker {
	opts := WorkerOptions{
		Name:          backend.Info().Name,
		BuildRequest:  DefaultRequest,
		ShapeResponse: defaultShape,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Worker{
		backend: backend,
		name:    opts.Name,
		build:   opts.BuildRequest,
		shape:   opts.ShapeResponse,
	}
}

// Provider implements core.Worker.
func (w *Worker) Provider() string { return w.backend.Info().Provider }

// Invoke implements core.Worker.
func (w *Worker) Invoke(ctx context.Context, req core.Payload) (core.Payload, error) {
	resp, err := w.backend.Generate(ctx, w.build(req))
	if err != nil {
		return nil, w.translate(err)
	}
	return w.shape(resp, req), nil
}

// translate maps backend failures onto the worker error taxonomy.
func (w *Worker) translate(err error) error {
	var werr *core.WorkerError
	if errors.As(err, &werr) {
		if werr.Worker == "" {
			werr.Worker = w.name
		}
		return werr
	}
	kind := core.FailureProvider
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrTimeout):
		kind = core.FailureDeadline
	case errors.Is(err, context.Canceled), errors.Is(err, core.ErrCancelled):
		return err
	}
	return &core.WorkerError{Worker: w.name, Kind: kind, Message: err.Error()}
}

// DefaultRequest builds a generation request from the conventional payload
// keys. Payloads without a "prompt" key are rendered line by line so a
// structured request still yields a usable prompt.
func DefaultRequest(p core.Payload) Request {
	req := Request{
		System: p.String("system"),
		Prompt: p.String("prompt"),
	}
	if t, ok := p["temperature"].(float64); ok {
		req.Temperature = t
	}
	if n, ok := p.Int("max_tokens"); ok {
		req.MaxTokens = int64(n)
	}
	if req.Prompt == "" {
		req.Prompt = renderPayload(p)
	}
	return req
}

func defaultShape(resp Response, _ core.Payload) core.Payload {
	return core.Payload{"text": resp.Text}
}

// renderPayload flattens scalar payload fields into prompt lines, sorted for
// determinism. Transport keys are skipped.
func renderPayload(p core.Payload) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		switch k {
		case "system", "temperature", "max_tokens", "deadline_ms":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		switch v := p[k].(type) {
		case string:
			if v == "" {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		case int, int64, float64, bool:
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
