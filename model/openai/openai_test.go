package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/storymesh/core"
	"github.com/hupe1980/storymesh/model"
)

func requestWith(prompt, system string, temperature float64, maxTokens int64) model.Request {
	return model.Request{
		Prompt:      prompt,
		System:      system,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

func TestOptionsDefaultsAndOverrides(t *testing.T) {
	b := NewBackend()
	require.Equal(t, "openai", b.Info().Provider)
	require.NotEmpty(t, b.Info().Name)

	b = NewBackend(func(o *Options) {
		o.Model = "gpt-4o"
		o.Temperature = 0.2
		o.MaxCompletionTokens = 512
	})
	require.Equal(t, "gpt-4o", b.Info().Name)
	require.Equal(t, 0.2, b.opts.Temperature)
	require.EqualValues(t, 512, b.opts.MaxCompletionTokens)
}

func TestBuildParamsRequestOverrides(t *testing.T) {
	b := NewBackend(func(o *Options) { o.Model = "gpt-4o-mini" })

	params := b.buildParams(requestWith("hello", "be brief", 0.9, 128))
	require.Len(t, params.Messages, 2)
	require.Equal(t, 0.9, params.Temperature.Value)
	require.EqualValues(t, 128, params.MaxCompletionTokens.Value)

	params = b.buildParams(requestWith("hello", "", 0, 0))
	require.Len(t, params.Messages, 1)
	require.Equal(t, 0.7, params.Temperature.Value)
}

func TestClassify(t *testing.T) {
	err := classify(errors.New("connection refused"))
	var werr *core.WorkerError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, core.FailureProvider, werr.Kind)

	require.ErrorIs(t, classify(context.DeadlineExceeded), context.DeadlineExceeded)
	require.ErrorIs(t, classify(context.Canceled), context.Canceled)
}
