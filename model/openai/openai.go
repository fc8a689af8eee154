// Package openai adapts the OpenAI Chat Completions and Embeddings APIs to
// model.Model and core.Embedder.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/model"
)

// Options configure the chat model.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64

	// APIKey overrides OPENAI_API_KEY.
	APIKey string
	// BaseURL targets an OpenAI compatible endpoint.
	BaseURL string
}

// Model implements model.Model on top of the Chat Completions API.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a chat model with its own client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := applyOptions(optFns)
	client := openai.NewClient(clientOptions(opts.APIKey, opts.BaseURL)...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a chat model sharing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	return &Model{client: client, opts: applyOptions(optFns)}
}

func applyOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return opts
}

func clientOptions(apiKey, baseURL string) []option.RequestOption {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return opts
}

// Info describes the model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: "openai", SupportsTools: true}
}

// Generate sends req and delivers responses on the returned channel. In
// streaming mode every text delta is forwarded as a partial response before
// the final one. Both channels are closed when generation ends.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(out)

		params := openai.ChatCompletionNewParams{
			Model:               m.opts.Model,
			Messages:            toMessages(req),
			Tools:               toTools(req.Tools),
			Temperature:         openai.Float(m.opts.Temperature),
			MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
		}

		var err error
		if req.Stream {
			params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
			err = m.stream(ctx, params, out)
		} else {
			err = m.complete(ctx, params, out)
		}

		if err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func (m *Model) complete(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- model.Response) error {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}

	return m.finish(ctx, resp, out)
}

func (m *Model) stream(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- model.Response) error {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var acc openai.ChatCompletionAccumulator

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}

			if err := send(ctx, out, model.Response{
				ID:      chunk.ID,
				Partial: true,
				Content: core.NewTextContent("assistant", ch.Delta.Content),
			}); err != nil {
				return err
			}
		}
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}

	return m.finish(ctx, &acc.ChatCompletion, out)
}

func (m *Model) finish(ctx context.Context, cc *openai.ChatCompletion, out chan<- model.Response) error {
	if len(cc.Choices) == 0 {
		return errors.New("openai: no choices returned")
	}

	choice := cc.Choices[0]

	return send(ctx, out, model.Response{
		ID:           cc.ID,
		Content:      fromMessage(choice.Message),
		FinishReason: choice.FinishReason,
		Usage:        fromUsage(cc.Usage),
	})
}

func send(ctx context.Context, out chan<- model.Response, r model.Response) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- r:
		return nil
	}
}
