// Package openai adapts the OpenAI API (and OpenAI-compatible
// endpoints such as OpenRouter) to the llm capability interfaces.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configures the adapter. BaseURL switches the endpoint, which
// is how OpenRouter and other compatible gateways are reached.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Dimension      int
}

// Client implements llm.LLM and llm.Embedder over one SDK client.
type Client struct {
	client openai.Client
	opts   Options
}

// New creates an adapter.
func New(optFns ...func(o *Options)) *Client {
	opts := Options{
		Model:          openai.ChatModelGPT4oMini,
		EmbeddingModel: string(openai.EmbeddingModelTextEmbedding3Small),
		Dimension:      1536,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Client{client: openai.NewClient(clientOpts...), opts: opts}
}

// Complete runs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.opts.Model),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("openai: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.opts.EmbeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: embedding returned no data")
	}

	raw := resp.Data[0].Embedding
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	if len(out) != c.opts.Dimension {
		return nil, fmt.Errorf("openai: embedding dimension %d, expected %d", len(out), c.opts.Dimension)
	}
	return out, nil
}

// Dim returns the configured embedding dimension.
func (c *Client) Dim() int {
	return c.opts.Dimension
}
