// Package anthropic adapts the Anthropic Messages API to llm.LLM.
// Anthropic has no embeddings endpoint, so pair this with an
// OpenAI-compatible embedder.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Options configures the adapter.
type Options struct {
	APIKey    string
	Model     anthropic.Model
	MaxTokens int64
}

// Client implements llm.LLM over the official SDK.
type Client struct {
	client anthropic.Client
	opts   Options
}

// New creates an adapter.
func New(optFns ...func(o *Options)) *Client {
	opts := Options{
		Model:     anthropic.ModelClaudeSonnet4_0,
		MaxTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	return &Client{client: anthropic.NewClient(clientOpts...), opts: opts}
}

// Complete runs a non-streaming message and concatenates the text
// blocks of the reply.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.opts.Model,
		MaxTokens: c.opts.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: message: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
