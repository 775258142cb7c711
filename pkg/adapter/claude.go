package adapter

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
)

// ClaudeClient is a text generation backend on the Anthropic Messages API
type ClaudeClient struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

var _ interfaces.LLMClient = (*ClaudeClient)(nil)

type ClaudeOption func(*ClaudeClient)

func WithClaudeModel(model string) ClaudeOption {
	return func(c *ClaudeClient) {
		c.model = model
	}
}

func WithClaudeMaxTokens(n int64) ClaudeOption {
	return func(c *ClaudeClient) {
		c.maxTokens = n
	}
}

// NewClaude creates a new Claude API client
func NewClaude(apiKey string, opts ...ClaudeOption) *ClaudeClient {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	c := &ClaudeClient{
		client:    &client,
		model:     "claude-sonnet-4-5",
		maxTokens: 4096,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete generates a text for prompt. The Messages API has no response
// schema parameter, so a schema option is appended to the system prompt and
// the caller validates the answer.
func (c *ClaudeClient) Complete(ctx context.Context, prompt string, opts ...interfaces.CompleteOption) (string, error) {
	options := interfaces.NewCompleteOptions(opts...)

	system := options.System
	if options.Schema != nil {
		raw, err := json.Marshal(options.Schema)
		if err != nil {
			return "", goerr.Wrap(err, "failed to marshal response schema")
		}
		system = strings.TrimSpace(system + "\n\nRespond with only a JSON value conforming to this JSON Schema, without any other text:\n" + string(raw))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if options.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*options.Temperature))
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", goerr.Wrap(err, "failed to call claude messages API", goerr.V("model", c.model))
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", goerr.New("no text in claude response", goerr.V("model", c.model), goerr.V("stop_reason", msg.StopReason))
	}
	return b.String(), nil
}
