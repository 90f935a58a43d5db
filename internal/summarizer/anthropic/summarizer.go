// Package anthropic is a Summarizer backed by the Anthropic Messages API,
// narrowed from the teacher's pkg/agent/internal/llmimpl/anthropic
// ClaudeClient.Complete (full tool-calling chat completion) down to a
// single system+user text call whose only output is a summary string.
package anthropic

import (
	"fmt"
	"strings"

	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
	"github.com/maestro-lcm/lcm/internal/summarizer"
)

// defaultModel is a fast, cheap tier - summarization runs in the
// background and never needs the conversation's primary model.
const defaultModel anthropic.Model = "claude-3-5-haiku-latest"

// Client implements summarizer.Summarizer against the Anthropic API.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New builds a Client. apiKey must be non-empty; model defaults to a fast
// Haiku tier since summarization is a cheap, latency-sensitive background
// task, not the primary conversation.
func New(apiKey string, model string) *Client {
	m := anthropic.Model(model)
	if model == "" {
		m = defaultModel
	}
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
		model:  m,
	}
}

func (c *Client) Summarize(ctx context.Context, req summarizer.Request) (summarizer.Result, error) {
	prompt := buildPrompt(req)

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(req.TargetTokens),
		System: []anthropic.TextBlockParam{{
			Text: "You write terse, factual summaries of conversation history for an AI agent's own future context. Output only the summary text, no preamble.",
			Type: "text",
		}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return summarizer.Result{}, fmt.Errorf("anthropic summarize: %w", summarizer.AsFailure(ctx, err))
	}
	if resp == nil || len(resp.Content) == 0 {
		return summarizer.Result{}, fmt.Errorf("anthropic summarize: %w", &lcmerrors.SummarizerFailure{
			Kind: lcmerrors.SummarizerError, Message: "empty response",
		})
	}

	var text strings.Builder
	for i := range resp.Content {
		if block := resp.Content[i].AsText(); block.Text != "" {
			text.WriteString(block.Text)
		}
	}

	return summarizer.Result{SummaryText: strings.TrimSpace(text.String())}, nil
}

func buildPrompt(req summarizer.Request) string {
	var b strings.Builder
	if req.CustomInstructions != "" {
		b.WriteString(req.CustomInstructions)
		b.WriteString("\n\n")
	}
	b.WriteString(fmt.Sprintf("Summarize the following %d entries in at most roughly %d tokens:\n\n", len(req.Messages), req.TargetTokens))
	for _, m := range req.Messages {
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	return b.String()
}
