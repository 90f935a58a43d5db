// Package openai is a Summarizer backed by the OpenAI Responses API,
// narrowed from the teacher's
// pkg/agent/internal/llmimpl/openaiofficial.OfficialClient.Complete down to
// a single text-in/text-out summarization call.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
	"github.com/maestro-lcm/lcm/internal/summarizer"
)

const defaultModel = "gpt-4o-mini"

// Client implements summarizer.Summarizer against the OpenAI API.
type Client struct {
	client openai.Client
	model  string
}

// New builds a Client. model defaults to a cheap, fast tier since
// summarization is a background task, not the primary conversation.
func New(apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{client: openai.NewClient(option.WithAPIKey(apiKey)), model: model}
}

func (c *Client) Summarize(ctx context.Context, req summarizer.Request) (summarizer.Result, error) {
	prompt := buildPrompt(req)

	resp, err := c.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(req.TargetTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
	})
	if err != nil {
		return summarizer.Result{}, fmt.Errorf("openai summarize: %w", summarizer.AsFailure(ctx, err))
	}
	if resp == nil {
		return summarizer.Result{}, fmt.Errorf("openai summarize: %w", &lcmerrors.SummarizerFailure{
			Kind: lcmerrors.SummarizerError, Message: "empty response",
		})
	}

	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return summarizer.Result{}, fmt.Errorf("openai summarize: %w", &lcmerrors.SummarizerFailure{
			Kind: lcmerrors.SummarizerError, Message: "empty output text",
		})
	}

	return summarizer.Result{SummaryText: text}, nil
}

func buildPrompt(req summarizer.Request) string {
	var b strings.Builder
	b.WriteString("You write terse, factual summaries of conversation history for an AI agent's own future context. Output only the summary text, no preamble.\n\n")
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
