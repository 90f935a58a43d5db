// Package google is a Summarizer backed by the Gemini API, narrowed from
// the teacher's pkg/agent/internal/llmimpl/google.GeminiClient.Complete
// down to a single text-in/text-out summarization call.
package google

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
	"github.com/maestro-lcm/lcm/internal/summarizer"
)

const defaultModel = "gemini-2.0-flash"

// Client implements summarizer.Summarizer against the Gemini API. The
// genai.Client is created lazily on first use, matching the teacher's
// deferred-construction pattern (client creation needs a context, which
// New doesn't have).
type Client struct {
	apiKey string
	model  string
	client *genai.Client
}

// New builds a Client. model defaults to a fast, cheap tier since
// summarization is a background task, not the primary conversation.
func New(apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{apiKey: apiKey, model: model}
}

func (c *Client) Summarize(ctx context.Context, req summarizer.Request) (summarizer.Result, error) {
	if c.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: c.apiKey, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return summarizer.Result{}, fmt.Errorf("google summarize: build client: %w", summarizer.AsFailure(ctx, err))
		}
		c.client = client
	}

	prompt := buildPrompt(req)
	maxTokens := int32(req.TargetTokens) //nolint:gosec // bounded by lcmconfig leaf/condensed target tokens

	result, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}, Role: "user"}},
		&genai.GenerateContentConfig{MaxOutputTokens: maxTokens})
	if err != nil {
		return summarizer.Result{}, fmt.Errorf("google summarize: %w", summarizer.AsFailure(ctx, err))
	}
	if result == nil {
		return summarizer.Result{}, fmt.Errorf("google summarize: %w", &lcmerrors.SummarizerFailure{
			Kind: lcmerrors.SummarizerError, Message: "empty response",
		})
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return summarizer.Result{}, fmt.Errorf("google summarize: %w", &lcmerrors.SummarizerFailure{
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
