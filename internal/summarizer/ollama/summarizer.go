// Package ollama is a Summarizer backed by a local Ollama runtime,
// narrowed from the teacher's pkg/agent/internal/llmimpl/ollama.Client.
// Complete down to a single text-in/text-out summarization call. Useful
// when a host wants compaction to run entirely offline.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
	"github.com/maestro-lcm/lcm/internal/summarizer"
)

const defaultModel = "llama3.2"

// Client implements summarizer.Summarizer against a local Ollama server.
type Client struct {
	client *api.Client
	model  string
}

// New builds a Client. hostURL should be the Ollama server URL (e.g.
// "http://localhost:11434"); model defaults to a small local tier since
// summarization is a background task and should stay cheap to run on a
// laptop-class host.
func New(hostURL, model string) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil || hostURL == "" {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{client: api.NewClient(parsed, http.DefaultClient), model: model}
}

func (c *Client) Summarize(ctx context.Context, req summarizer.Request) (summarizer.Result, error) {
	prompt := buildPrompt(req)
	stream := false

	chatReq := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: "You write terse, factual summaries of conversation history for an AI agent's own future context. Output only the summary text, no preamble."},
			{Role: "user", Content: prompt},
		},
		Stream: &stream,
		Options: map[string]any{
			"num_predict": req.TargetTokens,
		},
	}

	var resp api.ChatResponse
	err := c.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return summarizer.Result{}, fmt.Errorf("ollama summarize: %w", summarizer.AsFailure(ctx, err))
	}

	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return summarizer.Result{}, fmt.Errorf("ollama summarize: %w", &lcmerrors.SummarizerFailure{
			Kind: lcmerrors.SummarizerError, Message: "empty output text",
		})
	}

	return summarizer.Result{SummaryText: text}, nil
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
