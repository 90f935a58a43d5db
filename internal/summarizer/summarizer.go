// Package summarizer defines the Summarizer collaborator contract (spec
// §6.2) and a dependency-free extractive fallback. Provider-backed
// implementations live in the anthropic/openai/google/ollama
// subpackages, grounded in the teacher's pkg/agent/internal/llmimpl
// clients but narrowed from the teacher's full tool-calling Complete() to
// a single text-in/text-out summarization call.
package summarizer

import (
	"context"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
)

// Request is the caller-supplied shape for Summarize. Messages holds
// already-flattened lines - either canonical message bodies (leaf tier) or
// leaf summary bodies (condensed tier); the Summarizer never needs to know
// which tier it is serving.
type Request struct {
	Messages           []string
	TargetTokens        int
	CustomInstructions string
}

// Result is the successful Summarize return shape.
type Result struct {
	SummaryText  string
	TokensBefore int64
}

// Summarizer produces a summary of Request.Messages within Request.
// TargetTokens. Implementations must not mutate or persist any LCM state
// (spec §6.2) - they are pure text-in/text-out. The caller sets ctx's
// deadline (the compaction engine applies its own fixed per-call timeout);
// a Summarizer only needs to respect ctx.Done().
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (Result, error)
}

// AsFailure normalizes ctx cancellation into the timeout sub-kind and
// anything else into the error sub-kind, per spec §6.2's two failure
// shapes. Provider-backed Summarizers wrap every SDK error through this.
func AsFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &lcmerrors.SummarizerFailure{Kind: lcmerrors.SummarizerTimeout, Message: ctx.Err().Error()}
	}
	return &lcmerrors.SummarizerFailure{Kind: lcmerrors.SummarizerError, Message: err.Error()}
}
