// Package tokenest provides the pluggable token estimator used by
// compaction, retrieval, and assembly for all budget math (spec §4.2).
// Implementations must be deterministic, monotone non-decreasing in input
// length, and free of side effects; swapping estimators must never change
// what is stored.
package tokenest

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator is injected wherever token budgets are computed.
type Estimator interface {
	// EstimateText returns the estimated token count for a single string.
	EstimateText(text string) int
	// Name identifies the estimator for logging/diagnostics.
	Name() string
}

// CharDiv4 is the default, conservative heuristic: ceil(len_chars/4). It has
// no external dependency and is always available.
type CharDiv4 struct{}

func (CharDiv4) EstimateText(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func (CharDiv4) Name() string { return "char_div4" }

// TiktokenEstimator wraps github.com/tiktoken-go/tokenizer for higher
// fidelity counts. It falls back to CharDiv4 whenever the codec fails,
// exactly like the teacher's pkg/utils/tiktoken.go TokenCounter does.
type TiktokenEstimator struct {
	mu    sync.Mutex
	codec tokenizer.Codec
}

// NewTiktokenEstimator builds an estimator using the GPT-4 encoding, which
// the teacher repo uses as a reasonable approximation for non-OpenAI models
// too.
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{codec: codec}, nil
}

func (t *TiktokenEstimator) EstimateText(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.codec == nil {
		return CharDiv4{}.EstimateText(text)
	}
	count, err := t.codec.Count(text)
	if err != nil {
		return CharDiv4{}.EstimateText(text)
	}
	return count
}

func (t *TiktokenEstimator) Name() string { return "tiktoken_gpt4" }

// EstimateTexts sums the estimate of each text; convenience wrapper used by
// callers that already have a slice of parts/messages flattened to strings.
func EstimateTexts(e Estimator, texts ...string) int {
	total := 0
	for _, t := range texts {
		total += e.EstimateText(t)
	}
	return total
}
