// Package assembler is the LCM Context Assembler (spec §4.7): it resolves a
// conversation's active context items into the ordered, budget-fitted
// message array a model call actually sends, protecting a fresh tail and
// normalizing provider-facing content shapes. The assembler only reads; it
// never mutates the conversation store.
package assembler

import "github.com/maestro-lcm/lcm/internal/convstore"

// BlockKind enumerates the normalized content-block shapes a provider
// expects (spec §4.7 step 5, §9's tagged content model).
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolCall   BlockKind = "tool_call"
	BlockToolResult BlockKind = "tool_result"
	BlockReasoning  BlockKind = "reasoning"
	BlockImage      BlockKind = "image"
)

// ContentBlock is one normalized unit of a message's content array.
type ContentBlock struct {
	Kind       BlockKind
	Text       string
	ToolCallID string
	ToolName   string
	MimeType   string
}

// AssembledMessage is one model-facing turn.
type AssembledMessage struct {
	Role    convstore.Role
	Content []ContentBlock

	// SourceItemID traces this message back to the context item it was
	// resolved from, so the sanitizer can reason about window boundaries
	// and callers can log what was actually sent.
	SourceItemID string
}

// Input configures one Assemble call (spec §4.7, the LCM Facade's
// assemble({sessionId, messages[], tokenBudget?}) contract).
type Input struct {
	ConversationID string
	// TokenBudget is the target size of the assembled window. Zero means
	// unbounded: return every active item plus the fresh tail, untrimmed.
	TokenBudget int64
	// FreshTailCount overrides the configured fresh-tail size for this call;
	// zero means use the engine's configured default.
	FreshTailCount int
	// EstimateOnly skips building the message array and content-block
	// normalization, returning only the token accounting a full Assemble
	// would have produced. Useful for a host deciding whether to compact
	// before it bears the cost of resolving message bodies.
	EstimateOnly bool
}

// Result is the outcome of an Assemble call.
type Result struct {
	Messages        []AssembledMessage
	EstimatedTokens int64
	// Truncated is true when the evictable prefix did not entirely fit and
	// some active items were dropped to stay within TokenBudget.
	Truncated bool
	// RepairNotes records sanitizer actions taken (e.g. an orphaned
	// tool_result dropped at a window boundary).
	RepairNotes []string
}
