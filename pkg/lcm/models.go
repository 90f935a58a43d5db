// Package lcm is the LCM Facade (spec §4.9): it wires the Storage Backend,
// Conversation Store, Compaction Engine, Context Assembler, Retrieval
// Engine, Expansion Auth Registry, and Integrity Checker into the
// ContextEngine contract a host runtime consumes (spec §6.1). It follows
// the teacher's pattern of a single top-level struct owning every
// collaborator and lazily opening its database on first use.
package lcm

import (
	"github.com/maestro-lcm/lcm/internal/assembler"
	"github.com/maestro-lcm/lcm/internal/compaction"
	"github.com/maestro-lcm/lcm/internal/convstore"
)

// Message is the caller-supplied shape for one turn passed to Ingest or
// IngestBatch, mirroring spec §6.1's `message` argument.
type Message struct {
	ID          string // optional; generated if empty
	Role        convstore.Role
	AuthorID    string
	ContentText string
	Payload     string // opaque JSON blob, round-tripped verbatim
	Parts       []convstore.MessagePart
}

// IngestInput is the caller-supplied shape for Ingest.
type IngestInput struct {
	SessionID   string
	Message     Message
	AgentID     string
	IsHeartbeat bool
}

// IngestResult is the Ingest return shape.
type IngestResult struct {
	Ingested bool
}

// IngestBatchInput is the caller-supplied shape for IngestBatch.
type IngestBatchInput struct {
	SessionID   string
	Messages    []Message
	IsHeartbeat bool
}

// IngestBatchResult is the IngestBatch return shape.
type IngestBatchResult struct {
	IngestedCount int
}

// AssembleInput is the caller-supplied shape for Assemble. Messages is
// accepted for the pass-through fallback (spec §4.9: "fall through to the
// caller's message array if configured for pass-through") but is otherwise
// ignored when the Assembler resolves the window itself.
type AssembleInput struct {
	SessionID      string
	Messages       []Message
	TokenBudget    int64
	FreshTailCount int
	EstimateOnly   bool
}

// AssembleResult is the Assemble return shape.
type AssembleResult struct {
	Messages        []assembler.AssembledMessage
	EstimatedTokens int64
	Truncated       bool
	RepairNotes     []string
}

// CompactInput is the caller-supplied shape for Compact (spec §6.1).
// SessionFile and CurrentTokenCount are accepted for contract parity with
// the host runtime's call shape; CurrentTokenCount is informational only
// (the engine re-derives the active token count from storage itself rather
// than trusting a caller-reported figure).
type CompactInput struct {
	SessionID          string
	SessionFile        string
	CurrentTokenCount  int64
	CompactionTarget   compaction.Target
	CustomInstructions string
	TokenBudget        int64
	DryRun             bool
}
