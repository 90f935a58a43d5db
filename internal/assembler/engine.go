package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maestro-lcm/lcm/internal/convstore"
	"github.com/maestro-lcm/lcm/internal/lcmconfig"
	"github.com/maestro-lcm/lcm/internal/lcmerrors"
	"github.com/maestro-lcm/lcm/internal/logx"
	"github.com/maestro-lcm/lcm/internal/tokenest"
)

// Engine builds the model-facing message window for a conversation (spec
// §4.7). It only reads from the store; Assemble never mutates state.
type Engine struct {
	store     *convstore.Store
	estimator tokenest.Estimator
	cfg       lcmconfig.Config
	log       *logx.Logger
}

// New builds an Engine.
func New(store *convstore.Store, estimator tokenest.Estimator, cfg lcmconfig.Config) *Engine {
	if estimator == nil {
		estimator = tokenest.CharDiv4{}
	}
	return &Engine{store: store, estimator: estimator, cfg: cfg, log: logx.NewLogger("assembler")}
}

// partPayload is the JSON shape assembler expects in MessagePart.Payload for
// tool-bearing parts: an original role override and the tool call/result
// identity needed by the pairing sanitizer (spec §4.7 step 2, step 6).
type partPayload struct {
	Role       string `json:"role,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	IsResult   bool   `json:"isResult,omitempty"`
}

// Assemble runs the six-step algorithm from spec §4.7: fetch active items,
// resolve them into role-tagged messages, protect the fresh tail, fill the
// remaining budget from the evictable prefix oldest-first, normalize
// assistant content into block arrays (inherent to AssembledMessage's
// []ContentBlock shape here), and sanitize orphaned tool-call/tool-result
// pairs (see sanitizeToolPairing).
func (e *Engine) Assemble(ctx context.Context, in Input) (Result, error) {
	if in.ConversationID == "" {
		return Result{}, fmt.Errorf("assembler: %w: conversationId is required", lcmerrors.ErrInvalidInput)
	}

	active, err := e.store.GetContextItems(ctx, convstore.GetContextItemsParams{ConversationID: in.ConversationID})
	if err != nil {
		return Result{}, fmt.Errorf("assembler: list active items: %w", err)
	}

	freshTailCount := in.FreshTailCount
	if freshTailCount <= 0 {
		freshTailCount = e.cfg.FreshTailCount
	}
	tailStart := len(active) - freshTailCount
	if tailStart < 0 {
		tailStart = 0
	}

	kept, truncated := selectWindow(active, tailStart, in.TokenBudget)

	var estimated int64
	for _, item := range kept {
		estimated += item.TokenEstimate
	}

	if in.EstimateOnly {
		return Result{EstimatedTokens: estimated, Truncated: truncated}, nil
	}

	messages := make([]AssembledMessage, 0, len(kept))
	for _, item := range kept {
		g, err := e.resolveItem(ctx, item)
		if err != nil {
			return Result{}, err
		}
		messages = append(messages, g...)
	}

	messages, notes := sanitizeToolPairing(messages)

	return Result{
		Messages:        messages,
		EstimatedTokens: estimated,
		Truncated:       truncated,
		RepairNotes:     notes,
	}, nil
}

// selectWindow implements steps 3-4: the newest tailStart..len(active) items
// are always kept; budget==0 means unbounded (keep everything). Otherwise
// the prefix [0,tailStart) is walked newest-to-oldest, keeping items while
// the running total still fits the remaining budget, then restored to
// chronological order.
func selectWindow(active []convstore.ContextItem, tailStart int, budget int64) ([]convstore.ContextItem, bool) {
	tail := active[tailStart:]
	if budget <= 0 {
		return active, false
	}

	var tailTokens int64
	for _, item := range tail {
		tailTokens += item.TokenEstimate
	}
	remaining := budget - tailTokens
	if remaining < 0 {
		remaining = 0
	}

	prefix := active[:tailStart]
	keptReversed := make([]convstore.ContextItem, 0, len(prefix))
	var running int64
	for i := len(prefix) - 1; i >= 0; i-- {
		item := prefix[i]
		running += item.TokenEstimate
		if running > remaining {
			break
		}
		keptReversed = append(keptReversed, item)
	}
	truncated := len(keptReversed) < len(prefix)

	kept := make([]convstore.ContextItem, 0, len(keptReversed)+len(tail))
	for i := len(keptReversed) - 1; i >= 0; i-- {
		kept = append(kept, keptReversed[i])
	}
	kept = append(kept, tail...)
	return kept, truncated
}

func (e *Engine) resolveItem(ctx context.Context, item convstore.ContextItem) ([]AssembledMessage, error) {
	switch item.ItemType {
	case convstore.ItemMessage:
		return e.resolveMessageItem(ctx, item)
	case convstore.ItemSummary:
		return e.resolveSummaryItem(ctx, item)
	case convstore.ItemArtifact:
		text := fmt.Sprintf("[Artifact %s]\n%s", item.ID, item.Body)
		return []AssembledMessage{{Role: convstore.RoleUser, Content: []ContentBlock{{Kind: BlockText, Text: text}}, SourceItemID: item.ID}}, nil
	default: // note, or any future item type: render its body verbatim
		return []AssembledMessage{{Role: convstore.RoleUser, Content: []ContentBlock{{Kind: BlockText, Text: item.Body}}, SourceItemID: item.ID}}, nil
	}
}

// resolveMessageItem loads the canonical message's parts and reconstructs
// role-tagged content, splitting into one AssembledMessage per contiguous
// run of parts sharing an effective role (spec §4.7 step 2).
func (e *Engine) resolveMessageItem(ctx context.Context, item convstore.ContextItem) ([]AssembledMessage, error) {
	if item.SourceMessageID == "" {
		return []AssembledMessage{{Role: convstore.RoleUser, Content: []ContentBlock{{Kind: BlockText, Text: item.Body}}, SourceItemID: item.ID}}, nil
	}
	msgs, err := e.store.ListMessagesByIDs(ctx, []string{item.SourceMessageID}, 1)
	if err != nil {
		return nil, fmt.Errorf("assembler: load message %s: %w", item.SourceMessageID, err)
	}
	if len(msgs) == 0 {
		return []AssembledMessage{{Role: convstore.RoleUser, Content: []ContentBlock{{Kind: BlockText, Text: item.Body}}, SourceItemID: item.ID}}, nil
	}
	msg := msgs[0]

	parts, err := e.store.GetMessageParts(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("assembler: load parts for message %s: %w", msg.ID, err)
	}
	if len(parts) == 0 {
		return []AssembledMessage{{Role: msg.Role, Content: []ContentBlock{{Kind: BlockText, Text: msg.ContentText}}, SourceItemID: item.ID}}, nil
	}

	var out []AssembledMessage
	var current *AssembledMessage
	var currentRole convstore.Role
	for _, part := range parts {
		payload := decodePartPayload(part.Payload)
		role := msg.Role
		if payload.Role != "" {
			role = convstore.Role(payload.Role)
		}
		block := partToBlock(part, payload)

		if current == nil || role != currentRole {
			out = append(out, AssembledMessage{Role: role, SourceItemID: item.ID})
			current = &out[len(out)-1]
			currentRole = role
		}
		current.Content = append(current.Content, block)
	}
	return out, nil
}

func decodePartPayload(raw string) partPayload {
	var p partPayload
	if raw == "" || raw == "{}" {
		return p
	}
	_ = json.Unmarshal([]byte(raw), &p) // malformed payload degrades to default role/no tool identity, never an error
	return p
}

func partToBlock(part convstore.MessagePart, payload partPayload) ContentBlock {
	switch part.Kind {
	case convstore.PartTool:
		kind := BlockToolCall
		if payload.IsResult {
			kind = BlockToolResult
		}
		return ContentBlock{Kind: kind, Text: part.TextContent, ToolCallID: payload.ToolCallID, ToolName: payload.ToolName}
	case convstore.PartReasoning:
		return ContentBlock{Kind: BlockReasoning, Text: part.TextContent}
	case convstore.PartImage:
		return ContentBlock{Kind: BlockImage, Text: part.TextContent, MimeType: part.MimeType}
	default:
		return ContentBlock{Kind: BlockText, Text: part.TextContent}
	}
}

// resolveSummaryItem renders the fixed header format from spec §4.7 step 2,
// naming parent summaries only when present (condensed summaries have
// leaf-summary parents; leaf summaries have none).
func (e *Engine) resolveSummaryItem(ctx context.Context, item convstore.ContextItem) ([]AssembledMessage, error) {
	parents, err := e.store.GetLineageParents(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("assembler: lineage parents of %s: %w", item.ID, err)
	}

	var parentIDs []string
	for _, p := range parents {
		if p.ItemType == convstore.ItemSummary {
			parentIDs = append(parentIDs, p.ID)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Summary ID: %s]", item.ID)
	if len(parentIDs) > 0 {
		fmt.Fprintf(&b, "\n[Parent Summaries: %s]", strings.Join(parentIDs, ", "))
	}
	b.WriteString("\n\n")
	b.WriteString(item.Body)

	return []AssembledMessage{{Role: convstore.RoleUser, Content: []ContentBlock{{Kind: BlockText, Text: b.String()}}, SourceItemID: item.ID}}, nil
}

// sanitizeToolPairing implements spec §4.7 step 6: a tool_result whose
// toolCallId never appears among the window's tool_call blocks is dropped,
// and a trailing run of tool_call blocks left unanswered (the common
// windowing artifact, where the matching result fell just outside the cut)
// is dropped too, so a provider never sees a dangling half of a pair.
func sanitizeToolPairing(messages []AssembledMessage) ([]AssembledMessage, []string) {
	seenCalls := map[string]bool{}
	for _, m := range messages {
		for _, c := range m.Content {
			if c.Kind == BlockToolCall && c.ToolCallID != "" {
				seenCalls[c.ToolCallID] = true
			}
		}
	}

	var notes []string
	filtered := make([]AssembledMessage, len(messages))
	for i, m := range messages {
		kept := m.Content[:0:0]
		for _, c := range m.Content {
			if c.Kind == BlockToolResult && c.ToolCallID != "" && !seenCalls[c.ToolCallID] {
				notes = append(notes, fmt.Sprintf("dropped orphan tool_result for call %s: no matching tool_call in window", c.ToolCallID))
				continue
			}
			kept = append(kept, c)
		}
		filtered[i] = AssembledMessage{Role: m.Role, Content: kept, SourceItemID: m.SourceItemID}
	}

	answeredCalls := map[string]bool{}
	for _, m := range filtered {
		for _, c := range m.Content {
			if c.Kind == BlockToolResult && c.ToolCallID != "" {
				answeredCalls[c.ToolCallID] = true
			}
		}
	}

	// Walk backward from the trailing edge, dropping unanswered tool_calls,
	// and stop at the first message that needed no drop: an orphan call
	// deeper in the window is a genuine conversation defect, not a
	// windowing artifact, and sanitization should leave it visible.
	for i := len(filtered) - 1; i >= 0; i-- {
		m := filtered[i]
		kept := m.Content[:0:0]
		droppedAny := false
		for _, c := range m.Content {
			if c.Kind == BlockToolCall && c.ToolCallID != "" && !answeredCalls[c.ToolCallID] {
				notes = append(notes, fmt.Sprintf("dropped orphan tool_call %s at trailing edge: no matching tool_result in window", c.ToolCallID))
				droppedAny = true
				continue
			}
			kept = append(kept, c)
		}
		filtered[i] = AssembledMessage{Role: m.Role, Content: kept, SourceItemID: m.SourceItemID}
		if !droppedAny {
			break
		}
	}

	out := filtered[:0]
	for _, m := range filtered {
		if len(m.Content) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out, notes
}
