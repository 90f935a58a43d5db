package lcm

import (
	"context"

	"github.com/maestro-lcm/lcm/internal/assembler"
)

// Assemble resolves the conversation's active context items into the
// model-facing message window (spec §4.7, §4.9). The pass-through fallback
// named in spec §4.9 ("fall through to the caller's message array if
// configured for pass-through") activates only when the engine is
// disabled: a disabled engine returns the caller's own messages untouched
// rather than an empty window, so a host can toggle LCM off without
// rewriting its call site.
func (e *Engine) Assemble(ctx context.Context, in AssembleInput) (AssembleResult, error) {
	if err := e.ensureOpen(); err != nil {
		return AssembleResult{}, err
	}

	if !e.cfg.Enabled {
		return passThrough(in), nil
	}

	e.rememberBudget(in.SessionID, in.TokenBudget)
	res, err := e.assembly.Assemble(ctx, assembler.Input{
		ConversationID: in.SessionID,
		TokenBudget:    in.TokenBudget,
		FreshTailCount: in.FreshTailCount,
		EstimateOnly:   in.EstimateOnly,
	})
	if err != nil {
		return AssembleResult{}, err
	}
	return AssembleResult{
		Messages:        res.Messages,
		EstimatedTokens: res.EstimatedTokens,
		Truncated:       res.Truncated,
		RepairNotes:     res.RepairNotes,
	}, nil
}

func passThrough(in AssembleInput) AssembleResult {
	messages := make([]assembler.AssembledMessage, 0, len(in.Messages))
	var estimated int64
	for _, m := range in.Messages {
		messages = append(messages, assembler.AssembledMessage{
			Role:    m.Role,
			Content: []assembler.ContentBlock{{Kind: assembler.BlockText, Text: m.ContentText}},
		})
		estimated += int64(len(m.ContentText)) / 4
	}
	return AssembleResult{Messages: messages, EstimatedTokens: estimated}
}
