package lcm

import (
	"context"

	"github.com/maestro-lcm/lcm/internal/compaction"
)

// Compact runs the Compaction Engine against one conversation (spec §4.9,
// §6.1). CurrentTokenCount and SessionFile are accepted for call-shape
// parity with the host runtime's contract but are not trusted inputs: the
// engine always re-derives the active token count from storage itself.
func (e *Engine) Compact(ctx context.Context, in CompactInput) (compaction.Result, error) {
	if err := e.ensureOpen(); err != nil {
		return compaction.Result{}, err
	}
	if !e.cfg.Enabled {
		return compaction.Result{OK: true, Compacted: false, Reason: "disabled"}, nil
	}

	target := in.CompactionTarget
	if target == "" {
		target = compaction.TargetThreshold
	}

	e.rememberBudget(in.SessionID, in.TokenBudget)
	return e.compactor.Compact(ctx, compaction.Input{
		ConversationID:     in.SessionID,
		Target:             target,
		TokenBudget:        in.TokenBudget,
		CustomInstructions: in.CustomInstructions,
		DryRun:             in.DryRun,
	})
}
