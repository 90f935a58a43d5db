package integrity

import (
	"context"
	"fmt"

	"github.com/maestro-lcm/lcm/internal/storage"
)

// Repair collects every fixable violation from a fresh Check into a
// deduplicated plan, applies it in one transaction, re-scans, and reports
// the before/after counts (spec §4.8 "repair" mode). Non-fixable violations
// are left untouched and reported back in RemainingViolations.
func (c *Checker) Repair(ctx context.Context, conversationID string) (RepairResult, error) {
	before, err := c.Check(ctx, conversationID)
	if err != nil {
		return RepairResult{}, err
	}

	plan := buildRepairPlan(before)

	applied := 0
	if len(plan) > 0 {
		err := c.backend.WithTx(ctx, storage.TxImmediate, func(q storage.Querier) error {
			for _, action := range plan {
				res, err := q.ExecContext(ctx, action.sql, action.args...)
				if err != nil {
					return fmt.Errorf("integrity: repair action %q: %w", action.sql, err)
				}
				n, _ := res.RowsAffected()
				applied += int(n)
			}
			return nil
		})
		if err != nil {
			return RepairResult{}, err
		}
	}
	c.metrics.ObserveIntegrityRepair(applied)

	after, err := c.Check(ctx, conversationID)
	if err != nil {
		return RepairResult{}, err
	}

	return RepairResult{
		PreRepairViolationCount: len(before),
		Applied:                 applied,
		RemainingViolations:     after,
	}, nil
}

type repairAction struct {
	key  string // dedup key: sql + entity id
	sql  string
	args []any
}

// buildRepairPlan converts fixable violations into SQL actions, deduplicated
// by (sql, entity) so the same row is never acted on twice in one pass
// (spec §4.8: "a deduplicated plan (keyed by SQL + params)").
func buildRepairPlan(violations []Violation) []repairAction {
	seen := map[string]bool{}
	var plan []repairAction

	add := func(a repairAction) {
		if seen[a.key] {
			return
		}
		seen[a.key] = true
		plan = append(plan, a)
	}

	for _, v := range violations {
		if !v.Fixable {
			continue
		}
		switch v.Code {
		case CodeContextItemMissingConversation:
			add(repairAction{
				key:  "delete_context_item:" + v.EntityID,
				sql:  `DELETE FROM lcm_context_items WHERE id = ?`,
				args: []any{v.EntityID},
			})
		case CodeContextItemMissingSourceMessage:
			add(repairAction{
				key:  "clear_source_message:" + v.EntityID,
				sql:  `UPDATE lcm_context_items SET source_message_id = NULL WHERE id = ?`,
				args: []any{v.EntityID},
			})
		case CodeLineageEdgeMissingContextItem:
			add(repairAction{
				key:  "delete_lineage_edge:" + v.EntityID,
				sql:  `DELETE FROM lcm_lineage_edges WHERE id = ?`,
				args: []any{v.EntityID},
			})
		}
	}
	return plan
}
