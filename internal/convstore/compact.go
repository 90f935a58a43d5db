package convstore

import (
	"context"
	"fmt"

	"github.com/maestro-lcm/lcm/internal/storage"
)

// CompactionInput describes one atomic compaction write: insert a new
// summary context item, edge it to its sources, and tombstone those
// sources, all inside a single transaction (spec §4.4, §5's failure
// isolation rule - "summarize outside the transaction, one transaction for
// edges+tombstones+summary row").
//
// Exactly one of SourceMessageIDs or SourceItemIDs should be set:
// SourceMessageIDs for a leaf summary over raw conversation entries (each
// gets its ctxmsg_* pointer item ensured, then edged), SourceItemIDs for a
// condensed summary over existing leaf summaries (edged directly).
type CompactionInput struct {
	ConversationID string
	SummaryID      string // optional; generated if empty
	Title          string
	Body           string
	Depth          int
	Metadata       string
	TokenEstimate  int64 // optional; estimated from Body if zero

	ParentRelation   Relation
	SourceMessageIDs []string
	SourceItemIDs    []string
}

// CompactionResult reports what CommitCompaction wrote.
type CompactionResult struct {
	Summary    ContextItem
	Tombstoned int // sources this call itself flipped to tombstoned; a racing compaction may have already claimed some
}

// CommitCompaction inserts in.SummaryID, records a ParentRelation edge from
// every named source to it, records a `compacted` edge from every named
// source to it, and tombstones every named source - all in one
// transaction. Edges are recorded for every source regardless of whether
// this call or a racing compaction actually flips its tombstone flag, so
// the summary always ends up with >=1 incoming edge (I11) as long as the
// caller passes a non-empty source list.
func (s *Store) CommitCompaction(ctx context.Context, in CompactionInput) (CompactionResult, error) {
	if in.SummaryID == "" {
		in.SummaryID = NewID()
	}
	if len(in.SourceMessageIDs) == 0 && len(in.SourceItemIDs) == 0 {
		return CompactionResult{}, fmt.Errorf("commit compaction: no sources named for summary %s", in.SummaryID)
	}
	tokens := in.TokenEstimate
	if tokens == 0 {
		tokens = int64(s.estimator.EstimateText(in.Body))
	}

	var result CompactionResult
	err := s.backend.WithTx(ctx, storage.TxImmediate, func(q storage.Querier) error {
		now := nowMs()

		// Resolve every source to its context-item id before inserting the
		// summary row, so the summary's own CreatedAtMs can be anchored just
		// after its newest source (max(sourceCreatedAtMs)+1) instead of
		// wall-clock now. GetContextItems orders active items by
		// (createdAtMs, id) (I8); anchoring to wall-clock time would sort a
		// leaf summary of old messages after unrelated, still-active items
		// that merely happen to have been ingested earlier in the same
		// millisecond window, corrupting Assemble's chronological output.
		// Anchoring to the newest source still keeps every summary younger
		// than its sources, preserving the parent-older/child-newer cycle
		// check (spec §9).
		var targets []string
		anchor := int64(0)
		for _, messageID := range in.SourceMessageIDs {
			pointer, err := s.appendContextMessageTx(ctx, q, in.ConversationID, messageID)
			if err != nil {
				return err
			}
			targets = append(targets, pointer.ID)
			if pointer.CreatedAtMs > anchor {
				anchor = pointer.CreatedAtMs
			}
		}
		for _, id := range in.SourceItemIDs {
			source, err := s.getContextItemTx(ctx, q, id)
			if err != nil {
				return fmt.Errorf("commit compaction: source item %s: %w", id, err)
			}
			targets = append(targets, id)
			if source.CreatedAtMs > anchor {
				anchor = source.CreatedAtMs
			}
		}
		anchor++

		summary := ContextItem{
			ID:             in.SummaryID,
			ConversationID: in.ConversationID,
			ItemType:       ItemSummary,
			Depth:          in.Depth,
			Title:          in.Title,
			Body:           in.Body,
			Metadata:       in.Metadata,
			TokenEstimate:  tokens,
			CreatedAtMs:    anchor,
			UpdatedAtMs:    anchor,
		}
		if err := s.insertContextItemTx(ctx, q, summary); err != nil {
			return err
		}

		for _, id := range targets {
			if err := s.insertLineageEdgeTx(ctx, q, in.ConversationID, id, in.SummaryID, in.ParentRelation, ""); err != nil {
				return err
			}
			res, err := q.ExecContext(ctx, `UPDATE lcm_context_items SET tombstoned = 1, updated_at_ms = ? WHERE id = ? AND tombstoned = 0`, now, id)
			if err != nil {
				return fmt.Errorf("commit compaction: tombstone %s: %w", id, err)
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				result.Tombstoned++
			}
			if err := s.insertLineageEdgeTx(ctx, q, in.ConversationID, id, in.SummaryID, RelationCompacted, ""); err != nil {
				return err
			}
		}

		result.Summary = summary
		return nil
	})
	return result, err
}
