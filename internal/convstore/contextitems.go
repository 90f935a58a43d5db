package convstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
	"github.com/maestro-lcm/lcm/internal/storage"
)

// AppendContextMessage idempotently inserts the pointer context item
// wrapping messageID into conversationID's active chain, keyed by the
// deterministic ctxmsg_* id so repeated calls for the same
// (conversationId, messageId) return the same item (spec §4.3).
func (s *Store) AppendContextMessage(ctx context.Context, conversationID, messageID string) (ContextItem, error) {
	var item ContextItem
	err := s.backend.WithTx(ctx, storage.TxImmediate, func(q storage.Querier) error {
		built, err := s.appendContextMessageTx(ctx, q, conversationID, messageID)
		item = built
		return err
	})
	return item, err
}

func (s *Store) appendContextMessageTx(ctx context.Context, q storage.Querier, conversationID, messageID string) (ContextItem, error) {
	id := ctxMessagePointerID(conversationID, messageID)

	existing, err := s.getContextItemTx(ctx, q, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, lcmerrors.ErrNotFound) {
		return ContextItem{}, err
	}

	msg, err := s.getMessageByID(ctx, q, messageID)
	if err != nil {
		return ContextItem{}, fmt.Errorf("append context message: source message %s: %w", messageID, err)
	}

	now := nowMs()
	item := ContextItem{
		ID:              id,
		ConversationID:  conversationID,
		SourceMessageID: messageID,
		ItemType:        ItemMessage,
		Body:            msg.ContentText,
		Metadata:        "{}",
		TokenEstimate:   int64(s.estimator.EstimateText(msg.ContentText)),
		CreatedAtMs:     now,
		UpdatedAtMs:     now,
	}
	if err := s.insertContextItemTx(ctx, q, item); err != nil {
		return ContextItem{}, err
	}
	return item, nil
}

func (s *Store) insertContextItemTx(ctx context.Context, q storage.Querier, item ContextItem) error {
	_, err := q.ExecContext(ctx, `INSERT INTO lcm_context_items
		(id, conversation_id, source_message_id, item_type, depth, title, body, metadata, token_estimate, tombstoned, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		item.ID, item.ConversationID, nullableString(item.SourceMessageID), string(item.ItemType), item.Depth,
		nullableString(item.Title), item.Body, defaultJSON(item.Metadata), item.TokenEstimate, item.CreatedAtMs, item.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("insert context item %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) getContextItemTx(ctx context.Context, q storage.Querier, id string) (ContextItem, error) {
	row := q.QueryRowContext(ctx, `SELECT id, conversation_id, source_message_id, item_type, depth, title, body, metadata, token_estimate, tombstoned, created_at_ms, updated_at_ms
		FROM lcm_context_items WHERE id = ?`, id)
	return scanContextItem(row)
}

// GetContextItem returns one context item by id, or lcmerrors.ErrNotFound.
func (s *Store) GetContextItem(ctx context.Context, id string) (ContextItem, error) {
	row := s.backend.DB().QueryRowContext(ctx, `SELECT id, conversation_id, source_message_id, item_type, depth, title, body, metadata, token_estimate, tombstoned, created_at_ms, updated_at_ms
		FROM lcm_context_items WHERE id = ?`, id)
	return scanContextItem(row)
}

func scanContextItem(row *sql.Row) (ContextItem, error) {
	var item ContextItem
	var sourceMsg, title sql.NullString
	var itemType string
	var tombstoned int
	err := row.Scan(&item.ID, &item.ConversationID, &sourceMsg, &itemType, &item.Depth, &title, &item.Body,
		&item.Metadata, &item.TokenEstimate, &tombstoned, &item.CreatedAtMs, &item.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ContextItem{}, lcmerrors.ErrNotFound
	}
	if err != nil {
		return ContextItem{}, fmt.Errorf("scan context item: %w", err)
	}
	item.SourceMessageID = sourceMsg.String
	item.Title = title.String
	item.ItemType = ItemType(itemType)
	item.Tombstoned = tombstoned != 0
	return item, nil
}

// InsertSummaryInput is the caller-supplied shape for InsertSummary.
type InsertSummaryInput struct {
	ID             string // optional; generated if empty
	ConversationID string
	Title          string
	Body           string
	Depth          int
	Metadata       string
	TokenEstimate  int64 // optional; estimated from Body if zero
}

// InsertSummary idempotently inserts a summary context item keyed by ID
// (spec §4.3). Callers must follow up with LinkSummaryToMessages and/or
// LinkSummaryToParents inside the same logical operation so invariant I11
// (every summary has >=1 incoming lineage edge) holds as soon as other
// readers can see the row - in practice the compaction engine does both
// inside one outer transaction.
func (s *Store) InsertSummary(ctx context.Context, in InsertSummaryInput) (ContextItem, error) {
	if in.ID == "" {
		in.ID = NewID()
	}
	tokens := in.TokenEstimate
	if tokens == 0 {
		tokens = int64(s.estimator.EstimateText(in.Body))
	}

	var item ContextItem
	err := s.backend.WithTx(ctx, storage.TxImmediate, func(q storage.Querier) error {
		existing, err := s.getContextItemTx(ctx, q, in.ID)
		if err == nil {
			item = existing
			return nil
		}
		if !errors.Is(err, lcmerrors.ErrNotFound) {
			return err
		}

		now := nowMs()
		item = ContextItem{
			ID:             in.ID,
			ConversationID: in.ConversationID,
			ItemType:       ItemSummary,
			Depth:          in.Depth,
			Title:          in.Title,
			Body:           in.Body,
			Metadata:       in.Metadata,
			TokenEstimate:  tokens,
			CreatedAtMs:    now,
			UpdatedAtMs:    now,
		}
		return s.insertContextItemTx(ctx, q, item)
	})
	return item, err
}

func (s *Store) insertLineageEdgeTx(ctx context.Context, q storage.Querier, conversationID, parentID, childID string, relation Relation, metadata string) error {
	now := nowMs()
	_, err := q.ExecContext(ctx, `INSERT INTO lcm_lineage_edges
		(id, conversation_id, parent_item_id, child_item_id, relation, metadata, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(parent_item_id, child_item_id, relation) DO NOTHING`,
		NewID(), conversationID, parentID, childID, string(relation), defaultJSON(metadata), now)
	if err != nil {
		return fmt.Errorf("insert lineage edge %s->%s(%s): %w", parentID, childID, relation, err)
	}
	return nil
}

// LinkSummaryToMessages links summaryID to each of messageIDs via a
// `summarizes` edge, routed through each message's ctxmsg_* pointer item
// rather than the raw message row (spec §4.3). Creates the pointer item if
// it does not already exist, so leaf-summarizing a message that was never
// explicitly ingested into the active chain still works.
func (s *Store) LinkSummaryToMessages(ctx context.Context, conversationID, summaryID string, messageIDs []string) error {
	return s.backend.WithTx(ctx, storage.TxImmediate, func(q storage.Querier) error {
		for _, messageID := range messageIDs {
			pointer, err := s.appendContextMessageTx(ctx, q, conversationID, messageID)
			if err != nil {
				return err
			}
			if err := s.insertLineageEdgeTx(ctx, q, conversationID, pointer.ID, summaryID, RelationSummarizes, ""); err != nil {
				return err
			}
		}
		return nil
	})
}

// LinkSummaryToParents links summaryID (a condensed summary) to each of
// parentSummaryIDs via a `derived` edge (spec §4.3).
func (s *Store) LinkSummaryToParents(ctx context.Context, conversationID, summaryID string, parentSummaryIDs []string) error {
	return s.backend.WithTx(ctx, storage.TxImmediate, func(q storage.Querier) error {
		for _, parentID := range parentSummaryIDs {
			if err := s.insertLineageEdgeTx(ctx, q, conversationID, parentID, summaryID, RelationDerived, ""); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceRangeParams configures ReplaceContextRangeWithSummary.
type ReplaceRangeParams struct {
	ConversationID string
	SummaryID      string
	StartItemID    string
	EndItemID      string
	Metadata       string
}

// ReplaceContextRangeWithSummary tombstones every active context item whose
// createdAtMs falls within [min(start,end), max(start,end)] (excluding the
// summary itself) and records a `compacted` edge from each to summaryID, in
// one transaction (spec §4.3). Returns the number of items tombstoned.
func (s *Store) ReplaceContextRangeWithSummary(ctx context.Context, p ReplaceRangeParams) (int, error) {
	count := 0
	err := s.backend.WithTx(ctx, storage.TxImmediate, func(q storage.Querier) error {
		start, err := s.getContextItemTx(ctx, q, p.StartItemID)
		if err != nil {
			return fmt.Errorf("replace range: start item: %w", err)
		}
		end, err := s.getContextItemTx(ctx, q, p.EndItemID)
		if err != nil {
			return fmt.Errorf("replace range: end item: %w", err)
		}

		lo, hi := start.CreatedAtMs, end.CreatedAtMs
		if lo > hi {
			lo, hi = hi, lo
		}

		rows, err := q.QueryContext(ctx, `SELECT id FROM lcm_context_items
			WHERE conversation_id = ? AND tombstoned = 0 AND created_at_ms BETWEEN ? AND ? AND id != ?
			ORDER BY created_at_ms ASC, id ASC`, p.ConversationID, lo, hi, p.SummaryID)
		if err != nil {
			return fmt.Errorf("replace range: select candidates: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("replace range: scan candidate: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		now := nowMs()
		for _, id := range ids {
			res, err := q.ExecContext(ctx, `UPDATE lcm_context_items SET tombstoned = 1, updated_at_ms = ? WHERE id = ? AND tombstoned = 0`, now, id)
			if err != nil {
				return fmt.Errorf("replace range: tombstone %s: %w", id, err)
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				count++
			}
			// Insert the edge even when a racing compaction already flipped the
			// tombstone flag, so this summary still ends up with an incoming
			// edge per candidate it claims (I11) rather than only for the
			// subset it personally tombstoned.
			if err := s.insertLineageEdgeTx(ctx, q, p.ConversationID, id, p.SummaryID, RelationCompacted, p.Metadata); err != nil {
				return err
			}
		}
		count = len(ids)
		return nil
	})
	return count, err
}

// GetContextItemsParams configures GetContextItems.
type GetContextItemsParams struct {
	ConversationID    string
	IncludeTombstoned bool
	ItemTypes         []ItemType
	Limit             int
}

// GetContextItems returns context items ordered by (createdAtMs, itemId),
// the canonical active-context render order (spec §3 I8, §4.3).
func (s *Store) GetContextItems(ctx context.Context, p GetContextItemsParams) ([]ContextItem, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 10000
	}

	query := `SELECT id, conversation_id, source_message_id, item_type, depth, title, body, metadata, token_estimate, tombstoned, created_at_ms, updated_at_ms
		FROM lcm_context_items WHERE conversation_id = ?`
	args := []any{p.ConversationID}

	if !p.IncludeTombstoned {
		query += ` AND tombstoned = 0`
	}
	if len(p.ItemTypes) > 0 {
		query += ` AND item_type IN (` + placeholders(len(p.ItemTypes)) + `)`
		for _, t := range p.ItemTypes {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY created_at_ms ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.backend.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("convstore: get context items: %w", err)
	}
	defer rows.Close()

	var out []ContextItem
	for rows.Next() {
		var item ContextItem
		var sourceMsg, title sql.NullString
		var itemType string
		var tombstoned int
		if err := rows.Scan(&item.ID, &item.ConversationID, &sourceMsg, &itemType, &item.Depth, &title, &item.Body,
			&item.Metadata, &item.TokenEstimate, &tombstoned, &item.CreatedAtMs, &item.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("convstore: scan context item: %w", err)
		}
		item.SourceMessageID = sourceMsg.String
		item.Title = title.String
		item.ItemType = ItemType(itemType)
		item.Tombstoned = tombstoned != 0
		out = append(out, item)
	}
	return out, rows.Err()
}

// GetLineageParents returns the context items directly wired as parents of
// childID (i.e. the immediate sources a summary was built from), for one
// step of a retrieval-side BFS (spec §4.5 expand).
func (s *Store) GetLineageParents(ctx context.Context, childID string) ([]ContextItem, error) {
	rows, err := s.backend.DB().QueryContext(ctx, `SELECT p.id, p.conversation_id, p.source_message_id, p.item_type, p.depth, p.title, p.body, p.metadata, p.token_estimate, p.tombstoned, p.created_at_ms, p.updated_at_ms
		FROM lcm_lineage_edges e
		JOIN lcm_context_items p ON p.id = e.parent_item_id
		WHERE e.child_item_id = ?
		ORDER BY p.created_at_ms ASC, p.id ASC`, childID)
	if err != nil {
		return nil, fmt.Errorf("convstore: lineage parents of %s: %w", childID, err)
	}
	defer rows.Close()
	return scanContextItems(rows)
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}

// GetSummaryMessages returns the distinct canonical messages reachable from
// summaryID through any chain of parent context items, ordered by ordinal
// (spec §4.3). Traversal is an explicit worklist with a visited set, per
// spec §9, to bound stack use and tolerate malformed lineage without
// infinite recursion.
func (s *Store) GetSummaryMessages(ctx context.Context, summaryID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}

	visited := map[string]bool{summaryID: true}
	worklist := []string{summaryID}
	messageIDSet := map[string]bool{}

	for len(worklist) > 0 {
		current := worklist[0]
		worklist = worklist[1:]

		rows, err := s.backend.DB().QueryContext(ctx, `SELECT p.id, p.item_type, p.source_message_id
			FROM lcm_lineage_edges e
			JOIN lcm_context_items p ON p.id = e.parent_item_id
			WHERE e.child_item_id = ?`, current)
		if err != nil {
			return nil, fmt.Errorf("convstore: walk lineage: %w", err)
		}

		var parents []ContextItem
		for rows.Next() {
			var id, itemType string
			var sourceMsg sql.NullString
			if err := rows.Scan(&id, &itemType, &sourceMsg); err != nil {
				rows.Close()
				return nil, fmt.Errorf("convstore: scan lineage parent: %w", err)
			}
			parents = append(parents, ContextItem{ID: id, ItemType: ItemType(itemType), SourceMessageID: sourceMsg.String})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		for _, parent := range parents {
			if visited[parent.ID] {
				continue
			}
			visited[parent.ID] = true

			switch parent.ItemType {
			case ItemMessage:
				if parent.SourceMessageID != "" {
					messageIDSet[parent.SourceMessageID] = true
				}
			case ItemSummary:
				worklist = append(worklist, parent.ID)
			default:
				// note/artifact parents carry no further messages to collect
			}
		}
	}

	ids := make([]string, 0, len(messageIDSet))
	for id := range messageIDSet {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	return s.ListMessagesByIDs(ctx, ids, limit)
}
