package convstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SearchMessages returns canonical messages whose contentText contains
// query (case-insensitive substring), ordered by (createdAtMs, id) per the
// tie-break rule in spec §4.3. Messages have no FTS shadow table - the
// optional full-text index in spec §4.1 covers context-item title||body
// only - so this is always a LIKE scan.
func (s *Store) SearchMessages(ctx context.Context, conversationID, query string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 40
	}
	rows, err := s.backend.DB().QueryContext(ctx, `SELECT id, conversation_id, ordinal, role, author_id, content_text, payload, created_at_ms
		FROM lcm_messages
		WHERE conversation_id = ? AND content_text LIKE ? ESCAPE '\'
		ORDER BY created_at_ms ASC, id ASC LIMIT ?`,
		conversationID, likePattern(query), limit)
	if err != nil {
		return nil, fmt.Errorf("convstore: search messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		var author sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Ordinal, &role, &author, &m.ContentText, &m.Payload, &m.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("convstore: scan message: %w", err)
		}
		m.Role = Role(role)
		m.AuthorID = author.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchSummaries returns summary context items matching query, using the
// fts5 shadow table when the backend reports it available, and falling
// back to a LIKE scan over title||body otherwise (spec §4.1, §4.3).
func (s *Store) SearchSummaries(ctx context.Context, conversationID, query string, limit int, ftsAvailable bool) ([]ContextItem, error) {
	if limit <= 0 {
		limit = 40
	}
	if ftsAvailable {
		items, err := s.searchSummariesFTS(ctx, conversationID, query, limit)
		if err == nil {
			return items, nil
		}
		s.log.Warn("fts5 search failed, falling back to LIKE: %v", err)
	}
	return s.searchSummariesLike(ctx, conversationID, query, limit)
}

func (s *Store) searchSummariesFTS(ctx context.Context, conversationID, query string, limit int) ([]ContextItem, error) {
	rows, err := s.backend.DB().QueryContext(ctx, `SELECT c.id, c.conversation_id, c.source_message_id, c.item_type, c.depth, c.title, c.body, c.metadata, c.token_estimate, c.tombstoned, c.created_at_ms, c.updated_at_ms
		FROM lcm_context_items_fts f
		JOIN lcm_context_items c ON c.rowid = f.rowid
		WHERE f.lcm_context_items_fts MATCH ? AND c.conversation_id = ? AND c.item_type = 'summary'
		ORDER BY bm25(f) ASC, c.created_at_ms ASC, c.id ASC LIMIT ?`,
		ftsQuery(query), conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContextItems(rows)
}

func (s *Store) searchSummariesLike(ctx context.Context, conversationID, query string, limit int) ([]ContextItem, error) {
	rows, err := s.backend.DB().QueryContext(ctx, `SELECT id, conversation_id, source_message_id, item_type, depth, title, body, metadata, token_estimate, tombstoned, created_at_ms, updated_at_ms
		FROM lcm_context_items
		WHERE conversation_id = ? AND item_type = 'summary' AND (title LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\')
		ORDER BY created_at_ms ASC, id ASC LIMIT ?`,
		conversationID, likePattern(query), likePattern(query), limit)
	if err != nil {
		return nil, fmt.Errorf("convstore: search summaries: %w", err)
	}
	defer rows.Close()
	return scanContextItems(rows)
}

func scanContextItems(rows *sql.Rows) ([]ContextItem, error) {
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

// likePattern escapes SQL LIKE metacharacters in query and wraps it for a
// substring match.
func likePattern(query string) string {
	escaped := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_").Replace(query)
	return "%" + escaped + "%"
}

// ftsQuery quotes each whitespace-separated term so fts5 treats the query
// as a literal phrase search rather than interpreting user input as query
// syntax (column filters, NOT/OR operators).
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
