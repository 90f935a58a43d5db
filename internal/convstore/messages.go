package convstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
	"github.com/maestro-lcm/lcm/internal/storage"
)

// CreateMessageInput is the caller-supplied shape for CreateMessage; Ordinal
// is assigned by the store (next contiguous value for the conversation),
// not by the caller, so invariant I1 can never be violated by a bad input.
type CreateMessageInput struct {
	ID             string // optional; generated if empty
	ConversationID string
	Role           Role
	AuthorID       string
	ContentText    string
	Payload        string
}

// CreateMessage idempotently inserts one canonical message, assigning the
// next contiguous ordinal for its conversation (spec §4.3, invariants
// I1-I3). Calling it twice with the same ID returns the existing row
// unchanged rather than erroring or reassigning an ordinal.
func (s *Store) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if in.ConversationID == "" {
		return Message{}, fmt.Errorf("%w: conversationId is required", lcmerrors.ErrInvalidInput)
	}
	if in.ID == "" {
		in.ID = NewID()
	}

	var msg Message
	err := s.backend.WithTx(ctx, storage.TxImmediate, func(q storage.Querier) error {
		existing, err := s.getMessageByID(ctx, q, in.ID)
		if err == nil {
			msg = existing
			return nil
		}
		if !errors.Is(err, lcmerrors.ErrNotFound) {
			return err
		}

		ordinal, err := s.nextOrdinal(ctx, q, in.ConversationID)
		if err != nil {
			return err
		}

		now := nowMs()
		msg = Message{
			ID:             in.ID,
			ConversationID: in.ConversationID,
			Ordinal:        ordinal,
			Role:           in.Role,
			AuthorID:       in.AuthorID,
			ContentText:    in.ContentText,
			Payload:        defaultJSON(in.Payload),
			CreatedAtMs:    now,
		}
		_, err = q.ExecContext(ctx, `INSERT INTO lcm_messages
			(id, conversation_id, ordinal, role, author_id, content_text, payload, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, ordinal) DO NOTHING`,
			msg.ID, msg.ConversationID, msg.Ordinal, string(msg.Role), nullableString(msg.AuthorID), msg.ContentText, msg.Payload, msg.CreatedAtMs)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		// Another writer may have raced us onto the same ordinal between
		// nextOrdinal() and the INSERT above (both held inside the same
		// IMMEDIATE transaction, so this only happens across retries);
		// re-read by id to pick up whichever row actually won.
		final, err := s.getMessageByID(ctx, q, in.ID)
		if err != nil {
			return err
		}
		msg = final

		return s.touchConversation(ctx, q, in.ConversationID, now)
	})
	return msg, err
}

func (s *Store) nextOrdinal(ctx context.Context, q storage.Querier, conversationID string) (int64, error) {
	row := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal), -1) + 1 FROM lcm_messages WHERE conversation_id = ?`, conversationID)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("next ordinal: %w", err)
	}
	return next, nil
}

func (s *Store) getMessageByID(ctx context.Context, q storage.Querier, id string) (Message, error) {
	row := q.QueryRowContext(ctx, `SELECT id, conversation_id, ordinal, role, author_id, content_text, payload, created_at_ms
		FROM lcm_messages WHERE id = ?`, id)
	var msg Message
	var role string
	var author sql.NullString
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Ordinal, &role, &author, &msg.ContentText, &msg.Payload, &msg.CreatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, lcmerrors.ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	msg.Role = Role(role)
	msg.AuthorID = author.String
	return msg, nil
}

// CreateMessageParts inserts parts for messageID, sorted by PartIndex,
// insert-if-absent keyed by (messageId, partIndex) (spec §4.3, invariants
// I4-I5).
func (s *Store) CreateMessageParts(ctx context.Context, messageID string, parts []MessagePart) error {
	sorted := append([]MessagePart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartIndex < sorted[j].PartIndex })

	return s.backend.WithTx(ctx, storage.TxImmediate, func(q storage.Querier) error {
		for _, p := range sorted {
			if p.ID == "" {
				p.ID = NewID()
			}
			now := nowMs()
			_, err := q.ExecContext(ctx, `INSERT INTO lcm_message_parts
				(id, message_id, part_index, kind, mime_type, text_content, blob_path, token_count, payload, created_at_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(message_id, part_index) DO NOTHING`,
				p.ID, messageID, p.PartIndex, string(p.Kind), nullableString(p.MimeType), p.TextContent,
				nullableString(p.BlobPath), p.TokenCount, defaultJSON(p.Payload), now)
			if err != nil {
				return fmt.Errorf("insert message part %d: %w", p.PartIndex, err)
			}
		}
		return nil
	})
}

// GetMessageParts returns the parts of one message ordered by PartIndex.
func (s *Store) GetMessageParts(ctx context.Context, messageID string) ([]MessagePart, error) {
	rows, err := s.backend.DB().QueryContext(ctx, `SELECT id, message_id, part_index, kind, mime_type, text_content, blob_path, token_count, payload, created_at_ms
		FROM lcm_message_parts WHERE message_id = ? ORDER BY part_index ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("convstore: get message parts: %w", err)
	}
	defer rows.Close()

	var out []MessagePart
	for rows.Next() {
		var p MessagePart
		var kind string
		var mime, blobPath sql.NullString
		if err := rows.Scan(&p.ID, &p.MessageID, &p.PartIndex, &kind, &mime, &p.TextContent, &blobPath, &p.TokenCount, &p.Payload, &p.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("convstore: scan message part: %w", err)
		}
		p.Kind = PartKind(kind)
		p.MimeType = mime.String
		p.BlobPath = blobPath.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListMessagesParams configures ListMessages.
type ListMessagesParams struct {
	ConversationID string
	MessageIDs     []string // optional filter
	Limit          int
	Descending     bool
}

// ListMessages returns canonical messages in ordinal order (or reverse),
// per spec §4.3.
func (s *Store) ListMessages(ctx context.Context, p ListMessagesParams) ([]Message, error) {
	order := "ASC"
	if p.Descending {
		order = "DESC"
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := fmt.Sprintf(`SELECT id, conversation_id, ordinal, role, author_id, content_text, payload, created_at_ms
		FROM lcm_messages WHERE conversation_id = ?`+idFilterClause(len(p.MessageIDs))+` ORDER BY ordinal %s LIMIT ?`, order)

	args := []any{p.ConversationID}
	for _, id := range p.MessageIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.backend.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("convstore: list messages: %w", err)
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

// ListMessagesByIDs returns messages matching any of ids, ordered by
// ordinal, regardless of which conversation they belong to. Used by
// GetSummaryMessages, where lineage traversal has already scoped the ids to
// one conversation's messages.
func (s *Store) ListMessagesByIDs(ctx context.Context, ids []string, limit int) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1000
	}

	query := `SELECT id, conversation_id, ordinal, role, author_id, content_text, payload, created_at_ms
		FROM lcm_messages WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY ordinal ASC LIMIT ?`
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.backend.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("convstore: list messages by ids: %w", err)
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

func idFilterClause(n int) string {
	if n == 0 {
		return ""
	}
	placeholders := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',') //nolint:staticcheck // byte append is clearer than strings.Builder here
		}
		placeholders = append(placeholders, '?')
	}
	return " AND id IN (" + string(placeholders) + ")"
}

func defaultJSON(payload string) string {
	if payload == "" {
		return "{}"
	}
	return payload
}
