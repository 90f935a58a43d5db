package convstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
	"github.com/maestro-lcm/lcm/internal/logx"
	"github.com/maestro-lcm/lcm/internal/storage"
	"github.com/maestro-lcm/lcm/internal/tokenest"
)

// Store is the Conversation Store: a typed API over a storage.Backend.
// Mirrors the teacher's DatabaseOperations, but scoped to one conversation
// graph (conversations/messages/parts/context items/lineage) rather than
// specs/stories.
type Store struct {
	backend   *storage.Backend
	estimator tokenest.Estimator
	log       *logx.Logger
}

// New builds a Store over backend. estimator is used only to fill
// TokenEstimate on inserted context items when the caller doesn't supply
// one; pass tokenest.CharDiv4{} for the documented default.
func New(backend *storage.Backend, estimator tokenest.Estimator) *Store {
	return &Store{backend: backend, estimator: estimator, log: logx.NewLogger("lcm.convstore")}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// EnsureConversation creates the conversation row on first use and is a
// no-op (besides bumping updatedAtMs) thereafter, per spec §3 "Created on
// first ingest. Never deleted by the core."
func (s *Store) EnsureConversation(ctx context.Context, conversationID, sessionID, channel string) (Conversation, error) {
	var conv Conversation
	err := s.backend.WithTx(ctx, storage.TxImmediate, func(q storage.Querier) error {
		row := q.QueryRowContext(ctx, `SELECT id, session_id, channel, created_at_ms, updated_at_ms FROM lcm_conversations WHERE id = ?`, conversationID)
		var channelVal sql.NullString
		err := row.Scan(&conv.ID, &conv.SessionID, &channelVal, &conv.CreatedAtMs, &conv.UpdatedAtMs)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			now := nowMs()
			conv = Conversation{ID: conversationID, SessionID: sessionID, Channel: channel, CreatedAtMs: now, UpdatedAtMs: now}
			_, err := q.ExecContext(ctx, `INSERT INTO lcm_conversations (id, session_id, channel, created_at_ms, updated_at_ms) VALUES (?, ?, ?, ?, ?)`,
				conv.ID, conv.SessionID, nullableString(conv.Channel), conv.CreatedAtMs, conv.UpdatedAtMs)
			return err
		case err != nil:
			return err
		default:
			conv.Channel = channelVal.String
			return nil
		}
	})
	return conv, err
}

func (s *Store) touchConversation(ctx context.Context, q storage.Querier, conversationID string, atMs int64) error {
	_, err := q.ExecContext(ctx, `UPDATE lcm_conversations SET updated_at_ms = ? WHERE id = ?`, atMs, conversationID)
	return err
}

// GetConversation returns a single conversation, or lcmerrors.ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	var channel sql.NullString
	row := s.backend.DB().QueryRowContext(ctx, `SELECT id, session_id, channel, created_at_ms, updated_at_ms FROM lcm_conversations WHERE id = ?`, conversationID)
	if err := row.Scan(&conv.ID, &conv.SessionID, &channel, &conv.CreatedAtMs, &conv.UpdatedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, lcmerrors.ErrNotFound
		}
		return Conversation{}, fmt.Errorf("convstore: get conversation %s: %w", conversationID, err)
	}
	conv.Channel = channel.String
	return conv, nil
}

// ListConversations returns every known conversation, most recently active
// first; used by the diagnostic CLI.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.backend.DB().QueryContext(ctx, `SELECT id, session_id, channel, created_at_ms, updated_at_ms FROM lcm_conversations ORDER BY updated_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("convstore: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var channel sql.NullString
		if err := rows.Scan(&c.ID, &c.SessionID, &channel, &c.CreatedAtMs, &c.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("convstore: scan conversation: %w", err)
		}
		c.Channel = channel.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
