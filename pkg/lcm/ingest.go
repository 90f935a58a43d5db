package lcm

import (
	"context"

	"github.com/maestro-lcm/lcm/internal/compaction"
	"github.com/maestro-lcm/lcm/internal/convstore"
)

// Ingest stores one raw message, its parts, and its context-item pointer
// (spec §4.9). A heartbeat turn is never persisted: it exists only to keep
// a host's event loop alive and carries no durable conversation content.
func (e *Engine) Ingest(ctx context.Context, in IngestInput) (IngestResult, error) {
	if err := e.ensureOpen(); err != nil {
		return IngestResult{}, err
	}
	if !e.cfg.Enabled || in.IsHeartbeat {
		return IngestResult{Ingested: false}, nil
	}

	if _, err := e.store.EnsureConversation(ctx, in.SessionID, in.SessionID, in.AgentID); err != nil {
		return IngestResult{}, err
	}
	if err := e.ingestOne(ctx, in.SessionID, in.Message); err != nil {
		return IngestResult{}, err
	}

	e.autocompactIfNeeded(ctx, in.SessionID)
	return IngestResult{Ingested: true}, nil
}

// IngestBatch ingests every message in order, preserving ordinal assignment
// order via the store's writer lock (spec §5 "ordinal values are strictly
// increasing").
func (e *Engine) IngestBatch(ctx context.Context, in IngestBatchInput) (IngestBatchResult, error) {
	if err := e.ensureOpen(); err != nil {
		return IngestBatchResult{}, err
	}
	if !e.cfg.Enabled || in.IsHeartbeat {
		return IngestBatchResult{}, nil
	}

	if _, err := e.store.EnsureConversation(ctx, in.SessionID, in.SessionID, ""); err != nil {
		return IngestBatchResult{}, err
	}

	count := 0
	for _, m := range in.Messages {
		if err := e.ingestOne(ctx, in.SessionID, m); err != nil {
			return IngestBatchResult{IngestedCount: count}, err
		}
		count++
	}

	e.autocompactIfNeeded(ctx, in.SessionID)
	return IngestBatchResult{IngestedCount: count}, nil
}

func (e *Engine) ingestOne(ctx context.Context, conversationID string, m Message) error {
	msg, err := e.store.CreateMessage(ctx, convstore.CreateMessageInput{
		ID:             m.ID,
		ConversationID: conversationID,
		Role:           m.Role,
		AuthorID:       m.AuthorID,
		ContentText:    m.ContentText,
		Payload:        m.Payload,
	})
	if err != nil {
		return err
	}
	if len(m.Parts) > 0 {
		if err := e.store.CreateMessageParts(ctx, msg.ID, m.Parts); err != nil {
			return err
		}
	}
	_, err = e.store.AppendContextMessage(ctx, conversationID, msg.ID)
	return err
}

// autocompactIfNeeded runs a threshold-targeted compaction pass after
// ingest when the host has previously told this engine a token budget for
// the conversation (via a prior Assemble or Compact call) and
// autocompactDisabled is false. Ingest's own contract carries no
// tokenBudget argument, so without a remembered budget there is nothing to
// compact against and the pass is skipped silently - this resolves the
// spec's "support both [explicit and automatic] paths" note the only way
// the ingest/compact contract shapes allow.
func (e *Engine) autocompactIfNeeded(ctx context.Context, sessionID string) {
	if e.cfg.AutocompactDisabled {
		return
	}
	budget, ok := e.knownBudget(sessionID)
	if !ok {
		return
	}
	result, err := e.compactor.Compact(ctx, compaction.Input{
		ConversationID: sessionID,
		Target:         compaction.TargetThreshold,
		TokenBudget:    budget,
	})
	if err != nil {
		e.log.Error("autocompact for %s: %v", sessionID, err)
		return
	}
	if result.Compacted {
		e.log.Info("autocompact for %s: compacted", sessionID)
	}
}
