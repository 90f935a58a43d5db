package lcm

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-lcm/lcm/internal/compaction"
	"github.com/maestro-lcm/lcm/internal/convstore"
	"github.com/maestro-lcm/lcm/internal/lcmconfig"
	"github.com/maestro-lcm/lcm/internal/summarizer"
)

func newTestFacade(t *testing.T, cfg lcmconfig.Config) *Engine {
	t.Helper()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "lcm.sqlite")
	e := New(cfg, summarizer.Deterministic{}, nil)
	t.Cleanup(func() { _ = e.Dispose() })
	return e
}

// TestIngestRoundtrip implements spec §8 scenario 1: ingesting 4 messages
// returns them from listMessages in ordinal order, and getContextItems
// returns 4 message-type items in the same order.
func TestIngestRoundtrip(t *testing.T) {
	cfg := lcmconfig.Defaults()
	e := newTestFacade(t, cfg)
	ctx := context.Background()

	turns := []struct {
		role convstore.Role
		text string
	}{
		{convstore.RoleUser, "hi"},
		{convstore.RoleAssistant, "hello"},
		{convstore.RoleTool, "result"},
		{convstore.RoleAssistant, "done"},
	}
	for _, turn := range turns {
		res, err := e.Ingest(ctx, IngestInput{SessionID: "conv-a", Message: Message{Role: turn.role, ContentText: turn.text}})
		require.NoError(t, err)
		assert.True(t, res.Ingested)
	}

	store, err := e.GetConversationStore()
	require.NoError(t, err)

	msgs, err := store.ListMessages(ctx, convstore.ListMessagesParams{ConversationID: "conv-a"})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, turn := range turns {
		assert.Equal(t, int64(i), msgs[i].Ordinal)
		assert.Equal(t, turn.text, msgs[i].ContentText)
	}

	items, err := store.GetContextItems(ctx, convstore.GetContextItemsParams{ConversationID: "conv-a"})
	require.NoError(t, err)
	require.Len(t, items, 4)
	for _, item := range items {
		assert.Equal(t, convstore.ItemMessage, item.ItemType)
	}
}

// TestIngestHeartbeatSkipsPersistence verifies a heartbeat turn never
// creates a message row.
func TestIngestHeartbeatSkipsPersistence(t *testing.T) {
	e := newTestFacade(t, lcmconfig.Defaults())
	ctx := context.Background()

	res, err := e.Ingest(ctx, IngestInput{SessionID: "conv-a", IsHeartbeat: true, Message: Message{Role: convstore.RoleUser, ContentText: "ping"}})
	require.NoError(t, err)
	assert.False(t, res.Ingested)

	store, err := e.GetConversationStore()
	require.NoError(t, err)
	items, err := store.GetContextItems(ctx, convstore.GetContextItemsParams{ConversationID: "conv-a"})
	require.NoError(t, err)
	assert.Empty(t, items)
}

// TestCompactThenAssembleReturnsTailAndSummary implements spec §8 scenario
// 2 end to end through the facade: compacting 12 long messages under a
// 1000-token budget leaves a leaf summary plus the fresh tail, and a
// subsequent Assemble at the same budget surfaces both.
func TestCompactThenAssembleReturnsTailAndSummary(t *testing.T) {
	cfg := lcmconfig.Defaults()
	cfg.FreshTailCount = 2
	cfg.LeafBatchSize = 10
	e := newTestFacade(t, cfg)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, err := e.Ingest(ctx, IngestInput{SessionID: "conv-a", Message: Message{Role: convstore.RoleUser, ContentText: strings.Repeat("a", 800)}})
		require.NoError(t, err)
	}

	compactResult, err := e.Compact(ctx, CompactInput{SessionID: "conv-a", CompactionTarget: compaction.TargetBudget, TokenBudget: 1000})
	require.NoError(t, err)
	assert.True(t, compactResult.Compacted)

	asm, err := e.Assemble(ctx, AssembleInput{SessionID: "conv-a", TokenBudget: 1000})
	require.NoError(t, err)
	assert.Len(t, asm.Messages, 3) // 1 summary + 2 fresh-tail messages
}

// TestAssemblePassesThroughWhenDisabled verifies a disabled engine returns
// the caller's own messages rather than resolving storage.
func TestAssemblePassesThroughWhenDisabled(t *testing.T) {
	cfg := lcmconfig.Defaults()
	cfg.Enabled = false
	e := newTestFacade(t, cfg)
	ctx := context.Background()

	asm, err := e.Assemble(ctx, AssembleInput{
		SessionID: "conv-a",
		Messages:  []Message{{Role: convstore.RoleUser, ContentText: "hello"}},
	})
	require.NoError(t, err)
	require.Len(t, asm.Messages, 1)
	assert.Equal(t, "hello", asm.Messages[0].Content[0].Text)
}
