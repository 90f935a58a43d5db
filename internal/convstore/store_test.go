package convstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-lcm/lcm/internal/storage"
	"github.com/maestro-lcm/lcm/internal/tokenest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := storage.Open(filepath.Join(t.TempDir(), "lcm.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return New(backend, tokenest.CharDiv4{})
}

func TestIngestRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "conv-1", "sess-1", "")
	require.NoError(t, err)

	roles := []Role{RoleUser, RoleAssistant, RoleTool, RoleAssistant}
	texts := []string{"hi", "hello", "result", "done"}

	for i := range roles {
		msg, err := s.CreateMessage(ctx, CreateMessageInput{ConversationID: "conv-1", Role: roles[i], ContentText: texts[i]})
		require.NoError(t, err)
		assert.Equal(t, int64(i), msg.Ordinal)

		_, err = s.AppendContextMessage(ctx, "conv-1", msg.ID)
		require.NoError(t, err)
	}

	messages, err := s.ListMessages(ctx, ListMessagesParams{ConversationID: "conv-1"})
	require.NoError(t, err)
	require.Len(t, messages, 4)
	for i, m := range messages {
		assert.Equal(t, int64(i), m.Ordinal)
		assert.Equal(t, texts[i], m.ContentText)
	}

	items, err := s.GetContextItems(ctx, GetContextItemsParams{ConversationID: "conv-1"})
	require.NoError(t, err)
	require.Len(t, items, 4)
	for _, item := range items {
		assert.Equal(t, ItemMessage, item.ItemType)
		assert.False(t, item.Tombstoned)
	}
}

func TestCreateMessageIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureConversation(ctx, "conv-1", "sess-1", "")
	require.NoError(t, err)

	first, err := s.CreateMessage(ctx, CreateMessageInput{ID: "msg-fixed", ConversationID: "conv-1", Role: RoleUser, ContentText: "hi"})
	require.NoError(t, err)

	second, err := s.CreateMessage(ctx, CreateMessageInput{ID: "msg-fixed", ConversationID: "conv-1", Role: RoleUser, ContentText: "hi (duplicate call)"})
	require.NoError(t, err)

	assert.Equal(t, first.Ordinal, second.Ordinal)
	assert.Equal(t, first.ContentText, second.ContentText, "second call must not overwrite the canonical row")

	messages, err := s.ListMessages(ctx, ListMessagesParams{ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestAppendContextMessageIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureConversation(ctx, "conv-1", "sess-1", "")
	require.NoError(t, err)

	msg, err := s.CreateMessage(ctx, CreateMessageInput{ConversationID: "conv-1", Role: RoleUser, ContentText: "hi"})
	require.NoError(t, err)

	first, err := s.AppendContextMessage(ctx, "conv-1", msg.ID)
	require.NoError(t, err)
	second, err := s.AppendContextMessage(ctx, "conv-1", msg.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestCompactionLineageAndReplaceRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureConversation(ctx, "conv-1", "sess-1", "")
	require.NoError(t, err)

	var messageIDs []string
	var itemIDs []string
	for i := 0; i < 5; i++ {
		msg, err := s.CreateMessage(ctx, CreateMessageInput{ConversationID: "conv-1", Role: RoleUser, ContentText: "turn"})
		require.NoError(t, err)
		item, err := s.AppendContextMessage(ctx, "conv-1", msg.ID)
		require.NoError(t, err)
		messageIDs = append(messageIDs, msg.ID)
		itemIDs = append(itemIDs, item.ID)
	}

	summary, err := s.InsertSummary(ctx, InsertSummaryInput{ConversationID: "conv-1", Body: "summary of 5 turns"})
	require.NoError(t, err)

	require.NoError(t, s.LinkSummaryToMessages(ctx, "conv-1", summary.ID, messageIDs))

	tombstoned, err := s.ReplaceContextRangeWithSummary(ctx, ReplaceRangeParams{
		ConversationID: "conv-1",
		SummaryID:      summary.ID,
		StartItemID:    itemIDs[0],
		EndItemID:      itemIDs[len(itemIDs)-1],
	})
	require.NoError(t, err)
	assert.Equal(t, 5, tombstoned)

	active, err := s.GetContextItems(ctx, GetContextItemsParams{ConversationID: "conv-1"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ItemSummary, active[0].ItemType)

	all, err := s.GetContextItems(ctx, GetContextItemsParams{ConversationID: "conv-1", IncludeTombstoned: true})
	require.NoError(t, err)
	assert.Len(t, all, 6)

	sourceMessages, err := s.GetSummaryMessages(ctx, summary.ID, 0)
	require.NoError(t, err)
	require.Len(t, sourceMessages, 5)
	for i, m := range sourceMessages {
		assert.Equal(t, int64(i), m.Ordinal)
	}
}

func TestSearchMessagesAndSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureConversation(ctx, "conv-1", "sess-1", "")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, CreateMessageInput{ConversationID: "conv-1", Role: RoleUser, ContentText: "the quick brown fox"})
	require.NoError(t, err)

	found, err := s.SearchMessages(ctx, "conv-1", "brown fox", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)

	summary, err := s.InsertSummary(ctx, InsertSummaryInput{ConversationID: "conv-1", Title: "turn 1", Body: "fox jumped over the lazy dog"})
	require.NoError(t, err)
	require.NoError(t, s.LinkSummaryToMessages(ctx, "conv-1", summary.ID, []string{found[0].ID}))

	summaries, err := s.SearchSummaries(ctx, "conv-1", "lazy dog", 10, false)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, summary.ID, summaries[0].ID)
}
