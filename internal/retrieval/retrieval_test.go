package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-lcm/lcm/internal/convstore"
	"github.com/maestro-lcm/lcm/internal/expauth"
	"github.com/maestro-lcm/lcm/internal/lcmerrors"
	"github.com/maestro-lcm/lcm/internal/metrics"
	"github.com/maestro-lcm/lcm/internal/storage"
	"github.com/maestro-lcm/lcm/internal/tokenest"
)

func intPtr(v int) *int { return &v }

func newTestEngine(t *testing.T, registry *expauth.Registry) (*Engine, *convstore.Store) {
	t.Helper()
	backend, err := storage.Open(filepath.Join(t.TempDir(), "lcm.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	store := convstore.New(backend, tokenest.CharDiv4{})
	return New(store, backend, registry, metrics.Noop{}), store
}

func seedMessages(t *testing.T, ctx context.Context, store *convstore.Store, conversationID string, texts []string) []convstore.Message {
	t.Helper()
	_, err := store.EnsureConversation(ctx, conversationID, "sess-1", "")
	require.NoError(t, err)

	out := make([]convstore.Message, 0, len(texts))
	for _, text := range texts {
		msg, err := store.CreateMessage(ctx, convstore.CreateMessageInput{ConversationID: conversationID, Role: convstore.RoleUser, ContentText: text})
		require.NoError(t, err)
		_, err = store.AppendContextMessage(ctx, conversationID, msg.ID)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

// TestExpandTokenCapDefersChild implements spec §8 scenario 4: a summary
// tree with one child whose estimated tokens exceed a tight TokenCap
// expands to nothing, reporting the child as deferred.
func TestExpandTokenCapDefersChild(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()

	msgs := seedMessages(t, ctx, store, "conv-a", []string{"one", "two", "three"})

	child, err := store.InsertSummary(ctx, convstore.InsertSummaryInput{
		ConversationID: "conv-a",
		Title:          "child",
		Body:           "child summary body",
		TokenEstimate:  1200,
	})
	require.NoError(t, err)
	require.NoError(t, store.LinkSummaryToMessages(ctx, "conv-a", child.ID, []string{msgs[0].ID, msgs[1].ID}))

	root, err := store.InsertSummary(ctx, convstore.InsertSummaryInput{
		ConversationID: "conv-a",
		Title:          "root",
		Body:           "root summary body",
		TokenEstimate:  10,
	})
	require.NoError(t, err)
	require.NoError(t, store.LinkSummaryToParents(ctx, "conv-a", root.ID, []string{child.ID}))

	result, err := engine.Expand(ctx, ExpandInput{SummaryID: root.ID, Depth: intPtr(2), IncludeMessages: true, TokenCap: 10})
	require.NoError(t, err)

	assert.Empty(t, result.Summaries)
	assert.Empty(t, result.Messages)
	assert.True(t, result.Truncated)
	assert.Equal(t, []string{child.ID}, result.NextSummaryIDs)
}

// TestExpandWalksMessagesWithinBudget verifies the companion happy path:
// enough tokenCap headroom lets expand reach the leaf's source messages.
func TestExpandWalksMessagesWithinBudget(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()

	msgs := seedMessages(t, ctx, store, "conv-a", []string{"one", "two"})

	leaf, err := store.InsertSummary(ctx, convstore.InsertSummaryInput{ConversationID: "conv-a", Title: "leaf", Body: "leaf body", TokenEstimate: 5})
	require.NoError(t, err)
	require.NoError(t, store.LinkSummaryToMessages(ctx, "conv-a", leaf.ID, []string{msgs[0].ID, msgs[1].ID}))

	result, err := engine.Expand(ctx, ExpandInput{SummaryID: leaf.ID, Depth: intPtr(2), IncludeMessages: true, TokenCap: 4000})
	require.NoError(t, err)

	assert.Empty(t, result.Summaries)
	assert.Len(t, result.Messages, 2)
	assert.False(t, result.Truncated)
	assert.Empty(t, result.NextSummaryIDs)
}

// TestExpandZeroDepthReturnsRootOnly verifies a literal Depth: intPtr(0) is
// honored as "no expansion beyond the root" rather than silently falling
// back to DefaultDepth, which would happen if 0 were treated as unset the
// way TokenCap/Limit treat it.
func TestExpandZeroDepthReturnsRootOnly(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()

	msgs := seedMessages(t, ctx, store, "conv-a", []string{"one", "two"})

	leaf, err := store.InsertSummary(ctx, convstore.InsertSummaryInput{ConversationID: "conv-a", Title: "leaf", Body: "leaf body", TokenEstimate: 5})
	require.NoError(t, err)
	require.NoError(t, store.LinkSummaryToMessages(ctx, "conv-a", leaf.ID, []string{msgs[0].ID, msgs[1].ID}))

	result, err := engine.Expand(ctx, ExpandInput{SummaryID: leaf.ID, Depth: intPtr(0), IncludeMessages: true, TokenCap: 4000})
	require.NoError(t, err)

	assert.Empty(t, result.Summaries)
	assert.Empty(t, result.Messages)
	assert.False(t, result.Truncated)
	assert.Empty(t, result.NextSummaryIDs)
}

// TestExpandAuthorizationScope implements spec §8 scenario 5: a grant
// scoped to conv-a rejects expanding a summary in conv-b with out_of_scope,
// and rejects a depth beyond the grant's maxDepth with depth_exceeded.
func TestExpandAuthorizationScope(t *testing.T) {
	registry := expauth.New(nil)
	engine, store := newTestEngine(t, registry)
	ctx := context.Background()

	seedMessages(t, ctx, store, "conv-a", []string{"a"})
	seedMessages(t, ctx, store, "conv-b", []string{"b"})

	summaryA, err := store.InsertSummary(ctx, convstore.InsertSummaryInput{ConversationID: "conv-a", Title: "a-summary", Body: "a", TokenEstimate: 5})
	require.NoError(t, err)
	summaryB, err := store.InsertSummary(ctx, convstore.InsertSummaryInput{ConversationID: "conv-b", Title: "b-summary", Body: "b", TokenEstimate: 5})
	require.NoError(t, err)

	grant := registry.IssueGrant(expauth.IssueGrantInput{
		DelegateSessionKey:     "delegate-1",
		AllowedConversationIDs: []string{"conv-a"},
		MaxDepth:               2,
		MaxTokenCap:            1000,
	})
	require.NotEmpty(t, grant.GrantID)

	_, err = engine.Expand(ctx, ExpandInput{SummaryID: summaryB.ID, Depth: intPtr(1), TokenCap: 100, Auth: &Auth{SessionKey: "delegate-1"}})
	var authErr *lcmerrors.ExpansionAuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, lcmerrors.AuthOutOfScope, authErr.Code)

	_, err = engine.Expand(ctx, ExpandInput{SummaryID: summaryA.ID, Depth: intPtr(3), TokenCap: 100, Auth: &Auth{SessionKey: "delegate-1"}})
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, lcmerrors.AuthDepthExceeded, authErr.Code)

	_, err = engine.Expand(ctx, ExpandInput{SummaryID: summaryA.ID, Depth: intPtr(1), TokenCap: 100, Auth: &Auth{SessionKey: "delegate-1"}})
	require.NoError(t, err)
}

// TestExpandAuthorizationSummaryScope verifies a grant's AllowedSummaryIDs
// is enforced: naming a summary not in the set is rejected even though the
// summary's conversation is in scope, and naming the allowed summary
// succeeds.
func TestExpandAuthorizationSummaryScope(t *testing.T) {
	registry := expauth.New(nil)
	engine, store := newTestEngine(t, registry)
	ctx := context.Background()

	seedMessages(t, ctx, store, "conv-a", []string{"a"})

	allowed, err := store.InsertSummary(ctx, convstore.InsertSummaryInput{ConversationID: "conv-a", Title: "allowed", Body: "a", TokenEstimate: 5})
	require.NoError(t, err)
	other, err := store.InsertSummary(ctx, convstore.InsertSummaryInput{ConversationID: "conv-a", Title: "other", Body: "b", TokenEstimate: 5})
	require.NoError(t, err)

	grant := registry.IssueGrant(expauth.IssueGrantInput{
		DelegateSessionKey:     "delegate-1",
		AllowedConversationIDs: []string{"conv-a"},
		AllowedSummaryIDs:      []string{allowed.ID},
		MaxDepth:               2,
		MaxTokenCap:            1000,
	})
	require.NotEmpty(t, grant.GrantID)

	_, err = engine.Expand(ctx, ExpandInput{SummaryID: other.ID, Depth: intPtr(1), TokenCap: 100, Auth: &Auth{SessionKey: "delegate-1"}})
	var authErr *lcmerrors.ExpansionAuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, lcmerrors.AuthOutOfScope, authErr.Code)

	_, err = engine.Expand(ctx, ExpandInput{SummaryID: allowed.ID, Depth: intPtr(1), TokenCap: 100, Auth: &Auth{SessionKey: "delegate-1"}})
	require.NoError(t, err)
}

func TestDescribeSummaryReportsLineageAndSources(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()

	msgs := seedMessages(t, ctx, store, "conv-a", []string{"one", "two"})
	summary, err := store.InsertSummary(ctx, convstore.InsertSummaryInput{ConversationID: "conv-a", Title: "s", Body: "body", TokenEstimate: 5})
	require.NoError(t, err)
	require.NoError(t, store.LinkSummaryToMessages(ctx, "conv-a", summary.ID, []string{msgs[0].ID, msgs[1].ID}))

	result, err := engine.Describe(ctx, summary.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Summary)
	assert.Nil(t, result.Artifact)
	assert.ElementsMatch(t, []string{msgs[0].ID, msgs[1].ID}, result.Summary.SourceMessageIDs)
	require.NotNil(t, result.Summary.FirstSourceOrdinal)
	assert.Equal(t, int64(0), *result.Summary.FirstSourceOrdinal)
}

func TestDescribeUnknownIDReturnsEmptyResult(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	result, err := engine.Describe(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, result.Summary)
	assert.Nil(t, result.Artifact)
}

func TestGrepMessagesFullTextAndRegex(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()
	seedMessages(t, ctx, store, "conv-a", []string{"the quick brown fox", "a slow turtle", "another fox sighting"})

	result, err := engine.Grep(ctx, GrepInput{Query: "fox", Scope: ScopeMessages, ConversationID: "conv-a"})
	require.NoError(t, err)
	assert.Len(t, result.Hits, 2)

	result, err = engine.Grep(ctx, GrepInput{Query: "^the", Mode: GrepRegex, Scope: ScopeMessages, ConversationID: "conv-a"})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "message", result.Hits[0].Kind)
}

func TestGrepRejectsEmptyQuery(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	_, err := engine.Grep(context.Background(), GrepInput{Query: "  "})
	assert.ErrorIs(t, err, lcmerrors.ErrInvalidInput)
}
