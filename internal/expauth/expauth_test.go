package expauth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
)

func TestAuthorizeSucceedsWithinScope(t *testing.T) {
	reg := New(nil)
	grant := reg.IssueGrant(IssueGrantInput{
		DelegatorSessionKey:    "main",
		DelegateSessionKey:     "delegate-1",
		AllowedConversationIDs: []string{"conv-a"},
		MaxDepth:               4,
		MaxTokenCap:            2000,
	})
	require.NotEmpty(t, grant.GrantID)

	got, err := reg.Authorize(AuthorizeInput{SessionKey: "delegate-1", ConversationID: "conv-a", Depth: 2, TokenCap: 500})
	require.NoError(t, err)
	assert.Equal(t, grant.GrantID, got.GrantID)
}

func TestAuthorizeRejectsOutOfScopeConversation(t *testing.T) {
	reg := New(nil)
	reg.IssueGrant(IssueGrantInput{DelegateSessionKey: "delegate-1", AllowedConversationIDs: []string{"conv-a"}, MaxDepth: 4, MaxTokenCap: 2000})

	_, err := reg.Authorize(AuthorizeInput{SessionKey: "delegate-1", ConversationID: "conv-b", Depth: 1, TokenCap: 10})
	var authErr *lcmerrors.ExpansionAuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, lcmerrors.AuthOutOfScope, authErr.Code)
}

func TestAuthorizeRejectsOutOfScopeSummary(t *testing.T) {
	reg := New(nil)
	reg.IssueGrant(IssueGrantInput{
		DelegateSessionKey:     "delegate-1",
		AllowedConversationIDs: []string{"conv-a"},
		AllowedSummaryIDs:      []string{"sum-allowed"},
		MaxDepth:               4,
		MaxTokenCap:            2000,
	})

	_, err := reg.Authorize(AuthorizeInput{SessionKey: "delegate-1", ConversationID: "conv-a", SummaryID: "sum-other", Depth: 1, TokenCap: 10})
	var authErr *lcmerrors.ExpansionAuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, lcmerrors.AuthOutOfScope, authErr.Code)

	got, err := reg.Authorize(AuthorizeInput{SessionKey: "delegate-1", ConversationID: "conv-a", SummaryID: "sum-allowed", Depth: 1, TokenCap: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, got.GrantID)
}

func TestAuthorizeRejectsDepthAndTokenCapOverage(t *testing.T) {
	reg := New(nil)
	reg.IssueGrant(IssueGrantInput{DelegateSessionKey: "delegate-1", AllowedConversationIDs: []string{"conv-a"}, MaxDepth: 2, MaxTokenCap: 100})

	_, err := reg.Authorize(AuthorizeInput{SessionKey: "delegate-1", ConversationID: "conv-a", Depth: 3, TokenCap: 10})
	var authErr *lcmerrors.ExpansionAuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, lcmerrors.AuthDepthExceeded, authErr.Code)

	_, err = reg.Authorize(AuthorizeInput{SessionKey: "delegate-1", ConversationID: "conv-a", Depth: 1, TokenCap: 1000})
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, lcmerrors.AuthTokenCapExceeded, authErr.Code)
}

func TestAuthorizeRejectsExpiredAndRevokedGrants(t *testing.T) {
	tick := time.Now()
	reg := New(func() time.Time { return tick })
	grant := reg.IssueGrant(IssueGrantInput{DelegateSessionKey: "delegate-1", AllowedConversationIDs: []string{"conv-a"}, MaxDepth: 2, MaxTokenCap: 100, TTL: time.Minute})

	tick = tick.Add(2 * time.Minute)
	_, err := reg.Authorize(AuthorizeInput{SessionKey: "delegate-1", ConversationID: "conv-a", Depth: 1, TokenCap: 10})
	var authErr *lcmerrors.ExpansionAuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, lcmerrors.AuthExpired, authErr.Code)

	tick = time.Now()
	reg2 := New(func() time.Time { return tick })
	reg2.IssueGrant(IssueGrantInput{DelegateSessionKey: "delegate-2", AllowedConversationIDs: []string{"conv-a"}, MaxDepth: 2, MaxTokenCap: 100})
	assert.True(t, reg2.RevokeSession("delegate-2"))

	_, err = reg2.Authorize(AuthorizeInput{SessionKey: "delegate-2", ConversationID: "conv-a", Depth: 1, TokenCap: 10})
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, lcmerrors.AuthRevoked, authErr.Code)

	_ = grant
}

func TestCleanupRemovesExpiredGrants(t *testing.T) {
	tick := time.Now()
	reg := New(func() time.Time { return tick })
	reg.IssueGrant(IssueGrantInput{DelegateSessionKey: "delegate-1", TTL: time.Minute})
	reg.IssueGrant(IssueGrantInput{DelegateSessionKey: "delegate-2", TTL: time.Hour})

	tick = tick.Add(2 * time.Minute)
	removed := reg.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, reg.Count())
}

func TestMissingGrantRejected(t *testing.T) {
	reg := New(nil)
	_, err := reg.Authorize(AuthorizeInput{SessionKey: "nobody", ConversationID: "conv-a"})
	var authErr *lcmerrors.ExpansionAuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, lcmerrors.AuthMissing, authErr.Code)
}
