// Package expauth is the LCM Expansion Auth Registry (spec §4.6): an
// in-memory, lock-protected set of time-bounded capability grants that let
// one session's retrieval calls reach into another session's conversation
// history. Grounded in the teacher's lock-protected package state pattern
// (pkg/persistence/db.go's mutex-guarded singleton, internal/logx's
// mutex-guarded ring buffer) generalized from "one shared resource" to "a
// map of grants with TTL and session bindings".
package expauth

import (
	"sync"
	"time"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
)

// DefaultTTL is the grant lifetime used when IssueGrantInput.TTL is zero
// (spec §4.6: "default TTL 5 min").
const DefaultTTL = 5 * time.Minute

// Grant is the Expansion Grant entity from spec §3.
type Grant struct {
	GrantID              string
	DelegatorSessionKey  string
	DelegateSessionKey   string
	AllowedConversationIDs map[string]bool // empty/nil = any
	AllowedSummaryIDs    map[string]bool // empty/nil = any
	MaxDepth             int
	MaxTokenCap          int
	IssuedAtMs           int64
	ExpiresAtMs          int64
	Revoked              bool
}

func (g Grant) usable(nowMs int64) bool {
	return nowMs < g.ExpiresAtMs && !g.Revoked
}

// IssueGrantInput is the caller-supplied shape for IssueGrant.
type IssueGrantInput struct {
	DelegatorSessionKey    string
	DelegateSessionKey     string
	AllowedConversationIDs []string
	AllowedSummaryIDs      []string
	MaxDepth               int
	MaxTokenCap            int
	TTL                    time.Duration
}

// AuthorizeInput is the caller-supplied shape for Authorize.
type AuthorizeInput struct {
	SessionKey     string
	ConversationID string // empty means "not specified" (rejected under a grant per spec §4.5)
	SummaryID      string // empty means "no single summary targeted" (e.g. a grep call); unlike ConversationID this is not required
	Depth          int
	TokenCap       int
}

// Registry is the Expansion Auth Registry: a single lock-protected map plus
// a session->grant index for revoke-by-session (spec §4.6, §5 "a single
// lock-protected map is sufficient").
type Registry struct {
	mu              sync.Mutex
	grants          map[string]*Grant
	bySessionKey    map[string]string // delegateSessionKey -> grantId, last grant wins
	now             func() time.Time
}

// New builds an empty Registry. nowFn defaults to time.Now; tests may
// override it to exercise expiry deterministically.
func New(nowFn func() time.Time) *Registry {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Registry{
		grants:       map[string]*Grant{},
		bySessionKey: map[string]string{},
		now:          nowFn,
	}
}

func (r *Registry) nowMs() int64 { return r.now().UnixMilli() }

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// IssueGrant creates and stores a new grant, returning a copy.
func (r *Registry) IssueGrant(in IssueGrantInput) Grant {
	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowMs()
	grant := &Grant{
		GrantID:                newGrantID(),
		DelegatorSessionKey:    in.DelegatorSessionKey,
		DelegateSessionKey:     in.DelegateSessionKey,
		AllowedConversationIDs: toSet(in.AllowedConversationIDs),
		AllowedSummaryIDs:      toSet(in.AllowedSummaryIDs),
		MaxDepth:               in.MaxDepth,
		MaxTokenCap:            in.MaxTokenCap,
		IssuedAtMs:             now,
		ExpiresAtMs:            now + ttl.Milliseconds(),
	}
	r.grants[grant.GrantID] = grant
	r.bySessionKey[in.DelegateSessionKey] = grant.GrantID

	return *grant
}

// Authorize validates in against the grant bound to in.SessionKey, per the
// checks enumerated in spec §4.5: existence, expiry, revocation, scope,
// depth, and token cap. Returns the grant on success, or an
// *lcmerrors.ExpansionAuthorizationError with the matching sub-code.
func (r *Registry) Authorize(in AuthorizeInput) (Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	grantID, ok := r.bySessionKey[in.SessionKey]
	if !ok {
		return Grant{}, lcmerrors.NewAuthorizationError(lcmerrors.AuthMissing, "", "no grant bound to session "+in.SessionKey)
	}
	grant, ok := r.grants[grantID]
	if !ok {
		return Grant{}, lcmerrors.NewAuthorizationError(lcmerrors.AuthMissing, grantID, "grant not found")
	}

	now := r.nowMs()
	if grant.Revoked {
		return Grant{}, lcmerrors.NewAuthorizationError(lcmerrors.AuthRevoked, grant.GrantID, "grant was revoked")
	}
	if now >= grant.ExpiresAtMs {
		return Grant{}, lcmerrors.NewAuthorizationError(lcmerrors.AuthExpired, grant.GrantID, "grant expired")
	}

	if in.ConversationID == "" {
		return Grant{}, lcmerrors.NewAuthorizationError(lcmerrors.AuthOutOfScope, grant.GrantID, "conversationId must be explicit under a grant")
	}
	if grant.AllowedConversationIDs != nil && !grant.AllowedConversationIDs[in.ConversationID] {
		return Grant{}, lcmerrors.NewAuthorizationError(lcmerrors.AuthOutOfScope, grant.GrantID, "conversation "+in.ConversationID+" not in grant scope")
	}
	if grant.AllowedSummaryIDs != nil && in.SummaryID != "" && !grant.AllowedSummaryIDs[in.SummaryID] {
		return Grant{}, lcmerrors.NewAuthorizationError(lcmerrors.AuthOutOfScope, grant.GrantID, "summary "+in.SummaryID+" not in grant scope")
	}
	if in.Depth > grant.MaxDepth {
		return Grant{}, lcmerrors.NewAuthorizationError(lcmerrors.AuthDepthExceeded, grant.GrantID, "requested depth exceeds grant.maxDepth")
	}
	if in.TokenCap > grant.MaxTokenCap {
		return Grant{}, lcmerrors.NewAuthorizationError(lcmerrors.AuthTokenCapExceeded, grant.GrantID, "requested tokenCap exceeds grant.maxTokenCap")
	}

	return *grant, nil
}

// Revoke flips a grant's revoked bit. Returns false if grantID is unknown.
func (r *Registry) Revoke(grantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	grant, ok := r.grants[grantID]
	if !ok {
		return false
	}
	grant.Revoked = true
	return true
}

// RevokeSession revokes whichever grant is currently bound to sessionKey.
func (r *Registry) RevokeSession(sessionKey string) bool {
	r.mu.Lock()
	grantID, ok := r.bySessionKey[sessionKey]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.Revoke(grantID)
}

// Cleanup removes every expired or revoked grant and returns how many were
// removed (spec §4.6). Callers may schedule this periodically.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowMs()
	removed := 0
	for id, grant := range r.grants {
		if grant.usable(now) {
			continue
		}
		delete(r.grants, id)
		removed++
	}
	for sessionKey, grantID := range r.bySessionKey {
		if _, ok := r.grants[grantID]; !ok {
			delete(r.bySessionKey, sessionKey)
		}
	}
	return removed
}

// Count returns the number of currently-held grants (for diagnostics/tests).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.grants)
}
