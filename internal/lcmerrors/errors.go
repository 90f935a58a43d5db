// Package lcmerrors defines the error taxonomy shared by every LCM component,
// per the failure-mode table in the engine's design notes. Sentinel errors
// support errors.Is; the typed errors below carry the extra fields callers
// need to branch on (violation codes, authorization sub-codes, summarizer
// failure kind).
package lcmerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy means a transaction could not acquire the writer lock after
	// exhausting its configured retries.
	ErrBusy = errors.New("lcm: storage busy, retries exhausted")

	// ErrClosed means an operation was attempted after the storage backend
	// was closed.
	ErrClosed = errors.New("lcm: storage backend is closed")

	// ErrNotFound means an id passed to describe/expand/get did not resolve
	// to any row. Callers are expected to treat this as "return null", not
	// as a hard failure.
	ErrNotFound = errors.New("lcm: not found")

	// ErrInvalidInput means a caller-supplied argument violated a documented
	// bound (e.g. an empty grep query, a missing conversationId).
	ErrInvalidInput = errors.New("lcm: invalid input")

	// ErrCancelled means the operation observed context cancellation at a
	// suspension point and rolled back any open transaction.
	ErrCancelled = errors.New("lcm: operation cancelled")
)

// IntegrityError reports a violation of one of the data-model invariants
// I1-I12. It is never swallowed; callers should treat it as a bug to
// surface, not a transient condition.
type IntegrityError struct {
	Code string // e.g. "summary_without_source"
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("lcm: integrity violation %s: %s", e.Code, e.Detail)
}

func NewIntegrityError(code, detail string) *IntegrityError {
	return &IntegrityError{Code: code, Detail: detail}
}

// AuthorizationCode enumerates the ExpansionAuthorizationError sub-codes from
// spec §4.5.
type AuthorizationCode string

const (
	AuthMissing       AuthorizationCode = "missing"
	AuthExpired       AuthorizationCode = "expired"
	AuthRevoked       AuthorizationCode = "revoked"
	AuthOutOfScope    AuthorizationCode = "out_of_scope"
	AuthDepthExceeded AuthorizationCode = "depth_exceeded"
	AuthTokenCapExceeded AuthorizationCode = "token_cap_exceeded"
)

// ExpansionAuthorizationError is raised by the Expansion Auth Registry (and
// bubbled by grep/expand) when a delegated session's grant fails a scope
// check. Describe performs no authorization check and never returns it.
type ExpansionAuthorizationError struct {
	Code    AuthorizationCode
	GrantID string
	Detail  string
}

func (e *ExpansionAuthorizationError) Error() string {
	return fmt.Sprintf("lcm: expansion authorization failed (%s): %s", e.Code, e.Detail)
}

func NewAuthorizationError(code AuthorizationCode, grantID, detail string) *ExpansionAuthorizationError {
	return &ExpansionAuthorizationError{Code: code, GrantID: grantID, Detail: detail}
}

// SummarizerFailureKind distinguishes a hard error from a timeout, per
// spec §6.2.
type SummarizerFailureKind string

const (
	SummarizerTimeout SummarizerFailureKind = "timeout"
	SummarizerError   SummarizerFailureKind = "error"
)

// SummarizerFailure wraps a Summarizer collaborator failure. The compaction
// engine converts this into a {ok:false, compacted:false, reason} result
// rather than propagating it as a panic or a storage mutation.
type SummarizerFailure struct {
	Kind    SummarizerFailureKind
	Message string
}

func (e *SummarizerFailure) Error() string {
	return fmt.Sprintf("lcm: summarizer %s: %s", e.Kind, e.Message)
}
