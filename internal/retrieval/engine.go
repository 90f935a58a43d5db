package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maestro-lcm/lcm/internal/convstore"
	"github.com/maestro-lcm/lcm/internal/expauth"
	"github.com/maestro-lcm/lcm/internal/lcmerrors"
	"github.com/maestro-lcm/lcm/internal/logx"
	"github.com/maestro-lcm/lcm/internal/metrics"
	"github.com/maestro-lcm/lcm/internal/storage"
)

// Auth carries the delegated-session identity a caller must present when an
// Expansion Auth Registry is configured (spec §4.5).
type Auth struct {
	SessionKey string
}

// Engine is the Retrieval Engine: describe/grep/expand over a Store's
// backend, with optional delegated authorization.
type Engine struct {
	store    *convstore.Store
	backend  *storage.Backend
	registry *expauth.Registry // nil disables authorization entirely
	metrics  metrics.Recorder
	log      *logx.Logger
}

// New builds an Engine. registry may be nil to disable the authorization
// checks in spec §4.5 (e.g. a single-session embedding with no delegation).
func New(store *convstore.Store, backend *storage.Backend, registry *expauth.Registry, recorder metrics.Recorder) *Engine {
	return &Engine{store: store, backend: backend, registry: registry, metrics: recorder, log: logx.NewLogger("lcm.retrieval")}
}

// authorize checks the current call against the grant bound to auth's
// session. summaryID should be the single summary the call targets (expand's
// root) or "" when the call has no such single target (e.g. grep, which can
// touch many summaries/messages at once and so can't be scoped by
// grant.AllowedSummaryIDs).
func (e *Engine) authorize(conversationID, summaryID string, depth, tokenCap int, auth *Auth) error {
	if e.registry == nil {
		return nil
	}
	if auth == nil {
		return lcmerrors.NewAuthorizationError(lcmerrors.AuthMissing, "", "no auth carried on retrieval call")
	}
	_, err := e.registry.Authorize(expauth.AuthorizeInput{
		SessionKey:     auth.SessionKey,
		ConversationID: conversationID,
		SummaryID:      summaryID,
		Depth:          depth,
		TokenCap:       tokenCap,
	})
	return err
}

// SummaryDescribe is the describe() shape for a summary id (spec §4.5).
type SummaryDescribe struct {
	ID                  string
	Title               string
	Body                string
	TokenEstimate       int64
	LineageParentIDs    []string
	LineageChildIDs     []string
	SourceMessageIDs    []string
	FirstSourceOrdinal  *int64
	LastSourceOrdinal   *int64
	Metadata            string
}

// ArtifactDescribe is the describe() shape for a file/artifact id (spec §4.5).
type ArtifactDescribe struct {
	ID        string
	Path      string
	MimeType  string
	Bytes     int64
	SHA256    string
	MessageID string
}

// DescribeResult wraps exactly one of Summary or Artifact; both nil means
// the id was unknown (spec §4.5 "returns null if unknown").
type DescribeResult struct {
	Summary  *SummaryDescribe
	Artifact *ArtifactDescribe
}

// Describe resolves id as a context-item id (rendering summary lineage) or
// an artifact id (spec §4.5). Returns a zero-value DescribeResult (both
// fields nil) when id is unknown to either table.
func (e *Engine) Describe(ctx context.Context, id string) (DescribeResult, error) {
	item, err := e.store.GetContextItem(ctx, id)
	if err == nil {
		return e.describeContextItem(ctx, item)
	}
	if !errors.Is(err, lcmerrors.ErrNotFound) {
		return DescribeResult{}, err
	}

	artifact, err := e.getArtifact(ctx, id)
	if err == nil {
		return DescribeResult{Artifact: &artifact}, nil
	}
	if errors.Is(err, lcmerrors.ErrNotFound) {
		return DescribeResult{}, nil
	}
	return DescribeResult{}, err
}

func (e *Engine) describeContextItem(ctx context.Context, item convstore.ContextItem) (DescribeResult, error) {
	parents, children, err := e.lineageNeighbors(ctx, item.ID)
	if err != nil {
		return DescribeResult{}, err
	}

	var firstOrdinal, lastOrdinal *int64
	var sourceIDs []string
	if item.ItemType == convstore.ItemSummary {
		messages, err := e.store.GetSummaryMessages(ctx, item.ID, 0)
		if err != nil {
			return DescribeResult{}, err
		}
		for _, m := range messages {
			sourceIDs = append(sourceIDs, m.ID)
		}
		if len(messages) > 0 {
			first, last := messages[0].Ordinal, messages[len(messages)-1].Ordinal
			firstOrdinal, lastOrdinal = &first, &last
		}
	}

	return DescribeResult{Summary: &SummaryDescribe{
		ID:                 item.ID,
		Title:              item.Title,
		Body:               item.Body,
		TokenEstimate:      item.TokenEstimate,
		LineageParentIDs:   parents,
		LineageChildIDs:    children,
		SourceMessageIDs:   sourceIDs,
		FirstSourceOrdinal: firstOrdinal,
		LastSourceOrdinal:  lastOrdinal,
		Metadata:           item.Metadata,
	}}, nil
}

func (e *Engine) lineageNeighbors(ctx context.Context, itemID string) (parents, children []string, err error) {
	parentRows, err := e.backend.DB().QueryContext(ctx, `SELECT parent_item_id FROM lcm_lineage_edges WHERE child_item_id = ?`, itemID)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieval: lineage parents: %w", err)
	}
	defer parentRows.Close()
	for parentRows.Next() {
		var id string
		if err := parentRows.Scan(&id); err != nil {
			return nil, nil, err
		}
		parents = append(parents, id)
	}
	if err := parentRows.Err(); err != nil {
		return nil, nil, err
	}

	childRows, err := e.backend.DB().QueryContext(ctx, `SELECT child_item_id FROM lcm_lineage_edges WHERE parent_item_id = ?`, itemID)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieval: lineage children: %w", err)
	}
	defer childRows.Close()
	for childRows.Next() {
		var id string
		if err := childRows.Scan(&id); err != nil {
			return nil, nil, err
		}
		children = append(children, id)
	}
	return parents, children, childRows.Err()
}

func (e *Engine) getArtifact(ctx context.Context, id string) (ArtifactDescribe, error) {
	row := e.backend.DB().QueryRowContext(ctx, `SELECT id, path, mime_type, bytes, sha256, message_id FROM lcm_artifacts WHERE id = ?`, id)
	var a ArtifactDescribe
	var mime, sha, msg sql.NullString
	var bytes sql.NullInt64
	err := row.Scan(&a.ID, &a.Path, &mime, &bytes, &sha, &msg)
	if errors.Is(err, sql.ErrNoRows) {
		return ArtifactDescribe{}, lcmerrors.ErrNotFound
	}
	if err != nil {
		return ArtifactDescribe{}, fmt.Errorf("retrieval: get artifact %s: %w", id, err)
	}
	a.MimeType = mime.String
	a.SHA256 = sha.String
	a.MessageID = msg.String
	a.Bytes = bytes.Int64
	return a, nil
}
