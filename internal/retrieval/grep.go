package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
)

// GrepMode selects how GrepInput.Query is interpreted.
type GrepMode string

const (
	GrepFullText GrepMode = "full_text"
	GrepRegex    GrepMode = "regex"
)

// GrepScope bounds which item kinds a grep call searches.
type GrepScope string

const (
	ScopeMessages  GrepScope = "messages"
	ScopeSummaries GrepScope = "summaries"
	ScopeBoth      GrepScope = "both"
)

// GrepInput is the caller-supplied shape for Grep (spec §4.5).
type GrepInput struct {
	Query          string
	Mode           GrepMode
	Scope          GrepScope
	ConversationID string
	Limit          int
	Auth           *Auth
}

// GrepHit is one matched row, message or summary, normalized to a common
// shape so callers don't need to branch on Kind to read id/snippet/time.
type GrepHit struct {
	ID             string
	Kind           string // "message" or "summary"
	ConversationID string
	Snippet        string
	CreatedAtMs    int64
	Score          float64 // lower is better (bm25 convention); 0 when unscored
}

// GrepResult is the Grep return shape.
type GrepResult struct {
	Hits      []GrepHit
	Truncated bool
}

// Grep runs a full-text or regex search over messages, summaries, or both,
// per spec §4.5. A grep without a ConversationID is rejected whenever a
// delegated grant is in force (expand/grep scope must be explicit under
// delegation).
func (e *Engine) Grep(ctx context.Context, in GrepInput) (GrepResult, error) {
	if strings.TrimSpace(in.Query) == "" {
		return GrepResult{}, fmt.Errorf("retrieval: grep query: %w", lcmerrors.ErrInvalidInput)
	}
	if in.Mode == "" {
		in.Mode = GrepFullText
	}
	if in.Scope == "" {
		in.Scope = ScopeBoth
	}
	limit := clampInt(in.Limit, MinLimit, MaxLimit, DefaultLimit)

	if err := e.authorize(in.ConversationID, "", 0, 0, in.Auth); err != nil {
		return GrepResult{}, err
	}

	var hits []GrepHit
	var truncated bool

	if in.Scope == ScopeMessages || in.Scope == ScopeBoth {
		h, t, err := e.grepMessages(ctx, in)
		if err != nil {
			return GrepResult{}, err
		}
		hits = append(hits, h...)
		truncated = truncated || t
	}
	if in.Scope == ScopeSummaries || in.Scope == ScopeBoth {
		h, t, err := e.grepSummaries(ctx, in)
		if err != nil {
			return GrepResult{}, err
		}
		hits = append(hits, h...)
		truncated = truncated || t
	}

	hits = dedupHits(hits)
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score < hits[j].Score
		}
		if hits[i].CreatedAtMs != hits[j].CreatedAtMs {
			return hits[i].CreatedAtMs > hits[j].CreatedAtMs
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
		truncated = true
	}

	return GrepResult{Hits: hits, Truncated: truncated}, nil
}

func dedupHits(hits []GrepHit) []GrepHit {
	seen := make(map[string]bool, len(hits))
	out := hits[:0]
	for _, h := range hits {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		out = append(out, h)
	}
	return out
}

func (e *Engine) grepMessages(ctx context.Context, in GrepInput) ([]GrepHit, bool, error) {
	if in.Mode == GrepRegex {
		return e.grepMessagesRegex(ctx, in)
	}
	return e.grepMessagesLike(ctx, in)
}

func (e *Engine) grepMessagesLike(ctx context.Context, in GrepInput) ([]GrepHit, bool, error) {
	query, args := `SELECT id, conversation_id, content_text, created_at_ms FROM lcm_messages WHERE content_text LIKE ? ESCAPE '\'`,
		[]any{likePattern(in.Query)}
	if in.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, in.ConversationID)
	}
	query += ` ORDER BY created_at_ms ASC, id ASC LIMIT ?`
	args = append(args, RegexScanLimit)

	rows, err := e.backend.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("retrieval: grep messages: %w", err)
	}
	defer rows.Close()

	var hits []GrepHit
	for rows.Next() {
		var h GrepHit
		var text string
		if err := rows.Scan(&h.ID, &h.ConversationID, &text, &h.CreatedAtMs); err != nil {
			return nil, false, err
		}
		h.Kind = "message"
		h.Snippet = snippetAround(text, strings.Index(strings.ToLower(text), strings.ToLower(in.Query)), len(in.Query))
		hits = append(hits, h)
	}
	return hits, false, rows.Err()
}

func (e *Engine) grepMessagesRegex(ctx context.Context, in GrepInput) ([]GrepHit, bool, error) {
	re, err := regexp.Compile(in.Query)
	if err != nil {
		return nil, false, fmt.Errorf("retrieval: grep regex: %w: %v", lcmerrors.ErrInvalidInput, err)
	}

	query, args := `SELECT id, conversation_id, content_text, created_at_ms FROM lcm_messages`, []any{}
	if in.ConversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, in.ConversationID)
	}
	query += ` ORDER BY created_at_ms ASC, id ASC LIMIT ?`
	args = append(args, RegexScanLimit)

	rows, err := e.backend.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("retrieval: grep messages regex scan: %w", err)
	}
	defer rows.Close()

	var hits []GrepHit
	scanned := 0
	for rows.Next() {
		scanned++
		var h GrepHit
		var text string
		if err := rows.Scan(&h.ID, &h.ConversationID, &text, &h.CreatedAtMs); err != nil {
			return nil, false, err
		}
		loc := re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		h.Kind = "message"
		h.Snippet = snippetAround(text, loc[0], loc[1]-loc[0])
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return hits, scanned >= RegexScanLimit, nil
}

func (e *Engine) grepSummaries(ctx context.Context, in GrepInput) ([]GrepHit, bool, error) {
	if in.Mode == GrepRegex {
		return e.grepSummariesRegex(ctx, in)
	}
	return e.grepSummariesFullText(ctx, in)
}

func (e *Engine) grepSummariesFullText(ctx context.Context, in GrepInput) ([]GrepHit, bool, error) {
	if e.backend.FTSAvailable() {
		hits, err := e.grepSummariesFTS(ctx, in)
		if err == nil {
			return hits, false, nil
		}
		e.log.Warn("fts5 grep failed, falling back to LIKE: %v", err)
	}
	return e.grepSummariesLike(ctx, in)
}

func (e *Engine) grepSummariesFTS(ctx context.Context, in GrepInput) ([]GrepHit, error) {
	query, args := `SELECT c.id, c.conversation_id, c.title, c.body, c.created_at_ms, bm25(f) AS score
		FROM lcm_context_items_fts f
		JOIN lcm_context_items c ON c.rowid = f.rowid
		WHERE f.lcm_context_items_fts MATCH ? AND c.item_type = 'summary'`,
		[]any{ftsQuery(in.Query)}
	if in.ConversationID != "" {
		query += ` AND c.conversation_id = ?`
		args = append(args, in.ConversationID)
	}
	query += ` ORDER BY score ASC, c.created_at_ms DESC, c.id ASC LIMIT ?`
	args = append(args, RegexScanLimit)

	rows, err := e.backend.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []GrepHit
	for rows.Next() {
		var h GrepHit
		var title, body string
		if err := rows.Scan(&h.ID, &h.ConversationID, &title, &body, &h.CreatedAtMs, &h.Score); err != nil {
			return nil, err
		}
		h.Kind = "summary"
		h.Snippet = snippetAround(body, strings.Index(strings.ToLower(body), strings.ToLower(in.Query)), len(in.Query))
		if h.Snippet == "" {
			h.Snippet = title
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (e *Engine) grepSummariesLike(ctx context.Context, in GrepInput) ([]GrepHit, bool, error) {
	query, args := `SELECT id, conversation_id, title, body, created_at_ms FROM lcm_context_items
		WHERE item_type = 'summary' AND (title LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\')`,
		[]any{likePattern(in.Query), likePattern(in.Query)}
	if in.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, in.ConversationID)
	}
	query += ` ORDER BY created_at_ms ASC, id ASC LIMIT ?`
	args = append(args, RegexScanLimit)

	rows, err := e.backend.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("retrieval: grep summaries: %w", err)
	}
	defer rows.Close()

	var hits []GrepHit
	for rows.Next() {
		var h GrepHit
		var title, body string
		if err := rows.Scan(&h.ID, &h.ConversationID, &title, &body, &h.CreatedAtMs); err != nil {
			return nil, false, err
		}
		h.Kind = "summary"
		h.Snippet = snippetAround(body, strings.Index(strings.ToLower(body), strings.ToLower(in.Query)), len(in.Query))
		if h.Snippet == "" {
			h.Snippet = title
		}
		hits = append(hits, h)
	}
	return hits, false, rows.Err()
}

func (e *Engine) grepSummariesRegex(ctx context.Context, in GrepInput) ([]GrepHit, bool, error) {
	re, err := regexp.Compile(in.Query)
	if err != nil {
		return nil, false, fmt.Errorf("retrieval: grep regex: %w: %v", lcmerrors.ErrInvalidInput, err)
	}

	query, args := `SELECT id, conversation_id, title, body, created_at_ms FROM lcm_context_items WHERE item_type = 'summary'`, []any{}
	if in.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, in.ConversationID)
	}
	query += ` ORDER BY created_at_ms ASC, id ASC LIMIT ?`
	args = append(args, RegexScanLimit)

	rows, err := e.backend.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("retrieval: grep summaries regex scan: %w", err)
	}
	defer rows.Close()

	var hits []GrepHit
	scanned := 0
	for rows.Next() {
		scanned++
		var h GrepHit
		var title, body string
		if err := rows.Scan(&h.ID, &h.ConversationID, &title, &body, &h.CreatedAtMs); err != nil {
			return nil, false, err
		}
		loc := re.FindStringIndex(body)
		if loc == nil {
			continue
		}
		h.Kind = "summary"
		h.Snippet = snippetAround(body, loc[0], loc[1]-loc[0])
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return hits, scanned >= RegexScanLimit, nil
}

const snippetRadius = 60

// snippetAround returns a window of text centered on a match at [start,
// start+length), or the first snippetRadius*2 bytes of text if start < 0
// (no match position known, e.g. bm25's own ranking was used instead).
func snippetAround(text string, start, length int) string {
	if start < 0 {
		if len(text) <= snippetRadius*2 {
			return text
		}
		return text[:snippetRadius*2] + "…"
	}
	lo := start - snippetRadius
	if lo < 0 {
		lo = 0
	}
	hi := start + length + snippetRadius
	if hi > len(text) {
		hi = len(text)
	}
	snippet := text[lo:hi]
	if lo > 0 {
		snippet = "…" + snippet
	}
	if hi < len(text) {
		snippet += "…"
	}
	return snippet
}
