package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/maestro-lcm/lcm/internal/tokenest"
)

// Deterministic is a dependency-free extractive summarizer: no network
// call, always available, used when no provider key is configured or as a
// last-resort fallback. Grounded in the teacher's
// pkg/contextmgr.ContextManager.createConversationSummary, which buckets
// message text into topics/code-actions/issues by keyword match rather
// than calling out to a model.
type Deterministic struct {
	Estimator tokenest.Estimator
}

func (d Deterministic) estimator() tokenest.Estimator {
	if d.Estimator != nil {
		return d.Estimator
	}
	return tokenest.CharDiv4{}
}

func (d Deterministic) Summarize(_ context.Context, req Request) (Result, error) {
	est := d.estimator()

	var tokensBefore int64
	for _, m := range req.Messages {
		tokensBefore += int64(est.EstimateText(m))
	}

	if len(req.Messages) == 0 {
		return Result{SummaryText: "", TokensBefore: 0}, nil
	}

	var topics, codeActions, issues []string
	for _, raw := range req.Messages {
		content := strings.TrimSpace(raw)
		if content == "" {
			continue
		}
		lower := strings.ToLower(content)
		switch {
		case strings.Contains(lower, "error") || strings.Contains(lower, "failed") || strings.Contains(lower, "issue"):
			issues = append(issues, truncate(content, 100))
		case strings.Contains(lower, "file") && (strings.Contains(lower, "create") || strings.Contains(lower, "edit")):
			codeActions = append(codeActions, truncate(content, 80))
		default:
			topics = append(topics, truncate(content, 60))
		}
	}

	var parts []string
	if len(topics) > 0 {
		parts = append(parts, fmt.Sprintf("Topics discussed: %s", strings.Join(dedupe(topics), "; ")))
	}
	if len(codeActions) > 0 {
		parts = append(parts, fmt.Sprintf("Code actions: %s", strings.Join(dedupe(codeActions), "; ")))
	}
	if len(issues) > 0 {
		parts = append(parts, fmt.Sprintf("Issues encountered: %s", strings.Join(dedupe(issues), "; ")))
	}

	summary := strings.Join(parts, ". ")
	if summary == "" {
		summary = fmt.Sprintf("Previous conversation with %d entries", len(req.Messages))
	}
	summary = truncate(summary, 500)

	return Result{SummaryText: summary, TokensBefore: tokensBefore}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
