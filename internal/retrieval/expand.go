package retrieval

import (
	"context"
	"fmt"

	"github.com/maestro-lcm/lcm/internal/convstore"
	"github.com/maestro-lcm/lcm/internal/lcmerrors"
)

// ExpandInput is the caller-supplied shape for Expand (spec §4.5). Depth is
// a pointer so a literal 0 ("just the root, no expansion") is distinguishable
// from an unset field (nil), which falls back to DefaultDepth; TokenCap and
// Limit don't need the same treatment since their valid ranges start at 1,
// so 0 can only ever mean "unset" for them.
type ExpandInput struct {
	SummaryID       string
	Depth           *int
	IncludeMessages bool
	TokenCap        int
	Limit           int
	Auth            *Auth
}

// ExpandResult is the Expand return shape.
type ExpandResult struct {
	Summaries       []convstore.ContextItem
	Messages        []convstore.Message
	EstimatedTokens int64
	Truncated       bool
	NextSummaryIDs  []string
}

type bfsNode struct {
	id    string
	level int
}

// Expand walks the lineage graph outward from a root summary toward its
// sources - leaf summaries and, when IncludeMessages is set, the canonical
// messages they were built from - breadth-first up to Depth hops (spec
// §4.5). The traversal follows parent_item_id edges, the same direction
// GetSummaryMessages uses: a summary's "children" in the expand sense are
// the older items that summarize into it, not the newer lcm_lineage_edges
// child_item_id column. Every discovered item is charged against TokenCap
// before being added; an item that would overflow the cap is deferred into
// NextSummaryIDs (summaries only - messages are simply dropped and the
// result marked truncated) instead of expanded further.
func (e *Engine) Expand(ctx context.Context, in ExpandInput) (ExpandResult, error) {
	depth := resolveDepth(in.Depth)
	tokenCap := clampInt(in.TokenCap, MinTokenCap, MaxTokenCap, DefaultTokenCap)
	limit := clampInt(in.Limit, MinLimit, MaxLimit, DefaultLimit)

	root, err := e.store.GetContextItem(ctx, in.SummaryID)
	if err != nil {
		return ExpandResult{}, err
	}
	if root.ItemType != convstore.ItemSummary {
		return ExpandResult{}, fmt.Errorf("retrieval: expand %s: not a summary: %w", in.SummaryID, lcmerrors.ErrInvalidInput)
	}

	if err := e.authorize(root.ConversationID, root.ID, depth, tokenCap, in.Auth); err != nil {
		return ExpandResult{}, err
	}

	var (
		summaries      []convstore.ContextItem
		messageIDs     []string
		nextSummaryIDs []string
		truncated      bool
		itemCount      int
	)
	remaining := int64(tokenCap)
	visited := map[string]bool{root.ID: true}
	queue := []bfsNode{{id: root.ID, level: 0}}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node.level >= depth {
			continue
		}

		parents, err := e.store.GetLineageParents(ctx, node.id)
		if err != nil {
			return ExpandResult{}, err
		}

		for _, p := range parents {
			if visited[p.ID] {
				continue
			}
			visited[p.ID] = true

			switch p.ItemType {
			case convstore.ItemSummary:
				if itemCount >= limit || p.TokenEstimate > remaining {
					nextSummaryIDs = append(nextSummaryIDs, p.ID)
					truncated = true
					continue
				}
				summaries = append(summaries, p)
				remaining -= p.TokenEstimate
				itemCount++
				queue = append(queue, bfsNode{id: p.ID, level: node.level + 1})
			case convstore.ItemMessage:
				if !in.IncludeMessages {
					continue
				}
				if itemCount >= limit || p.TokenEstimate > remaining {
					truncated = true
					continue
				}
				if p.SourceMessageID != "" {
					messageIDs = append(messageIDs, p.SourceMessageID)
					remaining -= p.TokenEstimate
					itemCount++
				}
			default:
				// notes/artifacts carry no further lineage to expand
			}
		}
	}

	var messages []convstore.Message
	if len(messageIDs) > 0 {
		messages, err = e.store.ListMessagesByIDs(ctx, messageIDs, 0)
		if err != nil {
			return ExpandResult{}, err
		}
	}

	return ExpandResult{
		Summaries:       summaries,
		Messages:        messages,
		EstimatedTokens: int64(tokenCap) - remaining,
		Truncated:       truncated,
		NextSummaryIDs:  nextSummaryIDs,
	}, nil
}
