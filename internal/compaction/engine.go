package compaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maestro-lcm/lcm/internal/convstore"
	"github.com/maestro-lcm/lcm/internal/lcmconfig"
	"github.com/maestro-lcm/lcm/internal/lcmerrors"
	"github.com/maestro-lcm/lcm/internal/logx"
	"github.com/maestro-lcm/lcm/internal/metrics"
	"github.com/maestro-lcm/lcm/internal/summarizer"
	"github.com/maestro-lcm/lcm/internal/tokenest"
)

// summarizerTimeout bounds each Summarizer call; the deadline is derived
// here rather than accepted per-call since compaction, unlike retrieval, has
// no caller-facing latency budget of its own (spec §6.2).
const summarizerTimeout = 20 * time.Second

// Engine runs leaf and condensed compaction passes against a conversation
// store (spec §4.4).
type Engine struct {
	store      *convstore.Store
	summarizer summarizer.Summarizer
	metrics    metrics.Recorder
	log        *logx.Logger
	cfg        lcmconfig.Config

	// convLocks serializes concurrent Compact calls per conversation. The
	// SQLite writer lock alone only protects individual statements; two
	// concurrent passes could otherwise both select the same oldest batch
	// before either commits, each spawning its own summary over the same
	// sources (spec §8 scenario 3 requires this to never happen).
	convLocks sync.Map // conversationID -> *sync.Mutex
}

// New builds an Engine. recorder defaults to metrics.Noop{} when nil.
func New(store *convstore.Store, summ summarizer.Summarizer, recorder metrics.Recorder, cfg lcmconfig.Config) *Engine {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Engine{store: store, summarizer: summ, metrics: recorder, log: logx.NewLogger("lcm.compaction"), cfg: cfg}
}

func (e *Engine) lockConversation(conversationID string) func() {
	v, _ := e.convLocks.LoadOrStore(conversationID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Compact runs leaf-then-condensed passes, oldest-batch-first outside the
// fresh tail, until active tokens fall under the configured ceiling or no
// further candidates remain. A single call may run several passes; each
// pass summarizes outside any transaction, then commits the new summary,
// its lineage edges, and its sources' tombstones in one transaction via
// convstore.CommitCompaction (spec §5's failure-isolation rule). Concurrent
// calls for the same conversation run one at a time; a call that finds
// nothing left to do (because a previous call already compacted it) reports
// compacted:false rather than racing.
func (e *Engine) Compact(ctx context.Context, in Input) (Result, error) {
	defer e.lockConversation(in.ConversationID)()

	target := in.Target
	if target == "" {
		target = TargetThreshold
	}
	if in.TokenBudget <= 0 {
		return Result{}, fmt.Errorf("compaction: %w: tokenBudget is required", lcmerrors.ErrInvalidInput)
	}

	ceiling := in.TokenBudget
	if target == TargetThreshold {
		ceiling = int64(float64(in.TokenBudget) * e.cfg.ContextThreshold)
	}

	if in.DryRun {
		return e.previewOnePass(ctx, in, ceiling)
	}

	compactedAny := false
	var lastDetail *Detail
	reason := "under_threshold"

	for {
		active, err := e.store.GetContextItems(ctx, convstore.GetContextItemsParams{ConversationID: in.ConversationID})
		if err != nil {
			return Result{}, fmt.Errorf("compaction: list active items: %w", err)
		}
		if sumTokens(active) <= ceiling {
			break
		}

		protected := protectedTail(active, e.cfg.FreshTailCount)
		tier, relation, batch := pickBatch(active, protected, e.cfg)
		if len(batch) == 0 {
			reason = "insufficient_candidates"
			break
		}

		passStart := time.Now()
		detail, err := e.compactBatch(ctx, in, tier, relation, batch)
		if err != nil {
			var failure *lcmerrors.SummarizerFailure
			if errors.As(err, &failure) {
				e.metrics.ObserveCompaction(in.ConversationID, tier, false, time.Since(passStart))
				return Result{OK: false, Compacted: false, Reason: failure.Message}, nil
			}
			return Result{}, err
		}

		e.metrics.ObserveCompaction(in.ConversationID, tier, true, time.Since(passStart))
		compactedAny = true
		lastDetail = detail
	}

	if !compactedAny {
		return Result{OK: true, Compacted: false, Reason: reason}, nil
	}
	return Result{OK: true, Compacted: true, Detail: lastDetail}, nil
}

// previewOnePass selects the same batch a real Compact call would pick next
// and asks the summarizer what it would produce, but never calls
// CommitCompaction - nothing is written. It only ever previews a single
// pass; a DryRun never loops, since looping would require the real state
// changes it's explicitly avoiding.
func (e *Engine) previewOnePass(ctx context.Context, in Input, ceiling int64) (Result, error) {
	active, err := e.store.GetContextItems(ctx, convstore.GetContextItemsParams{ConversationID: in.ConversationID})
	if err != nil {
		return Result{}, fmt.Errorf("compaction: list active items: %w", err)
	}
	if sumTokens(active) <= ceiling {
		return Result{OK: true, Compacted: false, Reason: "under_threshold"}, nil
	}

	protected := protectedTail(active, e.cfg.FreshTailCount)
	tier, _, batch := pickBatch(active, protected, e.cfg)
	if len(batch) == 0 {
		return Result{OK: true, Compacted: false, Reason: "insufficient_candidates"}, nil
	}

	texts := make([]string, len(batch))
	ids := make([]string, len(batch))
	var tokensBefore int64
	for i, item := range batch {
		texts[i] = item.Body
		tokensBefore += item.TokenEstimate
		if tier == "leaf" {
			ids[i] = item.SourceMessageID
		} else {
			ids[i] = item.ID
		}
	}

	targetTokens := e.cfg.LeafTargetTokens
	if tier == "condensed" {
		targetTokens = e.cfg.CondensedTargetTokens
	}

	sctx, cancel := context.WithTimeout(ctx, summarizerTimeout)
	defer cancel()
	sres, err := e.summarizer.Summarize(sctx, summarizer.Request{
		Messages:           texts,
		TargetTokens:       targetTokens,
		CustomInstructions: in.CustomInstructions,
	})
	if err != nil {
		var failure *lcmerrors.SummarizerFailure
		if errors.As(summarizer.AsFailure(sctx, err), &failure) {
			return Result{OK: false, Compacted: false, Reason: failure.Message}, nil
		}
		return Result{}, err
	}

	return Result{
		OK:        true,
		Compacted: true,
		DryRunDetail: &DryRunDetail{
			Tier:             tier,
			SourceIDs:        ids,
			TokensBefore:     tokensBefore,
			PredictedSummary: sres.SummaryText,
			TokensAfter:      int64(tokenest.CharDiv4{}.EstimateText(sres.SummaryText)),
		},
	}, nil
}

func (e *Engine) compactBatch(ctx context.Context, in Input, tier string, relation convstore.Relation, batch []convstore.ContextItem) (*Detail, error) {
	texts := make([]string, len(batch))
	var tokensBefore int64
	for i, item := range batch {
		texts[i] = item.Body
		tokensBefore += item.TokenEstimate
	}

	targetTokens := e.cfg.LeafTargetTokens
	depth := 0
	if tier == "condensed" {
		targetTokens = e.cfg.CondensedTargetTokens
		depth = 1
	}

	sctx, cancel := context.WithTimeout(ctx, summarizerTimeout)
	defer cancel()
	sres, err := e.summarizer.Summarize(sctx, summarizer.Request{
		Messages:           texts,
		TargetTokens:       targetTokens,
		CustomInstructions: in.CustomInstructions,
	})
	if err != nil {
		return nil, summarizer.AsFailure(sctx, err)
	}

	commitIn := convstore.CompactionInput{
		ConversationID: in.ConversationID,
		Title:          fmt.Sprintf("%s summary", tier),
		Body:           sres.SummaryText,
		Depth:          depth,
		ParentRelation: relation,
	}
	switch tier {
	case "leaf":
		ids := make([]string, len(batch))
		for i, item := range batch {
			ids[i] = item.SourceMessageID
		}
		commitIn.SourceMessageIDs = ids
	default:
		ids := make([]string, len(batch))
		for i, item := range batch {
			ids[i] = item.ID
		}
		commitIn.SourceItemIDs = ids
	}

	committed, err := e.store.CommitCompaction(ctx, commitIn)
	if err != nil {
		return nil, fmt.Errorf("compaction: commit %s batch: %w", tier, err)
	}

	firstKept, err := e.firstActiveID(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}

	detail := &Detail{
		SummaryID:        committed.Summary.ID,
		FirstKeptEntryID: firstKept,
		TokensBefore:     tokensBefore,
	}
	if committed.Summary.TokenEstimate <= tokensBefore {
		tokensAfter := committed.Summary.TokenEstimate
		detail.TokensAfter = &tokensAfter
	}
	return detail, nil
}

func (e *Engine) firstActiveID(ctx context.Context, conversationID string) (string, error) {
	items, err := e.store.GetContextItems(ctx, convstore.GetContextItemsParams{ConversationID: conversationID, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("compaction: first active item: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}
	return items[0].ID, nil
}

func sumTokens(items []convstore.ContextItem) int64 {
	var total int64
	for _, item := range items {
		total += item.TokenEstimate
	}
	return total
}

// protectedTail returns the ids of the newest freshTailCount active items,
// which selection must never touch (spec §4.4's fresh-tail protection).
func protectedTail(active []convstore.ContextItem, freshTailCount int) map[string]bool {
	protected := map[string]bool{}
	if freshTailCount <= 0 || len(active) == 0 {
		return protected
	}
	start := len(active) - freshTailCount
	if start < 0 {
		start = 0
	}
	for _, item := range active[start:] {
		protected[item.ID] = true
	}
	return protected
}

// pickBatch prefers a leaf batch (raw message-type items) over a condensed
// batch (depth-0 summary items) so the cheapest, most local tier always
// drains first.
func pickBatch(active []convstore.ContextItem, protected map[string]bool, cfg lcmconfig.Config) (tier string, relation convstore.Relation, batch []convstore.ContextItem) {
	leaf := selectByType(active, protected, convstore.ItemMessage, cfg.LeafBatchSize)
	if len(leaf) > 0 {
		return "leaf", convstore.RelationSummarizes, leaf
	}
	condensed := selectLeafSummaries(active, protected, cfg.CondensedBatchSize)
	if len(condensed) > 0 {
		return "condensed", convstore.RelationDerived, condensed
	}
	return "", "", nil
}

func selectByType(active []convstore.ContextItem, protected map[string]bool, itemType convstore.ItemType, size int) []convstore.ContextItem {
	var out []convstore.ContextItem
	for _, item := range active {
		if protected[item.ID] || item.ItemType != itemType {
			continue
		}
		out = append(out, item)
		if len(out) == size {
			break
		}
	}
	return out
}

func selectLeafSummaries(active []convstore.ContextItem, protected map[string]bool, size int) []convstore.ContextItem {
	var out []convstore.ContextItem
	for _, item := range active {
		if protected[item.ID] || item.ItemType != convstore.ItemSummary || item.Depth != 0 {
			continue
		}
		out = append(out, item)
		if len(out) == size {
			break
		}
	}
	return out
}
