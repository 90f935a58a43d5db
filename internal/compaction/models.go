// Package compaction is the LCM two-tier compaction engine (spec §4.4): it
// replaces batches of raw conversation entries with leaf summaries, and
// batches of leaf summaries with condensed summaries, to keep an active
// context chain under a token budget without ever touching the fresh tail.
package compaction

// Target selects how Compact computes its token ceiling.
type Target string

const (
	// TargetThreshold compacts until active tokens fall under
	// contextThreshold * TokenBudget - the automatic overflow trigger,
	// also callable manually.
	TargetThreshold Target = "threshold"
	// TargetBudget compacts until active tokens fall under TokenBudget
	// directly, ignoring contextThreshold.
	TargetBudget Target = "budget"
)

// Input configures one Compact call.
type Input struct {
	ConversationID     string
	Target             Target // defaults to TargetThreshold
	TokenBudget        int64  // the host's model context budget; required
	CustomInstructions string

	// DryRun previews the single next compaction pass - which tier and
	// batch selection would run, and the summary a real Summarize call
	// would produce - without committing anything to storage. Answers
	// "what would compaction do right now".
	DryRun bool
}

// DryRunDetail describes the single next pass a DryRun call would commit.
type DryRunDetail struct {
	Tier             string
	SourceIDs        []string
	TokensBefore     int64
	PredictedSummary string
	TokensAfter      int64
}

// Detail describes the most recent summary a Compact call produced.
type Detail struct {
	SummaryID        string
	FirstKeptEntryID string
	TokensBefore     int64
	TokensAfter      *int64 // nil if it would exceed TokensBefore (sanity check)
}

// Result is the outcome of a Compact call, matching spec §4.4's
// {ok, compacted, reason?, result?} shape.
type Result struct {
	OK        bool
	Compacted bool
	Reason    string
	Detail    *Detail

	// DryRunDetail is set only when Input.DryRun was true.
	DryRunDetail *DryRunDetail
}
