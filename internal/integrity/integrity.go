// Package integrity is the LCM Integrity Checker (spec §4.8): an invariant
// scanner and repair planner over the context-item graph. Grounded in the
// teacher's pattern of a small read-side scanner struct plus a
// deduplicated, transactional repair plan (see pkg/knowledge/retrieval.go
// for the query style this borrows, generalized from a single graph lookup
// to the eight violation codes below).
package integrity

import (
	"context"
	"fmt"

	"github.com/maestro-lcm/lcm/internal/logx"
	"github.com/maestro-lcm/lcm/internal/metrics"
	"github.com/maestro-lcm/lcm/internal/storage"
)

// Code identifies one of the violation kinds from spec §4.8.
type Code string

const (
	CodeSummaryWithoutSource             Code = "summary_without_source"
	CodeContextItemMissingConversation   Code = "context_item_missing_conversation"
	CodeContextItemMissingSourceMessage  Code = "context_item_missing_source_message"
	CodeMessageContextMissingCanonical   Code = "message_context_missing_canonical_message"
	CodeLineageEdgeMissingContextItem    Code = "lineage_edge_missing_context_item"
	CodeDuplicateMessageOrdinal          Code = "duplicate_message_ordinal"
	CodeDuplicateMessagePartOrdinal      Code = "duplicate_message_part_ordinal"
	CodeOrphanMessagePart                Code = "orphan_message_part"
)

// Violation is one finding from Check.
type Violation struct {
	Code    Code
	Detail  string
	EntityID string
	Fixable bool
}

// RepairResult summarizes what Repair did (spec §4.8).
type RepairResult struct {
	PreRepairViolationCount int
	Applied                 int
	RemainingViolations     []Violation
}

// Checker scans one storage backend for invariant violations.
type Checker struct {
	backend  *storage.Backend
	metrics  metrics.Recorder
	log      *logx.Logger
}

// New builds a Checker. Pass metrics.Noop{} when no Prometheus registry is
// wired (e.g. in tests).
func New(backend *storage.Backend, recorder metrics.Recorder) *Checker {
	return &Checker{backend: backend, metrics: recorder, log: logx.NewLogger("lcm.integrity")}
}

// Check scans conversationID (or every conversation when conversationID is
// empty) and returns every violation found, emitting one metric observation
// per violation (spec §4.8 "check" mode).
func (c *Checker) Check(ctx context.Context, conversationID string) ([]Violation, error) {
	scanners := []func(context.Context, string) ([]Violation, error){
		c.scanSummaryWithoutSource,
		c.scanContextItemMissingConversation,
		c.scanContextItemMissingSourceMessage,
		c.scanMessageContextMissingCanonical,
		c.scanLineageEdgeMissingContextItem,
		c.scanDuplicateMessageOrdinal,
		c.scanDuplicateMessagePartOrdinal,
		c.scanOrphanMessagePart,
	}

	var all []Violation
	for _, scan := range scanners {
		found, err := scan(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}

	for _, v := range all {
		c.metrics.ObserveIntegrityViolation(string(v.Code), v.Fixable)
	}
	return all, nil
}

func scopeClause(conversationID, column string) (string, []any) {
	if conversationID == "" {
		return "", nil
	}
	return fmt.Sprintf(" AND %s = ?", column), []any{conversationID}
}
