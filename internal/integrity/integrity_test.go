package integrity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-lcm/lcm/internal/metrics"
	"github.com/maestro-lcm/lcm/internal/storage"
)

func newTestChecker(t *testing.T) (*Checker, *storage.Backend) {
	t.Helper()
	backend, err := storage.Open(filepath.Join(t.TempDir(), "lcm.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return New(backend, metrics.Noop{}), backend
}

func TestCheckFindsSeededViolations(t *testing.T) {
	checker, backend := newTestChecker(t)
	ctx := context.Background()
	db := backend.DB()

	_, err := db.ExecContext(ctx, `INSERT INTO lcm_conversations (id, created_at_ms, updated_at_ms) VALUES ('conv-1', 1, 1)`)
	require.NoError(t, err)

	// (a) summary without lineage
	_, err = db.ExecContext(ctx, `INSERT INTO lcm_context_items (id, conversation_id, item_type, body, created_at_ms, updated_at_ms)
		VALUES ('summary-orphan', 'conv-1', 'summary', 'body', 10, 10)`)
	require.NoError(t, err)

	// (b) context item pointing at a missing conversation
	_, err = db.ExecContext(ctx, `INSERT INTO lcm_context_items (id, conversation_id, item_type, body, created_at_ms, updated_at_ms)
		VALUES ('item-missing-conv', 'conv-ghost', 'note', 'body', 20, 20)`)
	require.NoError(t, err)

	// (c) lineage edge with a missing endpoint
	_, err = db.ExecContext(ctx, `INSERT INTO lcm_lineage_edges (id, conversation_id, parent_item_id, child_item_id, relation, created_at_ms)
		VALUES ('edge-dangling', 'conv-1', 'summary-orphan', 'does-not-exist', 'derived', 30)`)
	require.NoError(t, err)

	violations, err := checker.Check(ctx, "")
	require.NoError(t, err)

	codes := map[Code]int{}
	for _, v := range violations {
		codes[v.Code]++
	}
	assert.Equal(t, 1, codes[CodeSummaryWithoutSource])
	assert.Equal(t, 1, codes[CodeContextItemMissingConversation])
	assert.Equal(t, 1, codes[CodeLineageEdgeMissingContextItem])
	assert.Len(t, violations, 3)
}

func TestRepairAppliesFixableActionsAndReportsRemaining(t *testing.T) {
	checker, backend := newTestChecker(t)
	ctx := context.Background()
	db := backend.DB()

	_, err := db.ExecContext(ctx, `INSERT INTO lcm_conversations (id, created_at_ms, updated_at_ms) VALUES ('conv-1', 1, 1)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO lcm_context_items (id, conversation_id, item_type, body, created_at_ms, updated_at_ms)
		VALUES ('summary-orphan', 'conv-1', 'summary', 'body', 10, 10)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO lcm_context_items (id, conversation_id, item_type, body, created_at_ms, updated_at_ms)
		VALUES ('item-missing-conv', 'conv-ghost', 'note', 'body', 20, 20)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO lcm_lineage_edges (id, conversation_id, parent_item_id, child_item_id, relation, created_at_ms)
		VALUES ('edge-dangling', 'conv-1', 'summary-orphan', 'does-not-exist', 'derived', 30)`)
	require.NoError(t, err)

	result, err := checker.Repair(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, 3, result.PreRepairViolationCount)
	assert.Equal(t, 2, result.Applied)
	require.Len(t, result.RemainingViolations, 1)
	assert.Equal(t, CodeSummaryWithoutSource, result.RemainingViolations[0].Code)
}
