// Package retrieval is the LCM Retrieval Engine (spec §4.5): read-only
// describe/grep/expand queries over the full history, including tombstoned
// items. Grounded in the teacher's pkg/knowledge/retrieval.go (FTS5 search,
// neighbor expansion over a graph) generalized from a static knowledge
// graph to the live, lineage-tombstoning context graph, plus
// pkg/persistence's operations-struct-over-*sql.DB pattern.
package retrieval

// Bounds applied to every retrieval call, per spec §4.5.
const (
	MinDepth     = 0
	MaxDepth     = 8
	DefaultDepth = 2

	MinLimit     = 1
	MaxLimit     = 500
	DefaultLimit = 40

	MinTokenCap     = 1
	MaxTokenCap     = 20000
	DefaultTokenCap = 4000

	// RegexScanLimit bounds how many rows a regex grep scans before giving
	// up and reporting truncated=true.
	RegexScanLimit = 2000
)

func clampInt(value, lo, hi, def int) int {
	if value == 0 {
		value = def
	}
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// resolveDepth clamps an explicitly-supplied depth into [MinDepth, MaxDepth]
// without ever substituting a default for it: unlike TokenCap/Limit, whose
// valid ranges start at 1 (so 0 can only ever mean "unset"), depth's valid
// range starts at 0, which is itself a legitimate request ("just the root,
// no expansion"). A nil value means the caller didn't set the field at all,
// which is the only case DefaultDepth applies.
func resolveDepth(value *int) int {
	if value == nil {
		return DefaultDepth
	}
	d := *value
	if d < MinDepth {
		return MinDepth
	}
	if d > MaxDepth {
		return MaxDepth
	}
	return d
}
