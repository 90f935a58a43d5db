package retrieval

import "strings"

// likePattern escapes SQL LIKE metacharacters in query and wraps it for a
// substring match. Mirrors convstore's unexported helper of the same name.
func likePattern(query string) string {
	escaped := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_").Replace(query)
	return "%" + escaped + "%"
}

// ftsQuery quotes each whitespace-separated term so fts5 treats the query
// as a literal phrase search rather than interpreting user input as query
// syntax (column filters, NOT/OR operators).
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
