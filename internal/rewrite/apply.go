package rewrite

import "github.com/roach88/qrewrite/internal/query"

// Apply substitutes replacement's semantic payload into target.
//
// target keeps its identity (QueryID, SourceText); its position is reset to
// the whole-string sentinel because Location/Length index the submitted
// text, not the replacement.
func Apply(replacement, target *query.AnalyzedStatement) {
	target.ReplacePayload(replacement)
}
