package rewrite

import (
	"context"
	"errors"

	"github.com/roach88/qrewrite/internal/query"
	"github.com/roach88/qrewrite/internal/rules"
	"github.com/roach88/qrewrite/internal/sqlparse"
)

// Reanalyzer turns replacement text into a fully analyzed statement using
// the same parser and analyzer the host uses for incoming statements.
type Reanalyzer struct {
	Parser   *sqlparse.Parser
	Analyzer *query.Analyzer
}

var errEmptyReplacement = errors.New("replacement contains no statement")

// Reanalyze parses and analyzes text, which must hold exactly one statement.
// Every error is a *rules.Error carrying text.
func (r *Reanalyzer) Reanalyze(ctx context.Context, text string) (*query.AnalyzedStatement, error) {
	pieces, err := r.Parser.Split(text)
	if err != nil {
		return nil, rules.NewParseError(text, err)
	}
	switch len(pieces) {
	case 0:
		return nil, rules.NewParseError(text, errEmptyReplacement)
	case 1:
	default:
		return nil, rules.NewMultipleStatementsError(text, len(pieces))
	}

	stmt, err := r.Parser.Parse(pieces[0].Text)
	if err != nil {
		return nil, rules.NewParseError(text, err)
	}

	analyzer := r.Analyzer
	if analyzer == nil {
		analyzer = &query.Analyzer{}
	}
	st, err := analyzer.Analyze(ctx, stmt, text, pieces[0])
	if err != nil {
		return nil, rules.NewAnalysisError(text, err)
	}
	return st, nil
}
