package host

import (
	"context"
	"strings"

	"github.com/roach88/qrewrite/internal/query"
	"github.com/roach88/qrewrite/internal/rewrite"
	"github.com/roach88/qrewrite/internal/sqlparse"
)

// PreviewStatement is the preview outcome for one statement.
type PreviewStatement struct {
	Input     string `json:"input"`
	Output    string `json:"output"`
	Rewritten bool   `json:"rewritten"`
	RuleID    int64  `json:"rule_id,omitempty"`
	Error     string `json:"error,omitempty"`

	Err error `json:"-"`
}

// Preview is what a session holding cache would do to a submitted text.
type Preview struct {
	Input      string             `json:"input"`
	Output     string             `json:"output"`
	Rewritten  bool               `json:"rewritten"`
	Statements []PreviewStatement `json:"statements"`
}

// PreviewRewrite matches text against cache without a worker: nothing is
// registered and no rewrite is counted. A replacement that fails
// reanalysis is reported on its statement and the statement is kept.
func PreviewRewrite(ctx context.Context, cache *rewrite.Cache, parser *sqlparse.Parser, catalog query.Catalog, text string) Preview {
	p := Preview{Input: text, Output: text}

	pieces, err := parser.Split(text)
	if err != nil {
		return p
	}

	analyzer := &query.Analyzer{Catalog: catalog}
	re := &rewrite.Reanalyzer{Parser: parser, Analyzer: analyzer}

	out := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		ps := PreviewStatement{Input: piece.Text, Output: piece.Text}

		if stmt, err := parser.Parse(piece.Text); err == nil {
			if entry, ok := cache.Match(stmt); ok {
				ps.RuleID = int64(entry.RuleID)
				replacement, err := re.Reanalyze(ctx, entry.Target)
				if err != nil {
					ps.Err = err
					ps.Error = err.Error()
				} else {
					ps.Output = replacement.Text
					ps.Rewritten = true
					p.Rewritten = true
				}
			}
		}

		p.Statements = append(p.Statements, ps)
		out = append(out, ps.Output)
	}

	if p.Rewritten {
		p.Output = strings.Join(out, ";\n")
	}
	return p
}
