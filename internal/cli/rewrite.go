package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/qrewrite/internal/host"
	"github.com/roach88/qrewrite/internal/query"
	"github.com/roach88/qrewrite/internal/rewrite"
	"github.com/roach88/qrewrite/internal/store"
)

// NewRewriteCommand creates the rewrite (dry-run) command.
func NewRewriteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rewrite [sql]",
		Short: "Show how a statement would be rewritten",
		Long: `Match SQL text against the current rules for --scope and print the text
a session would execute. Nothing is executed, no session is registered and
rewrite counts are not incremented.

Reads the text from stdin when no argument is given.`,
		Example: `  qrewrite rewrite "SELECT * FROM orders"
  echo "SELECT 1; SELECT 2" | qrewrite rewrite --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := statementArg(cmd, args)
			if err != nil {
				return err
			}
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				cache, err := rewrite.LoadCache(ctx, e.store, e.parser, e.cfg.Scope, e.logger)
				if err != nil {
					return f.Fail(exitCodeFor(err), "load rules", err)
				}
				p := host.PreviewRewrite(ctx, cache, e.parser, e.catalog(), text)

				if e.cfg.Strict {
					for _, st := range p.Statements {
						if st.Err != nil {
							return f.Fail(ExitFailure, "rewrite", st.Err)
						}
					}
				}
				return f.Success(p, formatPreview(p))
			})
		},
	}
}

// statementArg returns the SQL argument, or stdin when there is none.
func statementArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", WrapExitError(ExitCommandError, "failed to read stdin", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", NewExitError(ExitCommandError, "no SQL given")
	}
	return text, nil
}

func formatPreview(p host.Preview) string {
	var b strings.Builder
	b.WriteString(p.Output)
	for _, st := range p.Statements {
		if st.Error != "" {
			fmt.Fprintf(&b, "\n-- rule %d not applied to %q: %s", st.RuleID, st.Input, st.Error)
		}
	}
	return b.String()
}

// catalog returns a catalog over the rule database when it is a SQLite
// file, so previews resolve column types the way a session does.
func (e *env) catalog() query.Catalog {
	if st, ok := e.store.(*store.Store); ok {
		return host.DBCatalog{DB: st.DB()}
	}
	return nil
}
