package cli

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/qrewrite/internal/host"
	"github.com/roach88/qrewrite/internal/query"
	"github.com/roach88/qrewrite/internal/sqlparse"
)

// ExecResult is the outcome of one executed text.
type ExecResult struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected"`
}

// NewExecCommand creates the exec command.
func NewExecCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec [sql]",
		Short: "Execute SQL against the database through a rewriting session",
		Long: `Open the configured SQLite database through the rewriting driver and
execute SQL on one connection. The connection registers as a worker, loads
the rules for --scope and rewrites matching statements before they run.

Reads the text from stdin when no argument is given.`,
		Example: `  qrewrite exec "SELECT name FROM users WHERE id = 1"
  qrewrite --scope reporting exec "SELECT * FROM orders" --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := statementArg(cmd, args)
			if err != nil {
				return err
			}
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				db, conn, err := e.openConn(ctx)
				if err != nil {
					return f.Fail(ExitCommandError, "open database", err)
				}
				defer db.Close()
				defer conn.Close()

				res, err := execText(ctx, conn, e.parser, text)
				if err != nil {
					return f.Fail(exitCodeFor(err), "exec", err)
				}
				return f.Success(res, formatExec(res))
			})
		},
	}
}

// openConn opens the database through the rewriting driver and pins one
// connection, so every statement goes through the same worker.
func (e *env) openConn(ctx context.Context) (*sql.DB, *sql.Conn, error) {
	db := host.NewDriver(e.arena, e.cfg.Scope, e.parser).OpenDB(e.cfg.Database)
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("open %s: %w", e.cfg.Database, err)
	}
	return db, conn, nil
}

// execText runs text on conn. A single SELECT, or a single statement the
// parser does not understand, is run as a query; anything else is executed.
func execText(ctx context.Context, conn *sql.Conn, parser *sqlparse.Parser, text string) (ExecResult, error) {
	if !isQuery(ctx, parser, text) {
		r, err := conn.ExecContext(ctx, text)
		if err != nil {
			return ExecResult{}, err
		}
		n, _ := r.RowsAffected()
		return ExecResult{RowsAffected: n}, nil
	}

	rows, err := conn.QueryContext(ctx, text)
	if err != nil {
		return ExecResult{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return ExecResult{}, err
	}
	res := ExecResult{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return ExecResult{}, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, rows.Err()
}

func isQuery(ctx context.Context, parser *sqlparse.Parser, text string) bool {
	pieces, err := parser.Split(text)
	if err != nil || len(pieces) != 1 {
		return false
	}
	stmt, err := parser.Parse(pieces[0].Text)
	if err != nil {
		return true
	}
	p, err := (&query.Analyzer{}).AnalyzePayload(ctx, stmt, pieces[0].Text)
	return err == nil && p.Command == query.CommandSelect
}

func formatExec(res ExecResult) string {
	if res.Columns == nil {
		return fmt.Sprintf("OK (%d rows affected)", res.RowsAffected)
	}
	var buf strings.Builder
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = fmt.Sprint(v)
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
	fmt.Fprintf(&buf, "(%d rows)", len(res.Rows))
	return buf.String()
}
