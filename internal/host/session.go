// Package host embeds the rewrite core in a database/sql client.
//
// A Session is the host side of one connection: it splits submitted text,
// parses and analyzes each statement and hands it to a rewrite worker
// around execution. Driver and Connector wrap the sqlite3 driver so that
// every connection gets its own Session.
//
// Statements the parser or analyzer cannot handle are passed to the
// database unchanged; the database reports its own errors for them.
package host

import (
	"context"
	"log/slog"
	"strings"

	"github.com/roach88/qrewrite/internal/query"
	"github.com/roach88/qrewrite/internal/rewrite"
	"github.com/roach88/qrewrite/internal/sqlparse"
)

// Result is the outcome of running a submitted text through a Session.
type Result struct {
	// Text is what the database executes. It equals the submitted text
	// byte for byte when nothing was rewritten.
	Text string

	// Statements holds the analyzed statements in submission order.
	// Statements that could not be analyzed are absent.
	Statements []*query.AnalyzedStatement

	Rewritten bool
}

// Session drives one rewrite worker for one connection.
type Session struct {
	parser    *sqlparse.Parser
	processor rewrite.StatementProcessor
	analyzer  *query.Analyzer
	logger    *slog.Logger
}

// NewSession creates a session with a fresh worker from arena. A nil
// arena yields a session that never rewrites.
func NewSession(arena *rewrite.Arena, scope string, parser *sqlparse.Parser, catalog query.Catalog) *Session {
	analyzer := &query.Analyzer{Catalog: catalog}
	s := &Session{
		parser:    parser,
		processor: rewrite.Passthrough{},
		analyzer:  analyzer,
		logger:    slog.Default(),
	}
	if arena != nil {
		w := arena.NewWorker(scope, parser, analyzer)
		s.processor = w
		s.logger = arena.Logger.With("worker_id", w.ID())
	}
	return s
}

// Worker returns the session's worker, or nil for a passthrough session.
func (s *Session) Worker() *rewrite.Worker {
	w, _ := s.processor.(*rewrite.Worker)
	return w
}

// Rewrite runs text through the worker. An error means a statement failed
// and nothing should be executed.
func (s *Session) Rewrite(ctx context.Context, text string) (Result, error) {
	res := Result{Text: text}

	pieces, err := s.parser.Split(text)
	if err != nil {
		s.logger.Debug("split failed, passing through", "event", "host.split", "error", err)
		return res, nil
	}

	out := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		st := s.analyze(ctx, text, piece)
		if st == nil {
			out = append(out, piece.Text)
			continue
		}
		if err := s.processor.OnAnalyzed(ctx, st); err != nil {
			return Result{Text: text}, err
		}
		s.processor.OnExecuteStart(ctx, st)

		res.Statements = append(res.Statements, st)
		if st.Rewritten {
			res.Rewritten = true
			out = append(out, st.Text)
		} else {
			out = append(out, piece.Text)
		}
	}

	if res.Rewritten {
		res.Text = strings.Join(out, ";\n")
	}
	return res, nil
}

func (s *Session) analyze(ctx context.Context, text string, piece sqlparse.Piece) *query.AnalyzedStatement {
	stmt, err := s.parser.Parse(piece.Text)
	if err != nil {
		s.logger.Debug("parse failed, passing through", "event", "host.parse", "error", err)
		return nil
	}
	st, err := s.analyzer.Analyze(ctx, stmt, text, piece)
	if err != nil {
		s.logger.Debug("analysis failed, passing through", "event", "host.analyze", "error", err)
		return nil
	}
	return st
}

// Close releases the worker.
func (s *Session) Close(ctx context.Context) error {
	return s.processor.Close(ctx)
}
