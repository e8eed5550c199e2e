// Package sqlparse is the parser collaborator of the rewrite core.
//
// It wraps vitess' sqlparser so that the rest of the module sees a small,
// deterministic surface: split a submitted text into statements with their
// byte positions, parse one statement into an AST, and compare or render ASTs.
//
// Equal compares the parsed form structurally, so two statements that differ
// only in whitespace or keyword case compare equal.
package sqlparse

import (
	"fmt"
	"strings"

	"vitess.io/vitess/go/vt/sqlparser"
)

// Statement is a parsed top-level statement.
type Statement = sqlparser.Statement

// Node is any AST node.
type Node = sqlparser.SQLNode

// DefaultServerVersion is the MySQL grammar version the parser targets.
const DefaultServerVersion = "8.0.30"

// Piece is one statement of a submitted text.
type Piece struct {
	// Text is the statement text without the terminating semicolon,
	// trimmed of surrounding whitespace.
	Text string

	// Location is the byte offset of Text within the submitted text.
	Location int

	// Length is len(Text).
	Length int
}

// Parser parses statement text. It is safe for concurrent use.
type Parser struct {
	p *sqlparser.Parser
}

// New creates a Parser for the default grammar version.
func New() (*Parser, error) {
	p, err := sqlparser.New(sqlparser.Options{MySQLServerVersion: DefaultServerVersion})
	if err != nil {
		return nil, fmt.Errorf("create sql parser: %w", err)
	}
	return &Parser{p: p}, nil
}

// MustNew is like New but panics on error.
// Use only in tests or package initialization.
func MustNew() *Parser {
	p, err := New()
	if err != nil {
		panic(err)
	}
	return p
}

// Split breaks text into its top-level statements and records where each one
// sits in text. Empty statements (stray semicolons) are dropped.
func (p *Parser) Split(text string) ([]Piece, error) {
	raw, err := p.p.SplitStatementToPieces(text)
	if err != nil {
		return nil, fmt.Errorf("split statements: %w", err)
	}

	pieces := make([]Piece, 0, len(raw))
	offset := 0
	for _, r := range raw {
		stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(r), ";"))
		if stmt == "" {
			continue
		}
		idx := strings.Index(text[offset:], stmt)
		if idx < 0 {
			// The splitter never rewrites text; fall back to a position-less piece.
			pieces = append(pieces, Piece{Text: stmt, Location: -1, Length: 0})
			continue
		}
		loc := offset + idx
		pieces = append(pieces, Piece{Text: stmt, Location: loc, Length: len(stmt)})
		offset = loc + len(stmt)
	}
	return pieces, nil
}

// Parse parses exactly one statement.
func (p *Parser) Parse(text string) (Statement, error) {
	stmt, err := p.p.Parse(text)
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

// Equal reports whether a and b are structurally equal ASTs.
func Equal(a, b Statement) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return sqlparser.Equals.SQLNode(a, b)
}

// Canonical renders n in the parser's canonical formatting.
func Canonical(n Node) string {
	if n == nil {
		return ""
	}
	return sqlparser.String(n)
}

// Clone deep-copies a statement.
func Clone(s Statement) Statement {
	if s == nil {
		return nil
	}
	return sqlparser.CloneStatement(s)
}
