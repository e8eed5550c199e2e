// Package query defines the analyzed form of one SQL statement and the
// analyzer that produces it.
//
// An AnalyzedStatement has two parts:
//   - identity metadata owned by the host (QueryID, SourceText, Location,
//     Length) that locates the statement inside the text a client submitted;
//   - a semantic Payload (command kind, parsed AST, target list, range table,
//     clauses, flags) that the rewrite core may replace wholesale.
//
// Payload is the single copyable surface of a statement. Replacing a
// statement's meaning is always ReplacePayload, never a field-by-field copy.
package query

import (
	"hash/fnv"
	"slices"

	"github.com/roach88/qrewrite/internal/sqlparse"
)

// PayloadVersion is bumped whenever Payload gains or loses fields.
const PayloadVersion = 1

// WholeString is the Location sentinel meaning "the statement's position in
// the source text is unknown; treat it as the whole string".
const WholeString = -1

// CommandType is the kind of statement.
type CommandType int

const (
	CommandUnknown CommandType = iota
	CommandSelect
	CommandInsert
	CommandUpdate
	CommandDelete
	CommandUtility
)

// String returns the lowercase command name.
func (c CommandType) String() string {
	switch c {
	case CommandSelect:
		return "select"
	case CommandInsert:
		return "insert"
	case CommandUpdate:
		return "update"
	case CommandDelete:
		return "delete"
	case CommandUtility:
		return "utility"
	default:
		return "unknown"
	}
}

// DataType is the type assigned to an expression during analysis.
type DataType string

const (
	TypeUnknown DataType = "unknown"
	TypeInteger DataType = "integer"
	TypeReal    DataType = "real"
	TypeText    DataType = "text"
	TypeBoolean DataType = "boolean"
	TypeNull    DataType = "null"
	TypeBlob    DataType = "blob"
	TypeNumeric DataType = "numeric"
)

// TargetEntry is one output column of a statement.
type TargetEntry struct {
	// Resno is the 1-based output position.
	Resno int `json:"resno"`
	// Name is the output column name (alias or rendered expression).
	Name string `json:"name"`
	// Expr is the canonical rendering of the expression.
	Expr string `json:"expr"`
	// Type is the assigned type.
	Type DataType `json:"type"`
	// Star marks "*" or "t.*" entries.
	Star bool `json:"star,omitempty"`
}

// RangeEntry is one relation the statement reads or writes.
type RangeEntry struct {
	Table     string `json:"table"`
	Qualifier string `json:"qualifier,omitempty"`
	Alias     string `json:"alias,omitempty"`
	// Derived marks CTE references and derived tables, which have no catalog entry.
	Derived bool `json:"derived,omitempty"`
}

// Payload is the semantic content of an analyzed statement.
type Payload struct {
	Version int
	Command CommandType

	// Text is the statement text handed to execution.
	Text string

	// Parsed is the statement's AST.
	Parsed sqlparse.Statement

	TargetList     []TargetEntry
	RangeTable     []RangeEntry
	ResultRelation string
	CTENames       []string

	Where   string
	Having  string
	OrderBy []string
	Limit   string

	HasAggs          bool
	HasSubLinks      bool
	HasDistinct      bool
	HasSetOperations bool
}

// Clone deep-copies the payload, including the AST.
func (p Payload) Clone() Payload {
	out := p
	out.Parsed = sqlparse.Clone(p.Parsed)
	out.TargetList = slices.Clone(p.TargetList)
	out.RangeTable = slices.Clone(p.RangeTable)
	out.CTENames = slices.Clone(p.CTENames)
	out.OrderBy = slices.Clone(p.OrderBy)
	return out
}

// AnalyzedStatement is the fully analyzed form of one statement in flight.
type AnalyzedStatement struct {
	// QueryID identifies the statement for downstream consumers. It is
	// computed from the submitted statement and survives substitution.
	QueryID uint64

	// SourceText is the complete text the client submitted.
	SourceText string

	// Location and Length locate this statement in SourceText.
	// Location == WholeString means unknown.
	Location int
	Length   int

	Payload

	// Rewritten and RuleID record a substitution for telemetry.
	Rewritten bool
	RuleID    int64
}

// ReplacePayload overwrites the semantic payload with a deep copy of
// from's payload. Identity (QueryID, SourceText) is kept, and the position
// is invalidated because it indexes the original text, not the replacement.
func (s *AnalyzedStatement) ReplacePayload(from *AnalyzedStatement) {
	s.Payload = from.Payload.Clone()
	s.InvalidatePosition()
}

// InvalidatePosition resets Location/Length to the whole-string sentinel.
func (s *AnalyzedStatement) InvalidatePosition() {
	s.Location = WholeString
	s.Length = 0
}

// HasValidPosition reports whether Location/Length index into SourceText.
func (s *AnalyzedStatement) HasValidPosition() bool {
	return s.Location >= 0 && s.Length >= 0 && s.Location+s.Length <= len(s.SourceText)
}

// Snippet returns the part of SourceText this statement occupies, or the
// whole SourceText when the position is unknown or out of range.
func (s *AnalyzedStatement) Snippet() string {
	if s.Location == WholeString || !s.HasValidPosition() {
		return s.SourceText
	}
	return s.SourceText[s.Location : s.Location+s.Length]
}

// ComputeQueryID derives a statement identity from its canonical rendering.
func ComputeQueryID(stmt sqlparse.Statement, fallback string) uint64 {
	h := fnv.New64a()
	if stmt != nil {
		h.Write([]byte(sqlparse.Canonical(stmt)))
	} else {
		h.Write([]byte(fallback))
	}
	return h.Sum64()
}
