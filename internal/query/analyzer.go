package query

import (
	"context"
	"fmt"
	"strings"

	"vitess.io/vitess/go/vt/sqlparser"

	"github.com/roach88/qrewrite/internal/sqlparse"
)

// AnalysisError reports a statement that parsed but failed semantic analysis.
type AnalysisError struct {
	Message string
}

func (e *AnalysisError) Error() string {
	return e.Message
}

func analysisErrorf(format string, args ...any) *AnalysisError {
	return &AnalysisError{Message: fmt.Sprintf(format, args...)}
}

// Analyzer turns parsed statements into AnalyzedStatements.
//
// With a nil Catalog, name resolution is skipped and column types stay
// unknown; command kind, target list, range table and clauses are still
// derived.
type Analyzer struct {
	Catalog Catalog
}

// Analyze analyzes one statement. text is the statement's own text;
// sourceText and piece locate it in the submitted text.
func (a *Analyzer) Analyze(ctx context.Context, stmt sqlparse.Statement, sourceText string, piece sqlparse.Piece) (*AnalyzedStatement, error) {
	payload, err := a.AnalyzePayload(ctx, stmt, piece.Text)
	if err != nil {
		return nil, err
	}
	return &AnalyzedStatement{
		QueryID:    ComputeQueryID(stmt, piece.Text),
		SourceText: sourceText,
		Location:   piece.Location,
		Length:     piece.Length,
		Payload:    payload,
	}, nil
}

// AnalyzePayload produces the semantic payload of one parsed statement.
func (a *Analyzer) AnalyzePayload(ctx context.Context, stmt sqlparse.Statement, text string) (Payload, error) {
	if stmt == nil {
		return Payload{}, analysisErrorf("no statement to analyze")
	}

	an := &analysis{ctx: ctx, catalog: a.Catalog}
	an.collect(stmt)
	an.topLevel(stmt)

	p := Payload{
		Version:          PayloadVersion,
		Command:          commandOf(stmt),
		Text:             text,
		Parsed:           stmt,
		RangeTable:       an.tables,
		CTENames:         an.ctes,
		Where:            an.where,
		Having:           an.having,
		OrderBy:          an.orderBy,
		Limit:            an.limit,
		HasAggs:          an.hasAggs,
		HasSubLinks:      an.hasSubLinks,
		HasDistinct:      an.hasDistinct,
		HasSetOperations: an.hasSetOps,
	}

	if err := an.resolve(); err != nil {
		return Payload{}, err
	}

	if sel := firstSelect(stmt); sel != nil {
		p.TargetList = an.targets(sel)
	}

	switch p.Command {
	case CommandInsert, CommandUpdate, CommandDelete:
		if len(p.RangeTable) > 0 {
			p.ResultRelation = p.RangeTable[0].Table
		}
	}

	return p, nil
}

func commandOf(stmt sqlparse.Statement) CommandType {
	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union:
		return CommandSelect
	case *sqlparser.Insert:
		return CommandInsert
	case *sqlparser.Update:
		return CommandUpdate
	case *sqlparser.Delete:
		return CommandDelete
	default:
		return CommandUtility
	}
}

// firstSelect returns the select that defines the output columns: the
// statement itself, or the left-most branch of a set operation.
func firstSelect(n sqlparser.SQLNode) *sqlparser.Select {
	switch s := n.(type) {
	case *sqlparser.Select:
		return s
	case *sqlparser.Union:
		return firstSelect(s.Left)
	}
	return nil
}

type analysis struct {
	ctx     context.Context
	catalog Catalog

	tables  []RangeEntry
	ctes    []string
	columns []*sqlparser.ColName
	aliases map[string]bool

	where   string
	having  string
	orderBy []string
	limit   string

	hasAggs     bool
	hasSubLinks bool
	hasDistinct bool
	hasSetOps   bool

	// resolved maps lowercased table name or alias to its catalog columns.
	resolved map[string][]Column
}

// collect walks the whole statement for relations, column references and flags.
func (an *analysis) collect(stmt sqlparse.Statement) {
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.AliasedTableExpr:
			switch te := n.Expr.(type) {
			case sqlparser.TableName:
				name := te.Name.String()
				if te.Qualifier.IsEmpty() && strings.EqualFold(name, "dual") {
					return true, nil
				}
				an.tables = append(an.tables, RangeEntry{
					Table:     name,
					Qualifier: te.Qualifier.String(),
					Alias:     n.As.String(),
				})
			case *sqlparser.DerivedTable:
				an.tables = append(an.tables, RangeEntry{
					Table:   n.As.String(),
					Alias:   n.As.String(),
					Derived: true,
				})
			}
		case *sqlparser.CommonTableExpr:
			an.ctes = append(an.ctes, n.ID.String())
		case *sqlparser.ColName:
			an.columns = append(an.columns, n)
		case *sqlparser.Subquery:
			an.hasSubLinks = true
		case *sqlparser.Union:
			an.hasSetOps = true
		case *sqlparser.Select:
			if n.Distinct {
				an.hasDistinct = true
			}
		case *sqlparser.AliasedExpr:
			if !n.As.IsEmpty() {
				if an.aliases == nil {
					an.aliases = make(map[string]bool)
				}
				an.aliases[n.As.Lowered()] = true
			}
		case sqlparser.AggrFunc:
			an.hasAggs = true
		}
		return true, nil
	}, stmt)

	for i := range an.tables {
		for _, cte := range an.ctes {
			if an.tables[i].Qualifier == "" && strings.EqualFold(an.tables[i].Table, cte) {
				an.tables[i].Derived = true
			}
		}
	}
}

// topLevel records the clauses of the outermost query block.
func (an *analysis) topLevel(root sqlparse.Statement) {
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.Select:
			return sqlparser.SQLNode(n) == sqlparser.SQLNode(root), nil
		case *sqlparser.Subquery, *sqlparser.DerivedTable, *sqlparser.With:
			return false, nil
		case *sqlparser.Where:
			if n.Type == sqlparser.HavingClause {
				an.having = sqlparse.Canonical(n.Expr)
			} else {
				an.where = sqlparse.Canonical(n.Expr)
			}
			return false, nil
		case *sqlparser.Order:
			an.orderBy = append(an.orderBy, sqlparse.Canonical(n))
			return false, nil
		case *sqlparser.Limit:
			an.limit = sqlparse.Canonical(n)
			return false, nil
		}
		return true, nil
	}, root)
}

// resolve checks relations and column references against the catalog.
func (an *analysis) resolve() error {
	if an.catalog == nil {
		return nil
	}

	an.resolved = make(map[string][]Column)
	hasDerived := false
	for _, t := range an.tables {
		if t.Derived {
			hasDerived = true
			continue
		}
		cols, ok, err := an.catalog.Columns(an.ctx, t.Table)
		if err != nil {
			return fmt.Errorf("catalog lookup %q: %w", t.Table, err)
		}
		if !ok {
			return analysisErrorf("relation %q does not exist", t.Table)
		}
		an.resolved[strings.ToLower(t.Table)] = cols
		if t.Alias != "" {
			an.resolved[strings.ToLower(t.Alias)] = cols
		}
	}

	for _, c := range an.columns {
		name := c.Name.String()
		if !c.Qualifier.IsEmpty() {
			qual := strings.ToLower(c.Qualifier.Name.String())
			cols, ok := an.resolved[qual]
			if !ok {
				if an.isDerivedName(qual) {
					continue
				}
				return analysisErrorf("missing FROM-clause entry for table %q", c.Qualifier.Name.String())
			}
			if _, found := findColumn(cols, name); !found {
				return analysisErrorf("column %s.%s does not exist", c.Qualifier.Name.String(), name)
			}
			continue
		}

		if _, found := an.lookupColumn(name); found {
			continue
		}
		if hasDerived || an.aliases[strings.ToLower(name)] {
			continue
		}
		return analysisErrorf("column %q does not exist", name)
	}
	return nil
}

func (an *analysis) isDerivedName(name string) bool {
	for _, t := range an.tables {
		if t.Derived && (strings.EqualFold(t.Table, name) || strings.EqualFold(t.Alias, name)) {
			return true
		}
	}
	return false
}

// lookupColumn searches every resolved relation for an unqualified column.
func (an *analysis) lookupColumn(name string) (Column, bool) {
	for _, t := range an.tables {
		if t.Derived {
			continue
		}
		if col, ok := findColumn(an.resolved[strings.ToLower(t.Table)], name); ok {
			return col, true
		}
	}
	return Column{}, false
}

func findColumn(cols []Column, name string) (Column, bool) {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// targets builds the target list of the select that defines the output.
func (an *analysis) targets(sel *sqlparser.Select) []TargetEntry {
	var out []TargetEntry
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.Select:
			return n == sel, nil
		case *sqlparser.Subquery, *sqlparser.DerivedTable, *sqlparser.With, *sqlparser.Where,
			*sqlparser.Order, *sqlparser.Limit:
			return false, nil
		case *sqlparser.StarExpr:
			name := "*"
			if !n.TableName.IsEmpty() {
				name = n.TableName.Name.String() + ".*"
			}
			out = append(out, TargetEntry{Resno: len(out) + 1, Name: name, Expr: name, Type: TypeUnknown, Star: true})
			return false, nil
		case *sqlparser.AliasedExpr:
			expr := sqlparse.Canonical(n.Expr)
			name := expr
			if !n.As.IsEmpty() {
				name = n.As.String()
			} else if col, ok := n.Expr.(*sqlparser.ColName); ok {
				name = col.Name.String()
			}
			out = append(out, TargetEntry{Resno: len(out) + 1, Name: name, Expr: expr, Type: an.typeOf(n.Expr)})
			return false, nil
		}
		return true, nil
	}, sel)
	return out
}

// typeOf assigns a type to an expression.
func (an *analysis) typeOf(expr sqlparser.Expr) DataType {
	switch e := expr.(type) {
	case *sqlparser.Literal:
		switch e.Type {
		case sqlparser.IntVal:
			return TypeInteger
		case sqlparser.FloatVal, sqlparser.DecimalVal:
			// SQLite gives fractional literals REAL affinity.
			return TypeReal
		case sqlparser.StrVal:
			return TypeText
		case sqlparser.HexNum, sqlparser.HexVal:
			return TypeBlob
		}
		return TypeUnknown
	case sqlparser.BoolVal:
		return TypeBoolean
	case *sqlparser.NullVal:
		return TypeNull
	case *sqlparser.ColName:
		if an.resolved == nil {
			return TypeUnknown
		}
		if !e.Qualifier.IsEmpty() {
			if col, ok := findColumn(an.resolved[strings.ToLower(e.Qualifier.Name.String())], e.Name.String()); ok {
				return col.Type
			}
			return TypeUnknown
		}
		if col, ok := an.lookupColumn(e.Name.String()); ok {
			return col.Type
		}
		return TypeUnknown
	case *sqlparser.CountStar, *sqlparser.Count:
		return TypeInteger
	case *sqlparser.Avg:
		return TypeReal
	case *sqlparser.Sum:
		return an.typeOf(e.Arg)
	case *sqlparser.Max:
		return an.typeOf(e.Arg)
	case *sqlparser.Min:
		return an.typeOf(e.Arg)
	case *sqlparser.ComparisonExpr, *sqlparser.AndExpr, *sqlparser.OrExpr, *sqlparser.NotExpr,
		*sqlparser.IsExpr, *sqlparser.ExistsExpr:
		return TypeBoolean
	case *sqlparser.UnaryExpr:
		return an.typeOf(e.Expr)
	case *sqlparser.BinaryExpr:
		l, r := an.typeOf(e.Left), an.typeOf(e.Right)
		switch {
		case l == TypeInteger && r == TypeInteger:
			return TypeInteger
		case l == TypeReal || r == TypeReal:
			return TypeReal
		default:
			return TypeNumeric
		}
	case *sqlparser.CastExpr:
		if e.Type != nil {
			return AffinityType(e.Type.Type)
		}
	}
	return TypeUnknown
}
