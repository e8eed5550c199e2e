package query

import (
	"context"
	"strings"
)

// Column is one column of a catalog relation.
type Column struct {
	Name string
	Type DataType
}

// Catalog resolves relation names during analysis.
//
// Columns returns the relation's columns and whether it exists.
type Catalog interface {
	Columns(ctx context.Context, table string) ([]Column, bool, error)
}

// StaticCatalog is a fixed, case-insensitive catalog, mostly for tests and
// for hosts that know their schema up front.
type StaticCatalog map[string][]Column

// Columns implements Catalog.
func (c StaticCatalog) Columns(ctx context.Context, table string) ([]Column, bool, error) {
	for name, cols := range c {
		if strings.EqualFold(name, table) {
			return cols, true, nil
		}
	}
	return nil, false, nil
}

// AffinityType maps a declared SQL column type to a DataType using SQLite's
// affinity rules, which also cover the common MySQL/PostgreSQL spellings.
func AffinityType(declared string) DataType {
	t := strings.ToUpper(declared)
	switch {
	case t == "":
		return TypeBlob
	case strings.Contains(t, "INT"):
		return TypeInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return TypeText
	case strings.Contains(t, "BLOB"):
		return TypeBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return TypeReal
	case strings.Contains(t, "BOOL"):
		return TypeBoolean
	default:
		return TypeNumeric
	}
}
