package host

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/qrewrite/internal/query"
)

const tableInfoQuery = `SELECT name, type FROM pragma_table_info(?)`

// DBCatalog resolves relations against a SQLite database through database/sql.
type DBCatalog struct {
	DB *sql.DB
}

// Columns implements query.Catalog.
func (c DBCatalog) Columns(ctx context.Context, table string) ([]query.Column, bool, error) {
	rows, err := c.DB.QueryContext(ctx, tableInfoQuery, table)
	if err != nil {
		return nil, false, fmt.Errorf("table info %q: %w", table, err)
	}
	defer rows.Close()

	var cols []query.Column
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, false, fmt.Errorf("scan table info %q: %w", table, err)
		}
		cols = append(cols, query.Column{Name: name, Type: query.AffinityType(typ)})
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("table info %q: %w", table, err)
	}
	return cols, len(cols) > 0, nil
}

// connCatalog resolves relations on a raw driver connection, bypassing the
// rewriting wrapper.
type connCatalog struct {
	q driver.QueryerContext
}

func (c connCatalog) Columns(ctx context.Context, table string) ([]query.Column, bool, error) {
	rows, err := c.q.QueryContext(ctx, tableInfoQuery, []driver.NamedValue{{Ordinal: 1, Value: table}})
	if err != nil {
		return nil, false, fmt.Errorf("table info %q: %w", table, err)
	}
	defer rows.Close()

	var cols []query.Column
	dest := make([]driver.Value, len(rows.Columns()))
	for {
		err := rows.Next(dest)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, fmt.Errorf("table info %q: %w", table, err)
		}
		cols = append(cols, query.Column{Name: asString(dest[0]), Type: query.AffinityType(asString(dest[1]))})
	}
	return cols, len(cols) > 0, nil
}

func asString(v driver.Value) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
