package host

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/qrewrite/internal/query"
	"github.com/roach88/qrewrite/internal/rewrite"
	"github.com/roach88/qrewrite/internal/sqlparse"
)

// Driver wraps a base driver so that every connection rewrites statements
// through its own worker.
type Driver struct {
	Base   driver.Driver
	Arena  *rewrite.Arena
	Scope  string
	Parser *sqlparse.Parser
}

// NewDriver wraps the sqlite3 driver.
func NewDriver(arena *rewrite.Arena, scope string, parser *sqlparse.Parser) *Driver {
	return &Driver{Base: &sqlite3.SQLiteDriver{}, Arena: arena, Scope: scope, Parser: parser}
}

// Open implements driver.Driver.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	base, err := d.Base.Open(dsn)
	if err != nil {
		return nil, err
	}

	var catalog query.Catalog
	if q, ok := base.(driver.QueryerContext); ok {
		catalog = connCatalog{q: q}
	}
	return &conn{base: base, session: NewSession(d.Arena, d.Scope, d.Parser, catalog)}, nil
}

// Connector returns a driver.Connector for dsn, for use with sql.OpenDB.
func (d *Driver) Connector(dsn string) driver.Connector {
	return &connector{dsn: dsn, driver: d}
}

// OpenDB opens dsn through d.
func (d *Driver) OpenDB(dsn string) *sql.DB {
	return sql.OpenDB(d.Connector(dsn))
}

type connector struct {
	dsn    string
	driver *Driver
}

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *connector) Driver() driver.Driver { return c.driver }

// conn rewrites before delegating to the base connection.
type conn struct {
	base    driver.Conn
	session *Session
}

var (
	_ driver.Conn               = (*conn)(nil)
	_ driver.ConnPrepareContext = (*conn)(nil)
	_ driver.ConnBeginTx        = (*conn)(nil)
	_ driver.ExecerContext      = (*conn)(nil)
	_ driver.QueryerContext     = (*conn)(nil)
)

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	res, err := c.session.Rewrite(ctx, query)
	if err != nil {
		return nil, err
	}
	if p, ok := c.base.(driver.ConnPrepareContext); ok {
		return p.PrepareContext(ctx, res.Text)
	}
	return c.base.Prepare(res.Text)
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	e, ok := c.base.(driver.ExecerContext)
	if !ok {
		// database/sql falls back to PrepareContext, which rewrites.
		return nil, driver.ErrSkip
	}
	res, err := c.session.Rewrite(ctx, query)
	if err != nil {
		return nil, err
	}
	return e.ExecContext(ctx, res.Text, args)
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	q, ok := c.base.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	res, err := c.session.Rewrite(ctx, query)
	if err != nil {
		return nil, err
	}
	return q.QueryContext(ctx, res.Text, args)
}

//nolint:staticcheck // driver.Conn requires Begin.
func (c *conn) Begin() (driver.Tx, error) {
	return c.base.Begin() //nolint:staticcheck
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if b, ok := c.base.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, opts)
	}
	if opts.ReadOnly || opts.Isolation != driver.IsolationLevel(sql.LevelDefault) {
		return nil, fmt.Errorf("base driver does not support transaction options")
	}
	return c.base.Begin() //nolint:staticcheck
}

func (c *conn) Close() error {
	return errors.Join(c.session.Close(context.Background()), c.base.Close())
}
