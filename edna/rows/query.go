package rows

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

// Querier is the subset of *sql.DB, *sql.Tx and *sql.Conn used to run
// statements. Callers that want atomic disguises pass a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Dialect selects the placeholder style of the target database.
type Dialect int

const (
	// DialectSQLite uses ? placeholders.
	DialectSQLite Dialect = iota
	// DialectPostgres uses $n placeholders.
	DialectPostgres
)

// ParseDialect maps a database/sql driver name to its Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "pgx", "postgres", "postgresql":
		return DialectPostgres, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Builder returns a statement builder using the dialect's placeholders.
func (d Dialect) Builder() sq.StatementBuilderType {
	if d == DialectPostgres {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

// Quote quotes an identifier.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Col returns the qualified, quoted name of table.col.
func Col(table, col string) string {
	return Quote(table) + "." + Quote(col)
}

// Eq matches table.col against a single value. NULL matches IS NULL.
func Eq(table, col string, v Value) sq.Sqlizer {
	if v.IsNull() {
		return sq.Expr(Col(table, col) + " IS NULL")
	}
	return sq.Expr(Col(table, col)+" = ?", v.Driver())
}

// In matches table.col against any of vals.
func In(table, col string, vals []Value) sq.Sqlizer {
	args := make([]interface{}, 0, len(vals))
	for _, v := range vals {
		if !v.IsNull() {
			args = append(args, v.Driver())
		}
	}
	return sq.Eq{Col(table, col): args}
}

// Raw wraps a caller-supplied predicate. An empty predicate matches all.
func Raw(pred string) sq.Sqlizer {
	pred = strings.TrimSpace(pred)
	if pred == "" {
		return sq.Expr("1=1")
	}
	return sq.Expr("(" + pred + ")")
}

// MatchRow identifies r by its identifying columns, or by every column when
// the table declares none.
func MatchRow(r Row, idCols []string) sq.Sqlizer {
	cols := idCols
	if len(cols) == 0 {
		cols = r.Cols
	}
	and := sq.And{}
	for _, c := range cols {
		and = append(and, Eq(r.Table, c, r.MustGet(c)))
	}
	return and
}

// MatchAny matches any of rs by identity.
func MatchAny(rs []Row, idCols []string) sq.Sqlizer {
	if len(rs) == 0 {
		return sq.Expr("1=0")
	}
	if len(idCols) == 1 {
		vals := make([]Value, len(rs))
		for i, r := range rs {
			vals[i] = r.MustGet(idCols[0])
		}
		return In(rs[0].Table, idCols[0], vals)
	}
	or := sq.Or{}
	for _, r := range rs {
		or = append(or, MatchRow(r, idCols))
	}
	return or
}

// Conn runs parameterized statements against a Querier.
type Conn struct {
	q       Querier
	dialect Dialect
	schema  *SchemaCache
}

// NewConn wraps q. schema may be nil, in which case column lists are not
// cached.
func NewConn(q Querier, dialect Dialect, schema *SchemaCache) *Conn {
	return &Conn{q: q, dialect: dialect, schema: schema}
}

// Querier returns the underlying Querier.
func (c *Conn) Querier() Querier { return c.q }

// Dialect returns the connection dialect.
func (c *Conn) Dialect() Dialect { return c.dialect }

// Select returns the rows of table matching every predicate. join is an
// optional join clause; only the columns of table are returned.
func (c *Conn) Select(ctx context.Context, table, join string, preds ...sq.Sqlizer) ([]Row, error) {
	b := c.dialect.Builder().Select(Quote(table) + ".*").From(Quote(table))
	if strings.TrimSpace(join) != "" {
		b = b.JoinClause(join)
	}
	for _, p := range preds {
		b = b.Where(p)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build select on %s", table)
	}
	rs, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to select from %s", table)
	}
	out, err := scan(table, rs)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(join) != "" {
		out = dedupe(out)
	}
	return out, nil
}

// SelectOne returns the first row matching preds, or nil.
func (c *Conn) SelectOne(ctx context.Context, table string, preds ...sq.Sqlizer) (*Row, error) {
	rs, err := c.Select(ctx, table, "", preds...)
	if err != nil || len(rs) == 0 {
		return nil, err
	}
	return &rs[0], nil
}

// Count returns the number of rows of table matching preds.
func (c *Conn) Count(ctx context.Context, table string, preds ...sq.Sqlizer) (int64, error) {
	b := c.dialect.Builder().Select("COUNT(*)").From(Quote(table))
	for _, p := range preds {
		b = b.Where(p)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to build count on %s", table)
	}
	rs, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s", table)
	}
	defer rs.Close()
	var n int64
	if rs.Next() {
		if err := rs.Scan(&n); err != nil {
			return 0, errors.Wrapf(err, "failed to scan count of %s", table)
		}
	}
	return n, rs.Err()
}

// Insert inserts r.
func (c *Conn) Insert(ctx context.Context, r Row) error {
	cols := make([]string, len(r.Cols))
	vals := make([]interface{}, len(r.Vals))
	for i, col := range r.Cols {
		cols[i] = Quote(col)
		vals[i] = r.Vals[i].Driver()
	}
	query, args, err := c.dialect.Builder().Insert(Quote(r.Table)).Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return errors.Wrapf(err, "failed to build insert into %s", r.Table)
	}
	if _, err := c.q.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "failed to insert into %s", r.Table)
	}
	return nil
}

// Update assigns the columns of set on every row of table matching where and
// returns the number of affected rows.
func (c *Conn) Update(ctx context.Context, table string, set Row, where sq.Sqlizer) (int64, error) {
	if set.Len() == 0 {
		return 0, nil
	}
	b := c.dialect.Builder().Update(Quote(table))
	for i, col := range set.Cols {
		b = b.Set(Quote(col), set.Vals[i].Driver())
	}
	query, args, err := b.Where(where).ToSql()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to build update of %s", table)
	}
	return c.exec(ctx, table, query, args)
}

// Delete removes every row of table matching where.
func (c *Conn) Delete(ctx context.Context, table string, where sq.Sqlizer) (int64, error) {
	query, args, err := c.dialect.Builder().Delete(Quote(table)).Where(where).ToSql()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to build delete from %s", table)
	}
	return c.exec(ctx, table, query, args)
}

// Columns returns the column names of table, introspected once and then
// served from the schema cache.
func (c *Conn) Columns(ctx context.Context, table string) ([]string, error) {
	if c.schema != nil {
		if cols, ok := c.schema.get(table); ok {
			return cols, nil
		}
	}
	query, args, err := c.dialect.Builder().Select("*").From(Quote(table)).Limit(0).ToSql()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build column query for %s", table)
	}
	rs, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to introspect %s", table)
	}
	defer rs.Close()
	cols, err := rs.Columns()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read columns of %s", table)
	}
	if c.schema != nil {
		c.schema.add(table, cols)
	}
	return cols, nil
}

func (c *Conn) exec(ctx context.Context, table, query string, args []interface{}) (int64, error) {
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to modify %s", table)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count rows modified in %s", table)
	}
	return n, nil
}

func scan(table string, rs *sql.Rows) ([]Row, error) {
	defer rs.Close()
	cols, err := rs.Columns()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read columns of %s", table)
	}
	var out []Row
	for rs.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, errors.Wrapf(err, "failed to scan row of %s", table)
		}
		r := Row{Table: table, Cols: make([]string, len(cols)), Vals: make([]Value, len(cols))}
		copy(r.Cols, cols)
		for i, v := range raw {
			r.Vals[i] = FromDriver(v)
		}
		out = append(out, r)
	}
	return out, errors.Wrapf(rs.Err(), "failed to iterate rows of %s", table)
}

func dedupe(rs []Row) []Row {
	seen := make(map[string]struct{}, len(rs))
	out := rs[:0]
	for _, r := range rs {
		k := r.Key(r.Cols)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
