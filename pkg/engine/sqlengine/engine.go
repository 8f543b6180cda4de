// Package sqlengine adapts any database/sql database to the gateway's
// engine boundary. Catalog queries are phrased for SQLite, which the server
// binary opens when its engine type is sqlite; other drivers still serve
// queries and updates.
package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chrisdennis/calcite-avatica/pkg/engine"
	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

// Options identifies the wrapped product
type Options struct {
	Product string
	Version string
}

// Engine wraps a *sql.DB
type Engine struct {
	db   *sql.DB
	opts Options
}

// New wraps an open database handle
func New(db *sql.DB, opts Options) *Engine {
	if opts.Product == "" {
		opts.Product = "sql"
	}
	return &Engine{db: db, opts: opts}
}

// Connect implements engine.Engine. Each gateway connection pins one
// driver session so temporary tables and transactions stay scoped to it.
func (e *Engine) Connect(ctx context.Context, info map[string]string) (engine.Conn, error) {
	c, err := e.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &conn{eng: e, c: c, autoCommit: true}, nil
}

// Version implements engine.Engine
func (e *Engine) Version() string { return e.opts.Version }

// Properties implements engine.Engine
func (e *Engine) Properties() map[string]string {
	return map[string]string{
		"PRODUCT_NAME":    e.opts.Product,
		"PRODUCT_VERSION": e.opts.Version,
		"TRANSACTIONS":    "true",
	}
}

// Close implements engine.Engine
func (e *Engine) Close() error { return e.db.Close() }

type conn struct {
	eng        *Engine
	c          *sql.Conn
	tx         *sql.Tx
	autoCommit bool
	readOnly   bool
	closed     bool
}

func (c *conn) begin(ctx context.Context) error {
	if c.tx != nil {
		return nil
	}
	tx, err := c.c.BeginTx(ctx, &sql.TxOptions{ReadOnly: c.readOnly})
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// ApplyProps implements engine.Conn
func (c *conn) ApplyProps(ctx context.Context, props engine.Props) error {
	if c.closed {
		return engine.ErrClosed
	}
	if props.ReadOnly != nil {
		c.readOnly = *props.ReadOnly
	}
	if props.AutoCommit != nil {
		if *props.AutoCommit && !c.autoCommit && c.tx != nil {
			if err := c.tx.Commit(); err != nil {
				return err
			}
			c.tx = nil
		}
		c.autoCommit = *props.AutoCommit
		if !c.autoCommit {
			return c.begin(ctx)
		}
	}
	return nil
}

// Commit implements engine.Conn. The session stays transactional: a new
// transaction opens immediately while autocommit is off.
func (c *conn) Commit(ctx context.Context) error {
	if c.closed {
		return engine.ErrClosed
	}
	if c.tx == nil {
		return nil
	}
	if err := c.tx.Commit(); err != nil {
		c.tx = nil
		return err
	}
	c.tx = nil
	if !c.autoCommit {
		return c.begin(ctx)
	}
	return nil
}

// Rollback implements engine.Conn
func (c *conn) Rollback(ctx context.Context) error {
	if c.closed {
		return engine.ErrClosed
	}
	if c.tx == nil {
		return nil
	}
	if err := c.tx.Rollback(); err != nil {
		c.tx = nil
		return err
	}
	c.tx = nil
	if !c.autoCommit {
		return c.begin(ctx)
	}
	return nil
}

// Close implements engine.Conn
func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	return c.c.Close()
}

// Prepare implements engine.Conn. Statements prepare on the session; when
// a transaction is open, execution rebinds onto it.
func (c *conn) Prepare(ctx context.Context, query string) (engine.Stmt, error) {
	if c.closed {
		return nil, engine.ErrClosed
	}
	st, err := c.c.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	params := make([]typedvalue.Parameter, countPlaceholders(query))
	for i := range params {
		params[i] = typedvalue.Parameter{TypeCode: typedvalue.TypeNull, TypeName: "ANY"}
	}
	return &stmt{conn: c, st: st, sql: query, params: params}, nil
}

type stmt struct {
	conn   *conn
	st     *sql.Stmt
	sql    string
	params []typedvalue.Parameter
	closed bool
}

// Signature implements engine.Stmt. database/sql exposes column metadata
// only after execution, so Signature reports no columns; result columns
// come from the cursor of each execution.
func (s *stmt) Signature() ([]typedvalue.ColumnMetaData, []typedvalue.Parameter) {
	return nil, s.params
}

// Close implements engine.Stmt
func (s *stmt) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.st.Close()
}

// Execute implements engine.Stmt
func (s *stmt) Execute(ctx context.Context, args []typedvalue.TypedValue, maxRows int64) ([]engine.Result, error) {
	if s.closed || s.conn.closed {
		return nil, engine.ErrClosed
	}
	if len(args) != len(s.params) {
		return nil, fmt.Errorf("%w: expected %d parameters, got %d", engine.ErrInvalidParameter, len(s.params), len(args))
	}
	driverArgs := make([]interface{}, len(args))
	for i, a := range args {
		v, err := toDriverValue(a)
		if err != nil {
			return nil, err
		}
		driverArgs[i] = v
	}

	st := s.st
	if s.conn.tx != nil {
		st = s.conn.tx.StmtContext(ctx, s.st)
	}

	if isQuery(s.sql) {
		rows, err := st.QueryContext(ctx, driverArgs...)
		if err != nil {
			return nil, err
		}
		cur, err := newRowsCursor(rows, maxRows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		return []engine.Result{{UpdateCount: -1, Cursor: cur}}, nil
	}

	res, err := st.ExecContext(ctx, driverArgs...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return []engine.Result{{UpdateCount: affected}}, nil
}

// rowsCursor adapts *sql.Rows to the cursor boundary
type rowsCursor struct {
	rows      *sql.Rows
	cols      []typedvalue.ColumnMetaData
	remaining int64
	unbounded bool
	closed    bool
}

func newRowsCursor(rows *sql.Rows, maxRows int64) (*rowsCursor, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]typedvalue.ColumnMetaData, len(types))
	for i, t := range types {
		cols[i] = columnMetaFor(t)
	}
	return &rowsCursor{
		rows:      rows,
		cols:      cols,
		remaining: maxRows,
		unbounded: maxRows <= 0,
	}, nil
}

// Columns implements engine.Cursor
func (c *rowsCursor) Columns() []typedvalue.ColumnMetaData { return c.cols }

// Next implements engine.Cursor
func (c *rowsCursor) Next(ctx context.Context) (typedvalue.Row, error) {
	if c.closed {
		return nil, engine.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.unbounded {
		if c.remaining <= 0 {
			return nil, io.EOF
		}
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	raw := make([]interface{}, len(c.cols))
	ptrs := make([]interface{}, len(c.cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(typedvalue.Row, len(c.cols))
	for i, v := range raw {
		row[i] = fromDriverValue(v, c.cols[i])
	}
	if !c.unbounded {
		c.remaining--
	}
	return row, nil
}

// Close implements engine.Cursor
func (c *rowsCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rows.Close()
}

// Catalog operations, phrased for SQLite

func (c *conn) Schemas(ctx context.Context, catalog, schemaPattern string) (engine.Cursor, error) {
	cols := []typedvalue.ColumnMetaData{stringCol("TABLE_SCHEM"), stringCol("TABLE_CATALOG")}
	return &engine.SliceCursor{Cols: cols, Rows: []typedvalue.Row{
		{typedvalue.FromString("main"), typedvalue.FromString("")},
	}}, nil
}

func (c *conn) Tables(ctx context.Context, catalog, schemaPattern, tablePattern string, typeList []string) (engine.Cursor, error) {
	if tablePattern == "" {
		tablePattern = "%"
	}
	rows, err := c.c.QueryContext(ctx,
		`select name, upper(type) from sqlite_master where name like ? order by name`, tablePattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := []typedvalue.ColumnMetaData{
		stringCol("TABLE_CAT"), stringCol("TABLE_SCHEM"),
		stringCol("TABLE_NAME"), stringCol("TABLE_TYPE"),
	}
	out := []typedvalue.Row{}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		if len(typeList) > 0 && !containsFold(typeList, typ) {
			continue
		}
		out = append(out, typedvalue.Row{
			typedvalue.FromString(""), typedvalue.FromString("main"),
			typedvalue.FromString(name), typedvalue.FromString(typ),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &engine.SliceCursor{Cols: cols, Rows: out}, nil
}

func (c *conn) Columns(ctx context.Context, catalog, schemaPattern, tablePattern, columnPattern string) (engine.Cursor, error) {
	tables, err := c.Tables(ctx, catalog, schemaPattern, tablePattern, nil)
	if err != nil {
		return nil, err
	}
	defer tables.Close()
	cols := []typedvalue.ColumnMetaData{
		stringCol("TABLE_CAT"), stringCol("TABLE_SCHEM"), stringCol("TABLE_NAME"),
		stringCol("COLUMN_NAME"), intCol("DATA_TYPE"), stringCol("TYPE_NAME"),
		intCol("NULLABLE"), intCol("ORDINAL_POSITION"),
	}
	out := []typedvalue.Row{}
	for {
		trow, err := tables.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		tableName := trow[2].Str
		crows, err := c.c.QueryContext(ctx, fmt.Sprintf(`pragma table_info(%q)`, tableName))
		if err != nil {
			return nil, err
		}
		for crows.Next() {
			var cid int
			var name, typ string
			var notNull int
			var dflt sql.NullString
			var pk int
			if err := crows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
				crows.Close()
				return nil, err
			}
			nullable := int32(1)
			if notNull != 0 {
				nullable = 0
			}
			out = append(out, typedvalue.Row{
				typedvalue.FromString(""), typedvalue.FromString("main"),
				typedvalue.FromString(tableName), typedvalue.FromString(name),
				typedvalue.FromInteger(int32(typeCodeForDecl(typ))), typedvalue.FromString(strings.ToUpper(typ)),
				typedvalue.FromInteger(nullable), typedvalue.FromInteger(int32(cid + 1)),
			})
		}
		if err := crows.Err(); err != nil {
			crows.Close()
			return nil, err
		}
		crows.Close()
	}
	return &engine.SliceCursor{Cols: cols, Rows: out}, nil
}

func (c *conn) TypeInfo(ctx context.Context) (engine.Cursor, error) {
	cols := []typedvalue.ColumnMetaData{stringCol("TYPE_NAME"), intCol("DATA_TYPE")}
	return &engine.SliceCursor{Cols: cols, Rows: []typedvalue.Row{
		{typedvalue.FromString("INTEGER"), typedvalue.FromInteger(typedvalue.TypeBigInt)},
		{typedvalue.FromString("REAL"), typedvalue.FromInteger(typedvalue.TypeDouble)},
		{typedvalue.FromString("TEXT"), typedvalue.FromInteger(typedvalue.TypeVarchar)},
		{typedvalue.FromString("BLOB"), typedvalue.FromInteger(typedvalue.TypeVarBinary)},
	}}, nil
}

func (c *conn) Catalogs(ctx context.Context) (engine.Cursor, error) {
	return &engine.SliceCursor{
		Cols: []typedvalue.ColumnMetaData{stringCol("TABLE_CAT")},
		Rows: []typedvalue.Row{{typedvalue.FromString("")}},
	}, nil
}

func (c *conn) TableTypes(ctx context.Context) (engine.Cursor, error) {
	return &engine.SliceCursor{
		Cols: []typedvalue.ColumnMetaData{stringCol("TABLE_TYPE")},
		Rows: []typedvalue.Row{
			{typedvalue.FromString("TABLE")},
			{typedvalue.FromString("VIEW")},
		},
	}, nil
}

// value conversion

func toDriverValue(v typedvalue.TypedValue) (interface{}, error) {
	switch v.Rep {
	case typedvalue.RepNull:
		return nil, nil
	case typedvalue.RepBoolean:
		return v.Bool, nil
	case typedvalue.RepByte, typedvalue.RepShort, typedvalue.RepInteger, typedvalue.RepLong:
		return v.Number, nil
	case typedvalue.RepFloat, typedvalue.RepDouble:
		return v.Real, nil
	case typedvalue.RepBigDecimal:
		return v.DecimalString(), nil
	case typedvalue.RepString:
		return v.Str, nil
	case typedvalue.RepByteString:
		return v.Bytes, nil
	case typedvalue.RepDate:
		return time.Unix(0, 0).UTC().AddDate(0, 0, int(v.Number)), nil
	case typedvalue.RepTime:
		return v.Number, nil
	case typedvalue.RepTimestamp:
		return time.UnixMilli(v.Number).UTC(), nil
	}
	return nil, fmt.Errorf("%w: rep %s has no driver value", typedvalue.ErrIllegalArgument, v.Rep)
}

func fromDriverValue(v interface{}, col typedvalue.ColumnMetaData) typedvalue.TypedValue {
	switch x := v.(type) {
	case nil:
		return typedvalue.Null()
	case bool:
		return typedvalue.FromBool(x)
	case int64:
		return typedvalue.FromLong(x)
	case float64:
		return typedvalue.FromDouble(x)
	case string:
		return typedvalue.FromString(x)
	case []byte:
		if col.TypeCode == typedvalue.TypeVarchar || col.TypeCode == typedvalue.TypeChar {
			return typedvalue.FromString(string(x))
		}
		return typedvalue.FromBytes(append([]byte{}, x...))
	case time.Time:
		return typedvalue.FromTimestamp(x.UnixMilli())
	default:
		return typedvalue.FromString(fmt.Sprintf("%v", x))
	}
}

func columnMetaFor(t *sql.ColumnType) typedvalue.ColumnMetaData {
	name := t.Name()
	nullable, _ := t.Nullable()
	meta := typedvalue.ColumnMetaData{
		Name: name, Label: name, Nullable: nullable,
	}
	decl := strings.ToUpper(t.DatabaseTypeName())
	meta.TypeCode = typeCodeForDecl(decl)
	meta.TypeName = decl
	if meta.TypeName == "" {
		meta.TypeName = "VARCHAR"
		meta.TypeCode = typedvalue.TypeVarchar
	}
	switch meta.TypeCode {
	case typedvalue.TypeBigInt, typedvalue.TypeInteger, typedvalue.TypeDouble, typedvalue.TypeDecimal:
		meta.Signed = true
	}
	if precision, scale, ok := t.DecimalSize(); ok {
		meta.Precision = int(precision)
		meta.Scale = int(scale)
	}
	return meta
}

func typeCodeForDecl(decl string) int {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "INT"):
		return typedvalue.TypeBigInt
	case strings.Contains(d, "CHAR"), strings.Contains(d, "TEXT"), strings.Contains(d, "CLOB"):
		return typedvalue.TypeVarchar
	case strings.Contains(d, "BLOB"), strings.Contains(d, "BINARY"):
		return typedvalue.TypeVarBinary
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return typedvalue.TypeDouble
	case strings.Contains(d, "DEC"), strings.Contains(d, "NUM"):
		return typedvalue.TypeDecimal
	case strings.Contains(d, "BOOL"):
		return typedvalue.TypeBoolean
	case strings.Contains(d, "TIMESTAMP"), strings.Contains(d, "DATETIME"):
		return typedvalue.TypeTimestamp
	case strings.Contains(d, "DATE"):
		return typedvalue.TypeDate
	case strings.Contains(d, "TIME"):
		return typedvalue.TypeTime
	default:
		return typedvalue.TypeVarchar
	}
}

// isQuery sniffs whether a statement produces rows
func isQuery(query string) bool {
	q := strings.TrimSpace(query)
	for _, kw := range []string{"SELECT", "VALUES", "WITH", "PRAGMA", "EXPLAIN", "SHOW"} {
		if len(q) >= len(kw) && strings.EqualFold(q[:len(kw)], kw) {
			return true
		}
	}
	return false
}

// countPlaceholders counts '?' markers outside string literals
func countPlaceholders(query string) int {
	count := 0
	inString := false
	for i := 0; i < len(query); i++ {
		switch query[i] {
		case '\'':
			inString = !inString
		case '?':
			if !inString {
				count++
			}
		}
	}
	return count
}

func containsFold(list []string, s string) bool {
	for _, e := range list {
		if strings.EqualFold(e, s) {
			return true
		}
	}
	return false
}

func stringCol(name string) typedvalue.ColumnMetaData {
	return typedvalue.ColumnMetaData{
		Name: name, Label: name,
		TypeCode: typedvalue.TypeVarchar, TypeName: "VARCHAR", Nullable: true,
	}
}

func intCol(name string) typedvalue.ColumnMetaData {
	return typedvalue.ColumnMetaData{
		Name: name, Label: name,
		TypeCode: typedvalue.TypeInteger, TypeName: "INTEGER", Signed: true,
	}
}
