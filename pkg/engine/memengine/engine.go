// Package memengine is an in-memory relational engine behind the gateway's
// engine boundary. It exists so the gateway runs and tests with no external
// database; isolation is read-uncommitted and DDL is non-transactional.
package memengine

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/chrisdennis/calcite-avatica/pkg/engine"
	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

const engineVersion = "memengine-1.0"

// Engine is the in-memory engine. Shared tables are visible to every
// connection; LOCAL TEMPORARY tables stay private to their connection.
type Engine struct {
	mu     sync.RWMutex
	tables map[string]*table
}

type table struct {
	name string
	cols []ColumnDef
	rows []typedvalue.Row
}

// New creates an empty in-memory engine
func New() *Engine {
	return &Engine{tables: make(map[string]*table)}
}

// Connect implements engine.Engine
func (e *Engine) Connect(ctx context.Context, info map[string]string) (engine.Conn, error) {
	return &conn{
		eng:        e,
		temp:       make(map[string]*table),
		autoCommit: true,
	}, nil
}

// Version implements engine.Engine
func (e *Engine) Version() string { return engineVersion }

// Properties implements engine.Engine
func (e *Engine) Properties() map[string]string {
	return map[string]string{
		"PRODUCT_NAME":       "memengine",
		"PRODUCT_VERSION":    engineVersion,
		"SQL_KEYWORDS":       "SELECT,INSERT,UPDATE,DELETE,CREATE,DROP",
		"TRANSACTIONS":       "true",
		"TEMPORARY_TABLES":   "true",
		"MULTIPLE_RESULTS":   "false",
		"IDENTIFIER_QUOTING": "none",
	}
}

// Close implements engine.Engine
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables = make(map[string]*table)
	return nil
}

type conn struct {
	eng        *Engine
	temp       map[string]*table
	autoCommit bool
	readOnly   bool
	inTx       bool
	// undo snapshots row data of tables touched inside the open transaction
	undo   map[string][]typedvalue.Row
	closed bool
}

func (c *conn) resolve(name string) (*table, error) {
	if t, ok := c.temp[name]; ok {
		return t, nil
	}
	c.eng.mu.RLock()
	t, ok := c.eng.tables[name]
	c.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("table %s not found", name)
	}
	return t, nil
}

// snapshot records a table's rows before its first mutation in an open
// transaction so rollback can restore them
func (c *conn) snapshot(t *table) {
	if c.autoCommit {
		return
	}
	c.inTx = true
	if c.undo == nil {
		c.undo = make(map[string][]typedvalue.Row)
	}
	if _, ok := c.undo[t.name]; ok {
		return
	}
	saved := make([]typedvalue.Row, len(t.rows))
	copy(saved, t.rows)
	c.undo[t.name] = saved
}

// Prepare implements engine.Conn
func (c *conn) Prepare(ctx context.Context, query string) (engine.Stmt, error) {
	if c.closed {
		return nil, engine.ErrClosed
	}
	parsed, err := Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", abbreviate(query), err)
	}
	s := &stmt{conn: c, parsed: parsed, sql: query}
	if err := s.buildSignature(); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyProps implements engine.Conn. Turning autocommit back on commits the
// open transaction, as a session-level commit would.
func (c *conn) ApplyProps(ctx context.Context, props engine.Props) error {
	if c.closed {
		return engine.ErrClosed
	}
	if props.ReadOnly != nil {
		c.readOnly = *props.ReadOnly
	}
	if props.AutoCommit != nil {
		if *props.AutoCommit && !c.autoCommit {
			if err := c.Commit(ctx); err != nil {
				return err
			}
		}
		c.autoCommit = *props.AutoCommit
	}
	return nil
}

// Commit implements engine.Conn
func (c *conn) Commit(ctx context.Context) error {
	if c.closed {
		return engine.ErrClosed
	}
	c.undo = nil
	c.inTx = false
	return nil
}

// Rollback implements engine.Conn
func (c *conn) Rollback(ctx context.Context) error {
	if c.closed {
		return engine.ErrClosed
	}
	c.eng.mu.Lock()
	for name, rows := range c.undo {
		if t, ok := c.temp[name]; ok {
			t.rows = rows
			continue
		}
		if t, ok := c.eng.tables[name]; ok {
			t.rows = rows
		}
	}
	c.eng.mu.Unlock()
	c.undo = nil
	c.inTx = false
	return nil
}

// Close implements engine.Conn
func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	if c.inTx {
		c.Rollback(context.Background())
	}
	c.temp = make(map[string]*table)
	c.closed = true
	return nil
}

type stmt struct {
	conn   *conn
	parsed Statement
	sql    string
	cols   []typedvalue.ColumnMetaData
	params []typedvalue.Parameter
	closed bool
}

// Signature implements engine.Stmt
func (s *stmt) Signature() ([]typedvalue.ColumnMetaData, []typedvalue.Parameter) {
	return s.cols, s.params
}

// Close implements engine.Stmt
func (s *stmt) Close() error {
	s.closed = true
	return nil
}

func (s *stmt) buildSignature() error {
	n := countParams(s.parsed)
	for i := 0; i < n; i++ {
		// parameter types are not inferred; any rep binds
		s.params = append(s.params, typedvalue.Parameter{TypeCode: typedvalue.TypeNull, TypeName: "ANY"})
	}
	sel, ok := s.parsed.(*SelectStmt)
	if !ok {
		return nil
	}
	var t *table
	if sel.Table != "" {
		var err error
		t, err = s.conn.resolve(sel.Table)
		if err != nil {
			return err
		}
	}
	for i, item := range sel.Items {
		if item.Star {
			if t == nil {
				return fmt.Errorf("SELECT * requires a table")
			}
			for _, col := range t.cols {
				s.cols = append(s.cols, columnMeta(col))
			}
			continue
		}
		s.cols = append(s.cols, projectedMeta(item, i, t))
	}
	return nil
}

// Execute implements engine.Stmt
func (s *stmt) Execute(ctx context.Context, args []typedvalue.TypedValue, maxRows int64) ([]engine.Result, error) {
	if s.closed || s.conn.closed {
		return nil, engine.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(args) != len(s.params) {
		return nil, fmt.Errorf("%w: expected %d parameters, got %d", engine.ErrInvalidParameter, len(s.params), len(args))
	}

	switch p := s.parsed.(type) {
	case *SelectStmt:
		rows, err := s.conn.evalSelect(p, s.cols, args, maxRows)
		if err != nil {
			return nil, err
		}
		return []engine.Result{{
			UpdateCount: -1,
			Cursor:      &engine.SliceCursor{Cols: s.cols, Rows: rows},
		}}, nil
	case *InsertStmt:
		n, err := s.conn.evalInsert(p, args)
		if err != nil {
			return nil, err
		}
		return []engine.Result{{UpdateCount: n}}, nil
	case *UpdateStmt:
		n, err := s.conn.evalUpdate(p, args)
		if err != nil {
			return nil, err
		}
		return []engine.Result{{UpdateCount: n}}, nil
	case *DeleteStmt:
		n, err := s.conn.evalDelete(p, args)
		if err != nil {
			return nil, err
		}
		return []engine.Result{{UpdateCount: n}}, nil
	case *CreateTableStmt:
		if err := s.conn.evalCreate(p); err != nil {
			return nil, err
		}
		return []engine.Result{{UpdateCount: 0}}, nil
	case *DropTableStmt:
		if err := s.conn.evalDrop(p); err != nil {
			return nil, err
		}
		return []engine.Result{{UpdateCount: 0}}, nil
	}
	return nil, fmt.Errorf("unsupported statement")
}

func (c *conn) evalCreate(p *CreateTableStmt) error {
	t := &table{name: p.Table, cols: p.Columns}
	if p.Temporary {
		if _, ok := c.temp[p.Table]; ok {
			if p.IfNotExists {
				return nil
			}
			return fmt.Errorf("table %s already exists", p.Table)
		}
		c.temp[p.Table] = t
		return nil
	}
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if _, ok := c.eng.tables[p.Table]; ok {
		if p.IfNotExists {
			return nil
		}
		return fmt.Errorf("table %s already exists", p.Table)
	}
	c.eng.tables[p.Table] = t
	return nil
}

func (c *conn) evalDrop(p *DropTableStmt) error {
	if _, ok := c.temp[p.Table]; ok {
		delete(c.temp, p.Table)
		return nil
	}
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if _, ok := c.eng.tables[p.Table]; !ok {
		if p.IfExists {
			return nil
		}
		return fmt.Errorf("table %s not found", p.Table)
	}
	delete(c.eng.tables, p.Table)
	return nil
}

func (c *conn) evalInsert(p *InsertStmt, args []typedvalue.TypedValue) (int64, error) {
	if c.readOnly {
		return 0, fmt.Errorf("connection is read-only")
	}
	t, err := c.resolve(p.Table)
	if err != nil {
		return 0, err
	}
	cols := p.Columns
	if len(cols) == 0 {
		for _, col := range t.cols {
			cols = append(cols, col.Name)
		}
	}
	colIdx := make([]int, len(cols))
	for i, name := range cols {
		idx := columnIndex(t, name)
		if idx < 0 {
			return 0, fmt.Errorf("column %s not found in table %s", name, t.name)
		}
		colIdx[i] = idx
	}

	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	c.snapshot(t)
	var count int64
	for _, exprRow := range p.Rows {
		if len(exprRow) != len(cols) {
			return 0, fmt.Errorf("expected %d values, got %d", len(cols), len(exprRow))
		}
		row := make(typedvalue.Row, len(t.cols))
		for i := range row {
			row[i] = typedvalue.Null()
		}
		for i, expr := range exprRow {
			v, err := evalExpr(expr, nil, nil, args)
			if err != nil {
				return 0, err
			}
			cv, err := coerce(v, t.cols[colIdx[i]])
			if err != nil {
				return 0, err
			}
			row[colIdx[i]] = cv
		}
		for i, col := range t.cols {
			if col.NotNull && row[i].IsNull() {
				return 0, fmt.Errorf("column %s may not be NULL", col.Name)
			}
		}
		t.rows = append(t.rows, row)
		count++
	}
	return count, nil
}

func (c *conn) evalUpdate(p *UpdateStmt, args []typedvalue.TypedValue) (int64, error) {
	if c.readOnly {
		return 0, fmt.Errorf("connection is read-only")
	}
	t, err := c.resolve(p.Table)
	if err != nil {
		return 0, err
	}
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	c.snapshot(t)
	var count int64
	for ri, row := range t.rows {
		match, err := evalCondition(p.Where, t, row, args)
		if err != nil {
			return 0, err
		}
		if !match {
			continue
		}
		updated := make(typedvalue.Row, len(row))
		copy(updated, row)
		for _, set := range p.Set {
			idx := columnIndex(t, set.Column)
			if idx < 0 {
				return 0, fmt.Errorf("column %s not found in table %s", set.Column, t.name)
			}
			v, err := evalExpr(set.Value, t, row, args)
			if err != nil {
				return 0, err
			}
			cv, err := coerce(v, t.cols[idx])
			if err != nil {
				return 0, err
			}
			updated[idx] = cv
		}
		t.rows[ri] = updated
		count++
	}
	return count, nil
}

func (c *conn) evalDelete(p *DeleteStmt, args []typedvalue.TypedValue) (int64, error) {
	if c.readOnly {
		return 0, fmt.Errorf("connection is read-only")
	}
	t, err := c.resolve(p.Table)
	if err != nil {
		return 0, err
	}
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	c.snapshot(t)
	kept := t.rows[:0:0]
	var count int64
	for _, row := range t.rows {
		match, err := evalCondition(p.Where, t, row, args)
		if err != nil {
			return 0, err
		}
		if match {
			count++
			continue
		}
		kept = append(kept, row)
	}
	t.rows = kept
	return count, nil
}

func (c *conn) evalSelect(p *SelectStmt, cols []typedvalue.ColumnMetaData, args []typedvalue.TypedValue, maxRows int64) ([]typedvalue.Row, error) {
	out := []typedvalue.Row{}
	capped := func() bool {
		return maxRows > 0 && int64(len(out)) >= maxRows
	}

	if p.Table == "" {
		source := p.InlineRows
		if source == nil {
			source = [][]Expr{nil}
		}
		for range source {
			if capped() {
				break
			}
			row := make(typedvalue.Row, 0, len(p.Items))
			for _, item := range p.Items {
				v, err := evalExpr(item.Expr, nil, nil, args)
				if err != nil {
					return nil, err
				}
				row = append(row, v)
			}
			out = append(out, row)
		}
		return out, nil
	}

	t, err := c.resolve(p.Table)
	if err != nil {
		return nil, err
	}
	c.eng.mu.RLock()
	defer c.eng.mu.RUnlock()
	for _, row := range t.rows {
		if capped() {
			break
		}
		match, err := evalCondition(p.Where, t, row, args)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		projected := make(typedvalue.Row, 0, len(cols))
		for _, item := range p.Items {
			if item.Star {
				projected = append(projected, row...)
				continue
			}
			v, err := evalExpr(item.Expr, t, row, args)
			if err != nil {
				return nil, err
			}
			projected = append(projected, v)
		}
		out = append(out, projected)
	}
	return out, nil
}

// Catalog operations

const (
	catalogName = "MEM"
	schemaName  = "PUBLIC"
)

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

// Schemas implements engine.Conn
func (c *conn) Schemas(ctx context.Context, catalog, schemaPattern string) (engine.Cursor, error) {
	cols := []typedvalue.ColumnMetaData{stringCol("TABLE_SCHEM"), stringCol("TABLE_CATALOG")}
	rows := []typedvalue.Row{}
	if likeMatch(schemaPattern, schemaName) && (catalog == "" || catalog == catalogName) {
		rows = append(rows, typedvalue.Row{typedvalue.FromString(schemaName), typedvalue.FromString(catalogName)})
	}
	return &engine.SliceCursor{Cols: cols, Rows: rows}, nil
}

func (c *conn) visibleTables() []*table {
	c.eng.mu.RLock()
	names := make([]string, 0, len(c.eng.tables))
	for name := range c.eng.tables {
		names = append(names, name)
	}
	c.eng.mu.RUnlock()
	sort.Strings(names)

	var out []*table
	c.eng.mu.RLock()
	for _, name := range names {
		out = append(out, c.eng.tables[name])
	}
	c.eng.mu.RUnlock()

	tempNames := make([]string, 0, len(c.temp))
	for name := range c.temp {
		tempNames = append(tempNames, name)
	}
	sort.Strings(tempNames)
	for _, name := range tempNames {
		out = append(out, c.temp[name])
	}
	return out
}

func (c *conn) tableType(t *table) string {
	if _, ok := c.temp[t.name]; ok {
		return "LOCAL TEMPORARY"
	}
	return "TABLE"
}

// Tables implements engine.Conn
func (c *conn) Tables(ctx context.Context, catalog, schemaPattern, tablePattern string, typeList []string) (engine.Cursor, error) {
	cols := []typedvalue.ColumnMetaData{
		stringCol("TABLE_CAT"), stringCol("TABLE_SCHEM"),
		stringCol("TABLE_NAME"), stringCol("TABLE_TYPE"),
	}
	rows := []typedvalue.Row{}
	for _, t := range c.visibleTables() {
		if !likeMatch(tablePattern, t.name) || !likeMatch(schemaPattern, schemaName) {
			continue
		}
		tt := c.tableType(t)
		if len(typeList) > 0 && !contains(typeList, tt) {
			continue
		}
		rows = append(rows, typedvalue.Row{
			typedvalue.FromString(catalogName), typedvalue.FromString(schemaName),
			typedvalue.FromString(t.name), typedvalue.FromString(tt),
		})
	}
	return &engine.SliceCursor{Cols: cols, Rows: rows}, nil
}

// Columns implements engine.Conn
func (c *conn) Columns(ctx context.Context, catalog, schemaPattern, tablePattern, columnPattern string) (engine.Cursor, error) {
	cols := []typedvalue.ColumnMetaData{
		stringCol("TABLE_CAT"), stringCol("TABLE_SCHEM"), stringCol("TABLE_NAME"),
		stringCol("COLUMN_NAME"), intCol("DATA_TYPE"), stringCol("TYPE_NAME"),
		intCol("COLUMN_SIZE"), intCol("DECIMAL_DIGITS"), intCol("NULLABLE"),
		intCol("ORDINAL_POSITION"),
	}
	rows := []typedvalue.Row{}
	for _, t := range c.visibleTables() {
		if !likeMatch(tablePattern, t.name) || !likeMatch(schemaPattern, schemaName) {
			continue
		}
		for i, col := range t.cols {
			if !likeMatch(columnPattern, col.Name) {
				continue
			}
			nullable := int32(1)
			if col.NotNull {
				nullable = 0
			}
			rows = append(rows, typedvalue.Row{
				typedvalue.FromString(catalogName), typedvalue.FromString(schemaName),
				typedvalue.FromString(t.name), typedvalue.FromString(col.Name),
				typedvalue.FromInteger(int32(typeCodeFor(col.TypeName))), typedvalue.FromString(col.TypeName),
				typedvalue.FromInteger(int32(col.Precision)), typedvalue.FromInteger(int32(col.Scale)),
				typedvalue.FromInteger(nullable), typedvalue.FromInteger(int32(i + 1)),
			})
		}
	}
	return &engine.SliceCursor{Cols: cols, Rows: rows}, nil
}

// TypeInfo implements engine.Conn
func (c *conn) TypeInfo(ctx context.Context) (engine.Cursor, error) {
	cols := []typedvalue.ColumnMetaData{
		stringCol("TYPE_NAME"), intCol("DATA_TYPE"), intCol("PRECISION"), intCol("NULLABLE"),
	}
	type info struct {
		name      string
		code      int
		precision int32
	}
	types := []info{
		{"BOOLEAN", typedvalue.TypeBoolean, 1},
		{"TINYINT", typedvalue.TypeTinyInt, 3},
		{"SMALLINT", typedvalue.TypeSmallInt, 5},
		{"INTEGER", typedvalue.TypeInteger, 10},
		{"BIGINT", typedvalue.TypeBigInt, 19},
		{"FLOAT", typedvalue.TypeFloat, 7},
		{"DOUBLE", typedvalue.TypeDouble, 15},
		{"DECIMAL", typedvalue.TypeDecimal, 38},
		{"VARCHAR", typedvalue.TypeVarchar, 65535},
		{"VARBINARY", typedvalue.TypeVarBinary, 65535},
		{"DATE", typedvalue.TypeDate, 10},
		{"TIME", typedvalue.TypeTime, 12},
		{"TIMESTAMP", typedvalue.TypeTimestamp, 23},
	}
	rows := make([]typedvalue.Row, 0, len(types))
	for _, ti := range types {
		rows = append(rows, typedvalue.Row{
			typedvalue.FromString(ti.name), typedvalue.FromInteger(int32(ti.code)),
			typedvalue.FromInteger(ti.precision), typedvalue.FromInteger(1),
		})
	}
	return &engine.SliceCursor{Cols: cols, Rows: rows}, nil
}

// Catalogs implements engine.Conn
func (c *conn) Catalogs(ctx context.Context) (engine.Cursor, error) {
	return &engine.SliceCursor{
		Cols: []typedvalue.ColumnMetaData{stringCol("TABLE_CAT")},
		Rows: []typedvalue.Row{{typedvalue.FromString(catalogName)}},
	}, nil
}

// TableTypes implements engine.Conn
func (c *conn) TableTypes(ctx context.Context) (engine.Cursor, error) {
	return &engine.SliceCursor{
		Cols: []typedvalue.ColumnMetaData{stringCol("TABLE_TYPE")},
		Rows: []typedvalue.Row{
			{typedvalue.FromString("LOCAL TEMPORARY")},
			{typedvalue.FromString("TABLE")},
		},
	}, nil
}

// expression evaluation

func columnIndex(t *table, name string) int {
	for i, col := range t.cols {
		if col.Name == name {
			return i
		}
	}
	return -1
}

func evalExpr(e Expr, t *table, row typedvalue.Row, args []typedvalue.TypedValue) (typedvalue.TypedValue, error) {
	switch e.Kind {
	case "int":
		return typedvalue.FromLong(e.Int), nil
	case "decimal":
		return typedvalue.ParseDecimal(e.Str)
	case "float":
		return typedvalue.FromDouble(e.Float), nil
	case "string":
		return typedvalue.FromString(e.Str), nil
	case "bool":
		return typedvalue.FromBool(e.Bool), nil
	case "null":
		return typedvalue.Null(), nil
	case "param":
		if e.Param >= len(args) {
			return typedvalue.TypedValue{}, fmt.Errorf("%w: parameter %d not bound", engine.ErrInvalidParameter, e.Param+1)
		}
		return args[e.Param], nil
	case "column":
		if t == nil {
			return typedvalue.TypedValue{}, fmt.Errorf("column %s referenced without a table", e.Column)
		}
		idx := columnIndex(t, e.Column)
		if idx < 0 {
			return typedvalue.TypedValue{}, fmt.Errorf("column %s not found in table %s", e.Column, t.name)
		}
		return row[idx], nil
	case "add", "sub":
		left, err := evalExpr(*e.Left, t, row, args)
		if err != nil {
			return typedvalue.TypedValue{}, err
		}
		right, err := evalExpr(*e.Right, t, row, args)
		if err != nil {
			return typedvalue.TypedValue{}, err
		}
		return arith(e.Kind, left, right)
	}
	return typedvalue.TypedValue{}, fmt.Errorf("unsupported expression kind %q", e.Kind)
}

func arith(op string, a, b typedvalue.TypedValue) (typedvalue.TypedValue, error) {
	if a.IsNull() || b.IsNull() {
		return typedvalue.Null(), nil
	}
	if isReal(a) || isReal(b) {
		x, err := realOf(a)
		if err != nil {
			return typedvalue.TypedValue{}, err
		}
		y, err := realOf(b)
		if err != nil {
			return typedvalue.TypedValue{}, err
		}
		if op == "sub" {
			return typedvalue.FromDouble(x - y), nil
		}
		return typedvalue.FromDouble(x + y), nil
	}
	if !isIntegral(a) || !isIntegral(b) {
		return typedvalue.TypedValue{}, fmt.Errorf("cannot apply %s to %s and %s", op, a.Rep, b.Rep)
	}
	if op == "sub" {
		return typedvalue.FromLong(a.Number - b.Number), nil
	}
	return typedvalue.FromLong(a.Number + b.Number), nil
}

func isIntegral(v typedvalue.TypedValue) bool {
	switch v.Rep {
	case typedvalue.RepByte, typedvalue.RepShort, typedvalue.RepInteger, typedvalue.RepLong:
		return true
	}
	return false
}

func isReal(v typedvalue.TypedValue) bool {
	return v.Rep == typedvalue.RepFloat || v.Rep == typedvalue.RepDouble
}

func realOf(v typedvalue.TypedValue) (float64, error) {
	if isReal(v) {
		return v.Real, nil
	}
	if isIntegral(v) {
		return float64(v.Number), nil
	}
	return 0, fmt.Errorf("value of rep %s is not numeric", v.Rep)
}

func evalCondition(cond *Condition, t *table, row typedvalue.Row, args []typedvalue.TypedValue) (bool, error) {
	if cond == nil {
		return true, nil
	}
	idx := columnIndex(t, cond.Column)
	if idx < 0 {
		return false, fmt.Errorf("column %s not found in table %s", cond.Column, t.name)
	}
	want, err := evalExpr(cond.Value, t, row, args)
	if err != nil {
		return false, err
	}
	cmp, comparable := compareValues(row[idx], want)
	var match bool
	switch cond.Op {
	case "=":
		match = comparable && cmp == 0
	case "!=":
		match = comparable && cmp != 0
	case "<":
		match = comparable && cmp < 0
	case ">":
		match = comparable && cmp > 0
	case "<=":
		match = comparable && cmp <= 0
	case ">=":
		match = comparable && cmp >= 0
	}
	if !match {
		return false, nil
	}
	return evalCondition(cond.And, t, row, args)
}

// compareValues orders two values; comparable is false when either is NULL
// or the reps do not admit an order
func compareValues(a, b typedvalue.TypedValue) (int, bool) {
	if a.IsNull() || b.IsNull() {
		return 0, false
	}
	switch {
	case isIntegral(a) && isIntegral(b):
		switch {
		case a.Number < b.Number:
			return -1, true
		case a.Number > b.Number:
			return 1, true
		}
		return 0, true
	case (isReal(a) || isIntegral(a)) && (isReal(b) || isIntegral(b)):
		x, _ := realOf(a)
		y, _ := realOf(b)
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case a.Rep == typedvalue.RepString && b.Rep == typedvalue.RepString:
		return strings.Compare(a.Str, b.Str), true
	case a.Rep == typedvalue.RepBoolean && b.Rep == typedvalue.RepBoolean:
		if a.Bool == b.Bool {
			return 0, true
		}
		if !a.Bool {
			return -1, true
		}
		return 1, true
	case a.Rep == typedvalue.RepBigDecimal && b.Rep == typedvalue.RepBigDecimal:
		x, _ := typedvalue.ParseDecimal(a.DecimalString())
		y, _ := typedvalue.ParseDecimal(b.DecimalString())
		scale := x.Scale
		if y.Scale > scale {
			scale = y.Scale
		}
		return rescaleUnscaled(x, scale).Cmp(rescaleUnscaled(y, scale)), true
	}
	return 0, false
}

func rescaleUnscaled(v typedvalue.TypedValue, scale int32) *big.Int {
	u := new(big.Int).Set(v.Unscaled)
	for s := v.Scale; s < scale; s++ {
		u.Mul(u, big.NewInt(10))
	}
	return u
}

// type mapping

func typeCodeFor(typeName string) int {
	switch strings.ToUpper(typeName) {
	case "BOOLEAN", "BOOL":
		return typedvalue.TypeBoolean
	case "TINYINT":
		return typedvalue.TypeTinyInt
	case "SMALLINT":
		return typedvalue.TypeSmallInt
	case "INT", "INTEGER":
		return typedvalue.TypeInteger
	case "BIGINT":
		return typedvalue.TypeBigInt
	case "FLOAT", "REAL":
		return typedvalue.TypeFloat
	case "DOUBLE":
		return typedvalue.TypeDouble
	case "DECIMAL", "NUMERIC":
		return typedvalue.TypeDecimal
	case "CHAR":
		return typedvalue.TypeChar
	case "VARCHAR", "TEXT":
		return typedvalue.TypeVarchar
	case "DATE":
		return typedvalue.TypeDate
	case "TIME":
		return typedvalue.TypeTime
	case "TIMESTAMP", "DATETIME":
		return typedvalue.TypeTimestamp
	case "BINARY":
		return typedvalue.TypeBinary
	case "VARBINARY", "BLOB":
		return typedvalue.TypeVarBinary
	default:
		return typedvalue.TypeVarchar
	}
}

func columnMeta(col ColumnDef) typedvalue.ColumnMetaData {
	code := typeCodeFor(col.TypeName)
	signed := false
	switch code {
	case typedvalue.TypeTinyInt, typedvalue.TypeSmallInt, typedvalue.TypeInteger,
		typedvalue.TypeBigInt, typedvalue.TypeFloat, typedvalue.TypeDouble, typedvalue.TypeDecimal:
		signed = true
	}
	return typedvalue.ColumnMetaData{
		Name:      col.Name,
		Label:     col.Name,
		TypeCode:  code,
		TypeName:  strings.ToUpper(col.TypeName),
		Precision: col.Precision,
		Scale:     col.Scale,
		Nullable:  !col.NotNull,
		Signed:    signed,
	}
}

// projectedMeta derives column metadata for a projected expression
func projectedMeta(item SelectItem, pos int, t *table) typedvalue.ColumnMetaData {
	name := item.Alias
	if name == "" {
		if item.Expr.Kind == "column" {
			name = item.Expr.Column
		} else {
			name = fmt.Sprintf("expr$%d", pos)
		}
	}
	meta := typedvalue.ColumnMetaData{Name: name, Label: name, Nullable: true}
	switch item.Expr.Kind {
	case "column":
		if t != nil {
			if idx := columnIndex(t, item.Expr.Column); idx >= 0 {
				meta = columnMeta(t.cols[idx])
				meta.Name = name
				meta.Label = name
				return meta
			}
		}
		meta.TypeCode = typedvalue.TypeVarchar
		meta.TypeName = "VARCHAR"
	case "int", "add", "sub":
		meta.TypeCode = typedvalue.TypeBigInt
		meta.TypeName = "BIGINT"
		meta.Signed = true
	case "decimal":
		meta.TypeCode = typedvalue.TypeDecimal
		meta.TypeName = "DECIMAL"
		meta.Signed = true
	case "float":
		meta.TypeCode = typedvalue.TypeDouble
		meta.TypeName = "DOUBLE"
		meta.Signed = true
	case "bool":
		meta.TypeCode = typedvalue.TypeBoolean
		meta.TypeName = "BOOLEAN"
	default:
		meta.TypeCode = typedvalue.TypeVarchar
		meta.TypeName = "VARCHAR"
	}
	return meta
}

// coerce fits a value into a column's declared type
func coerce(v typedvalue.TypedValue, col ColumnDef) (typedvalue.TypedValue, error) {
	if v.IsNull() {
		return v, nil
	}
	code := typeCodeFor(col.TypeName)
	switch code {
	case typedvalue.TypeBoolean:
		if v.Rep == typedvalue.RepBoolean {
			return v, nil
		}
	case typedvalue.TypeTinyInt, typedvalue.TypeSmallInt, typedvalue.TypeInteger, typedvalue.TypeBigInt:
		if isIntegral(v) {
			return typedvalue.FromInt(typedvalue.RepForTypeCode(code), v.Number)
		}
	case typedvalue.TypeFloat, typedvalue.TypeReal:
		if r, err := realOf(v); err == nil {
			return typedvalue.FromFloat(float32(r)), nil
		}
	case typedvalue.TypeDouble:
		if r, err := realOf(v); err == nil {
			return typedvalue.FromDouble(r), nil
		}
	case typedvalue.TypeDecimal, typedvalue.TypeNumeric:
		target := int32(col.Scale)
		switch v.Rep {
		case typedvalue.RepBigDecimal:
			if v.Scale > target {
				return typedvalue.TypedValue{}, fmt.Errorf("decimal scale %d exceeds column %s scale %d", v.Scale, col.Name, target)
			}
			return typedvalue.FromDecimal(rescaleUnscaled(v, target), target)
		case typedvalue.RepByte, typedvalue.RepShort, typedvalue.RepInteger, typedvalue.RepLong:
			d, err := typedvalue.FromDecimal(big.NewInt(v.Number), 0)
			if err != nil {
				return typedvalue.TypedValue{}, err
			}
			return typedvalue.FromDecimal(rescaleUnscaled(d, target), target)
		}
	case typedvalue.TypeChar, typedvalue.TypeVarchar:
		if v.Rep == typedvalue.RepString {
			return v, nil
		}
	case typedvalue.TypeDate, typedvalue.TypeTime, typedvalue.TypeTimestamp:
		want := typedvalue.RepForTypeCode(code)
		if v.Rep == want {
			return v, nil
		}
		if isIntegral(v) {
			return typedvalue.TypedValue{Rep: want, Number: v.Number}, nil
		}
	case typedvalue.TypeBinary, typedvalue.TypeVarBinary:
		if v.Rep == typedvalue.RepByteString {
			return v, nil
		}
		if v.Rep == typedvalue.RepString {
			return typedvalue.FromBytes([]byte(v.Str)), nil
		}
	}
	return typedvalue.TypedValue{}, fmt.Errorf("%w: value of rep %s does not fit column %s (%s)",
		typedvalue.ErrIllegalArgument, v.Rep, col.Name, col.TypeName)
}

// countParams walks a statement counting positional parameters
func countParams(s Statement) int {
	max := 0
	var walkExpr func(Expr)
	walkExpr = func(e Expr) {
		if e.Kind == "param" && e.Param+1 > max {
			max = e.Param + 1
		}
		if e.Left != nil {
			walkExpr(*e.Left)
		}
		if e.Right != nil {
			walkExpr(*e.Right)
		}
	}
	walkCond := func(c *Condition) {
		for ; c != nil; c = c.And {
			walkExpr(c.Value)
		}
	}
	switch p := s.(type) {
	case *SelectStmt:
		for _, item := range p.Items {
			if !item.Star {
				walkExpr(item.Expr)
			}
		}
		for _, row := range p.InlineRows {
			for _, e := range row {
				walkExpr(e)
			}
		}
		walkCond(p.Where)
	case *InsertStmt:
		for _, row := range p.Rows {
			for _, e := range row {
				walkExpr(e)
			}
		}
	case *UpdateStmt:
		for _, set := range p.Set {
			walkExpr(set.Value)
		}
		walkCond(p.Where)
	case *DeleteStmt:
		walkCond(p.Where)
	}
	return max
}

func likeMatch(pattern, s string) bool {
	if pattern == "" || pattern == "%" {
		return true
	}
	return likeMatchAt(pattern, strings.ToLower(s))
}

func likeMatchAt(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatchAt(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	case '_':
		return s != "" && likeMatchAt(pattern[1:], s[1:])
	default:
		return s != "" && strings.EqualFold(string(pattern[0]), string(s[0])) && likeMatchAt(pattern[1:], s[1:])
	}
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if strings.EqualFold(e, s) {
			return true
		}
	}
	return false
}

func abbreviate(sql string) string {
	if len(sql) > 120 {
		return sql[:117] + "..."
	}
	return sql
}
