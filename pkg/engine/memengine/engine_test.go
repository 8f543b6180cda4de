package memengine

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisdennis/calcite-avatica/pkg/engine"
	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

func TestParseStatements(t *testing.T) {
	cases := []struct {
		sql  string
		kind StatementType
	}{
		{"select a, b from t where a = 1", StatementSelect},
		{"SELECT * FROM t", StatementSelect},
		{"select 'x' as s from (values ('x'))", StatementSelect},
		{"insert into t (a, b) values (1, 'x'), (2, 'y')", StatementInsert},
		{"update t set a = a + 1 where b = 'x'", StatementUpdate},
		{"delete from t where a >= 2", StatementDelete},
		{"create table t (a integer primary key, b varchar(32) not null)", StatementCreateTable},
		{"create local temporary table tmp (x integer)", StatementCreateTable},
		{"drop table if exists t", StatementDropTable},
	}
	for _, tc := range cases {
		stmt, err := Parse(tc.sql)
		require.NoError(t, err, "parsing %s", tc.sql)
		assert.Equal(t, tc.kind, stmt.Type(), "kind of %s", tc.sql)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, sql := range []string{"", "grant all", "select", "insert t values"} {
		_, err := Parse(sql)
		assert.Error(t, err, "parsing %q", sql)
	}
}

func TestParseTemporary(t *testing.T) {
	stmt, err := Parse("create local temporary table tmp (x integer)")
	require.NoError(t, err)
	create := stmt.(*CreateTableStmt)
	assert.True(t, create.Temporary)
	assert.Equal(t, "tmp", create.Table)
}

func runSQL(t *testing.T, c engine.Conn, sql string, args ...typedvalue.TypedValue) []engine.Result {
	t.Helper()
	st, err := c.Prepare(context.Background(), sql)
	require.NoError(t, err, "preparing %s", sql)
	defer st.Close()
	res, err := st.Execute(context.Background(), args, -1)
	require.NoError(t, err, "executing %s", sql)
	return res
}

func allRows(t *testing.T, cur engine.Cursor) []typedvalue.Row {
	t.Helper()
	var rows []typedvalue.Row
	for {
		row, err := cur.Next(context.Background())
		if err == io.EOF {
			require.NoError(t, cur.Close())
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestCRUD(t *testing.T) {
	eng := New()
	c, err := eng.Connect(context.Background(), nil)
	require.NoError(t, err)
	defer c.Close()

	runSQL(t, c, "create table emp (id integer primary key, name varchar(32), salary decimal(10, 2))")
	res := runSQL(t, c, "insert into emp values (1, 'alice', 100.50), (2, 'bob', 90.00)")
	assert.Equal(t, int64(2), res[0].UpdateCount)

	res = runSQL(t, c, "select name, salary from emp where id = 2")
	rows := allRows(t, res[0].Cursor)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", rows[0][0].Str)
	assert.Equal(t, "90.00", rows[0][1].DecimalString())

	res = runSQL(t, c, "update emp set salary = 95 where name = 'bob'")
	assert.Equal(t, int64(1), res[0].UpdateCount)

	res = runSQL(t, c, "select salary from emp where name = 'bob'")
	rows = allRows(t, res[0].Cursor)
	assert.Equal(t, "95.00", rows[0][0].DecimalString())

	res = runSQL(t, c, "delete from emp where id = 1")
	assert.Equal(t, int64(1), res[0].UpdateCount)

	res = runSQL(t, c, "select * from emp")
	rows = allRows(t, res[0].Cursor)
	assert.Len(t, rows, 1)
}

func TestParameterBinding(t *testing.T) {
	eng := New()
	c, err := eng.Connect(context.Background(), nil)
	require.NoError(t, err)
	defer c.Close()

	runSQL(t, c, "create table kv (k varchar(16), v integer)")
	st, err := c.Prepare(context.Background(), "insert into kv values (?, ?)")
	require.NoError(t, err)
	_, params := st.Signature()
	require.Len(t, params, 2)

	_, err = st.Execute(context.Background(), []typedvalue.TypedValue{
		typedvalue.FromString("a"), typedvalue.FromLong(1),
	}, -1)
	require.NoError(t, err)

	// arity mismatch is rejected
	_, err = st.Execute(context.Background(), []typedvalue.TypedValue{typedvalue.FromString("a")}, -1)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidParameter)
	require.NoError(t, st.Close())
}

func TestNotNullEnforced(t *testing.T) {
	eng := New()
	c, err := eng.Connect(context.Background(), nil)
	require.NoError(t, err)
	defer c.Close()

	runSQL(t, c, "create table t (a integer not null)")
	st, err := c.Prepare(context.Background(), "insert into t values (?)")
	require.NoError(t, err)
	_, err = st.Execute(context.Background(), []typedvalue.TypedValue{typedvalue.Null()}, -1)
	require.Error(t, err)
}

func TestMaxRowsCap(t *testing.T) {
	eng := New()
	c, err := eng.Connect(context.Background(), nil)
	require.NoError(t, err)
	defer c.Close()

	runSQL(t, c, "create table seq (n integer)")
	runSQL(t, c, "insert into seq values (1), (2), (3), (4), (5)")

	st, err := c.Prepare(context.Background(), "select n from seq")
	require.NoError(t, err)
	defer st.Close()
	res, err := st.Execute(context.Background(), nil, 3)
	require.NoError(t, err)
	assert.Len(t, allRows(t, res[0].Cursor), 3)

	// zero and negative caps mean unbounded
	res, err = st.Execute(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Len(t, allRows(t, res[0].Cursor), 5)
}

func TestTransactionRollback(t *testing.T) {
	eng := New()
	c, err := eng.Connect(context.Background(), nil)
	require.NoError(t, err)
	defer c.Close()

	runSQL(t, c, "create table t (n integer)")
	runSQL(t, c, "insert into t values (1)")

	off := false
	require.NoError(t, c.ApplyProps(context.Background(), engine.Props{AutoCommit: &off}))

	runSQL(t, c, "update t set n = 99")
	require.NoError(t, c.Rollback(context.Background()))

	res := runSQL(t, c, "select n from t")
	rows := allRows(t, res[0].Cursor)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0][0].Number)

	runSQL(t, c, "update t set n = 42")
	require.NoError(t, c.Commit(context.Background()))
	require.NoError(t, c.Rollback(context.Background()))

	res = runSQL(t, c, "select n from t")
	rows = allRows(t, res[0].Cursor)
	assert.Equal(t, int64(42), rows[0][0].Number)
}

func TestTemporaryTablePerConnection(t *testing.T) {
	eng := New()
	c1, err := eng.Connect(context.Background(), nil)
	require.NoError(t, err)
	defer c1.Close()
	c2, err := eng.Connect(context.Background(), nil)
	require.NoError(t, err)
	defer c2.Close()

	runSQL(t, c1, "create local temporary table tmp (x integer)")
	runSQL(t, c1, "insert into tmp values (7)")

	_, err = c2.Prepare(context.Background(), "select x from tmp")
	require.Error(t, err)

	res := runSQL(t, c1, "select x from tmp")
	assert.Len(t, allRows(t, res[0].Cursor), 1)
}

func TestCatalogQueries(t *testing.T) {
	eng := New()
	c, err := eng.Connect(context.Background(), nil)
	require.NoError(t, err)
	defer c.Close()

	runSQL(t, c, "create table emp (id integer primary key, name varchar(32))")

	cur, err := c.Tables(context.Background(), "", "", "emp", nil)
	require.NoError(t, err)
	tables := allRows(t, cur)
	require.Len(t, tables, 1)
	assert.Equal(t, "emp", tables[0][2].Str)
	assert.Equal(t, "TABLE", tables[0][3].Str)

	cur, err = c.Columns(context.Background(), "", "", "emp", "")
	require.NoError(t, err)
	cols := allRows(t, cur)
	require.Len(t, cols, 2)
	assert.Equal(t, "id", cols[0][3].Str)
	assert.Equal(t, "name", cols[1][3].Str)

	cur, err = c.TypeInfo(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, allRows(t, cur))

	cur, err = c.TableTypes(context.Background())
	require.NoError(t, err)
	assert.Len(t, allRows(t, cur), 2)
}

func TestLikeMatch(t *testing.T) {
	assert.True(t, likeMatch("", "anything"))
	assert.True(t, likeMatch("%", "anything"))
	assert.True(t, likeMatch("emp%", "employees"))
	assert.True(t, likeMatch("e_p", "emp"))
	assert.True(t, likeMatch("EMP", "emp"))
	assert.False(t, likeMatch("emp", "dept"))
	assert.False(t, likeMatch("e_p", "exxp"))
}

func TestUnicodeValues(t *testing.T) {
	eng := New()
	c, err := eng.Connect(context.Background(), nil)
	require.NoError(t, err)
	defer c.Close()

	runSQL(t, c, "create table g (s varchar(64))")
	for _, s := range []string{"您好", "こんにちは", "안녕하세요"} {
		runSQL(t, c, "insert into g values (?)", typedvalue.FromString(s))
	}
	res := runSQL(t, c, "select s from g")
	rows := allRows(t, res[0].Cursor)
	require.Len(t, rows, 3)
	assert.Equal(t, "您好", rows[0][0].Str)
	assert.Equal(t, "こんにちは", rows[1][0].Str)
	assert.Equal(t, "안녕하세요", rows[2][0].Str)
}
