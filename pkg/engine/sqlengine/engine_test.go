package sqlengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

func TestIsQuery(t *testing.T) {
	assert.True(t, isQuery("select 1"))
	assert.True(t, isQuery("  SELECT * from t"))
	assert.True(t, isQuery("values (1)"))
	assert.True(t, isQuery("WITH x AS (select 1) select * from x"))
	assert.True(t, isQuery("pragma table_info(t)"))
	assert.False(t, isQuery("insert into t values (1)"))
	assert.False(t, isQuery("update t set a = 1"))
	assert.False(t, isQuery("create table t (a integer)"))
}

func TestCountPlaceholders(t *testing.T) {
	assert.Equal(t, 0, countPlaceholders("select 1"))
	assert.Equal(t, 2, countPlaceholders("insert into t values (?, ?)"))
	// markers inside string literals do not count
	assert.Equal(t, 1, countPlaceholders("select '?' from t where a = ?"))
}

func TestTypeCodeForDecl(t *testing.T) {
	assert.Equal(t, typedvalue.TypeBigInt, typeCodeForDecl("INTEGER"))
	assert.Equal(t, typedvalue.TypeBigInt, typeCodeForDecl("bigint"))
	assert.Equal(t, typedvalue.TypeVarchar, typeCodeForDecl("VARCHAR(32)"))
	assert.Equal(t, typedvalue.TypeVarchar, typeCodeForDecl("TEXT"))
	assert.Equal(t, typedvalue.TypeVarBinary, typeCodeForDecl("BLOB"))
	assert.Equal(t, typedvalue.TypeDouble, typeCodeForDecl("REAL"))
	assert.Equal(t, typedvalue.TypeDecimal, typeCodeForDecl("DECIMAL(10,2)"))
	assert.Equal(t, typedvalue.TypeTimestamp, typeCodeForDecl("DATETIME"))
	assert.Equal(t, typedvalue.TypeDate, typeCodeForDecl("DATE"))
	assert.Equal(t, typedvalue.TypeVarchar, typeCodeForDecl(""))
}

func TestFromDriverValue(t *testing.T) {
	strCol := typedvalue.ColumnMetaData{TypeCode: typedvalue.TypeVarchar}
	binCol := typedvalue.ColumnMetaData{TypeCode: typedvalue.TypeVarBinary}

	assert.True(t, fromDriverValue(nil, strCol).IsNull())
	assert.Equal(t, int64(7), fromDriverValue(int64(7), strCol).Number)
	assert.Equal(t, "x", fromDriverValue("x", strCol).Str)
	// text columns scanned as bytes decode to strings
	assert.Equal(t, typedvalue.RepString, fromDriverValue([]byte("abc"), strCol).Rep)
	assert.Equal(t, typedvalue.RepByteString, fromDriverValue([]byte{1, 2}, binCol).Rep)
}
