package typedvalue

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleValues(t *testing.T) []TypedValue {
	t.Helper()
	dec, err := FromDecimal(big.NewInt(1234567890), 5)
	require.NoError(t, err)
	byteVal, err := FromInt(RepByte, -12)
	require.NoError(t, err)
	shortVal, err := FromInt(RepShort, 1234)
	require.NoError(t, err)
	arr, err := ArrayOf(RepInteger, []TypedValue{FromInteger(1), Null(), FromInteger(3)})
	require.NoError(t, err)
	inner1, err := ArrayOf(RepString, []TypedValue{FromString("a")})
	require.NoError(t, err)
	inner2, err := ArrayOf(RepString, []TypedValue{FromString("b"), Null()})
	require.NoError(t, err)
	nested, err := ArrayOf(RepArray, []TypedValue{inner1, inner2})
	require.NoError(t, err)
	return []TypedValue{
		Null(),
		FromBool(true),
		FromBool(false),
		byteVal,
		shortVal,
		FromInteger(-2147483648),
		FromLong(9223372036854775807),
		FromFloat(1.5),
		FromDouble(-2.25),
		dec,
		FromString("hello"),
		FromString("您好 こんにちは 안녕하세요"),
		FromBytes([]byte{0x61, 0x73, 0x64, 0x66}),
		FromBytes([]byte{}),
		FromDate(19000),
		FromTime(86399999),
		FromTimestamp(1700000000000),
		arr,
		nested,
	}
}

func TestJSONRoundTrip(t *testing.T) {
	for _, v := range sampleValues(t) {
		data, err := v.MarshalJSON()
		require.NoError(t, err, "marshalling %s", v.Rep)
		var back TypedValue
		require.NoError(t, back.UnmarshalJSON(data), "unmarshalling %s from %s", v.Rep, data)
		assert.True(t, v.Equal(back), "round trip of %s: sent %+v, got %+v", v.Rep, v, back)
		assert.Equal(t, v, back, "deep equality of %s", v.Rep)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	for _, v := range sampleValues(t) {
		data, err := MarshalTypedValue(v)
		require.NoError(t, err, "marshalling %s", v.Rep)
		back, err := UnmarshalTypedValue(data)
		require.NoError(t, err, "unmarshalling %s", v.Rep)
		assert.True(t, v.Equal(back), "round trip of %s: sent %+v, got %+v", v.Rep, v, back)
		assert.Equal(t, v, back, "deep equality of %s", v.Rep)
	}
}

func TestDecimalCanonicalString(t *testing.T) {
	dec, err := FromDecimal(big.NewInt(1234567890), 5)
	require.NoError(t, err)
	// trailing zeros demanded by the scale are preserved
	assert.Equal(t, "12345.67890", dec.DecimalString())

	parsed, err := ParseDecimal("12345.67890")
	require.NoError(t, err)
	assert.Equal(t, int32(5), parsed.Scale)
	assert.Equal(t, 0, parsed.Unscaled.Cmp(big.NewInt(1234567890)))
	assert.True(t, dec.Equal(parsed))

	neg, err := ParseDecimal("-0.0500")
	require.NoError(t, err)
	assert.Equal(t, "-0.0500", neg.DecimalString())

	zeroScale, err := FromDecimal(big.NewInt(42), 0)
	require.NoError(t, err)
	assert.Equal(t, "42", zeroScale.DecimalString())

	small, err := FromDecimal(big.NewInt(7), 3)
	require.NoError(t, err)
	assert.Equal(t, "0.007", small.DecimalString())
}

func TestDecimalNegativeScaleRejected(t *testing.T) {
	_, err := FromDecimal(big.NewInt(5), -2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestDecimalMalformed(t *testing.T) {
	for _, bad := range []string{"", "abc", "1.2.3", "1,5", "--4"} {
		_, err := ParseDecimal(bad)
		assert.Error(t, err, "parsing %q", bad)
	}
}

func TestNaNHasNoWireForm(t *testing.T) {
	v := FromDouble(0)
	v.Real = nan()
	_, err := v.MarshalJSON()
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = MarshalTypedValue(v)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func nan() float64 {
	z := 0.0
	return z / z
}

func TestBinaryAsString(t *testing.T) {
	v := FromBytes([]byte{0x61, 0x73, 0x64, 0x66})
	assert.Equal(t, "asdf", v.AsString())
}

func TestNullDistinctFromZero(t *testing.T) {
	assert.False(t, Null().Equal(FromInteger(0)))
	assert.False(t, Null().Equal(FromString("")))
	assert.False(t, Null().Equal(FromBool(false)))
	assert.True(t, Null().IsNull())
	assert.False(t, FromInteger(0).IsNull())
}

func TestIntegerWidthOverflow(t *testing.T) {
	_, err := FromInt(RepByte, 200)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = FromInt(RepShort, 70000)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = FromInt(RepInteger, 1<<40)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestArrayComponentConflict(t *testing.T) {
	_, err := ArrayOf(RepInteger, []TypedValue{FromString("oops")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestArrayComponentConflictOnDecode(t *testing.T) {
	// an array whose declared component conflicts with an element's tag
	// is rejected when decoded
	bad := TypedValue{Rep: RepArray, Component: RepString, Elements: []TypedValue{FromInteger(1)}}
	data, err := MarshalTypedValue(bad)
	require.NoError(t, err)
	_, err = UnmarshalTypedValue(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}

func TestCheckCompatible(t *testing.T) {
	intCol := ColumnMetaData{Name: "n", TypeCode: TypeInteger, TypeName: "INTEGER"}
	strCol := ColumnMetaData{Name: "s", TypeCode: TypeVarchar, TypeName: "VARCHAR", Nullable: true}
	binCol := ColumnMetaData{Name: "b", TypeCode: TypeVarBinary, TypeName: "VARBINARY", Nullable: true}

	assert.NoError(t, CheckCompatible(FromInteger(5), intCol))
	assert.NoError(t, CheckCompatible(FromString("x"), strCol))
	// binary columns may be read as strings
	assert.NoError(t, CheckCompatible(FromString("x"), binCol))
	// narrower integers fit wider columns
	short, _ := FromInt(RepShort, 5)
	assert.NoError(t, CheckCompatible(short, intCol))

	assert.ErrorIs(t, CheckCompatible(FromString("x"), intCol), ErrIllegalArgument)
	assert.ErrorIs(t, CheckCompatible(Null(), intCol), ErrIllegalArgument)
	assert.NoError(t, CheckCompatible(Null(), strCol))
}

func TestUnicodePassThrough(t *testing.T) {
	for _, s := range []string{"您好", "こんにちは", "안녕하세요"} {
		v := FromString(s)
		data, err := v.MarshalJSON()
		require.NoError(t, err)
		var back TypedValue
		require.NoError(t, back.UnmarshalJSON(data))
		assert.Equal(t, s, back.Str)

		bin, err := MarshalTypedValue(v)
		require.NoError(t, err)
		decoded, err := UnmarshalTypedValue(bin)
		require.NoError(t, err)
		assert.Equal(t, s, decoded.Str)
	}
}

func TestColumnAndParameterBinaryRoundTrip(t *testing.T) {
	col := ColumnMetaData{
		Name: "price", Label: "PRICE", TypeCode: TypeDecimal, TypeName: "DECIMAL",
		Precision: 10, Scale: 2, Nullable: true, Signed: true,
	}
	back, err := UnmarshalColumn(MarshalColumn(col))
	require.NoError(t, err)
	assert.Equal(t, col, back)

	param := Parameter{TypeCode: TypeVarchar, TypeName: "VARCHAR", Precision: 255}
	pback, err := UnmarshalParameter(MarshalParameter(param))
	require.NoError(t, err)
	assert.Equal(t, param, pback)
}

func TestFrameBinaryRoundTrip(t *testing.T) {
	frame := Frame{
		Offset: 100,
		Done:   true,
		Rows: []Row{
			{FromInteger(1), FromString("a")},
			{FromInteger(2), Null()},
		},
	}
	data, err := MarshalFrame(frame)
	require.NoError(t, err)
	back, err := UnmarshalFrame(data)
	require.NoError(t, err)
	assert.Equal(t, frame, back)
}

func TestInvalidTagRejected(t *testing.T) {
	_, err := UnmarshalTypedValue([]byte{0x00, 0x01, 0x02})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tag")
}
