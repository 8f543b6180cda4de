package typedvalue

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
)

var (
	// ErrIllegalArgument reports a value that violates the codec contract
	ErrIllegalArgument = errors.New("illegal argument")
)

// Rep tags the wire representation of a value. The tag is explicit so that
// integer widths and NULL stay distinguishable from zero values.
type Rep int

const (
	RepNull Rep = iota
	RepBoolean
	RepByte
	RepShort
	RepInteger
	RepLong
	RepFloat
	RepDouble
	RepBigDecimal
	RepString
	RepByteString
	RepDate
	RepTime
	RepTimestamp
	RepArray
)

var repNames = map[Rep]string{
	RepNull:       "NULL",
	RepBoolean:    "BOOLEAN",
	RepByte:       "BYTE",
	RepShort:      "SHORT",
	RepInteger:    "INTEGER",
	RepLong:       "LONG",
	RepFloat:      "FLOAT",
	RepDouble:     "DOUBLE",
	RepBigDecimal: "BIG_DECIMAL",
	RepString:     "STRING",
	RepByteString: "BYTE_STRING",
	RepDate:       "DATE",
	RepTime:       "TIME",
	RepTimestamp:  "TIMESTAMP",
	RepArray:      "ARRAY",
}

var repValues = func() map[string]Rep {
	m := make(map[string]Rep, len(repNames))
	for r, n := range repNames {
		m[n] = r
	}
	return m
}()

func (r Rep) String() string {
	if n, ok := repNames[r]; ok {
		return n
	}
	return fmt.Sprintf("REP(%d)", int(r))
}

// ParseRep resolves a representation tag name
func ParseRep(name string) (Rep, error) {
	r, ok := repValues[name]
	if !ok {
		return RepNull, fmt.Errorf("%w: unknown rep %q", ErrIllegalArgument, name)
	}
	return r, nil
}

// TypedValue is a representation-tagged scalar, array or binary value.
// Exactly the fields meaningful for Rep are set; the rest stay zero.
type TypedValue struct {
	Rep Rep

	Bool   bool
	Number int64
	Real   float64
	Str    string
	Bytes  []byte

	// Unscaled and Scale carry arbitrary-precision decimals
	Unscaled *big.Int
	Scale    int32

	// Component and Elements carry arrays
	Component Rep
	Elements  []TypedValue
}

// Row is an ordered sequence of values aligned to a column signature
type Row []TypedValue

// Null returns the distinguished NULL value
func Null() TypedValue {
	return TypedValue{Rep: RepNull}
}

// FromBool builds a BOOLEAN value
func FromBool(v bool) TypedValue {
	return TypedValue{Rep: RepBoolean, Bool: v}
}

// FromInt builds a value of the given integer width
func FromInt(rep Rep, v int64) (TypedValue, error) {
	switch rep {
	case RepByte:
		if v < math.MinInt8 || v > math.MaxInt8 {
			return TypedValue{}, fmt.Errorf("%w: %d overflows BYTE", ErrIllegalArgument, v)
		}
	case RepShort:
		if v < math.MinInt16 || v > math.MaxInt16 {
			return TypedValue{}, fmt.Errorf("%w: %d overflows SHORT", ErrIllegalArgument, v)
		}
	case RepInteger:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return TypedValue{}, fmt.Errorf("%w: %d overflows INTEGER", ErrIllegalArgument, v)
		}
	case RepLong:
	default:
		return TypedValue{}, fmt.Errorf("%w: %s is not an integer rep", ErrIllegalArgument, rep)
	}
	return TypedValue{Rep: rep, Number: v}, nil
}

// FromLong builds a LONG value
func FromLong(v int64) TypedValue {
	return TypedValue{Rep: RepLong, Number: v}
}

// FromInteger builds an INTEGER value
func FromInteger(v int32) TypedValue {
	return TypedValue{Rep: RepInteger, Number: int64(v)}
}

// FromFloat builds a FLOAT value
func FromFloat(v float32) TypedValue {
	return TypedValue{Rep: RepFloat, Real: float64(v)}
}

// FromDouble builds a DOUBLE value
func FromDouble(v float64) TypedValue {
	return TypedValue{Rep: RepDouble, Real: v}
}

// FromString builds a STRING value
func FromString(v string) TypedValue {
	return TypedValue{Rep: RepString, Str: v}
}

// FromBytes builds a BYTE_STRING value
func FromBytes(v []byte) TypedValue {
	if v == nil {
		v = []byte{}
	}
	return TypedValue{Rep: RepByteString, Bytes: v}
}

// FromDecimal builds a BIG_DECIMAL from an unscaled integer and a scale.
// Decimals never travel as binary floats.
func FromDecimal(unscaled *big.Int, scale int32) (TypedValue, error) {
	if unscaled == nil {
		return TypedValue{}, fmt.Errorf("%w: nil unscaled decimal", ErrIllegalArgument)
	}
	if scale < 0 {
		return TypedValue{}, fmt.Errorf("%w: negative decimal scale %d", ErrIllegalArgument, scale)
	}
	return TypedValue{Rep: RepBigDecimal, Unscaled: new(big.Int).Set(unscaled), Scale: scale}, nil
}

// ParseDecimal builds a BIG_DECIMAL from its canonical string form.
// The scale equals the number of fractional digits, trailing zeros included.
func ParseDecimal(s string) (TypedValue, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return TypedValue{}, fmt.Errorf("%w: empty decimal", ErrIllegalArgument)
	}
	neg := false
	switch trimmed[0] {
	case '-':
		neg = true
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	intPart := trimmed
	fracPart := ""
	if i := strings.IndexByte(trimmed, '.'); i >= 0 {
		intPart, fracPart = trimmed[:i], trimmed[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return TypedValue{}, fmt.Errorf("%w: malformed decimal %q", ErrIllegalArgument, s)
	}
	digits := intPart + fracPart
	for _, c := range digits {
		if c < '0' || c > '9' {
			return TypedValue{}, fmt.Errorf("%w: malformed decimal %q", ErrIllegalArgument, s)
		}
	}
	if digits == "" {
		digits = "0"
	}
	unscaled, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return TypedValue{}, fmt.Errorf("%w: malformed decimal %q", ErrIllegalArgument, s)
	}
	if neg {
		unscaled.Neg(unscaled)
	}
	return TypedValue{Rep: RepBigDecimal, Unscaled: unscaled, Scale: int32(len(fracPart))}, nil
}

// FromDate builds a DATE from days since 1970-01-01
func FromDate(days int32) TypedValue {
	return TypedValue{Rep: RepDate, Number: int64(days)}
}

// FromTime builds a TIME from milliseconds past midnight
func FromTime(millis int32) TypedValue {
	return TypedValue{Rep: RepTime, Number: int64(millis)}
}

// FromTimestamp builds a TIMESTAMP from milliseconds since epoch, UTC
func FromTimestamp(millis int64) TypedValue {
	return TypedValue{Rep: RepTimestamp, Number: millis}
}

// ArrayOf builds an ARRAY with the given component rep. NULL elements are
// representable; every other element must carry the component rep.
func ArrayOf(component Rep, elements []TypedValue) (TypedValue, error) {
	for i, e := range elements {
		if e.Rep != RepNull && e.Rep != component {
			return TypedValue{}, fmt.Errorf("%w: array element %d has rep %s, component is %s",
				ErrIllegalArgument, i, e.Rep, component)
		}
	}
	if elements == nil {
		elements = []TypedValue{}
	}
	return TypedValue{Rep: RepArray, Component: component, Elements: elements}, nil
}

// IsNull reports whether the value is the distinguished NULL
func (v TypedValue) IsNull() bool {
	return v.Rep == RepNull
}

// AsString renders the value as a string. Byte sequences decode as UTF-8;
// the same column may be read either way.
func (v TypedValue) AsString() string {
	switch v.Rep {
	case RepString:
		return v.Str
	case RepByteString:
		return string(v.Bytes)
	case RepBigDecimal:
		return v.DecimalString()
	case RepBoolean:
		return fmt.Sprintf("%t", v.Bool)
	case RepFloat, RepDouble:
		return fmt.Sprintf("%g", v.Real)
	case RepNull:
		return ""
	default:
		return fmt.Sprintf("%d", v.Number)
	}
}

// DecimalString renders the canonical decimal form, preserving the trailing
// zeros demanded by the scale.
func (v TypedValue) DecimalString() string {
	if v.Unscaled == nil {
		return ""
	}
	digits := new(big.Int).Abs(v.Unscaled).String()
	sign := ""
	if v.Unscaled.Sign() < 0 {
		sign = "-"
	}
	scale := int(v.Scale)
	if scale == 0 {
		return sign + digits
	}
	if len(digits) <= scale {
		digits = strings.Repeat("0", scale-len(digits)+1) + digits
	}
	point := len(digits) - scale
	return sign + digits[:point] + "." + digits[point:]
}

// Equal reports deep equality, including representation tags
func (v TypedValue) Equal(o TypedValue) bool {
	if v.Rep != o.Rep {
		return false
	}
	switch v.Rep {
	case RepNull:
		return true
	case RepBoolean:
		return v.Bool == o.Bool
	case RepFloat, RepDouble:
		return v.Real == o.Real
	case RepString:
		return v.Str == o.Str
	case RepByteString:
		return string(v.Bytes) == string(o.Bytes)
	case RepBigDecimal:
		return v.Scale == o.Scale && v.Unscaled != nil && o.Unscaled != nil && v.Unscaled.Cmp(o.Unscaled) == 0
	case RepArray:
		if v.Component != o.Component || len(v.Elements) != len(o.Elements) {
			return false
		}
		for i := range v.Elements {
			if !v.Elements[i].Equal(o.Elements[i]) {
				return false
			}
		}
		return true
	default:
		return v.Number == o.Number
	}
}
