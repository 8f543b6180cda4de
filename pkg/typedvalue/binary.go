package typedvalue

import (
	"fmt"
	"math"
	"math/big"

	"google.golang.org/protobuf/encoding/protowire"
)

// Compact tagged layout for values and signature metadata. Field numbers are
// fixed; unknown fields are skipped on decode so the layout can grow.
//
// TypedValue fields:
//   1 rep  2 bool  3 number(sint64)  4 real(fixed64)  5 string  6 bytes
//   7 unscaled(digits)  8 scale  9 component  10 elements(repeated message)

// MarshalTypedValue encodes a value into its tagged binary form
func MarshalTypedValue(v TypedValue) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Rep))

	switch v.Rep {
	case RepNull:
	case RepBoolean:
		if v.Bool {
			b = protowire.AppendTag(b, 2, protowire.VarintType)
			b = protowire.AppendVarint(b, 1)
		}
	case RepByte, RepShort, RepInteger, RepLong, RepDate, RepTime, RepTimestamp:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.Number))
	case RepFloat, RepDouble:
		if math.IsNaN(v.Real) || math.IsInf(v.Real, 0) {
			return nil, fmt.Errorf("%w: %s value %v has no wire form", ErrIllegalArgument, v.Rep, v.Real)
		}
		b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v.Real))
	case RepString:
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, v.Str)
	case RepByteString:
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Bytes)
	case RepBigDecimal:
		if v.Unscaled == nil {
			return nil, fmt.Errorf("%w: decimal without unscaled value", ErrIllegalArgument)
		}
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, v.Unscaled.String())
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.Scale))
	case RepArray:
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.Component))
		for _, e := range v.Elements {
			eb, err := MarshalTypedValue(e)
			if err != nil {
				return nil, err
			}
			b = protowire.AppendTag(b, 10, protowire.BytesType)
			b = protowire.AppendBytes(b, eb)
		}
	default:
		return nil, fmt.Errorf("%w: unknown rep %d", ErrIllegalArgument, int(v.Rep))
	}
	return b, nil
}

// UnmarshalTypedValue decodes a value from its tagged binary form
func UnmarshalTypedValue(b []byte) (TypedValue, error) {
	var v TypedValue
	var sawScale bool
	var unscaled string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
		}
		b = b[n:]
		switch num {
		case 1:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
			}
			v.Rep = Rep(u)
			b = b[n:]
		case 2:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
			}
			v.Bool = u != 0
			b = b[n:]
		case 3:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
			}
			v.Number = protowire.DecodeZigZag(u)
			b = b[n:]
		case 4:
			u, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
			}
			v.Real = math.Float64frombits(u)
			b = b[n:]
		case 5:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
			}
			v.Str = s
			b = b[n:]
		case 6:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
			}
			v.Bytes = append([]byte{}, raw...)
			b = b[n:]
		case 7:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
			}
			unscaled = s
			b = b[n:]
		case 8:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
			}
			v.Scale = int32(u)
			sawScale = true
			b = b[n:]
		case 9:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
			}
			v.Component = Rep(u)
			b = b[n:]
		case 10:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
			}
			e, err := UnmarshalTypedValue(raw)
			if err != nil {
				return TypedValue{}, err
			}
			v.Elements = append(v.Elements, e)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return TypedValue{}, fmt.Errorf("%w: value contained an invalid tag", ErrIllegalArgument)
			}
			b = b[n:]
		}
	}

	switch v.Rep {
	case RepBigDecimal:
		if unscaled == "" || !sawScale {
			return TypedValue{}, fmt.Errorf("%w: decimal without unscaled value", ErrIllegalArgument)
		}
		u, ok := new(big.Int).SetString(unscaled, 10)
		if !ok {
			return TypedValue{}, fmt.Errorf("%w: malformed decimal digits %q", ErrIllegalArgument, unscaled)
		}
		if v.Scale < 0 {
			return TypedValue{}, fmt.Errorf("%w: negative decimal scale %d", ErrIllegalArgument, v.Scale)
		}
		v.Unscaled = u
	case RepByteString:
		if v.Bytes == nil {
			v.Bytes = []byte{}
		}
	case RepArray:
		if v.Elements == nil {
			v.Elements = []TypedValue{}
		}
		for i, e := range v.Elements {
			if e.Rep != RepNull && e.Rep != v.Component {
				return TypedValue{}, fmt.Errorf("%w: array element %d has rep %s, component is %s",
					ErrIllegalArgument, i, e.Rep, v.Component)
			}
		}
	}
	if _, ok := repNames[v.Rep]; !ok {
		return TypedValue{}, fmt.Errorf("%w: unknown rep %d", ErrIllegalArgument, int(v.Rep))
	}
	return v, nil
}

// MarshalFrame encodes a result frame.
// Fields: 1 offset  2 done  3 rows(repeated message{1 values})
func MarshalFrame(f Frame) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Offset))
	if f.Done {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	for _, row := range f.Rows {
		var rb []byte
		for _, v := range row {
			vb, err := MarshalTypedValue(v)
			if err != nil {
				return nil, err
			}
			rb = protowire.AppendTag(rb, 1, protowire.BytesType)
			rb = protowire.AppendBytes(rb, vb)
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, rb)
	}
	return b, nil
}

// UnmarshalFrame decodes a result frame
func UnmarshalFrame(b []byte) (Frame, error) {
	f := Frame{Rows: []Row{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: frame contained an invalid tag", ErrIllegalArgument)
		}
		b = b[n:]
		switch num {
		case 1:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: frame contained an invalid tag", ErrIllegalArgument)
			}
			f.Offset = int64(u)
			b = b[n:]
		case 2:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: frame contained an invalid tag", ErrIllegalArgument)
			}
			f.Done = u != 0
			b = b[n:]
		case 3:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: frame contained an invalid tag", ErrIllegalArgument)
			}
			row := Row{}
			for len(raw) > 0 {
				rnum, rtyp, rn := protowire.ConsumeTag(raw)
				if rn < 0 {
					return Frame{}, fmt.Errorf("%w: frame contained an invalid tag", ErrIllegalArgument)
				}
				raw = raw[rn:]
				if rnum != 1 {
					skip := protowire.ConsumeFieldValue(rnum, rtyp, raw)
					if skip < 0 {
						return Frame{}, fmt.Errorf("%w: frame contained an invalid tag", ErrIllegalArgument)
					}
					raw = raw[skip:]
					continue
				}
				vb, vn := protowire.ConsumeBytes(raw)
				if vn < 0 {
					return Frame{}, fmt.Errorf("%w: frame contained an invalid tag", ErrIllegalArgument)
				}
				v, err := UnmarshalTypedValue(vb)
				if err != nil {
					return Frame{}, err
				}
				row = append(row, v)
				raw = raw[vn:]
			}
			f.Rows = append(f.Rows, row)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: frame contained an invalid tag", ErrIllegalArgument)
			}
			b = b[n:]
		}
	}
	return f, nil
}

// MarshalColumn encodes column metadata.
// Fields: 1 name 2 label 3 type 4 typeName 5 precision 6 scale 7 nullable
// 8 signed 9 component
func MarshalColumn(c ColumnMetaData) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, c.Name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, c.Label)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(c.TypeCode)))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, c.TypeName)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Precision))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(c.Scale)))
	if c.Nullable {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if c.Signed {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if c.Component != RepNull {
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Component))
	}
	return b
}

// UnmarshalColumn decodes column metadata
func UnmarshalColumn(b []byte) (ColumnMetaData, error) {
	var c ColumnMetaData
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ColumnMetaData{}, fmt.Errorf("%w: column contained an invalid tag", ErrIllegalArgument)
		}
		b = b[n:]
		var bad bool
		switch num {
		case 1, 2, 4:
			s, sn := protowire.ConsumeString(b)
			if sn < 0 {
				bad = true
				break
			}
			switch num {
			case 1:
				c.Name = s
			case 2:
				c.Label = s
			case 4:
				c.TypeName = s
			}
			b = b[sn:]
		case 3, 5, 6, 7, 8, 9:
			u, un := protowire.ConsumeVarint(b)
			if un < 0 {
				bad = true
				break
			}
			switch num {
			case 3:
				c.TypeCode = int(protowire.DecodeZigZag(u))
			case 5:
				c.Precision = int(u)
			case 6:
				c.Scale = int(protowire.DecodeZigZag(u))
			case 7:
				c.Nullable = u != 0
			case 8:
				c.Signed = u != 0
			case 9:
				c.Component = Rep(u)
			}
			b = b[un:]
		default:
			skip := protowire.ConsumeFieldValue(num, typ, b)
			if skip < 0 {
				bad = true
				break
			}
			b = b[skip:]
		}
		if bad {
			return ColumnMetaData{}, fmt.Errorf("%w: column contained an invalid tag", ErrIllegalArgument)
		}
	}
	return c, nil
}

// MarshalParameter encodes a parameter descriptor.
// Fields: 1 type 2 typeName 3 precision 4 scale
func MarshalParameter(p Parameter) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.TypeCode)))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, p.TypeName)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Precision))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.Scale)))
	return b
}

// UnmarshalParameter decodes a parameter descriptor
func UnmarshalParameter(b []byte) (Parameter, error) {
	var p Parameter
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Parameter{}, fmt.Errorf("%w: parameter contained an invalid tag", ErrIllegalArgument)
		}
		b = b[n:]
		switch num {
		case 2:
			s, sn := protowire.ConsumeString(b)
			if sn < 0 {
				return Parameter{}, fmt.Errorf("%w: parameter contained an invalid tag", ErrIllegalArgument)
			}
			p.TypeName = s
			b = b[sn:]
		case 1, 3, 4:
			u, un := protowire.ConsumeVarint(b)
			if un < 0 {
				return Parameter{}, fmt.Errorf("%w: parameter contained an invalid tag", ErrIllegalArgument)
			}
			switch num {
			case 1:
				p.TypeCode = int(protowire.DecodeZigZag(u))
			case 3:
				p.Precision = int(u)
			case 4:
				p.Scale = int(protowire.DecodeZigZag(u))
			}
			b = b[un:]
		default:
			skip := protowire.ConsumeFieldValue(num, typ, b)
			if skip < 0 {
				return Parameter{}, fmt.Errorf("%w: parameter contained an invalid tag", ErrIllegalArgument)
			}
			b = b[skip:]
		}
	}
	return p, nil
}
