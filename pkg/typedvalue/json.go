package typedvalue

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// jsonValue is the textual wire form: a representation tag plus the value.
// 64-bit integers and decimals ride as strings so no precision is lost in
// transit through binary-float JSON readers.
type jsonValue struct {
	Rep       string          `json:"rep"`
	Component string          `json:"component,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler
func (v TypedValue) MarshalJSON() ([]byte, error) {
	out := jsonValue{Rep: v.Rep.String()}

	var err error
	switch v.Rep {
	case RepNull:
		out.Value = json.RawMessage("null")
	case RepBoolean:
		out.Value, err = json.Marshal(v.Bool)
	case RepByte, RepShort, RepInteger, RepDate, RepTime, RepTimestamp:
		out.Value = json.RawMessage(strconv.FormatInt(v.Number, 10))
	case RepLong:
		out.Value, err = json.Marshal(strconv.FormatInt(v.Number, 10))
	case RepFloat, RepDouble:
		if math.IsNaN(v.Real) || math.IsInf(v.Real, 0) {
			return nil, fmt.Errorf("%w: %s value %v has no wire form", ErrIllegalArgument, v.Rep, v.Real)
		}
		out.Value, err = json.Marshal(v.Real)
	case RepBigDecimal:
		if v.Unscaled == nil {
			return nil, fmt.Errorf("%w: decimal without unscaled value", ErrIllegalArgument)
		}
		out.Value, err = json.Marshal(v.DecimalString())
	case RepString:
		out.Value, err = json.Marshal(v.Str)
	case RepByteString:
		out.Value, err = json.Marshal(base64.StdEncoding.EncodeToString(v.Bytes))
	case RepArray:
		out.Component = v.Component.String()
		out.Value, err = json.Marshal(v.Elements)
	default:
		return nil, fmt.Errorf("%w: unknown rep %d", ErrIllegalArgument, int(v.Rep))
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (v *TypedValue) UnmarshalJSON(data []byte) error {
	var in jsonValue
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return err
	}

	rep, err := ParseRep(in.Rep)
	if err != nil {
		return err
	}

	switch rep {
	case RepNull:
		*v = Null()
		return nil
	case RepBoolean:
		var b bool
		if err := json.Unmarshal(in.Value, &b); err != nil {
			return fmt.Errorf("%w: BOOLEAN value: %v", ErrIllegalArgument, err)
		}
		*v = FromBool(b)
		return nil
	case RepByte, RepShort, RepInteger, RepDate, RepTime:
		n, err := jsonInt(in.Value)
		if err != nil {
			return err
		}
		if rep == RepDate || rep == RepTime {
			*v = TypedValue{Rep: rep, Number: n}
			return nil
		}
		tv, err := FromInt(rep, n)
		if err != nil {
			return err
		}
		*v = tv
		return nil
	case RepLong, RepTimestamp:
		n, err := jsonInt(in.Value)
		if err != nil {
			return err
		}
		*v = TypedValue{Rep: rep, Number: n}
		return nil
	case RepFloat, RepDouble:
		var f float64
		if err := json.Unmarshal(in.Value, &f); err != nil {
			return fmt.Errorf("%w: %s value: %v", ErrIllegalArgument, rep, err)
		}
		*v = TypedValue{Rep: rep, Real: f}
		return nil
	case RepBigDecimal:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("%w: BIG_DECIMAL value: %v", ErrIllegalArgument, err)
		}
		tv, err := ParseDecimal(s)
		if err != nil {
			return err
		}
		*v = tv
		return nil
	case RepString:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("%w: STRING value: %v", ErrIllegalArgument, err)
		}
		*v = FromString(s)
		return nil
	case RepByteString:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("%w: BYTE_STRING value: %v", ErrIllegalArgument, err)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("%w: BYTE_STRING value: %v", ErrIllegalArgument, err)
		}
		*v = FromBytes(raw)
		return nil
	case RepArray:
		component, err := ParseRep(in.Component)
		if err != nil {
			return err
		}
		var elems []TypedValue
		if err := json.Unmarshal(in.Value, &elems); err != nil {
			return fmt.Errorf("%w: ARRAY value: %v", ErrIllegalArgument, err)
		}
		tv, err := ArrayOf(component, elems)
		if err != nil {
			return err
		}
		*v = tv
		return nil
	}
	return fmt.Errorf("%w: unknown rep %q", ErrIllegalArgument, in.Rep)
}

// jsonInt accepts both number and string encodings of an integer
func jsonInt(raw json.RawMessage) (int64, error) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.Int64()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: integer value %s", ErrIllegalArgument, string(raw))
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: integer value %q", ErrIllegalArgument, s)
	}
	return n, nil
}
