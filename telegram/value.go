package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/c360/trdpsim/errors"
)

// FieldValue is a tagged variant over the field type set plus "unset".
// The zero value is unset: it carries no data, the codec skips it, and its
// bytes in an encoded buffer stay zero.
//
// Values are immutable once constructed. Accessors for a kind other than the
// stored one return the zero value of the requested representation.
type FieldValue struct {
	kind FieldType
	bits uint64
	str  string
	raw  []byte
}

// BoolValue returns a BOOL field value.
func BoolValue(v bool) FieldValue {
	var bits uint64
	if v {
		bits = 1
	}
	return FieldValue{kind: TypeBool, bits: bits}
}

// Int8Value returns an INT8 field value.
func Int8Value(v int8) FieldValue {
	return FieldValue{kind: TypeInt8, bits: uint64(uint8(v))}
}

// Uint8Value returns a UINT8 field value.
func Uint8Value(v uint8) FieldValue {
	return FieldValue{kind: TypeUint8, bits: uint64(v)}
}

// Int16Value returns an INT16 field value.
func Int16Value(v int16) FieldValue {
	return FieldValue{kind: TypeInt16, bits: uint64(uint16(v))}
}

// Uint16Value returns a UINT16 field value.
func Uint16Value(v uint16) FieldValue {
	return FieldValue{kind: TypeUint16, bits: uint64(v)}
}

// Int32Value returns an INT32 field value.
func Int32Value(v int32) FieldValue {
	return FieldValue{kind: TypeInt32, bits: uint64(uint32(v))}
}

// Uint32Value returns a UINT32 field value.
func Uint32Value(v uint32) FieldValue {
	return FieldValue{kind: TypeUint32, bits: uint64(v)}
}

// Float32Value returns a FLOAT32 field value.
func Float32Value(v float32) FieldValue {
	return FieldValue{kind: TypeFloat32, bits: uint64(math.Float32bits(v))}
}

// Float64Value returns a FLOAT64 field value.
func Float64Value(v float64) FieldValue {
	return FieldValue{kind: TypeFloat64, bits: math.Float64bits(v)}
}

// StringValue returns a STRING field value. The codec NUL-pads or truncates
// to the field size on encode.
func StringValue(v string) FieldValue {
	return FieldValue{kind: TypeString, str: v}
}

// BytesValue returns a BYTES field value. The slice is copied.
func BytesValue(v []byte) FieldValue {
	return FieldValue{kind: TypeBytes, raw: bytes.Clone(v)}
}

// ZeroValue returns the zero value of the given type: false, 0, 0.0, the
// empty string, or empty bytes. For TypeInvalid it returns unset.
func ZeroValue(t FieldType) FieldValue {
	if t == TypeInvalid {
		return FieldValue{}
	}
	if t == TypeBytes {
		return FieldValue{kind: TypeBytes, raw: []byte{}}
	}
	return FieldValue{kind: t}
}

// Kind returns the stored type, or TypeInvalid when unset.
func (v FieldValue) Kind() FieldType {
	return v.kind
}

// IsSet reports whether the value carries data.
func (v FieldValue) IsSet() bool {
	return v.kind != TypeInvalid
}

// Bool returns the stored boolean.
func (v FieldValue) Bool() bool {
	return v.kind == TypeBool && v.bits != 0
}

// Int returns the stored signed integer, sign-extended from its width.
func (v FieldValue) Int() int32 {
	switch v.kind {
	case TypeInt8:
		return int32(int8(uint8(v.bits)))
	case TypeInt16:
		return int32(int16(uint16(v.bits)))
	case TypeInt32:
		return int32(uint32(v.bits))
	default:
		return 0
	}
}

// Uint returns the stored unsigned integer.
func (v FieldValue) Uint() uint32 {
	switch v.kind {
	case TypeUint8, TypeUint16, TypeUint32:
		return uint32(v.bits)
	default:
		return 0
	}
}

// Float returns the stored floating-point value.
func (v FieldValue) Float() float64 {
	switch v.kind {
	case TypeFloat32:
		return float64(math.Float32frombits(uint32(v.bits)))
	case TypeFloat64:
		return math.Float64frombits(v.bits)
	default:
		return 0
	}
}

// Str returns the stored string.
func (v FieldValue) Str() string {
	if v.kind != TypeString {
		return ""
	}
	return v.str
}

// Bytes returns a copy of the stored byte slice.
func (v FieldValue) Bytes() []byte {
	if v.kind != TypeBytes {
		return nil
	}
	return bytes.Clone(v.raw)
}

// Equal reports whether two values have the same kind and payload. Floats
// compare by bit pattern, so NaN equals an identically-encoded NaN.
func (v FieldValue) Equal(o FieldValue) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case TypeString:
		return v.str == o.str
	case TypeBytes:
		return bytes.Equal(v.raw, o.raw)
	default:
		return v.bits == o.bits
	}
}

// String renders the value for diagnostics.
func (v FieldValue) String() string {
	switch v.kind {
	case TypeInvalid:
		return "<unset>"
	case TypeBool:
		return strconv.FormatBool(v.Bool())
	case TypeInt8, TypeInt16, TypeInt32:
		return strconv.FormatInt(int64(v.Int()), 10)
	case TypeUint8, TypeUint16, TypeUint32:
		return strconv.FormatUint(uint64(v.Uint()), 10)
	case TypeFloat32, TypeFloat64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case TypeString:
		return strconv.Quote(v.str)
	case TypeBytes:
		return fmt.Sprintf("%x", v.raw)
	default:
		return "<unknown>"
	}
}

// MarshalJSON serializes the value for subscriber-facing payloads: unset as
// null, scalars as JSON primitives, bytes as an array of numbers.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case TypeInvalid:
		return []byte("null"), nil
	case TypeBool:
		return json.Marshal(v.Bool())
	case TypeInt8, TypeInt16, TypeInt32:
		return json.Marshal(v.Int())
	case TypeUint8, TypeUint16, TypeUint32:
		return json.Marshal(v.Uint())
	case TypeFloat32, TypeFloat64:
		f := v.Float()
		// JSON has no NaN or Inf; emit null for non-finite values.
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(f)
	case TypeString:
		return json.Marshal(v.str)
	case TypeBytes:
		nums := make([]int, len(v.raw))
		for i, b := range v.raw {
			nums[i] = int(b)
		}
		return json.Marshal(nums)
	default:
		return []byte("null"), nil
	}
}

// ValueFromJSON interprets a raw JSON value against a field definition and
// returns the typed FieldValue. JSON null maps to the zero value of the
// field's type. Type or range mismatches return an ErrInvalidData error.
func ValueFromJSON(field FieldDef, data json.RawMessage) (FieldValue, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ZeroValue(field.Type), nil
	}

	mismatch := func(want string) error {
		return errors.WrapInvalid(errors.ErrInvalidData, "telegram", "ValueFromJSON",
			fmt.Sprintf("field %s: expected %s", field.Name, want))
	}

	switch field.Type {
	case TypeBool:
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return FieldValue{}, mismatch("a boolean")
		}
		return BoolValue(b), nil

	case TypeInt8, TypeInt16, TypeInt32:
		var n int64
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return FieldValue{}, mismatch("an integer")
		}
		switch field.Type {
		case TypeInt8:
			if n < math.MinInt8 || n > math.MaxInt8 {
				return FieldValue{}, mismatch("an 8-bit signed integer")
			}
			return Int8Value(int8(n)), nil
		case TypeInt16:
			if n < math.MinInt16 || n > math.MaxInt16 {
				return FieldValue{}, mismatch("a 16-bit signed integer")
			}
			return Int16Value(int16(n)), nil
		default:
			if n < math.MinInt32 || n > math.MaxInt32 {
				return FieldValue{}, mismatch("a 32-bit signed integer")
			}
			return Int32Value(int32(n)), nil
		}

	case TypeUint8, TypeUint16, TypeUint32:
		var n uint64
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return FieldValue{}, mismatch("an unsigned integer")
		}
		switch field.Type {
		case TypeUint8:
			if n > math.MaxUint8 {
				return FieldValue{}, mismatch("an 8-bit unsigned integer")
			}
			return Uint8Value(uint8(n)), nil
		case TypeUint16:
			if n > math.MaxUint16 {
				return FieldValue{}, mismatch("a 16-bit unsigned integer")
			}
			return Uint16Value(uint16(n)), nil
		default:
			if n > math.MaxUint32 {
				return FieldValue{}, mismatch("a 32-bit unsigned integer")
			}
			return Uint32Value(uint32(n)), nil
		}

	case TypeFloat32, TypeFloat64:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return FieldValue{}, mismatch("a number")
		}
		if field.Type == TypeFloat32 {
			return Float32Value(float32(f)), nil
		}
		return Float64Value(f), nil

	case TypeString:
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return FieldValue{}, mismatch("a string")
		}
		return StringValue(s), nil

	case TypeBytes:
		var nums []int64
		if err := json.Unmarshal(trimmed, &nums); err != nil {
			return FieldValue{}, mismatch("an array of byte values")
		}
		raw := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > math.MaxUint8 {
				return FieldValue{}, mismatch("byte values in range 0..255")
			}
			raw[i] = byte(n)
		}
		return FieldValue{kind: TypeBytes, raw: raw}, nil

	default:
		return FieldValue{}, mismatch("a known field type")
	}
}
