package telegram

import (
	"encoding/binary"
	"math"
)

// Byte order for all multi-byte scalars on the wire.
var wireOrder = binary.LittleEndian

// Encode projects a field mapping into a fresh zero-initialized buffer of the
// dataset's effective size. Encoding never fails: unset values, tag
// mismatches, missing entries, and fields that do not fit the buffer are
// skipped and their bytes stay zero.
func Encode(dataset DatasetDef, fields map[string]FieldValue) []byte {
	buf := make([]byte, dataset.EffectiveSize())
	EncodeInto(dataset, fields, buf)
	return buf
}

// EncodeInto writes the mapped values into buf at their field offsets. Bytes
// outside the written field ranges are left untouched, so callers may encode
// over a pre-populated buffer. Fields whose range exceeds buf are skipped.
func EncodeInto(dataset DatasetDef, fields map[string]FieldValue, buf []byte) {
	for _, field := range dataset.Fields {
		value, ok := fields[field.Name]
		if !ok || !value.IsSet() {
			continue
		}
		width := field.Width()
		if width == 0 || field.Offset < 0 || field.Offset+width > len(buf) {
			continue
		}
		encodeValue(field, value, buf[field.Offset:field.Offset+width])
	}
}

// Decode projects a wire buffer into a fresh field mapping with one entry per
// dataset field. Fields whose range exceeds the buffer decode to unset.
func Decode(dataset DatasetDef, buf []byte) map[string]FieldValue {
	fields := make(map[string]FieldValue, len(dataset.Fields))
	for _, field := range dataset.Fields {
		fields[field.Name] = decodeValue(field, buf)
	}
	return fields
}

// encodeValue writes one value into its field window. dst is exactly
// [offset, offset+width); a tag mismatch leaves it untouched.
//
// For scalar arrays only the first element is representable in a FieldValue;
// it is written at the window start and the remaining element slots are not
// modified.
func encodeValue(field FieldDef, value FieldValue, dst []byte) {
	if value.Kind() != field.Type {
		return
	}

	switch field.Type {
	case TypeBool:
		if value.Bool() {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	case TypeInt8:
		dst[0] = byte(int8(value.Int()))
	case TypeUint8:
		dst[0] = byte(uint8(value.Uint()))
	case TypeInt16:
		wireOrder.PutUint16(dst, uint16(int16(value.Int())))
	case TypeUint16:
		wireOrder.PutUint16(dst, uint16(value.Uint()))
	case TypeInt32:
		wireOrder.PutUint32(dst, uint32(value.Int()))
	case TypeUint32:
		wireOrder.PutUint32(dst, value.Uint())
	case TypeFloat32:
		wireOrder.PutUint32(dst, math.Float32bits(float32(value.Float())))
	case TypeFloat64:
		wireOrder.PutUint64(dst, math.Float64bits(value.Float()))
	case TypeString:
		s := value.Str()
		n := copy(dst, s)
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
	case TypeBytes:
		raw := value.raw
		n := copy(dst, raw)
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
	}
}

// decodeValue reads one field from the buffer. A scalar whose full extent
// exceeds the buffer decodes to unset; a string or bytes field takes whatever
// of its window the buffer still covers, zero-padded back to size, keeping
// trailing NULs. A field starting past the buffer is always unset.
func decodeValue(field FieldDef, buf []byte) FieldValue {
	width := field.Width()
	if width == 0 || field.Offset < 0 || field.Offset >= len(buf) {
		return FieldValue{}
	}

	if field.Type == TypeString || field.Type == TypeBytes {
		end := field.Offset + width
		if end > len(buf) {
			end = len(buf)
		}
		window := make([]byte, width)
		copy(window, buf[field.Offset:end])
		if field.Type == TypeString {
			return StringValue(string(window))
		}
		return BytesValue(window)
	}

	if field.Offset+width > len(buf) {
		return FieldValue{}
	}
	window := buf[field.Offset : field.Offset+width]

	switch field.Type {
	case TypeBool:
		return BoolValue(window[0] != 0)
	case TypeInt8:
		return Int8Value(int8(window[0]))
	case TypeUint8:
		return Uint8Value(window[0])
	case TypeInt16:
		return Int16Value(int16(wireOrder.Uint16(window)))
	case TypeUint16:
		return Uint16Value(wireOrder.Uint16(window))
	case TypeInt32:
		return Int32Value(int32(wireOrder.Uint32(window)))
	case TypeUint32:
		return Uint32Value(wireOrder.Uint32(window))
	case TypeFloat32:
		return Float32Value(math.Float32frombits(wireOrder.Uint32(window)))
	case TypeFloat64:
		return Float64Value(math.Float64frombits(wireOrder.Uint64(window)))
	default:
		return FieldValue{}
	}
}
