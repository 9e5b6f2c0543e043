package telegram

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireDataset is the layout used by the encode/decode examples:
// a uint16 at 0, a uint32 at 2, a 4-byte string at 6.
func wireDataset() DatasetDef {
	return DatasetDef{
		Name: "D1",
		Size: 10,
		Fields: []FieldDef{
			{Name: "a", Type: TypeUint16, Offset: 0},
			{Name: "b", Type: TypeUint32, Offset: 2},
			{Name: "c", Type: TypeString, Offset: 6, Size: 4},
		},
	}
}

func TestEncodeLittleEndianLayout(t *testing.T) {
	buf := Encode(wireDataset(), map[string]FieldValue{
		"a": Uint16Value(0x0102),
		"b": Uint32Value(0xDEADBEEF),
		"c": StringValue("OK"),
	})

	want := []byte{0x02, 0x01, 0xEF, 0xBE, 0xAD, 0xDE, 0x4F, 0x4B, 0x00, 0x00}
	assert.Equal(t, want, buf)
}

func TestDecodeLittleEndianLayout(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0x01, 0x00, 0x00, 0x00, 0x48, 0x49, 0x00, 0x00}
	fields := Decode(wireDataset(), buf)

	require.Len(t, fields, 3)
	assert.Equal(t, uint32(0xFFFF), fields["a"].Uint())
	assert.Equal(t, uint32(1), fields["b"].Uint())
	assert.Equal(t, "HI\x00\x00", fields["c"].Str(), "trailing padding is kept")
}

func TestEncodeSkipsWithoutFailing(t *testing.T) {
	ds := wireDataset()

	t.Run("missing and unset fields leave zero bytes", func(t *testing.T) {
		buf := Encode(ds, map[string]FieldValue{
			"a": Uint16Value(0x0102),
			"b": {},
		})
		want := []byte{0x02, 0x01, 0, 0, 0, 0, 0, 0, 0, 0}
		assert.Equal(t, want, buf)
	})

	t.Run("kind mismatch leaves zero bytes", func(t *testing.T) {
		buf := Encode(ds, map[string]FieldValue{
			"a": StringValue("not a uint16"),
			"b": Uint32Value(1),
		})
		want := []byte{0, 0, 0x01, 0, 0, 0, 0, 0, 0, 0}
		assert.Equal(t, want, buf)
	})

	t.Run("unknown names are ignored", func(t *testing.T) {
		buf := Encode(ds, map[string]FieldValue{"nosuch": Uint32Value(7)})
		assert.Equal(t, make([]byte, 10), buf)
	})

	t.Run("empty mapping yields a zero buffer", func(t *testing.T) {
		assert.Equal(t, make([]byte, 10), Encode(ds, nil))
	})
}

func TestEncodeIntoBoundedWrites(t *testing.T) {
	ds := wireDataset()

	t.Run("writes only the field windows", func(t *testing.T) {
		buf := bytes.Repeat([]byte{0xAA}, 10)
		EncodeInto(ds, map[string]FieldValue{"b": Uint32Value(0x11223344)}, buf)

		want := []byte{0xAA, 0xAA, 0x44, 0x33, 0x22, 0x11, 0xAA, 0xAA, 0xAA, 0xAA}
		assert.Equal(t, want, buf)
	})

	t.Run("field beyond the buffer is skipped", func(t *testing.T) {
		short := make([]byte, 4)
		EncodeInto(ds, map[string]FieldValue{
			"a": Uint16Value(1),
			"b": Uint32Value(2), // needs bytes 2..5, does not fit
		}, short)
		assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, short)
	})

	t.Run("string shorter than its window is padded", func(t *testing.T) {
		buf := bytes.Repeat([]byte{0xFF}, 10)
		EncodeInto(ds, map[string]FieldValue{"c": StringValue("A")}, buf)
		assert.Equal(t, []byte{0x41, 0x00, 0x00, 0x00}, buf[6:10],
			"the rest of the window is zeroed, not left stale")
	})

	t.Run("string longer than its window is truncated", func(t *testing.T) {
		buf := make([]byte, 10)
		EncodeInto(ds, map[string]FieldValue{"c": StringValue("TOOLONG")}, buf)
		assert.Equal(t, []byte("TOOL"), buf[6:10])
	})
}

func TestDecodeShortBuffer(t *testing.T) {
	ds := wireDataset()
	fields := Decode(ds, []byte{0x2A, 0x00, 0x05})

	require.Len(t, fields, 3, "every dataset field gets an entry")
	assert.Equal(t, uint32(42), fields["a"].Uint())
	assert.False(t, fields["b"].IsSet(), "field past the buffer decodes to unset")
	assert.False(t, fields["c"].IsSet(), "field starting past the buffer is unset")
}

func TestDecodeTruncatedString(t *testing.T) {
	ds := wireDataset()

	// The string window is 6..9 but the buffer ends at 8: the two covered
	// bytes are taken and padded back to the field size.
	fields := Decode(ds, []byte{0x2A, 0x00, 0x01, 0x00, 0x00, 0x00, 0x58, 0x59})
	assert.Equal(t, "XY\x00\x00", fields["c"].Str())

	bds := DatasetDef{
		Name:   "raw",
		Fields: []FieldDef{{Name: "blob", Type: TypeBytes, Offset: 0, Size: 4}},
	}
	blob := Decode(bds, []byte{0xDE, 0xAD})
	assert.Equal(t, []byte{0xDE, 0xAD, 0x00, 0x00}, blob["blob"].Bytes())
}

func TestDecodeEmptyBuffer(t *testing.T) {
	fields := Decode(wireDataset(), nil)
	require.Len(t, fields, 3)
	for name, value := range fields {
		assert.False(t, value.IsSet(), "field %s", name)
	}
}

func TestCodecZeroWidthFields(t *testing.T) {
	ds := DatasetDef{
		Name: "z",
		Size: 4,
		Fields: []FieldDef{
			{Name: "sized", Type: TypeUint16, Offset: 0},
			{Name: "unsized", Type: TypeBytes, Offset: 2}, // Size 0 -> no width
		},
	}

	buf := Encode(ds, map[string]FieldValue{
		"sized":   Uint16Value(7),
		"unsized": BytesValue([]byte{1, 2}),
	})
	assert.Equal(t, []byte{0x07, 0x00, 0x00, 0x00}, buf)

	fields := Decode(ds, buf)
	assert.True(t, fields["sized"].IsSet())
	assert.False(t, fields["unsized"].IsSet())
}

func TestCodecScalarArrays(t *testing.T) {
	// A field value holds a single scalar, so only element 0 is carried;
	// the array still reserves its full extent in the buffer.
	ds := DatasetDef{
		Name: "arr",
		Fields: []FieldDef{
			{Name: "counters", Type: TypeUint16, Offset: 0, ArrayLength: 3},
			{Name: "tail", Type: TypeUint8, Offset: 6},
		},
	}
	require.Equal(t, 7, ds.EffectiveSize())

	buf := Encode(ds, map[string]FieldValue{
		"counters": Uint16Value(0x0A0B),
		"tail":     Uint8Value(0xCC),
	})
	assert.Equal(t, []byte{0x0B, 0x0A, 0, 0, 0, 0, 0xCC}, buf)

	fields := Decode(ds, []byte{0x0B, 0x0A, 1, 0, 2, 0, 0xCC})
	assert.Equal(t, uint32(0x0A0B), fields["counters"].Uint(), "element 0 only")
	assert.Equal(t, uint32(0xCC), fields["tail"].Uint())

	// The whole array extent participates in the bounds check.
	short := Decode(ds, []byte{0x0B, 0x0A, 1, 0})
	assert.False(t, short["counters"].IsSet())
}

func TestCodecBitOffsetNotApplied(t *testing.T) {
	ds := DatasetDef{
		Name: "flags",
		Fields: []FieldDef{
			{Name: "f1", Type: TypeBool, Offset: 0, BitOffset: 0},
			{Name: "f2", Type: TypeBool, Offset: 1, BitOffset: 3},
		},
	}

	buf := Encode(ds, map[string]FieldValue{
		"f1": BoolValue(true),
		"f2": BoolValue(true),
	})
	assert.Equal(t, []byte{1, 1}, buf, "bit offsets do not pack flags into one byte")
}

func TestCodecRoundTripProperty(t *testing.T) {
	ds := DatasetDef{
		Name: "prop",
		Fields: []FieldDef{
			{Name: "flag", Type: TypeBool, Offset: 0},
			{Name: "i8", Type: TypeInt8, Offset: 1},
			{Name: "u8", Type: TypeUint8, Offset: 2},
			{Name: "i16", Type: TypeInt16, Offset: 3},
			{Name: "u16", Type: TypeUint16, Offset: 5},
			{Name: "i32", Type: TypeInt32, Offset: 7},
			{Name: "u32", Type: TypeUint32, Offset: 11},
			{Name: "f32", Type: TypeFloat32, Offset: 15},
			{Name: "f64", Type: TypeFloat64, Offset: 19},
			{Name: "text", Type: TypeString, Offset: 27, Size: 8},
			{Name: "blob", Type: TypeBytes, Offset: 35, Size: 4},
		},
	}
	require.Equal(t, 39, ds.EffectiveSize())

	// Convert free-form string/byte inputs into their on-wire form: truncated
	// to the field width and NUL-padded.
	normalize := func(s string, width int) string {
		raw := make([]byte, width)
		copy(raw, s)
		return string(raw)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("decode inverts encode", prop.ForAll(
		func(flag bool, i8 int8, u8 uint8, i16 int16, u16 uint16,
			i32 int32, u32 uint32, f32 float32, f64 float64,
			text string, blob []byte) bool {

			in := map[string]FieldValue{
				"flag": BoolValue(flag),
				"i8":   Int8Value(i8),
				"u8":   Uint8Value(u8),
				"i16":  Int16Value(i16),
				"u16":  Uint16Value(u16),
				"i32":  Int32Value(i32),
				"u32":  Uint32Value(u32),
				"f32":  Float32Value(f32),
				"f64":  Float64Value(f64),
				"text": StringValue(text),
				"blob": BytesValue(blob),
			}

			out := Decode(ds, Encode(ds, in))

			padded := make([]byte, 4)
			copy(padded, blob)

			return out["flag"].Equal(BoolValue(flag)) &&
				out["i8"].Equal(Int8Value(i8)) &&
				out["u8"].Equal(Uint8Value(u8)) &&
				out["i16"].Equal(Int16Value(i16)) &&
				out["u16"].Equal(Uint16Value(u16)) &&
				out["i32"].Equal(Int32Value(i32)) &&
				out["u32"].Equal(Uint32Value(u32)) &&
				out["f32"].Equal(Float32Value(f32)) &&
				out["f64"].Equal(Float64Value(f64)) &&
				out["text"].Equal(StringValue(normalize(text, 8))) &&
				out["blob"].Equal(BytesValue(padded))
		},
		gen.Bool(),
		gen.Int8(),
		gen.UInt8(),
		gen.Int16(),
		gen.UInt16(),
		gen.Int32(),
		gen.UInt32(),
		gen.Float32(),
		gen.Float64(),
		gen.AlphaString(),
		gen.SliceOfN(4, gen.UInt8()),
	))

	properties.TestingRun(t)
}
