package telegram

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/c360/trdpsim/errors"
)

// FieldType identifies the wire representation of a dataset field.
// There are no 64-bit integer types and no nested aggregates.
type FieldType uint8

const (
	// TypeInvalid is the zero value. A FieldValue with this kind is unset.
	TypeInvalid FieldType = iota

	// TypeBool is a single byte, zero = false.
	TypeBool

	// TypeInt8 is a signed 8-bit integer.
	TypeInt8

	// TypeUint8 is an unsigned 8-bit integer.
	TypeUint8

	// TypeInt16 is a signed little-endian 16-bit integer.
	TypeInt16

	// TypeUint16 is an unsigned little-endian 16-bit integer.
	TypeUint16

	// TypeInt32 is a signed little-endian 32-bit integer.
	TypeInt32

	// TypeUint32 is an unsigned little-endian 32-bit integer.
	TypeUint32

	// TypeFloat32 is an IEEE 754 single, little-endian.
	TypeFloat32

	// TypeFloat64 is an IEEE 754 double, little-endian.
	TypeFloat64

	// TypeString is a fixed-size NUL-padded text field; FieldDef.Size sets
	// the width.
	TypeString

	// TypeBytes is a fixed-size raw byte field; FieldDef.Size sets the width.
	TypeBytes
)

// ScalarWidth returns the encoded width in bytes of a single scalar element.
// String, bytes, and invalid types return 0; their width comes from
// FieldDef.Size.
func (t FieldType) ScalarWidth() int {
	switch t {
	case TypeBool, TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeFloat64:
		return 8
	default:
		return 0
	}
}

// IsScalar reports whether the type has a fixed width independent of
// FieldDef.Size.
func (t FieldType) IsScalar() bool {
	return t.ScalarWidth() > 0
}

// String returns the canonical type name.
func (t FieldType) String() string {
	switch t {
	case TypeBool:
		return "BOOL"
	case TypeInt8:
		return "INT8"
	case TypeUint8:
		return "UINT8"
	case TypeInt16:
		return "INT16"
	case TypeUint16:
		return "UINT16"
	case TypeInt32:
		return "INT32"
	case TypeUint32:
		return "UINT32"
	case TypeFloat32:
		return "FLOAT32"
	case TypeFloat64:
		return "FLOAT64"
	case TypeString:
		return "STRING"
	case TypeBytes:
		return "BYTES"
	default:
		return "INVALID"
	}
}

// MarshalJSON serializes the type as its canonical name.
func (t FieldType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON deserializes a type name, accepting the same aliases as
// ParseFieldType.
func (t *FieldType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseFieldType(s)
	return nil
}

// ParseFieldType maps a configuration type name to a FieldType. Matching is
// case-insensitive and accepts the usual TRDP aliases (U8, CHAR8, REAL32,
// BITSET8, ...). Unknown names map to TypeBytes.
func ParseFieldType(name string) FieldType {
	switch upper := strings.ToUpper(strings.TrimSpace(name)); {
	case upper == "BOOL" || upper == "BIT" || strings.HasPrefix(upper, "BITSET"):
		return TypeBool
	case upper == "INT8" || upper == "SINT8" || upper == "I8":
		return TypeInt8
	case upper == "UINT8" || upper == "U8" || upper == "BYTE" || upper == "CHAR8" || upper == "CHAR":
		return TypeUint8
	case upper == "INT16" || upper == "SINT16" || upper == "I16":
		return TypeInt16
	case upper == "UINT16" || upper == "U16":
		return TypeUint16
	case upper == "INT32" || upper == "SINT32" || upper == "I32":
		return TypeInt32
	case upper == "UINT32" || upper == "U32":
		return TypeUint32
	case upper == "FLOAT" || upper == "FLOAT32" || upper == "REAL32":
		return TypeFloat32
	case upper == "DOUBLE" || upper == "FLOAT64" || upper == "REAL64":
		return TypeFloat64
	case upper == "STRING" || upper == "STRING8" || upper == "STR":
		return TypeString
	default:
		return TypeBytes
	}
}

// FieldDef describes one field of a dataset: its type and its fixed position
// inside the wire buffer.
type FieldDef struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`

	// Offset is the byte position of the field inside the dataset buffer.
	Offset int `json:"offset"`

	// Size is the field width in bytes; used only for string and bytes
	// fields. Scalars derive their width from the type.
	Size int `json:"size,omitempty"`

	// BitOffset is parsed from the configuration and reported to observers,
	// but the codec does not apply sub-byte packing.
	BitOffset int `json:"bitOffset,omitempty"`

	// ArrayLength is the number of contiguous scalar elements; at least 1.
	ArrayLength int `json:"arrayLength,omitempty"`
}

// Width returns the total encoded width of the field in bytes:
// scalar width times array length for scalars, Size for string and bytes.
func (f FieldDef) Width() int {
	if f.Type.IsScalar() {
		n := f.ArrayLength
		if n < 1 {
			n = 1
		}
		return f.Type.ScalarWidth() * n
	}
	if f.Size > 0 {
		return f.Size
	}
	return 0
}

// DatasetDef is a typed record layout shared by one or more telegrams.
type DatasetDef struct {
	Name string `json:"name"`

	// Size is the declared buffer size. The effective size may be larger
	// when fields extend beyond it; see EffectiveSize.
	Size int `json:"size,omitempty"`

	Fields []FieldDef `json:"fields"`
}

// EffectiveSize returns the wire buffer size for the dataset: the larger of
// the declared size and the furthest field extent (offset + width).
func (d DatasetDef) EffectiveSize() int {
	size := d.Size
	for _, field := range d.Fields {
		if end := field.Offset + field.Width(); end > size {
			size = end
		}
	}
	return size
}

// FindField returns the field with the given name.
func (d DatasetDef) FindField(name string) (FieldDef, bool) {
	for _, field := range d.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldDef{}, false
}

// FieldNames returns the names of all fields in definition order.
func (d DatasetDef) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, field := range d.Fields {
		names[i] = field.Name
	}
	return names
}

// Validate checks the dataset for structural problems.
func (d DatasetDef) Validate() error {
	if d.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "telegram", "Validate",
			"dataset name must not be empty")
	}
	if d.Size < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "telegram", "Validate",
			fmt.Sprintf("dataset %s: size must not be negative", d.Name))
	}
	for i, field := range d.Fields {
		if field.Name == "" {
			return errors.WrapInvalid(errors.ErrInvalidData, "telegram", "Validate",
				fmt.Sprintf("dataset %s: field %d has no name", d.Name, i))
		}
		if field.Offset < 0 || field.Size < 0 {
			return errors.WrapInvalid(errors.ErrInvalidData, "telegram", "Validate",
				fmt.Sprintf("dataset %s: field %s has a negative offset or size", d.Name, field.Name))
		}
	}
	return nil
}

// clone returns a deep copy so registry snapshots cannot alias internal state.
func (d DatasetDef) clone() DatasetDef {
	out := d
	out.Fields = make([]FieldDef, len(d.Fields))
	copy(out.Fields, d.Fields)
	return out
}

// Direction tells whether a telegram is transmitted or received by this node.
type Direction uint8

const (
	// DirectionTx marks an outbound telegram.
	DirectionTx Direction = iota

	// DirectionRx marks an inbound telegram.
	DirectionRx
)

// String returns "Tx" or "Rx".
func (d Direction) String() string {
	if d == DirectionRx {
		return "Rx"
	}
	return "Tx"
}

// MarshalJSON serializes the direction as "Tx" or "Rx".
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// ParseDirection maps a configuration direction string to a Direction.
// RX, SUB, IN, and INPUT (case-insensitive) mean receive; everything else,
// including the empty string, means transmit.
func ParseDirection(s string) Direction {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RX", "SUB", "IN", "INPUT":
		return DirectionRx
	default:
		return DirectionTx
	}
}

// TelegramType distinguishes cyclic process data from transactional
// message data.
type TelegramType uint8

const (
	// TelegramPD is cyclic process data.
	TelegramPD TelegramType = iota

	// TelegramMD is transactional message data.
	TelegramMD
)

// String returns "PD" or "MD".
func (t TelegramType) String() string {
	if t == TelegramMD {
		return "MD"
	}
	return "PD"
}

// MarshalJSON serializes the telegram type as "PD" or "MD".
func (t TelegramType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// TelegramDef is a named, directed channel carrying one dataset at a known
// cadence. The zero values of the transport parameters mean "use the stack
// default" (wildcard addresses, default send parameters, one-shot cadence).
type TelegramDef struct {
	ComID       uint32
	Name        string
	DatasetName string
	Direction   Direction
	Type        TelegramType

	// SrcIP and DestIP are the local and remote endpoint addresses. An
	// invalid (zero) Addr is a wildcard.
	SrcIP  netip.Addr
	DestIP netip.Addr

	// SrcPort and DestPort select the session the endpoint binds to; zero
	// means the default TRDP port.
	SrcPort  uint16
	DestPort uint16

	TTL   uint8
	QoS   uint8
	Flags uint32

	// Cycle is the PD publication interval. Zero means one-shot: the
	// telegram is sent only on explicit request.
	Cycle time.Duration

	// ExpectedReplies, ReplyTimeout, and ConfirmTimeout shape MD
	// request/reply sessions. A zero ConfirmTimeout means no confirm is
	// required.
	ExpectedReplies uint32
	ReplyTimeout    time.Duration
	ConfirmTimeout  time.Duration
}

// Validate checks the telegram for structural problems. Dataset resolution
// happens at registration time, not here.
func (t TelegramDef) Validate() error {
	if t.DatasetName == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "telegram", "Validate",
			fmt.Sprintf("telegram %d: dataset reference must not be empty", t.ComID))
	}
	if t.Cycle < 0 || t.ReplyTimeout < 0 || t.ConfirmTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "telegram", "Validate",
			fmt.Sprintf("telegram %d: negative interval", t.ComID))
	}
	return nil
}
