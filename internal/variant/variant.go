// Package variant models the typed values carried in method-call
// arguments: a small tagged union plus the string-keyed dict used for
// instance metadata and credential maps.
//
// Values encode to CBOR (Core Deterministic Encoding, RFC 8949 §4.2) so
// the same logical value always produces identical bytes; serialized
// size limits are measured against this encoding.
package variant

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies the concrete type held by a Value.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt64
	KindUint64
	KindDouble
	KindString
	KindObjectPath
	KindBytes
	KindStringArray
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindObjectPath:
		return "object-path"
	case KindBytes:
		return "bytes"
	case KindStringArray:
		return "string-array"
	case KindDict:
		return "dict"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one typed argument value. The zero Value is invalid.
type Value struct {
	kind Kind

	b  bool
	i  int64
	u  uint64
	f  float64
	s  string
	by []byte
	sa []string
	d  Dict
}

// Dict is a string-keyed variant map, the a{sv} shape of the wire
// surface.
type Dict map[string]Value

func Bool(v bool) Value          { return Value{kind: KindBool, b: v} }
func Int64(v int64) Value        { return Value{kind: KindInt64, i: v} }
func Uint64(v uint64) Value      { return Value{kind: KindUint64, u: v} }
func Double(v float64) Value     { return Value{kind: KindDouble, f: v} }
func String(v string) Value      { return Value{kind: KindString, s: v} }
func ObjectPath(v string) Value  { return Value{kind: KindObjectPath, s: v} }
func Bytes(v []byte) Value       { return Value{kind: KindBytes, by: v} }
func StringArray(v []string) Value {
	return Value{kind: KindStringArray, sa: v}
}
func DictValue(v Dict) Value { return Value{kind: KindDict, d: v} }

// Kind returns the concrete type of the value.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v is the invalid zero Value.
func (v Value) IsZero() bool { return v.kind == 0 }

func (v Value) AsBool() (bool, bool)     { return v.b, v.kind == KindBool }
func (v Value) AsInt64() (int64, bool)   { return v.i, v.kind == KindInt64 }
func (v Value) AsUint64() (uint64, bool) { return v.u, v.kind == KindUint64 }
func (v Value) AsDouble() (float64, bool) {
	return v.f, v.kind == KindDouble
}
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsObjectPath() (string, bool) {
	return v.s, v.kind == KindObjectPath
}
func (v Value) AsBytes() ([]byte, bool) { return v.by, v.kind == KindBytes }
func (v Value) AsStringArray() ([]string, bool) {
	return v.sa, v.kind == KindStringArray
}
func (v Value) AsDict() (Dict, bool) { return v.d, v.kind == KindDict }

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("variant: CBOR encoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// SerializedSize returns the length in bytes of the dict's CBOR
// encoding. This is the size charged against metadata ceilings.
func (d Dict) SerializedSize() (int, error) {
	data, err := Marshal(d)
	if err != nil {
		return 0, fmt.Errorf("serialize dict: %w", err)
	}
	return len(data), nil
}

// Clone returns a deep copy of the dict. Used to freeze caller-supplied
// metadata at instance creation time.
func (d Dict) Clone() Dict {
	if d == nil {
		return nil
	}
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = v.clone()
	}
	return out
}

func (v Value) clone() Value {
	switch v.kind {
	case KindBytes:
		v.by = append([]byte(nil), v.by...)
	case KindStringArray:
		v.sa = append([]string(nil), v.sa...)
	case KindDict:
		v.d = v.d.Clone()
	}
	return v
}

// Values encode on the wire as a 2-element CBOR array: [kind, payload].

var errTruncatedValue = errors.New("variant: truncated value encoding")

// MarshalCBOR implements cbor.Marshaler.
func (v Value) MarshalCBOR() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindBool:
		payload = v.b
	case KindInt64:
		payload = v.i
	case KindUint64:
		payload = v.u
	case KindDouble:
		payload = v.f
	case KindString, KindObjectPath:
		payload = v.s
	case KindBytes:
		payload = v.by
	case KindStringArray:
		payload = v.sa
	case KindDict:
		payload = v.d
	default:
		return nil, fmt.Errorf("variant: cannot encode %s value", v.kind)
	}
	return encMode.Marshal([2]any{uint8(v.kind), payload})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("variant: decode value frame: %w", err)
	}
	if len(raw) != 2 {
		return errTruncatedValue
	}
	var kindByte uint8
	if err := cbor.Unmarshal(raw[0], &kindByte); err != nil {
		return fmt.Errorf("variant: decode value kind: %w", err)
	}
	kind := Kind(kindByte)

	decoded := Value{kind: kind}
	var err error
	switch kind {
	case KindBool:
		err = cbor.Unmarshal(raw[1], &decoded.b)
	case KindInt64:
		err = cbor.Unmarshal(raw[1], &decoded.i)
	case KindUint64:
		err = cbor.Unmarshal(raw[1], &decoded.u)
	case KindDouble:
		err = cbor.Unmarshal(raw[1], &decoded.f)
	case KindString, KindObjectPath:
		err = cbor.Unmarshal(raw[1], &decoded.s)
	case KindBytes:
		err = cbor.Unmarshal(raw[1], &decoded.by)
	case KindStringArray:
		err = cbor.Unmarshal(raw[1], &decoded.sa)
	case KindDict:
		err = cbor.Unmarshal(raw[1], &decoded.d)
	default:
		return fmt.Errorf("variant: unknown value kind %d", kindByte)
	}
	if err != nil {
		return fmt.Errorf("variant: decode %s payload: %w", kind, err)
	}
	*v = decoded
	return nil
}
