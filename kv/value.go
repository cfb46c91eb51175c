package kv

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("kv: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

var ErrInvalidValue = errors.New("unsupported config value")

type Type uint8

const (
	TypeUint32 Type = iota
	TypeInt32
	TypeFloat32
	TypeString
	TypeBytes
)

func (t Type) String() string {
	switch t {
	case TypeUint32:
		return "uint32"
	case TypeInt32:
		return "int32"
	case TypeFloat32:
		return "float"
	case TypeString:
		return "str"
	case TypeBytes:
		return "bytes"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func ParseType(s string) (Type, error) {
	for t := TypeUint32; t <= TypeBytes; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown value type %q, expected one of uint32, int32, float, str, bytes", s)
}

// Value is a typed configuration value. Non-negative int32 values come back as uint32 after a round trip
// because CBOR does not distinguish them.
type Value struct {
	Type  Type
	Uint  uint32
	Int   int32
	Float float32
	Str   string
	Bytes []byte
}

func Uint(v uint32) Value   { return Value{Type: TypeUint32, Uint: v} }
func Int(v int32) Value     { return Value{Type: TypeInt32, Int: v} }
func Float(v float32) Value { return Value{Type: TypeFloat32, Float: v} }
func Str(v string) Value    { return Value{Type: TypeString, Str: v} }
func Bytes(v []byte) Value  { return Value{Type: TypeBytes, Bytes: v} }

func (v Value) Encode() ([]byte, error) {
	switch v.Type {
	case TypeUint32:
		return encMode.Marshal(v.Uint)
	case TypeInt32:
		return encMode.Marshal(v.Int)
	case TypeFloat32:
		return encMode.Marshal(v.Float)
	case TypeString:
		if len(v.Str) > MaxStrLen {
			return nil, fmt.Errorf("string of %d bytes exceeds %d: %w", len(v.Str), MaxStrLen, ErrInvalidValue)
		}
		return encMode.Marshal(v.Str)
	case TypeBytes:
		if len(v.Bytes) > MaxStrLen {
			return nil, fmt.Errorf("byte string of %d bytes exceeds %d: %w", len(v.Bytes), MaxStrLen, ErrInvalidValue)
		}
		return encMode.Marshal(v.Bytes)
	}
	return nil, fmt.Errorf("%s: %w", v.Type, ErrInvalidValue)
}

func Decode(raw []byte) (Value, error) {
	var item any
	if err := cbor.Unmarshal(raw, &item); err != nil {
		return Value{}, fmt.Errorf("kv: decode value: %w", err)
	}
	switch x := item.(type) {
	case uint64:
		if x > math.MaxUint32 {
			return Value{}, fmt.Errorf("integer %d out of range: %w", x, ErrInvalidValue)
		}
		return Uint(uint32(x)), nil
	case int64:
		if x < math.MinInt32 || x > math.MaxInt32 {
			return Value{}, fmt.Errorf("integer %d out of range: %w", x, ErrInvalidValue)
		}
		return Int(int32(x)), nil
	case float64:
		return Float(float32(x)), nil
	case string:
		if len(x) > MaxStrLen {
			return Value{}, fmt.Errorf("string of %d bytes: %w", len(x), ErrInvalidValue)
		}
		return Str(x), nil
	case []byte:
		if len(x) > MaxStrLen {
			return Value{}, fmt.Errorf("byte string of %d bytes: %w", len(x), ErrInvalidValue)
		}
		return Bytes(x), nil
	}
	return Value{}, fmt.Errorf("cbor item %T: %w", item, ErrInvalidValue)
}

// ParseValue reads a value typed on the command line
func ParseValue(t Type, s string) (Value, error) {
	switch t {
	case TypeUint32:
		n, err := strconv.ParseUint(s, 0, 32)
		return Uint(uint32(n)), err
	case TypeInt32:
		n, err := strconv.ParseInt(s, 0, 32)
		return Int(int32(n)), err
	case TypeFloat32:
		f, err := strconv.ParseFloat(s, 32)
		return Float(float32(f)), err
	case TypeString:
		return Str(s), nil
	case TypeBytes:
		return Bytes([]byte(s)), nil
	}
	return Value{}, ErrInvalidValue
}

func (v Value) String() string {
	switch v.Type {
	case TypeUint32:
		return strconv.FormatUint(uint64(v.Uint), 10)
	case TypeInt32:
		return strconv.FormatInt(int64(v.Int), 10)
	case TypeFloat32:
		return strconv.FormatFloat(float64(v.Float), 'g', -1, 32)
	case TypeString:
		return strconv.Quote(v.Str)
	case TypeBytes:
		return fmt.Sprintf("%x", v.Bytes)
	}
	return "?"
}
