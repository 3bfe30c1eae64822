package zcl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrMalformedData reports a buffer that is too short or structurally
	// invalid for the requested type.
	ErrMalformedData = errors.New("zcl: malformed data")
	// ErrInvalidUsage reports a caller contract violation.
	ErrInvalidUsage = errors.New("zcl: invalid usage")
	// ErrValueTooLarge reports a value that does not fit its wire type.
	ErrValueTooLarge = fmt.Errorf("%w: value too large", ErrInvalidUsage)
)

const (
	maxShortLen = math.MaxUint8
	maxLongLen  = math.MaxUint16
)

// Uint40 is a 40-bit unsigned integer as {high 8 bits, low 32 bits}.
type Uint40 [2]uint32

// Uint48 is a 48-bit unsigned integer as {high 16 bits, low 32 bits}.
type Uint48 [2]uint32

// Uint56 is a 56-bit unsigned integer as {high 8 bits, middle 16 bits, low 32 bits}.
type Uint56 [3]uint32

// Array is the decoded form of the array, set and bag types.
type Array struct {
	ElementType DataType `json:"elementType"`
	Elements    []any    `json:"elements"`
}

// StructField is one tagged member of a struct value.
type StructField struct {
	Type  DataType `json:"type"`
	Value any      `json:"value"`
}

// TypedValue pairs a value with the data type it is encoded as.
type TypedValue struct {
	Type  DataType `json:"type"`
	Value any      `json:"value"`
}

// ReadOptions carries hints for Read. DataType is required when reading
// TypeUseDataType; zero means no hint.
type ReadOptions struct {
	DataType DataType
}

// Read decodes a value of type t from buf at offset and returns it together
// with the number of bytes consumed.
func Read(t DataType, buf []byte, offset int, opts ReadOptions) (any, int, error) {
	if t == TypeUseDataType {
		if opts.DataType == TypeNoData || opts.DataType == TypeUseDataType {
			return nil, 0, fmt.Errorf("%w: %s requires a data type hint", ErrInvalidUsage, t)
		}
		t = opts.DataType
	}
	if offset < 0 || offset > len(buf) {
		return nil, 0, fmt.Errorf("%w: offset %d outside %d byte buffer", ErrMalformedData, offset, len(buf))
	}
	return readValue(t, buf[offset:], false)
}

// Write encodes value as type t into buf at offset and returns the number
// of bytes written. For TypeUseDataType the value must be a TypedValue.
func Write(t DataType, buf []byte, offset int, value any) (int, error) {
	enc, err := Encode(t, value)
	if err != nil {
		return 0, err
	}
	if offset < 0 || offset+len(enc) > len(buf) {
		return 0, fmt.Errorf("%w: %s needs %d bytes at offset %d, buffer has %d",
			ErrMalformedData, t, len(enc), offset, len(buf))
	}
	return copy(buf[offset:], enc), nil
}

// Encode returns the wire encoding of value as type t.
func Encode(t DataType, value any) ([]byte, error) {
	return appendValue(nil, t, value)
}

func shortBuffer(t DataType, need, have int) error {
	return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrMalformedData, t, need, have)
}

func unsupported(t DataType, nested bool) error {
	if nested {
		return fmt.Errorf("%w: unsupported element type %s", ErrMalformedData, t)
	}
	return fmt.Errorf("%w: unsupported type %s", ErrInvalidUsage, t)
}

func readValue(t DataType, b []byte, nested bool) (any, int, error) {
	if !t.Known() || t == TypeUseDataType {
		return nil, 0, unsupported(t, nested)
	}
	p := Resolve(t)
	if size := p.Size(); size > 0 && len(b) < size {
		return nil, 0, shortBuffer(t, size, len(b))
	}

	switch p {
	case TypeNoData:
		return nil, 0, nil
	case TypeUint8:
		return b[0], 1, nil
	case TypeUint16:
		return binary.LittleEndian.Uint16(b), 2, nil
	case TypeUint24:
		return uint32(readUint(b, 3)), 3, nil
	case TypeUint32:
		return binary.LittleEndian.Uint32(b), 4, nil
	case TypeUint40:
		return Uint40{uint32(b[4]), binary.LittleEndian.Uint32(b)}, 5, nil
	case TypeUint48:
		return Uint48{uint32(binary.LittleEndian.Uint16(b[4:])), binary.LittleEndian.Uint32(b)}, 6, nil
	case TypeUint56:
		return Uint56{uint32(b[6]), uint32(binary.LittleEndian.Uint16(b[4:])), binary.LittleEndian.Uint32(b)}, 7, nil
	case TypeUint64:
		return FormatUint64(binary.LittleEndian.Uint64(b)), 8, nil
	case TypeInt8:
		return int8(b[0]), 1, nil
	case TypeInt16:
		return int16(binary.LittleEndian.Uint16(b)), 2, nil
	case TypeInt24:
		return int32(signExtend(readUint(b, 3), 24)), 3, nil
	case TypeInt32:
		return int32(binary.LittleEndian.Uint32(b)), 4, nil
	case TypeInt40, TypeInt48, TypeInt56:
		n := p.Size()
		return signExtend(readUint(b, n), uint(n*8)), n, nil
	case TypeInt64:
		return int64(binary.LittleEndian.Uint64(b)), 8, nil
	case TypeSemiPrec:
		return halfToFloat32(binary.LittleEndian.Uint16(b)), 2, nil
	case TypeSinglePrec:
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), 4, nil
	case TypeDoublePrec:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), 8, nil
	case TypeSecKey:
		key := make([]byte, 16)
		copy(key, b)
		return key, 16, nil
	case TypeOctetStr, TypeCharStr:
		return readString(t, p, b, 1)
	case TypeLongOctetStr, TypeLongCharStr:
		return readString(t, p, b, 2)
	case TypeArray:
		return readArray(b)
	case TypeStruct:
		return readStruct(b)
	}
	return nil, 0, unsupported(t, nested)
}

func readString(t, p DataType, b []byte, prefix int) (any, int, error) {
	if len(b) < prefix {
		return nil, 0, shortBuffer(t, prefix, len(b))
	}
	n := int(b[0])
	if prefix == 2 {
		n = int(binary.LittleEndian.Uint16(b))
	}
	if len(b) < prefix+n {
		return nil, 0, shortBuffer(t, prefix+n, len(b))
	}
	raw := b[prefix : prefix+n]
	if p == TypeCharStr || p == TypeLongCharStr {
		return string(raw), prefix + n, nil
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, prefix + n, nil
}

func readArray(b []byte) (any, int, error) {
	if len(b) < 3 {
		return nil, 0, shortBuffer(TypeArray, 3, len(b))
	}
	elemType := DataType(b[0])
	count := int(binary.LittleEndian.Uint16(b[1:]))
	if count > 0 && elemType.Size() == 0 {
		return nil, 0, fmt.Errorf("%w: array of %d zero-width %s elements", ErrMalformedData, count, elemType)
	}
	arr := Array{ElementType: elemType, Elements: make([]any, 0, min(count, len(b)))}
	pos := 3
	for i := 0; i < count; i++ {
		v, n, err := readValue(elemType, b[pos:], true)
		if err != nil {
			return nil, 0, fmt.Errorf("array element %d: %w", i, err)
		}
		arr.Elements = append(arr.Elements, v)
		pos += n
	}
	return arr, pos, nil
}

func readStruct(b []byte) (any, int, error) {
	if len(b) < 2 {
		return nil, 0, shortBuffer(TypeStruct, 2, len(b))
	}
	count := int(binary.LittleEndian.Uint16(b))
	fields := make([]StructField, 0, min(count, len(b)))
	pos := 2
	for i := 0; i < count; i++ {
		if pos >= len(b) {
			return nil, 0, fmt.Errorf("%w: struct field %d: missing type tag", ErrMalformedData, i)
		}
		ft := DataType(b[pos])
		pos++
		v, n, err := readValue(ft, b[pos:], true)
		if err != nil {
			return nil, 0, fmt.Errorf("struct field %d: %w", i, err)
		}
		fields = append(fields, StructField{Type: ft, Value: v})
		pos += n
	}
	return fields, pos, nil
}

func appendValue(dst []byte, t DataType, v any) ([]byte, error) {
	if t == TypeUseDataType {
		tv, ok := v.(TypedValue)
		if !ok || tv.Type == TypeUseDataType {
			return nil, fmt.Errorf("%w: %s requires a TypedValue, got %T", ErrInvalidUsage, t, v)
		}
		t, v = tv.Type, tv.Value
	}
	if !t.Known() {
		return nil, unsupported(t, false)
	}

	p := Resolve(t)
	switch p {
	case TypeNoData:
		return dst, nil
	case TypeUint8, TypeUint16, TypeUint24, TypeUint32:
		n := p.Size()
		u, err := uintValue(t, v, uint(n*8))
		if err != nil {
			return nil, err
		}
		return appendUint(dst, u, n), nil
	case TypeUint40:
		limbs, err := limbs40(t, v)
		if err != nil {
			return nil, err
		}
		dst = binary.LittleEndian.AppendUint32(dst, limbs[1])
		return append(dst, byte(limbs[0])), nil
	case TypeUint48:
		limbs, err := limbs48(t, v)
		if err != nil {
			return nil, err
		}
		dst = binary.LittleEndian.AppendUint32(dst, limbs[1])
		return binary.LittleEndian.AppendUint16(dst, uint16(limbs[0])), nil
	case TypeUint56:
		limbs, err := limbs56(t, v)
		if err != nil {
			return nil, err
		}
		dst = binary.LittleEndian.AppendUint32(dst, limbs[2])
		dst = binary.LittleEndian.AppendUint16(dst, uint16(limbs[1]))
		return append(dst, byte(limbs[0])), nil
	case TypeUint64:
		u, err := uint64Value(t, v)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(dst, u), nil
	case TypeInt8, TypeInt16, TypeInt24, TypeInt32, TypeInt40, TypeInt48, TypeInt56, TypeInt64:
		n := p.Size()
		i, err := intValue(t, v, uint(n*8))
		if err != nil {
			return nil, err
		}
		return appendUint(dst, uint64(i), n), nil
	case TypeSemiPrec:
		f, ok := toFloat64(v)
		if !ok {
			return nil, cannotEncode(t, v)
		}
		return binary.LittleEndian.AppendUint16(dst, float32ToHalf(float32(f))), nil
	case TypeSinglePrec:
		f, ok := toFloat64(v)
		if !ok {
			return nil, cannotEncode(t, v)
		}
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(f))), nil
	case TypeDoublePrec:
		f, ok := toFloat64(v)
		if !ok {
			return nil, cannotEncode(t, v)
		}
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(f)), nil
	case TypeSecKey:
		b, ok := v.([]byte)
		if !ok || len(b) != 16 {
			return nil, fmt.Errorf("%w: %s requires 16 bytes, got %T", ErrInvalidUsage, t, v)
		}
		return append(dst, b...), nil
	case TypeOctetStr, TypeCharStr:
		return appendString(dst, t, v, 1)
	case TypeLongOctetStr, TypeLongCharStr:
		return appendString(dst, t, v, 2)
	case TypeArray:
		return appendArray(dst, t, v)
	case TypeStruct:
		return appendStruct(dst, v)
	}
	return nil, unsupported(t, false)
}

func appendString(dst []byte, t DataType, v any, prefix int) ([]byte, error) {
	var raw []byte
	switch s := v.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		return nil, cannotEncode(t, v)
	}
	limit := maxShortLen
	if prefix == 2 {
		limit = maxLongLen
	}
	if len(raw) > limit {
		return nil, fmt.Errorf("%w: %s of %d bytes exceeds %d", ErrValueTooLarge, t, len(raw), limit)
	}
	if prefix == 1 {
		dst = append(dst, byte(len(raw)))
	} else {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(raw)))
	}
	return append(dst, raw...), nil
}

func appendArray(dst []byte, t DataType, v any) ([]byte, error) {
	arr, ok := v.(Array)
	if !ok {
		return nil, cannotEncode(t, v)
	}
	if arr.ElementType > 0xFF || !arr.ElementType.Known() {
		return nil, fmt.Errorf("%w: %s element type %s", ErrInvalidUsage, t, arr.ElementType)
	}
	if len(arr.Elements) > maxLongLen {
		return nil, fmt.Errorf("%w: %s with %d elements", ErrValueTooLarge, t, len(arr.Elements))
	}
	dst = append(dst, byte(arr.ElementType))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(arr.Elements)))
	for i, e := range arr.Elements {
		var err error
		if dst, err = appendValue(dst, arr.ElementType, e); err != nil {
			return nil, fmt.Errorf("array element %d: %w", i, err)
		}
	}
	return dst, nil
}

func appendStruct(dst []byte, v any) ([]byte, error) {
	fields, ok := v.([]StructField)
	if !ok {
		return nil, cannotEncode(TypeStruct, v)
	}
	if len(fields) > maxLongLen {
		return nil, fmt.Errorf("%w: struct with %d fields", ErrValueTooLarge, len(fields))
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(fields)))
	for i, f := range fields {
		if f.Type > 0xFF {
			return nil, fmt.Errorf("%w: struct field %d type %s", ErrInvalidUsage, i, f.Type)
		}
		dst = append(dst, byte(f.Type))
		var err error
		if dst, err = appendValue(dst, f.Type, f.Value); err != nil {
			return nil, fmt.Errorf("struct field %d: %w", i, err)
		}
	}
	return dst, nil
}

func cannotEncode(t DataType, v any) error {
	return fmt.Errorf("%w: cannot encode %T as %s", ErrInvalidUsage, v, t)
}

func uintValue(t DataType, v any, bits uint) (uint64, error) {
	u, ok := toUint64(v)
	if !ok {
		return 0, cannotEncode(t, v)
	}
	if bits < 64 && u>>bits != 0 {
		return 0, fmt.Errorf("%w: %d overflows %s", ErrValueTooLarge, u, t)
	}
	return u, nil
}

func intValue(t DataType, v any, bits uint) (int64, error) {
	i, ok := toInt64(v)
	if !ok {
		return 0, cannotEncode(t, v)
	}
	if bits < 64 {
		lo, hi := -int64(1)<<(bits-1), int64(1)<<(bits-1)-1
		if i < lo || i > hi {
			return 0, fmt.Errorf("%w: %d overflows %s", ErrValueTooLarge, i, t)
		}
	}
	return i, nil
}

func limbs40(t DataType, v any) (Uint40, error) {
	switch l := v.(type) {
	case Uint40:
		if l[0] > 0xFF {
			return l, fmt.Errorf("%w: %s high limb 0x%X exceeds 8 bits", ErrInvalidUsage, t, l[0])
		}
		return l, nil
	case [2]uint32:
		return limbs40(t, Uint40(l))
	}
	u, err := uintValue(t, v, 40)
	if err != nil {
		return Uint40{}, err
	}
	return Uint40{uint32(u >> 32), uint32(u)}, nil
}

func limbs48(t DataType, v any) (Uint48, error) {
	switch l := v.(type) {
	case Uint48:
		if l[0] > 0xFFFF {
			return l, fmt.Errorf("%w: %s high limb 0x%X exceeds 16 bits", ErrInvalidUsage, t, l[0])
		}
		return l, nil
	case [2]uint32:
		return limbs48(t, Uint48(l))
	}
	u, err := uintValue(t, v, 48)
	if err != nil {
		return Uint48{}, err
	}
	return Uint48{uint32(u >> 32), uint32(u)}, nil
}

func limbs56(t DataType, v any) (Uint56, error) {
	switch l := v.(type) {
	case Uint56:
		if l[0] > 0xFF || l[1] > 0xFFFF {
			return l, fmt.Errorf("%w: %s limbs %X/%X exceed 8/16 bits", ErrInvalidUsage, t, l[0], l[1])
		}
		return l, nil
	case [3]uint32:
		return limbs56(t, Uint56(l))
	}
	u, err := uintValue(t, v, 56)
	if err != nil {
		return Uint56{}, err
	}
	return Uint56{uint32(u >> 48), uint32(u>>32) & 0xFFFF, uint32(u)}, nil
}

// Uint64 returns the limbs as a single integer.
func (l Uint40) Uint64() uint64 { return uint64(l[0])<<32 | uint64(l[1]) }

// Uint64 returns the limbs as a single integer.
func (l Uint48) Uint64() uint64 { return uint64(l[0])<<32 | uint64(l[1]) }

// Uint64 returns the limbs as a single integer.
func (l Uint56) Uint64() uint64 {
	return uint64(l[0])<<48 | uint64(l[1])<<32 | uint64(l[2])
}

// FormatUint64 renders a 64-bit value in the canonical "0x" + 16 lowercase
// hex digit form used for IEEE addresses.
func FormatUint64(v uint64) string {
	return fmt.Sprintf("0x%016x", v)
}

// ParseUint64 parses the canonical 64-bit form. Upper case digits and
// fewer than 16 digits are accepted.
func ParseUint64(s string) (uint64, error) {
	digits, ok := strings.CutPrefix(s, "0x")
	if !ok {
		digits, ok = strings.CutPrefix(s, "0X")
	}
	if !ok || digits == "" || len(digits) > 16 {
		return 0, fmt.Errorf("%w: %q is not a 0x-prefixed 64-bit hex value", ErrInvalidUsage, s)
	}
	v, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidUsage, s, err)
	}
	return v, nil
}

func uint64Value(t DataType, v any) (uint64, error) {
	if s, ok := v.(string); ok {
		return ParseUint64(s)
	}
	if b, ok := v.([8]byte); ok {
		return binary.LittleEndian.Uint64(b[:]), nil
	}
	return uintValue(t, v, 64)
}

func readUint(b []byte, n int) uint64 {
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func appendUint(dst []byte, v uint64, n int) []byte {
	for i := 0; i < n; i++ {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}
