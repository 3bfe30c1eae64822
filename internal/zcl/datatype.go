package zcl

import (
	"fmt"
	"strconv"
)

// DataType is a ZCL data type tag. Values up to 0xFF are the on-air type
// identifiers; TypeUseDataType is a local indirection that is never sent.
type DataType uint16

// ZCL data type identifiers.
const (
	TypeNoData DataType = 0x00

	TypeData8  DataType = 0x08
	TypeData16 DataType = 0x09
	TypeData24 DataType = 0x0A
	TypeData32 DataType = 0x0B
	TypeData40 DataType = 0x0C
	TypeData48 DataType = 0x0D
	TypeData56 DataType = 0x0E
	TypeData64 DataType = 0x0F

	TypeBoolean DataType = 0x10

	TypeBitmap8  DataType = 0x18
	TypeBitmap16 DataType = 0x19
	TypeBitmap24 DataType = 0x1A
	TypeBitmap32 DataType = 0x1B
	TypeBitmap40 DataType = 0x1C
	TypeBitmap48 DataType = 0x1D
	TypeBitmap56 DataType = 0x1E
	TypeBitmap64 DataType = 0x1F

	TypeUint8  DataType = 0x20
	TypeUint16 DataType = 0x21
	TypeUint24 DataType = 0x22
	TypeUint32 DataType = 0x23
	TypeUint40 DataType = 0x24
	TypeUint48 DataType = 0x25
	TypeUint56 DataType = 0x26
	TypeUint64 DataType = 0x27

	TypeInt8  DataType = 0x28
	TypeInt16 DataType = 0x29
	TypeInt24 DataType = 0x2A
	TypeInt32 DataType = 0x2B
	TypeInt40 DataType = 0x2C
	TypeInt48 DataType = 0x2D
	TypeInt56 DataType = 0x2E
	TypeInt64 DataType = 0x2F

	TypeEnum8  DataType = 0x30
	TypeEnum16 DataType = 0x31

	TypeSemiPrec   DataType = 0x38
	TypeSinglePrec DataType = 0x39
	TypeDoublePrec DataType = 0x3A

	TypeOctetStr     DataType = 0x41
	TypeCharStr      DataType = 0x42
	TypeLongOctetStr DataType = 0x43
	TypeLongCharStr  DataType = 0x44

	TypeArray  DataType = 0x48
	TypeStruct DataType = 0x4C
	TypeSet    DataType = 0x50
	TypeBag    DataType = 0x51

	TypeToD  DataType = 0xE0 // time of day
	TypeDate DataType = 0xE1
	TypeUTC  DataType = 0xE2

	TypeClusterID DataType = 0xE8
	TypeAttrID    DataType = 0xE9
	TypeBACnetOID DataType = 0xEA

	TypeIEEEAddr DataType = 0xF0
	TypeSecKey   DataType = 0xF1

	TypeUnknown DataType = 0xFF

	// TypeUseDataType defers the type to ReadOptions.DataType.
	TypeUseDataType DataType = 0x100
)

// aliases maps logical types to the physical type that governs their
// encoding. Types absent from the map are physical themselves.
var aliases = map[DataType]DataType{
	TypeBoolean: TypeUint8,
	TypeBitmap8: TypeUint8,
	TypeEnum8:   TypeUint8,
	TypeData8:   TypeInt8,

	TypeData16:    TypeUint16,
	TypeBitmap16:  TypeUint16,
	TypeEnum16:    TypeUint16,
	TypeClusterID: TypeUint16,
	TypeAttrID:    TypeUint16,

	TypeData24:   TypeUint24,
	TypeBitmap24: TypeUint24,

	TypeData32:    TypeUint32,
	TypeBitmap32:  TypeUint32,
	TypeToD:       TypeUint32,
	TypeDate:      TypeUint32,
	TypeUTC:       TypeUint32,
	TypeBACnetOID: TypeUint32,

	TypeData40:   TypeUint40,
	TypeBitmap40: TypeUint40,
	TypeData48:   TypeUint48,
	TypeBitmap48: TypeUint48,
	TypeData56:   TypeUint56,
	TypeBitmap56: TypeUint56,

	TypeData64:   TypeUint64,
	TypeBitmap64: TypeUint64,
	TypeIEEEAddr: TypeUint64,

	TypeUnknown: TypeNoData,

	TypeSet: TypeArray,
	TypeBag: TypeArray,
}

var typeNames = map[DataType]string{
	TypeNoData:       "noData",
	TypeData8:        "data8",
	TypeData16:       "data16",
	TypeData24:       "data24",
	TypeData32:       "data32",
	TypeData40:       "data40",
	TypeData48:       "data48",
	TypeData56:       "data56",
	TypeData64:       "data64",
	TypeBoolean:      "boolean",
	TypeBitmap8:      "bitmap8",
	TypeBitmap16:     "bitmap16",
	TypeBitmap24:     "bitmap24",
	TypeBitmap32:     "bitmap32",
	TypeBitmap40:     "bitmap40",
	TypeBitmap48:     "bitmap48",
	TypeBitmap56:     "bitmap56",
	TypeBitmap64:     "bitmap64",
	TypeUint8:        "uint8",
	TypeUint16:       "uint16",
	TypeUint24:       "uint24",
	TypeUint32:       "uint32",
	TypeUint40:       "uint40",
	TypeUint48:       "uint48",
	TypeUint56:       "uint56",
	TypeUint64:       "uint64",
	TypeInt8:         "int8",
	TypeInt16:        "int16",
	TypeInt24:        "int24",
	TypeInt32:        "int32",
	TypeInt40:        "int40",
	TypeInt48:        "int48",
	TypeInt56:        "int56",
	TypeInt64:        "int64",
	TypeEnum8:        "enum8",
	TypeEnum16:       "enum16",
	TypeSemiPrec:     "semiPrec",
	TypeSinglePrec:   "singlePrec",
	TypeDoublePrec:   "doublePrec",
	TypeOctetStr:     "octetStr",
	TypeCharStr:      "charStr",
	TypeLongOctetStr: "longOctetStr",
	TypeLongCharStr:  "longCharStr",
	TypeArray:        "array",
	TypeStruct:       "struct",
	TypeSet:          "set",
	TypeBag:          "bag",
	TypeToD:          "tod",
	TypeDate:         "date",
	TypeUTC:          "utc",
	TypeClusterID:    "clusterId",
	TypeAttrID:       "attrId",
	TypeBACnetOID:    "bacOid",
	TypeIEEEAddr:     "ieeeAddr",
	TypeSecKey:       "secKey",
	TypeUnknown:      "unknown",
	TypeUseDataType:  "useDataType",
}

var typesByName = func() map[string]DataType {
	m := make(map[string]DataType, len(typeNames))
	for t, name := range typeNames {
		m[name] = t
	}
	return m
}()

// Resolve returns the physical type that governs the encoding of t.
func Resolve(t DataType) DataType {
	if p, ok := aliases[t]; ok {
		return p
	}
	return t
}

// ParseDataType looks up a type by its ZCL name, e.g. "enum8" or "ieeeAddr".
func ParseDataType(name string) (DataType, error) {
	t, ok := typesByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: unknown data type %q", ErrInvalidUsage, name)
	}
	return t, nil
}

// Analog reports whether t is an analog type. Reporting configuration
// carries a reportable change only for analog attributes.
func (t DataType) Analog() bool {
	switch {
	case t >= TypeUint8 && t <= TypeInt64:
		return true
	case t >= TypeSemiPrec && t <= TypeDoublePrec:
		return true
	case t >= TypeToD && t <= TypeUTC:
		return true
	}
	return false
}

// Known reports whether t is a defined data type.
func (t DataType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

func (t DataType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", uint16(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts a type name or a numeric tag such as "0x20".
func (t *DataType) UnmarshalText(b []byte) error {
	if dt, err := ParseDataType(string(b)); err == nil {
		*t = dt
		return nil
	}
	n, err := strconv.ParseUint(string(b), 0, 16)
	if err != nil {
		return fmt.Errorf("%w: unknown data type %q", ErrInvalidUsage, b)
	}
	*t = DataType(n)
	return nil
}

// Size returns the fixed encoded size of t in bytes, or -1 for
// length-prefixed and composite types.
func (t DataType) Size() int {
	switch Resolve(t) {
	case TypeNoData:
		return 0
	case TypeUint8, TypeInt8:
		return 1
	case TypeUint16, TypeInt16, TypeSemiPrec:
		return 2
	case TypeUint24, TypeInt24:
		return 3
	case TypeUint32, TypeInt32, TypeSinglePrec:
		return 4
	case TypeUint40, TypeInt40:
		return 5
	case TypeUint48, TypeInt48:
		return 6
	case TypeUint56, TypeInt56:
		return 7
	case TypeUint64, TypeInt64, TypeDoublePrec:
		return 8
	case TypeSecKey:
		return 16
	default:
		return -1
	}
}
