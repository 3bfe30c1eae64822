package zcl

import "math"

// Value coercion for Encode. Callers pass native Go integers, JSON numbers
// (float64) or Lua numbers, so every integer kind is accepted as long as it
// fits.

func toUint64(v any) (uint64, bool) {
	switch val := v.(type) {
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case uint8:
		return uint64(val), true
	case uint16:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case uint64:
		return val, true
	case uint:
		return uint64(val), true
	case int8, int16, int32, int64, int:
		i, _ := toInt64(val)
		if i < 0 {
			return 0, false
		}
		return uint64(i), true
	case float64:
		if val < 0 || val != math.Trunc(val) || val >= 1<<64 {
			return 0, false
		}
		return uint64(val), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float64:
		if val != math.Trunc(val) || val >= math.MaxInt64 || val < math.MinInt64 {
			return 0, false
		}
		return int64(val), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// halfToFloat32 converts an IEEE 754 binary16 value.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h) & 0x3FF

	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal
		f := float32(frac) / (1 << 24)
		if sign != 0 {
			return -f
		}
		return f
	case exp == 0x1F:
		return math.Float32frombits(sign | 0xFF<<23 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
}

// float32ToHalf converts to binary16, truncating excess mantissa bits.
func float32ToHalf(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23) & 0xFF
	frac := bits & 0x7FFFFF

	switch {
	case exp == 0xFF:
		if frac != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp-112 >= 0x1F:
		return sign | 0x7C00
	case exp-112 <= 0:
		if exp < 103 {
			return sign
		}
		frac |= 0x800000
		return sign | uint16(frac>>uint(126-exp))
	}
	return sign | uint16(exp-112)<<10 | uint16(frac>>13)
}
