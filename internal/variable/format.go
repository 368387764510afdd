package variable

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pbdebug/pbd/internal/debuginfo"
)

// FormatValue renders raw, little-endian tracee bytes as the display form
// documented for each encoding/width pair: decimal for signed/unsigned of
// width 1/2/4/8, floating point for width 4/8/16, hex for pointer of
// width 4/8. A 1-byte value also gets its printable-character annotation
// when isChar is set, the var_dump behavior for char/unsigned char.
func FormatValue(raw []byte, enc debuginfo.Encoding, byteSize int64, isChar bool) string {
	switch enc {
	case debuginfo.Signed:
		s := formatSigned(raw)
		if isChar && byteSize == 1 {
			return fmt.Sprintf("%s %s", s, charAnnotation(raw[0]))
		}
		return s
	case debuginfo.Unsigned:
		s := formatUnsigned(raw)
		if isChar && byteSize == 1 {
			return fmt.Sprintf("%s %s", s, charAnnotation(raw[0]))
		}
		return s
	case debuginfo.Float:
		return formatFloat(raw)
	case debuginfo.PointerEncoding:
		return formatPointer(raw)
	default:
		return formatUnsigned(raw)
	}
}

func formatSigned(raw []byte) string {
	switch len(raw) {
	case 1:
		return fmt.Sprintf("%d", int8(raw[0]))
	case 2:
		return fmt.Sprintf("%d", int16(binary.LittleEndian.Uint16(raw)))
	case 4:
		return fmt.Sprintf("%d", int32(binary.LittleEndian.Uint32(raw)))
	case 8:
		return fmt.Sprintf("%d", int64(binary.LittleEndian.Uint64(raw)))
	default:
		return fmt.Sprintf("%d", signedFromBytes(raw))
	}
}

func formatUnsigned(raw []byte) string {
	switch len(raw) {
	case 1:
		return fmt.Sprintf("%d", raw[0])
	case 2:
		return fmt.Sprintf("%d", binary.LittleEndian.Uint16(raw))
	case 4:
		return fmt.Sprintf("%d", binary.LittleEndian.Uint32(raw))
	case 8:
		return fmt.Sprintf("%d", binary.LittleEndian.Uint64(raw))
	default:
		return fmt.Sprintf("%d", unsignedFromBytes(raw))
	}
}

func formatPointer(raw []byte) string {
	switch len(raw) {
	case 4:
		return fmt.Sprintf("%#x", binary.LittleEndian.Uint32(raw))
	case 8:
		return fmt.Sprintf("%#x", binary.LittleEndian.Uint64(raw))
	default:
		return fmt.Sprintf("%#x", unsignedFromBytes(raw))
	}
}

func formatFloat(raw []byte) string {
	switch len(raw) {
	case 4:
		bits := binary.LittleEndian.Uint32(raw)
		return fmt.Sprintf("%g", math.Float32frombits(bits))
	case 8:
		bits := binary.LittleEndian.Uint64(raw)
		return fmt.Sprintf("%g", math.Float64frombits(bits))
	case 16:
		return fmt.Sprintf("%g", decodeLongDouble(raw))
	default:
		return "0"
	}
}

// charAnnotation renders the character form var_dump appends to a
// char/unsigned char value: the single-quoted character for printable
// ASCII, or a parenthesized "non-printable" marker otherwise.
func charAnnotation(b byte) string {
	if b >= 0x20 && b < 0x7f {
		return fmt.Sprintf("'%c'", b)
	}
	return "(non-printable)"
}

func signedFromBytes(raw []byte) int64 {
	u := unsignedFromBytes(raw)
	bits := uint(len(raw)) * 8
	if bits >= 64 {
		return int64(u)
	}
	signBit := uint64(1) << (bits - 1)
	if u&signBit != 0 {
		return int64(u) - int64(1<<bits)
	}
	return int64(u)
}

func unsignedFromBytes(raw []byte) uint64 {
	var v uint64
	for i := len(raw) - 1; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}
	return v
}

// decodeLongDouble decodes a 16-byte little-endian x87 80-bit extended
// precision float as gcc/clang lay it out for "long double" on x86 and
// x86-64: the 80 significant bits occupy the first 10 bytes (64-bit
// explicit mantissa, then a 15-bit biased exponent and 1 sign bit), padded
// with 6 bytes this core ignores. Go has no native 80-bit float type, so
// this reassembles the value from its bit fields the way the original's
// printf("%Lg", ...) would have read the same bytes through a long double
// register.
func decodeLongDouble(raw []byte) float64 {
	if len(raw) < 10 {
		return 0
	}
	mantissa := binary.LittleEndian.Uint64(raw[0:8])
	signExp := binary.LittleEndian.Uint16(raw[8:10])
	sign := signExp >> 15
	exp := int(signExp & 0x7fff)

	if exp == 0 && mantissa == 0 {
		if sign == 1 {
			return math.Copysign(0, -1)
		}
		return 0
	}
	if exp == 0x7fff {
		if mantissa<<1 == 0 {
			if sign == 1 {
				return math.Inf(-1)
			}
			return math.Inf(1)
		}
		return math.NaN()
	}

	// Unbiased binary exponent; the explicit integer bit of the mantissa
	// (bit 63) makes this format's leading 1 explicit, unlike IEEE754.
	unbiased := exp - 16383
	frac := float64(mantissa) * math.Pow(2, float64(unbiased-63))
	if sign == 1 {
		frac = -frac
	}
	return frac
}
