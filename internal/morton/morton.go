// Package morton implements the Z-order (Morton) codec used to key terrain
// chunks. Keys are 32 bits wide: two 16-bit axes in 2D, three 10-bit axes in
// 3D. The dilation masks below are a persisted format; chunk data saved by
// earlier tools is addressed with exactly these keys.
package morton

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MaxAxis2D is the largest per-axis value that survives a 2D encode.
	MaxAxis2D = 0xFFFF
	// MaxAxis3D is the largest per-axis value that survives a 3D encode.
	MaxAxis3D = 0x3FF
)

// Bits owned by each axis inside a key.
const (
	maskX2D uint32 = 0x55555555
	maskY2D uint32 = 0xAAAAAAAA
	maskX3D uint32 = 0x09249249
	maskY3D uint32 = maskX3D << 1
	maskZ3D uint32 = maskX3D << 2
)

// ErrOutOfRange reports a coordinate that does not fit its axis budget.
var ErrOutOfRange = errors.New("morton: coordinate out of range")

// Encode2D interleaves x into the even bits and y into the odd bits. Only
// the low 16 bits of each axis are used.
func Encode2D(x, y uint32) uint32 {
	return dilate2(x) | dilate2(y)<<1
}

// Decode2D is the inverse of Encode2D.
func Decode2D(key uint32) (x, y uint32) {
	return contract2(key), contract2(key >> 1)
}

// Encode3D interleaves x, y and z with a stride of three bits. Only the low
// 10 bits of each axis are used.
func Encode3D(x, y, z uint32) uint32 {
	return dilate3(x) | dilate3(y)<<1 | dilate3(z)<<2
}

// Decode3D is the inverse of Encode3D.
func Decode3D(key uint32) (x, y, z uint32) {
	return contract3(key), contract3(key >> 1), contract3(key >> 2)
}

// Encode2DFloat truncates both components toward zero and encodes them.
// Negative or fractional input is lossy.
func Encode2DFloat(x, y float64) uint32 {
	return Encode2D(Truncate(x), Truncate(y))
}

// Decode2DFloat decodes key and reports the axes as floats.
func Decode2DFloat(key uint32) (x, y float64) {
	ix, iy := Decode2D(key)
	return float64(ix), float64(iy)
}

// Encode3DFloat truncates all components toward zero and encodes them.
func Encode3DFloat(x, y, z float64) uint32 {
	return Encode3D(Truncate(x), Truncate(y), Truncate(z))
}

// Decode3DFloat decodes key and reports the axes as floats.
func Decode3DFloat(key uint32) (x, y, z float64) {
	ix, iy, iz := Decode3D(key)
	return float64(ix), float64(iy), float64(iz)
}

// Truncate converts v to an integer toward zero and keeps its low 32 bits
// in two's complement, so -1 becomes 0xFFFFFFFF. NaN and infinities map to 0.
func Truncate(v float64) uint32 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	t := math.Mod(math.Trunc(v), 1<<32)
	if t < 0 {
		t += 1 << 32
	}
	return uint32(t)
}

// Validate2D reports whether x and y fit a 2D key without masking.
func Validate2D(x, y uint32) error {
	if x > MaxAxis2D || y > MaxAxis2D {
		return fmt.Errorf("%w: (%d, %d) exceeds %d per axis", ErrOutOfRange, x, y, MaxAxis2D)
	}
	return nil
}

// Validate3D reports whether x, y and z fit a 3D key without masking.
func Validate3D(x, y, z uint32) error {
	if x > MaxAxis3D || y > MaxAxis3D || z > MaxAxis3D {
		return fmt.Errorf("%w: (%d, %d, %d) exceeds %d per axis", ErrOutOfRange, x, y, z, MaxAxis3D)
	}
	return nil
}

// ValidateFloat reports whether v is a non-negative integral value no larger
// than max, i.e. whether truncation would leave it unchanged.
func ValidateFloat(v float64, max uint32) error {
	if math.IsNaN(v) || v < 0 || v > float64(max) || v != math.Trunc(v) {
		return fmt.Errorf("%w: %v is not an integer in [0, %d]", ErrOutOfRange, v, max)
	}
	return nil
}

// dilate2 spreads the low 16 bits of v so one zero bit follows each.
func dilate2(v uint32) uint32 {
	v &= 0x0000ffff
	v = (v ^ (v << 8)) & 0x00ff00ff
	v = (v ^ (v << 4)) & 0x0f0f0f0f
	v = (v ^ (v << 2)) & 0x33333333
	v = (v ^ (v << 1)) & 0x55555555
	return v
}

// dilate3 spreads the low 10 bits of v so two zero bits follow each.
func dilate3(v uint32) uint32 {
	v &= 0x000003ff
	v = (v ^ (v << 16)) & 0xff0000ff
	v = (v ^ (v << 8)) & 0x0300f00f
	v = (v ^ (v << 4)) & 0x030c30c3
	v = (v ^ (v << 2)) & 0x09249249
	return v
}

func contract2(v uint32) uint32 {
	v &= 0x55555555
	v = (v ^ (v >> 1)) & 0x33333333
	v = (v ^ (v >> 2)) & 0x0f0f0f0f
	v = (v ^ (v >> 4)) & 0x00ff00ff
	v = (v ^ (v >> 8)) & 0x0000ffff
	return v
}

func contract3(v uint32) uint32 {
	v &= 0x09249249
	v = (v ^ (v >> 2)) & 0x030c30c3
	v = (v ^ (v >> 4)) & 0x0300f00f
	v = (v ^ (v >> 8)) & 0xff0000ff
	v = (v ^ (v >> 16)) & 0x000003ff
	return v
}
