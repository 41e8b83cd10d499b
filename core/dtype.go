package core

import (
	"fmt"
	"math"
)

// DType represents the data type of tensor elements.
type DType uint8

const (
	Float32 DType = iota
	BFloat16
	Float16
	Bfp8
	Uint32
)

// Size returns the byte size of one element. Block-float types report the
// mantissa byte only; the shared exponents are accounted at tile level.
func (d DType) Size() int {
	switch d {
	case Float32, Uint32:
		return 4
	case BFloat16, Float16:
		return 2
	case Bfp8:
		return 1
	default:
		panic(fmt.Sprintf("unknown dtype: %d", d))
	}
}

func (d DType) String() string {
	names := [...]string{"float32", "bfloat16", "float16", "bfp8", "uint32"}
	if int(d) < len(names) {
		return names[d]
	}
	return fmt.Sprintf("dtype(%d)", d)
}

// ParseDType maps a dtype name to its value.
func ParseDType(name string) (DType, bool) {
	for d := Float32; d <= Uint32; d++ {
		if d.String() == name {
			return d, true
		}
	}
	return 0, false
}

// Float32Bits reinterprets f as its IEEE-754 bit pattern. Kernel arguments
// carry floats this way and the device reinterprets them back.
func Float32Bits(f float32) uint32 {
	return math.Float32bits(f)
}
