package core

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// DataFormat is the on-device encoding of tile data in circular buffers.
type DataFormat uint8

const (
	FormatFloat32 DataFormat = iota
	FormatFloat16
	FormatFloat16B
	FormatBfp8B
	FormatUInt32
)

func (f DataFormat) String() string {
	names := [...]string{"Float32", "Float16", "Float16_b", "Bfp8_b", "UInt32"}
	if int(f) < len(names) {
		return names[f]
	}
	return fmt.Sprintf("format(%d)", f)
}

// DataFormatFor converts a tensor dtype to the matching data format.
func DataFormatFor(d DType) DataFormat {
	switch d {
	case Float32:
		return FormatFloat32
	case BFloat16:
		return FormatFloat16B
	case Float16:
		return FormatFloat16
	case Bfp8:
		return FormatBfp8B
	case Uint32:
		return FormatUInt32
	default:
		panic(fmt.Sprintf("no data format for dtype %s", d))
	}
}

// TileSize returns the byte footprint of one 32x32 tile in format f.
func TileSize(f DataFormat) int {
	switch f {
	case FormatFloat32, FormatUInt32:
		return TileHW * 4
	case FormatFloat16, FormatFloat16B:
		return TileHW * 2
	case FormatBfp8B:
		// one byte per datum plus one shared exponent per 16 datums
		return TileHW + TileHW/16
	default:
		panic(fmt.Sprintf("unknown data format: %d", f))
	}
}

// PackFill encodes a fill value for a 32-bit kernel argument. Sixteen-bit
// formats carry the value twice, once in each half, rounded to nearest.
func PackFill(f DataFormat, v float32) uint32 {
	switch f {
	case FormatFloat16B, FormatBfp8B:
		h := uint32(uint16(bfloat16.FromFloat32(v)))
		return h<<16 | h
	case FormatFloat16:
		h := uint32(float16.Fromfloat32(v).Bits())
		return h<<16 | h
	default:
		return Float32Bits(v)
	}
}
