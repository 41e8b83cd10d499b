package tensor

import "github.com/djeday123/gometal/core"

// Re-export core types so tensor.Shape, tensor.DType etc. still work.
type Shape = core.Shape
type DType = core.DType

const (
	Float32  = core.Float32
	BFloat16 = core.BFloat16
	Float16  = core.Float16
	Bfp8     = core.Bfp8
	Uint32   = core.Uint32

	TileHW = core.TileHW
)

var (
	DataFormatFor = core.DataFormatFor
	TileSize      = core.TileSize
)
