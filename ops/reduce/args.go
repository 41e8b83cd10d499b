package reduce

import (
	"fmt"
	"math"

	"github.com/djeday123/gometal/core"
)

// unusedBankArg fills the two argument slots read only in multi-bank
// addressing mode. The slots stay in every list because kernels index their
// arguments by position.
const unusedBankArg = 0

// outDimDivider is the number of input tiles folded into one output tile.
func outDimDivider(d Dim, g core.TileGeometry) uint32 {
	switch d {
	case H:
		return g.Ht
	case W:
		return g.Wt
	case HW:
		return g.HtWt()
	}
	panic(fmt.Sprintf("reduce: unsupported reduce dim %d", d))
}

// encodeScaler returns the bit pattern of the scale factor passed to kernels.
// The HW compute kernel applies the scaler once per axis, so each pass gets
// its square root.
func encodeScaler(d Dim, scaler float32) uint32 {
	if d == HW {
		scaler = float32(math.Sqrt(float64(scaler)))
	}
	return core.Float32Bits(scaler)
}

// argPlan computes the argument lists of the reduce kernels.
type argPlan struct {
	geom       core.TileGeometry
	dim        Dim
	divider    uint32
	scalerBits uint32
}

func newArgPlan(g core.TileGeometry, d Dim, scaler float32) argPlan {
	return argPlan{
		geom:       g,
		dim:        d,
		divider:    outDimDivider(d, g),
		scalerBits: encodeScaler(d, scaler),
	}
}

// outputTiles is the number of tiles the reduction produces.
func (p argPlan) outputTiles() uint32 {
	return p.geom.TotalTiles / p.divider
}

// reader returns [src, 0, 0, tiles, NC, Ht, Wt, Ht*Wt, scaler].
func (p argPlan) reader(src uint32) []uint32 {
	g := p.geom
	return []uint32{
		src,
		unusedBankArg,
		unusedBankArg,
		g.TotalTiles,
		g.NC,
		g.Ht,
		g.Wt,
		g.HtWt(),
		p.scalerBits,
	}
}

// writer returns [dst, 0, 0, output tiles].
func (p argPlan) writer(dst uint32) []uint32 {
	return []uint32{dst, unusedBankArg, unusedBankArg, p.outputTiles()}
}

// compute returns the compile-time args [scaler, Ht, Wt, NC].
func (p argPlan) compute() []uint32 {
	return []uint32{p.scalerBits, p.geom.Ht, p.geom.Wt, p.geom.NC}
}

// readerSlice is reader() for a core that owns units output tiles starting at
// output tile start; it overrides the tile count and appends the first input
// tile in the reader's traversal order.
func (p argPlan) readerSlice(src, start, units uint32) []uint32 {
	args := p.reader(src)
	args[3] = units * p.divider
	return append(args, start*p.divider)
}

// writerSlice is writer() for a core writing units output tiles from start.
func (p argPlan) writerSlice(dst, start, units uint32) []uint32 {
	return []uint32{dst, unusedBankArg, unusedBankArg, units, start}
}

// computeSlice is compute() with loop bounds shrunk to units output tiles.
func (p argPlan) computeSlice(units uint32) []uint32 {
	g := p.geom
	switch p.dim {
	case H:
		return []uint32{p.scalerBits, g.Ht, units, 1}
	case W:
		return []uint32{p.scalerBits, units, g.Wt, 1}
	default:
		return []uint32{p.scalerBits, g.Ht, g.Wt, units}
	}
}
