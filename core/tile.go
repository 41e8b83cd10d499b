package core

import "github.com/pkg/errors"

// Hardware tile edge lengths.
const (
	TileHeight = 32
	TileWidth  = 32
	TileHW     = TileHeight * TileWidth
)

// TileGeometry is the tile-grid view of a 4D tensor shape.
type TileGeometry struct {
	TileWidth  uint32
	TileHeight uint32
	Wt         uint32 // tiles along W
	Ht         uint32 // tiles along H
	NC         uint32 // N*C
	TotalTiles uint32
}

// HtWt returns the number of tiles in one (H, W) plane.
func (g TileGeometry) HtWt() uint32 {
	return g.Ht * g.Wt
}

// ComputeTileGeometry converts a rank-4 shape into tile counts. H and W must
// be multiples of the tile edge.
func ComputeTileGeometry(shape Shape) (TileGeometry, error) {
	n, c, h, w, err := shape.Dims4()
	if err != nil {
		return TileGeometry{}, err
	}
	if h%TileHeight != 0 || w%TileWidth != 0 {
		return TileGeometry{}, errors.Wrapf(ErrShape,
			"shape %v: H=%d and W=%d must be multiples of %dx%d tiles", shape, h, w, TileHeight, TileWidth)
	}
	g := TileGeometry{
		TileWidth:  TileWidth,
		TileHeight: TileHeight,
		Wt:         uint32(w / TileWidth),
		Ht:         uint32(h / TileHeight),
		NC:         uint32(n * c),
	}
	g.TotalTiles = g.NC * g.Ht * g.Wt
	return g, nil
}
