package program

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/djeday123/gometal/core"
)

// NumCircularBuffers is the number of circular buffer slots per core.
const NumCircularBuffers = 32

// Conventional circular buffer indices. Inputs start at 0, outputs at 16 and
// intermediates at 24.
const (
	CBIn0       = 0
	CBIn1       = 1
	CBIn2       = 2
	CBIn4       = 4
	CBOut0      = 16
	CBIntermed0 = 24
)

// CircularBuffer is a ring buffer in the L1 of every core in its core set.
// Kernels on a core exchange pages through it.
type CircularBuffer struct {
	id       CBID
	index    uint8
	cores    core.CoreRangeSet
	numTiles uint32
	pageSize uint32
	format   core.DataFormat
}

// CircularBufferConfig describes a circular buffer to create.
type CircularBufferConfig struct {
	Index      uint8
	Cores      core.CoreRangeSet
	NumTiles   uint32 // capacity in pages
	PageSize   uint32 // bytes per page, usually one tile
	DataFormat core.DataFormat
}

func (cb *CircularBuffer) ID() CBID                    { return cb.id }
func (cb *CircularBuffer) Index() uint8                { return cb.index }
func (cb *CircularBuffer) Cores() core.CoreRangeSet    { return cb.cores }
func (cb *CircularBuffer) NumTiles() uint32            { return cb.numTiles }
func (cb *CircularBuffer) PageSize() uint32            { return cb.pageSize }
func (cb *CircularBuffer) DataFormat() core.DataFormat { return cb.format }

// TotalSize returns the L1 bytes the buffer occupies on each of its cores.
func (cb *CircularBuffer) TotalSize() uint32 {
	return cb.numTiles * cb.pageSize
}

// CreateCircularBuffer reserves a circular buffer on every core of cfg.Cores.
// It fails without side effects if the index is already taken on one of the
// cores or if a core would run out of L1.
func CreateCircularBuffer(p *Program, cfg CircularBufferConfig) (CBID, error) {
	if err := p.checkOpen("circular buffer"); err != nil {
		return 0, err
	}
	if cfg.Index >= NumCircularBuffers {
		return 0, errors.Wrapf(core.ErrConfiguration, "circular buffer index %d out of range [0, %d)", cfg.Index, NumCircularBuffers)
	}
	if cfg.NumTiles == 0 || cfg.PageSize == 0 {
		return 0, errors.Wrapf(core.ErrConfiguration, "circular buffer %d: empty capacity (%d x %d)", cfg.Index, cfg.NumTiles, cfg.PageSize)
	}
	if err := checkCores(cfg.Cores, p.target.ComputeGrid()); err != nil {
		return 0, errors.Wrapf(err, "circular buffer %d", cfg.Index)
	}

	size := uint64(cfg.NumTiles) * uint64(cfg.PageSize)
	capacity := p.target.L1Capacity()
	cores := cfg.Cores.Cores()
	for _, c := range cores {
		for _, other := range p.CircularBuffersOn(c) {
			if other.index == cfg.Index {
				return 0, errors.Wrapf(core.ErrConfiguration, "circular buffer index %d already used on core %s", cfg.Index, c)
			}
		}
		if uint64(p.l1[c])+size > uint64(capacity) {
			return 0, errors.Wrapf(core.ErrAllocation,
				"circular buffer %d: %d bytes on core %s exceeds L1 (%d used of %d)", cfg.Index, size, c, p.l1[c], capacity)
		}
	}

	cb := &CircularBuffer{
		id:       CBID(len(p.cbs)),
		index:    cfg.Index,
		cores:    append(core.CoreRangeSet(nil), cfg.Cores...),
		numTiles: cfg.NumTiles,
		pageSize: cfg.PageSize,
		format:   cfg.DataFormat,
	}
	for _, c := range cores {
		p.l1[c] += uint32(size)
	}
	p.cbs = append(p.cbs, cb)
	klog.V(3).Infof("program: cb[%d] %d x %d B %s on %s", cb.index, cb.numTiles, cb.pageSize, cb.format, cb.cores)
	return cb.id, nil
}
