package pool

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/djeday123/gometal/core"
	"github.com/djeday123/gometal/ops"
	"github.com/djeday123/gometal/program"
	"github.com/djeday123/gometal/tensor"
)

const (
	readerSingleCore program.KernelSource = "dataflow/reader_max_pool_2d_single_core"
	writerSingleCore program.KernelSource = "dataflow/writer_max_pool_2d_single_core"
	readerMultiCore  program.KernelSource = "dataflow/reader_max_pool_2d_multi_core"
	writerMultiCore  program.KernelSource = "dataflow/writer_max_pool_2d_multi_core"
	computeMaxPool   program.KernelSource = "compute/max_pool"
)

func (m MaxPool) buildSingleCore(in, out *tensor.Tensor) (*ops.ProgramWithCallbacks, error) {
	return m.build(in, out, core.CoreCoord{X: 1, Y: 1}, readerSingleCore, writerSingleCore)
}

func (m MaxPool) buildMultiCore(in, out *tensor.Tensor) (*ops.ProgramWithCallbacks, error) {
	return m.build(in, out, in.Device().ComputeGrid(), readerMultiCore, writerMultiCore)
}

// build spreads the output sticks, in blocks of NBlocks, over grid and binds
// one reader, writer and compute kernel per core.
func (m MaxPool) build(in, out *tensor.Tensor, grid core.CoreCoord, readerSrc, writerSrc program.KernelSource) (*ops.ProgramWithCallbacks, error) {
	if err := m.Validate([]*tensor.Tensor{in}); err != nil {
		return nil, err
	}
	if out.Buffer() == nil || out.Device() != in.Device() {
		return nil, errors.Wrap(core.ErrConfiguration, "max pool output must be allocated on the input's device")
	}
	n, _ := m.batch(in.Shape())
	outH, outW := m.OutputHW()
	channels := uint32(in.Shape()[3])

	format := core.DataFormatFor(in.DType())
	tileBytes := uint32(core.TileSize(format))
	stickBytes := channels * uint32(in.DType().Size())
	outStickBytes := channels * uint32(out.DType().Size())
	kernelHW := m.KernelH * m.KernelW
	inNTilesHW := (kernelHW + core.TileHeight - 1) / core.TileHeight
	inNTilesC := (channels + core.TileWidth - 1) / core.TileWidth

	totalSticks := n * outH * outW
	split := ops.SplitWorkToCores(grid, totalSticks/m.NBlocks)
	cores := split.AllCores
	p := program.New(in.Device())

	cbs := []program.CircularBufferConfig{
		// raw input sticks of NBlocks windows, double buffered
		{Index: program.CBIn0, Cores: cores, NumTiles: 2 * kernelHW * m.NBlocks, PageSize: stickBytes, DataFormat: format},
		// tile of ones the reduction multiplies by
		{Index: program.CBIn4, Cores: cores, NumTiles: 1, PageSize: tileBytes, DataFormat: format},
		// windows tilized for the math engine
		{Index: program.CBIntermed0, Cores: cores, NumTiles: inNTilesHW * inNTilesC * m.NBlocks, PageSize: tileBytes, DataFormat: format},
		{Index: program.CBOut0, Cores: cores, NumTiles: 2 * m.NBlocks, PageSize: outStickBytes, DataFormat: core.DataFormatFor(out.DType())},
	}
	for _, cfg := range cbs {
		if _, err := program.CreateCircularBuffer(p, cfg); err != nil {
			return nil, errors.Wrap(err, "max pool")
		}
	}

	reader, err := program.CreateDataMovementKernel(p, readerSrc, cores, program.DataMovementConfig{
		Processor: program.RISCV1,
		NOC:       program.NOC1,
	})
	if err != nil {
		return nil, err
	}
	writer, err := program.CreateDataMovementKernel(p, writerSrc, cores, program.DataMovementConfig{
		Processor: program.RISCV0,
		NOC:       program.NOC0,
	})
	if err != nil {
		return nil, err
	}
	groups := []struct {
		cores  core.CoreRangeSet
		blocks uint32
	}{
		{split.Group1, split.UnitsPerCoreGroup1},
		{split.Group2, split.UnitsPerCoreGroup2},
	}
	for _, grp := range groups {
		if grp.cores.NumCores() == 0 {
			continue
		}
		_, err := program.CreateComputeKernel(p, computeMaxPool, grp.cores, program.ComputeConfig{
			MathFidelity: program.HiFi4,
			CompileArgs:  []uint32{inNTilesHW, inNTilesC, kernelHW, outH, outW, m.NBlocks, grp.blocks * m.NBlocks},
		})
		if err != nil {
			return nil, err
		}
	}

	one := core.PackFill(format, 1)
	minusInf := core.PackFill(format, float32(math.Inf(-1)))
	src, dst := in.Buffer().Address(), out.Buffer().Address()
	var used []core.CoreCoord
	for _, r := range split.Ranges() {
		start, count := r.Start*m.NBlocks, r.Count*m.NBlocks
		readerArgs := []uint32{
			src, 0, 0,
			m.KernelH, m.KernelW,
			m.StrideH, m.StrideW,
			m.PadH, m.PadW,
			m.DilationH, m.DilationW,
			m.InH, m.InW,
			outH, outW,
			stickBytes,
			start, count,
			one, minusInf,
		}
		if err := p.SetRuntimeArgs(reader, r.Core, readerArgs); err != nil {
			return nil, err
		}
		if err := p.SetRuntimeArgs(writer, r.Core, []uint32{dst, 0, 0, outStickBytes, start, count}); err != nil {
			return nil, err
		}
		used = append(used, r.Core)
	}
	p.Seal()

	klog.V(2).Infof("max pool: %dx%d -> %dx%d (kernel %dx%d stride %dx%d) N=%d C=%d on %d cores",
		m.InH, m.InW, outH, outW, m.KernelH, m.KernelW, m.StrideH, m.StrideW, n, channels, split.NumCores)
	return &ops.ProgramWithCallbacks{
		Program:  p,
		Rebinder: ops.NewAddressRebinder(p, reader, writer, used),
	}, nil
}
