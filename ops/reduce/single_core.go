package reduce

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/djeday123/gometal/core"
	"github.com/djeday123/gometal/ops"
	"github.com/djeday123/gometal/program"
	"github.com/djeday123/gometal/tensor"
)

// Streaming circular buffers hold two tiles so the producer can fill one
// while the consumer drains the other.
const (
	numInputTiles  = 2
	numOutputTiles = 2
)

// BuildProgram builds a reduction of in into out on core (0,0).
func BuildProgram(in, out *tensor.Tensor, m Math, d Dim, scaler float32) (*ops.ProgramWithCallbacks, error) {
	g, err := core.ComputeTileGeometry(in.Shape())
	if err != nil {
		return nil, err
	}
	ks, err := selectKernels(m, d)
	if err != nil {
		return nil, err
	}
	if err := checkPlaced(in, out); err != nil {
		return nil, err
	}
	plan := newArgPlan(g, d, scaler)

	c := core.CoreCoord{X: 0, Y: 0}
	cores := core.CoreRangeSet{core.SingleCore(c)}
	p := program.New(in.Device())

	if err := createCircularBuffers(p, cores, in.DType(), out.DType()); err != nil {
		return nil, err
	}

	reader, err := program.CreateDataMovementKernel(p, ks.reader, cores, program.DataMovementConfig{
		Processor: program.RISCV1,
		NOC:       program.NOC1,
	})
	if err != nil {
		return nil, err
	}
	writer, err := program.CreateDataMovementKernel(p, writerUnary, cores, program.DataMovementConfig{
		Processor: program.RISCV0,
		NOC:       program.NOC0,
	})
	if err != nil {
		return nil, err
	}
	if _, err := program.CreateComputeKernel(p, ks.compute, cores, computeConfig(plan.compute(), ks.defines)); err != nil {
		return nil, err
	}

	if err := p.SetRuntimeArgs(reader, c, plan.reader(in.Buffer().Address())); err != nil {
		return nil, err
	}
	if err := p.SetRuntimeArgs(writer, c, plan.writer(out.Buffer().Address())); err != nil {
		return nil, err
	}
	p.Seal()

	klog.V(2).Infof("reduce: %s over %s on core %s, %d tiles -> %d (NC=%d Ht=%d Wt=%d)",
		m, d, c, g.TotalTiles, plan.outputTiles(), g.NC, g.Ht, g.Wt)
	return &ops.ProgramWithCallbacks{
		Program:  p,
		Rebinder: ops.NewAddressRebinder(p, reader, writer, []core.CoreCoord{c}),
	}, nil
}

// checkPlaced rejects tensors that have no device buffer, or whose buffers
// live on different devices.
func checkPlaced(in, out *tensor.Tensor) error {
	if in.Device() == nil || in.Buffer() == nil || out.Buffer() == nil {
		return errors.Wrap(core.ErrConfiguration, "reduce: tensors must be allocated on a device")
	}
	if out.Device() != in.Device() {
		return errors.Wrapf(core.ErrConfiguration, "reduce: input on %s, output on %s", in.Device(), out.Device())
	}
	return nil
}

// createCircularBuffers reserves the input, scaler and output buffers of a
// reduction on cores.
func createCircularBuffers(p *program.Program, cores core.CoreRangeSet, inType, outType core.DType) error {
	inFormat := core.DataFormatFor(inType)
	outFormat := core.DataFormatFor(outType)
	inTile := uint32(core.TileSize(inFormat))
	outTile := uint32(core.TileSize(outFormat))

	cbs := []program.CircularBufferConfig{
		{Index: program.CBIn0, Cores: cores, NumTiles: numInputTiles, PageSize: inTile, DataFormat: inFormat},
		{Index: program.CBIn2, Cores: cores, NumTiles: numInputTiles, PageSize: inTile, DataFormat: inFormat},
		{Index: program.CBOut0, Cores: cores, NumTiles: numOutputTiles, PageSize: outTile, DataFormat: outFormat},
	}
	for _, cfg := range cbs {
		if _, err := program.CreateCircularBuffer(p, cfg); err != nil {
			return errors.Wrap(err, "reduce")
		}
	}
	return nil
}

func computeConfig(args []uint32, defines map[string]string) program.ComputeConfig {
	return program.ComputeConfig{
		MathFidelity:   program.HiFi4,
		Fp32DestAccEn:  false,
		MathApproxMode: false,
		CompileArgs:    args,
		Defines:        defines,
	}
}
