package reduce

import (
	"k8s.io/klog/v2"

	"github.com/djeday123/gometal/core"
	"github.com/djeday123/gometal/ops"
	"github.com/djeday123/gometal/program"
	"github.com/djeday123/gometal/tensor"
)

// BuildProgramMultiCore builds a reduction of in into out spread over the
// device's compute grid. Each core produces a contiguous run of output tiles:
// a row of Wt input tiles for W, a column of Ht tiles for H, or a whole
// (H, W) plane for HW.
func BuildProgramMultiCore(in, out *tensor.Tensor, m Math, d Dim, scaler float32) (*ops.ProgramWithCallbacks, error) {
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

	dev := in.Device()
	split := ops.SplitWorkToCores(dev.ComputeGrid(), plan.outputTiles())
	p := program.New(dev)

	if err := createCircularBuffers(p, split.AllCores, in.DType(), out.DType()); err != nil {
		return nil, err
	}

	reader, err := program.CreateDataMovementKernel(p, ks.readerStartID, split.AllCores, program.DataMovementConfig{
		Processor: program.RISCV1,
		NOC:       program.NOC1,
	})
	if err != nil {
		return nil, err
	}
	writer, err := program.CreateDataMovementKernel(p, writerUnaryStartID, split.AllCores, program.DataMovementConfig{
		Processor: program.RISCV0,
		NOC:       program.NOC0,
	})
	if err != nil {
		return nil, err
	}

	// Loop bounds are compile-time, so each core group gets its own binary.
	groups := []struct {
		cores core.CoreRangeSet
		units uint32
	}{
		{split.Group1, split.UnitsPerCoreGroup1},
		{split.Group2, split.UnitsPerCoreGroup2},
	}
	for _, grp := range groups {
		if grp.cores.NumCores() == 0 {
			continue
		}
		if _, err := program.CreateComputeKernel(p, ks.compute, grp.cores, computeConfig(plan.computeSlice(grp.units), ks.defines)); err != nil {
			return nil, err
		}
	}

	src, dst := in.Buffer().Address(), out.Buffer().Address()
	ranges := split.Ranges()
	cores := make([]core.CoreCoord, 0, len(ranges))
	for _, r := range ranges {
		if err := p.SetRuntimeArgs(reader, r.Core, plan.readerSlice(src, r.Start, r.Count)); err != nil {
			return nil, err
		}
		if err := p.SetRuntimeArgs(writer, r.Core, plan.writerSlice(dst, r.Start, r.Count)); err != nil {
			return nil, err
		}
		cores = append(cores, r.Core)
	}
	p.Seal()

	klog.V(2).Infof("reduce: %s over %s on %d cores %s, %d tiles -> %d (%d/%d per core)",
		m, d, split.NumCores, split.AllCores, g.TotalTiles, plan.outputTiles(),
		split.UnitsPerCoreGroup1, split.UnitsPerCoreGroup2)
	return &ops.ProgramWithCallbacks{
		Program:  p,
		Rebinder: ops.NewAddressRebinder(p, reader, writer, cores),
	}, nil
}
