// Package pool builds 2D max-pool programs over row-major activations laid
// out as sticks: one stick of C channels per (n, h, w) position.
package pool

import (
	"github.com/pkg/errors"

	"github.com/djeday123/gometal/core"
	"github.com/djeday123/gometal/ops"
	"github.com/djeday123/gometal/tensor"
)

// MaxPool is a 2D max pool. The input tensor has shape (1, 1, N*InH*InW, C).
type MaxPool struct {
	InH, InW             uint32
	KernelH, KernelW     uint32
	StrideH, StrideW     uint32
	PadH, PadW           uint32
	DilationH, DilationW uint32
	NBlocks              uint32 // output sticks handled per compute iteration
	UseMultiCore         bool
}

var _ ops.Operation = MaxPool{}

// New returns a max pool with stride 1, no padding, dilation 1 and one block.
func New(inH, inW, kernelH, kernelW uint32) MaxPool {
	return MaxPool{
		InH: inH, InW: inW,
		KernelH: kernelH, KernelW: kernelW,
		StrideH: 1, StrideW: 1,
		DilationH: 1, DilationW: 1,
		NBlocks: 1,
	}
}

// CeilMultipleOf rounds n up to a multiple of m.
func CeilMultipleOf(n, m uint32) uint32 {
	return (n + m - 1) / m * m
}

func outputLen(in, kernel, stride, pad, dilation uint32) (uint32, bool) {
	span := dilation*(kernel-1) + 1
	if in+2*pad < span {
		return 0, false
	}
	return (in+2*pad-span)/stride + 1, true
}

// OutputHW returns the pooled height and width.
func (m MaxPool) OutputHW() (outH, outW uint32) {
	outH, _ = outputLen(m.InH, m.KernelH, m.StrideH, m.PadH, m.DilationH)
	outW, _ = outputLen(m.InW, m.KernelW, m.StrideW, m.PadW, m.DilationW)
	return outH, outW
}

func (m MaxPool) Name() string { return "max_pool2d" }

func (m MaxPool) Attributes() ops.Attributes {
	return ops.Attributes{
		ops.Attr("in_h", m.InH), ops.Attr("in_w", m.InW),
		ops.Attr("kernel_h", m.KernelH), ops.Attr("kernel_w", m.KernelW),
		ops.Attr("stride_h", m.StrideH), ops.Attr("stride_w", m.StrideW),
		ops.Attr("pad_h", m.PadH), ops.Attr("pad_w", m.PadW),
		ops.Attr("dilation_h", m.DilationH), ops.Attr("dilation_w", m.DilationW),
		ops.Attr("nblocks", m.NBlocks),
		ops.Attr("multi_core", m.UseMultiCore),
	}
}

// batch returns N for an input of shape (1, 1, N*InH*InW, C).
func (m MaxPool) batch(shape core.Shape) (uint32, error) {
	n, c, nhw, _, err := shape.Dims4()
	if err != nil {
		return 0, err
	}
	if n != 1 || c != 1 {
		return 0, errors.Wrapf(core.ErrShape, "max pool input must be (1, 1, N*H*W, C), got %v", shape)
	}
	hw := int(m.InH * m.InW)
	if hw == 0 || nhw%hw != 0 {
		return 0, errors.Wrapf(core.ErrShape, "max pool input rows %d not a multiple of %dx%d", nhw, m.InH, m.InW)
	}
	return uint32(nhw / hw), nil
}

func (m MaxPool) Validate(inputs []*tensor.Tensor) error {
	if len(inputs) != 1 {
		return errors.Wrapf(core.ErrConfiguration, "max pool takes one input, got %d", len(inputs))
	}
	in := inputs[0]
	if in.Layout() != tensor.RowMajor {
		return errors.Wrapf(core.ErrConfiguration, "max pool input must be row major, got %s", in.Layout())
	}
	if in.DType() != tensor.BFloat16 && in.DType() != tensor.Float32 {
		return errors.Wrapf(core.ErrConfiguration, "max pool supports bfloat16 and float32, got %s", in.DType())
	}
	if in.Device() == nil || in.Buffer() == nil {
		return errors.Wrap(core.ErrConfiguration, "max pool input is not on a device")
	}
	n, err := m.batch(in.Shape())
	if err != nil {
		return err
	}
	if c := in.Shape()[3]; c%16 != 0 {
		return errors.Wrapf(core.ErrShape, "max pool channels %d not a multiple of 16", c)
	}
	if m.KernelH == 0 || m.KernelW == 0 || m.StrideH == 0 || m.StrideW == 0 || m.DilationH == 0 || m.DilationW == 0 {
		return errors.Wrapf(core.ErrConfiguration, "max pool kernel, stride and dilation must be positive: %s", m.Attributes())
	}
	if m.PadH > m.KernelH/2 || m.PadW > m.KernelW/2 {
		return errors.Wrapf(core.ErrConfiguration, "max pool padding %dx%d exceeds half the kernel %dx%d", m.PadH, m.PadW, m.KernelH, m.KernelW)
	}
	if _, ok := outputLen(m.InH, m.KernelH, m.StrideH, m.PadH, m.DilationH); !ok {
		return errors.Wrapf(core.ErrConfiguration, "max pool window taller than padded input")
	}
	if _, ok := outputLen(m.InW, m.KernelW, m.StrideW, m.PadW, m.DilationW); !ok {
		return errors.Wrapf(core.ErrConfiguration, "max pool window wider than padded input")
	}
	outH, outW := m.OutputHW()
	if m.NBlocks == 0 || (n*outH*outW)%m.NBlocks != 0 {
		return errors.Wrapf(core.ErrConfiguration, "max pool nblocks %d must divide %d output sticks", m.NBlocks, n*outH*outW)
	}
	return nil
}

func (m MaxPool) ComputeOutputShapes(inputs []*tensor.Tensor) ([]core.Shape, error) {
	shape := inputs[0].Shape()
	n, err := m.batch(shape)
	if err != nil {
		return nil, err
	}
	outH, outW := m.OutputHW()
	sticks := CeilMultipleOf(n*outH*outW, core.TileHeight)
	return []core.Shape{{1, 1, int(sticks), shape[3]}}, nil
}

func (m MaxPool) CreateOutputTensors(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	shapes, err := m.ComputeOutputShapes(inputs)
	if err != nil {
		return nil, err
	}
	in := inputs[0]
	out, err := tensor.New(in.Device(), shapes[0], in.DType(), tensor.RowMajor)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}

func (m MaxPool) CreateProgram(inputs, outputs []*tensor.Tensor) (*ops.ProgramWithCallbacks, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, errors.Wrapf(core.ErrConfiguration, "max pool takes one input and one output, got %d and %d", len(inputs), len(outputs))
	}
	if m.UseMultiCore {
		return m.buildMultiCore(inputs[0], outputs[0])
	}
	return m.buildSingleCore(inputs[0], outputs[0])
}
