// Package reduce builds device programs that reduce a tiled tensor over its
// H axis, its W axis, or both, with a sum or max and a scale factor.
package reduce

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/djeday123/gometal/core"
	"github.com/djeday123/gometal/ops"
	"github.com/djeday123/gometal/tensor"
)

// Math is the reduction applied to each group of elements.
type Math uint8

const (
	Sum Math = iota
	Max
	numMath
)

func (m Math) String() string {
	switch m {
	case Sum:
		return "sum"
	case Max:
		return "max"
	}
	return fmt.Sprintf("math(%d)", m)
}

// Dim is the set of axes a reduction collapses.
type Dim uint8

const (
	H Dim = iota
	W
	HW
	numDim
)

func (d Dim) String() string {
	switch d {
	case H:
		return "H"
	case W:
		return "W"
	case HW:
		return "HW"
	}
	return fmt.Sprintf("dim(%d)", d)
}

// ParseMath maps "sum" or "max" to a Math.
func ParseMath(name string) (Math, error) {
	for m := Sum; m < numMath; m++ {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, errors.Wrapf(core.ErrConfiguration, "unknown reduce math %q", name)
}

// ParseDim maps "H", "W" or "HW" to a Dim.
func ParseDim(name string) (Dim, error) {
	for d := H; d < numDim; d++ {
		if d.String() == name {
			return d, nil
		}
	}
	return 0, errors.Wrapf(core.ErrConfiguration, "unknown reduce dim %q", name)
}

// Strategy chooses between the single-core and multi-core builders.
type Strategy uint8

const (
	Auto Strategy = iota
	SingleCore
	MultiCore
)

func (s Strategy) String() string {
	names := [...]string{"auto", "single_core", "multi_core"}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("strategy(%d)", s)
}

// ParseStrategy maps a strategy name to its value.
func ParseStrategy(name string) (Strategy, error) {
	for s := Auto; s <= MultiCore; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, errors.Wrapf(core.ErrConfiguration, "unknown strategy %q", name)
}

// Reduce is the reduction operator.
type Reduce struct {
	Math     Math
	Dim      Dim
	Scaler   float32
	Strategy Strategy
}

var _ ops.Operation = Reduce{}

func (r Reduce) Name() string { return "reduce" }

func (r Reduce) Attributes() ops.Attributes {
	return ops.Attributes{
		ops.Attr("math", r.Math),
		ops.Attr("dim", r.Dim),
		ops.Attr("scaler", fmt.Sprintf("%#08x", core.Float32Bits(r.Scaler))),
		ops.Attr("strategy", r.Strategy),
	}
}

func (r Reduce) Validate(inputs []*tensor.Tensor) error {
	if len(inputs) != 1 {
		return errors.Wrapf(core.ErrConfiguration, "reduce takes one input, got %d", len(inputs))
	}
	in := inputs[0]
	if in.Layout() != tensor.TileLayout {
		return errors.Wrapf(core.ErrConfiguration, "reduce input must be tiled, got %s", in.Layout())
	}
	if in.Device() == nil || in.Buffer() == nil {
		return errors.Wrap(core.ErrConfiguration, "reduce input is not on a device")
	}
	if r.Strategy > MultiCore {
		return errors.Wrapf(core.ErrConfiguration, "unknown reduce %s", r.Strategy)
	}
	if _, err := core.ComputeTileGeometry(in.Shape()); err != nil {
		return err
	}
	_, err := selectKernels(r.Math, r.Dim)
	return err
}

func (r Reduce) ComputeOutputShapes(inputs []*tensor.Tensor) ([]core.Shape, error) {
	n, c, h, w, err := inputs[0].Shape().Dims4()
	if err != nil {
		return nil, err
	}
	switch r.Dim {
	case H:
		h = core.TileHeight
	case W:
		w = core.TileWidth
	case HW:
		h, w = core.TileHeight, core.TileWidth
	default:
		return nil, errors.Wrapf(core.ErrConfiguration, "unsupported reduce dim %s", r.Dim)
	}
	return []core.Shape{{n, c, h, w}}, nil
}

func (r Reduce) CreateOutputTensors(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	shapes, err := r.ComputeOutputShapes(inputs)
	if err != nil {
		return nil, err
	}
	in := inputs[0]
	out, err := tensor.New(in.Device(), shapes[0], in.DType(), tensor.TileLayout)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}

func (r Reduce) CreateProgram(inputs, outputs []*tensor.Tensor) (*ops.ProgramWithCallbacks, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, errors.Wrapf(core.ErrConfiguration, "reduce takes one input and one output, got %d and %d", len(inputs), len(outputs))
	}
	if r.strategyFor(inputs[0]) == MultiCore {
		return BuildProgramMultiCore(inputs[0], outputs[0], r.Math, r.Dim, r.Scaler)
	}
	return BuildProgram(inputs[0], outputs[0], r.Math, r.Dim, r.Scaler)
}

// strategyFor resolves Auto: use many cores when there is more than one
// output tile to hand out and more than one core to hand it to.
func (r Reduce) strategyFor(in *tensor.Tensor) Strategy {
	if r.Strategy != Auto {
		return r.Strategy
	}
	g, err := core.ComputeTileGeometry(in.Shape())
	if err != nil || r.Dim >= numDim {
		return SingleCore
	}
	grid := in.Device().ComputeGrid()
	if grid.X*grid.Y > 1 && g.TotalTiles/outDimDivider(r.Dim, g) > 1 {
		return MultiCore
	}
	return SingleCore
}
