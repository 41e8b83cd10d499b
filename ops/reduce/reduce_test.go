package reduce

import (
	"errors"
	"math"
	"testing"

	"github.com/djeday123/gometal/backend"
	"github.com/djeday123/gometal/core"
	"github.com/djeday123/gometal/ops"
	"github.com/djeday123/gometal/program"
	"github.com/djeday123/gometal/tensor"
)

func newDevice(t *testing.T, grid core.CoreCoord) *backend.Device {
	t.Helper()
	spec, err := backend.Lookup(backend.WormholeB0)
	if err != nil {
		t.Fatal(err)
	}
	spec.ComputeGrid = grid
	dev, err := backend.NewDevice(0, spec)
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

func newInput(t *testing.T, dev *backend.Device, shape core.Shape) *tensor.Tensor {
	t.Helper()
	x, err := tensor.New(dev, shape, tensor.BFloat16, tensor.TileLayout)
	if err != nil {
		t.Fatalf("tensor.New(%v) failed: %v", shape, err)
	}
	return x
}

func newOutput(t *testing.T, op Reduce, in *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	outs, err := op.CreateOutputTensors([]*tensor.Tensor{in})
	if err != nil {
		t.Fatalf("CreateOutputTensors() failed: %v", err)
	}
	return outs[0]
}

// kernelsOn counts readers, writers and compute kernels placed on c.
func kernelsOn(p *program.Program, c core.CoreCoord) (readers, writers, computes int) {
	for _, k := range p.Kernels() {
		if !k.Cores().Contains(c) {
			continue
		}
		switch {
		case k.Kind() == program.Compute:
			computes++
		case k.DataMovementConfig().Processor == program.RISCV1:
			readers++
		default:
			writers++
		}
	}
	return
}

func TestBuildProgramSingleCore(t *testing.T) {
	dev := newDevice(t, core.CoreCoord{X: 8, Y: 8})
	shape := core.Shape{2, 3, 64, 96} // NC=6 Ht=2 Wt=3, 36 tiles
	in := newInput(t, dev, shape)

	tests := []struct {
		dim        Dim
		reader     program.KernelSource
		compute    program.KernelSource
		reduceDim  string
		outTiles   uint32
		scalerBits uint32
	}{
		{H, readerTransposeWH, computeReduceH, "ReduceDim::REDUCE_COL", 18, core.Float32Bits(0.25)},
		{W, readerReduce, computeReduceW, "ReduceDim::REDUCE_ROW", 12, core.Float32Bits(0.25)},
		{HW, readerReduce, computeReduceHW, "ReduceDim::REDUCE_SCALAR", 6, core.Float32Bits(0.5)},
	}
	for _, tt := range tests {
		op := Reduce{Math: Sum, Dim: tt.dim, Scaler: 0.25, Strategy: SingleCore}
		out := newOutput(t, op, in)
		pwc, err := BuildProgram(in, out, Sum, tt.dim, 0.25)
		if err != nil {
			t.Fatalf("%s: BuildProgram() failed: %v", tt.dim, err)
		}
		p := pwc.Program
		origin := core.CoreCoord{}

		if r, w, c := kernelsOn(p, origin); r != 1 || w != 1 || c != 1 {
			t.Errorf("%s: kernels on core = %d readers, %d writers, %d compute", tt.dim, r, w, c)
		}
		if got := p.LogicalCores(); len(got) != 1 || got[0] != origin {
			t.Errorf("%s: logical cores = %v", tt.dim, got)
		}

		cbs := p.CircularBuffersOn(origin)
		if len(cbs) != 3 {
			t.Fatalf("%s: %d circular buffers, want 3", tt.dim, len(cbs))
		}
		for i, idx := range []uint8{program.CBIn0, program.CBIn2, program.CBOut0} {
			if cbs[i].Index() != idx || cbs[i].NumTiles() != 2 || cbs[i].PageSize() != 2048 {
				t.Errorf("%s: cb %d = index %d, %d x %d", tt.dim, i, cbs[i].Index(), cbs[i].NumTiles(), cbs[i].PageSize())
			}
		}

		kernels := p.Kernels()
		if kernels[0].Source() != tt.reader {
			t.Errorf("%s: reader = %s, want %s", tt.dim, kernels[0].Source(), tt.reader)
		}
		if kernels[1].Source() != writerUnary {
			t.Errorf("%s: writer = %s", tt.dim, kernels[1].Source())
		}
		compute := kernels[2]
		if compute.Source() != tt.compute {
			t.Errorf("%s: compute = %s, want %s", tt.dim, compute.Source(), tt.compute)
		}
		defs := compute.Defines()
		if defs["REDUCE_OP"] != "PoolType::SUM" || defs["REDUCE_DIM"] != tt.reduceDim {
			t.Errorf("%s: defines = %v", tt.dim, defs)
		}
		cfg := compute.ComputeConfig()
		if cfg.MathFidelity != program.HiFi4 || cfg.Fp32DestAccEn || cfg.MathApproxMode {
			t.Errorf("%s: compute config = %+v", tt.dim, cfg)
		}
		wantCompile := []uint32{tt.scalerBits, 2, 3, 6}
		assertArgs(t, tt.dim.String()+" compile args", compute.CompileArgs(), wantCompile)

		readerArgs, _ := p.GetRuntimeArgs(kernels[0].ID(), origin)
		wantReader := []uint32{in.Buffer().Address(), 0, 0, 36, 6, 2, 3, 6, tt.scalerBits}
		assertArgs(t, tt.dim.String()+" reader args", readerArgs, wantReader)

		writerArgs, _ := p.GetRuntimeArgs(kernels[1].ID(), origin)
		wantWriter := []uint32{out.Buffer().Address(), 0, 0, tt.outTiles}
		assertArgs(t, tt.dim.String()+" writer args", writerArgs, wantWriter)

		if !p.Sealed() {
			t.Errorf("%s: program not sealed", tt.dim)
		}
		out.Free()
	}
}

func assertArgs(t *testing.T, what string, got, want []uint32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s = %v, want %v", what, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s[%d] = %#x, want %#x (full %v)", what, i, got[i], want[i], got)
		}
	}
}

func TestEncodeScaler(t *testing.T) {
	for _, s := range []float32{1, 0.5, 1.0 / 1024, 3} {
		if got, want := encodeScaler(HW, s), math.Float32bits(float32(math.Sqrt(float64(s)))); got != want {
			t.Errorf("encodeScaler(HW, %v) = %#x, want %#x", s, got, want)
		}
		for _, d := range []Dim{H, W} {
			if got := encodeScaler(d, s); got != math.Float32bits(s) {
				t.Errorf("encodeScaler(%s, %v) = %#x, want %#x", d, s, got, math.Float32bits(s))
			}
		}
	}
}

func TestOutputTileCount(t *testing.T) {
	g, err := core.ComputeTileGeometry(core.Shape{1, 2, 128, 64}) // Ht=4 Wt=2 NC=2, 16 tiles
	if err != nil {
		t.Fatal(err)
	}
	tests := map[Dim]uint32{H: 16 / 4, W: 16 / 2, HW: 16 / 8}
	for d, want := range tests {
		if got := newArgPlan(g, d, 1).outputTiles(); got != want {
			t.Errorf("output tiles for %s = %d, want %d", d, got, want)
		}
	}
}

func TestOutDimDividerPanicsOnUnknownDim(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("outDimDivider did not panic")
		}
	}()
	outDimDivider(Dim(7), core.TileGeometry{Ht: 1, Wt: 1})
}

func TestBuildProgramRejectsUnalignedShape(t *testing.T) {
	dev := newDevice(t, core.CoreCoord{X: 1, Y: 1})
	in := newInput(t, dev, core.Shape{1, 1, 17, 32})
	out := newInput(t, dev, core.Shape{1, 1, 32, 32})

	pwc, err := BuildProgram(in, out, Sum, W, 1)
	if !errors.Is(err, core.ErrShape) || pwc != nil {
		t.Errorf("BuildProgram() = %v, %v, want nil and ErrShape", pwc, err)
	}
	pwc, err = BuildProgramMultiCore(in, out, Sum, W, 1)
	if !errors.Is(err, core.ErrShape) || pwc != nil {
		t.Errorf("BuildProgramMultiCore() = %v, %v, want nil and ErrShape", pwc, err)
	}
}

func TestBuildProgramRejectsUnknownDim(t *testing.T) {
	dev := newDevice(t, core.CoreCoord{X: 1, Y: 1})
	in := newInput(t, dev, core.Shape{1, 1, 32, 32})
	out := newInput(t, dev, core.Shape{1, 1, 32, 32})

	pwc, err := BuildProgram(in, out, Sum, Dim(9), 1)
	if !errors.Is(err, core.ErrConfiguration) || pwc != nil {
		t.Errorf("BuildProgram() = %v, %v, want nil and ErrConfiguration", pwc, err)
	}
	if _, err := BuildProgram(in, out, Math(5), W, 1); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("unknown math error = %v", err)
	}
}

func TestRebindOnlyPatchesAddresses(t *testing.T) {
	dev := newDevice(t, core.CoreCoord{X: 8, Y: 8})
	for _, build := range []func(in, out *tensor.Tensor, m Math, d Dim, s float32) (*ops.ProgramWithCallbacks, error){
		BuildProgram, BuildProgramMultiCore,
	} {
		op := Reduce{Math: Max, Dim: W, Scaler: 1}
		in := newInput(t, dev, core.Shape{1, 2, 128, 64})
		out := newOutput(t, op, in)
		pwc, err := build(in, out, Max, W, 1)
		if err != nil {
			t.Fatal(err)
		}
		p := pwc.Program
		before := snapshot(t, p)

		in2 := newInput(t, dev, core.Shape{1, 2, 128, 64})
		out2 := newOutput(t, op, in2)
		if in2.Buffer().Address() == in.Buffer().Address() {
			t.Fatal("test needs distinct buffers")
		}
		for i := 0; i < 2; i++ {
			if err := pwc.Rebinder.Rebind(ops.Buffers([]*tensor.Tensor{in2}), ops.Buffers([]*tensor.Tensor{out2})); err != nil {
				t.Fatalf("Rebind() failed: %v", err)
			}
		}
		after := snapshot(t, p)

		kernels := p.Kernels()
		for key, args := range before {
			got := after[key]
			for i := range args {
				want := args[i]
				if i == 0 && kernels[key.id].Kind() == program.DataMovement {
					want = out2.Buffer().Address()
					if kernels[key.id].DataMovementConfig().Processor == program.RISCV1 {
						want = in2.Buffer().Address()
					}
				}
				if got[i] != want {
					t.Errorf("kernel %d core %s arg %d = %#x, want %#x", key.id, key.core, i, got[i], want)
				}
			}
		}
		for _, k := range kernels {
			if k.Kind() == program.Compute && len(k.CompileArgs()) != 4 {
				t.Errorf("compute args changed: %v", k.CompileArgs())
			}
		}

		if err := pwc.Rebinder.Rebind(nil, ops.Buffers([]*tensor.Tensor{out2})); !errors.Is(err, core.ErrConfiguration) {
			t.Errorf("Rebind() without inputs error = %v", err)
		}
	}
}

type argKey struct {
	id   program.KernelID
	core core.CoreCoord
}

func snapshot(t *testing.T, p *program.Program) map[argKey][]uint32 {
	t.Helper()
	out := make(map[argKey][]uint32)
	for _, k := range p.Kernels() {
		for _, c := range k.Cores().Cores() {
			if !k.HasRuntimeArgs(c) {
				continue
			}
			args, err := k.RuntimeArgs(c)
			if err != nil {
				t.Fatal(err)
			}
			out[argKey{k.ID(), c}] = args
		}
	}
	return out
}

func TestBuildProgramMultiCore(t *testing.T) {
	dev := newDevice(t, core.CoreCoord{X: 8, Y: 1})
	in := newInput(t, dev, core.Shape{1, 1, 37 * 32, 64}) // Ht=37 Wt=2: 37 output rows
	op := Reduce{Math: Sum, Dim: W, Scaler: 2}
	out := newOutput(t, op, in)

	pwc, err := BuildProgramMultiCore(in, out, Sum, W, 2)
	if err != nil {
		t.Fatalf("BuildProgramMultiCore() failed: %v", err)
	}
	p := pwc.Program
	cores := p.LogicalCores()
	if len(cores) != 8 {
		t.Fatalf("logical cores = %v, want 8", cores)
	}

	var computes []*program.Kernel
	var reader, writer program.KernelID
	for _, k := range p.Kernels() {
		switch {
		case k.Kind() == program.Compute:
			computes = append(computes, k)
		case k.DataMovementConfig().Processor == program.RISCV1:
			reader = k.ID()
			if k.Source() != readerReduceStartID {
				t.Errorf("reader source = %s", k.Source())
			}
		default:
			writer = k.ID()
		}
	}
	if len(computes) != 2 {
		t.Fatalf("%d compute kernels, want one per core group", len(computes))
	}
	scaler := core.Float32Bits(2)
	assertArgs(t, "group1 compile args", computes[0].CompileArgs(), []uint32{scaler, 5, 2, 1})
	assertArgs(t, "group2 compile args", computes[1].CompileArgs(), []uint32{scaler, 4, 2, 1})

	var nextRow uint32
	for i, c := range cores {
		if r, w, k := kernelsOn(p, c); r != 1 || w != 1 || k != 1 {
			t.Errorf("core %s: %d readers, %d writers, %d compute", c, r, w, k)
		}
		rows := uint32(4)
		if i < 5 {
			rows = 5
		}
		readerArgs, _ := p.GetRuntimeArgs(reader, c)
		assertArgs(t, "reader args", readerArgs, []uint32{in.Buffer().Address(), 0, 0, rows * 2, 1, 37, 2, 74, scaler, nextRow * 2})
		writerArgs, _ := p.GetRuntimeArgs(writer, c)
		assertArgs(t, "writer args", writerArgs, []uint32{out.Buffer().Address(), 0, 0, rows, nextRow})
		nextRow += rows
	}
	if nextRow != 37 {
		t.Errorf("cores cover %d rows, want 37", nextRow)
	}
}

func TestBuildProgramMultiCoreHAndHW(t *testing.T) {
	tests := []struct {
		name         string
		dim          Dim
		shape        core.Shape
		scaler       float32
		reader       program.KernelSource
		reduceDim    string
		units        []uint32 // output tiles per core, in core order
		groupCompile [2][]uint32
		geom         [4]uint32 // NC, Ht, Wt, Ht*Wt
		divider      uint32
	}{
		{
			// Ht=3 Wt=5: one output tile per column, 5 columns over 4 cores
			name: "H", dim: H, shape: core.Shape{1, 1, 96, 160}, scaler: 2,
			reader: readerTransposeStartID, reduceDim: "ReduceDim::REDUCE_COL",
			units:        []uint32{2, 1, 1, 1},
			groupCompile: [2][]uint32{{core.Float32Bits(2), 3, 2, 1}, {core.Float32Bits(2), 3, 1, 1}},
			geom:         [4]uint32{1, 3, 5, 15},
			divider:      3,
		},
		{
			// NC=6 Ht=2 Wt=3: one output tile per (n, c) plane
			name: "HW", dim: HW, shape: core.Shape{2, 3, 64, 96}, scaler: 4,
			reader: readerReduceStartID, reduceDim: "ReduceDim::REDUCE_SCALAR",
			units:        []uint32{2, 2, 1, 1},
			groupCompile: [2][]uint32{{core.Float32Bits(2), 2, 3, 2}, {core.Float32Bits(2), 2, 3, 1}},
			geom:         [4]uint32{6, 2, 3, 6},
			divider:      6,
		},
	}
	for _, tt := range tests {
		dev := newDevice(t, core.CoreCoord{X: 4, Y: 1})
		in := newInput(t, dev, tt.shape)
		op := Reduce{Math: Max, Dim: tt.dim, Scaler: tt.scaler}
		out := newOutput(t, op, in)

		pwc, err := BuildProgramMultiCore(in, out, Max, tt.dim, tt.scaler)
		if err != nil {
			t.Fatalf("%s: BuildProgramMultiCore() failed: %v", tt.name, err)
		}
		p := pwc.Program

		var computes []*program.Kernel
		var reader, writer program.KernelID
		for _, k := range p.Kernels() {
			switch {
			case k.Kind() == program.Compute:
				computes = append(computes, k)
			case k.DataMovementConfig().Processor == program.RISCV1:
				reader = k.ID()
				if k.Source() != tt.reader {
					t.Errorf("%s: reader source = %s, want %s", tt.name, k.Source(), tt.reader)
				}
			default:
				writer = k.ID()
			}
		}
		if len(computes) != 2 {
			t.Fatalf("%s: %d compute kernels, want 2", tt.name, len(computes))
		}
		for g, k := range computes {
			assertArgs(t, tt.name+" compile args", k.CompileArgs(), tt.groupCompile[g])
			if got := k.Defines()["REDUCE_DIM"]; got != tt.reduceDim {
				t.Errorf("%s: REDUCE_DIM = %s, want %s", tt.name, got, tt.reduceDim)
			}
		}

		cores := p.LogicalCores()
		if len(cores) != len(tt.units) {
			t.Fatalf("%s: %d cores, want %d", tt.name, len(cores), len(tt.units))
		}
		scaler := tt.groupCompile[0][0]
		var start uint32
		for i, c := range cores {
			units := tt.units[i]
			readerArgs, _ := p.GetRuntimeArgs(reader, c)
			assertArgs(t, tt.name+" reader args", readerArgs, []uint32{
				in.Buffer().Address(), 0, 0, units * tt.divider,
				tt.geom[0], tt.geom[1], tt.geom[2], tt.geom[3], scaler,
				start * tt.divider,
			})
			writerArgs, _ := p.GetRuntimeArgs(writer, c)
			assertArgs(t, tt.name+" writer args", writerArgs, []uint32{out.Buffer().Address(), 0, 0, units, start})
			start += units
		}
	}
}

func TestReduceOperation(t *testing.T) {
	dev := newDevice(t, core.CoreCoord{X: 4, Y: 4})
	in := newInput(t, dev, core.Shape{1, 3, 64, 128})
	inputs := []*tensor.Tensor{in}

	shapes := map[Dim]core.Shape{
		H:  {1, 3, 32, 128},
		W:  {1, 3, 64, 32},
		HW: {1, 3, 32, 32},
	}
	for d, want := range shapes {
		got, err := Reduce{Dim: d}.ComputeOutputShapes(inputs)
		if err != nil || !got[0].Equal(want) {
			t.Errorf("output shape for %s = %v, %v, want %v", d, got, err, want)
		}
	}

	if s := (Reduce{Dim: HW}).strategyFor(in); s != MultiCore {
		t.Errorf("auto strategy for 3 output tiles = %s, want multi_core", s)
	}
	small := newInput(t, dev, core.Shape{1, 1, 64, 64})
	if s := (Reduce{Dim: HW}).strategyFor(small); s != SingleCore {
		t.Errorf("auto strategy for 1 output tile = %s, want single_core", s)
	}

	pwc, outs, err := ops.Run(Reduce{Math: Max, Dim: H, Scaler: 1}, inputs)
	if err != nil {
		t.Fatalf("ops.Run() failed: %v", err)
	}
	if pwc.Program == nil || pwc.Rebinder == nil || len(outs) != 1 {
		t.Fatalf("ops.Run() = %+v, %v", pwc, outs)
	}

	rowMajor, err := tensor.New(dev, core.Shape{1, 1, 32, 32}, tensor.BFloat16, tensor.RowMajor)
	if err != nil {
		t.Fatal(err)
	}
	if err := (Reduce{}).Validate([]*tensor.Tensor{rowMajor}); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("row-major input error = %v", err)
	}
	if err := (Reduce{Dim: W, Strategy: MultiCore + 1}).Validate(inputs); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("unknown strategy error = %v, want ErrConfiguration", err)
	}
	if _, _, err := ops.Run(Reduce{Dim: W, Strategy: Strategy(7)}, inputs); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("ops.Run(unknown strategy) = %v, want ErrConfiguration", err)
	}

	a := Reduce{Math: Sum, Dim: W, Scaler: 0.5}.Attributes().String()
	b := Reduce{Math: Sum, Dim: W, Scaler: 0.25}.Attributes().String()
	if a == b {
		t.Errorf("attributes do not distinguish scalers: %s", a)
	}
}

func TestParse(t *testing.T) {
	if m, err := ParseMath("max"); err != nil || m != Max {
		t.Errorf("ParseMath(max) = %v, %v", m, err)
	}
	if d, err := ParseDim("HW"); err != nil || d != HW {
		t.Errorf("ParseDim(HW) = %v, %v", d, err)
	}
	if _, err := ParseDim("C"); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("ParseDim(C) error = %v", err)
	}
	if s, err := ParseStrategy("multi_core"); err != nil || s != MultiCore {
		t.Errorf("ParseStrategy(multi_core) = %v, %v", s, err)
	}
}
