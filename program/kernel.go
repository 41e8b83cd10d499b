package program

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/djeday123/gometal/core"
)

// MaxRuntimeArgs is the per-core runtime argument limit of one kernel.
const MaxRuntimeArgs = 255

// KernelSource names a compiled kernel artifact. Resolution to a binary is
// done by the device toolchain.
type KernelSource string

// Path returns the conventional source path for display.
func (s KernelSource) Path() string {
	return "kernels/" + string(s) + ".cpp"
}

// KernelKind separates data-movement kernels from compute kernels.
type KernelKind uint8

const (
	DataMovement KernelKind = iota
	Compute
)

// Processor is the RISC-V core a data-movement kernel runs on.
type Processor uint8

const (
	RISCV0 Processor = iota // usually the writer
	RISCV1                  // usually the reader
)

// NOC selects the network-on-chip a data-movement kernel issues requests on.
type NOC uint8

const (
	NOC0 NOC = iota // RISCV_0 default
	NOC1            // RISCV_1 default
)

// DefaultNOC returns the NOC paired with a processor.
func DefaultNOC(p Processor) NOC {
	if p == RISCV1 {
		return NOC1
	}
	return NOC0
}

// MathFidelity trades accuracy for throughput in the math engine.
type MathFidelity uint8

const (
	LoFi MathFidelity = iota
	HiFi2
	HiFi3
	HiFi4
)

func (m MathFidelity) String() string {
	names := [...]string{"LoFi", "HiFi2", "HiFi3", "HiFi4"}
	if int(m) < len(names) {
		return names[m]
	}
	return fmt.Sprintf("fidelity(%d)", m)
}

// DataMovementConfig configures a reader or writer kernel.
type DataMovementConfig struct {
	Processor   Processor
	NOC         NOC
	CompileArgs []uint32
	Defines     map[string]string
}

// ComputeConfig configures a compute kernel. Compile args are baked into the
// binary and cannot change once the program is built.
type ComputeConfig struct {
	MathFidelity   MathFidelity
	Fp32DestAccEn  bool
	MathApproxMode bool
	CompileArgs    []uint32
	Defines        map[string]string
}

// Kernel is a kernel bound to a set of cores inside a Program.
type Kernel struct {
	id          KernelID
	source      KernelSource
	kind        KernelKind
	cores       core.CoreRangeSet
	dm          DataMovementConfig
	compute     ComputeConfig
	compileArgs []uint32
	defines     map[string]string
	runtimeArgs map[core.CoreCoord][]uint32
	program     *Program
}

func (k *Kernel) ID() KernelID             { return k.id }
func (k *Kernel) Source() KernelSource     { return k.source }
func (k *Kernel) Kind() KernelKind         { return k.kind }
func (k *Kernel) Cores() core.CoreRangeSet { return k.cores }

// CompileArgs returns a copy of the compile-time arguments.
func (k *Kernel) CompileArgs() []uint32 {
	return append([]uint32(nil), k.compileArgs...)
}

// Defines returns a copy of the preprocessor defines.
func (k *Kernel) Defines() map[string]string {
	out := make(map[string]string, len(k.defines))
	for name, v := range k.defines {
		out[name] = v
	}
	return out
}

// AddDefines merges defines into the kernel. Existing names are overwritten.
// Defines are compile-time, so this fails once the program is sealed.
func (k *Kernel) AddDefines(defines map[string]string) error {
	if err := k.program.checkOpen("defines"); err != nil {
		return errors.Wrapf(err, "kernel %d (%s)", k.id, k.source)
	}
	for name, v := range defines {
		k.defines[name] = v
	}
	return nil
}

// DataMovementConfig returns the data-movement settings; zero for compute kernels.
func (k *Kernel) DataMovementConfig() DataMovementConfig { return k.dm }

// ComputeConfig returns the compute settings; zero for data-movement kernels.
func (k *Kernel) ComputeConfig() ComputeConfig { return k.compute }

// Processor describes the engine the kernel runs on.
func (k *Kernel) Processor() string {
	if k.kind == Compute {
		return fmt.Sprintf("compute %s", k.compute.MathFidelity)
	}
	return fmt.Sprintf("riscv_%d noc_%d", k.dm.Processor, k.dm.NOC)
}

// RuntimeArgs returns a copy of the runtime arguments set for core.
func (k *Kernel) RuntimeArgs(c core.CoreCoord) ([]uint32, error) {
	args, ok := k.runtimeArgs[c]
	if !ok {
		return nil, errors.Wrapf(core.ErrConfiguration, "kernel %d (%s) has no runtime args on core %s", k.id, k.source, c)
	}
	return append([]uint32(nil), args...), nil
}

// HasRuntimeArgs reports whether runtime arguments were set for core.
func (k *Kernel) HasRuntimeArgs(c core.CoreCoord) bool {
	_, ok := k.runtimeArgs[c]
	return ok
}

func (k *Kernel) setRuntimeArgs(c core.CoreCoord, args []uint32) error {
	if !k.cores.Contains(c) {
		return errors.Wrapf(core.ErrConfiguration, "kernel %d (%s) is not placed on core %s", k.id, k.source, c)
	}
	if len(args) > MaxRuntimeArgs {
		return errors.Wrapf(core.ErrConfiguration, "kernel %d (%s): %d runtime args exceed %d", k.id, k.source, len(args), MaxRuntimeArgs)
	}
	k.runtimeArgs[c] = append([]uint32(nil), args...)
	klog.V(4).Infof("program: kernel %d %s runtime args on %s = %v", k.id, k.source, c, args)
	return nil
}

func (k *Kernel) defineNames() []string {
	names := make([]string, 0, len(k.defines))
	for name := range k.defines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Program) addKernel(k *Kernel) (KernelID, error) {
	if err := p.checkOpen("kernel"); err != nil {
		return 0, err
	}
	if err := checkCores(k.cores, p.target.ComputeGrid()); err != nil {
		return 0, errors.Wrapf(err, "kernel %s", k.source)
	}
	for _, other := range p.kernels {
		if other.slot() == k.slot() && other.cores.Overlaps(k.cores) {
			return 0, errors.Wrapf(core.ErrConfiguration, "kernel %s: %s on %s already runs %s",
				k.source, k.slot(), k.cores, other.source)
		}
	}
	k.id = KernelID(len(p.kernels))
	k.program = p
	k.runtimeArgs = make(map[core.CoreCoord][]uint32)
	if k.defines == nil {
		k.defines = make(map[string]string)
	}
	p.kernels = append(p.kernels, k)
	klog.V(3).Infof("program: kernel %d %s [%s] on %s", k.id, k.source, k.Processor(), k.cores)
	return k.id, nil
}

// CreateDataMovementKernel binds a reader or writer kernel to cores.
func CreateDataMovementKernel(p *Program, src KernelSource, cores core.CoreRangeSet, cfg DataMovementConfig) (KernelID, error) {
	k := &Kernel{
		source:      src,
		kind:        DataMovement,
		cores:       append(core.CoreRangeSet(nil), cores...),
		dm:          cfg,
		compileArgs: append([]uint32(nil), cfg.CompileArgs...),
		defines:     copyDefines(cfg.Defines),
	}
	return p.addKernel(k)
}

// CreateComputeKernel binds a compute kernel to cores.
func CreateComputeKernel(p *Program, src KernelSource, cores core.CoreRangeSet, cfg ComputeConfig) (KernelID, error) {
	k := &Kernel{
		source:      src,
		kind:        Compute,
		cores:       append(core.CoreRangeSet(nil), cores...),
		compute:     cfg,
		compileArgs: append([]uint32(nil), cfg.CompileArgs...),
		defines:     copyDefines(cfg.Defines),
	}
	return p.addKernel(k)
}

// slot names the engine of a core a kernel occupies. Each core runs at most
// one kernel per slot.
func (k *Kernel) slot() string {
	if k.kind == Compute {
		return "compute"
	}
	return fmt.Sprintf("riscv_%d", k.dm.Processor)
}

func copyDefines(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for name, v := range in {
		out[name] = v
	}
	return out
}
