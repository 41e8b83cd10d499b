// Package program builds device programs: the circular buffers and kernels
// placed on a set of cores, plus the per-core runtime arguments those kernels
// read when the program is dispatched.
//
// A Program is an arena. Circular buffers and kernels live inside it and are
// referred to by index; they are released together with the Program.
package program

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/djeday123/gometal/core"
)

// Target is the device a program is built for.
type Target interface {
	ComputeGrid() core.CoreCoord
	L1Capacity() uint32
}

// KernelID indexes a kernel inside its Program.
type KernelID int

// CBID indexes a circular buffer inside its Program.
type CBID int

// Program is one unit of device work.
type Program struct {
	target  Target
	cbs     []*CircularBuffer
	kernels []*Kernel
	l1      map[core.CoreCoord]uint32 // circular buffer bytes per core
	sealed  bool
}

// New returns an empty program for target.
func New(target Target) *Program {
	return &Program{
		target: target,
		l1:     make(map[core.CoreCoord]uint32),
	}
}

func (p *Program) Target() Target { return p.target }

// Seal freezes the program topology. Runtime arguments stay writable.
func (p *Program) Seal() { p.sealed = true }

func (p *Program) Sealed() bool { return p.sealed }

func (p *Program) checkOpen(what string) error {
	if p.sealed {
		return errors.Wrapf(core.ErrConfiguration, "cannot add %s to a sealed program", what)
	}
	return nil
}

// checkCores rejects empty or overlapping core sets and sets that leave grid.
func checkCores(cores core.CoreRangeSet, grid core.CoreCoord) error {
	if cores.NumCores() == 0 {
		return errors.Wrap(core.ErrConfiguration, "no cores")
	}
	if err := cores.Validate(); err != nil {
		return err
	}
	if !cores.Within(grid) {
		return errors.Wrapf(core.ErrConfiguration, "cores %s outside grid %s", cores, grid)
	}
	return nil
}

// Kernels returns the kernels in creation order.
func (p *Program) Kernels() []*Kernel {
	return append([]*Kernel(nil), p.kernels...)
}

// Kernel returns the kernel with the given id.
func (p *Program) Kernel(id KernelID) (*Kernel, error) {
	if int(id) < 0 || int(id) >= len(p.kernels) {
		return nil, errors.Wrapf(core.ErrConfiguration, "kernel %d not in program", id)
	}
	return p.kernels[id], nil
}

// CircularBuffers returns the circular buffers in creation order.
func (p *Program) CircularBuffers() []*CircularBuffer {
	return append([]*CircularBuffer(nil), p.cbs...)
}

// CircularBuffersOn returns the circular buffers placed on core.
func (p *Program) CircularBuffersOn(c core.CoreCoord) []*CircularBuffer {
	var out []*CircularBuffer
	for _, cb := range p.cbs {
		if cb.cores.Contains(c) {
			out = append(out, cb)
		}
	}
	return out
}

// L1Usage returns the circular buffer bytes reserved on core.
func (p *Program) L1Usage(c core.CoreCoord) uint32 {
	return p.l1[c]
}

// LogicalCores returns every core that runs at least one kernel, sorted by
// (y, x).
func (p *Program) LogicalCores() []core.CoreCoord {
	seen := make(map[core.CoreCoord]bool)
	var out []core.CoreCoord
	for _, k := range p.kernels {
		for _, c := range k.cores.Cores() {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// SetRuntimeArgs replaces the runtime arguments of kernel id on core.
func (p *Program) SetRuntimeArgs(id KernelID, c core.CoreCoord, args []uint32) error {
	k, err := p.Kernel(id)
	if err != nil {
		return err
	}
	return k.setRuntimeArgs(c, args)
}

// GetRuntimeArgs returns a copy of the runtime arguments of kernel id on core.
func (p *Program) GetRuntimeArgs(id KernelID, c core.CoreCoord) ([]uint32, error) {
	k, err := p.Kernel(id)
	if err != nil {
		return nil, err
	}
	return k.RuntimeArgs(c)
}

// Describe renders the program topology and arguments for humans.
func (p *Program) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "program: %d circular buffers, %d kernels, %d cores\n",
		len(p.cbs), len(p.kernels), len(p.LogicalCores()))
	for _, cb := range p.cbs {
		fmt.Fprintf(&sb, "  cb[%d] on %s: %d tiles x %d B (%s) = %d B\n",
			cb.index, cb.cores, cb.numTiles, cb.pageSize, cb.format, cb.TotalSize())
	}
	for _, k := range p.kernels {
		fmt.Fprintf(&sb, "  kernel %d %s [%s] on %s\n", k.id, k.source, k.Processor(), k.cores)
		if len(k.compileArgs) > 0 {
			fmt.Fprintf(&sb, "    compile args: %v\n", k.compileArgs)
		}
		for _, name := range k.defineNames() {
			fmt.Fprintf(&sb, "    define %s=%s\n", name, k.defines[name])
		}
		for _, c := range k.cores.Cores() {
			if args, ok := k.runtimeArgs[c]; ok {
				fmt.Fprintf(&sb, "    %s runtime args: %v\n", c, args)
			}
		}
	}
	return sb.String()
}
