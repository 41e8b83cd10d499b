// Package ops defines the contract shared by device operators: validation,
// output shapes, program construction and the rebinding of cached programs to
// new buffers.
package ops

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/djeday123/gometal/backend"
	"github.com/djeday123/gometal/core"
	"github.com/djeday123/gometal/program"
	"github.com/djeday123/gometal/tensor"
)

// Attribute is one named operator parameter. Attributes identify an operator
// configuration for program caching.
type Attribute struct {
	Name  string
	Value string
}

// Attributes is the ordered attribute list of an operator.
type Attributes []Attribute

func (a Attributes) String() string {
	parts := make([]string, len(a))
	for i, attr := range a {
		parts[i] = attr.Name + "=" + attr.Value
	}
	return strings.Join(parts, ",")
}

// Attr builds an Attribute from any printable value.
func Attr(name string, v any) Attribute {
	return Attribute{Name: name, Value: fmt.Sprint(v)}
}

// Operation is a device operator.
type Operation interface {
	Name() string
	Validate(inputs []*tensor.Tensor) error
	ComputeOutputShapes(inputs []*tensor.Tensor) ([]core.Shape, error)
	CreateOutputTensors(inputs []*tensor.Tensor) ([]*tensor.Tensor, error)
	CreateProgram(inputs, outputs []*tensor.Tensor) (*ProgramWithCallbacks, error)
	Attributes() Attributes
}

// Rebinder points a built program at new input and output buffers.
type Rebinder interface {
	Rebind(inputs, outputs []backend.Buffer) error
}

// ProgramWithCallbacks is a built program and the rebinder that lets it be
// replayed against other buffers of the same shape.
type ProgramWithCallbacks struct {
	Program  *program.Program
	Rebinder Rebinder
}

// AddressRebinder patches the buffer address held in runtime argument 0 of a
// reader and a writer kernel. Every other argument is left untouched.
type AddressRebinder struct {
	Reader program.KernelID
	Writer program.KernelID
	Cores  []core.CoreCoord

	program *program.Program
}

// NewAddressRebinder returns a rebinder for reader and writer on cores of p.
func NewAddressRebinder(p *program.Program, reader, writer program.KernelID, cores []core.CoreCoord) *AddressRebinder {
	return &AddressRebinder{
		Reader:  reader,
		Writer:  writer,
		Cores:   append([]core.CoreCoord(nil), cores...),
		program: p,
	}
}

// Rebind writes inputs[0]'s address into the reader and outputs[0]'s address
// into the writer on every core.
func (r *AddressRebinder) Rebind(inputs, outputs []backend.Buffer) error {
	if len(inputs) == 0 || len(outputs) == 0 {
		return errors.Wrapf(core.ErrConfiguration, "rebind needs an input and an output buffer, got %d and %d", len(inputs), len(outputs))
	}
	if inputs[0] == nil || outputs[0] == nil {
		return errors.Wrap(core.ErrConfiguration, "rebind: nil buffer")
	}
	for _, buf := range []backend.Buffer{inputs[0], outputs[0]} {
		if dev := buf.Device(); dev == nil || program.Target(dev) != r.program.Target() {
			return errors.Wrapf(core.ErrConfiguration, "rebind: buffer at %#x is on %v, program targets another device", buf.Address(), dev)
		}
	}
	src, dst := inputs[0].Address(), outputs[0].Address()
	for _, c := range r.Cores {
		if err := patchAddress(r.program, r.Reader, c, src); err != nil {
			return err
		}
		if err := patchAddress(r.program, r.Writer, c, dst); err != nil {
			return err
		}
	}
	klog.V(4).Infof("rebind: %d cores src=%#x dst=%#x", len(r.Cores), src, dst)
	return nil
}

func patchAddress(p *program.Program, id program.KernelID, c core.CoreCoord, addr uint32) error {
	args, err := p.GetRuntimeArgs(id, c)
	if err != nil {
		return errors.Wrap(err, "rebind")
	}
	args[0] = addr
	return p.SetRuntimeArgs(id, c, args)
}

// Run validates op against inputs, allocates its outputs and builds its
// program.
func Run(op Operation, inputs []*tensor.Tensor) (*ProgramWithCallbacks, []*tensor.Tensor, error) {
	if err := op.Validate(inputs); err != nil {
		return nil, nil, errors.Wrapf(err, "%s", op.Name())
	}
	outputs, err := op.CreateOutputTensors(inputs)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: output tensors", op.Name())
	}
	pwc, err := op.CreateProgram(inputs, outputs)
	if err != nil {
		for _, out := range outputs {
			out.Free()
		}
		return nil, nil, errors.Wrapf(err, "%s: program", op.Name())
	}
	return pwc, outputs, nil
}

// Buffers returns the device buffers of tensors in order.
func Buffers(ts []*tensor.Tensor) []backend.Buffer {
	out := make([]backend.Buffer, len(ts))
	for i, t := range ts {
		out[i] = t.Buffer()
	}
	return out
}
