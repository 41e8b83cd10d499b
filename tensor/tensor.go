package tensor

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/djeday123/gometal/backend"
)

// Layout is the memory arrangement of tensor data on the device.
type Layout uint8

const (
	TileLayout Layout = iota // 32x32 tiles, row-major within and across tiles
	RowMajor                 // one stick per row of the innermost dimension
)

func (l Layout) String() string {
	if l == RowMajor {
		return "row_major"
	}
	return "tile"
}

// Tensor is a device-resident tensor as seen by program construction: a
// shape, a dtype, a layout and the device buffer that holds its data.
// Program builders read these attributes and the buffer address only.
type Tensor struct {
	shape  Shape
	dtype  DType
	layout Layout
	device *backend.Device
	buffer backend.Buffer
}

// ---- Constructors ----

// New allocates a device buffer large enough for shape and wraps it.
func New(dev *backend.Device, shape Shape, dtype DType, layout Layout) (*Tensor, error) {
	if dev == nil {
		return nil, errors.New("tensor: nil device")
	}
	buf, err := dev.AllocateBuffer(ByteSize(shape, dtype, layout))
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %v %s", shape, dtype)
	}
	return &Tensor{shape: shape.Clone(), dtype: dtype, layout: layout, device: dev, buffer: buf}, nil
}

// ByteSize returns the device bytes needed for a tensor. Tiled tensors are
// sized in whole tiles so block-float exponents are included.
func ByteSize(shape Shape, dtype DType, layout Layout) int {
	n := shape.NumElements()
	if layout == TileLayout {
		tiles := (n + TileHW - 1) / TileHW
		return tiles * TileSize(DataFormatFor(dtype))
	}
	return n * dtype.Size()
}

// ---- Accessors ----

func (t *Tensor) Shape() Shape            { return t.shape }
func (t *Tensor) DType() DType            { return t.dtype }
func (t *Tensor) Layout() Layout          { return t.layout }
func (t *Tensor) NDim() int               { return len(t.shape) }
func (t *Tensor) Volume() int             { return t.shape.NumElements() }
func (t *Tensor) Device() *backend.Device { return t.device }
func (t *Tensor) Buffer() backend.Buffer  { return t.buffer }

// Free releases the underlying buffer.
func (t *Tensor) Free() {
	if t.buffer != nil {
		t.buffer.Free()
		t.buffer = nil
	}
}

func (t *Tensor) String() string {
	addr := "unallocated"
	if t.buffer != nil {
		addr = fmt.Sprintf("%#x", t.buffer.Address())
	}
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, layout=%s, device=%s, addr=%s)",
		t.shape, t.dtype, t.layout, t.device, addr)
}
