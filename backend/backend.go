package backend

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/djeday123/gometal/core"
)

// Arch identifies a device architecture.
type Arch uint8

const (
	Grayskull Arch = iota
	WormholeB0
)

func (a Arch) String() string {
	names := [...]string{"grayskull", "wormhole_b0"}
	if int(a) < len(names) {
		return names[a]
	}
	return fmt.Sprintf("arch(%d)", a)
}

// ParseArch maps an architecture name to its value.
func ParseArch(name string) (Arch, error) {
	for a := Grayskull; a <= WormholeB0; a++ {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, errors.Wrapf(core.ErrConfiguration, "unknown arch %q", name)
}

// ArchSpec describes the resources of one architecture.
type ArchSpec struct {
	Arch             Arch
	ComputeGrid      core.CoreCoord // logical worker grid size
	L1Size           uint32         // per-core SRAM bytes
	L1UnreservedBase uint32         // first L1 byte usable by circular buffers
	DRAMSize         uint64         // total bytes across all banks
	DRAMBanks        int
	DRAMAlignment    uint32
}

// Registry holds the known architecture specs.
var (
	registryMu sync.RWMutex
	registry   = map[Arch]ArchSpec{}
)

func init() {
	Register(ArchSpec{
		Arch:             Grayskull,
		ComputeGrid:      core.CoreCoord{X: 12, Y: 9},
		L1Size:           1 << 20,
		L1UnreservedBase: 200 << 10,
		DRAMSize:         8 << 30,
		DRAMBanks:        8,
		DRAMAlignment:    32,
	})
	Register(ArchSpec{
		Arch:             WormholeB0,
		ComputeGrid:      core.CoreCoord{X: 8, Y: 8},
		L1Size:           1464 << 10,
		L1UnreservedBase: 200 << 10,
		DRAMSize:         12 << 30,
		DRAMBanks:        12,
		DRAMAlignment:    32,
	})
}

// Register adds or replaces an architecture spec.
func Register(spec ArchSpec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[spec.Arch] = spec
}

// Lookup returns the spec for an architecture.
func Lookup(a Arch) (ArchSpec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	spec, ok := registry[a]
	if !ok {
		return ArchSpec{}, errors.Wrapf(core.ErrConfiguration, "arch %s not registered", a)
	}
	return spec, nil
}

// Buffer represents an address-bearing memory region on a device.
type Buffer interface {
	// Device returns which device this buffer lives on.
	Device() *Device

	// Address returns the device address kernels use to reach the buffer.
	Address() uint32

	// Size returns the total size in bytes.
	Size() int

	// Free releases the memory.
	Free()
}

// Device is a handle to one opened device. Opening and closing the device
// itself is handled by the driver layer.
type Device struct {
	id    int
	spec  ArchSpec
	alloc *Allocator
}

// NewDevice builds a handle for device id with the given resources.
func NewDevice(id int, spec ArchSpec) (*Device, error) {
	if spec.ComputeGrid.X <= 0 || spec.ComputeGrid.Y <= 0 {
		return nil, errors.Wrapf(core.ErrConfiguration, "device %d: empty compute grid %s", id, spec.ComputeGrid)
	}
	if spec.L1UnreservedBase >= spec.L1Size {
		return nil, errors.Wrapf(core.ErrConfiguration, "device %d: L1 base %d beyond L1 size %d", id, spec.L1UnreservedBase, spec.L1Size)
	}
	if spec.DRAMBanks <= 0 || spec.DRAMAlignment == 0 {
		return nil, errors.Wrapf(core.ErrConfiguration, "device %d: need at least one DRAM bank and a non-zero alignment", id)
	}
	d := &Device{id: id, spec: spec}
	d.alloc = NewAllocator(d, spec.DRAMSize/uint64(spec.DRAMBanks), spec.DRAMBanks, spec.DRAMAlignment)
	return d, nil
}

func (d *Device) ID() int                     { return d.id }
func (d *Device) Arch() Arch                  { return d.spec.Arch }
func (d *Device) Spec() ArchSpec              { return d.spec }
func (d *Device) ComputeGrid() core.CoreCoord { return d.spec.ComputeGrid }
func (d *Device) NumCores() int               { return d.spec.ComputeGrid.X * d.spec.ComputeGrid.Y }
func (d *Device) Allocator() *Allocator       { return d.alloc }

// L1Capacity returns the per-core L1 bytes available to circular buffers.
func (d *Device) L1Capacity() uint32 {
	return d.spec.L1Size - d.spec.L1UnreservedBase
}

// AllocateBuffer reserves size bytes of DRAM.
func (d *Device) AllocateBuffer(size int) (*DeviceBuffer, error) {
	return d.alloc.Get(size)
}

// FreeBuffer returns a buffer to the allocator for reuse.
func (d *Device) FreeBuffer(b *DeviceBuffer) {
	d.alloc.Put(b)
}

func (d *Device) String() string {
	return fmt.Sprintf("%s:%d", d.spec.Arch, d.id)
}
