package backend

// Allocator hands out interleaved DRAM buffers for one device.
//
// Interleaved buffers are striped across every DRAM bank, so a buffer of
// size S occupies ceil(S/banks) bytes in each bank at the same bank-local
// address. That address is what kernels receive as a runtime argument.
//
// Design:
//   - Bump allocation of bank-local address space from a fixed base
//   - Sizes rounded up to the DRAM alignment
//   - Freed buffers cached in buckets keyed by aligned per-bank size and
//     handed out again on the next request of the same size
//   - Thread-safe via mutex
//
// Usage:
//   buf, _ := dev.AllocateBuffer(4096) // fresh or reused address
//   buf.Free()                          // back to the bucket

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/djeday123/gometal/core"
)

type Allocator struct {
	mu      sync.Mutex
	device  *Device
	banks   int
	align   uint32
	base    uint64
	limit   uint64 // bank-local bytes
	next    uint64
	buckets map[uint64][]*DeviceBuffer // aligned per-bank size -> free buffers
	stats   AllocatorStats
}

type AllocatorStats struct {
	Hits       int64 // reused from a bucket
	Misses     int64 // new address range
	AllocBytes int64 // total bank-local bytes carved out
	FreeBytes  int64 // total bytes returned to buckets
	Pooled     int   // buffers waiting in buckets
	Live       int   // buffers handed out and not yet freed
}

// NewAllocator builds an allocator over bankSize bytes in each of banks banks.
func NewAllocator(dev *Device, bankSize uint64, banks int, align uint32) *Allocator {
	return &Allocator{
		device:  dev,
		banks:   banks,
		align:   align,
		base:    uint64(align),
		limit:   bankSize,
		next:    uint64(align),
		buckets: make(map[uint64][]*DeviceBuffer),
	}
}

func (a *Allocator) alignSize(n uint64) uint64 {
	al := uint64(a.align)
	return ((n + al - 1) / al) * al
}

// perBank returns the aligned bank-local footprint of a byteLen buffer.
func (a *Allocator) perBank(byteLen int) uint64 {
	b := uint64(a.banks)
	return a.alignSize((uint64(byteLen) + b - 1) / b)
}

// Get returns a buffer of at least byteLen bytes.
func (a *Allocator) Get(byteLen int) (*DeviceBuffer, error) {
	if byteLen <= 0 {
		return nil, errors.Wrapf(core.ErrAllocation, "buffer size must be positive, got %d", byteLen)
	}
	size := a.perBank(byteLen)

	a.mu.Lock()
	defer a.mu.Unlock()

	if bufs := a.buckets[size]; len(bufs) > 0 {
		b := bufs[len(bufs)-1]
		a.buckets[size] = bufs[:len(bufs)-1]
		b.byteLen = byteLen
		b.freed = false
		a.stats.Hits++
		a.stats.Pooled--
		a.stats.Live++
		return b, nil
	}
	a.stats.Misses++

	if a.next+size > a.limit {
		return nil, errors.Wrapf(core.ErrAllocation,
			"device %d: %d bytes (%d per bank) exceeds remaining DRAM (%d of %d per bank)",
			a.device.ID(), byteLen, size, a.limit-a.next, a.limit)
	}
	b := &DeviceBuffer{addr: uint32(a.next), byteLen: byteLen, device: a.device}
	a.next += size
	a.stats.AllocBytes += int64(size)
	a.stats.Live++
	klog.V(4).Infof("dram: device %d allocated %d bytes at %#x", a.device.ID(), byteLen, b.addr)
	return b, nil
}

// Put returns a buffer to its bucket. The address range stays reserved.
func (a *Allocator) Put(b *DeviceBuffer) {
	if b == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b.freed {
		return
	}
	size := a.perBank(b.byteLen)
	b.freed = true
	a.buckets[size] = append(a.buckets[size], b)
	a.stats.FreeBytes += int64(size)
	a.stats.Pooled++
	a.stats.Live--
}

// Reset forgets every bucket and rewinds the address space. It fails while
// any buffer is still live.
func (a *Allocator) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stats.Live > 0 {
		return errors.Wrapf(core.ErrAllocation, "device %d: %d buffers still live", a.device.ID(), a.stats.Live)
	}
	for size := range a.buckets {
		delete(a.buckets, size)
	}
	a.next = a.base
	a.stats.Pooled = 0
	return nil
}

// Stats returns current allocator statistics (thread-safe snapshot).
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
