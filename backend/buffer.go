package backend

// DeviceBuffer is an interleaved DRAM buffer. Implements Buffer.
type DeviceBuffer struct {
	addr    uint32
	byteLen int
	device  *Device
	freed   bool
}

func (b *DeviceBuffer) Device() *Device { return b.device }
func (b *DeviceBuffer) Address() uint32 { return b.addr }
func (b *DeviceBuffer) Size() int       { return b.byteLen }

// Free returns the buffer to its device's allocator. Freeing twice is a no-op.
func (b *DeviceBuffer) Free() {
	if b.device == nil {
		return
	}
	b.device.FreeBuffer(b)
}
