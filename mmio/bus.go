// Package mmio is the MMIO device manager: it hands out fixed-size
// guest-physical address windows and IRQ lines to virtio-MMIO devices,
// binds each device's interrupt eventfd to its line via KVM_IRQFD, and
// advertises the resulting placement on the kernel command line.
package mmio

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"uvmm/cmdline"
	"uvmm/kvm"
)

const (
	// WindowSize is the size of the MMIO register window every
	// virtio-MMIO device occupies, matching the "4K@<addr>" fragment the
	// kernel command line advertises.
	WindowSize uint64 = 0x1000

	// CfgSpaceOffset is the byte offset within a device's MMIO window
	// where its virtio config space begins.
	CfgSpaceOffset uint64 = 0x100

	// Interrupt status bits a device's ISR register reports.
	IntVring  uint32 = 0x01
	IntConfig uint32 = 0x02
)

// Device is the capability set every attached virtio-MMIO device exposes to
// the bus: a virtio device type id and an interrupt eventfd the bus binds
// to the allocated IRQ line via KVM_IRQFD. Queue/descriptor-ring register
// dispatch is the device's own concern, not the bus's.
type Device interface {
	DeviceType() uint32
	InterruptFD() int
}

// Entry is one device attached to the bus.
type Entry struct {
	TypeID uint32
	ID     string
	Addr   uint64
	IRQ    uint32
	Device Device
}

// Bus is the MMIO device manager: base address, IRQ pool, and the attached
// device table.
type Bus struct {
	mu sync.Mutex

	vmFd     uintptr
	nextAddr uint64
	nextIRQ  uint32
	irqMax   uint32

	entries []*Entry
}

// NewBus instantiates the MMIO device manager at baseAddr, with IRQ lines
// [irqBase, irqMax] available to allocate from.
func NewBus(vmFd uintptr, baseAddr uint64, irqBase, irqMax uint32) *Bus {
	return &Bus{
		vmFd:     vmFd,
		nextAddr: baseAddr,
		nextIRQ:  irqBase,
		irqMax:   irqMax,
	}
}

// RegisterMmioDevice picks the next MMIO window, allocates an IRQ line,
// binds the device's interrupt eventfd to it via KVM_IRQFD, appends the
// device's bus mapping, and appends a virtio_mmio.device=... fragment to
// cl. Devices must be registered in final attachment order (block, net,
// vsock) since that order is observable on the command line.
func (b *Bus) RegisterMmioDevice(device Device, cl *cmdline.Cmdline, typeID uint32, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nextIRQ > b.irqMax {
		return fmt.Errorf("mmio: IRQ pool exhausted (max %d)", b.irqMax)
	}

	addr := b.nextAddr
	irq := b.nextIRQ

	if err := kvm.IRQFD(b.vmFd, uintptr(device.InterruptFD()), irq); err != nil {
		return fmt.Errorf("mmio: KVM_IRQFD(irq=%d): %w", irq, err)
	}

	b.entries = append(b.entries, &Entry{TypeID: typeID, ID: id, Addr: addr, IRQ: irq, Device: device})

	b.nextAddr += WindowSize
	b.nextIRQ++

	return cl.Insert(fmt.Sprintf("virtio_mmio.device=4K@0x%x:%d", addr, irq))
}

// Find locates a previously registered device by its (type, id) pair, the
// lookup key post-boot actions like RescanBlockDevice use.
func (b *Bus) Find(typeID uint32, id string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entries {
		if e.TypeID == typeID && e.ID == id {
			return e, nil
		}
	}

	return nil, fmt.Errorf("mmio: no device registered as (type=%d, id=%q)", typeID, id)
}

// RaiseInterrupt signals the device's bound eventfd, which KVM_IRQFD
// delivers directly to the guest as the device's allocated IRQ line.
func RaiseInterrupt(e *Entry) error {
	buf := make([]byte, 8)
	buf[0] = 1

	_, err := unix.Write(e.Device.InterruptFD(), buf)

	return err
}
