package kvm

import "unsafe"

// irqLevel defines an IRQ as Level? Not sure.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine sets the interrupt line for an IRQ.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip creates an IRQ device (chip) to which to attach interrupts?
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// pitConfig defines properties of a programmable interrupt timer.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates a PIT type 2. Just having one was not enough.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{
		Flags: 0,
	}
	_, err := Ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}

// IRQFDFlagDeassign removes a previously registered irqfd binding instead of
// adding one.
const IRQFDFlagDeassign = 1 << 0

type irqfd struct {
	FD    uint32
	GSI   uint32
	Flags uint32
	_     uint32
	_     uint64
}

// IRQFD binds an eventfd to a GSI: writes to fd raise the interrupt line
// directly inside the kernel, without a round trip through IRQLine. The MMIO
// device manager uses this to wire each allocated IRQ line to the device's
// interrupt eventfd.
func IRQFD(vmFd uintptr, fd uintptr, gsi uint32) error {
	req := irqfd{FD: uint32(fd), GSI: gsi}
	_, err := Ioctl(vmFd, kvmIRQFD, uintptr(unsafe.Pointer(&req)))

	return err
}
