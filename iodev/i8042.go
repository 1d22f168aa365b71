package iodev

import "uvmm/kvm"

// I8042Port is the legacy PS/2 keyboard controller's status/command port.
const I8042Port = uint64(0x64)

// ctrlAltDelScancodes is the scancode sequence a PS/2 keyboard emits for a
// Ctrl+Alt+Del key combination: Ctrl down, Alt down, Del down, then the
// matching break (release) codes.
var ctrlAltDelScancodes = []byte{0x1d, 0x38, 0x53, 0xd3, 0xb8, 0x9d}

// I8042 is the legacy keyboard controller. The only behavior this module
// needs from it is SendCtrlAltDel: everything else is a stub, matching the
// always-8042-chip PS/2 port the teacher's boot sequence already reserves.
type I8042 struct {
	vmFd uintptr
	irq  uint32
	buf  []byte
}

// NewI8042 constructs the keyboard controller, wired to raise irq (legacy
// IRQ1) on the given VM.
func NewI8042(vmFd uintptr, irq uint32) *I8042 {
	return &I8042{vmFd: vmFd, irq: irq}
}

func (d *I8042) Read(port uint64, data []byte) error {
	if len(d.buf) > 0 {
		data[0] = d.buf[0]
		d.buf = d.buf[1:]
	} else {
		data[0] = 0
	}

	return nil
}

func (d *I8042) Write(port uint64, data []byte) error {
	return nil
}

func (d *I8042) IOPort() uint64 { return I8042Port }
func (d *I8042) Size() uint64   { return 0x1 }

// SendCtrlAltDel queues the Ctrl+Alt+Del scancode sequence and raises IRQ1,
// the same signal a running keyboard driver sees from a physical keypress.
// A guest with a working keyboard driver typically responds by initiating
// a graceful shutdown.
func (d *I8042) SendCtrlAltDel() error {
	d.buf = append(d.buf, ctrlAltDelScancodes...)

	return kvm.IRQLine(d.vmFd, d.irq, 1)
}
