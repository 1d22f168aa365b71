// Package pio is the legacy, x86_64-only port-I/O device manager: the i8042
// keyboard controller, the serial UART, and the fixed stub ranges a Linux
// guest probes during early boot (CMOS/VGA/DMA page/PCI config access/etc.) that
// must answer *something* even though this module emulates no real device
// behind them.
package pio

import (
	"fmt"

	"uvmm/device"
	"uvmm/kvm"
)

// Bus dispatches EXITIO guest exits to the registered IODevice covering
// that port, by direction (EXITIOIN/EXITIOOUT).
type Bus struct {
	handlers [0x10000][2]func(port uint64, data []byte) error
}

// NewBus returns a Bus with every port answering ErrUnexpectedExitReason,
// ready for Register/RegisterRange calls to fill in.
func NewBus() *Bus {
	b := &Bus{}

	errFunc := func(port uint64, data []byte) error {
		return fmt.Errorf("%w: unexpected io port 0x%x", kvm.ErrUnexpectedExitReason, port)
	}

	for i := range b.handlers {
		b.handlers[i][kvm.EXITIOIN] = errFunc
		b.handlers[i][kvm.EXITIOOUT] = errFunc
	}

	return b
}

// RegisterRange installs in/out handlers for every port in [start, end).
// A nil handler is treated as a no-op that leaves data untouched.
func (b *Bus) RegisterRange(start, end uint64, in, out func(port uint64, data []byte) error) {
	if in == nil {
		in = noop
	}

	if out == nil {
		out = noop
	}

	for i := start; i < end; i++ {
		b.handlers[i][kvm.EXITIOIN] = in
		b.handlers[i][kvm.EXITIOOUT] = out
	}
}

// Register installs dev across its declared [IOPort(), IOPort()+Size())
// range.
func (b *Bus) Register(dev device.IODevice) {
	b.RegisterRange(dev.IOPort(), dev.IOPort()+dev.Size(), dev.Read, dev.Write)
}

func noop(port uint64, data []byte) error { return nil }

// Dispatch handles one EXITIO exit.
func (b *Bus) Dispatch(direction, port uint64, data []byte) error {
	return b.handlers[port][direction](port, data)
}
