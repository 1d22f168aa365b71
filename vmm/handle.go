// Package vmm implements the Boot Assembler, the Action Controller, and the
// Event Loop Driver: together they turn a frozen Resource Registry into a
// running microVM and then mediate its post-boot lifecycle.
package vmm

import (
	"sync"

	"golang.org/x/sys/unix"

	"uvmm/cmdline"
	"uvmm/iodev"
	"uvmm/kvm"
	"uvmm/logger"
	"uvmm/machine"
	"uvmm/memory"
	"uvmm/mmio"
	"uvmm/pio"
	"uvmm/serial"
)

// Exit codes the Event Loop Driver terminates the process with.
const (
	ExitCodeOK           = 0
	ExitCodeGenericError = 1
)

// vcpuThread is one vCPU's kernel thread: the goroutine Build starts for it
// runs VCPU.RunLoop, then signals completion by writing to doneFD (registered on the primary epoll under a Vcpu(i)
// token) and leaving any run error in err.
type vcpuThread struct {
	vcpu   *machine.VCPU
	doneFD int
	err    error
}

// Vmm is the VMM Handle: everything a live microVM owns from a successful
// Boot Assembler run until the process exits.
type Vmm struct {
	kvmFd int
	vmFd  uintptr

	mem   *memory.GuestMemory
	nCPUs int
	vcpus []*vcpuThread

	cmdline *cmdline.Cmdline

	mmioBus *mmio.Bus
	pioBus  *pio.Bus

	i8042  *iodev.I8042
	serial *serial.Serial

	loop      *EventLoop
	secondary *EventLoop

	exitFD         int
	metricsTimerFD int
	metricsSink    logger.Sink

	mu        sync.Mutex
	remaining int
}

// serialIRQAdapter implements serial.IRQInjector by raising the legacy
// UART's fixed PIC line directly through KVM_IRQ_LINE.
type serialIRQAdapter struct {
	vmFd uintptr
}

func (s serialIRQAdapter) InjectSerialIRQ() error {
	return kvm.IRQLine(s.vmFd, machine.SerialIRQ, 1)
}

// SendCtrlAltDel forwards to the i8042 PIO device, which raises IRQ1 with
// the key-combo scancode sequence; a guest with a running keyboard driver
// typically responds by initiating a graceful shutdown.
func (v *Vmm) SendCtrlAltDel() error {
	return v.i8042.SendCtrlAltDel()
}

// Stop writes the exit eventfd the Event Loop Driver watches, so Run
// returns on its next iteration, and returns code, or ExitCodeGenericError
// if the write fails. vCPU threads do not watch this eventfd.
func (v *Vmm) Stop(code int) int {
	buf := []byte{1, 0, 0, 0, 0, 0, 0, 0}

	if _, err := unix.Write(v.exitFD, buf); err != nil {
		return ExitCodeGenericError
	}

	return code
}
