package vmm

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"uvmm/arch"
	"uvmm/cmdline"
	"uvmm/cpuid"
	"uvmm/device"
	"uvmm/iodev"
	"uvmm/kvm"
	"uvmm/machine"
	"uvmm/memory"
	"uvmm/mmio"
	"uvmm/pio"
	"uvmm/ratelimiter"
	"uvmm/registry"
	"uvmm/serial"
	"uvmm/tap"
	"uvmm/term"
	"uvmm/virtio"
	"uvmm/vmmerrors"
)

// Fixed x86_64 TSS/identity-map scratch addresses, just below the 4GiB
// boundary and below the MMIO gap reserved by arch.MMIOGapStart.
const (
	tssAddr         = 0xffffd000
	identityMapAddr = 0xffffc000
)

// Build is the Boot Assembler: given a frozen Registry it runs the ordered
// x86_64 boot pipeline below, step by step, and returns either a live VMM Handle or a
// classified error. Any failure unwinds every resource already acquired;
// no partial Vmm is ever returned.
func Build(reg *registry.Registry, kvmDevicePath string) (vmOut *Vmm, errOut *vmmerrors.Error) {
	bootStart := time.Now()

	bs := reg.BootSource
	if bs == nil || bs.KernelFile == nil {
		return nil, vmmerrors.User(vmmerrors.DomainBootSource, ErrMissingKernelConfig)
	}

	vmCfg := reg.VMConfig

	nCPUs := vmCfg.VCPUCount
	if nCPUs <= 0 {
		nCPUs = 1
	}

	a := arch.X8664

	var cleanups []func()

	unwind := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	defer func() {
		if errOut != nil {
			unwind()
		}
	}()

	loop, err := newEventLoop()
	if err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
	}

	cleanups = append(cleanups, func() { loop.Close() })

	secondary, err := newEventLoop()
	if err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
	}

	cleanups = append(cleanups, func() { secondary.Close() })

	if err := loop.Register(secondary.fd, Token{Kind: TokenPollyEvent}); err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
	}

	metricsTimerFD, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, fmt.Errorf("timerfd_create: %w", err))
	}

	cleanups = append(cleanups, func() { unix.Close(metricsTimerFD) })

	if err := loop.Register(metricsTimerFD, Token{Kind: TokenWriteMetrics}); err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
	}

	kvmFdN, err := unix.Open(kvmDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, fmt.Errorf("open %s: %w", kvmDevicePath, err))
	}

	kvmFd := uintptr(kvmFdN)
	cleanups = append(cleanups, func() { unix.Close(kvmFdN) })

	gm, err := memory.New(kvmFd, a, vmCfg.MemSizeMiB)
	if err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainMachineConfig, err)
	}

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, fmt.Errorf("%w: %v", ErrConfigureVM, err))
	}

	cleanups = append(cleanups, func() { unix.Close(int(vmFd)) })

	for _, slot := range gm.Slots {
		region := kvm.NewUserspaceMemoryRegion(uint32(slot.Slot), slot.Addr, uint64(slot.Size), slot.PhysAddr)

		if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
			return nil, vmmerrors.Internal(vmmerrors.DomainMachineConfig, fmt.Errorf("memory_init(slot %d): %w", slot.Slot, err))
		}
	}

	if err := kvm.ConfigureScratchAddrs(vmFd, tssAddr, identityMapAddr); err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, fmt.Errorf("%w: %v", ErrConfigureVM, err))
	}

	irqBase, irqMax := arch.IRQRange(a)
	mmioBus := mmio.NewBus(vmFd, arch.MMIOMemStart, irqBase, irqMax)

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, fmt.Errorf("%w: %v", ErrConfigureVM, err))
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, fmt.Errorf("%w: %v", ErrConfigureVM, err))
	}

	i8042 := iodev.NewI8042(vmFd, 1)

	ser, err := serial.New(serialIRQAdapter{vmFd: vmFd})
	if err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
	}

	pioBus := newLegacyPIOBus(i8042, ser)

	mmapSize, err := kvm.GetVCPUMMmapSize(kvmFd)
	if err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
	}

	cpuidEntries, err := machine.SupportedCPUID(kvmFd)
	if err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
	}

	if vmCfg.CPUTemplate != "" {
		patches, ok := cpuid.Templates[vmCfg.CPUTemplate]
		if !ok {
			return nil, vmmerrors.User(vmmerrors.DomainMachineConfig, fmt.Errorf("unknown cpu_template %q", vmCfg.CPUTemplate))
		}

		if err := cpuid.Apply(cpuidEntries, patches); err != nil {
			return nil, vmmerrors.Internal(vmmerrors.DomainMachineConfig, err)
		}
	}

	vcpus := make([]*machine.VCPU, nCPUs)

	for i := 0; i < nCPUs; i++ {
		vcpu, err := machine.NewVCPU(vmFd, i, mmapSize, cpuidEntries)
		if err != nil {
			return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
		}

		vcpus[i] = vcpu
	}

	cl := bs.Cmdline.Clone()

	if err := attachBlockDevices(mmioBus, cl, reg.Block); err != nil {
		return nil, err
	}

	if err := attachNetDevices(mmioBus, cl, reg.Network); err != nil {
		return nil, err
	}

	if err := attachVsockDevice(mmioBus, cl, reg.Vsock); err != nil {
		return nil, err
	}

	var initrd io.ReaderAt
	if bs.InitrdFile != nil {
		initrd = bs.InitrdFile
	}

	loaded, err := machine.LoadKernel(gm, nCPUs, bs.KernelFile, initrd, cl)
	if err != nil {
		return nil, vmmerrors.User(vmmerrors.DomainBootSource, err)
	}

	for _, vcpu := range vcpus {
		if err := vcpu.SetupRegs(loaded.EntryPoint, loaded.BootParamAddr, loaded.Is64Bit, gm); err != nil {
			return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
		}
	}

	exitFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
	}

	cleanups = append(cleanups, func() { unix.Close(exitFD) })

	if err := loop.Register(exitFD, Token{Kind: TokenExit}); err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
	}

	threads := make([]*vcpuThread, nCPUs)

	for i, vcpu := range vcpus {
		doneFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
		}

		cleanups = append(cleanups, func() { unix.Close(doneFD) })

		if err := loop.Register(doneFD, Token{Kind: TokenVcpu, Index: i}); err != nil {
			return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
		}

		threads[i] = &vcpuThread{vcpu: vcpu, doneFD: doneFD}
	}

	if term.IsTerminal() {
		if err := loop.Register(0, Token{Kind: TokenStdin}); err != nil {
			return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
		}
	}

	v := &Vmm{
		kvmFd: kvmFdN,
		vmFd:  vmFd,

		mem:   gm,
		nCPUs: nCPUs,
		vcpus: threads,

		cmdline: cl,

		mmioBus: mmioBus,
		pioBus:  pioBus,

		i8042:  i8042,
		serial: ser,

		loop:      loop,
		secondary: secondary,

		exitFD:         exitFD,
		metricsTimerFD: metricsTimerFD,

		remaining: nCPUs,
	}

	for _, t := range threads {
		go func(t *vcpuThread) {
			t.err = t.vcpu.RunLoop(v.pioBus)

			buf := []byte{1, 0, 0, 0, 0, 0, 0, 0}
			if _, werr := unix.Write(t.doneFD, buf); werr != nil {
				log.Printf("vmm: signalling vcpu completion: %v", werr)
			}
		}(t)
	}

	spec := &unix.ItimerSpec{
		Interval: unix.NsecToTimespec(60 * time.Second.Nanoseconds()),
		Value:    unix.NsecToTimespec(60 * time.Second.Nanoseconds()),
	}

	if err := unix.TimerfdSettime(metricsTimerFD, 0, spec, nil); err != nil {
		return nil, vmmerrors.Internal(vmmerrors.DomainStartMicrovm, err)
	}

	log.Printf("vmm: boot assembled in %s", time.Since(bootStart))

	return v, nil
}

// newLegacyPIOBus wires the x86_64 legacy port-I/O surface: the fixed stub
// ranges a Linux guest probes during early boot, the i8042 keyboard
// controller, the serial UART, and the 0x80 POST code port.
func newLegacyPIOBus(i8042 *iodev.I8042, ser *serial.Serial) *pio.Bus {
	bus := pio.NewBus()

	bus.RegisterRange(0xcf9, 0xcfa, nil, nil)   // CF9 reset port
	bus.RegisterRange(0x3c0, 0x3db, nil, nil)   // VGA
	bus.RegisterRange(0x3b4, 0x3b6, nil, nil)   // VGA
	bus.RegisterRange(0x70, 0x72, nil, nil)     // CMOS clock
	bus.RegisterRange(0x80, 0xa0, nil, nil)     // DMA page registers
	bus.RegisterRange(0x2f8, 0x300, nil, nil)   // serial port 2
	bus.RegisterRange(0x3e8, 0x3f0, nil, nil)   // serial port 3
	bus.RegisterRange(0x2e8, 0x2f0, nil, nil)   // serial port 4
	bus.RegisterRange(0xcfe, 0xcff, nil, nil)   // unknown
	bus.RegisterRange(0xcfa, 0xcfc, nil, nil)   // unknown
	bus.RegisterRange(0xc000, 0xd000, nil, nil) // PCI config access mechanism #2
	bus.RegisterRange(0xed, 0xee, nil, nil)     // standard delay port

	bus.RegisterRange(0x60, 0x70, i8042.Read, i8042.Write)
	bus.RegisterRange(serial.COM1Addr, serial.COM1Addr+8, ser.In, ser.Out)
	bus.Register(device.NewPostCodeDevice())

	return bus
}

// attachBlockDevices attaches cfgs to bus in Registry insertion order. The
// order is observable on the guest: the virtio-blk driver enumerates
// /dev/vda, /dev/vdb, ... in attachment order, so whichever slot the root
// device happens to occupy is the one root= must name.
func attachBlockDevices(bus *mmio.Bus, cl *cmdline.Cmdline, cfgs []registry.BlockConfig) *vmmerrors.Error {
	if idx, ok := findRootBlockIndex(cfgs); ok {
		if err := prependRootArg(cl, cfgs[idx], idx); err != nil {
			return vmmerrors.User(vmmerrors.DomainDrive, err)
		}
	}

	for _, cfg := range cfgs {
		var rl *ratelimiter.RateLimiter
		if cfg.RateLimiter != nil {
			rl = ratelimiter.New(cfg.RateLimiter.Bandwidth, cfg.RateLimiter.Ops)
		}

		blk, err := virtio.NewBlk(cfg.PathOnHost, cfg.IsReadOnly, rl)
		if err != nil {
			return vmmerrors.User(vmmerrors.DomainDrive, err)
		}

		if err := bus.RegisterMmioDevice(blk, cl, virtio.TypeBlock, cfg.DriveID); err != nil {
			return vmmerrors.Internal(vmmerrors.DomainDrive, err)
		}
	}

	return nil
}

// findRootBlockIndex returns the index of the entry with IsRootDevice set,
// if any. The Registry enforces at most one, so the first match is the
// only one.
func findRootBlockIndex(cfgs []registry.BlockConfig) (int, bool) {
	for i, c := range cfgs {
		if c.IsRootDevice {
			return i, true
		}
	}

	return 0, false
}

// blockDeviceName returns the guest device name virtio-blk assigns to the
// index'th attached disk: vda, vdb, vdc, and so on.
func blockDeviceName(index int) string {
	return "vd" + string(rune('a'+index))
}

// prependRootArg inserts the root= and rw/ro kernel arguments the root
// block device implies, naming the /dev/vd* slot it actually occupies
// given its position among the attached block devices.
func prependRootArg(cl *cmdline.Cmdline, root registry.BlockConfig, index int) error {
	rootArg := "root=/dev/" + blockDeviceName(index)
	if root.PartUUID != "" {
		rootArg = "root=PARTUUID=" + root.PartUUID
	}

	if err := cl.Insert(rootArg); err != nil {
		return err
	}

	roArg := "rw"
	if root.IsReadOnly {
		roArg = "ro"
	}

	return cl.Insert(roArg)
}

func attachNetDevices(bus *mmio.Bus, cl *cmdline.Cmdline, cfgs []registry.NetworkConfig) *vmmerrors.Error {
	for _, cfg := range cfgs {
		var rxRL, txRL *ratelimiter.RateLimiter

		if cfg.RxRateLimiter != nil {
			rxRL = ratelimiter.New(cfg.RxRateLimiter.Bandwidth, cfg.RxRateLimiter.Ops)
		}

		if cfg.TxRateLimiter != nil {
			txRL = ratelimiter.New(cfg.TxRateLimiter.Bandwidth, cfg.TxRateLimiter.Ops)
		}

		net, err := virtio.NewNet(cfg.HostDevName, cfg.GuestMAC, rxRL, txRL, cfg.AllowMMDSRequests)
		if err != nil {
			wrapped := fmt.Errorf("%w: %v", ErrNetDeviceNotConfigured, err)

			if errors.Is(err, tap.ErrOpenTun) || errors.Is(err, tap.ErrInvalidIfname) {
				return vmmerrors.User(vmmerrors.DomainNetwork, wrapped)
			}

			return vmmerrors.Internal(vmmerrors.DomainNetwork, wrapped)
		}

		if err := bus.RegisterMmioDevice(net, cl, virtio.TypeNet, cfg.IfaceID); err != nil {
			return vmmerrors.Internal(vmmerrors.DomainNetwork, err)
		}
	}

	return nil
}

func attachVsockDevice(bus *mmio.Bus, cl *cmdline.Cmdline, cfg *registry.VsockConfig) *vmmerrors.Error {
	if cfg == nil {
		return nil
	}

	vs, err := virtio.NewVsock(cfg.UDSPath, cfg.GuestCID)
	if err != nil {
		return vmmerrors.User(vmmerrors.DomainVsock, err)
	}

	if err := bus.RegisterMmioDevice(vs, cl, virtio.TypeVsock, cfg.VsockID); err != nil {
		return vmmerrors.Internal(vmmerrors.DomainVsock, err)
	}

	return nil
}
