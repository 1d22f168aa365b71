package machine

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"uvmm/kvm"
	"uvmm/memory"
	"uvmm/pio"
)

// VCPU owns one KVM vCPU fd and its mmap'd kvm_run area.
type VCPU struct {
	fd  uintptr
	run *kvm.RunData
}

// NewVCPU creates vCPU id on vmFd, installs the shared, pre-patched CPUID
// set, and mmaps its kvm_run area (mmapSize bytes, as reported by
// KVM_GET_VCPU_MMAP_SIZE).
func NewVCPU(vmFd uintptr, id int, mmapSize uintptr, cpuid *kvm.CPUID) (*VCPU, error) {
	fd, err := kvm.CreateVCPU(vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("machine: CreateVCPU(%d): %w", id, err)
	}

	if err := kvm.SetCPUID2(fd, cpuid); err != nil {
		return nil, fmt.Errorf("machine: SetCPUID2(%d): %w", id, err)
	}

	r, err := unix.Mmap(int(fd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("machine: mmap vcpu %d run area: %w", id, err)
	}

	return &VCPU{fd: fd, run: (*kvm.RunData)(unsafe.Pointer(&r[0]))}, nil
}

// SupportedCPUID fetches KVM's supported CPUID set and patches it the way
// every vCPU in a VM shares: the performance-monitoring leaf disabled, and
// the KVM signature leaf replaced with a recognizable vendor string.
func SupportedCPUID(kvmFd uintptr) (*kvm.CPUID, error) {
	cpuid := &kvm.CPUID{Nent: 100}
	if err := kvm.GetSupportedCPUID(kvmFd, cpuid); err != nil {
		return nil, fmt.Errorf("machine: GetSupportedCPUID: %w", err)
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		switch cpuid.Entries[i].Function {
		case kvm.CPUIDFuncPerMon:
			cpuid.Entries[i].Eax = 0
		case kvm.CPUIDSignature:
			cpuid.Entries[i].Eax = kvm.CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b // KVMK
			cpuid.Entries[i].Ecx = 0x564b4d56 // VMKV
			cpuid.Entries[i].Edx = 0x4d       // M
		}
	}

	return cpuid, nil
}

// SetupRegs initializes general-purpose and special registers for a cold
// boot entry at rip with the Linux boot_params pointer in RSI. amd64
// selects between a flat 32-bit protected-mode segment setup and a
// 64-bit long-mode identity-mapped paging setup.
func (v *VCPU) SetupRegs(rip, bootParamAddr uint64, amd64 bool, gm *memory.GuestMemory) error {
	if err := v.initRegs(rip, bootParamAddr); err != nil {
		return err
	}

	return v.initSregs(amd64, gm)
}

func (v *VCPU) initRegs(rip, bp uint64) error {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return err
	}

	// Clear all FLAGS bits, except bit 1 which is always set.
	regs.RFLAGS = 2
	regs.RIP = rip
	// Boot protocol passes the zero page pointer in RSI.
	regs.RSI = bp

	return kvm.SetRegs(v.fd, regs)
}

func (v *VCPU) initSregs(amd64 bool, gm *memory.GuestMemory) error {
	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return err
	}

	if !amd64 {
		sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
		sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
		sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
		sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
		sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
		sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1

		sregs.CS.DB, sregs.SS.DB = 1, 1
		sregs.CR0 |= 1 // protected mode

		return kvm.SetSregs(v.fd, sregs)
	}

	if err := buildLongModePageTables(gm); err != nil {
		return err
	}

	sregs.CR3 = pageTableBase
	sregs.CR4 = CR4xPAE
	sregs.CR0 = CR0xPE | CR0xMP | CR0xET | CR0xNE | CR0xWP | CR0xAM | CR0xPG
	sregs.EFER = EFERxLME | EFERxLMA

	seg := kvm.Segment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 1 << 3,
		Typ:      11, /* Code: execute, read, accessed */
		Present:  1,
		DPL:      0,
		DB:       0,
		S:        1, /* Code/data */
		L:        1,
		G:        1, /* 4KB granularity */
		AVL:      0,
	}

	sregs.CS = seg

	seg.Typ = 3 /* Data: read/write, accessed */
	seg.Selector = 2 << 3
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = seg, seg, seg, seg, seg

	return kvm.SetSregs(v.fd, sregs)
}

// buildLongModePageTables installs an identity-mapped PML4/PDPT/PD
// covering the full 32-bit address space at pageTableBase: the minimum a
// 64-bit kernel needs for its first long-mode instruction.
func buildLongModePageTables(gm *memory.GuestMemory) error {
	buf := make([]byte, 0x6000)

	putEntry := func(off int, v uint64) {
		binary.LittleEndian.PutUint64(buf[off:], v)
	}

	// PML4[0] -> PDPT at pageTableBase+0x1000, present/read-write.
	putEntry(0, pageTableBase+0x1000|0x3)

	// PDPT[0..3] -> four PD pages at pageTableBase+0x2000..0x5000,
	// present/read-write/accessed/dirty.
	for i := uint64(0); i < 4; i++ {
		ptb := pageTableBase + (i+2)*0x1000
		putEntry(0x1000+int(i*8), ptb|0x63)
	}

	// 2MiB PD entries covering the full 32-bit space, present/
	// read-write/accessed/dirty/page-size.
	for i := uint64(0); i < 0x1_0000_0000; i += 0x200000 {
		ix := int((i/0x200000)*8) + 0x2000
		putEntry(ix, i|0xe3)
	}

	_, err := gm.WriteAt(pageTableBase, buf)

	return err
}

// GetRegs returns the vCPU's general-purpose registers.
func (v *VCPU) GetRegs() (*kvm.Regs, error) { return kvm.GetRegs(v.fd) }

// SetRegs sets the vCPU's general-purpose registers.
func (v *VCPU) SetRegs(r *kvm.Regs) error { return kvm.SetRegs(v.fd, r) }

// GetSregs returns the vCPU's special (segment/control) registers.
func (v *VCPU) GetSregs() (*kvm.Sregs, error) { return kvm.GetSregs(v.fd) }

// SetSregs sets the vCPU's special (segment/control) registers.
func (v *VCPU) SetSregs(s *kvm.Sregs) error { return kvm.SetSregs(v.fd, s) }

// FD returns the vCPU's file descriptor. All ioctls go through this
// type's own methods.
func (v *VCPU) FD() uintptr { return v.fd }

// Run executes the vCPU until it exits back to userspace, dispatching an
// EXITIO exit through bus. It reports halted=true on EXITHLT; any other
// exit this module's device model does not expect is returned as an
// error rather than silently ignored.
func (v *VCPU) Run(bus *pio.Bus) (halted bool, err error) {
	if err := kvm.Run(v.fd); err != nil {
		return false, fmt.Errorf("machine: KVM_RUN: %w", err)
	}

	switch exit := kvm.ExitType(v.run.ExitReason); exit {
	case kvm.EXITHLT:
		return true, nil

	case kvm.EXITIO:
		direction, size, port, count, offset := v.run.IO()
		data := (*(*[8]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(v.run)) + uintptr(offset))))[0:size]

		for i := uint64(0); i < count; i++ {
			if err := bus.Dispatch(direction, port, data); err != nil {
				return false, err
			}
		}

		return false, nil

	case kvm.EXITUNKNOWN, kvm.EXITINTR:
		// EXITINTR is a signal delivered to the thread hosting the vCPU;
		// EXITUNKNOWN is a spurious entry. Both just mean "run again".
		return false, nil

	case kvm.EXITDEBUG:
		return false, kvm.ErrDebug

	default:
		return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit.String())
	}
}

// RunLoop pins the calling goroutine to its OS thread, since vCPU ioctls
// must be issued from the same thread that created the vCPU, and runs v
// until it halts or errors. This is the body of the kernel thread the
// Boot Assembler starts per vCPU.
func (v *VCPU) RunLoop(bus *pio.Bus) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		halted, err := v.Run(bus)
		if err != nil {
			return err
		}

		if halted {
			return nil
		}
	}
}
