package kvm

import "unsafe"

// UserspaceMemoryRegion is the KVM_SET_USER_MEMORY_REGION payload for one
// slot of Guest Memory Factory output: a guest-physical range backed by
// one anonymous host mmap.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// NewUserspaceMemoryRegion builds the KVM_SET_USER_MEMORY_REGION payload
// for one Guest Memory Factory slot: slot is the KVM memslot index,
// guestPhysAddr/memorySize the guest-visible range, and userspaceAddr the
// host virtual address of its backing mmap.
func NewUserspaceMemoryRegion(slot uint32, guestPhysAddr, memorySize, userspaceAddr uint64) *UserspaceMemoryRegion {
	return &UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: userspaceAddr,
	}
}

// SetMemLogDirtyPages sets region flags to log dirty pages.
// This is useful in many situations, including migration.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion adds a memory region to a vm -- not a vcpu, a vm.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr sets the Task Segment Selector for a vm.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the address of a 4k-sized-page for a vm.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))

	return err
}

// ConfigureScratchAddrs installs the TSS and identity-map scratch
// addresses the Boot Assembler reserves below the MMIO gap. Both must be
// set before any vCPU is constructed, so the Boot Assembler calls this
// once per VM right after KVM_CREATE_VM.
func ConfigureScratchAddrs(vmFd uintptr, tssAddr, identityMapAddr uint32) error {
	if err := SetTSSAddr(vmFd, tssAddr); err != nil {
		return err
	}

	return SetIdentityMapAddr(vmFd, identityMapAddr)
}
