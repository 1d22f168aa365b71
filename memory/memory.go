// Package memory is the Guest Memory Factory: given a size in MiB it
// computes the architecture-specific set of guest-physical regions, mmaps
// an anonymous backing buffer for each, and hands back a handle that
// supports region lookup, byte-level read/write by guest address, and the
// addresses KVM needs for KVM_SET_USER_MEMORY_REGION.
package memory

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"uvmm/arch"
	"uvmm/kvm"
)

var (
	// ErrMemoryNotInitialized is returned when New is asked to build
	// guest memory for a size that was never configured.
	ErrMemoryNotInitialized = errors.New("memory: mem_size_mib not configured")

	errNoSlotsAvail = errors.New("memory: maximal number of KVM memslots exhausted")
	errAddrNotFound = errors.New("memory: guest address not backed by any region")
)

const (
	// Poison is a ud2 trap guests will fault into if they start executing
	// at an address that was never loaded with real code.
	//
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)

// MemorySlot is one architectural memory region, backed by one anonymous
// mmap and registered with KVM as one userspace memory region.
type MemorySlot struct {
	Addr     uint64 // guest-physical base address
	Size     int
	Slot     uint8
	Flags    uint32
	PhysAddr uint64 // host virtual address of the backing mmap, for KVM_SET_USER_MEMORY_REGION
	Buf      []byte
}

// GuestMemory is the handle the Boot Assembler passes to KVM's memory_init
// and that device emulation reads/writes guest-visible buffers through.
type GuestMemory struct {
	Slots    []*MemorySlot
	MaxSlots uint32
}

// New builds guest memory of memSizeMiB for the given architecture.
// It fails with ErrMemoryNotInitialized if memSizeMiB is zero (size
// absent), and with the underlying mmap/ioctl error otherwise.
func New(kvmfd uintptr, a arch.Arch, memSizeMiB int) (*GuestMemory, error) {
	if memSizeMiB <= 0 {
		return nil, ErrMemoryNotInitialized
	}

	sizeBytes := uint64(memSizeMiB) * 1024 * 1024
	regions := arch.MemoryRegions(a, sizeBytes)

	ret, err := kvm.CheckExtension(kvmfd, kvm.CapNRMemSlots)
	if err != nil {
		return nil, fmt.Errorf("memory: KVM_CHECK_EXTENSION(CapNRMemSlots): %w", err)
	}

	if ret <= 0 {
		return nil, fmt.Errorf("memory: host KVM reports zero usable memslots")
	}

	gm := &GuestMemory{MaxSlots: uint32(ret)}

	for _, r := range regions {
		if err := gm.newMemorySlot(r.Start, int(r.Size), 0); err != nil {
			return nil, err
		}
	}

	return gm, nil
}

func (g *GuestMemory) newMemorySlot(addr uint64, size int, flags uint32) error {
	if len(g.Slots) >= int(g.MaxSlots) {
		return errNoSlotsAvail
	}

	slot := &MemorySlot{
		Addr:  addr,
		Size:  size,
		Slot:  uint8(len(g.Slots)),
		Flags: flags,
	}

	buf, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("memory: mmap region at 0x%x (%d bytes): %w", addr, size, err)
	}

	slot.Buf = buf

	// Poison memory above the first page so a guest that jumps to
	// unloaded code traps immediately instead of silently decoding
	// whatever zero bytes happen to be there.
	for i := 0x1000; i+len(Poison) <= len(slot.Buf); i += len(Poison) {
		copy(slot.Buf[i:], Poison)
	}

	slot.PhysAddr = uint64(uintptr(unsafe.Pointer(&slot.Buf[0])))

	g.Slots = append(g.Slots, slot)

	return nil
}

// FindRegion returns the slot backing guest-physical address addr.
func (g *GuestMemory) FindRegion(addr uint64) (*MemorySlot, error) {
	for _, slot := range g.Slots {
		if addr >= slot.Addr && addr < slot.Addr+uint64(slot.Size) {
			return slot, nil
		}
	}

	return nil, errAddrNotFound
}

// ReadAt copies len(p) bytes starting at guest-physical address addr into p.
func (g *GuestMemory) ReadAt(addr uint64, p []byte) (int, error) {
	slot, err := g.FindRegion(addr)
	if err != nil {
		return 0, err
	}

	off := addr - slot.Addr
	if off+uint64(len(p)) > uint64(slot.Size) {
		return 0, fmt.Errorf("memory: read at 0x%x (%d bytes) crosses region boundary", addr, len(p))
	}

	return copy(p, slot.Buf[off:off+uint64(len(p))]), nil
}

// WriteAt copies p into guest memory starting at guest-physical address addr.
func (g *GuestMemory) WriteAt(addr uint64, p []byte) (int, error) {
	slot, err := g.FindRegion(addr)
	if err != nil {
		return 0, err
	}

	off := addr - slot.Addr
	if off+uint64(len(p)) > uint64(slot.Size) {
		return 0, fmt.Errorf("memory: write at 0x%x (%d bytes) crosses region boundary", addr, len(p))
	}

	return copy(slot.Buf[off:off+uint64(len(p))], p), nil
}

// Size returns the total number of guest-visible bytes across all regions.
func (g *GuestMemory) Size() uint64 {
	var total uint64
	for _, slot := range g.Slots {
		total += uint64(slot.Size)
	}

	return total
}
