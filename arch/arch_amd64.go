package arch

// x86_64 guest-physical layout. Values match the well-known Firecracker
// arch::x86_64::layout constants: a 32-bit MMIO gap carved out just below
// the 4GiB boundary, with low RAM below it and, for large guests, a second
// RAM region resuming just past the gap.
const (
	// FirstAddrPast32Bits is 4GiB, the top of the 32-bit address space.
	FirstAddrPast32Bits uint64 = 1 << 32

	// MMIO32GapSize is the size of the MMIO hole reserved below 4GiB.
	MMIO32GapSize uint64 = 768 << 20 // 768 MiB

	// MMIOGapStart/MMIOGapEnd bound the reserved MMIO hole. MMIOMemStart
	// is the base address the MMIO device manager hands out bus windows
	// from; it coincides with the start of the gap.
	MMIOGapStart uint64 = FirstAddrPast32Bits - MMIO32GapSize
	MMIOGapEnd   uint64 = FirstAddrPast32Bits
	MMIOMemStart uint64 = MMIOGapStart

	// IRQBaseAMD64/IRQMaxAMD64 bound the IRQ lines available to the MMIO
	// device manager; lines below IRQBaseAMD64 are reserved for the PIC,
	// PIT, and legacy serial/keyboard devices.
	IRQBaseAMD64 uint32 = 5
	IRQMaxAMD64  uint32 = 23

	// CmdlineStart is the guest-physical address the kernel command line
	// is written to.
	CmdlineStart uint64 = 0x20000

	// CmdlineMaxSize is the largest command line the Boot Assembler will
	// write into guest memory, per spec: "typically 4096 bytes on x86_64".
	CmdlineMaxSize uint64 = 4096

	// ZeroPageStart is the guest-physical address of the Linux
	// boot_params ("zero page") structure.
	ZeroPageStart uint64 = 0x7000

	// HighMemBase is the lowest address bzImage kernels may be loaded at;
	// Image/zImage kernels load at 0x10000 instead.
	HighMemBase uint64 = 0x100000
)

func amd64MemoryRegions(sizeBytes uint64) []MemoryRegion {
	if sizeBytes == 0 {
		return nil
	}

	if sizeBytes <= MMIOGapStart {
		return []MemoryRegion{{Start: 0, Size: sizeBytes}}
	}

	return []MemoryRegion{
		{Start: 0, Size: MMIOGapStart},
		{Start: MMIOGapEnd, Size: sizeBytes - MMIOGapStart},
	}
}

// GetKernelStart returns the guest-physical entry address a loaded kernel
// image should be placed at on x86_64: HighMemBase for bzImage, 0x10000 for
// a raw ELF/Image kernel.
func GetKernelStart(isBzImage bool) uint64 {
	if isBzImage {
		return HighMemBase
	}

	return 0x10000
}
