package arch

// aarch64 guest-physical layout. There is no MMIO gap on arm64: the MMIO
// device manager's bus windows and guest RAM both live above the
// architectural DRAM base, with MMIO windows placed just below it.
const (
	// DRAMMemStart is the lowest guest-physical address of RAM.
	DRAMMemStart uint64 = 0x8000_0000

	// MMIOMemStartARM64 is the base address the MMIO device manager hands
	// out bus windows from; it sits directly below DRAMMemStart.
	MMIOMemStartARM64 uint64 = 0x4000_0000

	// IRQBaseARM64/IRQMaxARM64 bound the SPI interrupt range the GIC
	// exposes to devices (the first 32 INTIDs are reserved for the GIC
	// itself and per-CPU interrupts).
	IRQBaseARM64 uint32 = 32
	IRQMaxARM64  uint32 = 128

	// FDTMaxSize bounds the flattened device tree blob written into
	// guest memory just below the kernel image.
	FDTMaxSize uint64 = 0x20_0000 // 2 MiB
)

func arm64MemoryRegions(sizeBytes uint64) []MemoryRegion {
	if sizeBytes == 0 {
		return nil
	}

	return []MemoryRegion{{Start: DRAMMemStart, Size: sizeBytes}}
}

// GetKernelStartARM64 returns the guest-physical entry address a loaded kernel
// image should be placed at on aarch64: directly at the DRAM base.
func GetKernelStartARM64() uint64 {
	return DRAMMemStart
}
