package arch_test

import (
	"testing"

	"uvmm/arch"
)

func TestMemoryRegionsAMD64BelowGap(t *testing.T) {
	t.Parallel()

	regions := arch.MemoryRegions(arch.X8664, 256<<20)
	if len(regions) != 1 {
		t.Fatalf("got %d regions, want 1", len(regions))
	}

	if regions[0].Start != 0 || regions[0].Size != 256<<20 {
		t.Fatalf("got %+v", regions[0])
	}
}

func TestMemoryRegionsAMD64AboveGap(t *testing.T) {
	t.Parallel()

	size := arch.MMIOGapStart + 1<<20
	regions := arch.MemoryRegions(arch.X8664, size)

	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}

	if regions[0].Start != 0 || regions[0].Size != arch.MMIOGapStart {
		t.Fatalf("low region = %+v", regions[0])
	}

	if regions[1].Start != arch.MMIOGapEnd || regions[1].Size != size-arch.MMIOGapStart {
		t.Fatalf("high region = %+v", regions[1])
	}
}

func TestMemoryRegionsARM64(t *testing.T) {
	t.Parallel()

	regions := arch.MemoryRegions(arch.AArch64, 512<<20)
	if len(regions) != 1 {
		t.Fatalf("got %d regions, want 1", len(regions))
	}

	if regions[0].Start != arch.DRAMMemStart {
		t.Fatalf("start = 0x%x, want DRAM base 0x%x", regions[0].Start, arch.DRAMMemStart)
	}
}

func TestMemoryRegionsEmptySize(t *testing.T) {
	t.Parallel()

	if got := arch.MemoryRegions(arch.X8664, 0); got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

func TestIRQRangeDoesNotOverlapLegacy(t *testing.T) {
	t.Parallel()

	base, max := arch.IRQRange(arch.X8664)
	if base == 0 || base > max {
		t.Fatalf("IRQRange(X8664) = (%d, %d), invalid range", base, max)
	}
}
