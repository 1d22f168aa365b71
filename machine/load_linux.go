package machine

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"uvmm/arch"
	"uvmm/bootparam"
	"uvmm/cmdline"
	"uvmm/ebda"
	"uvmm/memory"
)

// ErrZeroSizeKernel means neither the ELF nor the bzImage path copied any
// kernel bytes into guest memory.
var ErrZeroSizeKernel = errors.New("machine: kernel image is 0 bytes")

// LoadedKernel is where LoadKernel placed the guest entry point and the
// Linux boot_params ("zero page") structure the 32-bit entry protocol
// expects in RSI.
type LoadedKernel struct {
	EntryPoint    uint64
	BootParamAddr uint64
	Is64Bit       bool
}

// LoadKernel writes the EBDA's MP tables, an optional initrd, the kernel
// command line, the zero page, and the kernel image itself (bzImage or a
// raw ELF, auto-detected) into gm.
func LoadKernel(gm *memory.GuestMemory, nCPUs int, kernel io.ReaderAt, initrd io.ReaderAt, cl *cmdline.Cmdline) (*LoadedKernel, error) {
	mpTable, err := ebda.New(nCPUs)
	if err != nil {
		return nil, fmt.Errorf("machine: building EBDA: %w", err)
	}

	mpBytes, err := mpTable.Bytes()
	if err != nil {
		return nil, err
	}

	if _, err := gm.WriteAt(bootparam.EBDAStart, mpBytes); err != nil {
		return nil, fmt.Errorf("machine: writing EBDA: %w", err)
	}

	initrdSize, err := loadInitrd(gm, initrd)
	if err != nil {
		return nil, err
	}

	cmdlineBytes := cl.Bytes()
	if _, err := gm.WriteAt(arch.CmdlineStart, cmdlineBytes); err != nil {
		return nil, fmt.Errorf("machine: writing cmdline: %w", err)
	}

	k, elfErr := elf.NewFile(kernel)
	isELF := elfErr == nil

	bp := &bootparam.BootParam{}
	if !isELF {
		bp, err = bootparam.New(kernel)
		if err != nil {
			return nil, fmt.Errorf("machine: reading bzImage header: %w", err)
		}
	}

	memSize := gm.Size()

	// refs https://github.com/kvmtool/kvmtool/blob/0e1882a49f81cb15d328ef83a78849c0ea26eecc/x86/bios.c#L66-L86
	bp.AddE820Entry(bootparam.RealModeIvtBegin, bootparam.EBDAStart-bootparam.RealModeIvtBegin, bootparam.E820Ram)
	bp.AddE820Entry(bootparam.EBDAStart, bootparam.VGARAMBegin-bootparam.EBDAStart, bootparam.E820Reserved)
	bp.AddE820Entry(bootparam.MBBIOSBegin, bootparam.MBBIOSEnd-bootparam.MBBIOSBegin, bootparam.E820Reserved)
	bp.AddE820Entry(arch.HighMemBase, memSize-arch.HighMemBase, bootparam.E820Ram)

	bp.Hdr.VidMode = 0xFFFF                                                                    // Proto ALL
	bp.Hdr.TypeOfLoader = 0xFF                                                                  // Proto 2.00+
	bp.Hdr.RamdiskImage = uint32(initrdAddr)                                                    // Proto 2.00+
	bp.Hdr.RamdiskSize = uint32(initrdSize)                                                     // Proto 2.00+
	bp.Hdr.LoadFlags |= bootparam.CanUseHeap | bootparam.LoadedHigh | bootparam.KeepSegments     // Proto 2.00+
	bp.Hdr.HeapEndPtr = 0xFE00                                                                  // Proto 2.01+
	bp.Hdr.ExtLoaderVer = 0                                                                      // Proto 2.02+
	bp.Hdr.CmdlinePtr = uint32(arch.CmdlineStart)                                                // Proto 2.06+
	bp.Hdr.CmdlineSize = uint32(len(cmdlineBytes))                                               // Proto 2.06+

	zeroPage, err := bp.Bytes()
	if err != nil {
		return nil, err
	}

	if _, err := gm.WriteAt(arch.ZeroPageStart, zeroPage); err != nil {
		return nil, fmt.Errorf("machine: writing zero page: %w", err)
	}

	var (
		entry    uint64
		is64bit  bool
		kernSize int
	)

	switch {
	case isELF:
		is64bit = k.Class == elf.ELFCLASS64
		entry = k.Entry

		for i, p := range k.Progs {
			if p.Type != elf.PT_LOAD {
				continue
			}

			buf := make([]byte, p.Filesz)

			n, err := p.ReadAt(buf, 0)
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("machine: reading ELF segment %d at 0x%x: %w", i, p.Paddr, err)
			}

			if _, err := gm.WriteAt(p.Paddr, buf[:n]); err != nil {
				return nil, fmt.Errorf("machine: writing ELF segment %d: %w", i, err)
			}

			kernSize += n
		}

	default:
		// The 32-bit (non-real-mode) kernel starts at offset
		// (setup_sects+1)*512 in the kernel file, loaded at
		// HighMemBase for bzImage kernels.
		// refs: https://www.kernel.org/doc/html/latest/x86/boot.html#loading-the-rest-of-the-kernel
		setupSize := int64(bp.Hdr.SetupSects+1) * 512
		entry = arch.GetKernelStart(true)

		buf := make([]byte, memSize-entry)

		n, err := kernel.ReadAt(buf, setupSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("machine: reading bzImage body: %w", err)
		}

		if _, err := gm.WriteAt(entry, buf[:n]); err != nil {
			return nil, fmt.Errorf("machine: writing kernel image: %w", err)
		}

		kernSize = n
	}

	if kernSize == 0 {
		return nil, ErrZeroSizeKernel
	}

	return &LoadedKernel{EntryPoint: entry, BootParamAddr: arch.ZeroPageStart, Is64Bit: is64bit}, nil
}

// loadInitrd copies initrd into guest memory at initrdAddr and returns
// its size. A nil initrd is a no-op, matching a boot with no initrd.
func loadInitrd(gm *memory.GuestMemory, initrd io.ReaderAt) (int, error) {
	if initrd == nil {
		return 0, nil
	}

	slot, err := gm.FindRegion(initrdAddr)
	if err != nil {
		return 0, fmt.Errorf("machine: initrd load address not backed by guest memory: %w", err)
	}

	maxSize := slot.Size - int(initrdAddr-slot.Addr)
	buf := make([]byte, maxSize)

	n, err := initrd.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("machine: reading initrd: %w", err)
	}

	if _, err := gm.WriteAt(initrdAddr, buf[:n]); err != nil {
		return 0, fmt.Errorf("machine: writing initrd: %w", err)
	}

	return n, nil
}
