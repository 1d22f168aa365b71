// Package machine manages per-vCPU KVM state: register, segment, and
// CPUID initialization, kernel image loading into guest memory, and the
// vCPU run loop that dispatches KVM_EXIT_IO through the legacy
// port-I/O bus. VM-level setup (creating the VM, attaching memory,
// creating the IRQ chip) is the Boot Assembler's job, not this
// package's; machine only deals with what happens per vCPU.
package machine

// initrdAddr is the x86_64 guest-physical address the initrd is copied
// to. Kernel loading in this package targets the x86_64 boot protocol
// only, matching the scope of LoadKernel's ELF/bzImage dispatch.
const initrdAddr = 0xf000000

// pageTableBase is the guest-physical address the long-mode identity
// page tables are built at, ahead of a 64-bit kernel's first instruction.
const pageTableBase = 0x30_000

// SerialIRQ is the legacy PIC line the UART raises on the guest side; it
// is not handed out by the MMIO device manager's IRQ pool.
const SerialIRQ = 4

// MinMemSize is a 32 MiB lower bound for guest memory; memory.New and the
// Boot Assembler do not check requested sizes against it.
const MinMemSize = 1 << 25

const (
	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xEM = (1 << 2)
	CR0xTS = (1 << 3)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xNW = (1 << 29)
	CR0xCD = (1 << 30)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xVME        = 1
	CR4xPVI        = (1 << 1)
	CR4xTSD        = (1 << 2)
	CR4xDE         = (1 << 3)
	CR4xPSE        = (1 << 4)
	CR4xPAE        = (1 << 5)
	CR4xMCE        = (1 << 6)
	CR4xPGE        = (1 << 7)
	CR4xPCE        = (1 << 8)
	CR4xOSFXSR     = (1 << 9)
	CR4xOSXMMEXCPT = (1 << 10)
	CR4xUMIP       = (1 << 11)
	CR4xVMXE       = (1 << 13)
	CR4xSMXE       = (1 << 14)
	CR4xFSGSBASE   = (1 << 16)
	CR4xPCIDE      = (1 << 17)
	CR4xOSXSAVE    = (1 << 18)
	CR4xSMEP       = (1 << 20)
	CR4xSMAP       = (1 << 21)

	EFERxSCE = 1
	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
	EFERxNXE = (1 << 11)

	// 64-bit page table entry bits.
	PDE64xPRESENT  = 1
	PDE64xRW       = (1 << 1)
	PDE64xUSER     = (1 << 2)
	PDE64xACCESSED = (1 << 5)
	PDE64xDIRTY    = (1 << 6)
	PDE64xPS       = (1 << 7)
	PDE64xG        = (1 << 8)
)
