// Package bootparam builds the Linux x86 boot_params ("zero page") blob a
// bzImage kernel expects at boot: the setup_header copied out of the image
// itself, plus an e820 memory map appended by the loader.
//
// Layout (see Documentation/x86/boot.rst in the Linux source): the e820
// entry count lives at byte offset 0x1E8, the setup_header at 0x1F1, and
// the e820 table at 0x2D0, each entry 20 bytes (addr uint64, size uint64,
// type uint32).
package bootparam

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// EBDAStart is the guest-physical address of the Extended BIOS Data
	// Area this loader reserves for MP tables.
	EBDAStart = 0x9fc00

	RealModeIvtBegin = 0x00000000
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x00100000

	maxE820Entries = 128

	e820CountOff = 0x1E8
	hdrOff       = 0x1F1
	e820TableOff = 0x2D0
)

// E820 region types.
const (
	E820Ram      uint32 = 1
	E820Reserved uint32 = 2
	E820ACPI     uint32 = 3
	E820NVS      uint32 = 4
	E820Unusable uint32 = 5
)

// loadflags bits (setup_header.loadflags).
const (
	LoadedHigh   = uint8(1 << 0)
	KASLRFlag    = uint8(1 << 1)
	QuietFlag    = uint8(1 << 5)
	KeepSegments = uint8(1 << 6)
	CanUseHeap   = uint8(1 << 7)
)

var (
	errNotBzImage = errors.New("bootparam: not a bzImage (bad boot sector signature)")
	errTooManyE820 = errors.New("bootparam: too many e820 entries")
)

// Header is the subset of struct setup_header this loader populates or
// reads back. Field order and sizes mirror the kernel header exactly so
// that Bytes() produces a byte-identical setup_header at hdrOff.
type Header struct {
	SetupSects   uint8
	RootFlags    uint16
	SysSize      uint32
	RAMSize      uint16
	VidMode      uint16
	RootDev      uint16
	BootFlag     uint16
	Jump         uint16
	Header       uint32
	Version      uint16
	RealModeSwtch uint32
	StartSysSeg  uint16
	KernelVersion uint16
	TypeOfLoader uint8
	LoadFlags    uint8
	SetupMoveSize uint16
	Code32Start  uint32
	RamdiskImage uint32
	RamdiskSize  uint32
	BootSectKludge [4]byte
	HeapEndPtr   uint16
	ExtLoaderVer uint8
	ExtLoaderType uint8
	CmdlinePtr   uint32
	InitrdAddrMax uint32
	KernelAlignment uint32
	RelocatableKernel uint8
	MinAlignment uint8
	XLoadFlags   uint16
	CmdlineSize  uint32
	HardwareSubarch uint32
	HardwareSubarchData uint64
	PayloadOffset uint32
	PayloadLength uint32
	SetupData    uint64
	PrefAddress  uint64
	InitSize     uint32
	HandoverOffset uint32
}

// E820Entry is one row of the e820 memory map.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParam is the full zero-page blob: a page of leading reserved space,
// the e820 entry count, the setup_header, and the e820 table.
type BootParam struct {
	Hdr        Header
	e820Count  uint8
	e820Table  [maxE820Entries]E820Entry
}

// New reads the boot sector of a bzImage from r and returns a BootParam
// with its Header populated from the image's own setup_header. It fails if
// r does not look like a bzImage (bad 0xAA55 boot-sector signature).
func New(r io.ReaderAt) (*BootParam, error) {
	raw := make([]byte, e820TableOff)
	if _, err := r.ReadAt(raw, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if raw[510] != 0x55 || raw[511] != 0xAA {
		return nil, errNotBzImage
	}

	bp := &BootParam{}
	if err := binary.Read(bytes.NewReader(raw[hdrOff:]), binary.LittleEndian, &bp.Hdr); err != nil {
		return nil, err
	}

	return bp, nil
}

// AddE820Entry appends one e820 region. It is the loader's job to call this
// in ascending-address order; BootParam does not sort or merge entries.
func (b *BootParam) AddE820Entry(addr, size uint64, typ uint32) {
	if int(b.e820Count) >= len(b.e820Table) {
		return
	}

	b.e820Table[b.e820Count] = E820Entry{Addr: addr, Size: size, Type: typ}
	b.e820Count++
}

// Bytes serializes the zero page: e820 count at e820CountOff, setup_header
// at hdrOff, e820 table at e820TableOff.
func (b *BootParam) Bytes() ([]byte, error) {
	if int(b.e820Count) > maxE820Entries {
		return nil, errTooManyE820
	}

	buf := make([]byte, e820TableOff+maxE820Entries*20)

	buf[e820CountOff] = b.e820Count

	hdrBuf := new(bytes.Buffer)
	if err := binary.Write(hdrBuf, binary.LittleEndian, b.Hdr); err != nil {
		return nil, err
	}

	copy(buf[hdrOff:], hdrBuf.Bytes())

	for i := 0; i < int(b.e820Count); i++ {
		e := new(bytes.Buffer)
		if err := binary.Write(e, binary.LittleEndian, b.e820Table[i]); err != nil {
			return nil, err
		}

		copy(buf[e820TableOff+i*20:], e.Bytes())
	}

	return buf, nil
}
