package virtio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"uvmm/ratelimiter"
)

// SectorSize is the block size RescanBlockDevice measures capacity in.
const SectorSize = 512

// Blk is a virtio-mmio block device backed by an open host file.
type Blk struct {
	file       *os.File
	readOnly   bool
	rl         *ratelimiter.RateLimiter
	eventFD    int
	capacity   uint64 // in 512-byte sectors
}

// NewBlk opens path (read-only if readOnly) and constructs a Blk device
// sized to the file's current length, rounded down to whole sectors.
func NewBlk(path string, readOnly bool, rl *ratelimiter.RateLimiter) (*Blk, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio: open block backing file %q: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("virtio: stat block backing file %q: %w", path, err)
	}

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("virtio: eventfd: %w", err)
	}

	return &Blk{
		file:     f,
		readOnly: readOnly,
		rl:       rl,
		eventFD:  fd,
		capacity: uint64(fi.Size()) / SectorSize,
	}, nil
}

func (b *Blk) DeviceType() uint32 { return TypeBlock }
func (b *Blk) InterruptFD() int   { return b.eventFD }

// CapacitySectors is the guest-visible size, in 512-byte sectors, as
// advertised in the device's virtio config space.
func (b *Blk) CapacitySectors() uint64 { return b.capacity }

// SetCapacitySectors updates the guest-visible size. RescanBlockDevice
// calls this after reading the backing file's new length, then raises
// VIRTIO_MMIO_INT_CONFIG so the guest driver re-reads the config space.
func (b *Blk) SetCapacitySectors(n uint64) { b.capacity = n }

// ReplaceBackingFile swaps the open file backing this device, used by
// UpdateBlockDevicePath's post-boot live-replacement path.
func (b *Blk) ReplaceBackingFile(f *os.File) error {
	old := b.file
	b.file = f

	return old.Close()
}

// File returns the currently open backing file.
func (b *Blk) File() *os.File { return b.file }

// ReadOnly reports whether the device was constructed read-only.
func (b *Blk) ReadOnly() bool { return b.readOnly }
