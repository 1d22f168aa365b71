// Package tap opens a host tap network interface for a virtio-net device
// to read/write guest Ethernet frames through.
package tap

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// These classify why New failed, so a caller can decide whether the
// failure is the guest operator's fault (ErrOpenTun, ErrInvalidIfname:
// /dev/net/tun cannot be opened or the interface name is rejected) or the
// host's (ErrIoctl: configuring the already-bound tap fd failed).
var (
	ErrOpenTun       = errors.New("tap: open /dev/net/tun")
	ErrInvalidIfname = errors.New("tap: interface name rejected by TUNSETIFF")
	ErrIoctl         = errors.New("tap: ioctl failed")
)

const ifNameSize = 0x10

// Tap is an open, non-blocking tap file descriptor bound to one host
// interface.
type Tap struct {
	fd int
	f  *os.File
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// New opens /dev/net/tun, binds it to the named tap interface (TUNSETIFF
// creates the interface if it does not exist yet), and puts it in
// non-blocking mode.
func New(name string) (*Tap, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenTun, err)
	}

	t := &Tap{fd: fd}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd)

		return nil, fmt.Errorf("%w %q: %v", ErrInvalidIfname, name, errno)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("%w: set non-blocking: %v", ErrIoctl, err)
	}

	t.f = os.NewFile(uintptr(fd), "tap:"+name)

	return t, nil
}

func (t *Tap) Close() error {
	return t.f.Close()
}

func (t *Tap) Write(buf []byte) (int, error) {
	return t.f.Write(buf)
}

func (t *Tap) Read(buf []byte) (int, error) {
	return t.f.Read(buf)
}

// File exposes the tap's backing *os.File, e.g. for epoll registration.
func (t *Tap) File() *os.File {
	return t.f
}

// FD returns the raw file descriptor.
func (t *Tap) FD() int {
	return t.fd
}
