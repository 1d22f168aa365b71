package virtio

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Vsock is a virtio-mmio vsock device backed by a Unix-domain socket.
type Vsock struct {
	guestCID uint32
	listener *net.UnixListener
	eventFD  int
}

// NewVsock binds a Unix-domain socket at udsPath as the host side of a
// vsock device advertising guestCID to the guest.
func NewVsock(udsPath string, guestCID uint32) (*Vsock, error) {
	addr, err := net.ResolveUnixAddr("unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("virtio: resolve vsock backend path %q: %w", udsPath, err)
	}

	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("virtio: bind vsock backend %q: %w", udsPath, err)
	}

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		l.Close()

		return nil, fmt.Errorf("virtio: eventfd: %w", err)
	}

	return &Vsock{guestCID: guestCID, listener: l, eventFD: fd}, nil
}

func (v *Vsock) DeviceType() uint32 { return TypeVsock }
func (v *Vsock) InterruptFD() int   { return v.eventFD }

// GuestCID is the context ID this backend advertises to the guest.
func (v *Vsock) GuestCID() uint32 { return v.guestCID }

// Close releases the Unix-domain socket listener.
func (v *Vsock) Close() error { return v.listener.Close() }
