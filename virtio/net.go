package virtio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"uvmm/ratelimiter"
	"uvmm/tap"
)

// Net is a virtio-mmio network device backed by a host tap interface.
type Net struct {
	tap               *tap.Tap
	guestMAC          string
	rxRL, txRL        *ratelimiter.RateLimiter
	allowMMDSRequests bool
	eventFD           int
}

// NewNet opens ifaceName as a tap device and constructs a Net device.
// It fails NetDeviceNotConfigured-classified errors (mapped by the caller)
// if the tap cannot be opened.
func NewNet(ifaceName, guestMAC string, rxRL, txRL *ratelimiter.RateLimiter, allowMMDS bool) (*Net, error) {
	t, err := tap.New(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("virtio: open tap %q: %w", ifaceName, err)
	}

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("virtio: eventfd: %w", err)
	}

	return &Net{
		tap:               t,
		guestMAC:          guestMAC,
		rxRL:              rxRL,
		txRL:              txRL,
		allowMMDSRequests: allowMMDS,
		eventFD:           fd,
	}, nil
}

func (n *Net) DeviceType() uint32 { return TypeNet }
func (n *Net) InterruptFD() int   { return n.eventFD }

// PatchRateLimiters atomically swaps in new bucket configs for whichever of
// rx/tx are non-nil, leaving the other untouched.
func (n *Net) PatchRateLimiters(rxBW, rxOps, txBW, txOps *ratelimiter.BucketConfig) {
	if n.rxRL != nil {
		n.rxRL.Patch(rxBW, rxOps)
	}

	if n.txRL != nil {
		n.txRL.Patch(txBW, txOps)
	}
}

// AsFile exposes the tap's backing *os.File for epoll registration.
func (n *Net) AsFile() *os.File { return n.tap.File() }
