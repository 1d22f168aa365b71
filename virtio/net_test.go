package virtio_test

import (
	"os"
	"testing"

	"uvmm/virtio"
)

func TestNewNetOpensTap(t *testing.T) { // nolint:paralleltest
	if os.Getuid() != 0 {
		t.Skip("skipping: requires root and /dev/net/tun access")
	}

	n, err := virtio.NewNet("vnet_test0", "52:54:00:12:34:56", nil, nil, false)
	if err != nil {
		t.Skipf("skipping: %v", err)
	}

	defer n.AsFile().Close()

	if n.DeviceType() != virtio.TypeNet {
		t.Fatalf("DeviceType() = %d, want TypeNet", n.DeviceType())
	}
}
