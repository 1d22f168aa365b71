package memory_test

import (
	"bytes"
	"os"
	"testing"

	"uvmm/arch"
	"uvmm/memory"
)

func openKVM(t *testing.T) *os.File {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("skipping: requires root and /dev/kvm access")
	}

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("skipping: %v", err)
	}

	return f
}

func TestNewRejectsZeroSize(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)
	defer devKVM.Close()

	if _, err := memory.New(devKVM.Fd(), arch.X8664, 0); err != memory.ErrMemoryNotInitialized {
		t.Fatalf("New(0): got %v, want ErrMemoryNotInitialized", err)
	}
}

func TestNewSingleRegionBelowGap(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)
	defer devKVM.Close()

	gm, err := memory.New(devKVM.Fd(), arch.X8664, 128)
	if err != nil {
		t.Fatal(err)
	}

	if len(gm.Slots) != 1 {
		t.Fatalf("want a single low region for a guest smaller than the MMIO gap, got %d slots", len(gm.Slots))
	}

	if gm.Size() != 128*1024*1024 {
		t.Fatalf("Size() = %d, want %d", gm.Size(), 128*1024*1024)
	}
}

func TestReadWriteAtRoundTrips(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)
	defer devKVM.Close()

	gm, err := memory.New(devKVM.Fd(), arch.X8664, 16)
	if err != nil {
		t.Fatal(err)
	}

	want := []byte("hello guest")

	if _, err := gm.WriteAt(0x2000, want); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(want))
	if _, err := gm.ReadAt(0x2000, got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("ReadAt = %q, want %q", got, want)
	}
}
