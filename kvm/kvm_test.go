package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"uvmm/kvm"
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

func TestCreateVMAndVCPU(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)
	defer devKVM.Close()

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if err := kvm.SetTSSAddr(vmFd, 0xffffd000); err != nil {
		t.Fatalf("SetTSSAddr: %v", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, 0xffffc000); err != nil {
		t.Fatalf("SetIdentityMapAddr: %v", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatalf("CreateIRQChip: %v", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		t.Fatalf("CreatePIT2: %v", err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}
}

func TestCheckExtension(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)
	defer devKVM.Close()

	n, err := kvm.CheckExtension(devKVM.Fd(), kvm.CapNRMemSlots)
	if err != nil {
		t.Fatalf("CheckExtension: %v", err)
	}

	if n <= 0 {
		t.Fatalf("CapNRMemSlots: got %d, want > 0", n)
	}
}

func TestExitTypeStringer(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		val  kvm.ExitType
		want string
	}{
		{kvm.EXITUNKNOWN, "EXITUNKNOWN"},
		{kvm.EXITIO, "EXITIO"},
		{kvm.EXITINTERNALERROR, "EXITINTERNALERROR"},
		{kvm.ExitType(1024), "ExitType(1024)"},
	} {
		if got := test.val.String(); got != test.want {
			t.Errorf("ExitType(%d).String() = %q, want %q", test.val, got, test.want)
		}
	}
}

func TestRunDataIO(t *testing.T) {
	t.Parallel()

	run := &kvm.RunData{}
	// direction=OUT(1), size=1, port=0x3f8, count=1, offset=sizeof(header)
	run.Data[0] = 1 | (1 << 8) | (0x3f8 << 16) | (1 << 32)
	run.Data[1] = uint64(unsafe.Sizeof(kvm.RunData{}) - 32*8)

	direction, size, port, count, _ := run.IO()
	if direction != kvm.EXITIOOUT || size != 1 || port != 0x3f8 || count != 1 {
		t.Fatalf("IO() = (%d,%d,%d,%d), unexpected", direction, size, port, count)
	}
}
