package vmm

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEventLoopRegisterAndWait(t *testing.T) {
	t.Parallel()

	loop, err := newEventLoop()
	if err != nil {
		t.Fatalf("newEventLoop: %v", err)
	}
	defer loop.Close()

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("Eventfd: %v", err)
	}
	defer unix.Close(fd)

	if err := loop.Register(fd, Token{Kind: TokenStdin}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if toks, err := loop.wait(0); err != nil || len(toks) != 0 {
		t.Fatalf("wait before signal: got (%v, %v), want (nil, nil)", toks, err)
	}

	if _, err := unix.Write(fd, []byte{1, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("signalling eventfd: %v", err)
	}

	toks, err := loop.wait(100)
	if err != nil {
		t.Fatalf("wait after signal: %v", err)
	}

	if len(toks) != 1 || toks[0].Kind != TokenStdin {
		t.Fatalf("wait after signal: got %v, want one TokenStdin", toks)
	}
}

func TestRunExitsOnTokenExit(t *testing.T) {
	t.Parallel()

	loop, err := newEventLoop()
	if err != nil {
		t.Fatalf("newEventLoop: %v", err)
	}
	defer loop.Close()

	exitFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("Eventfd: %v", err)
	}
	defer unix.Close(exitFD)

	if err := loop.Register(exitFD, Token{Kind: TokenExit}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	v := &Vmm{loop: loop, exitFD: exitFD}

	if code := v.Stop(ExitCodeOK); code != ExitCodeOK {
		t.Fatalf("Stop: got %d, want ExitCodeOK", code)
	}

	if code := v.Run(nil); code != ExitCodeOK {
		t.Fatalf("Run: got %d, want ExitCodeOK", code)
	}
}

func TestDispatchVcpuTracksRemainingAndError(t *testing.T) {
	t.Parallel()

	doneFD1, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("Eventfd: %v", err)
	}
	defer unix.Close(doneFD1)

	doneFD2, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("Eventfd: %v", err)
	}
	defer unix.Close(doneFD2)

	v := &Vmm{
		vcpus: []*vcpuThread{
			{doneFD: doneFD1},
			{doneFD: doneFD2},
		},
		remaining: 2,
	}

	buf := []byte{1, 0, 0, 0, 0, 0, 0, 0}

	if _, err := unix.Write(doneFD1, buf); err != nil {
		t.Fatalf("signalling doneFD1: %v", err)
	}

	if done, _ := v.dispatchVcpu(0); done {
		t.Fatal("dispatchVcpu(0): got done=true with one vcpu still running")
	}

	if _, err := unix.Write(doneFD2, buf); err != nil {
		t.Fatalf("signalling doneFD2: %v", err)
	}

	done, code := v.dispatchVcpu(1)
	if !done || code != ExitCodeOK {
		t.Fatalf("dispatchVcpu(1): got (%v, %d), want (true, ExitCodeOK)", done, code)
	}

	// A vCPU that exits with an error ends the loop even while another is
	// still running.
	v.remaining = 2
	v.vcpus[0].err = errors.New("vcpu run failed")

	if _, err := unix.Write(doneFD1, buf); err != nil {
		t.Fatalf("signalling doneFD1: %v", err)
	}

	done, code = v.dispatchVcpu(0)
	if !done || code != ExitCodeGenericError {
		t.Fatalf("dispatchVcpu(0) after a run error: got (%v, %d), want (true, ExitCodeGenericError)", done, code)
	}
}
