package pio_test

import (
	"testing"

	"uvmm/device"
	"uvmm/kvm"
	"uvmm/pio"
)

func TestUnregisteredPortErrors(t *testing.T) {
	t.Parallel()

	b := pio.NewBus()

	if err := b.Dispatch(kvm.EXITIOIN, 0x999, make([]byte, 1)); err == nil {
		t.Fatal("expected an error on an unregistered port")
	}
}

func TestRegisterDispatchesToDevice(t *testing.T) {
	t.Parallel()

	b := pio.NewBus()
	dev := &device.PostCodeDevice{}
	b.Register(dev)

	if err := b.Dispatch(kvm.EXITIOOUT, 0x80, []byte{'A'}); err != nil {
		t.Fatal(err)
	}
}
