package registry_test

import (
	"testing"

	"uvmm/ratelimiter"
	"uvmm/registry"
	"uvmm/vmmerrors"
)

func TestAtMostOneRootDevice(t *testing.T) {
	t.Parallel()

	r := registry.New()

	if err := r.InsertBlockDevice(registry.BlockConfig{DriveID: "1", IsRootDevice: true}); err != nil {
		t.Fatal(err)
	}

	err := r.InsertBlockDevice(registry.BlockConfig{DriveID: "2", IsRootDevice: true})
	if err == nil || err.Kind != vmmerrors.KindUser || err.Domain != vmmerrors.DomainDrive {
		t.Fatalf("second root device: got %v, want a User/Drive error", err)
	}
}

func TestDuplicateDriveIDReplacesInPlace(t *testing.T) {
	t.Parallel()

	r := registry.New()

	if err := r.InsertBlockDevice(registry.BlockConfig{DriveID: "1", PathOnHost: "/a"}); err != nil {
		t.Fatal(err)
	}

	if err := r.InsertBlockDevice(registry.BlockConfig{DriveID: "1", PathOnHost: "/b"}); err != nil {
		t.Fatal(err)
	}

	if len(r.Block) != 1 {
		t.Fatalf("len(Block) = %d, want 1", len(r.Block))
	}

	if r.Block[0].PathOnHost != "/b" {
		t.Fatalf("PathOnHost = %q, want /b", r.Block[0].PathOnHost)
	}
}

func TestDuplicateMACRejected(t *testing.T) {
	t.Parallel()

	r := registry.New()

	if err := r.InsertNetworkDevice(registry.NetworkConfig{IfaceID: "eth0", GuestMAC: "aa:bb"}); err != nil {
		t.Fatal(err)
	}

	err := r.InsertNetworkDevice(registry.NetworkConfig{IfaceID: "eth1", GuestMAC: "aa:bb"})
	if err == nil {
		t.Fatal("expected a duplicate-MAC error")
	}
}

func TestDuplicateTapNameRejected(t *testing.T) {
	t.Parallel()

	r := registry.New()

	if err := r.InsertNetworkDevice(registry.NetworkConfig{IfaceID: "eth0", HostDevName: "tap0"}); err != nil {
		t.Fatal(err)
	}

	err := r.InsertNetworkDevice(registry.NetworkConfig{IfaceID: "eth1", HostDevName: "tap0"})
	if err == nil {
		t.Fatal("expected a duplicate-tap-name error")
	}
}

func TestFrozenRegistryRejectsPreBootActions(t *testing.T) {
	t.Parallel()

	r := registry.New()
	r.Freeze()

	err := r.InsertBlockDevice(registry.BlockConfig{DriveID: "1"})
	if err == nil || err.Kind != vmmerrors.KindUser || err.Domain != vmmerrors.DomainDrive {
		t.Fatalf("post-freeze InsertBlockDevice: got %v, want a User/Drive error", err)
	}

	if len(r.Block) != 0 {
		t.Fatal("Registry was mutated despite the phase violation")
	}
}

func TestUpdateNetworkRateLimitersPatchesOnlyGivenBuckets(t *testing.T) {
	t.Parallel()

	r := registry.New()

	if err := r.InsertNetworkDevice(registry.NetworkConfig{IfaceID: "eth0"}); err != nil {
		t.Fatal(err)
	}

	bw := ratelimiter.BucketConfig{Size: 1000}
	if err := r.UpdateNetworkRateLimiters("eth0", &bw, nil, nil, nil); err != nil {
		t.Fatal(err)
	}

	if r.Network[0].RxRateLimiter == nil || r.Network[0].RxRateLimiter.Bandwidth.Size != 1000 {
		t.Fatalf("RxRateLimiter = %+v, want Bandwidth.Size=1000", r.Network[0].RxRateLimiter)
	}

	if r.Network[0].TxRateLimiter != nil {
		t.Fatalf("TxRateLimiter = %+v, want untouched (nil)", r.Network[0].TxRateLimiter)
	}
}

func TestUpdateNetworkRateLimitersUnknownIface(t *testing.T) {
	t.Parallel()

	r := registry.New()

	err := r.UpdateNetworkRateLimiters("nonexistent", nil, nil, nil, nil)
	if err == nil || err.Kind != vmmerrors.KindUser || err.Domain != vmmerrors.DomainNetwork {
		t.Fatalf("UpdateNetworkRateLimiters(nonexistent): got %v, want a User/Network error", err)
	}
}

func TestSetVsockDeviceReplacesWithoutOnceCheck(t *testing.T) {
	t.Parallel()

	r := registry.New()

	if err := r.SetVsockDevice(registry.VsockConfig{VsockID: "1", GuestCID: 3}); err != nil {
		t.Fatal(err)
	}

	if err := r.SetVsockDevice(registry.VsockConfig{VsockID: "2", GuestCID: 4}); err != nil {
		t.Fatal(err)
	}

	if r.Vsock.VsockID != "2" {
		t.Fatalf("VsockID = %q, want the second, silently-replacing call to win", r.Vsock.VsockID)
	}
}
