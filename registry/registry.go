// Package registry implements the Resource Registry: the in-memory,
// pre-boot, declarative collection of machine sizing and device
// configurations. It is mutable before boot and frozen by the Boot
// Assembler at StartMicroVm; further structural mutation is rejected after
// that, though the Registry itself stays alive for post-boot introspection.
package registry

import (
	"os"
	"sync"

	"uvmm/cmdline"
	"uvmm/ratelimiter"
	"uvmm/vmmerrors"
)

// VMConfig is machine sizing. Every field is optional pre-boot and required
// at boot.
type VMConfig struct {
	VCPUCount   int
	HTEnabled   bool
	CPUTemplate string
	MemSizeMiB  int
}

// BootSource is the owned kernel image handle plus the kernel command line.
type BootSource struct {
	KernelFile *os.File
	InitrdFile *os.File
	Cmdline    *cmdline.Cmdline
}

// RateLimiterConfig materializes into a ratelimiter.RateLimiter at device
// construction time.
type RateLimiterConfig struct {
	Bandwidth ratelimiter.BucketConfig
	Ops       ratelimiter.BucketConfig
}

// BlockConfig is one block device entry.
type BlockConfig struct {
	DriveID      string
	PathOnHost   string
	IsRootDevice bool
	PartUUID     string
	IsReadOnly   bool
	RateLimiter  *RateLimiterConfig
}

// NetworkConfig is one network interface entry.
type NetworkConfig struct {
	IfaceID           string
	HostDevName       string
	GuestMAC          string
	RxRateLimiter     *RateLimiterConfig
	TxRateLimiter     *RateLimiterConfig
	AllowMMDSRequests bool
}

// VsockConfig is the at-most-one vsock device entry.
type VsockConfig struct {
	VsockID  string
	GuestCID uint32
	UDSPath  string
}

// Registry is the Resource Registry. All mutation happens on the single
// control thread; the mutex guards against accidental concurrent access
// rather than modeling genuine contention.
type Registry struct {
	mu sync.Mutex

	VMConfig   VMConfig
	BootSource *BootSource
	Block      []BlockConfig
	Network    []NetworkConfig
	Vsock      *VsockConfig

	frozen bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Frozen reports whether StartMicroVm has already consumed this Registry.
// The Registry's own pre-boot-only mutators check the same flag; the Action
// Controller's own phase checks look at whether it holds a VMM Handle.
func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.frozen
}

// Freeze marks the Registry as consumed. It is idempotent; callers enforce
// the "StartMicroVm exactly once" invariant separately.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
}

func (r *Registry) requirePreBoot(domain vmmerrors.Domain) *vmmerrors.Error {
	if r.frozen {
		return vmmerrors.User(domain, errOperationNotSupportedPostBoot)
	}

	return nil
}

// SetVMConfig replaces the machine sizing. Pre-boot only.
func (r *Registry) SetVMConfig(cfg VMConfig) *vmmerrors.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requirePreBoot(vmmerrors.DomainMachineConfig); err != nil {
		return err
	}

	r.VMConfig = cfg

	return nil
}

// SetBootSource replaces the kernel image and command line. Pre-boot only.
func (r *Registry) SetBootSource(bs *BootSource) *vmmerrors.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requirePreBoot(vmmerrors.DomainBootSource); err != nil {
		return err
	}

	r.BootSource = bs

	return nil
}

// InsertBlockDevice adds cfg, or replaces in place if DriveID already
// exists (list length does not grow). Fails if cfg would make a second
// entry is_root_device=true.
func (r *Registry) InsertBlockDevice(cfg BlockConfig) *vmmerrors.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requirePreBoot(vmmerrors.DomainDrive); err != nil {
		return err
	}

	if cfg.IsRootDevice {
		for _, b := range r.Block {
			if b.IsRootDevice && b.DriveID != cfg.DriveID {
				return vmmerrors.User(vmmerrors.DomainDrive, errRootDeviceExists)
			}
		}
	}

	for i, b := range r.Block {
		if b.DriveID == cfg.DriveID {
			r.Block[i] = cfg

			return nil
		}
	}

	r.Block = append(r.Block, cfg)

	return nil
}

// UpdateBlockDevicePath updates path_on_host on the Registry's copy of the
// config, preserving every other field (including read-only semantics).
// The Action Controller is responsible for the post-boot live-replacement
// side effect; this method only ever touches the Registry.
func (r *Registry) UpdateBlockDevicePath(driveID, newPath string) *vmmerrors.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, b := range r.Block {
		if b.DriveID == driveID {
			r.Block[i].PathOnHost = newPath

			return nil
		}
	}

	return vmmerrors.User(vmmerrors.DomainDrive, errInvalidBlockDeviceID)
}

// FindBlockDevice returns the config for driveID.
func (r *Registry) FindBlockDevice(driveID string) (BlockConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.Block {
		if b.DriveID == driveID {
			return b, true
		}
	}

	return BlockConfig{}, false
}

// UpdateNetworkRateLimiters patches the stored rx/tx rate limiter bucket
// configs for ifaceID. A nil bucket leaves that bucket untouched; the
// limiter itself is allocated on its first patch if not already present.
// Callable in both phases: pre-boot this is the only effect
// UpdateNetworkInterface has, so the patched values take effect the next
// time the interface is attached at StartMicroVm.
func (r *Registry) UpdateNetworkRateLimiters(ifaceID string, rxBandwidth, rxOps, txBandwidth, txOps *ratelimiter.BucketConfig) *vmmerrors.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, n := range r.Network {
		if n.IfaceID != ifaceID {
			continue
		}

		if rxBandwidth != nil || rxOps != nil {
			if r.Network[i].RxRateLimiter == nil {
				r.Network[i].RxRateLimiter = &RateLimiterConfig{}
			}

			if rxBandwidth != nil {
				r.Network[i].RxRateLimiter.Bandwidth = *rxBandwidth
			}

			if rxOps != nil {
				r.Network[i].RxRateLimiter.Ops = *rxOps
			}
		}

		if txBandwidth != nil || txOps != nil {
			if r.Network[i].TxRateLimiter == nil {
				r.Network[i].TxRateLimiter = &RateLimiterConfig{}
			}

			if txBandwidth != nil {
				r.Network[i].TxRateLimiter.Bandwidth = *txBandwidth
			}

			if txOps != nil {
				r.Network[i].TxRateLimiter.Ops = *txOps
			}
		}

		return nil
	}

	return vmmerrors.User(vmmerrors.DomainNetwork, errInvalidNetworkIfaceID)
}

// InsertNetworkDevice adds cfg, or replaces in place if IfaceID already
// exists. Fails if the guest MAC or host tap name collides with a
// different interface.
func (r *Registry) InsertNetworkDevice(cfg NetworkConfig) *vmmerrors.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requirePreBoot(vmmerrors.DomainNetwork); err != nil {
		return err
	}

	for _, n := range r.Network {
		if n.IfaceID == cfg.IfaceID {
			continue
		}

		if cfg.GuestMAC != "" && n.GuestMAC == cfg.GuestMAC {
			return vmmerrors.User(vmmerrors.DomainNetwork, errDuplicateMAC)
		}

		if n.HostDevName == cfg.HostDevName {
			return vmmerrors.User(vmmerrors.DomainNetwork, errDuplicateTapName)
		}
	}

	for i, n := range r.Network {
		if n.IfaceID == cfg.IfaceID {
			r.Network[i] = cfg

			return nil
		}
	}

	r.Network = append(r.Network, cfg)

	return nil
}

// SetVsockDevice replaces the at-most-one vsock config. The source this
// module is grounded on does not enforce a set-once invariant here either:
// a second call silently replaces the first, and that behavior is
// preserved deliberately rather than tightened.
func (r *Registry) SetVsockDevice(cfg VsockConfig) *vmmerrors.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requirePreBoot(vmmerrors.DomainVsock); err != nil {
		return err
	}

	r.Vsock = &cfg

	return nil
}
