package vmm

import (
	"fmt"
	"log"
	"os"

	"uvmm/logger"
	"uvmm/mmio"
	"uvmm/ratelimiter"
	"uvmm/registry"
	"uvmm/virtio"
	"uvmm/vmmerrors"
)

// Controller is the Action Controller: the post-construction façade every
// external caller (CLI, future API server) dispatches Action values
// through. Controller.vmm is nil pre-boot and non-nil post-boot; the
// Controller's own phase checks read it, while pre-boot-only Registry
// mutations are rejected by the Registry's own Frozen flag.
type Controller struct {
	reg *registry.Registry
	vmm *Vmm

	kvmDevicePath string

	metrics     logger.Metrics
	metricsSink logger.Sink

	// bootConfig is the vCPU configuration snapshot taken at StartMicroVm,
	// nil pre-boot. GetVmConfiguration returns it once set instead of
	// re-reading the Registry, so the answer cannot change out from under
	// a caller once the microVM is running.
	bootConfig *VMConfiguration
}

// NewController wires a Controller to an empty Registry, opening the given
// KVM device path at StartMicroVm rather than at construction time.
func NewController(kvmDevicePath string) *Controller {
	return &Controller{
		reg:           registry.New(),
		kvmDevicePath: kvmDevicePath,
	}
}

func (c *Controller) requirePostBoot(domain vmmerrors.Domain) *vmmerrors.Error {
	if c.vmm == nil {
		return vmmerrors.User(domain, ErrOperationNotSupportedPreBoot)
	}

	return nil
}

// ConfigureBootSource is pre-boot only.
func (c *Controller) ConfigureBootSource(bs *registry.BootSource) *vmmerrors.Error {
	return c.reg.SetBootSource(bs)
}

// ConfigureLogger installs the metrics sink FlushMetrics and the periodic
// WriteMetrics token report through. Pre-boot only: the source configures
// the logger before StartMicroVm, and post-boot reconfiguration is not a
// supported action.
func (c *Controller) ConfigureLogger(sink logger.Sink) *vmmerrors.Error {
	if c.vmm != nil {
		return vmmerrors.User(vmmerrors.DomainLogger, ErrOperationNotSupportedPostBoot)
	}

	c.metricsSink = sink

	return nil
}

// SetVMConfiguration is pre-boot only.
func (c *Controller) SetVMConfiguration(cfg registry.VMConfig) *vmmerrors.Error {
	return c.reg.SetVMConfig(cfg)
}

// InsertBlockDevice is pre-boot only.
func (c *Controller) InsertBlockDevice(cfg registry.BlockConfig) *vmmerrors.Error {
	return c.reg.InsertBlockDevice(cfg)
}

// InsertNetworkDevice is pre-boot only.
func (c *Controller) InsertNetworkDevice(cfg registry.NetworkConfig) *vmmerrors.Error {
	return c.reg.InsertNetworkDevice(cfg)
}

// SetVsockDevice is pre-boot only. A second call silently replaces the
// first; this module preserves that behavior rather than enforcing a
// set-once invariant (see DESIGN.md).
func (c *Controller) SetVsockDevice(cfg registry.VsockConfig) *vmmerrors.Error {
	return c.reg.SetVsockDevice(cfg)
}

// StartMicroVm runs the Boot Assembler exactly once. A second call fails
// MicroVMAlreadyRunning without touching the already-running Vmm.
func (c *Controller) StartMicroVm() *vmmerrors.Error {
	if c.vmm != nil {
		return vmmerrors.User(vmmerrors.DomainStartMicrovm, ErrMicroVMAlreadyRunning)
	}

	v, err := Build(c.reg, c.kvmDevicePath)
	if err != nil {
		return err
	}

	if c.metricsSink != nil {
		v.metricsSink = c.metricsSink
	} else {
		v.metricsSink = logger.NewStdSink(func() logger.Metrics { return c.metrics })
	}

	c.metricsSink = v.metricsSink

	cfg := c.reg.VMConfig

	vcpuCount := cfg.VCPUCount
	if vcpuCount <= 0 {
		vcpuCount = 1
	}

	c.bootConfig = &VMConfiguration{
		VCPUCount:   vcpuCount,
		HTEnabled:   cfg.HTEnabled,
		CPUTemplate: cfg.CPUTemplate,
		MemSizeMiB:  cfg.MemSizeMiB,
	}

	c.reg.Freeze()
	c.vmm = v

	if err := c.metricsSink.LogMetrics(); err != nil {
		log.Printf("vmm: initial metrics flush: %v", err)
	}

	return nil
}

// VMConfiguration is the GetVmConfiguration result: the Registry's
// snapshot pre-boot, or the vCPU configuration snapshot captured at boot
// post-boot (so the answer never changes out from under a caller once the
// microVM is running).
type VMConfiguration struct {
	VCPUCount   int
	HTEnabled   bool
	CPUTemplate string
	MemSizeMiB  int
}

// GetVmConfiguration is allowed in both phases: pre-boot it reflects the
// live Registry, post-boot it returns the snapshot captured at
// StartMicroVm.
func (c *Controller) GetVmConfiguration() VMConfiguration {
	if c.bootConfig != nil {
		return *c.bootConfig
	}

	cfg := c.reg.VMConfig

	return VMConfiguration{
		VCPUCount:   cfg.VCPUCount,
		HTEnabled:   cfg.HTEnabled,
		CPUTemplate: cfg.CPUTemplate,
		MemSizeMiB:  cfg.MemSizeMiB,
	}
}

// FlushMetrics is allowed in both phases, once a logger has been
// configured.
func (c *Controller) FlushMetrics() *vmmerrors.Error {
	if c.metricsSink == nil {
		return vmmerrors.User(vmmerrors.DomainLogger, ErrLoggerNotConfigured)
	}

	if err := c.metricsSink.LogMetrics(); err != nil {
		return vmmerrors.Internal(vmmerrors.DomainLogger, err)
	}

	return nil
}

// RescanBlockDevice is post-boot only: it re-measures the backing file's
// current size, updates the device's guest-visible capacity, and raises
// VIRTIO_MMIO_INT_CONFIG so the guest driver re-reads the config space.
func (c *Controller) RescanBlockDevice(driveID string) *vmmerrors.Error {
	if err := c.requirePostBoot(vmmerrors.DomainDrive); err != nil {
		return err
	}

	entry, err := c.vmm.mmioBus.Find(virtio.TypeBlock, driveID)
	if err != nil {
		return vmmerrors.User(vmmerrors.DomainDrive, ErrInvalidBlockDeviceID)
	}

	blk, ok := entry.Device.(*virtio.Blk)
	if !ok {
		return vmmerrors.Internal(vmmerrors.DomainDrive, ErrBlockDeviceUpdateFailed)
	}

	fi, err := blk.File().Stat()
	if err != nil {
		return vmmerrors.Internal(vmmerrors.DomainDrive, fmt.Errorf("%w: %v", ErrBlockDeviceUpdateFailed, err))
	}

	newSize := uint64(fi.Size())
	if newSize%virtio.SectorSize != 0 {
		log.Printf("vmm: drive %q: backing file size %d is not a multiple of the sector size; %d trailing bytes will be invisible to the guest",
			driveID, newSize, newSize%virtio.SectorSize)
	}

	blk.SetCapacitySectors(newSize / virtio.SectorSize)

	if err := mmio.RaiseInterrupt(entry); err != nil {
		return vmmerrors.Internal(vmmerrors.DomainDrive, fmt.Errorf("%w: %v", ErrBlockDeviceUpdateFailed, err))
	}

	return nil
}

// UpdateBlockDevicePath updates the Registry's copy of path_on_host, and,
// if the VM is running, swaps the live device's backing file (preserving
// its read-only permission) and triggers a rescan so the guest observes
// the new file's size.
func (c *Controller) UpdateBlockDevicePath(driveID, newPath string) *vmmerrors.Error {
	cfg, ok := c.reg.FindBlockDevice(driveID)
	if !ok {
		return vmmerrors.User(vmmerrors.DomainDrive, ErrInvalidBlockDeviceID)
	}

	if err := c.reg.UpdateBlockDevicePath(driveID, newPath); err != nil {
		return err
	}

	if c.vmm == nil {
		return nil
	}

	entry, err := c.vmm.mmioBus.Find(virtio.TypeBlock, driveID)
	if err != nil {
		return vmmerrors.Internal(vmmerrors.DomainDrive, ErrBlockDeviceUpdateFailed)
	}

	blk, ok := entry.Device.(*virtio.Blk)
	if !ok {
		return vmmerrors.Internal(vmmerrors.DomainDrive, ErrBlockDeviceUpdateFailed)
	}

	flag := os.O_RDWR
	if cfg.IsReadOnly {
		flag = os.O_RDONLY
	}

	f, oerr := os.OpenFile(newPath, flag, 0)
	if oerr != nil {
		return vmmerrors.User(vmmerrors.DomainDrive, fmt.Errorf("%w: %v", ErrBlockDeviceUpdateFailed, oerr))
	}

	if err := blk.ReplaceBackingFile(f); err != nil {
		return vmmerrors.Internal(vmmerrors.DomainDrive, fmt.Errorf("%w: %v", ErrBlockDeviceUpdateFailed, err))
	}

	return c.RescanBlockDevice(driveID)
}

// RateLimiterUpdate carries the subset of an UpdateNetworkInterface
// request the live path acts on: each field is independently optional, and
// an absent field leaves that bucket untouched.
type RateLimiterUpdate struct {
	RxBandwidth *ratelimiter.BucketConfig
	RxOps       *ratelimiter.BucketConfig
	TxBandwidth *ratelimiter.BucketConfig
	TxOps       *ratelimiter.BucketConfig
}

// UpdateNetworkInterface is allowed in both phases: pre-boot it patches the
// Registry's stored rate limiter configs (observed the next time the
// interface is attached at StartMicroVm), post-boot it additionally patches
// the already-attached device's live limiters.
func (c *Controller) UpdateNetworkInterface(ifaceID string, update RateLimiterUpdate) *vmmerrors.Error {
	if err := c.reg.UpdateNetworkRateLimiters(ifaceID, update.RxBandwidth, update.RxOps, update.TxBandwidth, update.TxOps); err != nil {
		return err
	}

	if c.vmm == nil {
		return nil
	}

	entry, err := c.vmm.mmioBus.Find(virtio.TypeNet, ifaceID)
	if err != nil {
		return vmmerrors.User(vmmerrors.DomainNetwork, ErrInvalidNetworkIfaceID)
	}

	net, ok := entry.Device.(*virtio.Net)
	if !ok {
		return vmmerrors.Internal(vmmerrors.DomainNetwork, ErrNetDeviceNotConfigured)
	}

	net.PatchRateLimiters(update.RxBandwidth, update.RxOps, update.TxBandwidth, update.TxOps)

	return nil
}

// Run drives the Event Loop Driver once the microVM is running. handler is
// invoked whenever a VmmActionRequest token fires; callers with no external
// action source (a bare CLI process, for instance) pass nil.
func (c *Controller) Run(handler func() error) int {
	if c.vmm == nil {
		return ExitCodeGenericError
	}

	return c.vmm.Run(handler)
}

// Stop requests a graceful shutdown of a running microVM: it signals the
// exit eventfd the Event Loop Driver is watching, which makes Run return
// ExitCodeOK on its next iteration. Stop itself returns code, or
// ExitCodeGenericError if the eventfd write fails.
func (c *Controller) Stop(code int) int {
	if c.vmm == nil {
		return code
	}

	return c.vmm.Stop(code)
}

// SendCtrlAltDel is post-boot only. The source classifies a failure here
// as Internal even though it arguably reflects a device-model bug rather
// than caller error; that classification is preserved rather than
// tightened.
func (c *Controller) SendCtrlAltDel() *vmmerrors.Error {
	if err := c.requirePostBoot(vmmerrors.DomainSendCtrlAltDel); err != nil {
		return err
	}

	if err := c.vmm.SendCtrlAltDel(); err != nil {
		return vmmerrors.Internal(vmmerrors.DomainSendCtrlAltDel, err)
	}

	return nil
}
