package vmm

import "errors"

// Sentinel causes wrapped into a *vmmerrors.Error by the Controller and the
// Boot Assembler. The Domain/Kind classification lives at the call site,
// not on these sentinels, since the same cause can surface as either
// depending on where it occurred.
var (
	ErrMissingKernelConfig           = errors.New("vmm: boot source is not configured")
	ErrConfigureVM                   = errors.New("vmm: failed to configure the KVM virtual machine")
	ErrMicroVMAlreadyRunning         = errors.New("vmm: StartMicroVm was already called")
	ErrInvalidBlockDeviceID          = errors.New("vmm: no block device is registered with that drive_id")
	ErrInvalidNetworkIfaceID         = errors.New("vmm: no network interface is registered with that iface_id")
	ErrBlockDeviceUpdateFailed       = errors.New("vmm: block device update failed")
	ErrNetDeviceNotConfigured        = errors.New("vmm: network interface could not be configured")
	ErrOperationNotSupportedPreBoot  = errors.New("vmm: this action is only valid once the microVM is running")
	ErrOperationNotSupportedPostBoot = errors.New("vmm: this action is only valid before StartMicroVm")
	ErrLoggerNotConfigured           = errors.New("vmm: ConfigureLogger was never called")
)
