package registry

import "errors"

var (
	errRootDeviceExists              = errors.New("registry: a root block device is already configured")
	errInvalidBlockDeviceID          = errors.New("registry: no block device with that drive_id")
	errInvalidNetworkIfaceID         = errors.New("registry: no network interface with that iface_id")
	errDuplicateMAC                  = errors.New("registry: guest MAC already in use by another interface")
	errDuplicateTapName              = errors.New("registry: host tap name already in use by another interface")
	errOperationNotSupportedPostBoot = errors.New("registry: this field may only be set before StartMicroVm")
)
