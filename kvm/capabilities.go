package kvm

import "fmt"

// Capability is a KVM_CAP_* extension identifier, as checked via
// KVM_CHECK_EXTENSION against either the /dev/kvm fd or a VM fd.
type Capability uint

const (
	CapIRQChip       Capability = 0
	CapUserMemory    Capability = 3
	CapSetTSSAddr    Capability = 4
	CapMPState       Capability = 14
	CapUserNMI       Capability = 22
	CapSetGuestDebug Capability = 23
	CapIOMMU         Capability = 18
	CapIRQRouting    Capability = 25
	CapCoalescedMMIO Capability = 15
	CapNRMemSlots    Capability = 10
	CapEXTCPUID      Capability = 7
	CapKVMClockCtrl  Capability = 76
)

var capabilityNames = map[Capability]string{
	CapIRQChip:       "CapIRQChip",
	CapUserMemory:    "CapUserMemory",
	CapSetTSSAddr:    "CapSetTSSAddr",
	CapMPState:       "CapMPState",
	CapUserNMI:       "CapUserNMI",
	CapSetGuestDebug: "CapSetGuestDebug",
	CapIOMMU:         "CapIOMMU",
	CapIRQRouting:    "CapIRQRouting",
	CapCoalescedMMIO: "CapCoalescedMMIO",
	CapNRMemSlots:    "CapNRMemSlots",
	CapEXTCPUID:      "CapEXTCPUID",
	CapKVMClockCtrl:  "CapKVMClockCtrl",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", c)
}

// CheckExtension queries whether fd (either the /dev/kvm fd or a VM fd,
// depending on the capability) supports cap, returning the capability's
// value (0 means unsupported, >0 is capability-specific, e.g. the maximum
// number of memory slots for CapNRMemSlots).
func CheckExtension(fd uintptr, cap Capability) (int, error) {
	ret, err := Ioctl(fd, kvmCheckExtension, uintptr(cap))
	if err != nil {
		return 0, err
	}

	return int(ret), nil
}
