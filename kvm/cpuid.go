package kvm

import "unsafe"

// CPUIDFuncPerMon is the architectural performance-monitoring leaf; the
// Boot Assembler disables it so guests don't trust counters KVM does not
// virtualize faithfully.
const CPUIDFuncPerMon = 0x0A

// CPUID is the set of CPUID entries exchanged with KVM.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is one CPUID leaf/subleaf result.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID gets all CPUID entries the host/KVM combination supports.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 installs the (possibly trimmed/patched) CPUID entries on a vcpu.
// The usual flow is: fetch the supported set once per VM, patch the KVM
// signature leaf, then push the result into every vCPU.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(cpuid)))

	return err
}
