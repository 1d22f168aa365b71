// Package cpuid patches the CPUID leaves KVM reports as supported before
// they are pushed into a vCPU, letting the Boot Assembler apply a
// cpu_template (a set of feature bits forced on in specific leaves)
// without hand-editing every leaf inline.
package cpuid

import (
	"errors"

	"uvmm/kvm"
)

// Patch describes a single feature bit to force on in one CPUID leaf.
// Exactly one of EAXBit/EBXBit/ECXBit/EDXBit/Flags may be in use (i.e.
// non-zero, each holding a bit position, not a mask); the rest are left
// at the zero value.
type Patch struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAXBit   uint8
	EBXBit   uint8
	ECXBit   uint8
	EDXBit   uint8
}

var errInvalidPatchset = errors.New("invalid cpuid patch: exactly one field must be set")

// Apply patches the matching entries of ids in place.
func Apply(ids *kvm.CPUID, patches []Patch) error {
	for i := range ids.Entries {
		id := &ids.Entries[i]

		for _, patch := range patches {
			nonZero := 0

			if patch.EAXBit != 0 {
				nonZero++
			}

			if patch.EBXBit != 0 {
				nonZero++
			}

			if patch.ECXBit != 0 {
				nonZero++
			}

			if patch.EDXBit != 0 {
				nonZero++
			}

			if patch.Flags != 0 {
				nonZero++
			}

			if nonZero != 1 {
				return errInvalidPatchset
			}

			if id.Function != patch.Function || id.Index != patch.Index {
				continue
			}

			switch {
			case patch.Flags != 0:
				id.Flags |= 1 << patch.Flags
			case patch.EAXBit != 0:
				id.Eax |= 1 << patch.EAXBit
			case patch.EBXBit != 0:
				id.Ebx |= 1 << patch.EBXBit
			case patch.ECXBit != 0:
				id.Ecx |= 1 << patch.ECXBit
			default:
				id.Edx |= 1 << patch.EDXBit
			}
		}
	}

	return nil
}
