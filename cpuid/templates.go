package cpuid

// Templates maps a cpu_template name to the patches applied to the guest's
// advertised CPUID before any vCPU is constructed from it. Names follow the
// well-known Firecracker template identifiers; a template not present here
// is left for the Boot Assembler to reject.
var Templates = map[string][]Patch{
	// C3 forces SERIALIZE on, matching the baseline a C3-generation host
	// guarantees regardless of which physical CPU actually runs the guest.
	"C3": {
		{Function: 7, Index: 0, EDXBit: uint8(SERIALIZE)},
	},
	// T2 additionally forces MD_CLEAR on, covering the MDS mitigation a T2
	// template assumes every guest kernel will probe for.
	"T2": {
		{Function: 7, Index: 0, EDXBit: uint8(SERIALIZE)},
		{Function: 7, Index: 0, EDXBit: uint8(MD_CLEAR)},
	},
}
