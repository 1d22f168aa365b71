package cpuid

import "strconv"

var f1EdxNames = map[F1Edx]string{
	FPU: "fpu", VME: "vme", DE: "de", PSE: "pse", TSC: "tsc", MSR: "msr",
	PAE: "pae", MCE: "mce", CX8: "cx8", APIC: "apic", SEP: "sep",
	MTRR: "mtrr", PGE: "pge", MCA: "mca", CMOV: "cmov", PAT: "pat",
	PSE36: "pse36", PN: "pn", CLFLUSH: "clflush", DS: "dts", ACPI: "acpi",
	MMX: "mmx", FXSR: "fxsr", XMM: "sse", XMM2: "sse2",
	SELFSNOOP: "ss", HT: "ht", ACC: "tm", IA64: "ia64", PBE: "pbe",
}

// String returns the feature's lowercase mnemonic, matching the names
// Linux's /proc/cpuinfo uses, or the bit position if f names no known bit.
func (f F1Edx) String() string {
	if name, ok := f1EdxNames[f]; ok {
		return name
	}

	return "bit" + strconv.Itoa(int(f))
}

var f7_0EdxNames = map[F7_0Edx]string{ //nolint:stylecheck
	AVX512_4VNNIW: "avx512_4vnniw", AVX512_4FMAPS: "avx512_4fmaps",
	FSRM: "fsrm", AVX512_VP2INTERSECT: "avx512_vp2intersect",
	SRBDS_CTRL: "srbds_ctrl", MD_CLEAR: "md_clear",
	RTM_ALWAYS_ABORT: "rtm_always_abort", TSX_FORCE_ABORT: "tsx_force_abort",
	SERIALIZE: "serialize", HYBRID_CPU: "hybrid_cpu", TSXLDTRK: "tsxldtrk",
	PCONFIG: "pconfig", ARCH_LBR: "arch_lbr", IBT: "ibt",
	AMX_BF16: "amx_bf16", AVX512_FP16: "avx512_fp16", AMX_TILE: "amx_tile",
	AMX_INT8: "amx_int8", SPEC_CTRL: "spec_ctrl", INTEL_STIBP: "intel_stibp",
	FLUSH_L1D: "flush_l1d", ARCH_CAPABILITIES: "arch_capabilities",
	CORE_CAPABILITIES: "core_capabilities", SPEC_CTRL_SSBD: "spec_ctrl_ssbd",
}

func (f F7_0Edx) String() string {
	if name, ok := f7_0EdxNames[f]; ok {
		return name
	}

	return "bit" + strconv.Itoa(int(f))
}
