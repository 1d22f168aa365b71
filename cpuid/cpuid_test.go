package cpuid_test

import (
	"testing"

	"uvmm/cpuid"
	"uvmm/kvm"
)

func leaf7CPUID() *kvm.CPUID {
	ids := &kvm.CPUID{Nent: 1}
	ids.Entries[0] = kvm.CPUIDEntry2{Function: 7, Index: 0}

	return ids
}

func TestApplyC3TemplateSetsSerialize(t *testing.T) {
	t.Parallel()

	ids := leaf7CPUID()

	if err := cpuid.Apply(ids, cpuid.Templates["C3"]); err != nil {
		t.Fatalf("Apply(C3): %v", err)
	}

	if ids.Entries[0].Edx&(1<<uint(cpuid.SERIALIZE)) == 0 {
		t.Fatalf("Apply(C3): SERIALIZE bit not set, Edx=%#x", ids.Entries[0].Edx)
	}

	if ids.Entries[0].Edx&(1<<uint(cpuid.MD_CLEAR)) != 0 {
		t.Fatalf("Apply(C3): MD_CLEAR unexpectedly set, Edx=%#x", ids.Entries[0].Edx)
	}
}

func TestApplyT2TemplateSetsSerializeAndMDClear(t *testing.T) {
	t.Parallel()

	ids := leaf7CPUID()

	if err := cpuid.Apply(ids, cpuid.Templates["T2"]); err != nil {
		t.Fatalf("Apply(T2): %v", err)
	}

	want := uint32(1<<uint(cpuid.SERIALIZE)) | uint32(1<<uint(cpuid.MD_CLEAR))
	if ids.Entries[0].Edx&want != want {
		t.Fatalf("Apply(T2): got Edx=%#x, want both SERIALIZE and MD_CLEAR set", ids.Entries[0].Edx)
	}
}

func TestApplySkipsNonMatchingLeaves(t *testing.T) {
	t.Parallel()

	ids := &kvm.CPUID{Nent: 1}
	ids.Entries[0] = kvm.CPUIDEntry2{Function: 1, Index: 0}

	if err := cpuid.Apply(ids, cpuid.Templates["C3"]); err != nil {
		t.Fatalf("Apply(C3) on a non-matching leaf: %v", err)
	}

	if ids.Entries[0].Edx != 0 {
		t.Fatalf("Apply(C3) touched a non-matching leaf: Edx=%#x", ids.Entries[0].Edx)
	}
}

func TestApplyRejectsPatchWithNoFieldSet(t *testing.T) {
	t.Parallel()

	ids := leaf7CPUID()

	err := cpuid.Apply(ids, []cpuid.Patch{{Function: 7, Index: 0}})
	if err == nil {
		t.Fatal("Apply with an all-zero patch: got nil error, want errInvalidPatchset")
	}
}

func TestApplyRejectsPatchWithTwoFieldsSet(t *testing.T) {
	t.Parallel()

	ids := leaf7CPUID()

	err := cpuid.Apply(ids, []cpuid.Patch{{Function: 7, Index: 0, EDXBit: uint8(cpuid.SERIALIZE), EAXBit: 1}})
	if err == nil {
		t.Fatal("Apply with two fields set: got nil error, want errInvalidPatchset")
	}
}
