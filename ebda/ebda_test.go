package ebda_test

import (
	"testing"

	"uvmm/ebda"
)

func TestNew(t *testing.T) {
	t.Parallel()

	m, err := ebda.New(4)
	if err != nil {
		t.Fatal(err)
	}

	b, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) == 0 {
		t.Fatal("EBDA.Bytes() returned an empty blob")
	}

	if len(b) >= 1024 {
		t.Fatalf("EBDA must fit under 1KiB, got %d bytes", len(b))
	}
}

func TestNewCapsAtMaxCPUs(t *testing.T) {
	t.Parallel()

	if _, err := ebda.New(ebda.MaxCPUs + 8); err != nil {
		t.Fatalf("New with an oversized CPU count should clamp, not fail: %v", err)
	}
}
