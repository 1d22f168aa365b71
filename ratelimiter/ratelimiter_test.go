package ratelimiter_test

import (
	"testing"

	"uvmm/ratelimiter"
)

func TestUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	rl := ratelimiter.New(ratelimiter.BucketConfig{}, ratelimiter.BucketConfig{})

	for i := 0; i < 1000; i++ {
		if !rl.Consume(1 << 20) {
			t.Fatalf("unlimited RateLimiter refused I/O on iteration %d", i)
		}
	}
}

func TestBandwidthBudgetExhausts(t *testing.T) {
	t.Parallel()

	rl := ratelimiter.New(ratelimiter.BucketConfig{Size: 100, RefillTimeMs: 60_000}, ratelimiter.BucketConfig{})

	if !rl.Consume(100) {
		t.Fatal("expected the initial 100-byte burst to be consumable")
	}

	if rl.Consume(1) {
		t.Fatal("expected the bucket to be exhausted after consuming its full size")
	}
}

func TestPatchLeavesUntouchedDimensionAlone(t *testing.T) {
	t.Parallel()

	rl := ratelimiter.New(ratelimiter.BucketConfig{Size: 10, RefillTimeMs: 60_000}, ratelimiter.BucketConfig{Size: 5, RefillTimeMs: 60_000})

	rl.Patch(&ratelimiter.BucketConfig{Size: 1_000_000, RefillTimeMs: 60_000}, nil)

	if !rl.Consume(1000) {
		t.Fatal("patched bandwidth bucket should allow the new, larger burst")
	}

	// The ops bucket (size 5) was not patched: one op is spent above, four
	// more fit, and the sixth is refused.
	for i := 0; i < 4; i++ {
		if !rl.Consume(1) {
			t.Fatalf("untouched ops bucket refused op %d of its original 5", i+2)
		}
	}

	if rl.Consume(1) {
		t.Fatal("untouched ops bucket should still be limited to its original size 5")
	}
}
