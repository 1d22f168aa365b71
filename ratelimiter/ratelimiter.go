// Package ratelimiter provides the token-bucket rate limiter devices attach
// to their backing I/O: one bucket for bandwidth (bytes) and one for ops
// (operation count), each independently configurable and live-patchable.
package ratelimiter

import (
	"time"

	"github.com/juju/ratelimit"
)

// BucketConfig describes one token bucket: a size, a refill rate, and an
// optional extra burst. The bucket starts full, and OneTimeBurst is added to
// its capacity for the bucket's whole life: refills go back up to
// Size+OneTimeBurst, so the burst is not limited to a single use.
type BucketConfig struct {
	Size         int64
	RefillTimeMs int64
	OneTimeBurst int64
}

func (c BucketConfig) empty() bool {
	return c.Size == 0 && c.RefillTimeMs == 0
}

func newBucket(c BucketConfig) *ratelimit.Bucket {
	if c.empty() {
		return nil
	}

	refill := time.Duration(c.RefillTimeMs) * time.Millisecond
	fillRate := float64(c.Size) / refill.Seconds()

	capacity := c.Size + c.OneTimeBurst

	return ratelimit.NewBucketWithRate(fillRate, capacity)
}

// RateLimiter gates device I/O on two independent buckets: bandwidth
// (bytes moved) and ops (operation count). A nil bucket (empty config) means
// that dimension is unlimited.
type RateLimiter struct {
	bandwidth *ratelimit.Bucket
	ops       *ratelimit.Bucket
}

// New builds a RateLimiter from the bandwidth and ops bucket configs
// materialized at device construction time. Either config may be the zero
// value, disabling that dimension.
func New(bandwidth, ops BucketConfig) *RateLimiter {
	return &RateLimiter{
		bandwidth: newBucket(bandwidth),
		ops:       newBucket(ops),
	}
}

// Consume reports whether n bytes and one operation may proceed right now.
// It never blocks: callers that are over budget must defer the I/O and
// retry later, the same non-blocking discipline every device callback on
// the control thread must follow.
func (r *RateLimiter) Consume(nBytes int64) bool {
	if r == nil {
		return true
	}

	if r.bandwidth != nil && r.bandwidth.TakeAvailable(nBytes) < nBytes {
		return false
	}

	if r.ops != nil && r.ops.TakeAvailable(1) < 1 {
		return false
	}

	return true
}

// Patch atomically swaps in new bucket configurations. A zero-value config
// for a dimension leaves that dimension unlimited; an absent (nil) config
// pointer leaves that dimension untouched, matching patch_rate_limiters'
// "each may be independently set or left untouched" semantics.
func (r *RateLimiter) Patch(bandwidth, ops *BucketConfig) {
	if bandwidth != nil {
		r.bandwidth = newBucket(*bandwidth)
	}

	if ops != nil {
		r.ops = newBucket(*ops)
	}
}
