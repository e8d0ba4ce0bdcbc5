// File: channel/backpressure.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-channel write budget.

package channel

import "time"

// DefaultBackpressureTick is the refill period used when none is given.
const DefaultBackpressureTick = 10 * time.Millisecond

// bucket is a token bucket refilled to perTick once per tick. Unused tokens
// do not carry over, so at most one tick of budget is ever available.
type bucket struct {
	perTick int
	tick    time.Duration
	tokens  int
}

func newBucket(bytesPerSecond int64, tick time.Duration) *bucket {
	if bytesPerSecond <= 0 {
		return nil
	}
	if tick <= 0 {
		tick = DefaultBackpressureTick
	}
	per := int(bytesPerSecond * int64(tick) / int64(time.Second))
	if per < 1 {
		per = 1
	}
	return &bucket{perTick: per, tick: tick, tokens: per}
}

func (b *bucket) available() int { return b.tokens }

func (b *bucket) full() bool { return b.tokens >= b.perTick }

func (b *bucket) consume(n int) {
	b.tokens -= n
	if b.tokens < 0 {
		b.tokens = 0
	}
}

func (b *bucket) refill() { b.tokens = b.perTick }
