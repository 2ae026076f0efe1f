// Package tokenbucket implements the ER policer's rate limiter: an exact
// quantum/replenish-period credit contract, distinct from
// golang.org/x/time/rate's abstraction because callers need the exact
// integer-periods-elapsed semantics its tests pin down. Grounded on the
// numeric contract in vqe_token_bucket.c, expressed as a small,
// single-purpose Go package in the shape of the focused
// internal/cache/path.go-style utilities.
package tokenbucket

import (
	"time"

	"github.com/vqe-c/vqec/internal/vqerr"
)

const (
	MaxRate    = 150000
	MaxBurst   = 65535
	MaxQuantum = 4096
)

// Bucket is a token bucket with exact quantum/replenish-period credit math.
// Not safe for concurrent use; callers serialize access through their own
// lock (the ER policer runs under the channel's coarse lock).
type Bucket struct {
	rate    uint32
	burst   uint32
	quantum uint32
	tokens  uint32
	last    time.Time
}

// New constructs a Bucket starting full (tokens = burst) at now: a
// freshly constructed bucket with no prior traffic immediately admits
// exactly `burst` requests.
func New(rate, burst, quantum uint32, now time.Time) (*Bucket, error) {
	if rate > MaxRate {
		return nil, vqerr.New(vqerr.KindInvalidArgs, "tokenbucket.New", nil)
	}
	if burst > MaxBurst {
		return nil, vqerr.New(vqerr.KindInvalidArgs, "tokenbucket.New", nil)
	}
	if quantum > MaxQuantum {
		return nil, vqerr.New(vqerr.KindInvalidArgs, "tokenbucket.New", nil)
	}
	return &Bucket{
		rate:    rate,
		burst:   burst,
		quantum: quantum,
		tokens:  burst,
		last:    now,
	}, nil
}

// Tokens returns the current token count without crediting.
func (b *Bucket) Tokens() uint32 { return b.tokens }

// replenishPeriod returns the duration one quantum's worth of tokens takes
// to accrue, or 0 if the bucket never accrues (rate == 0 or quantum == 0).
func (b *Bucket) replenishPeriod() time.Duration {
	if b.rate == 0 || b.quantum == 0 {
		return 0
	}
	// replenish_period = quantum * 1e6 / rate microseconds.
	periodUs := uint64(b.quantum) * 1_000_000 / uint64(b.rate)
	if periodUs == 0 {
		periodUs = 1
	}
	return time.Duration(periodUs) * time.Microsecond
}

// Credit advances tokens to reflect the time elapsed since the last credit,
// adding whole multiples of quantum for each full replenish period that has
// passed, capped at burst, and advances last_credit_time by exactly that
// integer number of periods. Never credits past burst
// and never overflows regardless of how long elapsed has been, by clamping
// the number of periods applied to the number needed to reach burst.
func (b *Bucket) Credit(now time.Time) {
	if now.Before(b.last) {
		return
	}
	period := b.replenishPeriod()
	if period <= 0 {
		return
	}
	elapsed := now.Sub(b.last)
	periods := uint64(elapsed / period)
	if periods == 0 {
		return
	}

	deficit := uint64(b.burst - b.tokens)
	if deficit == 0 {
		// already full; still advance the clock by the elapsed whole periods
		// so last_credit_time doesn't silently fall behind.
		b.last = b.last.Add(time.Duration(periods) * period)
		return
	}
	periodsNeeded := (deficit + uint64(b.quantum) - 1) / uint64(b.quantum)
	applied := periods
	if applied > periodsNeeded {
		applied = periodsNeeded
	}
	added := applied * uint64(b.quantum)
	if added > deficit {
		added = deficit
	}
	b.tokens += uint32(added)
	b.last = b.last.Add(time.Duration(applied) * period)
}

// Drain subtracts n tokens, failing atomically with InsufficientTokens if
// n exceeds the current token count. Does not credit first; callers credit
// explicitly so the credit timestamp is controlled by the caller.
func (b *Bucket) Drain(n uint32) error {
	if n > b.tokens {
		return vqerr.New(vqerr.KindInsufficientTokens, "tokenbucket.Drain", nil)
	}
	b.tokens -= n
	return nil
}

// Conform credits to now and reports whether n tokens are available,
// without draining them.
func (b *Bucket) Conform(now time.Time, n uint32) bool {
	b.Credit(now)
	return n <= b.tokens
}
