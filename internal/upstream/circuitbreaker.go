package upstream

import (
	"sync/atomic"
	"time"
)

// Breaker takes an upstream out of rotation after a run of consecutive
// failures and lets it back in once a recovery window has passed.
//
// State lives in two atomics: failures counts the current run and
// openUntil holds the unix-nano deadline before which the upstream is
// excluded (zero while admitting traffic). There is no explicit
// half-open state: once the deadline passes Ready reports true again,
// and because the failure run stays saturated at the threshold, a
// single failed probe re-trips the breaker for another full window
// while a single success resets it completely. Keeping the hot-path
// check a bare atomic load lets the balancer call Ready on every
// selection pass without contending with recording goroutines.
type Breaker struct {
	threshold int64
	window    time.Duration

	failures  atomic.Int64
	openUntil atomic.Int64
}

// NewBreaker creates a breaker that trips after threshold consecutive
// failures and holds traffic back for one recovery window.
func NewBreaker(threshold int, window time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Breaker{threshold: int64(threshold), window: window}
}

// Ready reports whether the breaker currently admits traffic. It never
// mutates state, so callers may poll it as often as they like.
func (b *Breaker) Ready() bool {
	until := b.openUntil.Load()
	return until == 0 || time.Now().UnixNano() >= until
}

// Success resets the failure run and closes the breaker.
func (b *Breaker) Success() {
	b.failures.Store(0)
	b.openUntil.Store(0)
}

// Failure records one failed call, tripping the breaker for a recovery
// window when the run reaches the threshold. The run is left at the
// threshold so the first failure after the window re-trips immediately.
func (b *Breaker) Failure() {
	if n := b.failures.Add(1); n >= b.threshold {
		b.failures.Store(b.threshold)
		b.openUntil.Store(time.Now().Add(b.window).UnixNano())
	}
}
