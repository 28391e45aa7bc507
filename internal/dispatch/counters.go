package dispatch

import "sync/atomic"

// counters packs the number of active workers (high half) and the number
// of queued-but-unclaimed requests (low half) into one 64-bit word.
// Every transition that the admission protocol depends on is a single
// compare-and-swap, so a worker going idle can never race an enqueue
// into a state where a queued request has no worker covering it.
type counters struct {
	state atomic.Uint64
}

const (
	queuedBits = 32
	queuedMask = 1<<queuedBits - 1
)

func pack(workers, queued uint32) uint64 {
	return uint64(workers)<<queuedBits | uint64(queued)
}

func unpack(state uint64) (workers, queued uint32) {
	return uint32(state >> queuedBits), uint32(state & queuedMask)
}

// tryBecomeWorker is the submission fast path: with nothing queued and a
// worker slot free, the submitter claims a slot and handles its own
// request as the head of a fresh batch.
func (c *counters) tryBecomeWorker(target uint32) bool {
	for {
		state := c.state.Load()
		workers, queued := unpack(state)
		if queued != 0 || workers >= target {
			return false
		}
		if c.state.CompareAndSwap(state, pack(workers+1, 0)) {
			return true
		}
	}
}

// noteAppended records that the caller has published one element into the
// queue. If no worker was active at that instant, the same CAS claims a
// worker slot and the caller must start a drain-only worker; returning
// true transfers that obligation.
func (c *counters) noteAppended() (spawnWorker bool) {
	for {
		state := c.state.Load()
		workers, queued := unpack(state)
		if workers == 0 {
			if c.state.CompareAndSwap(state, pack(1, queued+1)) {
				return true
			}
			continue
		}
		if c.state.CompareAndSwap(state, pack(workers, queued+1)) {
			return false
		}
	}
}

// tryClaim reserves one queued element for the calling worker. The
// matching physical take may lag the producer's publish by an
// instruction or two; the reservation guarantees it lands.
func (c *counters) tryClaim() bool {
	for {
		state := c.state.Load()
		workers, queued := unpack(state)
		if queued == 0 {
			return false
		}
		if c.state.CompareAndSwap(state, pack(workers, queued-1)) {
			return true
		}
	}
}

// continueOrGoIdle is the worker-completion step: keep the slot while
// requests remain queued, otherwise release it. The release and the
// queued==0 check are one CAS so a concurrent noteAppended either sees
// the worker still active (no spawn) or sees zero workers and spawns.
func (c *counters) continueOrGoIdle() (keepDraining bool) {
	for {
		state := c.state.Load()
		workers, queued := unpack(state)
		if queued != 0 {
			return true
		}
		if c.state.CompareAndSwap(state, pack(workers-1, 0)) {
			return false
		}
	}
}

// snapshot reads both counters at once.
func (c *counters) snapshot() (workers, queued uint32) {
	return unpack(c.state.Load())
}
