package dispatch

import "sync/atomic"

// fifoSlot holds one element plus its sequence word. The sequence encodes
// the slot state for the lap the indices are currently on: seq == pos means
// free for the producer claiming pos, seq == pos+1 means occupied and ready
// for the consumer at pos.
type fifoSlot[T any] struct {
	seq  atomic.Uint64
	elem T
}

// fifo is a bounded lock-free multi-producer multi-consumer ring buffer.
// Capacity is a power of two so wraparound is a bitmask. Append and take
// never block; a false return means full (apply backpressure) or empty.
type fifo[T any] struct {
	slots []fifoSlot[T]
	mask  uint64

	_         [64]byte // keep the hot indices on their own cache lines
	appendIdx atomic.Uint64
	_         [64]byte
	takeIdx   atomic.Uint64
}

func newFifo[T any](capacity int) *fifo[T] {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		panic("dispatch: fifo capacity must be a power of two >= 2")
	}
	f := &fifo[T]{
		slots: make([]fifoSlot[T], capacity),
		mask:  uint64(capacity) - 1,
	}
	for i := range f.slots {
		f.slots[i].seq.Store(uint64(i))
	}
	return f
}

// tryAppend claims the next append position and publishes elem into it.
// Returns false when the ring is full; the caller decides how to back off.
func (f *fifo[T]) tryAppend(elem T) bool {
	pos := f.appendIdx.Load()
	for {
		slot := &f.slots[pos&f.mask]
		seq := slot.seq.Load()
		switch dif := int64(seq) - int64(pos); {
		case dif == 0:
			if f.appendIdx.CompareAndSwap(pos, pos+1) {
				slot.elem = elem
				slot.seq.Store(pos + 1)
				return true
			}
			pos = f.appendIdx.Load()
		case dif < 0:
			// The slot still carries an element from the previous lap.
			return false
		default:
			pos = f.appendIdx.Load()
		}
	}
}

// take removes and returns the oldest element, or ok=false when the ring
// is empty. An element whose producer has claimed a position but not yet
// published it is invisible here; callers that know an element is coming
// (via the queued counter) spin until it lands.
func (f *fifo[T]) take() (T, bool) {
	pos := f.takeIdx.Load()
	for {
		slot := &f.slots[pos&f.mask]
		seq := slot.seq.Load()
		switch dif := int64(seq) - int64(pos+1); {
		case dif == 0:
			if f.takeIdx.CompareAndSwap(pos, pos+1) {
				elem := slot.elem
				var zero T
				slot.elem = zero
				slot.seq.Store(pos + f.mask + 1)
				return elem, true
			}
			pos = f.takeIdx.Load()
		case dif < 0:
			var zero T
			return zero, false
		default:
			pos = f.takeIdx.Load()
		}
	}
}

func (f *fifo[T]) cap() int {
	return len(f.slots)
}
