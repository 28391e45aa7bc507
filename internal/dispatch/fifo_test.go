package dispatch

import (
	"sync"
	"testing"
)

func TestFifo_OrderAndBounds(t *testing.T) {
	f := newFifo[int](4)

	if _, ok := f.take(); ok {
		t.Fatal("take on empty fifo succeeded")
	}
	for i := 0; i < 4; i++ {
		if !f.tryAppend(i) {
			t.Fatalf("tryAppend(%d) failed below capacity", i)
		}
	}
	if f.tryAppend(99) {
		t.Fatal("tryAppend succeeded on a full fifo")
	}
	for i := 0; i < 4; i++ {
		v, ok := f.take()
		if !ok || v != i {
			t.Fatalf("take = (%d, %v), want (%d, true)", v, ok, i)
		}
	}
	if _, ok := f.take(); ok {
		t.Fatal("take on drained fifo succeeded")
	}
}

func TestFifo_Wraparound(t *testing.T) {
	f := newFifo[int](4)
	next := 0
	for lap := 0; lap < 10; lap++ {
		for i := 0; i < 3; i++ {
			if !f.tryAppend(next + i) {
				t.Fatalf("tryAppend failed on lap %d", lap)
			}
		}
		for i := 0; i < 3; i++ {
			v, ok := f.take()
			if !ok || v != next+i {
				t.Fatalf("lap %d: take = (%d, %v), want (%d, true)", lap, v, ok, next+i)
			}
		}
		next += 3
	}
}

func TestFifo_CapacityMustBePowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non power-of-two capacity")
		}
	}()
	newFifo[int](3)
}

func TestFifo_ConcurrentProducersConsumers(t *testing.T) {
	const (
		producers   = 8
		perProducer = 10000
	)
	f := newFifo[int](256)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !f.tryAppend(p*perProducer + i) {
				}
			}
		}(p)
	}

	seen := make(chan int, producers*perProducer)
	var cwg sync.WaitGroup
	var taken sync.WaitGroup
	taken.Add(producers * perProducer)
	stop := make(chan struct{})
	for c := 0; c < 4; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if v, ok := f.take(); ok {
					seen <- v
					taken.Done()
				}
			}
		}()
	}

	wg.Wait()
	taken.Wait()
	close(stop)
	cwg.Wait()
	close(seen)

	got := make(map[int]bool, producers*perProducer)
	for v := range seen {
		if got[v] {
			t.Fatalf("value %d taken twice", v)
		}
		got[v] = true
	}
	if len(got) != producers*perProducer {
		t.Fatalf("took %d distinct values, want %d", len(got), producers*perProducer)
	}
}
