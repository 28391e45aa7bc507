package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// echoExec responds to every request with its own value.
func echoExec(_ context.Context, requests []int) ([]int, error) {
	responses := make([]int, len(requests))
	copy(responses, requests)
	return responses, nil
}

// settableExec hands each batch to the test, which decides when and how
// to answer it.
type settableExec struct {
	calls chan *execCall
}

type execCall struct {
	requests  []int
	responses chan []int
	errs      chan error
}

func newSettableExec() *settableExec {
	return &settableExec{calls: make(chan *execCall, 64)}
}

func (s *settableExec) execute(_ context.Context, requests []int) ([]int, error) {
	call := &execCall{
		requests:  requests,
		responses: make(chan []int, 1),
		errs:      make(chan error, 1),
	}
	s.calls <- call
	select {
	case responses := <-call.responses:
		return responses, nil
	case err := <-call.errs:
		return nil, err
	}
}

func (c *execCall) respond() {
	responses := make([]int, len(c.requests))
	copy(responses, c.requests)
	c.responses <- responses
}

func (s *settableExec) takeCall(t *testing.T) *execCall {
	t.Helper()
	select {
	case call := <-s.calls:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for executor call")
		return nil
	}
}

func mustGet(t *testing.T, f *Future[int]) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return v
}

func TestBatcher_SimpleSubmit(t *testing.T) {
	b, err := New(Config{TargetWorkers: 1}, echoExec, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := mustGet(t, b.Submit(1)); got != 1 {
		t.Errorf("response = %d, want 1", got)
	}
}

func TestBatcher_WorkersFull_EnqueuesThenExecutes(t *testing.T) {
	exec := newSettableExec()
	b, err := New(Config{TargetWorkers: 1}, exec.execute, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f1 := b.Submit(1)
	call1 := exec.takeCall(t)

	// The sole worker is busy, so the 2nd request waits in the queue.
	f2 := b.Submit(2)
	select {
	case <-exec.calls:
		t.Fatal("2nd batch executed while the 1st was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	call1.respond()

	// The worker picks up the queued request as its next batch.
	call2 := exec.takeCall(t)
	if len(call2.requests) != 1 || call2.requests[0] != 2 {
		t.Fatalf("2nd batch = %v, want [2]", call2.requests)
	}
	call2.respond()

	if got := mustGet(t, f1); got != 1 {
		t.Errorf("response1 = %d, want 1", got)
	}
	if got := mustGet(t, f2); got != 2 {
		t.Errorf("response2 = %d, want 2", got)
	}
}

func TestBatcher_QueueOverflow_Blocks(t *testing.T) {
	const capacity = 8
	exec := newSettableExec()
	b, err := New(Config{TargetWorkers: 1, BatchSize: 4, QueueCapacity: capacity}, exec.execute, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f0 := b.Submit(0)
	call0 := exec.takeCall(t)

	// With the single worker busy, fill the queue completely.
	futures := make([]*Future[int], 0, capacity+1)
	for i := 0; i < capacity; i++ {
		futures = append(futures, b.Submit(i+1))
	}

	// The next submission overflows the queue and must block.
	overflowStarted := make(chan struct{})
	overflowDone := make(chan *Future[int], 1)
	go func() {
		close(overflowStarted)
		overflowDone <- b.Submit(capacity + 1)
	}()
	<-overflowStarted
	select {
	case <-overflowDone:
		t.Fatal("overflowing submit returned while the queue was full")
	case <-time.After(100 * time.Millisecond):
	}

	// Completing the first batch frees queue slots and unblocks it.
	call0.respond()
	select {
	case f := <-overflowDone:
		futures = append(futures, f)
	case <-time.After(5 * time.Second):
		t.Fatal("overflowing submit never returned")
	}

	// Drain the remaining batches.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, f := range futures {
			<-f.Done()
		}
	}()
	for {
		select {
		case call := <-exec.calls:
			call.respond()
		case <-done:
			if got := mustGet(t, f0); got != 0 {
				t.Errorf("response0 = %d, want 0", got)
			}
			for i, f := range futures {
				if got := mustGet(t, f); got != i+1 {
					t.Errorf("response[%d] = %d, want %d", i, got, i+1)
				}
			}
			return
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining batches")
		}
	}
}

func TestBatcher_ExecutorFailure_FailsWholeBatch(t *testing.T) {
	exec := newSettableExec()
	b, err := New(Config{TargetWorkers: 1, BatchSize: 8}, exec.execute, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f1 := b.Submit(1)
	call1 := exec.takeCall(t)
	f2 := b.Submit(2)
	f3 := b.Submit(3)
	call1.respond()

	call2 := exec.takeCall(t)
	if len(call2.requests) != 2 {
		t.Fatalf("2nd batch size = %d, want 2", len(call2.requests))
	}
	upstreamErr := errors.New("upstream exploded")
	call2.errs <- upstreamErr

	if got := mustGet(t, f1); got != 1 {
		t.Errorf("response1 = %d, want 1", got)
	}
	for i, f := range []*Future[int]{f2, f3} {
		<-f.Done()
		if _, err := f.Get(context.Background()); !errors.Is(err, upstreamErr) {
			t.Errorf("future[%d] error = %v, want %v", i+2, err, upstreamErr)
		}
	}
}

func TestBatcher_ResponseCountMismatch_FailsBatchKeepsWorking(t *testing.T) {
	var misbehave atomic.Bool
	exec := func(_ context.Context, requests []int) ([]int, error) {
		if misbehave.Load() {
			return make([]int, len(requests)+1), nil
		}
		return echoExec(nil, requests)
	}
	b, err := New(Config{TargetWorkers: 1}, exec, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	misbehave.Store(true)
	f := b.Submit(7)
	<-f.Done()
	if _, err := f.Get(context.Background()); err == nil {
		t.Fatal("expected a response-count error, got nil")
	}

	// The worker slot was released despite the contract violation.
	misbehave.Store(false)
	if got := mustGet(t, b.Submit(8)); got != 8 {
		t.Errorf("response = %d, want 8", got)
	}
}

func TestBatcher_ExecutorPanic_FailsBatch(t *testing.T) {
	var blowUp atomic.Bool
	exec := func(_ context.Context, requests []int) ([]int, error) {
		if blowUp.Load() {
			panic("boom")
		}
		return echoExec(nil, requests)
	}
	b, err := New(Config{TargetWorkers: 1}, exec, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	blowUp.Store(true)
	f := b.Submit(1)
	<-f.Done()
	if _, err := f.Get(context.Background()); err == nil {
		t.Fatal("expected a panic error, got nil")
	}

	blowUp.Store(false)
	if got := mustGet(t, b.Submit(2)); got != 2 {
		t.Errorf("response = %d, want 2", got)
	}
}

// gateQueue blocks tryAppend until the test releases it, so the test can
// interleave an enqueue with a worker going idle.
type gateQueue struct {
	inner            *fifo[pending[int, int]]
	tryAppendStarted chan struct{}
	appendPermits    chan struct{}
}

func (g *gateQueue) tryAppend(e pending[int, int]) bool {
	g.tryAppendStarted <- struct{}{}
	<-g.appendPermits
	return g.inner.tryAppend(e)
}

func (g *gateQueue) take() (pending[int, int], bool) {
	return g.inner.take()
}

func TestBatcher_ConcurrentWorkCompletion_StartsNewWorker(t *testing.T) {
	tasks := make(chan func(), 16)
	cfg := Config{
		TargetWorkers: 1,
		BatchSize:     64,
		QueueCapacity: 64,
		Runner:        func(task func()) { tasks <- task },
	}
	gq := &gateQueue{
		inner:            newFifo[pending[int, int]](64),
		tryAppendStarted: make(chan struct{}, 1),
		appendPermits:    make(chan struct{}),
	}
	b := newBatcher(cfg, echoExec, zerolog.Nop(), gq)

	// Claims the only worker slot; the worker itself is parked in tasks.
	f1 := b.Submit(1)

	// Observes an active worker, so it heads for the queue and blocks
	// inside tryAppend.
	f2ch := make(chan *Future[int], 1)
	go func() { f2ch <- b.Submit(2) }()
	<-gq.tryAppendStarted

	// Run the first worker to completion: it executes [1], finds nothing
	// queued and goes idle.
	(<-tasks)()
	if got := mustGet(t, f1); got != 1 {
		t.Fatalf("response1 = %d, want 1", got)
	}
	if workers, queued := b.ctr.snapshot(); workers != 0 || queued != 0 {
		t.Fatalf("counters = (%d, %d), want (0, 0)", workers, queued)
	}

	// Let the enqueue land. It must notice there is no worker left and
	// start a replacement itself.
	gq.appendPermits <- struct{}{}
	f2 := <-f2ch
	(<-tasks)()

	if got := mustGet(t, f2); got != 2 {
		t.Errorf("response2 = %d, want 2", got)
	}
	if workers, queued := b.ctr.snapshot(); workers != 0 || queued != 0 {
		t.Errorf("counters = (%d, %d), want (0, 0)", workers, queued)
	}
}

func TestBatcher_RandomRaces_ExecuteCorrectly(t *testing.T) {
	const (
		targetWorkers = 4
		submitters    = 16
		perSubmitter  = 12500
	)
	requestCount := submitters * perSubmitter

	var inFlight, maxInFlight, executed atomic.Int64
	exec := func(_ context.Context, requests []int) ([]int, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		executed.Add(int64(len(requests)))
		responses := make([]int, len(requests))
		copy(responses, requests)
		inFlight.Add(-1)
		return responses, nil
	}

	b, err := New(Config{TargetWorkers: targetWorkers, BatchSize: 128, QueueCapacity: 1024}, exec, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	futures := make([]*Future[int], requestCount)
	var wg sync.WaitGroup
	for s := 0; s < submitters; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSubmitter; i++ {
				id := s*perSubmitter + i
				futures[id] = b.Submit(id)
			}
		}(s)
	}
	wg.Wait()

	for id, f := range futures {
		got := mustGet(t, f)
		if got != id {
			t.Fatalf("response = %d, want %d", got, id)
		}
	}

	if n := executed.Load(); n != int64(requestCount) {
		t.Errorf("executor saw %d requests, want %d", n, requestCount)
	}
	if m := maxInFlight.Load(); m > targetWorkers {
		t.Errorf("max concurrent batches = %d, want <= %d", m, targetWorkers)
	}
}

func TestBatcher_SubmitAfterClose(t *testing.T) {
	b, err := New(Config{TargetWorkers: 1}, echoExec, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Close()
	f := b.Submit(1)
	if _, err := f.Get(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
}

func TestBatcher_CloseAndWait_DrainsAdmitted(t *testing.T) {
	b, err := New(Config{TargetWorkers: 2}, echoExec, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	futures := make([]*Future[int], 100)
	for i := range futures {
		futures[i] = b.Submit(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.CloseAndWait(ctx); err != nil {
		t.Fatalf("CloseAndWait: %v", err)
	}
	for i, f := range futures {
		select {
		case <-f.Done():
		default:
			t.Fatalf("future[%d] unresolved after CloseAndWait", i)
		}
		if got := mustGet(t, f); got != i {
			t.Errorf("response[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestBatcher_ConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"negative workers", Config{TargetWorkers: -1}},
		{"negative batch size", Config{BatchSize: -2}},
		{"non power of two capacity", Config{QueueCapacity: 1000}},
		{"capacity one", Config{QueueCapacity: 1}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg, echoExec, zerolog.Nop()); err == nil {
			t.Errorf("%s: expected config error, got nil", tc.name)
		}
	}
}

func TestBatcher_BatchSizeBoundsDrain(t *testing.T) {
	const batchSize = 4
	exec := newSettableExec()
	b, err := New(Config{TargetWorkers: 1, BatchSize: batchSize, QueueCapacity: 32}, exec.execute, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f0 := b.Submit(0)
	call0 := exec.takeCall(t)
	futures := []*Future[int]{f0}
	for i := 1; i <= 10; i++ {
		futures = append(futures, b.Submit(i))
	}
	call0.respond()

	// 10 queued requests drained at most 4 at a time.
	drained := 0
	for drained < 10 {
		call := exec.takeCall(t)
		if len(call.requests) > batchSize {
			t.Fatalf("batch size = %d, want <= %d", len(call.requests), batchSize)
		}
		drained += len(call.requests)
		call.respond()
	}
	for i, f := range futures {
		if got := mustGet(t, f); got != i {
			t.Errorf("response[%d] = %d, want %d", i, got, i)
		}
	}
}
