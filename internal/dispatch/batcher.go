package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Executor runs one batch. It must return exactly one response per
// request, in request order, or an error that fails the whole batch.
type Executor[Req, Resp any] func(ctx context.Context, requests []Req) ([]Resp, error)

// Config holds the batcher tuning knobs.
type Config struct {
	// TargetWorkers bounds the number of concurrently executing batches.
	TargetWorkers int
	// BatchSize bounds the number of requests per executor call.
	BatchSize int
	// QueueCapacity bounds the number of queued-but-unbatched requests
	// and must be a power of two. A full queue blocks submitters.
	QueueCapacity int
	// Runner starts worker loops; defaults to `go`.
	Runner func(func())
}

// Default values
const (
	DefaultTargetWorkers = 4
	DefaultBatchSize     = 64
	DefaultQueueCapacity = 4096

	// overflowSleep is how long a submitter sleeps between append
	// attempts while the queue is at capacity.
	overflowSleep = 50 * time.Microsecond
)

// ErrClosed is returned by futures of requests submitted after Close.
var ErrClosed = errors.New("dispatch: batcher closed")

func (c *Config) applyDefaults() {
	if c.TargetWorkers == 0 {
		c.TargetWorkers = DefaultTargetWorkers
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Runner == nil {
		c.Runner = func(task func()) { go task() }
	}
}

func (c *Config) validate() error {
	if c.TargetWorkers < 1 {
		return fmt.Errorf("targetWorkers must be positive, got %d", c.TargetWorkers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batchSize must be positive, got %d", c.BatchSize)
	}
	if c.QueueCapacity < 2 || c.QueueCapacity&(c.QueueCapacity-1) != 0 {
		return fmt.Errorf("queueCapacity must be a power of two >= 2, got %d", c.QueueCapacity)
	}
	return nil
}

// pending pairs a request with the future its response resolves.
// Ownership transfers exactly once, from the queue to the worker that
// claims it; only that worker settles the future.
type pending[Req, Resp any] struct {
	req Req
	fut *Future[Resp]
}

// queue is what the batcher drains. It is the fifo in production; tests
// substitute instrumented implementations to pin down hand-off races.
type queue[T any] interface {
	tryAppend(T) bool
	take() (T, bool)
}

// Batcher coalesces concurrently submitted requests into batches and
// fans executor responses back out to the submitters' futures.
type Batcher[Req, Resp any] struct {
	cfg    Config
	exec   Executor[Req, Resp]
	run    func(func())
	logger zerolog.Logger

	ctr    counters
	q      queue[pending[Req, Resp]]
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Batcher that executes batches through exec.
func New[Req, Resp any](cfg Config, exec Executor[Req, Resp], logger zerolog.Logger) (*Batcher[Req, Resp], error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid batcher config: %w", err)
	}
	return newBatcher(cfg, exec, logger, newFifo[pending[Req, Resp]](cfg.QueueCapacity)), nil
}

func newBatcher[Req, Resp any](cfg Config, exec Executor[Req, Resp], logger zerolog.Logger, q queue[pending[Req, Resp]]) *Batcher[Req, Resp] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher[Req, Resp]{
		cfg:    cfg,
		exec:   exec,
		run:    cfg.Runner,
		logger: logger.With().Str("component", "dispatch").Logger(),
		q:      q,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit hands one request to the batcher and returns the future that
// will carry its response. Submit only blocks while the queue is at
// capacity; in every other case it returns immediately and resolution
// happens on a worker.
func (b *Batcher[Req, Resp]) Submit(req Req) *Future[Resp] {
	if b.closed.Load() {
		return failedFuture[Resp](ErrClosed)
	}
	entry := pending[Req, Resp]{req: req, fut: newFuture[Resp]()}

	// Fast path: claim a worker slot and lead a fresh batch.
	if b.ctr.tryBecomeWorker(uint32(b.cfg.TargetWorkers)) {
		b.run(func() { b.worker(entry, true) })
		return entry.fut
	}

	// Publish into the queue first, then account for it. A full queue is
	// backpressure, not an error: sleep and retry until a worker frees a
	// slot by completing a batch.
	for !b.q.tryAppend(entry) {
		time.Sleep(overflowSleep)
	}
	if b.ctr.noteAppended() {
		// The last worker went idle between our append and its
		// accounting; its replacement is on us.
		b.run(func() { b.worker(pending[Req, Resp]{}, false) })
	}
	return entry.fut
}

// worker drains and executes batches until the queued count hits zero,
// then releases its slot.
func (b *Batcher[Req, Resp]) worker(leader pending[Req, Resp], hasLeader bool) {
	for {
		batch := make([]pending[Req, Resp], 0, b.cfg.BatchSize)
		if hasLeader {
			batch = append(batch, leader)
			hasLeader = false
		}
		for len(batch) < b.cfg.BatchSize && b.ctr.tryClaim() {
			entry, ok := b.q.take()
			for !ok {
				// Claimed, so the element is published or about to be.
				runtime.Gosched()
				entry, ok = b.q.take()
			}
			batch = append(batch, entry)
		}
		if len(batch) > 0 {
			b.executeBatch(batch)
		}
		if !b.ctr.continueOrGoIdle() {
			return
		}
	}
}

// executeBatch runs one executor call and resolves every future in the
// batch, matching responses to requests by position. Any failure mode
// (executor error, wrong-sized response list, panic) fails the whole
// batch; nothing is left pending and the worker slot is not leaked.
func (b *Batcher[Req, Resp]) executeBatch(batch []pending[Req, Resp]) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("dispatch: executor panicked: %v", p)
			b.logger.Error().Err(err).Int("batchSize", len(batch)).Msg("batch failed")
			b.failBatch(batch, err)
		}
	}()

	requests := make([]Req, len(batch))
	for i := range batch {
		requests[i] = batch[i].req
	}

	responses, err := b.exec(b.ctx, requests)
	if err != nil {
		b.failBatch(batch, err)
		return
	}
	if len(responses) != len(batch) {
		err := fmt.Errorf("dispatch: executor returned %d responses for %d requests", len(responses), len(batch))
		b.logger.Error().Err(err).Msg("batch response size mismatch")
		b.failBatch(batch, err)
		return
	}
	for i := range batch {
		batch[i].fut.complete(responses[i])
	}
}

func (b *Batcher[Req, Resp]) failBatch(batch []pending[Req, Resp], err error) {
	for i := range batch {
		batch[i].fut.fail(err)
	}
}

// Close stops admission. Requests already admitted, queued or in a
// running batch, still complete: the worker invariant guarantees a
// worker stays active while anything is queued. Close is idempotent.
func (b *Batcher[Req, Resp]) Close() {
	b.closed.Store(true)
}

// CloseAndWait closes the batcher and blocks until all admitted requests
// have been resolved or ctx is done.
func (b *Batcher[Req, Resp]) CloseAndWait(ctx context.Context) error {
	b.Close()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if workers, queued := b.ctr.snapshot(); workers == 0 && queued == 0 {
			b.cancel()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
