package gateway

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"rpcbatchd/internal/balancer"
	"rpcbatchd/internal/config"
	"rpcbatchd/internal/dispatch"
	"rpcbatchd/internal/jsonrpc"
	"rpcbatchd/internal/upstream"
)

// ErrNoUpstream is returned when no healthy upstream is left to try
var ErrNoUpstream = errors.New("no healthy upstream available")

// Coalescer batches individual client requests bound for one group into
// JSON-RPC batch arrays. Concurrent submitters share upstream round
// trips: the dispatcher groups whatever is in flight, one worker posts
// the batch, and each caller's future gets its own response back.
type Coalescer struct {
	batcher  *dispatch.Batcher[*jsonrpc.Request, *jsonrpc.Response]
	pool     *upstream.Pool
	balancer balancer.Balancer
	attempts int
	logger   zerolog.Logger
}

// NewCoalescer creates a Coalescer for one group
func NewCoalescer(cfg *config.Config, pool *upstream.Pool, logger zerolog.Logger) (*Coalescer, error) {
	attempts := cfg.FallbackAttempts
	if cfg.DisableFallback || attempts < 1 {
		attempts = 1
	}

	c := &Coalescer{
		pool:     pool,
		balancer: balancer.NewWeightedRoundRobin(pool),
		attempts: attempts,
		logger:   logger.With().Str("component", "coalescer").Str("group", pool.Name()).Logger(),
	}

	b, err := dispatch.New(dispatch.Config{
		TargetWorkers: cfg.Dispatch.TargetWorkers,
		BatchSize:     cfg.Dispatch.BatchSize,
		QueueCapacity: cfg.Dispatch.QueueCapacity,
	}, c.executeBatch, logger)
	if err != nil {
		return nil, err
	}
	c.batcher = b

	return c, nil
}

// Submit hands one request to the dispatcher and returns its future
func (c *Coalescer) Submit(req *jsonrpc.Request) *dispatch.Future[*jsonrpc.Response] {
	return c.batcher.Submit(req)
}

// Close stops admission and waits for in-flight batches
func (c *Coalescer) Close(ctx context.Context) error {
	return c.batcher.CloseAndWait(ctx)
}

// executeBatch posts one batch to an upstream, falling back to the next
// healthy one on transport failure. Responses come back in request order
// with the clients' original IDs restored.
func (c *Coalescer) executeBatch(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	exclude := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < c.attempts; attempt++ {
		u := c.balancer.Next(exclude)
		if u == nil {
			break
		}

		responses, err := u.CallBatch(ctx, requests)
		if err != nil {
			u.RecordFailure()
			exclude[u.Name()] = true
			lastErr = err
			c.logger.Warn().
				Err(err).
				Str("upstream", u.Name()).
				Int("batchSize", len(requests)).
				Msg("batch call failed")
			continue
		}

		u.RecordSuccess()
		for i, resp := range responses {
			resp.ID = requests[i].ID
		}
		c.logger.Debug().
			Str("upstream", u.Name()).
			Int("batchSize", len(requests)).
			Msg("batch executed")
		return responses, nil
	}

	if lastErr == nil {
		lastErr = ErrNoUpstream
	}
	return nil, lastErr
}
