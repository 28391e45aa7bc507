package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rpcbatchd/internal/config"
	"rpcbatchd/internal/jsonrpc"
)

// Pool represents a group of upstreams with periodic health probing
type Pool struct {
	name      string
	upstreams []*Upstream

	probeMethod   string
	probeInterval time.Duration

	stop   chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
	mu     sync.RWMutex
}

// NewPool creates a new Pool from a group configuration
func NewPool(groupCfg config.GroupConfig, globalCfg *config.Config, logger zerolog.Logger) *Pool {
	poolLogger := logger.With().Str("group", groupCfg.Name).Logger()

	upstreams := make([]*Upstream, 0, len(groupCfg.Upstreams))
	for _, upCfg := range groupCfg.Upstreams {
		upstreams = append(upstreams, NewUpstreamFromConfig(upCfg, globalCfg, poolLogger))
	}

	return &Pool{
		name:          groupCfg.Name,
		upstreams:     upstreams,
		probeMethod:   globalCfg.HealthCheckMethod,
		probeInterval: globalCfg.GetHealthCheckIntervalDuration(),
		stop:          make(chan struct{}),
		logger:        poolLogger,
	}
}

// Name returns the pool name
func (p *Pool) Name() string {
	return p.name
}

// Start begins health probing
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.probeLoop()
	p.logger.Info().
		Int("upstreams", len(p.upstreams)).
		Msg("pool started")
}

// Stop stops probing and closes all connections
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
	for _, u := range p.upstreams {
		u.Close()
	}
	p.logger.Info().Msg("pool stopped")
}

func (p *Pool) probeLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Pool) probeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.probeInterval)
	defer cancel()

	req, err := jsonrpc.NewRequest(p.probeMethod, []interface{}{}, jsonrpc.NewIDInt(1))
	if err != nil {
		return
	}

	var wg sync.WaitGroup
	for _, u := range p.upstreams {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			wasHealthy := u.status.IsHealthy()
			_, err := u.Call(ctx, req)
			u.SetHealthy(err == nil)
			if err != nil && wasHealthy {
				p.logger.Warn().Err(err).Str("upstream", u.Name()).Msg("upstream unhealthy")
			} else if err == nil && !wasHealthy {
				p.logger.Info().Str("upstream", u.Name()).Msg("upstream recovered")
			}
		}(u)
	}
	wg.Wait()
}

// GetAll returns all upstreams
func (p *Pool) GetAll() []*Upstream {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*Upstream, len(p.upstreams))
	copy(result, p.upstreams)
	return result
}

// GetHealthyMain returns healthy main upstreams
func (p *Pool) GetHealthyMain() []*Upstream {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*Upstream, 0, len(p.upstreams))
	for _, u := range p.upstreams {
		if u.IsHealthy() && u.IsMain() {
			result = append(result, u)
		}
	}
	return result
}

// GetHealthyFallback returns healthy fallback upstreams
func (p *Pool) GetHealthyFallback() []*Upstream {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*Upstream, 0, len(p.upstreams))
	for _, u := range p.upstreams {
		if u.IsHealthy() && u.IsFallback() {
			result = append(result, u)
		}
	}
	return result
}
