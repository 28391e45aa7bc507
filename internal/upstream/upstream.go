package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"rpcbatchd/internal/config"
	"rpcbatchd/internal/jsonrpc"
)

// Upstream represents a single upstream RPC endpoint
type Upstream struct {
	name   string
	url    string
	weight int
	role   Role

	httpClient *http.Client
	breaker    *Breaker
	status     *Status
	logger     zerolog.Logger
}

// Config for creating a new Upstream
type Config struct {
	Name             string
	URL              string
	Weight           int
	Role             Role
	RequestTimeout   time.Duration
	BreakerThreshold int
	BreakerRecovery  time.Duration
	Logger           zerolog.Logger
}

// NewUpstream creates a new Upstream instance
func NewUpstream(cfg Config) *Upstream {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Upstream{
		name:   cfg.Name,
		url:    cfg.URL,
		weight: cfg.Weight,
		role:   cfg.Role,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerRecovery),
		status:  NewStatus(),
		logger:  cfg.Logger.With().Str("upstream", cfg.Name).Logger(),
	}
}

// NewUpstreamFromConfig creates an Upstream from configuration
func NewUpstreamFromConfig(upCfg config.UpstreamConfig, globalCfg *config.Config, logger zerolog.Logger) *Upstream {
	return NewUpstream(Config{
		Name:             upCfg.Name,
		URL:              upCfg.URL,
		Weight:           upCfg.Weight,
		Role:             RoleFromConfig(upCfg.Role),
		RequestTimeout:   globalCfg.GetRequestTimeoutDuration(),
		BreakerThreshold: globalCfg.GetBreakerThreshold(),
		BreakerRecovery:  globalCfg.GetBreakerRecoveryDuration(),
		Logger:           logger,
	})
}

// Name returns the upstream name
func (u *Upstream) Name() string { return u.name }

// Weight returns the upstream weight
func (u *Upstream) Weight() int { return u.weight }

// IsMain returns true for main-role upstreams
func (u *Upstream) IsMain() bool { return u.role == RoleMain }

// IsFallback returns true for fallback-role upstreams
func (u *Upstream) IsFallback() bool { return u.role == RoleFallback }

// IsHealthy returns true if the upstream is probed healthy and its
// breaker admits requests
func (u *Upstream) IsHealthy() bool {
	return u.status.IsHealthy() && u.breaker.Ready()
}

// SetHealthy updates the probed health state
func (u *Upstream) SetHealthy(healthy bool) {
	u.status.SetHealthy(healthy)
}

// RecordSuccess feeds the breaker
func (u *Upstream) RecordSuccess() { u.breaker.Success() }

// RecordFailure feeds the breaker
func (u *Upstream) RecordFailure() { u.breaker.Failure() }

// Call executes a single JSON-RPC request
func (u *Upstream) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respBody, err := u.post(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := jsonrpc.ParseResponse(respBody)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response from %s: %w", u.name, err)
	}
	return resp, nil
}

// CallBatch sends the requests as one JSON-RPC batch array and returns
// the responses in request order. Client-assigned IDs may collide across
// independent submitters, so the batch is sent under fresh sequential IDs
// and responses are matched back by those before the originals are
// restored by the caller.
func (u *Upstream) CallBatch(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	wire := make([]*jsonrpc.Request, len(requests))
	for i, req := range requests {
		clone := req.Clone()
		clone.ID = jsonrpc.NewIDInt(int64(i))
		wire[i] = clone
	}

	body, err := jsonrpc.MarshalBatchRequest(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	respBody, err := u.post(ctx, body)
	if err != nil {
		return nil, err
	}

	parsed, _, err := jsonrpc.ParseBatchResponse(respBody)
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch response from %s: %w", u.name, err)
	}
	if len(parsed) != len(requests) {
		return nil, u.batchMismatch("got %d responses for %d requests", len(parsed), len(requests))
	}

	// Upstreams may answer a batch in any order.
	ordered := make([]*jsonrpc.Response, len(requests))
	for _, resp := range parsed {
		idx, ok := resp.ID.Int64()
		if !ok || idx < 0 || idx >= int64(len(requests)) {
			return nil, u.batchMismatch("response with unknown id %v", resp.ID.Value())
		}
		if ordered[idx] != nil {
			return nil, u.batchMismatch("duplicate responses for id %d", idx)
		}
		ordered[idx] = resp
	}
	for i, resp := range ordered {
		if resp == nil {
			return nil, u.batchMismatch("no response for request %d", i)
		}
	}
	return ordered, nil
}

// batchMismatch tags a response set that does not line up with the
// requests sent, so callers can surface the dedicated error code.
func (u *Upstream) batchMismatch(format string, args ...interface{}) error {
	return fmt.Errorf("upstream %s: %w", u.name,
		jsonrpc.NewError(jsonrpc.CodeBatchMismatch, fmt.Sprintf(format, args...)))
}

func (u *Upstream) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", u.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("upstream %s returned status %d", u.name, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", u.name, err)
	}
	return respBody, nil
}

// Close releases idle connections
func (u *Upstream) Close() {
	u.httpClient.CloseIdleConnections()
}
