package balancer

import "rpcbatchd/internal/upstream"

// UpstreamProvider supplies the candidate upstreams for selection
type UpstreamProvider interface {
	GetHealthyMain() []*upstream.Upstream
	GetHealthyFallback() []*upstream.Upstream
}

// Balancer picks the next upstream to try, skipping excluded names
type Balancer interface {
	Next(exclude map[string]bool) *upstream.Upstream
}
