package config

import "time"

// Role defines the upstream role type
type Role string

const (
	RoleMain     Role = "main"
	RoleFallback Role = "fallback"
)

// Config represents the main configuration structure
type Config struct {
	Host                string         `json:"host"`
	RPCPort             int            `json:"rpcPort"`
	WSPort              int            `json:"wsPort"`
	LogLevel            string         `json:"logLevel"`
	MaxBodySize         int64          `json:"maxBodySize"`
	RequestTimeout      int            `json:"requestTimeout"`      // ms
	HealthCheckInterval int            `json:"healthCheckInterval"` // ms
	HealthCheckMethod   string         `json:"healthCheckMethod"`
	DisableFallback     bool           `json:"disableFallback"`
	FallbackAttempts    int            `json:"fallbackAttempts"`
	Dispatch            DispatchConfig `json:"dispatch"`
	Breaker             *BreakerConfig `json:"breaker,omitempty"`
	Cache               *CacheConfig   `json:"cache,omitempty"`
	Plugins             *PluginConfig  `json:"plugins,omitempty"`
	Groups              []GroupConfig  `json:"groups"`
}

// DispatchConfig tunes the batching dispatcher that coalesces client
// requests into upstream batch calls.
type DispatchConfig struct {
	// TargetWorkers bounds concurrent upstream batch calls per group.
	TargetWorkers int `json:"targetWorkers"`
	// BatchSize bounds requests per upstream batch call.
	BatchSize int `json:"batchSize"`
	// QueueCapacity bounds queued-but-unbatched requests; power of two.
	QueueCapacity int `json:"queueCapacity"`
}

// BreakerConfig tunes the per-upstream circuit breaker
type BreakerConfig struct {
	FailureThreshold int `json:"failureThreshold"` // consecutive failures before tripping
	RecoveryTimeout  int `json:"recoveryTimeout"`  // ms the upstream stays excluded
}

// CacheConfig represents response cache configuration
type CacheConfig struct {
	Enabled bool     `json:"enabled"`
	TTL     int      `json:"ttl"`     // seconds
	Size    int      `json:"size"`    // number of entries
	Methods []string `json:"methods"` // methods eligible for caching
}

// PluginConfig represents plugin configuration
type PluginConfig struct {
	Enabled   bool   `json:"enabled"`
	Directory string `json:"directory"` // path to plugins directory
	Timeout   int    `json:"timeout"`   // execution timeout in milliseconds
}

// GroupConfig represents a group of upstreams
type GroupConfig struct {
	Name      string           `json:"name"`
	Upstreams []UpstreamConfig `json:"upstreams"`
}

// UpstreamConfig represents a single upstream configuration
type UpstreamConfig struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Weight int    `json:"weight"`
	Role   Role   `json:"role"`
}

// Default values
const (
	DefaultHost                = "localhost"
	DefaultRPCPort             = 8545
	DefaultWSPort              = 8546
	DefaultLogLevel            = "info"
	DefaultMaxBodySize         = int64(0) // 0 means no limit
	DefaultRequestTimeout      = 5000     // ms
	DefaultHealthCheckInterval = 10000    // ms
	DefaultHealthCheckMethod   = "web3_clientVersion"
	DefaultFallbackAttempts    = 3
	DefaultTargetWorkers       = 4
	DefaultBatchSize           = 64
	DefaultQueueCapacity       = 4096
	DefaultUpstreamWeight      = 1
	DefaultUpstreamRole        = RoleMain
	DefaultBreakerThreshold    = 5
	DefaultBreakerRecovery     = 30000 // ms
	DefaultPluginDirectory     = "./plugins"
	DefaultPluginTimeout       = 30000 // ms
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetHealthCheckIntervalDuration returns health check interval as time.Duration
func (c *Config) GetHealthCheckIntervalDuration() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Millisecond
}

// GetBreakerThreshold returns the consecutive-failure count that trips
// an upstream's breaker
func (c *Config) GetBreakerThreshold() int {
	if c.Breaker == nil || c.Breaker.FailureThreshold == 0 {
		return DefaultBreakerThreshold
	}
	return c.Breaker.FailureThreshold
}

// GetBreakerRecoveryDuration returns how long a tripped upstream stays
// out of rotation
func (c *Config) GetBreakerRecoveryDuration() time.Duration {
	if c.Breaker == nil || c.Breaker.RecoveryTimeout == 0 {
		return time.Duration(DefaultBreakerRecovery) * time.Millisecond
	}
	return time.Duration(c.Breaker.RecoveryTimeout) * time.Millisecond
}

// IsCacheEnabled returns true if cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// IsPluginsEnabled returns true if plugins are configured and enabled
func (c *Config) IsPluginsEnabled() bool {
	return c.Plugins != nil && c.Plugins.Enabled
}

// GetPluginDirectory returns the plugins directory path
func (c *Config) GetPluginDirectory() string {
	if c.Plugins == nil || c.Plugins.Directory == "" {
		return DefaultPluginDirectory
	}
	return c.Plugins.Directory
}

// GetPluginTimeoutDuration returns plugin timeout as time.Duration
func (c *Config) GetPluginTimeoutDuration() time.Duration {
	if c.Plugins == nil || c.Plugins.Timeout == 0 {
		return time.Duration(DefaultPluginTimeout) * time.Millisecond
	}
	return time.Duration(c.Plugins.Timeout) * time.Millisecond
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}
