package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.RPCPort == 0 {
		cfg.RPCPort = DefaultRPCPort
	}
	if cfg.WSPort == 0 {
		cfg.WSPort = DefaultWSPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.HealthCheckMethod == "" {
		cfg.HealthCheckMethod = DefaultHealthCheckMethod
	}
	if cfg.FallbackAttempts == 0 {
		cfg.FallbackAttempts = DefaultFallbackAttempts
	}
	if cfg.Dispatch.TargetWorkers == 0 {
		cfg.Dispatch.TargetWorkers = DefaultTargetWorkers
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = DefaultBatchSize
	}
	if cfg.Dispatch.QueueCapacity == 0 {
		cfg.Dispatch.QueueCapacity = DefaultQueueCapacity
	}

	// Apply defaults to upstreams
	for i := range cfg.Groups {
		for j := range cfg.Groups[i].Upstreams {
			if cfg.Groups[i].Upstreams[j].Weight == 0 {
				cfg.Groups[i].Upstreams[j].Weight = DefaultUpstreamWeight
			}
			if cfg.Groups[i].Upstreams[j].Role == "" {
				cfg.Groups[i].Upstreams[j].Role = DefaultUpstreamRole
			}
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if len(cfg.Groups) == 0 {
		return errors.New("at least one group is required")
	}

	groupNames := make(map[string]bool)
	for i, group := range cfg.Groups {
		if group.Name == "" {
			return fmt.Errorf("group[%d]: name is required", i)
		}

		if groupNames[group.Name] {
			return fmt.Errorf("group[%d]: duplicate group name '%s'", i, group.Name)
		}
		groupNames[group.Name] = true

		if len(group.Upstreams) == 0 {
			return fmt.Errorf("group '%s': at least one upstream is required", group.Name)
		}

		upstreamNames := make(map[string]bool)
		for j, upstream := range group.Upstreams {
			if upstream.Name == "" {
				return fmt.Errorf("group '%s', upstream[%d]: name is required", group.Name, j)
			}

			if upstreamNames[upstream.Name] {
				return fmt.Errorf("group '%s': duplicate upstream name '%s'", group.Name, upstream.Name)
			}
			upstreamNames[upstream.Name] = true

			if upstream.URL == "" {
				return fmt.Errorf("group '%s', upstream '%s': url is required", group.Name, upstream.Name)
			}

			if upstream.Weight <= 0 {
				return fmt.Errorf("group '%s', upstream '%s': weight must be positive",
					group.Name, upstream.Name)
			}

			if upstream.Role != RoleMain && upstream.Role != RoleFallback {
				return fmt.Errorf("group '%s', upstream '%s': role must be 'main' or 'fallback'",
					group.Name, upstream.Name)
			}
		}
	}

	if cfg.RPCPort < 1 || cfg.RPCPort > 65535 {
		return fmt.Errorf("rpcPort must be between 1 and 65535")
	}

	if cfg.WSPort < 1 || cfg.WSPort > 65535 {
		return fmt.Errorf("wsPort must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}

	if cfg.HealthCheckInterval < 0 {
		return fmt.Errorf("healthCheckInterval must be non-negative")
	}

	if cfg.FallbackAttempts < 0 {
		return fmt.Errorf("fallbackAttempts must be non-negative")
	}

	if cfg.Dispatch.TargetWorkers < 1 {
		return fmt.Errorf("dispatch.targetWorkers must be positive")
	}

	if cfg.Dispatch.BatchSize < 1 {
		return fmt.Errorf("dispatch.batchSize must be positive")
	}

	q := cfg.Dispatch.QueueCapacity
	if q < 2 || q&(q-1) != 0 {
		return fmt.Errorf("dispatch.queueCapacity must be a power of two >= 2")
	}

	if cfg.Breaker != nil {
		if cfg.Breaker.FailureThreshold < 0 {
			return fmt.Errorf("breaker.failureThreshold must be non-negative")
		}
		if cfg.Breaker.RecoveryTimeout < 0 {
			return fmt.Errorf("breaker.recoveryTimeout must be non-negative")
		}
	}

	// Validate cache config if provided
	if cfg.Cache != nil && cfg.Cache.Enabled {
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive when cache is enabled")
		}
		if cfg.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive when cache is enabled")
		}
	}

	return nil
}
