package cache

// Cache defines the interface for RPC response caching
type Cache interface {
	// Get retrieves a cached value by key
	Get(key string) ([]byte, bool)
	// Set stores a value under key
	Set(key string, data []byte)
	// Remove drops a key
	Remove(key string)
	// Len returns the number of live entries
	Len() int
	// Close stops background maintenance
	Close()
}

// NoopCache is a Cache that stores nothing
type NoopCache struct{}

// NewNoopCache creates a cache that never hits
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (n *NoopCache) Get(string) ([]byte, bool) { return nil, false }
func (n *NoopCache) Set(string, []byte)        {}
func (n *NoopCache) Remove(string)             {}
func (n *NoopCache) Len() int                  { return 0 }
func (n *NoopCache) Close()                    {}
