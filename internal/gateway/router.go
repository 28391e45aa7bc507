package gateway

import (
	"fmt"
	"strings"
	"sync"

	"rpcbatchd/internal/upstream"
)

// Group bundles everything serving one upstream group: its pool and the
// coalescer that batches client requests toward it.
type Group struct {
	Name      string
	Pool      *upstream.Pool
	Coalescer *Coalescer
}

// Router maps request paths to groups
type Router struct {
	groups map[string]*Group
	mu     sync.RWMutex
}

// NewRouter creates an empty Router
func NewRouter() *Router {
	return &Router{groups: make(map[string]*Group)}
}

// AddGroup registers a group
func (r *Router) AddGroup(g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[g.Name] = g
}

// GetGroup returns a group by name
func (r *Router) GetGroup(name string) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[name]
	if !ok {
		return nil, fmt.Errorf("unknown group: %s", name)
	}
	return g, nil
}

// GetGroupFromPath resolves "/<group>" to a group. A bare "/" resolves
// only when exactly one group is configured.
func (r *Router) GetGroupFromPath(path string) (*Group, error) {
	name := ExtractGroupName(path)
	if name == "" {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if len(r.groups) == 1 {
			for _, g := range r.groups {
				return g, nil
			}
		}
		return nil, fmt.Errorf("group name required in path")
	}
	return r.GetGroup(name)
}

// Groups returns all registered groups
func (r *Router) Groups() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		result = append(result, g)
	}
	return result
}

// ExtractGroupName returns the first path segment
func ExtractGroupName(path string) string {
	path = strings.Trim(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return path
}
