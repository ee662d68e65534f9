package mcpservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-quote-server/mcp"
)

// ResourceReader returns the current contents of one resource.
type ResourceReader func(ctx context.Context) ([]mcp.ResourceContents, error)

// StaticResource pairs a resource descriptor with the function that reads it.
type StaticResource struct {
	Descriptor mcp.Resource
	Read       ResourceReader
}

// ResourcesContainer owns a threadsafe set of readable resources in
// registration order.
type ResourcesContainer struct {
	mu        sync.RWMutex
	resources []mcp.Resource
	readers   map[string]ResourceReader // uri -> reader
}

// NewResourcesContainer returns an empty container.
func NewResourcesContainer() *ResourcesContainer {
	return &ResourcesContainer{readers: make(map[string]ResourceReader)}
}

// Add registers res. It returns ErrDuplicate if the URI is taken.
func (rc *ResourcesContainer) Add(res StaticResource) error {
	uri := res.Descriptor.URI
	if uri == "" {
		return fmt.Errorf("resource uri is required")
	}
	if res.Read == nil {
		return fmt.Errorf("resource %s: reader is required", uri)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.readers[uri]; exists {
		return fmt.Errorf("resource %s: %w", uri, ErrDuplicate)
	}
	rc.resources = append(rc.resources, res.Descriptor)
	rc.readers[uri] = res.Read
	return nil
}

// Snapshot returns a copy of the current resource descriptors.
func (rc *ResourcesContainer) Snapshot() []mcp.Resource {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]mcp.Resource, len(rc.resources))
	copy(out, rc.resources)
	return out
}

// Has reports whether uri is registered.
func (rc *ResourcesContainer) Has(uri string) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := rc.readers[uri]
	return ok
}

// Len returns the number of registered resources.
func (rc *ResourcesContainer) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.resources)
}

// Read returns the contents of uri. Unknown URIs are an invalid params
// protocol error; reader failures are returned as-is.
func (rc *ResourcesContainer) Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	rc.mu.RLock()
	read, ok := rc.readers[uri]
	rc.mu.RUnlock()
	if !ok {
		return nil, InvalidParams("Resource %s not found", uri)
	}

	contents, err := read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read resource %s: %w", uri, err)
	}
	return contents, nil
}
