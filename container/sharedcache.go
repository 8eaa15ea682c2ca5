package container

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

type cacheEntry struct {
	value any
	err   error
}

// AssemblyCache memoizes named sub-assembly materializations so that
// multiple containers in one process deduplicate overlapping work, such as
// two bundles sharing one connection pool. Entries are built once per name;
// concurrent first requests share a single build via singleflight.
//
// The cache owns nothing it stores: release of shared resources belongs to
// whichever process-level code owns the cache, via Release.
type AssemblyCache struct {
	group    singleflight.Group
	mu       sync.Mutex
	entries  map[string]cacheEntry
	releases []func(context.Context) error
}

// NewAssemblyCache creates an empty shared assembly cache.
func NewAssemblyCache() *AssemblyCache {
	return &AssemblyCache{entries: make(map[string]cacheEntry)}
}

// Materialize returns the memoized value for name, running build once on
// first request. Failures are memoized the same way successes are.
func (c *AssemblyCache) Materialize(ctx context.Context, name string, build func(ctx context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if entry, ok := c.entries[name]; ok {
		c.mu.Unlock()
		return entry.value, entry.err
	}
	c.mu.Unlock()

	value, err, _ := c.group.Do(name, func() (any, error) {
		v, buildErr := build(ctx)
		c.mu.Lock()
		c.entries[name] = cacheEntry{value: v, err: buildErr}
		c.mu.Unlock()
		return v, buildErr
	})
	return value, err
}

// OnRelease registers a release hook for a shared resource. Hooks run once,
// in reverse order, when the cache owner calls Release.
func (c *AssemblyCache) OnRelease(fn func(context.Context) error) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.releases = append(c.releases, fn)
	c.mu.Unlock()
}

// Release runs the registered release hooks and clears the cache. Unlike a
// container teardown this may legitimately run more than once; hooks are
// consumed on first run.
func (c *AssemblyCache) Release(ctx context.Context) error {
	c.mu.Lock()
	releases := c.releases
	c.releases = nil
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()

	var firstErr error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
