package extractor

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// hostTable is the fixed URL-substring → extractor-key dispatch table.
// Site-specific extractors (vavoo, dlhd, vixsrc, ...) are out of scope for
// this core per spec.md §1 ("the site-specific extractor implementations
// are described only by the interface they satisfy"); the table is kept
// empty by default and extended by registering Factories for each key.
var hostTable = []struct {
	substring string
	key       string
}{}

// GenericKey is the extractor key used when no host-hint or table entry
// matches.
const GenericKey = "generic"

// Factory constructs a fresh Extractor instance for a given key.
type Factory func() Extractor

// Registry memoizes Extractor instances per key for the process lifetime
// and dispatches URLs to the right one, per spec.md §4.3.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Extractor
}

// NewRegistry creates an empty Registry. Register the generic extractor
// (and any site-specific ones) with RegisterFactory before calling Select.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Extractor),
	}
}

// RegisterFactory associates key with a Factory used to lazily construct
// its Extractor on first Select.
func (r *Registry) RegisterFactory(key string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

// Select dispatches a URL to its Extractor: by hostHint when given,
// otherwise by table substring match, otherwise the generic fallback.
func (r *Registry) Select(url string, hostHint string) (Extractor, error) {
	key := r.dispatchKey(url, hostHint)
	return r.instanceFor(key)
}

func (r *Registry) dispatchKey(url, hostHint string) string {
	if hostHint != "" {
		return hostHint
	}
	for _, entry := range hostTable {
		if strings.Contains(url, entry.substring) {
			return entry.key
		}
	}
	return GenericKey
}

func (r *Registry) instanceFor(key string) (Extractor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[key]; ok {
		return inst, nil
	}
	factory, ok := r.factories[key]
	if !ok {
		requested := key
		factory, ok = r.factories[GenericKey]
		key = GenericKey
		if !ok {
			return nil, fmt.Errorf("extractor: no factory registered for %q or %q", requested, GenericKey)
		}
	}
	inst := factory()
	r.instances[key] = inst
	return inst, nil
}

// Extract invokes extractor.Extract once, and once more with
// forceRefresh=true if the first attempt fails, per spec.md §4.3's
// "retry once" contract.
func Extract(ctx context.Context, ex Extractor, url string) (StreamDescriptor, error) {
	desc, err := ex.Extract(ctx, url, false)
	if err == nil {
		return desc, nil
	}
	return ex.Extract(ctx, url, true)
}

// Close closes every memoized extractor instance and clears the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, inst := range r.instances {
		if err := inst.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.instances = make(map[string]Extractor)
	return firstErr
}
