// Package persistor defines the snapshot storage contract used by the
// Kernel for pause/resume, plus a factory that lazily instantiates and
// caches adapters by connection key. Grounded on the registry store
// interface/adapter split (registry/store, registry/store/memory,
// registry/store/mongo): a small interface, one in-memory adapter for
// development and tests, one external adapter for durability.
package persistor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/goa-ai/runtime/kernel/ksnapshot"
)

// ErrNotFound is returned when no snapshot exists for a given hash.
var ErrNotFound = errors.New("persistor: snapshot not found")

// AppendOptions configures a single Append call.
type AppendOptions struct {
	// UseDelta opts into delta-compression against the most recent prior
	// snapshot for the same XCID. Adapters that do not implement delta
	// compression may ignore this hint; it is always safe to ignore since
	// Append is defined to store a complete, self-sufficient snapshot.
	UseDelta bool
}

// Persistor appends and retrieves content-addressed snapshots. Appending a
// snapshot whose hash already exists is a no-op: snapshot hash is the
// canonical key, so the store is naturally idempotent under retries.
type Persistor interface {
	// Append stores snapshot, keyed by snapshot.Hash. A snapshot with an
	// already-known hash is not re-written.
	Append(ctx context.Context, snapshot ksnapshot.Snapshot, opts AppendOptions) error
	// GetByHash retrieves the snapshot stored under hash. Returns
	// ErrNotFound if no such snapshot exists.
	GetByHash(ctx context.Context, hash string) (ksnapshot.Snapshot, error)
}

// AdapterKey identifies a Persistor adapter configuration. Two calls to
// Factory.Get with an equal AdapterKey return the same adapter instance.
type AdapterKey struct {
	// Type selects the adapter implementation ("memory" or "mongo").
	Type string
	// ConnectionString is the adapter-specific connection string. Ignored
	// by the memory adapter.
	ConnectionString string
	// Collection names the backing collection/table. Ignored by the
	// memory adapter.
	Collection string
}

// AdapterBuilder constructs a Persistor for a given AdapterKey. Factory
// calls the builder at most once per distinct key.
type AdapterBuilder func(ctx context.Context, key AdapterKey) (Persistor, error)

// Factory lazily instantiates and caches Persistor adapters by AdapterKey,
// so repeated lookups for the same connection configuration (common across
// kernels sharing a backing store) reuse one adapter instance.
type Factory struct {
	mu       sync.Mutex
	builders map[string]AdapterBuilder
	cache    map[AdapterKey]Persistor
}

// NewFactory constructs a Factory with the built-in "memory" adapter
// registered. Callers register additional adapter types (e.g. "mongo") via
// Register.
func NewFactory() *Factory {
	f := &Factory{
		builders: make(map[string]AdapterBuilder),
		cache:    make(map[AdapterKey]Persistor),
	}
	f.Register("memory", func(context.Context, AdapterKey) (Persistor, error) {
		return NewMemory(), nil
	})
	return f
}

// Register associates an adapter type name with a builder function.
// Registering a type that already has a builder replaces it; existing
// cached instances of that type are not invalidated.
func (f *Factory) Register(typ string, builder AdapterBuilder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[typ] = builder
}

// Get returns the cached adapter for key, building and caching it on first
// use. Initialization is lazy: no adapter is constructed until first
// requested.
func (f *Factory) Get(ctx context.Context, key AdapterKey) (Persistor, error) {
	f.mu.Lock()
	if p, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return p, nil
	}
	builder, ok := f.builders[key.Type]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("persistor: no adapter registered for type %q", key.Type)
	}

	p, err := builder(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("persistor: build adapter %q: %w", key.Type, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.cache[key]; ok {
		// Lost the race with a concurrent Get for the same key; keep the
		// winner so callers always observe one shared instance per key.
		return existing, nil
	}
	f.cache[key] = p
	return p, nil
}
