package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Factory builds a worker on first demand.
type Factory func(ctx context.Context) (Worker, error)

// Registry maps pipeline IDs to lazily-instantiated workers. The daemon
// owns its lifecycle: register at startup, Shutdown on exit. Instantiation
// is single-flight so concurrent API calls share one construction.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Worker
	group     singleflight.Group
	// runCtx is set by StartAll; workers built after that point start
	// their dispatch loop immediately.
	runCtx context.Context
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Worker),
	}
}

// Register binds a factory to a pipeline ID. Re-registering replaces the
// factory but never an already-built instance.
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// IsSupported reports whether id has a registered factory.
func (r *Registry) IsSupported(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// Supported returns the registered pipeline IDs, sorted.
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns the worker for id, building and memoizing it on first use.
func (r *Registry) Get(ctx context.Context, id string) (Worker, error) {
	r.mu.RLock()
	if w, ok := r.instances[id]; ok {
		r.mu.RUnlock()
		return w, nil
	}
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported pipeline %q", id)
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		r.mu.RLock()
		w, ok := r.instances[id]
		r.mu.RUnlock()
		if ok {
			return w, nil
		}

		w, err := factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("build pipeline %s: %w", id, err)
		}
		r.mu.Lock()
		r.instances[id] = w
		runCtx := r.runCtx
		r.mu.Unlock()
		if runCtx != nil {
			w.Scheduler().Start(runCtx)
		}
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Worker), nil
}

// InitializeAll builds and initializes every registered worker. Used at
// daemon start so the abandoned-jobs sweep runs before any triggering.
func (r *Registry) InitializeAll(ctx context.Context) error {
	for _, id := range r.Supported() {
		w, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := w.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize pipeline %s: %w", id, err)
		}
	}
	return nil
}

// StartAll launches the dispatch loop of every built worker.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.Lock()
	r.runCtx = ctx
	instances := make([]Worker, 0, len(r.instances))
	for _, w := range r.instances {
		instances = append(instances, w)
	}
	r.mu.Unlock()
	for _, w := range instances {
		w.Scheduler().Start(ctx)
	}
}

// Shutdown drains every built worker.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	instances := make([]Worker, 0, len(r.instances))
	for _, w := range r.instances {
		instances = append(instances, w)
	}
	r.mu.RUnlock()

	for _, w := range instances {
		if err := w.Scheduler().Shutdown(ctx); err != nil {
			slog.Warn("pipeline shutdown incomplete", "pipeline", w.PipelineID(), "err", err)
		}
	}
}
