package physical

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/gezibash/drop/internal/observability"
	"github.com/gezibash/drop/internal/storage"
)

// Factory opens a backend from its merged configuration map. It returns an
// Unavailable error when the backend is configured correctly but cannot be
// reached, so the caller can start in degraded mode.
type Factory func(ctx context.Context, config map[string]string) (Backend, error)

// DefaultsFunc returns a backend's configuration defaults.
type DefaultsFunc func() map[string]string

type registration struct {
	open     Factory
	defaults DefaultsFunc
}

var registry struct {
	sync.RWMutex
	byName map[string]registration
}

// Register makes a backend selectable by metadata.backend. Backends call it
// from init; registering a name twice panics.
func Register(name string, open Factory, defaults DefaultsFunc) {
	registry.Lock()
	defer registry.Unlock()

	if registry.byName == nil {
		registry.byName = make(map[string]registration)
	}
	if _, dup := registry.byName[name]; dup {
		panic(fmt.Sprintf("metastore backend %q already registered", name))
	}
	registry.byName[name] = registration{open: open, defaults: defaults}
}

func lookup(name string) (registration, bool) {
	registry.RLock()
	defer registry.RUnlock()
	r, ok := registry.byName[name]
	return r, ok
}

// Backends lists the registered backend names, sorted.
func Backends() []string {
	registry.RLock()
	defer registry.RUnlock()
	return slices.Sorted(maps.Keys(registry.byName))
}

// IsRegistered reports whether name can be passed to New.
func IsRegistered(name string) bool {
	_, ok := lookup(name)
	return ok
}

// New opens the named backend with config laid over the backend's defaults.
func New(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics) (b Backend, err error) {
	op, ctx := observability.StartOperation(ctx, metrics, "metastore.open")
	defer func() { op.End(err) }()

	r, ok := lookup(name)
	if !ok {
		return nil, storage.NewConfigErrorWithValue("metastore", "backend", name,
			"unknown backend, available: "+strings.Join(Backends(), ", "))
	}

	merged := config
	if r.defaults != nil {
		merged = storage.MergeConfig(r.defaults(), config)
	}
	if b, err = r.open(ctx, merged); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "metastore backend opened", "backend", name)
	return b, nil
}
