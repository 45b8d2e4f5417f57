// Package registry holds the named services the server is assembled from.
package registry

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicate = errors.New("service already registered")
	ErrNotFound  = errors.New("service not registered")
	ErrType      = errors.New("service has unexpected type")
)

// Registry is a concurrency-safe name to service map that remembers
// registration order.
type Registry struct {
	mu       sync.RWMutex
	services map[string]any
	order    []string
}

func New() *Registry {
	return &Registry{services: map[string]any{}}
}

func (r *Registry) Register(name string, svc any) error {
	if name == "" {
		return errors.New("registry: service name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.services[name] = svc
	r.order = append(r.order, name)
	log.Debug().Str("component", "registry").Str("service", name).Msg("service registered")
	return nil
}

// MustRegister panics on error. Use it only while wiring at startup.
func (r *Registry) MustRegister(name string, svc any) {
	if err := r.Register(name, svc); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Lookup returns the service registered as name, typed as T.
func Lookup[T any](r *Registry, name string) (T, error) {
	var zero T
	svc, ok := r.Get(name)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrType, name, svc)
	}
	return typed, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Close closes every registered io.Closer in reverse registration order and
// empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	order := r.order
	services := r.services
	r.order = nil
	r.services = map[string]any{}
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		c, ok := services[order[i]].(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", order[i], err))
		}
	}
	return errors.Join(errs...)
}
