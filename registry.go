package armer

import (
	"fmt"
	"io"
	"sync"
)

type registryEntry[S comparable, T io.Closer] struct {
	resource T
	settings S
	refCount int64
}

// SharedRegistry hands out one reference-counted resource per key, for example one serial bus
// per port shared by every arm configured on it. The resource is opened on first acquire and
// closed when the last holder releases it.
type SharedRegistry[S comparable, T io.Closer] struct {
	open func(key string, settings S) (T, error)

	mu      sync.Mutex
	entries map[string]*registryEntry[S, T]
}

// NewSharedRegistry creates a registry that opens resources with open.
func NewSharedRegistry[S comparable, T io.Closer](open func(key string, settings S) (T, error)) *SharedRegistry[S, T] {
	return &SharedRegistry[S, T]{
		open:    open,
		entries: make(map[string]*registryEntry[S, T]),
	}
}

// Acquire returns the resource for key, opening it if needed. Holders of one key must agree
// on its settings.
func (r *SharedRegistry[S, T]) Acquire(key string, settings S) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[key]; exists {
		if entry.settings != settings {
			var zero T
			return zero, fmt.Errorf("conflict: %s is already open with different settings (refCount: %d)", key, entry.refCount)
		}
		entry.refCount++
		return entry.resource, nil
	}

	resource, err := r.open(key, settings)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to open %s: %w", key, err)
	}
	r.entries[key] = &registryEntry[S, T]{resource: resource, settings: settings, refCount: 1}
	return resource, nil
}

// Release drops one reference to key, closing the resource with the last one.
func (r *SharedRegistry[S, T]) Release(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[key]
	if !exists {
		return nil
	}
	entry.refCount--
	if entry.refCount > 0 {
		return nil
	}
	delete(r.entries, key)
	return entry.resource.Close()
}

// ForceClose closes key regardless of how many holders remain.
func (r *SharedRegistry[S, T]) ForceClose(key string) error {
	r.mu.Lock()
	entry, exists := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if !exists {
		return nil
	}
	return entry.resource.Close()
}

// Status reports the reference count of key and whether it is open.
func (r *SharedRegistry[S, T]) Status(key string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.entries[key]
	if !exists {
		return 0, false
	}
	return entry.refCount, true
}
