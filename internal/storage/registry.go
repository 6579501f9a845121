package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/duke-git/lancet/v2/maputil"
	"go.uber.org/zap"

	"yqhp/dcf/pkg/dcferr"
	"yqhp/dcf/pkg/logger"
)

// Entry is a named backend of a registry.
type Entry struct {
	Name    string
	Backend Backend
}

// Registry maps logical storage names to the backends of this process.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	log      *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = logger.Named("storage")
	}
	return &Registry{
		backends: make(map[string]Backend),
		log:      log,
	}
}

// Register installs backend under name. An existing entry is replaced and
// its backend closed.
func (r *Registry) Register(name string, backend Backend) {
	r.mu.Lock()
	old, replaced := r.backends[name]
	r.backends[name] = backend
	r.mu.Unlock()

	if replaced && old != backend {
		if err := closeBackend(old); err != nil {
			r.log.Warn("关闭被替换的存储失败", zap.String("name", name), zap.Error(err))
		}
	}
	r.log.Debug("存储已注册", zap.String("name", name), zap.Bool("replaced", replaced))
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, dcferr.New(dcferr.CodeNotFound, fmt.Sprintf("storage not found: %s", name))
	}
	return b, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := maputil.Keys(r.backends)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Entries returns a snapshot of the registry sorted by name.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.backends))
	for name, b := range r.backends {
		entries = append(entries, Entry{Name: name, Backend: b})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Remove closes and removes the backend registered under name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	b, ok := r.backends[name]
	delete(r.backends, name)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return closeBackend(b)
}

// RemoveAll closes and removes every backend.
func (r *Registry) RemoveAll() error {
	r.mu.Lock()
	backends := r.backends
	r.backends = make(map[string]Backend)
	r.mu.Unlock()

	var errs []error
	for name, b := range backends {
		if err := closeBackend(b); err != nil {
			errs = append(errs, fmt.Errorf("close storage %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func closeBackend(b Backend) error {
	if c, ok := b.(Closer); ok {
		return c.Close()
	}
	return nil
}
