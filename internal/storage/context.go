package storage

import (
	"context"

	"yqhp/dcf/pkg/dcferr"
)

type registryKey struct{}

var errNoRegistry = dcferr.New(dcferr.CodeNotFound, "no storage registry in context")

// WithRegistry returns a context carrying r.
func WithRegistry(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, registryKey{}, r)
}

// FromContext returns the registry carried by ctx, or nil.
func FromContext(ctx context.Context) *Registry {
	r, _ := ctx.Value(registryKey{}).(*Registry)
	return r
}

// Lookup returns the backend registered under name in the registry carried
// by ctx.
func Lookup(ctx context.Context, name string) (Backend, error) {
	r := FromContext(ctx)
	if r == nil {
		return nil, errNoRegistry
	}
	return r.Get(name)
}
