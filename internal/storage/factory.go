package storage

import (
	"context"
	"fmt"

	"yqhp/dcf/internal/closure"
	"yqhp/dcf/pkg/dcferr"
	"yqhp/dcf/pkg/types"
)

// Env keys read by the factory closures.
const (
	FactoryOptionsKey = "options"
	FactoryNameKey    = "name"
)

// Factory closures. Each is invoked inside a worker with that worker's
// types.WorkerIdentity and returns a fresh Backend.
var (
	MemoryFactory = closure.Define("storage.memory", func(ctx context.Context, env *closure.Env, args ...any) (any, error) {
		return NewMemoryBackend(), nil
	})

	SharedFSFactory = closure.Define("storage.sharedfs", func(ctx context.Context, env *closure.Env, args ...any) (any, error) {
		id, opts, name, err := factoryInput(env, args)
		if err != nil {
			return nil, err
		}
		return NewSharedFSBackend(opts["root"], id.Endpoint, name, nil)
	})

	RedisFactory = closure.Define("storage.redis", func(ctx context.Context, env *closure.Env, args ...any) (any, error) {
		id, opts, name, err := factoryInput(env, args)
		if err != nil {
			return nil, err
		}
		return NewRedisBackend(ctx, RedisOptions{
			URL:    opts["url"],
			Prefix: opts["prefix"],
			Owner:  id.Endpoint,
			Name:   name,
		}, nil)
	})

	SQLFactory = closure.Define("storage.sql", func(ctx context.Context, env *closure.Env, args ...any) (any, error) {
		id, opts, name, err := factoryInput(env, args)
		if err != nil {
			return nil, err
		}
		return NewSQLBackend(ctx, SQLOptions{
			Driver: opts["driver"],
			DSN:    opts["dsn"],
			Owner:  id.Endpoint,
			Name:   name,
		}, nil)
	})
)

var factories = map[string]*closure.Definition{
	"memory":   MemoryFactory,
	"sharedfs": SharedFSFactory,
	"redis":    RedisFactory,
	"sql":      SQLFactory,
}

// Factory binds the factory closure of a backend kind for the storage name.
func Factory(backend, name string, options map[string]string) (*closure.Closure, error) {
	def, ok := factories[backend]
	if !ok {
		return nil, dcferr.BadRequest(fmt.Sprintf("unknown storage backend: %s", backend), nil)
	}
	if options == nil {
		options = map[string]string{}
	}
	return def.Bind(map[string]any{
		FactoryOptionsKey: options,
		FactoryNameKey:    name,
	}), nil
}

// Build invokes a factory closure for the worker identified by id.
func Build(ctx context.Context, factory *closure.Closure, id types.WorkerIdentity) (Backend, error) {
	out, err := factory.Invoke(ctx, id)
	if err != nil {
		return nil, err
	}
	b, ok := out.(Backend)
	if !ok || b == nil {
		return nil, dcferr.BadRequest(fmt.Sprintf("factory %s returned %T, not a storage backend", factory.Name(), out), nil)
	}
	return b, nil
}

func factoryInput(env *closure.Env, args []any) (types.WorkerIdentity, map[string]string, string, error) {
	var id types.WorkerIdentity
	if len(args) > 0 {
		switch v := args[0].(type) {
		case types.WorkerIdentity:
			id = v
		case *types.WorkerIdentity:
			id = *v
		default:
			return id, nil, "", dcferr.BadRequest(fmt.Sprintf("factory expects a worker identity, got %T", args[0]), nil)
		}
	}

	opts, err := closure.ValueOr(env, FactoryOptionsKey, map[string]string{})
	if err != nil {
		return id, nil, "", err
	}
	name, err := closure.ValueOr(env, FactoryNameKey, "")
	if err != nil {
		return id, nil, "", err
	}
	return id, opts, name, nil
}
