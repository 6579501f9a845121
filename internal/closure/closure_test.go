package closure

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/dcf/pkg/dcferr"
)

func newTestRegistry(t *testing.T) (*Registry, *Definition, *Definition) {
	t.Helper()
	r := NewRegistry()

	add := r.Define("test.add", func(ctx context.Context, env *Env, args ...any) (any, error) {
		base, err := Value[int](env, "base")
		if err != nil {
			return nil, err
		}
		n := 0
		if len(args) > 0 {
			n = args[0].(int)
		}
		return base + n, nil
	})

	apply := r.Define("test.apply", func(ctx context.Context, env *Env, args ...any) (any, error) {
		inner, err := env.Closure("fn")
		if err != nil {
			return nil, err
		}
		return inner.Invoke(ctx, args...)
	})

	return r, add, apply
}

func TestDefineDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, env *Env, args ...any) (any, error) { return nil, nil }

	r.Define("dup", noop)
	assert.Panics(t, func() { r.Define("dup", noop) })
	assert.Panics(t, func() { r.Define("", noop) })
	assert.Panics(t, func() { r.Define("nil", nil) })
}

func TestRegistryNames(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	assert.Equal(t, []string{"test.add", "test.apply"}, r.Names())
}

func TestInvoke(t *testing.T) {
	_, add, apply := newTestRegistry(t)

	c := add.Bind(map[string]any{"base": 40})
	result, err := c.Invoke(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	outer := apply.Bind(map[string]any{"fn": c})
	result, err = outer.Invoke(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 41, result)
}

func TestInvokeRecoversPanic(t *testing.T) {
	r := NewRegistry()
	boom := r.Define("test.boom", func(ctx context.Context, env *Env, args ...any) (any, error) {
		panic("boom")
	})

	_, err := boom.Bind(nil).Invoke(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestBindCopiesEnv(t *testing.T) {
	_, add, _ := newTestRegistry(t)

	env := map[string]any{"base": 1}
	c := add.Bind(env)
	env["base"] = 100

	result, err := c.Invoke(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result)
}

func TestEnvAccessors(t *testing.T) {
	_, add, apply := newTestRegistry(t)
	c := apply.Bind(map[string]any{
		"fn":   add.Bind(map[string]any{"base": 1}),
		"name": "x",
	})
	env := c.Env()

	assert.Equal(t, []string{"fn", "name"}, env.Keys())
	assert.True(t, env.Has("name"))
	assert.True(t, env.IsClosure("fn"))
	assert.False(t, env.IsClosure("name"))

	_, err := env.Closure("name")
	assert.True(t, errors.Is(err, dcferr.ErrBadRequest))

	var s string
	err = env.Decode("fn", &s)
	assert.True(t, errors.Is(err, dcferr.ErrBadRequest))

	err = env.Decode("missing", &s)
	assert.True(t, errors.Is(err, dcferr.ErrNotFound))

	v, err := ValueOr(env, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}
