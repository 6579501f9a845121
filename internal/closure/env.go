package closure

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"

	"yqhp/dcf/pkg/dcferr"
)

// Env is the captured environment of a closure. Before transport, data
// values are the Go values given to Bind; after transport they are raw
// JSON. Decode hides the difference.
type Env struct {
	values map[string]any
}

// Has reports whether key is present.
func (e *Env) Has(key string) bool {
	_, ok := e.values[key]
	return ok
}

// Keys returns the environment keys, sorted.
func (e *Env) Keys() []string {
	keys := make([]string, 0, len(e.values))
	for k := range e.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode unmarshals the data value under key into dst.
func (e *Env) Decode(key string, dst any) error {
	v, ok := e.values[key]
	if !ok {
		return dcferr.NotFound(key)
	}

	switch val := v.(type) {
	case *Closure:
		return dcferr.BadRequest(fmt.Sprintf("env %q holds a closure, not data", key), nil)
	case json.RawMessage:
		if err := sonic.Unmarshal(val, dst); err != nil {
			return fmt.Errorf("decode env %q: %w", key, err)
		}
		return nil
	default:
		data, err := sonic.Marshal(val)
		if err != nil {
			return fmt.Errorf("encode env %q: %w", key, err)
		}
		if err := sonic.Unmarshal(data, dst); err != nil {
			return fmt.Errorf("decode env %q: %w", key, err)
		}
		return nil
	}
}

// Closure returns the nested closure under key.
func (e *Env) Closure(key string) (*Closure, error) {
	v, ok := e.values[key]
	if !ok {
		return nil, dcferr.NotFound(key)
	}
	c, ok := v.(*Closure)
	if !ok {
		return nil, dcferr.BadRequest(fmt.Sprintf("env %q is data, not a closure", key), nil)
	}
	return c, nil
}

// IsClosure reports whether key holds a nested closure.
func (e *Env) IsClosure(key string) bool {
	_, ok := e.values[key].(*Closure)
	return ok
}

// Value decodes the data value under key as T.
func Value[T any](env *Env, key string) (T, error) {
	var v T
	err := env.Decode(key, &v)
	return v, err
}

// ValueOr decodes the data value under key as T, or returns def when the key
// is absent.
func ValueOr[T any](env *Env, key string, def T) (T, error) {
	if !env.Has(key) {
		return def, nil
	}
	return Value[T](env, key)
}
