package closure

import (
	"context"
	"fmt"
	"runtime/debug"

	"yqhp/dcf/pkg/dcferr"
)

// Closure is a registered function together with its captured environment.
type Closure struct {
	name     string
	env      *Env
	registry *Registry
}

// Name returns the name of the function the closure refers to.
func (c *Closure) Name() string {
	return c.name
}

// Env returns the captured environment.
func (c *Closure) Env() *Env {
	return c.env
}

// Set adds or replaces an environment value and returns c.
func (c *Closure) Set(key string, value any) *Closure {
	c.env.values[key] = value
	return c
}

// Invoke runs the closure. A panic inside the function is returned as an
// error.
func (c *Closure) Invoke(ctx context.Context, args ...any) (result any, err error) {
	fn, ok := c.registry.Lookup(c.name)
	if !ok {
		return nil, dcferr.New(dcferr.CodeNotFound, fmt.Sprintf("closure function not registered: %s", c.name))
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("closure %s panicked: %v\n%s", c.name, r, debug.Stack())
		}
	}()

	return fn(ctx, c.env, args...)
}
