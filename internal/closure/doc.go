// Package closure ships executable logic between processes.
//
// Go functions cannot be serialized, so a closure is a reference to a
// function registered under a stable name in every binary of the cluster,
// plus a captured environment shipped as data. Environment values are either
// plain data (encoded as JSON) or nested closures. The wire form is a flat
// node table: shared sub-graphs are emitted once and cycles are allowed.
//
// Functions are registered at init time:
//
//	var Square = closure.Define("example.square", func(ctx context.Context, env *closure.Env, args ...any) (any, error) {
//		var n int
//		if err := env.Decode("n", &n); err != nil {
//			return nil, err
//		}
//		return n * n, nil
//	})
//
// and bound to an environment at the call site:
//
//	c := Square.Bind(map[string]any{"n": 7})
//
// Decoding a closure never invokes anything. Nested closures run only when
// the code holding them calls Invoke.
package closure
