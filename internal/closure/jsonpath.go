package closure

import (
	"context"
	"fmt"

	"github.com/ohler55/ojg/jp"

	"yqhp/dcf/pkg/dcferr"
)

// Env keys read by JSONPath closures.
const (
	JSONPathExpressionKey = "expression"
	JSONPathSourceKey     = "source"
	JSONPathIndexKey      = "index"
)

// JSONPath extracts values from a document with a JSONPath expression. The
// document is the "source" env value when present, otherwise the first
// argument. Without an "index" the result is the list of all matches.
var JSONPath = Define("dcf.jsonpath", runJSONPath)

// NewJSONPath binds expression to the JSONPath function.
func NewJSONPath(expression string) *Closure {
	return JSONPath.Bind(map[string]any{JSONPathExpressionKey: expression})
}

func runJSONPath(ctx context.Context, env *Env, args ...any) (any, error) {
	expression, err := Value[string](env, JSONPathExpressionKey)
	if err != nil {
		return nil, fmt.Errorf("jsonpath expression: %w", err)
	}
	path, err := jp.ParseString(expression)
	if err != nil {
		return nil, dcferr.BadRequest(fmt.Sprintf("invalid jsonpath %q", expression), err)
	}

	var data any
	switch {
	case env.Has(JSONPathSourceKey):
		if err := env.Decode(JSONPathSourceKey, &data); err != nil {
			return nil, err
		}
	case len(args) > 0:
		data = args[0]
	default:
		return nil, dcferr.BadRequest("jsonpath needs a source value or an argument", nil)
	}

	results := path.Get(data)
	if !env.Has(JSONPathIndexKey) {
		return results, nil
	}

	idx, err := Value[int](env, JSONPathIndexKey)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(results) {
		return nil, dcferr.NotFound(fmt.Sprintf("%s[%d]", expression, idx))
	}
	return results[idx], nil
}
