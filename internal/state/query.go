package state

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/clusterrun/pkg/schema"
)

// Querier evaluates jq expressions against records. Compiled expressions are
// cached and safe for concurrent use.
type Querier struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewQuerier creates a Querier.
func NewQuerier() *Querier {
	return &Querier{cache: make(map[string]*gojq.Code)}
}

// Query runs expression against the persisted layout of rec, so `.[0]` is
// the parameter mapping and `.[1:]` the step results. Every output is returned.
func (q *Querier) Query(ctx context.Context, rec *schema.Record, expression string) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := q.compile(expression)
	if err != nil {
		return nil, err
	}
	input, err := jqInput(rec)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "cannot encode record").WithCause(err)
	}

	var out []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		out = append(out, v)
	}
	return out, nil
}

func (q *Querier) compile(expression string) (*gojq.Code, error) {
	q.mu.RLock()
	code, ok := q.cache[expression]
	q.mu.RUnlock()
	if ok {
		return code, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if code, ok := q.cache[expression]; ok {
		return code, nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	// $ENV is blanked; records are inspected, not the caller's environment.
	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	q.cache[expression] = code
	return code, nil
}

// jqInput converts rec into the plain []any / map[string]any / float64 values gojq accepts.
func jqInput(rec *schema.Record) (any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
