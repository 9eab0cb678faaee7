package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is the state threaded between steps: the parameter mapping plus one
// result per executed step, in execution order. On disk it is a JSON array
// whose first element is the parameter mapping.
type Record struct {
	Parameters map[string]any
	Results    []StepResult
}

// StepResult is the outcome of one step. Per-host kinds fill Hosts, local
// kinds fill Value. A nil Value persists as an empty mapping unless Null
// records that the step printed an explicit JSON null.
type StepResult struct {
	Step  string
	Hosts map[string]any
	Value any
	Null  bool
}

// NewRecord starts a record from a resolved parameter mapping.
func NewRecord(params map[string]any) *Record {
	p := make(map[string]any, len(params))
	for k, v := range params {
		p[k] = v
	}
	return &Record{Parameters: p}
}

// Len is the number of persisted entries: parameters plus step results.
func (r *Record) Len() int {
	return 1 + len(r.Results)
}

// Append adds a step result after every earlier one.
func (r *Record) Append(res StepResult) {
	r.Results = append(r.Results, res)
}

// MergeParameters writes every key of m into the parameter mapping.
func (r *Record) MergeParameters(m map[string]any) {
	if r.Parameters == nil {
		r.Parameters = make(map[string]any, len(m))
	}
	for k, v := range m {
		r.Parameters[k] = v
	}
}

func (s StepResult) MarshalJSON() ([]byte, error) {
	if s.Hosts != nil {
		return json.Marshal(s.Hosts)
	}
	if s.Value == nil && !s.Null {
		return []byte("{}"), nil
	}
	return json.Marshal(s.Value)
}

func (r *Record) MarshalJSON() ([]byte, error) {
	entries := make([]any, 0, r.Len())
	params := r.Parameters
	if params == nil {
		params = map[string]any{}
	}
	entries = append(entries, params)
	for _, res := range r.Results {
		entries = append(entries, res)
	}
	return json.Marshal(entries)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("record: empty, expected parameter mapping first")
	}
	params := map[string]any{}
	if !bytes.Equal(bytes.TrimSpace(entries[0]), []byte("null")) {
		if err := json.Unmarshal(entries[0], &params); err != nil {
			return fmt.Errorf("record: first entry must be a mapping: %w", err)
		}
	}
	results := make([]StepResult, 0, len(entries)-1)
	for i, raw := range entries[1:] {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("record: entry %d: %w", i+1, err)
		}
		results = append(results, StepResult{Value: v, Null: v == nil})
	}
	r.Parameters = params
	r.Results = results
	return nil
}
