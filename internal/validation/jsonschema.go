package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/clusterrun/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	workflowSchemaURL = "https://clusterrun.dev/schemas/workflow.json"
	recordSchemaURL   = "https://clusterrun.dev/schemas/record.json"
)

// workflowSchemaJSON describes a main.yml document after YAML decoding.
// Steps either name their kind in "type" with a separate "call", or use the
// kind itself as the key holding the call.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://clusterrun.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "description", "parameters", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": ["string", "null"] },
    "parameters": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/parameter" }
    },
    "steps": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "$defs": {
    "parameter": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "required": { "type": "boolean" },
        "description": { "type": ["string", "null"] }
      }
    },
    "step": {
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "type": { "type": "string" },
        "call": { "type": "string" },
        "collect": { "type": "string" },
        "validate": { "type": "string" },
        "apply": { "type": "string" },
        "apply_local": { "type": "string" },
        "report": { "type": "string" }
      }
    }
  }
}`

// recordSchemaJSON describes a persisted statefile: an array whose first
// element is the parameter mapping.
const recordSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://clusterrun.dev/schemas/record.json",
  "type": "array",
  "minItems": 1,
  "prefixItems": [ { "type": "object" } ]
}`

// SchemaValidator checks decoded documents against the embedded schemas.
// It is safe for concurrent use.
type SchemaValidator struct {
	workflow *jsonschema.Schema
	record   *jsonschema.Schema
}

// NewSchemaValidator compiles the workflow and record schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	for url, src := range map[string]string{
		workflowSchemaURL: workflowSchemaJSON,
		recordSchemaURL:   recordSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	wf, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	rec, err := c.Compile(recordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	return &SchemaValidator{workflow: wf, record: rec}, nil
}

// ValidateDocument checks a decoded main.yml document.
func (v *SchemaValidator) ValidateDocument(doc any) *schema.ValidationResult {
	return v.check(v.workflow, doc)
}

// ValidateRecord checks raw statefile bytes.
func (v *SchemaValidator) ValidateRecord(data []byte) *schema.ValidationResult {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", fmt.Sprintf("not valid JSON: %v", err))
		return r
	}
	return v.check(v.record, inst)
}

func (v *SchemaValidator) check(s *jsonschema.Schema, doc any) *schema.ValidationResult {
	r := &schema.ValidationResult{}
	inst, err := toJSONValue(doc)
	if err != nil {
		r.AddError("/", fmt.Sprintf("cannot serialize document: %v", err))
		return r
	}
	if err := s.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			verr = ve
		}
		if verr == nil {
			r.AddError("/", err.Error())
			return r
		}
		collectViolations(verr, r)
	}
	return r
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations walks a ValidationError tree and records leaf errors
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError, r *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		r.AddError(loc, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, r)
	}
}

// StatefileValidator is satisfied by SchemaValidator; state loading depends
// only on this.
type StatefileValidator interface {
	ValidateRecord(data []byte) *schema.ValidationResult
}

var _ StatefileValidator = (*SchemaValidator)(nil)
