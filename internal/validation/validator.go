package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/clusterrun/pkg/schema"
)

// reservedParams are consumed by the runner and never reach step commands
// under their own name.
var reservedParams = map[string]struct{}{
	"nodes": {}, "dry_run": {}, "step": {}, "statefile": {},
}

// WorkflowValidator runs the schema pass and then the step checks a schema
// cannot express: exactly one kind per step, the call's program exists, names are unique.
type WorkflowValidator struct {
	schemas *SchemaValidator
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{schemas: sv}, nil
}

// Schemas exposes the compiled schemas, e.g. for statefile checks.
func (wv *WorkflowValidator) Schemas() *SchemaValidator {
	return wv.schemas
}

// Validate checks a decoded main.yml document. dir is the workflow directory
// that step calls are resolved against. Schema errors short-circuit the step checks.
func (wv *WorkflowValidator) Validate(doc map[string]any, dir string) *schema.ValidationResult {
	result := wv.schemas.ValidateDocument(doc)
	if !result.Valid() {
		return result
	}
	result.Merge(checkParameters(doc))
	result.Merge(checkSteps(doc, dir))
	return result
}

// StepAction extracts name, kind and call from one raw step. Explicit
// "type"/"call" wins over the shorthand where the kind is the key.
func StepAction(step map[string]any) (name string, kind string, call string) {
	name, _ = step["name"].(string)
	if t, ok := step["type"].(string); ok {
		c, _ := step["call"].(string)
		return name, t, strings.TrimSpace(c)
	}
	for _, k := range schema.StepKinds {
		if v, ok := step[k.String()]; ok {
			c, _ := v.(string)
			return name, k.String(), strings.TrimSpace(c)
		}
	}
	return name, "", ""
}

func checkParameters(doc map[string]any) *schema.ValidationResult {
	r := &schema.ValidationResult{}
	params, _ := doc["parameters"].([]any)
	seen := make(map[string]struct{}, len(params))
	for i, raw := range params {
		p, _ := raw.(map[string]any)
		name, _ := p["name"].(string)
		path := fmt.Sprintf("parameters[%d]", i)
		if _, dup := seen[name]; dup {
			r.AddError(path, fmt.Sprintf("duplicate parameter %q", name))
		}
		seen[name] = struct{}{}
		if _, reserved := reservedParams[name]; reserved {
			r.AddWarning(path, fmt.Sprintf("parameter %q is reserved by the runner and is never passed through", name))
		}
	}
	return r
}

func checkSteps(doc map[string]any, dir string) *schema.ValidationResult {
	r := &schema.ValidationResult{}
	steps, _ := doc["steps"].([]any)
	seen := make(map[string]struct{}, len(steps))
	for i, raw := range steps {
		step, _ := raw.(map[string]any)
		path := fmt.Sprintf("steps[%d]", i)
		name, kind, call := StepAction(step)
		if name == "" {
			r.AddError(path, "Step missing name")
			continue
		}
		if _, dup := seen[name]; dup {
			r.AddError(path, fmt.Sprintf("duplicate step name %q", name))
		}
		seen[name] = struct{}{}
		if kind == "" {
			r.AddError(path, fmt.Sprintf("Step '%s' has no action defined", name))
			continue
		}
		if _, err := schema.ParseStepKind(kind); err != nil {
			r.AddError(path, fmt.Sprintf("Step '%s': %v", name, err))
			continue
		}
		if call == "" {
			r.AddError(path, fmt.Sprintf("Step '%s' has no call defined", name))
			continue
		}
		prog := strings.Fields(call)[0]
		if st, err := os.Stat(filepath.Join(dir, prog)); err != nil || st.IsDir() {
			r.AddError(path, fmt.Sprintf("Step '%s' file not found: %s", name, call))
		}
	}
	return r
}
