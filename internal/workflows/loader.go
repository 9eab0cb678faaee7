// Package workflows finds workflow directories under the configured roots and
// decodes their main.yml into schema.WorkflowDefinition.
package workflows

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/rendis/clusterrun/internal/validation"
	"github.com/rendis/clusterrun/pkg/schema"
)

// MainFile is the definition file every workflow directory holds.
const MainFile = "main.yml"

// Loader resolves workflow names against an ordered list of roots.
// The first root holding <name>/main.yml wins.
type Loader struct {
	roots     []string
	validator *validation.WorkflowValidator
}

// NewLoader creates a Loader over roots.
func NewLoader(roots []string, validator *validation.WorkflowValidator) *Loader {
	return &Loader{roots: append([]string(nil), roots...), validator: validator}
}

// Roots returns the search roots in priority order.
func (l *Loader) Roots() []string {
	return append([]string(nil), l.roots...)
}

// Resolve returns the path of the named workflow's main.yml.
func (l *Loader) Resolve(name string) (string, error) {
	for _, root := range l.roots {
		p := filepath.Join(root, name, MainFile)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeNotFound, "%s not found", name)
}

// List returns every workflow name reachable from the roots, sorted.
// Directories without main.yml are descended into; unreadable ones are skipped.
func (l *Loader) List() []string {
	seen := map[string]struct{}{}
	var names []string
	var walk func(root, prefix string)
	walk = func(root, prefix string) {
		entries, err := os.ReadDir(filepath.Join(root, prefix))
		if err != nil {
			return
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			rel := filepath.Join(prefix, e.Name())
			if _, err := os.Stat(filepath.Join(root, rel, MainFile)); err == nil {
				if _, dup := seen[rel]; !dup {
					seen[rel] = struct{}{}
					names = append(names, rel)
				}
				continue
			}
			walk(root, rel)
		}
	}
	for _, root := range l.roots {
		walk(root, "")
	}
	sort.Strings(names)
	return names
}

// ReadDocument reads and YAML-decodes a main.yml. The file may hold the
// workflow mapping directly or a list whose first element is the mapping.
func ReadDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty document", path)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if list, ok := raw.([]any); ok {
		if len(list) == 0 {
			return nil, fmt.Errorf("%s: empty workflow list", path)
		}
		raw = list[0]
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected a mapping, got %T", path, raw)
	}
	return doc, nil
}

// Load resolves, reads, verifies and decodes the named workflow.
func (l *Loader) Load(name string) (*schema.WorkflowDefinition, error) {
	def, result, err := l.Verify(name)
	if err != nil {
		return nil, err
	}
	if verr := result.ToError(name); verr != nil {
		return nil, verr
	}
	return def, nil
}

// Verify loads the named workflow and returns the validation result alongside
// the decoded definition. def is nil when the document has errors.
func (l *Loader) Verify(name string) (*schema.WorkflowDefinition, *schema.ValidationResult, error) {
	path, err := l.Resolve(name)
	if err != nil {
		return nil, nil, err
	}
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConfig, "loading workflow failed: %s", name).WithCause(err)
	}
	dir := filepath.Dir(path)
	result := &schema.ValidationResult{}
	if l.validator != nil {
		result = l.validator.Validate(doc, dir)
	}
	if !result.Valid() {
		return nil, result, nil
	}
	def, err := Decode(doc)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "error in %s: %v", name, err).WithCause(err)
	}
	def.Dir = dir
	return def, result, nil
}

// Decode turns a raw main.yml mapping into a WorkflowDefinition.
func Decode(doc map[string]any) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	def.Name, _ = doc["name"].(string)
	def.Description, _ = doc["description"].(string)

	params, _ := doc["parameters"].([]any)
	for i, raw := range params {
		p, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameters[%d]: expected a mapping", i)
		}
		spec := schema.ParameterSpec{}
		spec.Name, _ = p["name"].(string)
		spec.Required, _ = p["required"].(bool)
		spec.Description, _ = p["description"].(string)
		if v, ok := p["default"]; ok {
			spec.Default = v
			spec.HasDefault = true
		}
		def.Parameters = append(def.Parameters, spec)
	}

	steps, _ := doc["steps"].([]any)
	for i, raw := range steps {
		s, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("steps[%d]: expected a mapping", i)
		}
		name, kindName, call := validation.StepAction(s)
		kind, err := schema.ParseStepKind(kindName)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, name, err)
		}
		def.Steps = append(def.Steps, schema.Step{Name: name, Kind: kind, Call: call})
	}
	return def, nil
}
