package schema

import (
	"fmt"
	"strings"
)

// WorkflowDefinition is a named, ordered list of steps plus declared parameters.
// It is read-only for the duration of a run.
type WorkflowDefinition struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []ParameterSpec `json:"parameters" yaml:"parameters"`
	Steps       []Step          `json:"steps" yaml:"steps"`

	// Dir is the directory holding main.yml and the step executables.
	Dir string `json:"-" yaml:"-"`
}

// ParameterSpec declares one script parameter.
type ParameterSpec struct {
	Name        string `json:"name"`
	Default     any    `json:"default,omitempty"`
	HasDefault  bool   `json:"-"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// Step is one unit of the workflow: a command executed according to its kind.
type Step struct {
	Name string   `json:"name"`
	Kind StepKind `json:"kind"`
	Call string   `json:"call"`
}

// StepIndex returns the position of the named step, or -1.
func (w *WorkflowDefinition) StepIndex(name string) int {
	for i, s := range w.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// StepKind selects where a step runs and how its result is merged.
type StepKind int

const (
	KindUnknown StepKind = iota
	KindCollect
	KindValidate
	KindApply
	KindApplyLocal
	KindReport
)

// StepKinds lists the recognized kinds in their canonical order.
var StepKinds = []StepKind{KindCollect, KindValidate, KindApply, KindApplyLocal, KindReport}

var kindNames = map[StepKind]string{
	KindCollect:    "collect",
	KindValidate:   "validate",
	KindApply:      "apply",
	KindApplyLocal: "apply_local",
	KindReport:     "report",
}

func (k StepKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseStepKind maps a kind name to its StepKind.
func ParseStepKind(s string) (StepKind, error) {
	s = strings.TrimSpace(s)
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown step kind %q", s)
}

// Remote reports whether the kind fans out to every host.
func (k StepKind) Remote() bool {
	return k == KindCollect || k == KindApply
}

// Mutating reports whether the kind changes node state. Dry runs stop before these.
func (k StepKind) Mutating() bool {
	return k == KindApply || k == KindApplyLocal
}

func (k StepKind) MarshalText() ([]byte, error) {
	if k == KindUnknown {
		return nil, fmt.Errorf("cannot marshal unknown step kind")
	}
	return []byte(k.String()), nil
}

func (k *StepKind) UnmarshalText(b []byte) error {
	parsed, err := ParseStepKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
