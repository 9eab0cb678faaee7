package engine

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/rendis/clusterrun/internal/logging"
	"github.com/rendis/clusterrun/internal/state"
	"github.com/rendis/clusterrun/internal/validation"
	"github.com/rendis/clusterrun/pkg/schema"
)

// Resume selects a single step to run against a persisted record.
type Resume struct {
	Step      string
	Statefile string // absolute
	Index     int
}

// NewResume checks a step/statefile pair before anything is created.
// Both must be set, or neither, in which case it returns nil.
func NewResume(def *schema.WorkflowDefinition, step, statefile string) (*Resume, error) {
	if step == "" && statefile == "" {
		return nil, nil
	}
	if step == "" || statefile == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "step and statefile must be set together")
	}
	idx := def.StepIndex(step)
	if idx < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeResume, "%s: step not found", step).WithStep(step)
	}
	abs, err := filepath.Abs(statefile)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "invalid statefile %s", statefile).WithCause(err)
	}
	return &Resume{Step: step, Statefile: abs, Index: idx}, nil
}

// Load returns the record the step starts from. The first step starts fresh
// from params; any other step requires a statefile left by an earlier run.
func (r *Resume) Load(params map[string]any, v validation.StatefileValidator) (*schema.Record, error) {
	if r.Index == 0 {
		return schema.NewRecord(params), nil
	}
	rec, err := state.Load(r.Statefile, v)
	if errors.Is(err, state.ErrNoState) {
		return nil, schema.NewErrorf(schema.ErrCodeResume, "no state for step: %s", r.Step).WithStep(r.Step).WithCause(err)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RunSingle runs one step and persists the record to the statefile. Under
// dry run a mutating step is not executed and the record is saved unchanged.
func (e *Executor) RunSingle(ctx context.Context, rc *RunContext, rec *schema.Record, r *Resume) error {
	step := rc.Workflow.Steps[r.Index]
	var err error
	if rc.DryRun && step.Kind.Mutating() {
		logging.LogWith(ctx, e.logger).Warn("dry run: skipping mutating step", "step", step.Name, "kind", step.Kind.String())
		e.skip(ctx, rc, r.Index, r.Index+1, "dry_run")
	} else {
		err = e.RunStep(ctx, rc, rec, r.Index)
	}
	if serr := state.Save(r.Statefile, rec); serr != nil && err == nil {
		err = serr
	}
	return err
}
