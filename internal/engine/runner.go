package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/clusterrun/internal/logging"
	"github.com/rendis/clusterrun/internal/params"
	"github.com/rendis/clusterrun/internal/store"
	"github.com/rendis/clusterrun/internal/validation"
	"github.com/rendis/clusterrun/internal/workdir"
	"github.com/rendis/clusterrun/internal/workflows"
	"github.com/rendis/clusterrun/pkg/schema"
)

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Loader     *workflows.Loader
	Resolver   *params.Resolver
	Workdirs   *workdir.Manager
	Executor   *Executor
	Statefiles validation.StatefileValidator
	Journal    store.Journal
	LocalNode  string
	Logger     *slog.Logger
}

// Runner is the entry point for one workflow invocation.
type Runner struct {
	loader     *workflows.Loader
	resolver   *params.Resolver
	workdirs   *workdir.Manager
	executor   *Executor
	statefiles validation.StatefileValidator
	journal    *recorder
	runs       *RunFSM
	localNode  string
	logger     *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := newRecorder(cfg.Journal, logger)
	return &Runner{
		loader:     cfg.Loader,
		resolver:   cfg.Resolver,
		workdirs:   cfg.Workdirs,
		executor:   cfg.Executor,
		statefiles: cfg.Statefiles,
		journal:    rec,
		runs:       NewRunFSM(rec),
		localNode:  cfg.LocalNode,
		logger:     logger,
	}
}

// Result describes a finished invocation.
type Result struct {
	RunID  string
	Record *schema.Record
}

// Run loads the named workflow, resolves args and executes it: every step in
// order, or the single step named by the step/statefile pair. The workdir is
// removed from every host on all exit paths once it exists.
func (r *Runner) Run(ctx context.Context, name string, args []string) (*Result, error) {
	def, err := r.loader.Load(name)
	if err != nil {
		return nil, err
	}
	res, err := r.resolver.Resolve(def, args)
	if err != nil {
		return nil, err
	}
	resume, err := NewResume(def, res.Step, res.Statefile)
	if err != nil {
		return nil, err
	}
	var rec *schema.Record
	if resume != nil {
		rec, err = resume.Load(res.Params, r.statefiles)
		if err != nil {
			return nil, err
		}
	} else {
		rec = schema.NewRecord(res.Params)
	}

	remote, local := params.SplitLocal(res.Hosts, r.localNode)
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	logger := logging.LogWith(ctx, r.logger)
	logger.Info(def.Name, "nodes", res.Hosts, "dry_run", res.DryRun)

	run := &store.Run{
		ID: runID, Workflow: def.Name, Status: schema.RunStatusPending,
		Hosts: res.Hosts, LocalNode: local, DryRun: res.DryRun,
		Step: res.Step,
	}
	if resume != nil {
		run.Statefile = resume.Statefile
	}
	if p, merr := json.Marshal(res.Params); merr == nil {
		run.Params = p
	}
	r.journal.createRun(ctx, run)
	if err := r.runs.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusActive, nil); err != nil {
		return nil, err
	}

	err = r.execute(ctx, def, rec, resume, &RunContext{
		RunID: runID, Workflow: def, Hosts: remote, LocalNode: local, DryRun: res.DryRun,
	})
	if err != nil {
		err = AsRunError(def.Name, err)
	}
	r.finish(ctx, runID, def.Name, err)
	return &Result{RunID: runID, Record: rec}, err
}

func (r *Runner) execute(ctx context.Context, def *schema.WorkflowDefinition, rec *schema.Record, resume *Resume, rc *RunContext) error {
	wd, err := r.workdirs.Prepare(ctx, def.Dir, rc.Hosts)
	defer wd.Cleanup(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	rc.Workdir = wd.Path
	r.journal.updateRun(ctx, rc.RunID, store.RunUpdate{Workdir: &wd.Path})

	if resume != nil {
		return r.executor.RunSingle(ctx, rc, rec, resume)
	}
	return r.executor.RunAll(ctx, rc, rec)
}

func (r *Runner) finish(ctx context.Context, runID, name string, err error) {
	logger := logging.LogWith(ctx, r.logger)
	now := time.Now().UTC()
	status := schema.RunStatusCompleted
	update := store.RunUpdate{Status: &status, CompletedAt: &now}
	if err != nil {
		status = schema.RunStatusFailed
		msg := err.Error()
		update.Error = &msg
		_ = r.runs.Transition(ctx, runID, schema.RunStatusActive, schema.RunStatusFailed, map[string]string{"error": msg})
		attrs := []any{"workflow", name, "error", err}
		if cause := errors.Unwrap(err); cause != nil {
			attrs = append(attrs, "cause", cause)
		}
		logger.Error("run failed", attrs...)
	} else {
		_ = r.runs.Transition(ctx, runID, schema.RunStatusActive, schema.RunStatusCompleted, nil)
		logger.Info("run completed", "workflow", name)
	}
	r.journal.updateRun(ctx, runID, update)
}

// AsRunError classifies err; anything that is not already a RunError is an
// internal failure of the named workflow.
func AsRunError(name string, err error) *schema.RunError {
	if err == nil {
		return nil
	}
	var re *schema.RunError
	if errors.As(err, &re) {
		return re
	}
	return schema.NewErrorf(schema.ErrCodeInternal, "internal error while running %s: %v", name, err).WithCause(err)
}
