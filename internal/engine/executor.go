// Package engine drives a workflow's steps across the host set, threading
// the accumulated record between them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/clusterrun/internal/logging"
	"github.com/rendis/clusterrun/internal/state"
	"github.com/rendis/clusterrun/internal/store"
	"github.com/rendis/clusterrun/internal/transport"
	"github.com/rendis/clusterrun/pkg/schema"
)

// InputFile is the record's name inside the workdir, where step programs read it.
const InputFile = "script.input"

// LocalRunner invokes a command on the controlling node.
type LocalRunner interface {
	Run(ctx context.Context, cmd string) transport.Outcome
}

// RunContext is fixed for the duration of one invocation.
type RunContext struct {
	RunID     string
	Workflow  *schema.WorkflowDefinition
	Hosts     []string // remote hosts, local node excluded
	LocalNode string   // empty when the controlling node is not in the host set
	DryRun    bool
	Workdir   string
}

// InputPath is where the record is written before every step.
func (rc *RunContext) InputPath() string {
	return filepath.Join(rc.Workdir, InputFile)
}

func (rc *RunContext) localLabel() string {
	if rc.LocalNode != "" {
		return rc.LocalNode
	}
	return "local"
}

// ExecutorConfig holds the executor's collaborators.
type ExecutorConfig struct {
	Transport transport.Transport
	Local     LocalRunner
	Output    io.Writer // receives report output verbatim
	Journal   store.Journal
	Logger    *slog.Logger
}

// Executor is the step state machine.
type Executor struct {
	transport transport.Transport
	local     LocalRunner
	out       io.Writer
	logger    *slog.Logger
	journal   *recorder
	steps     *StepFSM
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	rec := newRecorder(cfg.Journal, logger)
	return &Executor{
		transport: cfg.Transport,
		local:     cfg.Local,
		out:       out,
		logger:    logger,
		journal:   rec,
		steps:     NewStepFSM(rec),
	}
}

// BuildCommand is the shell line every node runs for a step.
func BuildCommand(workdir, call string) string {
	if !strings.HasPrefix(call, "./") && !strings.HasPrefix(call, "/") {
		call = "./" + call
	}
	return "cd " + transport.Quote(workdir) + "; " + call
}

// RunAll walks every step in order. A failed step aborts the rest. In a dry
// run the walk stops before the first apply or apply_local step, and every
// step from there on is skipped regardless of its kind.
func (e *Executor) RunAll(ctx context.Context, rc *RunContext, rec *schema.Record) error {
	steps := rc.Workflow.Steps
	for i, step := range steps {
		if rc.DryRun && step.Kind.Mutating() {
			logging.LogWith(ctx, e.logger).Info("dry run: stopping before mutating step", "step", step.Name, "kind", step.Kind.String())
			e.skip(ctx, rc, i, len(steps), "dry_run")
			return nil
		}
		if err := e.RunStep(ctx, rc, rec, i); err != nil {
			e.skip(ctx, rc, i+1, len(steps), "aborted")
			return err
		}
	}
	return nil
}

// skip marks steps [from, to) as never executed.
func (e *Executor) skip(ctx context.Context, rc *RunContext, from, to int, reason string) {
	for i := from; i < to; i++ {
		s := rc.Workflow.Steps[i]
		_ = e.steps.Transition(ctx, rc.RunID, s.Name, schema.StepStatusPending, schema.StepStatusSkipped,
			store.StepEventPayload{Kind: s.Kind.String(), Reason: reason})
		e.journal.stepState(ctx, &store.StepState{
			RunID: rc.RunID, Step: s.Name, Position: i, Kind: s.Kind.String(), Status: schema.StepStatusSkipped,
		})
	}
}

// RunStep synchronizes the record, runs step pos by its kind and appends its
// result. A result is appended whenever the step was dispatched, failed or
// not, so the record always holds one entry per executed step.
func (e *Executor) RunStep(ctx context.Context, rc *RunContext, rec *schema.Record, pos int) error {
	step := rc.Workflow.Steps[pos]
	ctx = logging.WithStep(ctx, step.Name)
	logger := logging.LogWith(ctx, e.logger)
	kind := step.Kind.String()

	start := time.Now().UTC()
	st := &store.StepState{RunID: rc.RunID, Step: step.Name, Position: pos, Kind: kind, Status: schema.StepStatusRunning, StartedAt: &start}
	if err := e.steps.Transition(ctx, rc.RunID, step.Name, schema.StepStatusPending, schema.StepStatusRunning, store.StepEventPayload{Kind: kind}); err != nil {
		return err
	}
	e.journal.stepState(ctx, st)

	cmdline := BuildCommand(rc.Workdir, step.Call)
	if logger.Enabled(ctx, slog.LevelDebug) {
		data, _ := json.Marshal(rec)
		logger.Debug("step", "kind", kind, "call", step.Call, "cmdline", cmdline, "data", string(data))
	}

	var failed []string
	err := e.Synchronize(ctx, rc, rec)
	if err == nil {
		failed, err = e.dispatch(ctx, rc, rec, step, cmdline)
		e.journal.snapshot(ctx, rc.RunID, step.Name, rec)
	}

	end := time.Now().UTC()
	st.CompletedAt = &end
	st.DurationMs = end.Sub(start).Milliseconds()
	if err != nil {
		st.Status = schema.StepStatusFailed
		st.FailedHosts = failed
		st.Error = err.Error()
		_ = e.steps.Transition(ctx, rc.RunID, step.Name, schema.StepStatusRunning, schema.StepStatusFailed,
			store.StepEventPayload{Kind: kind, Error: err.Error(), FailedHosts: failed})
		e.journal.stepState(ctx, st)
		return err
	}

	st.Status = schema.StepStatusCompleted
	_ = e.steps.Transition(ctx, rc.RunID, step.Name, schema.StepStatusRunning, schema.StepStatusCompleted,
		store.StepEventPayload{Kind: kind})
	e.journal.stepState(ctx, st)
	logger.Info("step ok", "kind", kind, "duration_ms", st.DurationMs)
	return nil
}

// Synchronize writes the record to the workdir and copies it to every remote host.
func (e *Executor) Synchronize(ctx context.Context, rc *RunContext, rec *schema.Record) error {
	path := rc.InputPath()
	if err := state.Save(path, rec); err != nil {
		return err
	}
	if len(rc.Hosts) == 0 {
		return nil
	}
	results := e.transport.Copy(ctx, rc.Hosts, path, path)
	if failed := transport.Failures(results); len(failed) > 0 {
		logger := logging.LogWith(ctx, e.logger)
		for _, h := range failed {
			logger.Error("failed when updating input", "host", h, "error", results[h].Message())
		}
		return schema.NewError(schema.ErrCodeStepFailed, "failed when updating input").
			WithStep(logging.Step(ctx)).
			WithDetails(map[string]any{"hosts": failed})
	}
	_ = e.journal.AppendEvent(ctx, &store.Event{RunID: rc.RunID, Step: logging.Step(ctx), Type: schema.EventRecordSynced})
	return nil
}

func (e *Executor) dispatch(ctx context.Context, rc *RunContext, rec *schema.Record, step schema.Step, cmdline string) ([]string, error) {
	switch step.Kind {
	case schema.KindCollect, schema.KindApply:
		return e.runEverywhere(ctx, rc, rec, step, cmdline)

	case schema.KindValidate:
		v, err := e.runLocal(ctx, rc, step, cmdline)
		rec.Append(schema.StepResult{Step: step.Name, Value: v, Null: err == nil && v == nil})
		if err != nil {
			return []string{rc.localLabel()}, err
		}
		if m, ok := v.(map[string]any); ok {
			rec.MergeParameters(m)
		}
		return nil, nil

	case schema.KindApplyLocal:
		v, err := e.runLocal(ctx, rc, step, cmdline)
		rec.Append(schema.StepResult{Step: step.Name, Value: v, Null: err == nil && v == nil})
		if err != nil {
			return []string{rc.localLabel()}, err
		}
		return nil, nil

	case schema.KindReport:
		out := e.local.Run(logging.WithHost(ctx, rc.localLabel()), cmdline)
		if !out.OK() {
			e.hostFailed(ctx, rc, rc.localLabel(), out.Message())
			rec.Append(schema.StepResult{Step: step.Name})
			return []string{rc.localLabel()}, stepFailed(step, []string{rc.localLabel()})
		}
		fmt.Fprint(e.out, out.Stdout)
		var v any
		if strings.TrimSpace(out.Stdout) != "" {
			v = out.Stdout
		}
		rec.Append(schema.StepResult{Step: step.Name, Value: v})
		return nil, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeInternal, "unhandled step kind %s", step.Kind).WithStep(step.Name)
}

// runEverywhere fans out to the remote hosts and, concurrently, runs once on
// the local node when it is part of the host set. Successful hosts are kept
// in the result even when others fail.
func (e *Executor) runEverywhere(ctx context.Context, rc *RunContext, rec *schema.Record, step schema.Step, cmdline string) ([]string, error) {
	var (
		wg       sync.WaitGroup
		localOut transport.Outcome
	)
	if rc.LocalNode != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			localOut = e.local.Run(logging.WithHost(ctx, rc.LocalNode), cmdline)
		}()
	}
	results := map[string]transport.Outcome{}
	if len(rc.Hosts) > 0 {
		for h, o := range e.transport.Call(ctx, rc.Hosts, cmdline) {
			results[h] = o
		}
	}
	wg.Wait()
	if rc.LocalNode != "" {
		results[rc.LocalNode] = localOut
	}

	hosts := make([]string, 0, len(results))
	for h := range results {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	values := make(map[string]any, len(results))
	var failed []string
	for _, h := range hosts {
		o := results[h]
		if !o.OK() {
			e.hostFailed(ctx, rc, h, o.Message())
			failed = append(failed, h)
			continue
		}
		v, err := parseOutput(o.Stdout)
		if err != nil {
			e.hostFailed(ctx, rc, h, err.Error())
			failed = append(failed, h)
			continue
		}
		values[h] = v
	}
	rec.Append(schema.StepResult{Step: step.Name, Hosts: values})
	if len(failed) > 0 {
		return failed, stepFailed(step, failed)
	}
	return nil, nil
}

func (e *Executor) runLocal(ctx context.Context, rc *RunContext, step schema.Step, cmdline string) (any, error) {
	label := rc.localLabel()
	out := e.local.Run(logging.WithHost(ctx, label), cmdline)
	if !out.OK() {
		e.hostFailed(ctx, rc, label, out.Message())
		return nil, stepFailed(step, []string{label}).WithHost(label)
	}
	v, err := parseOutput(out.Stdout)
	if err != nil {
		e.hostFailed(ctx, rc, label, err.Error())
		return nil, stepFailed(step, []string{label}).WithHost(label)
	}
	return v, nil
}

func (e *Executor) hostFailed(ctx context.Context, rc *RunContext, host, msg string) {
	logging.LogWith(logging.WithHost(ctx, host), e.logger).Error("host failed", "error", msg)
	e.journal.hostFailed(ctx, rc.RunID, logging.Step(ctx), host, msg)
}

// parseOutput decodes a step's stdout: nothing becomes an empty mapping,
// anything else must be exactly one JSON value.
func parseOutput(stdout string) (any, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, fmt.Errorf("invalid output: %w", err)
	}
	return v, nil
}

func stepFailed(step schema.Step, hosts []string) *schema.RunError {
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed on %s", step.Name, strings.Join(hosts, ", ")).
		WithStep(step.Name).
		WithDetails(map[string]any{"hosts": hosts, "kind": step.Kind.String()})
}
