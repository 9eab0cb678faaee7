package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/clusterrun/internal/params"
	"github.com/rendis/clusterrun/internal/store"
	"github.com/rendis/clusterrun/internal/transport"
	"github.com/rendis/clusterrun/internal/transport/transporttest"
	"github.com/rendis/clusterrun/internal/validation"
	"github.com/rendis/clusterrun/internal/workdir"
	"github.com/rendis/clusterrun/internal/workflows"
	"github.com/rendis/clusterrun/pkg/schema"
)

const localNode = "n0"

const fullWorkflow = `name: wf
description: exercise every step kind
parameters:
  - name: threshold
    default: 5
steps:
  - name: gather
    collect: gather.sh
  - name: check
    type: validate
    call: check.sh
  - name: change
    apply: apply.sh
  - name: finalize
    apply_local: apply_local.sh
  - name: summary
    report: report.sh
`

type harness struct {
	t       *testing.T
	root    string
	tmp     string
	logs    string
	fake    *transporttest.Fake
	out     *bytes.Buffer
	journal *memJournal
	runner  *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv(transporttest.HostEnv, localNode)

	h := &harness{
		t:       t,
		root:    t.TempDir(),
		tmp:     t.TempDir(),
		logs:    t.TempDir(),
		fake:    &transporttest.Fake{},
		out:     &bytes.Buffer{},
		journal: &memJournal{},
	}

	wv, err := validation.NewWorkflowValidator()
	require.NoError(t, err)

	exec := NewExecutor(ExecutorConfig{
		Transport: h.fake,
		Local:     transport.NewLocalRunner(transport.LocalConfig{}, nil),
		Output:    h.out,
		Journal:   h.journal,
	})
	h.runner = NewRunner(RunnerConfig{
		Loader:     workflows.NewLoader([]string{h.root}, wv),
		Resolver:   params.NewResolver(params.StaticNodes{"n0", "n1", "n2"}, nil),
		Workdirs:   workdir.NewManager(h.tmp, "", h.fake, nil),
		Executor:   exec,
		Statefiles: wv.Schemas(),
		Journal:    h.journal,
		LocalNode:  localNode,
	})
	return h
}

func (h *harness) script(dir, name, body string) {
	h.t.Helper()
	require.NoError(h.t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

// workflow writes the named workflow with the standard step programs. Extra
// programs override or add to them.
func (h *harness) workflow(name, body string, extra map[string]string) {
	h.t.Helper()
	dir := filepath.Join(h.root, name)
	require.NoError(h.t, os.MkdirAll(dir, 0o755))
	require.NoError(h.t, os.WriteFile(filepath.Join(dir, workflows.MainFile), []byte(body), 0o644))

	programs := map[string]string{
		"gather.sh":      `printf '{"host":"%s"}' "$CLUSTERRUN_HOST"`,
		"check.sh":       `printf '{"checked":true}'`,
		"apply.sh":       fmt.Sprintf(`echo "$CLUSTERRUN_HOST" >> %s; printf '{}'`, transport.Quote(h.logPath("apply"))),
		"apply_local.sh": fmt.Sprintf(`echo "$CLUSTERRUN_HOST" >> %s; printf '{"done":1}'`, transport.Quote(h.logPath("apply_local"))),
		"report.sh":      `printf 'all good\n'`,
	}
	for k, v := range extra {
		programs[k] = v
	}
	for k, v := range programs {
		h.script(dir, k, v)
	}
}

func (h *harness) logPath(name string) string {
	return filepath.Join(h.logs, name+".log")
}

func (h *harness) logLines(name string) []string {
	data, err := os.ReadFile(h.logPath(name))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(h.t, err)
	lines := strings.Fields(string(data))
	sort.Strings(lines)
	return lines
}

func (h *harness) run(name string, args ...string) (*Result, error) {
	return h.runner.Run(context.Background(), name, args)
}

func (h *harness) assertNoWorkdir() {
	h.t.Helper()
	entries, err := os.ReadDir(h.tmp)
	require.NoError(h.t, err)
	assert.Empty(h.t, entries, "workdir left behind")
}

func (h *harness) remoteCleanups() []string {
	var hosts []string
	for _, inv := range h.fake.Invocations() {
		if inv.Op == "call" && strings.HasPrefix(inv.Cmd, "rm -rf ") {
			hosts = append(hosts, inv.Host)
		}
	}
	return hosts
}

func stepNames(rec *schema.Record) []string {
	names := make([]string, len(rec.Results))
	for i, r := range rec.Results {
		names[i] = r.Step
	}
	return names
}

func normalize(t *testing.T, v any) any {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var out any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func readStatefile(t *testing.T, path string) any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRun_AllSteps(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", fullWorkflow, nil)

	res, err := h.run("wf", "nodes=n0,n1,n2")
	require.NoError(t, err)
	rec := res.Record

	assert.Equal(t, 6, rec.Len())
	assert.Equal(t, []string{"gather", "check", "change", "finalize", "summary"}, stepNames(rec))

	assert.Equal(t, map[string]any{
		"n0": map[string]any{"host": "n0"},
		"n1": map[string]any{"host": "n1"},
		"n2": map[string]any{"host": "n2"},
	}, rec.Results[0].Hosts)
	assert.Equal(t, map[string]any{"checked": true}, rec.Results[1].Value)
	assert.Equal(t, true, rec.Parameters["checked"])
	assert.EqualValues(t, 5, rec.Parameters["threshold"])
	assert.Len(t, rec.Results[2].Hosts, 3)
	assert.Equal(t, map[string]any{"done": float64(1)}, rec.Results[3].Value)
	assert.Equal(t, "all good\n", rec.Results[4].Value)

	assert.Equal(t, []string{"n0", "n1", "n2"}, h.logLines("apply"))
	assert.Equal(t, []string{"n0"}, h.logLines("apply_local"))
	assert.Equal(t, "all good\n", h.out.String())

	// the local node never goes through the transport
	assert.Empty(t, h.fake.Commands(localNode))
	h.assertNoWorkdir()
	assert.ElementsMatch(t, []string{"n1", "n2"}, h.remoteCleanups())
}

func TestRun_RecordSyncedBeforeEachStep(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", `name: wf
description: threads the record
parameters:
  - name: threshold
    default: 5
steps:
  - name: gather
    collect: gather.sh
  - name: echo
    collect: echo.sh
`, map[string]string{"echo.sh": "cat script.input"})

	res, err := h.run("wf", "nodes=n1,n2")
	require.NoError(t, err)

	seen := res.Record.Results[1].Hosts["n1"]
	assert.Equal(t, []any{
		map[string]any{"threshold": float64(5)},
		map[string]any{
			"n1": map[string]any{"host": "n1"},
			"n2": map[string]any{"host": "n2"},
		},
	}, seen)

	var copies int
	for _, inv := range h.fake.Invocations() {
		if inv.Op == "copy" && filepath.Base(inv.Remote) == InputFile {
			copies++
		}
	}
	assert.Equal(t, 4, copies, "one input copy per host per step")
}

func TestRun_DryRunStopsBeforeFirstMutatingStep(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", fullWorkflow, nil)

	res, err := h.run("wf", "nodes=n0,n1,n2", "dry_run=yes")
	require.NoError(t, err)

	assert.Equal(t, []string{"gather", "check"}, stepNames(res.Record))
	assert.Nil(t, h.logLines("apply"))
	assert.Nil(t, h.logLines("apply_local"))
	assert.Empty(t, h.out.String(), "report after the break never runs")
	h.assertNoWorkdir()

	skipped := h.journal.statesWith(schema.StepStatusSkipped)
	assert.Equal(t, []string{"change", "finalize", "summary"}, skipped)
}

func TestRun_HostFailureAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", `name: wf
description: one host fails
parameters: []
steps:
  - name: gather
    collect: gather.sh
  - name: flaky
    collect: flaky.sh
  - name: change
    apply: apply.sh
`, map[string]string{
		"flaky.sh": `if [ "$CLUSTERRUN_HOST" = n2 ]; then echo boom >&2; exit 3; fi; printf '{"ok":true}'`,
	})

	res, err := h.run("wf", "nodes=n0,n1,n2")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
	assert.Contains(t, err.Error(), "n2")

	var re *schema.RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "flaky", re.Step)
	assert.Equal(t, []string{"n2"}, re.Details["hosts"])

	rec := res.Record
	assert.Equal(t, 3, rec.Len())
	assert.Equal(t, map[string]any{
		"n0": map[string]any{"ok": true},
		"n1": map[string]any{"ok": true},
	}, rec.Results[1].Hosts)

	assert.Nil(t, h.logLines("apply"), "no step runs after a failure")
	h.assertNoWorkdir()
	assert.ElementsMatch(t, []string{"n1", "n2"}, h.remoteCleanups())
	assert.Equal(t, []string{"change"}, h.journal.statesWith(schema.StepStatusSkipped))
	assert.Contains(t, h.journal.eventTypes(), schema.EventRunFailed)
}

func TestRun_InvalidOutputFailsHost(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", `name: wf
description: bad output
parameters: []
steps:
  - name: gather
    collect: noisy.sh
`, map[string]string{"noisy.sh": `echo "not json"`})

	_, err := h.run("wf", "nodes=n1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
}

func TestRun_LocalStepFailure(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", `name: wf
description: validate fails
parameters: []
steps:
  - name: check
    type: validate
    call: reject.sh
  - name: change
    apply: apply.sh
`, map[string]string{"reject.sh": `echo "invalid config" >&2; exit 1`})

	res, err := h.run("wf", "nodes=n1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
	assert.Equal(t, 2, res.Record.Len())
	assert.Nil(t, h.logLines("apply"))
	h.assertNoWorkdir()
}

func TestRun_SetupFailureCleansUp(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", fullWorkflow, nil)
	h.fake.Hook = func(inv transporttest.Invocation) (transport.Outcome, bool) {
		if inv.Op == "copy" && inv.Host == "n2" && filepath.Base(inv.Remote) != InputFile {
			return transport.Outcome{ExitCode: 1, Stderr: "permission denied"}, true
		}
		return transport.Outcome{}, false
	}

	_, err := h.run("wf", "nodes=n1,n2")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSetup))
	assert.Contains(t, err.Error(), "failed when copying script data")

	h.assertNoWorkdir()
	assert.ElementsMatch(t, []string{"n1", "n2"}, h.remoteCleanups())
	assert.Nil(t, h.logLines("apply"))
}

func TestRun_SyncFailure(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", fullWorkflow, nil)
	h.fake.Hook = func(inv transporttest.Invocation) (transport.Outcome, bool) {
		if inv.Op == "copy" && inv.Host == "n1" && filepath.Base(inv.Remote) == InputFile {
			return transport.Outcome{ExitCode: 1, Stderr: "disk full"}, true
		}
		return transport.Outcome{}, false
	}

	res, err := h.run("wf", "nodes=n1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
	assert.Contains(t, err.Error(), "failed when updating input")
	assert.Equal(t, 1, res.Record.Len())
	h.assertNoWorkdir()
}

func TestRun_SingleStepResume(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", fullWorkflow, nil)
	statefile := filepath.Join(t.TempDir(), "state.json")

	_, err := h.run("wf", "nodes=n0,n1", "step=gather", "statefile="+statefile)
	require.NoError(t, err)
	afterGather, ok := readStatefile(t, statefile).([]any)
	require.True(t, ok)
	assert.Len(t, afterGather, 2)

	res, err := h.run("wf", "nodes=n0,n1", "step=check", "statefile="+statefile)
	require.NoError(t, err)
	assert.Equal(t, true, res.Record.Parameters["checked"])

	// the same prefix in one run: dry run stops right after check
	full, err := h.run("wf", "nodes=n0,n1", "dry_run=1")
	require.NoError(t, err)
	assert.Equal(t, normalize(t, full.Record), readStatefile(t, statefile))
	h.assertNoWorkdir()
}

func TestRun_NullOutputPersistsAsNull(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", fullWorkflow, map[string]string{"check.sh": `echo null`})
	statefile := filepath.Join(t.TempDir(), "state.json")

	_, err := h.run("wf", "nodes=n0,n1", "step=gather", "statefile="+statefile)
	require.NoError(t, err)
	res, err := h.run("wf", "nodes=n0,n1", "step=check", "statefile="+statefile)
	require.NoError(t, err)
	assert.True(t, res.Record.Results[1].Null)

	persisted, ok := readStatefile(t, statefile).([]any)
	require.True(t, ok)
	require.Len(t, persisted, 3)
	assert.Nil(t, persisted[2])
}

func TestRun_SingleStepDryRunSkipsMutatingStep(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", fullWorkflow, nil)
	statefile := filepath.Join(t.TempDir(), "state.json")

	_, err := h.run("wf", "nodes=n1", "step=gather", "statefile="+statefile)
	require.NoError(t, err)
	before := readStatefile(t, statefile)

	_, err = h.run("wf", "nodes=n1", "step=change", "statefile="+statefile, "dry_run=true")
	require.NoError(t, err)
	assert.Nil(t, h.logLines("apply"))
	assert.Equal(t, before, readStatefile(t, statefile))
}

func TestRun_ResumePreconditions(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code string
	}{
		{"step without statefile", []string{"step=check"}, schema.ErrCodeConfig},
		{"statefile without step", []string{"statefile=/tmp/x.json"}, schema.ErrCodeConfig},
		{"unknown step", []string{"step=nope", "statefile=/tmp/x.json"}, schema.ErrCodeResume},
		{"no state for later step", []string{"step=check", "statefile=missing.json"}, schema.ErrCodeResume},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.workflow("wf", fullWorkflow, nil)

			args := append([]string{"nodes=n1"}, tt.args...)
			for i, a := range args {
				if a == "statefile=missing.json" {
					args[i] = "statefile=" + filepath.Join(t.TempDir(), "missing.json")
				}
			}
			_, err := h.run("wf", args...)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, tt.code), "got %v", err)

			// rejected before anything touched a host
			assert.Empty(t, h.fake.Invocations())
			h.assertNoWorkdir()
		})
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", `name: wf
description: needs vip
parameters:
  - name: vip
    required: true
steps:
  - name: gather
    collect: gather.sh
`, nil)

	_, err := h.run("missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = h.run("wf", "nodes=n1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
	assert.Contains(t, err.Error(), "vip")

	_, err = h.run("wf", "vip=1.2.3.4", "dry_run=maybe")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))

	assert.Empty(t, h.fake.Invocations())
}

func TestRun_Journal(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", fullWorkflow, nil)

	res, err := h.run("wf", "nodes=n0,n1")
	require.NoError(t, err)

	run := h.journal.run(res.RunID)
	require.NotNil(t, run)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, localNode, run.LocalNode)
	assert.NotEmpty(t, run.Workdir)

	types := h.journal.eventTypes()
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunCompleted, types[len(types)-1])
	assert.Len(t, h.journal.statesWith(schema.StepStatusCompleted), 5)
	assert.Len(t, h.journal.snapshots, 5)
	assert.Equal(t, 6, h.journal.snapshots[4].Entries)
}

func TestRun_JournalReplay(t *testing.T) {
	h := newHarness(t)
	h.workflow("wf", `name: wf
description: replay
parameters: []
steps:
  - name: gather
    collect: gather.sh
  - name: flaky
    collect: flaky.sh
  - name: change
    apply: apply.sh
`, map[string]string{"flaky.sh": `[ "$CLUSTERRUN_HOST" = n1 ] && exit 2; printf '{}'`})

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	h.runner.journal = newRecorder(db, h.runner.logger)
	h.runner.runs = NewRunFSM(h.runner.journal)
	h.runner.executor.journal = newRecorder(db, h.runner.logger)
	h.runner.executor.steps = NewStepFSM(h.runner.executor.journal)

	res, err := h.run("wf", "nodes=n0,n1")
	require.Error(t, err)

	run, err := db.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)

	states, err := db.ReplayEvents(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, schema.StepStatusCompleted, states[0].Status)
	assert.Equal(t, schema.StepStatusFailed, states[1].Status)
	assert.Equal(t, []string{"n1"}, states[1].FailedHosts)
	assert.Equal(t, schema.StepStatusSkipped, states[2].Status)

	snap, err := db.LatestSnapshot(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "flaky", snap.Step)
	assert.Equal(t, 3, snap.Entries)
}

// memJournal keeps everything in memory.
type memJournal struct {
	mu        sync.Mutex
	runs      []*store.Run
	events    []*store.Event
	states    map[string]*store.StepState
	order     []string
	snapshots []*store.Snapshot
}

func (j *memJournal) CreateRun(_ context.Context, run *store.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *run
	j.runs = append(j.runs, &cp)
	return nil
}

func (j *memJournal) UpdateRun(_ context.Context, id string, u store.RunUpdate) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.runs {
		if r.ID != id {
			continue
		}
		if u.Status != nil {
			r.Status = *u.Status
		}
		if u.Workdir != nil {
			r.Workdir = *u.Workdir
		}
		if u.Error != nil {
			r.Error = *u.Error
		}
		r.CompletedAt = u.CompletedAt
	}
	return nil
}

func (j *memJournal) AppendEvent(_ context.Context, e *store.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

func (j *memJournal) UpsertStepState(_ context.Context, st *store.StepState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.states == nil {
		j.states = map[string]*store.StepState{}
	}
	key := st.RunID + "/" + st.Step
	if _, ok := j.states[key]; !ok {
		j.order = append(j.order, key)
	}
	cp := *st
	j.states[key] = &cp
	return nil
}

func (j *memJournal) SaveSnapshot(_ context.Context, s *store.Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snapshots = append(j.snapshots, s)
	return nil
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) run(id string) *store.Run {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.runs {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (j *memJournal) eventTypes() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.events {
		out = append(out, e.Type)
	}
	return out
}

func (j *memJournal) statesWith(status schema.StepStatus) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, k := range j.order {
		if st := j.states[k]; st.Status == status {
			out = append(out, st.Step)
		}
	}
	return out
}
