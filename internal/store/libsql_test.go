package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/clusterrun/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *LibSQLStore, workflow string) *Run {
	t.Helper()
	r := &Run{
		ID:       uuid.NewString(),
		Workflow: workflow,
		Status:   schema.RunStatusActive,
		Params:   json.RawMessage(`{"vip":"10.0.0.1"}`),
		Hosts:    []string{"h1", "h2"},
		DryRun:   true,
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	r := seedRun(t, s, "health")

	got, err := s.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "health", got.Workflow)
	assert.Equal(t, schema.RunStatusActive, got.Status)
	assert.Equal(t, []string{"h1", "h2"}, got.Hosts)
	assert.True(t, got.DryRun)
	assert.JSONEq(t, `{"vip":"10.0.0.1"}`, string(got.Params))
	assert.Nil(t, got.CompletedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	_, err := newTestStore(t).GetRun(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "health")

	status := schema.RunStatusFailed
	msg := "step check failed"
	wd := "/tmp/clusterrun-tmp-1"
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, r.ID, RunUpdate{Status: &status, Error: &msg, Workdir: &wd, CompletedAt: &now}))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, msg, got.Error)
	assert.Equal(t, wd, got.Workdir)
	assert.NotNil(t, got.CompletedAt)

	require.NoError(t, s.UpdateRun(ctx, r.ID, RunUpdate{}))
	err = s.UpdateRun(ctx, "missing", RunUpdate{Status: &status})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "health")
	seedRun(t, s, "health")
	seedRun(t, s, "upgrade")

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	health, err := s.ListRuns(ctx, RunFilter{Workflow: "health"})
	require.NoError(t, err)
	assert.Len(t, health, 2)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	active := schema.RunStatusActive
	byStatus, err := s.ListRuns(ctx, RunFilter{Status: &active})
	require.NoError(t, err)
	assert.Len(t, byStatus, 3)
}

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "health")

	for _, typ := range []string{schema.EventRunStarted, schema.EventStepStarted, schema.EventStepCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, Step: "gather", Type: typ}))
	}

	events, err := s.GetEvents(ctx, r.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	since, err := s.GetEvents(ctx, r.ID, 2)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, schema.EventStepCompleted, since[0].Type)
}

func TestAppendEvent_SequencesScopedPerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := seedRun(t, s, "x"), seedRun(t, s, "y")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendEvent(ctx, &Event{RunID: a.ID, Type: schema.EventHostFailed}))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendEvent(ctx, &Event{RunID: b.ID, Type: schema.EventHostFailed}))
		}()
	}
	wg.Wait()

	for _, id := range []string{a.ID, b.ID} {
		events, err := s.GetEvents(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, events, 10)
		assert.Equal(t, int64(10), events[9].Sequence)
	}
}

func TestStepStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "health")

	start := time.Now().UTC()
	require.NoError(t, s.UpsertStepState(ctx, &StepState{RunID: r.ID, Step: "check", Position: 1, Kind: "validate", Status: schema.StepStatusRunning, StartedAt: &start}))
	require.NoError(t, s.UpsertStepState(ctx, &StepState{RunID: r.ID, Step: "gather", Position: 0, Kind: "collect", Status: schema.StepStatusCompleted}))

	end := start.Add(time.Second)
	require.NoError(t, s.UpsertStepState(ctx, &StepState{
		RunID: r.ID, Step: "check", Position: 1, Kind: "validate",
		Status: schema.StepStatusFailed, FailedHosts: []string{"h2"}, Error: "boom",
		CompletedAt: &end, DurationMs: 1000,
	}))

	states, err := s.ListStepStates(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "gather", states[0].Step)
	assert.Equal(t, "check", states[1].Step)
	assert.Equal(t, schema.StepStatusFailed, states[1].Status)
	assert.Equal(t, []string{"h2"}, states[1].FailedHosts)
	assert.NotNil(t, states[1].StartedAt, "start time kept across upserts")
	assert.Equal(t, int64(1000), states[1].DurationMs)
}

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "health")

	_, err := s.LatestSnapshot(ctx, r.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	require.NoError(t, s.SaveSnapshot(ctx, &Snapshot{RunID: r.ID, Entries: 2, Step: "gather", Record: json.RawMessage(`[{},{}]`)}))
	require.NoError(t, s.SaveSnapshot(ctx, &Snapshot{RunID: r.ID, Entries: 3, Step: "check", Record: json.RawMessage(`[{},{},{}]`)}))

	snap, err := s.LatestSnapshot(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Entries)
	assert.Equal(t, "check", snap.Step)
	assert.JSONEq(t, `[{},{},{}]`, string(snap.Record))
}

func TestReplayEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "health")

	payload := func(p StepEventPayload) json.RawMessage {
		b, _ := json.Marshal(p)
		return b
	}
	for _, e := range []*Event{
		{Type: schema.EventRunStarted},
		{Step: "gather", Type: schema.EventStepStarted, Payload: payload(StepEventPayload{Kind: "collect"})},
		{Step: "gather", Type: schema.EventStepCompleted},
		{Step: "apply", Type: schema.EventStepStarted, Payload: payload(StepEventPayload{Kind: "apply"})},
		{Step: "apply", Host: "h2", Type: schema.EventHostFailed},
		{Step: "apply", Type: schema.EventStepFailed, Payload: payload(StepEventPayload{Error: "h2 failed"})},
		{Step: "report", Type: schema.EventStepSkipped},
	} {
		e.RunID = r.ID
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	states, err := s.ReplayEvents(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, schema.StepStatusCompleted, states[0].Status)
	assert.Equal(t, "collect", states[0].Kind)
	assert.Equal(t, schema.StepStatusFailed, states[1].Status)
	assert.Equal(t, []string{"h2"}, states[1].FailedHosts)
	assert.Equal(t, "h2 failed", states[1].Error)
	assert.Equal(t, schema.StepStatusSkipped, states[2].Status)
}

func TestReplayEvents_SequenceGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "health")
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, Step: "a", Type: schema.EventStepStarted}))
	_, err := s.db.ExecContext(ctx, `INSERT INTO events (run_id, event_type, timestamp, sequence) VALUES (?, ?, ?, ?)`,
		r.ID, schema.EventStepCompleted, time.Now().UTC(), 5)
	require.NoError(t, err)

	_, err = s.ReplayEvents(ctx, r.ID)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestOpen_UnusablePath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := Open(context.Background(), filepath.Join(blocker, "sub", "journal.db"))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "not a directory")
}
