package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/clusterrun/internal/store"
	"github.com/rendis/clusterrun/pkg/schema"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		call string
		want string
	}{
		{"collect.py", "cd '/tmp/w'; ./collect.py"},
		{"check.py --strict", "cd '/tmp/w'; ./check.py --strict"},
		{"./run.sh", "cd '/tmp/w'; ./run.sh"},
		{"/usr/bin/true", "cd '/tmp/w'; /usr/bin/true"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BuildCommand("/tmp/w", tt.call))
	}
}

func TestParseOutput(t *testing.T) {
	v, err := parseOutput("")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, v)

	v, err = parseOutput("  \n")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, v)

	v, err = parseOutput(`{"a":[1,2]}` + "\n")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{float64(1), float64(2)}}, v)

	v, err = parseOutput(`"text"`)
	require.NoError(t, err)
	assert.Equal(t, "text", v)

	_, err = parseOutput("not json")
	assert.Error(t, err)

	_, err = parseOutput(`{"a":1} {"b":2}`)
	assert.Error(t, err, "more than one value")
}

func TestAsRunError(t *testing.T) {
	assert.Nil(t, AsRunError("wf", nil))

	orig := schema.NewError(schema.ErrCodeSetup, "failed to copy")
	assert.Same(t, orig, AsRunError("wf", orig))

	plain := errors.New("disk on fire")
	re := AsRunError("wf", plain)
	assert.Equal(t, schema.ErrCodeInternal, re.Code)
	assert.Equal(t, "internal error while running wf: disk on fire", re.Message)
	assert.ErrorIs(t, re, plain)

	full := &os.PathError{Op: "write", Path: "/tmp/crm-wf/script.input", Err: syscall.ENOSPC}
	re = AsRunError("wf", full)
	assert.Contains(t, re.Error(), "no space left on device")
	assert.Contains(t, re.Error(), "script.input")
}

type captureAppender struct{ events []*store.Event }

func (c *captureAppender) AppendEvent(_ context.Context, e *store.Event) error {
	c.events = append(c.events, e)
	return nil
}

type failingAppender struct{}

func (failingAppender) AppendEvent(context.Context, *store.Event) error {
	return errors.New("disk full")
}

func TestRunFSM(t *testing.T) {
	ctx := context.Background()
	app := &captureAppender{}
	f := NewRunFSM(app)

	require.NoError(t, f.Transition(ctx, "r1", schema.RunStatusPending, schema.RunStatusActive, nil))
	require.NoError(t, f.Transition(ctx, "r1", schema.RunStatusActive, schema.RunStatusFailed, map[string]string{"error": "x"}))
	require.Len(t, app.events, 2)
	assert.Equal(t, schema.EventRunStarted, app.events[0].Type)
	assert.Equal(t, schema.EventRunFailed, app.events[1].Type)
	assert.JSONEq(t, `{"error":"x"}`, string(app.events[1].Payload))

	err := f.Transition(ctx, "r1", schema.RunStatusCompleted, schema.RunStatusActive, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Len(t, app.events, 2)
}

func TestStepFSM(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		from, to schema.StepStatus
		ok       bool
	}{
		{schema.StepStatusPending, schema.StepStatusRunning, true},
		{schema.StepStatusPending, schema.StepStatusSkipped, true},
		{schema.StepStatusRunning, schema.StepStatusCompleted, true},
		{schema.StepStatusRunning, schema.StepStatusFailed, true},
		{schema.StepStatusPending, schema.StepStatusCompleted, false},
		{schema.StepStatusFailed, schema.StepStatusRunning, false},
		{schema.StepStatusCompleted, schema.StepStatusRunning, false},
		{schema.StepStatusSkipped, schema.StepStatusRunning, false},
	}
	for _, tt := range tests {
		app := &captureAppender{}
		err := NewStepFSM(app).Transition(ctx, "r1", "gather", tt.from, tt.to, nil)
		if tt.ok {
			require.NoError(t, err, "%s -> %s", tt.from, tt.to)
			require.Len(t, app.events, 1)
			assert.Equal(t, "gather", app.events[0].Step)
		} else {
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", tt.from, tt.to)
			assert.Empty(t, app.events)
		}
	}
}

func TestStepFSM_AppenderFailure(t *testing.T) {
	err := NewStepFSM(failingAppender{}).Transition(context.Background(), "r1", "gather",
		schema.StepStatusPending, schema.StepStatusRunning, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestRecorder_SwallowsJournalErrors(t *testing.T) {
	r := newRecorder(nil, nil)
	assert.NoError(t, r.AppendEvent(context.Background(), &store.Event{RunID: "r1", Type: schema.EventRunStarted}))

	f := NewStepFSM(newRecorder(errJournal{}, discardLogger()))
	assert.NoError(t, f.Transition(context.Background(), "r1", "s",
		schema.StepStatusPending, schema.StepStatusRunning, nil))
}

type errJournal struct{ store.Nop }

func (errJournal) AppendEvent(context.Context, *store.Event) error { return errors.New("locked") }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
