package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/clusterrun/internal/store"
	"github.com/rendis/clusterrun/pkg/schema"
)

// EventAppender is satisfied by the journal; FSMs emit an event per transition.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Run FSM ---

// RunFSM validates run lifecycle transitions and journals them.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewRunFSM creates a RunFSM that emits events via appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates from -> to and emits the matching event.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !allowed(ValidRunTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	if eventType := runEventType(to); eventType != "" {
		return emit(ctx, f.appender, &store.Event{RunID: runID, Type: eventType}, payload)
	}
	return nil
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusActive:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// --- Step FSM ---

// StepFSM validates step lifecycle transitions and journals them.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewStepFSM creates a StepFSM that emits events via appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

// Transition validates from -> to for one step and emits the matching event.
func (f *StepFSM) Transition(ctx context.Context, runID, step string, from, to schema.StepStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !allowed(ValidStepTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid step transition: %s -> %s", from, to).
			WithStep(step).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	if eventType := stepEventType(to); eventType != "" {
		return emit(ctx, f.appender, &store.Event{RunID: runID, Step: step, Type: eventType}, payload)
	}
	return nil
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

func emit(ctx context.Context, appender EventAppender, event *store.Event, payload any) error {
	if appender == nil {
		return nil
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return schema.NewError(schema.ErrCodeInternal, "marshal event payload").WithCause(err)
		}
		event.Payload = b
	}
	if err := appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", event.Type, err.Error()).
			WithStep(event.Step).WithCause(err)
	}
	return nil
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, a := range table[from] {
		if a == to {
			return true
		}
	}
	return false
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed run transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusActive, schema.RunStatusFailed},
	schema.RunStatusActive:    {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// ValidStepTransitions defines the allowed step transitions. Steps never
// retry, so failed and completed are terminal.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}
