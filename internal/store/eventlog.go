package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/clusterrun/pkg/schema"
)

// ReplayEvents rebuilds step states of a run from its event log alone.
// A gap in the sequence means the log was tampered with and is an error.
func (s *LibSQLStore) ReplayEvents(ctx context.Context, runID string) ([]*StepState, error) {
	events, err := s.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	var order []string
	states := make(map[string]*StepState)
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}
		if e.Step == "" {
			continue
		}
		ss, ok := states[e.Step]
		if !ok {
			ss = &StepState{RunID: runID, Step: e.Step, Position: len(order), Status: schema.StepStatusPending}
			states[e.Step] = ss
			order = append(order, e.Step)
		}

		var p StepEventPayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &p)
		}
		if p.Kind != "" {
			ss.Kind = p.Kind
		}
		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ts := e.Timestamp
			ss.StartedAt = &ts
		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			ss.CompletedAt = &ts
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}
		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ss.Error = p.Error
			for _, h := range p.FailedHosts {
				ss.FailedHosts = appendUnique(ss.FailedHosts, h)
			}
		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped
		case schema.EventHostFailed:
			ss.FailedHosts = appendUnique(ss.FailedHosts, e.Host)
		}
	}

	out := make([]*StepState, 0, len(order))
	for _, name := range order {
		out = append(out, states[name])
	}
	return out, nil
}

// StepEventPayload is the payload written with step events.
type StepEventPayload struct {
	Kind        string   `json:"kind,omitempty"`
	Error       string   `json:"error,omitempty"`
	FailedHosts []string `json:"failed_hosts,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
