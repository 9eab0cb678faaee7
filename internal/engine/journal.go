package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/clusterrun/internal/logging"
	"github.com/rendis/clusterrun/internal/store"
	"github.com/rendis/clusterrun/pkg/schema"
)

// recorder writes to the journal. A journal failure never fails a run; it is
// logged at WARN and the run goes on.
type recorder struct {
	journal store.Journal
	logger  *slog.Logger
}

func newRecorder(j store.Journal, logger *slog.Logger) *recorder {
	if j == nil {
		j = store.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &recorder{journal: j, logger: logger}
}

func (r *recorder) warn(ctx context.Context, op string, err error) {
	if err != nil {
		logging.LogWith(ctx, r.logger).Warn("journal write failed", "op", op, "error", err)
	}
}

// AppendEvent implements EventAppender.
func (r *recorder) AppendEvent(ctx context.Context, event *store.Event) error {
	r.warn(ctx, "append_event", r.journal.AppendEvent(ctx, event))
	return nil
}

func (r *recorder) createRun(ctx context.Context, run *store.Run) {
	r.warn(ctx, "create_run", r.journal.CreateRun(ctx, run))
}

func (r *recorder) updateRun(ctx context.Context, id string, update store.RunUpdate) {
	r.warn(ctx, "update_run", r.journal.UpdateRun(ctx, id, update))
}

func (r *recorder) stepState(ctx context.Context, st *store.StepState) {
	r.warn(ctx, "upsert_step_state", r.journal.UpsertStepState(ctx, st))
}

func (r *recorder) hostFailed(ctx context.Context, runID, step, host, msg string) {
	payload, _ := json.Marshal(store.StepEventPayload{Error: msg})
	r.warn(ctx, "append_event", r.journal.AppendEvent(ctx, &store.Event{
		RunID: runID, Step: step, Host: host, Type: schema.EventHostFailed, Payload: payload,
	}))
}

func (r *recorder) snapshot(ctx context.Context, runID, step string, rec *schema.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		r.warn(ctx, "save_snapshot", err)
		return
	}
	r.warn(ctx, "save_snapshot", r.journal.SaveSnapshot(ctx, &store.Snapshot{
		RunID: runID, Entries: rec.Len(), Step: step, Record: data, CreatedAt: time.Now().UTC(),
	}))
}
