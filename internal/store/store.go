package store

import "context"

// Journal is what a run writes. Implementations must be safe for concurrent use.
type Journal interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	AppendEvent(ctx context.Context, event *Event) error
	UpsertStepState(ctx context.Context, state *StepState) error
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Reader is what history inspection reads.
type Reader interface {
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	ListStepStates(ctx context.Context, runID string) ([]*StepState, error)
	LatestSnapshot(ctx context.Context, runID string) (*Snapshot, error)
}

// Nop discards everything; used when the journal is disabled.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) CreateRun(context.Context, *Run) error              { return nil }
func (Nop) UpdateRun(context.Context, string, RunUpdate) error { return nil }
func (Nop) AppendEvent(context.Context, *Event) error          { return nil }
func (Nop) UpsertStepState(context.Context, *StepState) error  { return nil }
func (Nop) SaveSnapshot(context.Context, *Snapshot) error      { return nil }
func (Nop) Close() error                                       { return nil }
