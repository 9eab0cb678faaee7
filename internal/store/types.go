package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/clusterrun/pkg/schema"
)

// Run is one invocation of a workflow.
type Run struct {
	ID          string           `json:"id"`
	Workflow    string           `json:"workflow"`
	Status      schema.RunStatus `json:"status"`
	Params      json.RawMessage  `json:"params,omitempty"`
	Hosts       []string         `json:"hosts,omitempty"`
	LocalNode   string           `json:"local_node,omitempty"`
	DryRun      bool             `json:"dry_run"`
	Step        string           `json:"step,omitempty"`
	Statefile   string           `json:"statefile,omitempty"`
	Workdir     string           `json:"workdir,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// RunUpdate holds the mutable fields of a Run. Nil fields are left alone.
type RunUpdate struct {
	Status      *schema.RunStatus
	Workdir     *string
	Error       *string
	CompletedAt *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Workflow string
	Status   *schema.RunStatus
	Limit    int
}

// StepState is the latest known state of one step in one run.
type StepState struct {
	RunID       string            `json:"run_id"`
	Step        string            `json:"step"`
	Position    int               `json:"position"`
	Kind        string            `json:"kind"`
	Status      schema.StepStatus `json:"status"`
	FailedHosts []string          `json:"failed_hosts,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
}

// Event is one append-only journal entry. Sequence is assigned per run.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Host      string          `json:"host,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Snapshot is the persisted record after a step, keyed by its entry count.
type Snapshot struct {
	RunID     string          `json:"run_id"`
	Entries   int             `json:"entries"`
	Step      string          `json:"step"`
	Record    json.RawMessage `json:"record"`
	CreatedAt time.Time       `json:"created_at"`
}
