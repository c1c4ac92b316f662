package job

import (
	"github.com/natcap/invest-compute/internal/workspace"
)

// State is a normalized, caller-visible lifecycle state. Callers never see
// scheduler-native vocabulary; every scheduler state string is mapped into
// one of these five values.
type State string

const (
	StateAccepted   State = "accepted"
	StateRunning    State = "running"
	StateSuccessful State = "successful"
	StateFailed     State = "failed"
	StateDismissed  State = "dismissed"
)

// Terminal reports whether the state is one the scheduler will never leave.
func (s State) Terminal() bool {
	return s == StateSuccessful || s == StateFailed || s == StateDismissed
}

// Mode selects the execution calling convention, resolved once at dispatch.
type Mode int

const (
	// ModeSync blocks the caller until monitoring finishes and returns the
	// results record directly.
	ModeSync Mode = iota
	// ModeAsync returns immediately after submission; the caller polls for
	// status and results.
	ModeAsync
)

func (m Mode) String() string {
	if m == ModeAsync {
		return "async"
	}
	return "sync"
}

// Request describes a job submission.
type Request struct {
	// ProcessID identifies the workload type (e.g., "invest-execute"). It is
	// recorded in the metadata annotation so any gateway instance can later
	// attribute the job.
	ProcessID string `json:"processId"`

	// Script is the opaque workload descriptor handed to the scheduler
	// unexamined: the full content of the batch script to run.
	Script []byte `json:"script"`

	// Mode selects sync or async execution.
	Mode Mode `json:"-"`

	// Callback optionally configures lifecycle event delivery.
	Callback *Callback `json:"callback,omitempty"`
}

// Callback configures subscriber notifications for a job.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Response is returned when a job is accepted or, in sync mode, finished.
type Response struct {
	JobID   string           `json:"jobId"`
	Status  State            `json:"status"`
	Results workspace.Record `json:"results,omitempty"` // populated in sync mode
}

// Status is the current normalized status of a job.
type Status struct {
	JobID    string `json:"jobId"`
	State    State  `json:"status"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// PostProcessFunc runs workload-specific post-processing inside the
// completion monitor. It receives the job's workspace and is expected to
// write or update the results record there. Returned errors (and panics) are
// captured into an error-shaped results payload; they never stop the
// pipeline.
type PostProcessFunc func(ws *workspace.Workspace) (workspace.Record, error)
