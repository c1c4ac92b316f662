package job

import "context"

// SubmitSpec carries everything a scheduler backend needs to launch one job.
type SubmitSpec struct {
	// ScriptPath is the absolute path of the workload script inside the
	// workspace.
	ScriptPath string

	// Workdir is the workspace directory the job runs in. Stdout and stderr
	// files are resolved relative to it.
	Workdir string

	// StdoutFile and StderrFile name the capture files inside Workdir.
	StdoutFile string
	StderrFile string

	// Annotation is the serialized metadata envelope attached to the job
	// through the scheduler's out-of-band comment channel.
	Annotation string
}

// ExitStatus is the scheduler-reported process outcome of a terminal job.
type ExitStatus struct {
	Code   int
	Signal int
}

// Scheduler is the contract every batch backend implements. The service is
// stateless across restarts: the scheduler is the source of truth for job
// existence and state, keyed by the handle returned from Submit.
type Scheduler interface {
	// Submit launches the job and returns the scheduler-native handle.
	Submit(ctx context.Context, spec SubmitSpec) (string, error)

	// State returns the normalized state of the job. Backends must map
	// every native state into the normalized vocabulary and fail loudly on
	// states they do not recognize.
	State(ctx context.Context, handle string) (State, error)

	// ExitCode returns the exit status of a terminal job.
	ExitCode(ctx context.Context, handle string) (ExitStatus, error)

	// Annotation retrieves the metadata envelope attached at submission.
	// It must work for both live and historical jobs.
	Annotation(ctx context.Context, handle string) (string, error)

	// Cancel requests termination of the job.
	Cancel(ctx context.Context, handle string) error

	// Ready reports whether the backend is reachable.
	Ready(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
