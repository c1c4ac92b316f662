package slurm

import (
	"fmt"
	"strings"

	"github.com/natcap/invest-compute/internal/job"
)

// UnknownStateError reports a scheduler state outside the known vocabulary.
// Unknown states are never silently defaulted; a wrong lifecycle answer is
// worse than a retryable failure.
type UnknownStateError struct {
	Raw string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("unknown scheduler state %q", e.Raw)
}

// stateMap translates native scheduler states into the normalized lifecycle
// vocabulary. Keys are the long-form state names reported by sacct.
var stateMap = map[string]job.State{
	// queued, not yet consuming resources
	"PENDING":       job.StateAccepted,
	"CONFIGURING":   job.StateAccepted,
	"REQUEUED":      job.StateAccepted,
	"REQUEUE_HOLD":  job.StateAccepted,
	"REQUEUE_FED":   job.StateAccepted,
	"RESV_DEL_HOLD": job.StateAccepted,
	"SPECIAL_EXIT":  job.StateAccepted,

	// consuming resources, outcome unknown
	"RUNNING":    job.StateRunning,
	"COMPLETING": job.StateRunning,
	"SIGNALING":  job.StateRunning,
	"STAGE_OUT":  job.StateRunning,
	"RESIZING":   job.StateRunning,

	"COMPLETED": job.StateSuccessful,

	// the workload or its node failed
	"FAILED":        job.StateFailed,
	"BOOT_FAIL":     job.StateFailed,
	"NODE_FAIL":     job.StateFailed,
	"OUT_OF_MEMORY": job.StateFailed,
	"DEADLINE":      job.StateFailed,
	"TIMEOUT":       job.StateFailed,

	// stopped by an outside actor rather than the workload itself
	"CANCELLED": job.StateDismissed,
	"PREEMPTED": job.StateDismissed,
	"REVOKED":   job.StateDismissed,
	"SUSPENDED": job.StateDismissed,
}

// normalizeState maps a raw sacct state to the normalized vocabulary.
// Cancellation reads as "CANCELLED by <uid>"; only the first token counts.
func normalizeState(raw string) (job.State, error) {
	native := strings.TrimSpace(raw)
	if i := strings.IndexByte(native, ' '); i > 0 {
		native = native[:i]
	}
	// sacct marks truncated column values with a trailing "+".
	native = strings.TrimSuffix(native, "+")

	if state, ok := stateMap[native]; ok {
		return state, nil
	}
	return "", &UnknownStateError{Raw: raw}
}
