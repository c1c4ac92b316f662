package docker

import (
	"fmt"

	"github.com/docker/docker/api/types/container"

	"github.com/natcap/invest-compute/internal/job"
)

// UnknownStateError reports a container status outside the known vocabulary.
type UnknownStateError struct {
	Raw string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("unknown container state %q", e.Raw)
}

// Exit codes for containers terminated by a stop or kill signal. A stopped
// container was dismissed by an outside actor, not failed by its workload.
const (
	exitSigKill = 137 // 128 + SIGKILL
	exitSigTerm = 143 // 128 + SIGTERM
)

// normalizeState maps a container state to the normalized vocabulary.
func normalizeState(st *container.State) (job.State, error) {
	switch st.Status {
	case "created":
		return job.StateAccepted, nil
	case "running", "restarting", "removing":
		return job.StateRunning, nil
	case "paused":
		// A paused container is the moral equivalent of a suspended batch
		// job: stopped from outside, workload not at fault.
		return job.StateDismissed, nil
	case "exited", "dead":
		if st.OOMKilled {
			return job.StateFailed, nil
		}
		switch st.ExitCode {
		case 0:
			return job.StateSuccessful, nil
		case exitSigKill, exitSigTerm:
			return job.StateDismissed, nil
		default:
			return job.StateFailed, nil
		}
	default:
		return "", &UnknownStateError{Raw: st.Status}
	}
}
