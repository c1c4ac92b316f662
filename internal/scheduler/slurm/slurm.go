// Package slurm implements the scheduler contract on top of the SLURM
// command line tools. All interaction goes through sbatch, sacct, scontrol
// and scancel; the package holds no state of its own, so any gateway
// instance with cluster access can answer for any job.
package slurm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/natcap/invest-compute/internal/apperrors"
	"github.com/natcap/invest-compute/internal/cmdrunner"
	"github.com/natcap/invest-compute/internal/job"
)

// Scheduler runs jobs on a SLURM cluster.
type Scheduler struct {
	runner cmdrunner.Runner
}

// New creates a SLURM scheduler executing commands locally.
func New() *Scheduler {
	return &Scheduler{runner: cmdrunner.Local{}}
}

// NewWithRunner creates a SLURM scheduler with a custom command runner.
func NewWithRunner(runner cmdrunner.Runner) *Scheduler {
	return &Scheduler{runner: runner}
}

// Submit hands the script to sbatch and returns the numeric job id.
func (s *Scheduler) Submit(ctx context.Context, spec job.SubmitSpec) (string, error) {
	out, err := s.runner.Run(ctx, "sbatch",
		"--parsable",
		"--chdir", spec.Workdir,
		"--output", spec.StdoutFile,
		"--error", spec.StderrFile,
		"--comment", spec.Annotation,
		spec.ScriptPath,
	)
	if err != nil {
		return "", apperrors.Internal("slurm.submit", err)
	}

	// --parsable prints "jobid" or "jobid;cluster".
	id, _, _ := strings.Cut(out, ";")
	if _, err := strconv.Atoi(id); err != nil {
		return "", apperrors.Internal("slurm.submit", fmt.Errorf("unexpected sbatch output %q", out))
	}
	return id, nil
}

// State queries the accounting database for the job's current state.
func (s *Scheduler) State(ctx context.Context, handle string) (job.State, error) {
	out, err := s.runner.Run(ctx, "sacct", "--noheader", "-X", "-P", "-j", handle, "-o", "State")
	if err != nil {
		return "", apperrors.Internal("slurm.state", err)
	}
	if out == "" {
		// Accounting lags submission; freshly accepted jobs are briefly
		// invisible here.
		return "", apperrors.NotFound("job", handle)
	}

	state, err := normalizeState(out)
	if err != nil {
		return "", apperrors.Unavailable("slurm.state", err.Error())
	}
	return state, nil
}

// ExitCode returns the exit status of a terminal job.
func (s *Scheduler) ExitCode(ctx context.Context, handle string) (job.ExitStatus, error) {
	out, err := s.runner.Run(ctx, "sacct", "--noheader", "-X", "-P", "-j", handle, "-o", "ExitCode")
	if err != nil {
		return job.ExitStatus{}, apperrors.Internal("slurm.exitcode", err)
	}

	// ExitCode reads "<code>:<signal>".
	codeStr, sigStr, ok := strings.Cut(strings.TrimSpace(out), ":")
	if !ok {
		return job.ExitStatus{}, apperrors.Internal("slurm.exitcode", fmt.Errorf("unexpected sacct output %q", out))
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return job.ExitStatus{}, apperrors.Internal("slurm.exitcode", fmt.Errorf("unexpected sacct output %q", out))
	}
	sig, err := strconv.Atoi(sigStr)
	if err != nil {
		return job.ExitStatus{}, apperrors.Internal("slurm.exitcode", fmt.Errorf("unexpected sacct output %q", out))
	}
	return job.ExitStatus{Code: code, Signal: sig}, nil
}

// Annotation retrieves the comment attached at submission. Live jobs answer
// through scontrol; once a job ages out of scontrol's view the accounting
// database still has the comment.
func (s *Scheduler) Annotation(ctx context.Context, handle string) (string, error) {
	if out, err := s.runner.Run(ctx, "scontrol", "show", "job", handle); err == nil {
		if comment := scontrolField(out, "Comment"); comment != "" {
			return comment, nil
		}
	}

	out, err := s.runner.Run(ctx, "sacct", "--noheader", "-X", "-P", "-j", handle, "-o", "Comment")
	if err != nil {
		return "", apperrors.Internal("slurm.annotation", err)
	}
	if out == "" {
		return "", apperrors.NotFound("job annotation", handle)
	}
	return out, nil
}

// Cancel asks the scheduler to terminate the job.
func (s *Scheduler) Cancel(ctx context.Context, handle string) error {
	if _, err := s.runner.Run(ctx, "scancel", handle); err != nil {
		return apperrors.Internal("slurm.cancel", err)
	}
	return nil
}

// Ready probes cluster reachability.
func (s *Scheduler) Ready(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, "sinfo", "--version"); err != nil {
		return apperrors.Unavailable("slurm.ready", "scheduler is not reachable")
	}
	return nil
}

// Close is a no-op; the scheduler holds no connections.
func (s *Scheduler) Close() error { return nil }

// scontrolField extracts a key=value field from scontrol show output.
// Values with embedded spaces are not supported; the metadata annotation is
// compact JSON and never contains them.
func scontrolField(out, key string) string {
	prefix := key + "="
	for _, field := range strings.Fields(out) {
		if v, ok := strings.CutPrefix(field, prefix); ok {
			if v == "(null)" {
				return ""
			}
			return v
		}
	}
	return ""
}

// Verify Scheduler implements the contract
var _ job.Scheduler = (*Scheduler)(nil)
