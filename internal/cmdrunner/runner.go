// Package cmdrunner executes external commands and turns non-zero exits into
// typed failures. Scheduler backends that shell out (sbatch/sacct/scancel)
// are built on the Runner interface so tests can substitute a fake.
package cmdrunner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its captured stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Name, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Local runs commands as child processes on the local host.
type Local struct{}

// Run executes the command, capturing stdout. A non-zero exit is returned as
// an *ExitError carrying the exit code and trimmed stderr; stdout is returned
// trimmed of surrounding whitespace.
func (Local) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &ExitError{
				Name:     name,
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(string(exitErr.Stderr)),
			}
		}
		return "", fmt.Errorf("run %s: %w", name, err)
	}

	return strings.TrimSpace(string(out)), nil
}

// Verify Local implements Runner
var _ Runner = Local{}
