// Package workspace manages the per-job working directory and its fixed file
// layout. Every submitted job owns exactly one workspace for its whole
// lifetime; the workload writes artifacts into it, the scheduler writes the
// captured output streams, and the monitor writes the results record and the
// completion marker. Workspaces are uploaded in full to the durable store and
// never deleted locally.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Fixed file names inside a workspace. Both the workload and the gateway rely
// on these, so they are part of the external contract.
const (
	ScriptFile  = "script"             // submitted workload script
	StdoutFile  = "stdout.log"         // scheduler-captured standard output
	StderrFile  = "stderr.log"         // scheduler-captured standard error
	ResultsFile = "results.json"       // results record written by post-processing
	MarkerFile  = "job_complete_token" // completion marker; presence is the signal, content is not
)

// Workspace is a directory exclusively owned by one job.
type Workspace struct {
	Path string
}

// New allocates a fresh, uniquely named workspace under root.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	dir := filepath.Join(abs, "job-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{Path: dir}, nil
}

// Open wraps an existing workspace directory, e.g. one recovered from a job
// metadata annotation after a restart.
func Open(path string) *Workspace {
	return &Workspace{Path: path}
}

// ScriptPath returns the path of the workload script.
func (w *Workspace) ScriptPath() string { return filepath.Join(w.Path, ScriptFile) }

// ResultsPath returns the path of the results record.
func (w *Workspace) ResultsPath() string { return filepath.Join(w.Path, ResultsFile) }

// MarkerPath returns the path of the completion marker.
func (w *Workspace) MarkerPath() string { return filepath.Join(w.Path, MarkerFile) }

// WriteScript materializes the workload script into the workspace.
func (w *Workspace) WriteScript(content []byte) error {
	if err := os.WriteFile(w.ScriptPath(), content, 0o644); err != nil {
		return fmt.Errorf("write workload script: %w", err)
	}
	return nil
}

// WriteMarker writes the completion marker. The marker carries no content;
// its presence means post-processing and upload were attempted and finished,
// successfully or not.
func (w *Workspace) WriteMarker() error {
	if err := os.WriteFile(w.MarkerPath(), nil, 0o644); err != nil {
		return fmt.Errorf("write completion marker: %w", err)
	}
	return nil
}

// MarkerExists reports whether the completion marker has been written.
func (w *Workspace) MarkerExists() bool {
	_, err := os.Stat(w.MarkerPath())
	return err == nil
}
