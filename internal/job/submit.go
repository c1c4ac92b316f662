package job

import (
	"context"
	"log/slog"

	"github.com/natcap/invest-compute/internal/workspace"
)

// Submitter turns a validated request into a scheduler job. Submission is
// all-or-nothing: if the scheduler rejects the job, the workspace is left in
// place for inspection but nothing is monitored and no handle is returned.
type Submitter struct {
	scheduler     Scheduler
	workspaceRoot string
}

// NewSubmitter creates a submitter allocating workspaces under root.
func NewSubmitter(scheduler Scheduler, workspaceRoot string) *Submitter {
	return &Submitter{scheduler: scheduler, workspaceRoot: workspaceRoot}
}

// Submit allocates a fresh workspace, materializes the workload script,
// attaches the metadata annotation and hands the job to the scheduler.
func (s *Submitter) Submit(ctx context.Context, req *Request) (string, *workspace.Workspace, error) {
	ws, err := workspace.New(s.workspaceRoot)
	if err != nil {
		return "", nil, err
	}

	if err := ws.WriteScript(req.Script); err != nil {
		return "", nil, err
	}

	annotation, err := NewMetadata(ws, req.ProcessID).Encode()
	if err != nil {
		return "", nil, err
	}

	handle, err := s.scheduler.Submit(ctx, SubmitSpec{
		ScriptPath: ws.ScriptPath(),
		Workdir:    ws.Path,
		StdoutFile: workspace.StdoutFile,
		StderrFile: workspace.StderrFile,
		Annotation: annotation,
	})
	if err != nil {
		slog.Error("Job submission failed", "workspace", ws.Path, "error", err)
		return "", nil, err
	}

	slog.Info("Job submitted", "jobId", handle, "processId", req.ProcessID, "workspace", ws.Path)
	return handle, ws, nil
}
