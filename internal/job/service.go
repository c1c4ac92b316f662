package job

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"time"

	"github.com/natcap/invest-compute/internal/apperrors"
	"github.com/natcap/invest-compute/internal/observability"
	"github.com/natcap/invest-compute/internal/workspace"
)

// Validation limits
const (
	maxProcessIDLength = 128
	maxScriptBytes     = 1 << 20 // 1MB
	maxCallbackEvents  = 16
)

// processIDPattern allows alphanumeric, hyphens, and underscores
var processIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Service manages the job lifecycle against a batch scheduler.
//
// The Service is stateless - all job state lives in the scheduler and the
// per-job workspace. This enables:
//   - Service restarts without losing submitted jobs
//   - Horizontal scaling with multiple gateway instances
//   - Status and result queries for jobs submitted by another instance
type Service struct {
	scheduler Scheduler
	submitter *Submitter
	monitor   *Monitor
	events    *EventNotifier
	metrics   *observability.Metrics
}

// NewService creates a new job service. events may be nil when callback
// delivery is disabled.
func NewService(scheduler Scheduler, submitter *Submitter, monitor *Monitor, events *EventNotifier, metrics *observability.Metrics) *Service {
	return &Service{
		scheduler: scheduler,
		submitter: submitter,
		monitor:   monitor,
		events:    events,
		metrics:   metrics,
	}
}

// Execute validates the request, submits the job and starts the completion
// watch. In async mode it returns as soon as the job is accepted; in sync
// mode it blocks until the watch finishes and returns the results record.
func (s *Service) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	jobID, ws, err := s.submitter.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, req.ProcessID)
	}

	task := s.monitor.Watch(jobID, ws)
	s.events.JobAccepted(jobID, req)

	if req.Mode == ModeSync {
		return s.join(ctx, task, req)
	}

	// A freshly accepted job may not be visible to status queries yet. Wait
	// for it to appear so an immediate follow-up poll does not 404, but
	// accept the job regardless once the wait budget runs out.
	s.awaitVisibility(ctx, jobID)
	go func() {
		<-task.Done()
		s.events.JobFinished(jobID, task.State(), req)
	}()

	return &Response{JobID: jobID, Status: StateAccepted}, nil
}

// join blocks until the completion watch for task finishes.
func (s *Service) join(ctx context.Context, task *Task, req *Request) (*Response, error) {
	select {
	case <-task.Done():
	case <-ctx.Done():
		return nil, apperrors.Unavailable("job.execute", "request cancelled while waiting for job completion")
	}
	s.events.JobFinished(task.JobID, task.State(), req)
	return &Response{JobID: task.JobID, Status: task.State(), Results: task.Results()}, nil
}

func (s *Service) awaitVisibility(ctx context.Context, jobID string) {
	cfg := s.monitor.cfg
	for attempt := 0; attempt < cfg.VisibilityRetries; attempt++ {
		if _, err := s.scheduler.State(ctx, jobID); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.PollInterval):
		}
	}
	slog.Warn("Job accepted but not yet visible to scheduler", "jobId", jobID)
}

// Status returns the normalized status of a job. A scheduler-terminal job
// whose completion marker has not been written yet is still reported as
// running: completion covers post-processing and upload, not just the
// scheduler's own exit.
func (s *Service) Status(ctx context.Context, jobID string) (*Status, error) {
	state, err := s.scheduler.State(ctx, jobID)
	if err != nil {
		return nil, err
	}

	st := &Status{JobID: jobID, State: state}
	if !state.Terminal() {
		return st, nil
	}

	ws, err := s.openWorkspace(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ws.MarkerExists() {
		// Nobody is finalizing this job, e.g. its watch was lost to a
		// restart. Adopt it; Watch is idempotent, so concurrent status
		// queries share one watch.
		s.monitor.Watch(jobID, ws)
		st.State = StateRunning
		return st, nil
	}

	if exit, err := s.scheduler.ExitCode(ctx, jobID); err == nil {
		code := exit.Code
		st.ExitCode = &code
	}
	return st, nil
}

// Result returns the results record of a finished job. Results exist for
// every terminal state: failed and dismissed jobs carry an error-shaped
// record rather than no record at all.
func (s *Service) Result(ctx context.Context, jobID string) (workspace.Record, error) {
	state, err := s.scheduler.State(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !state.Terminal() {
		return nil, apperrors.Conflict("job", jobID, "job has not finished")
	}

	ws, err := s.openWorkspace(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ws.MarkerExists() {
		return nil, apperrors.Conflict("job", jobID, "job results are still being finalized")
	}

	rec, err := ws.ReadResults()
	if err != nil {
		return nil, apperrors.NotFound("job results", jobID)
	}
	return rec, nil
}

// Cancel requests termination of a job.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	logger := slog.With("jobId", jobID)
	if err := s.scheduler.Cancel(ctx, jobID); err != nil {
		logger.Error("Job cancellation failed", "error", err)
		return err
	}
	logger.Info("Job cancellation requested")
	return nil
}

// openWorkspace locates a job's workspace through its metadata annotation.
func (s *Service) openWorkspace(ctx context.Context, jobID string) (*workspace.Workspace, error) {
	annotation, err := s.scheduler.Annotation(ctx, jobID)
	if err != nil {
		return nil, err
	}
	meta, err := DecodeMetadata(annotation)
	if err != nil {
		return nil, err
	}
	return workspace.Open(meta.Workdir), nil
}

// validate checks a job request. Does not modify the request.
func (s *Service) validate(req *Request) error {
	if req.ProcessID == "" {
		return apperrors.Validation("processId", "processId is required")
	}
	if len(req.ProcessID) > maxProcessIDLength {
		return apperrors.Validation("processId", "processId exceeds maximum length")
	}
	if !processIDPattern.MatchString(req.ProcessID) {
		return apperrors.Validation("processId", "processId must be alphanumeric with hyphens or underscores")
	}
	if len(req.Script) == 0 {
		return apperrors.Validation("script", "script is required")
	}
	if len(req.Script) > maxScriptBytes {
		return apperrors.Validation("script", "script exceeds maximum size")
	}
	if req.Callback != nil {
		u, err := url.Parse(req.Callback.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperrors.Validation("callback.url", "callback URL must be a valid http(s) URL")
		}
		if len(req.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", "too many callback event filters")
		}
	}
	return nil
}
