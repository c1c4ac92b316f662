package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/natcap/invest-compute/internal/config"
	"github.com/natcap/invest-compute/internal/observability"
	"github.com/natcap/invest-compute/internal/workspace"
)

// Error record types written into the results file when completion handling
// cannot produce real results.
const (
	ErrTypePostProcess    = "post-processing-error"
	ErrTypeSchedulerQuery = "scheduler-query-error"
	ErrTypeDeadline       = "monitoring-deadline-exceeded"
)

// Uploader copies a finished workspace to the durable store and returns the
// store address of the uploaded tree.
type Uploader interface {
	Upload(ctx context.Context, dir string) (string, error)
}

// Task is a handle to one in-flight completion watch. Done is closed when
// the watch finishes; State and Results are valid only after that.
type Task struct {
	JobID string

	done    chan struct{}
	state   State
	results workspace.Record
}

// Done returns a channel closed when monitoring completes.
func (t *Task) Done() <-chan struct{} { return t.done }

// State returns the final normalized state. Valid after Done is closed.
func (t *Task) State() State { return t.state }

// Results returns the final results record. Valid after Done is closed.
func (t *Task) Results() workspace.Record { return t.results }

// Monitor watches submitted jobs to completion. For every watched job it
// polls the scheduler until a terminal state, runs post-processing, uploads
// the workspace and writes the completion marker. The marker is written on
// every exit path, including post-processing failures, upload failures and
// the monitoring deadline; a job without its marker is still in flight.
type Monitor struct {
	scheduler   Scheduler
	uploader    Uploader
	postProcess PostProcessFunc
	metrics     *observability.Metrics
	cfg         config.MonitorConfig

	mu    sync.Mutex
	wg    sync.WaitGroup
	tasks map[string]*Task
}

// NewMonitor creates a monitor. uploader and postProcess may be nil; a nil
// uploader skips the durable-store copy and a nil postProcess leaves the
// workload's own results record untouched.
func NewMonitor(scheduler Scheduler, uploader Uploader, postProcess PostProcessFunc, metrics *observability.Metrics, cfg config.MonitorConfig) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Monitor{
		scheduler:   scheduler,
		uploader:    uploader,
		postProcess: postProcess,
		metrics:     metrics,
		cfg:         cfg,
		tasks:       make(map[string]*Task),
	}
}

// Watch starts monitoring a job and returns its task handle. If the job is
// already being watched the existing handle is returned.
func (m *Monitor) Watch(jobID string, ws *workspace.Workspace) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[jobID]; ok {
		return t
	}

	t := &Task{JobID: jobID, done: make(chan struct{})}
	m.tasks[jobID] = t
	m.wg.Add(1)
	go m.run(t, ws)
	return t
}

// Wait blocks until all in-flight watches finish. Used during shutdown so
// completion markers are written before the process exits.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) run(t *Task, ws *workspace.Workspace) {
	defer m.wg.Done()
	defer close(t.done)
	defer func() {
		m.mu.Lock()
		delete(m.tasks, t.JobID)
		m.mu.Unlock()
	}()

	logger := slog.With("jobId", t.JobID, "workspace", ws.Path)
	started := time.Now()

	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	if m.cfg.Deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Deadline)
	}
	defer cancel()

	// The marker is the durable completion signal. It must appear on every
	// exit path, so it is deferred before any of the steps that can fail.
	defer func() {
		if err := ws.WriteMarker(); err != nil {
			logger.Error("Completion marker write failed", "error", err)
		}
		if m.metrics != nil {
			m.metrics.RecordJobCompleted(ctx, string(t.state), time.Since(started))
		}
	}()

	state, err := m.pollUntilTerminal(ctx, t.JobID, logger)
	if err != nil {
		t.state = StateFailed
		t.results = m.writeErrorRecord(ws, errType(ctx), err.Error(), logger)
		m.finishUpload(ctx, t, ws, logger)
		return
	}
	t.state = state

	// The exit code is informational. Losing it never aborts completion.
	if exit, err := m.scheduler.ExitCode(ctx, t.JobID); err != nil {
		logger.Warn("Exit code query failed", "error", err)
	} else {
		logger.Info("Job reached terminal state", "state", state, "exitCode", exit.Code, "signal", exit.Signal)
	}

	t.results = m.runPostProcess(ws, logger)
	m.finishUpload(ctx, t, ws, logger)
}

// pollUntilTerminal polls the scheduler at a fixed interval until the job
// leaves the active states. Transient visibility gaps right after submission
// are tolerated up to the configured retry budget.
func (m *Monitor) pollUntilTerminal(ctx context.Context, jobID string, logger *slog.Logger) (State, error) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	notVisible := 0
	for {
		state, err := m.scheduler.State(ctx, jobID)
		switch {
		case err == nil:
			notVisible = 0
			if state.Terminal() {
				return state, nil
			}
		default:
			// Freshly submitted jobs can take a moment to appear in the
			// scheduler's accounting view.
			notVisible++
			if notVisible > m.cfg.VisibilityRetries {
				return "", fmt.Errorf("job state query: %w", err)
			}
			logger.Debug("Job not yet visible to scheduler", "attempt", notVisible, "error", err)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("monitoring deadline exceeded after %s: %w", m.cfg.Deadline, ctx.Err())
		case <-ticker.C:
		}
	}
}

// runPostProcess invokes the post-processing hook, converting errors and
// panics into an error-shaped results record so the failure is visible to
// result readers instead of being lost.
func (m *Monitor) runPostProcess(ws *workspace.Workspace, logger *slog.Logger) workspace.Record {
	if m.postProcess == nil {
		rec, err := ws.ReadResults()
		if err != nil {
			return nil
		}
		return rec
	}

	rec, err := m.safePostProcess(ws)
	if err != nil {
		logger.Error("Post-processing failed", "error", err)
		return m.writeErrorRecord(ws, ErrTypePostProcess, err.Error(), logger)
	}
	if rec != nil {
		if err := ws.WriteResults(rec); err != nil {
			logger.Error("Results record write failed", "error", err)
		}
	}
	return rec
}

func (m *Monitor) safePostProcess(ws *workspace.Workspace) (rec workspace.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("post-processing panic: %v", r)
		}
	}()
	return m.postProcess(ws)
}

// finishUpload copies the workspace to the durable store. Upload failure is
// logged and recorded in metrics but never blocks completion.
func (m *Monitor) finishUpload(ctx context.Context, t *Task, ws *workspace.Workspace, logger *slog.Logger) {
	if m.uploader == nil {
		return
	}
	if ctx.Err() != nil {
		// The watch deadline expired; the upload still gets a bounded chance.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
	}
	addr, err := m.uploader.Upload(ctx, ws.Path)
	if m.metrics != nil {
		m.metrics.RecordUpload(ctx, err == nil)
	}
	if err != nil {
		logger.Error("Workspace upload failed", "error", err)
		return
	}
	logger.Info("Workspace uploaded", "destination", addr)
	if t.results != nil {
		t.results[workspace.KeyResults] = addr
		if err := ws.WriteResults(t.results); err != nil {
			logger.Error("Results record write failed", "error", err)
		}
	}
}

// writeErrorRecord persists an error-shaped results record and returns it.
func (m *Monitor) writeErrorRecord(ws *workspace.Workspace, kind, description string, logger *slog.Logger) workspace.Record {
	rec := workspace.Record{
		workspace.KeyType:        kind,
		workspace.KeyDescription: description,
		workspace.KeyWorkspace:   ws.Path,
	}
	if err := ws.WriteResults(rec); err != nil {
		logger.Error("Results record write failed", "error", err)
	}
	return rec
}

func errType(ctx context.Context) string {
	if ctx.Err() != nil {
		return ErrTypeDeadline
	}
	return ErrTypeSchedulerQuery
}
