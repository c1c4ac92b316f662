package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/natcap/invest-compute/internal/config"
	"github.com/natcap/invest-compute/internal/workspace"
)

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		PollInterval:      2 * time.Millisecond,
		Deadline:          5 * time.Second,
		VisibilityRetries: 3,
	}
}

func submitTestJob(t *testing.T, sched *fakeScheduler) (string, *workspace.Workspace) {
	t.Helper()
	sub := NewSubmitter(sched, t.TempDir())
	handle, ws, err := sub.Submit(context.Background(), &Request{
		ProcessID: "carbon",
		Script:    []byte("#!/bin/sh\ntrue\n"),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return handle, ws
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("monitor did not finish")
	}
}

func TestMonitor_SuccessfulJob(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	handle, ws := submitTestJob(t, sched)

	uploader := &fakeUploader{}
	postProcess := func(ws *workspace.Workspace) (workspace.Record, error) {
		return workspace.Record{"model": "carbon"}, nil
	}
	m := NewMonitor(sched, uploader, postProcess, nil, testMonitorConfig())

	task := m.Watch(handle, ws)
	waitDone(t, task)

	if task.State() != StateSuccessful {
		t.Errorf("expected successful, got %s", task.State())
	}
	if !ws.MarkerExists() {
		t.Error("expected completion marker")
	}
	if uploader.uploads() != 1 {
		t.Errorf("expected 1 upload, got %d", uploader.uploads())
	}

	rec := task.Results()
	if rec["model"] != "carbon" {
		t.Errorf("unexpected results record %v", rec)
	}
	if rec[workspace.KeyResults] == nil {
		t.Error("expected store address in results record")
	}

	// The record on disk matches what the task reports.
	onDisk, err := ws.ReadResults()
	if err != nil {
		t.Fatalf("ReadResults failed: %v", err)
	}
	if onDisk["model"] != "carbon" {
		t.Errorf("unexpected persisted record %v", onDisk)
	}
}

func TestMonitor_FailedJobStillCompletes(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	handle, ws := submitTestJob(t, sched)
	sched.setScript(handle, StateRunning, StateFailed)
	sched.setExit(handle, ExitStatus{Code: 1})

	uploader := &fakeUploader{}
	m := NewMonitor(sched, uploader, nil, nil, testMonitorConfig())

	task := m.Watch(handle, ws)
	waitDone(t, task)

	if task.State() != StateFailed {
		t.Errorf("expected failed, got %s", task.State())
	}
	if !ws.MarkerExists() {
		t.Error("expected completion marker for failed job")
	}
	if uploader.uploads() != 1 {
		t.Errorf("expected workspace upload for failed job, got %d", uploader.uploads())
	}
}

func TestMonitor_DismissedJob(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	handle, ws := submitTestJob(t, sched)
	sched.setScript(handle, StateRunning, StateDismissed)

	m := NewMonitor(sched, nil, nil, nil, testMonitorConfig())
	task := m.Watch(handle, ws)
	waitDone(t, task)

	if task.State() != StateDismissed {
		t.Errorf("expected dismissed, got %s", task.State())
	}
	if !ws.MarkerExists() {
		t.Error("expected completion marker for dismissed job")
	}
}

func TestMonitor_PostProcessError(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	handle, ws := submitTestJob(t, sched)

	postProcess := func(ws *workspace.Workspace) (workspace.Record, error) {
		return nil, errors.New("raster reprojection failed")
	}
	m := NewMonitor(sched, nil, postProcess, nil, testMonitorConfig())

	task := m.Watch(handle, ws)
	waitDone(t, task)

	// The scheduler state stays successful; the failure lives in the record.
	if task.State() != StateSuccessful {
		t.Errorf("expected successful, got %s", task.State())
	}
	rec := task.Results()
	if rec[workspace.KeyType] != ErrTypePostProcess {
		t.Errorf("expected %s record, got %v", ErrTypePostProcess, rec)
	}
	if rec[workspace.KeyWorkspace] != ws.Path {
		t.Errorf("expected workspace path in record, got %v", rec)
	}
	if !ws.MarkerExists() {
		t.Error("expected completion marker after post-processing error")
	}
}

func TestMonitor_PostProcessPanic(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	handle, ws := submitTestJob(t, sched)

	postProcess := func(ws *workspace.Workspace) (workspace.Record, error) {
		panic("nil pointer in model output parsing")
	}
	m := NewMonitor(sched, nil, postProcess, nil, testMonitorConfig())

	task := m.Watch(handle, ws)
	waitDone(t, task)

	rec := task.Results()
	if rec[workspace.KeyType] != ErrTypePostProcess {
		t.Errorf("expected %s record after panic, got %v", ErrTypePostProcess, rec)
	}
	if !ws.MarkerExists() {
		t.Error("expected completion marker after post-processing panic")
	}
}

func TestMonitor_UploadFailureTolerated(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	handle, ws := submitTestJob(t, sched)

	uploader := &fakeUploader{failErr: errors.New("bucket unreachable")}
	postProcess := func(ws *workspace.Workspace) (workspace.Record, error) {
		return workspace.Record{"model": "carbon"}, nil
	}
	m := NewMonitor(sched, uploader, postProcess, nil, testMonitorConfig())

	task := m.Watch(handle, ws)
	waitDone(t, task)

	if task.State() != StateSuccessful {
		t.Errorf("expected successful despite upload failure, got %s", task.State())
	}
	if !ws.MarkerExists() {
		t.Error("expected completion marker despite upload failure")
	}
	if task.Results()[workspace.KeyResults] != nil {
		t.Error("expected no store address after failed upload")
	}
}

func TestMonitor_SchedulerQueryFailure(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	handle, ws := submitTestJob(t, sched)
	sched.stateErr = errors.New("accounting database down")

	m := NewMonitor(sched, nil, nil, nil, testMonitorConfig())
	task := m.Watch(handle, ws)
	waitDone(t, task)

	if task.State() != StateFailed {
		t.Errorf("expected failed, got %s", task.State())
	}
	rec := task.Results()
	if rec[workspace.KeyType] != ErrTypeSchedulerQuery {
		t.Errorf("expected %s record, got %v", ErrTypeSchedulerQuery, rec)
	}
	if !ws.MarkerExists() {
		t.Error("expected completion marker after query failure")
	}
}

func TestMonitor_DeadlineExceeded(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	handle, ws := submitTestJob(t, sched)
	sched.setScript(handle, StateRunning) // never terminal

	cfg := testMonitorConfig()
	cfg.Deadline = 20 * time.Millisecond
	m := NewMonitor(sched, nil, nil, nil, cfg)

	task := m.Watch(handle, ws)
	waitDone(t, task)

	if task.State() != StateFailed {
		t.Errorf("expected failed, got %s", task.State())
	}
	rec := task.Results()
	if rec[workspace.KeyType] != ErrTypeDeadline {
		t.Errorf("expected %s record, got %v", ErrTypeDeadline, rec)
	}
	if !ws.MarkerExists() {
		t.Error("expected completion marker after deadline")
	}
}

func TestMonitor_VisibilityLagTolerated(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	handle, ws := submitTestJob(t, sched)

	// Hide the job for the first couple of polls, then let it run to
	// completion.
	sched.hideFor = 2

	m := NewMonitor(sched, nil, nil, nil, testMonitorConfig())
	task := m.Watch(handle, ws)
	waitDone(t, task)

	if task.State() != StateSuccessful {
		t.Errorf("expected successful after visibility lag, got %s", task.State())
	}
}

func TestMonitor_WatchIsIdempotent(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	handle, ws := submitTestJob(t, sched)

	m := NewMonitor(sched, nil, nil, nil, testMonitorConfig())
	t1 := m.Watch(handle, ws)
	t2 := m.Watch(handle, ws)
	if t1 != t2 {
		t.Error("expected the same task for a duplicate watch")
	}
	waitDone(t, t1)
}
