package job

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// fakeScheduler simulates a batch scheduler for tests. Each submitted job
// walks through a scripted sequence of states, one step per State query.
type fakeScheduler struct {
	mu         sync.Mutex
	nextID     int
	jobs       map[string]*fakeJob
	submitErr  error
	stateErr   error
	hideFor    int // State queries to fail before the job becomes visible
	cancelled  []string
	submitSpec SubmitSpec
}

type fakeJob struct {
	states     []State
	step       int
	annotation string
	exit       ExitStatus
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{nextID: 1000, jobs: make(map[string]*fakeJob)}
}

// script sets the state sequence the next submitted job will report. The
// final state repeats forever.
var defaultScript = []State{StateAccepted, StateRunning, StateSuccessful}

func (f *fakeScheduler) Submit(ctx context.Context, spec SubmitSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.jobs[id] = &fakeJob{states: defaultScript, annotation: spec.Annotation}
	f.submitSpec = spec
	return id, nil
}

func (f *fakeScheduler) setScript(handle string, states ...State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[handle].states = states
	f.jobs[handle].step = 0
}

func (f *fakeScheduler) setExit(handle string, exit ExitStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[handle].exit = exit
}

func (f *fakeScheduler) State(ctx context.Context, handle string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return "", f.stateErr
	}
	if f.hideFor > 0 {
		f.hideFor--
		return "", errors.New("job not in accounting yet")
	}
	j, ok := f.jobs[handle]
	if !ok {
		return "", errors.New("job not found")
	}
	state := j.states[j.step]
	if j.step < len(j.states)-1 {
		j.step++
	}
	return state, nil
}

func (f *fakeScheduler) ExitCode(ctx context.Context, handle string) (ExitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[handle]
	if !ok {
		return ExitStatus{}, errors.New("job not found")
	}
	return j.exit, nil
}

func (f *fakeScheduler) Annotation(ctx context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[handle]
	if !ok {
		return "", errors.New("job not found")
	}
	return j.annotation, nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[handle]
	if !ok {
		return errors.New("job not found")
	}
	j.states = []State{StateDismissed}
	j.step = 0
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func (f *fakeScheduler) Ready(ctx context.Context) error { return nil }
func (f *fakeScheduler) Close() error                    { return nil }

var _ Scheduler = (*fakeScheduler)(nil)

// fakeUploader records upload destinations and can inject failures.
type fakeUploader struct {
	mu      sync.Mutex
	dirs    []string
	failErr error
}

func (f *fakeUploader) Upload(ctx context.Context, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return "", f.failErr
	}
	f.dirs = append(f.dirs, dir)
	return fmt.Sprintf("s3://models/workspaces/%s", dir), nil
}

func (f *fakeUploader) uploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirs)
}
