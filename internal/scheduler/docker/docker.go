// Package docker implements the scheduler contract on the Docker API. It
// exists for local development and CI, where a batch cluster is not
// available: every job runs as a single container with its workspace bind
// mounted from the host.
package docker

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/natcap/invest-compute/internal/apperrors"
	"github.com/natcap/invest-compute/internal/job"
)

// Container labels identifying gateway-managed jobs and carrying the
// metadata annotation. Labels are immutable for a container's lifetime,
// which matches the write-once annotation contract.
const (
	labelManaged    = "managed-by"
	labelManagedVal = "compute-gateway"
	labelAnnotation = "compute.annotation"
)

// Scheduler runs jobs as containers on the local Docker daemon.
type Scheduler struct {
	client *client.Client
	image  string
}

// Config holds configuration for the Docker scheduler.
type Config struct {
	Image string // container image for workload scripts (required)
}

// New creates a Docker scheduler from the environment-configured daemon.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker scheduler requires an image")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Scheduler{client: dockerClient, image: cfg.Image}, nil
}

// Submit creates and starts a container running the workspace script. The
// container redirects the script's streams into the workspace capture files,
// mirroring what a batch scheduler does with its output options.
func (s *Scheduler) Submit(ctx context.Context, spec job.SubmitSpec) (string, error) {
	script := "/bin/sh " + filepath.Base(spec.ScriptPath) +
		" > " + spec.StdoutFile + " 2> " + spec.StderrFile

	containerConfig := &container.Config{
		Image:      s.image,
		Cmd:        []string{"/bin/sh", "-c", script},
		WorkingDir: spec.Workdir,
		Labels: map[string]string{
			labelManaged:    labelManagedVal,
			labelAnnotation: spec.Annotation,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.Workdir,
				Target: spec.Workdir,
			},
		},
	}

	name := "compute-" + filepath.Base(spec.Workdir)
	resp, err := s.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", apperrors.Internal("docker.submit", err)
	}

	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", apperrors.Internal("docker.submit", err)
	}
	return resp.ID, nil
}

// State inspects the container and maps its status to the normalized
// vocabulary.
func (s *Scheduler) State(ctx context.Context, handle string) (job.State, error) {
	inspect, err := s.client.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", apperrors.NotFound("job", handle)
		}
		return "", apperrors.Internal("docker.state", err)
	}

	state, err := normalizeState(inspect.State)
	if err != nil {
		return "", apperrors.Unavailable("docker.state", err.Error())
	}
	return state, nil
}

// ExitCode returns the container's exit status.
func (s *Scheduler) ExitCode(ctx context.Context, handle string) (job.ExitStatus, error) {
	inspect, err := s.client.ContainerInspect(ctx, handle)
	if err != nil {
		return job.ExitStatus{}, apperrors.Internal("docker.exitcode", err)
	}
	return job.ExitStatus{Code: inspect.State.ExitCode}, nil
}

// Annotation reads the metadata label attached at submission.
func (s *Scheduler) Annotation(ctx context.Context, handle string) (string, error) {
	inspect, err := s.client.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", apperrors.NotFound("job", handle)
		}
		return "", apperrors.Internal("docker.annotation", err)
	}

	annotation := inspect.Config.Labels[labelAnnotation]
	if annotation == "" {
		return "", apperrors.NotFound("job annotation", handle)
	}
	return annotation, nil
}

// Cancel stops the container. The workspace and its capture files survive;
// only the process is torn down.
func (s *Scheduler) Cancel(ctx context.Context, handle string) error {
	stopTimeout := 10
	if err := s.client.ContainerStop(ctx, handle, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		if client.IsErrNotFound(err) {
			return apperrors.NotFound("job", handle)
		}
		return apperrors.Internal("docker.cancel", err)
	}
	return nil
}

// Ready probes daemon reachability.
func (s *Scheduler) Ready(ctx context.Context) error {
	if _, err := s.client.Ping(ctx); err != nil {
		return apperrors.Unavailable("docker.ready", "docker daemon is not reachable")
	}
	return nil
}

// Close releases the client connection.
func (s *Scheduler) Close() error {
	return s.client.Close()
}

// Verify Scheduler implements the contract
var _ job.Scheduler = (*Scheduler)(nil)
