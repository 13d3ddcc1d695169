package runtimeexec

import (
	"context"
	"errors"

	"github.com/animus-labs/cubemosaic/internal/domain"
)

const (
	KindSlurm       = "slurm"
	KindSingularity = "singularity"
	KindDocker      = "docker"

	component = "mosaic_runner"
)

// Executor launches the mosaic executable against a rendered config.
type Executor interface {
	Kind() string
	Submit(ctx context.Context, spec JobSpec) (domain.Submission, error)
}

// DockerImageIDResolver exposes image ID resolution for Docker-backed executors.
type DockerImageIDResolver interface {
	ResolveImageID(ctx context.Context, imageRef string) (string, error)
}

type JobSpec struct {
	RunID      string
	ConfigPath string
	// WorkDir receives the batch script and is bind-mounted for local runs.
	WorkDir   string
	JobName   string
	Resources Resources
}

// Resources are the batch scheduler directives.
type Resources struct {
	Account string
	Time    string
	Memory  string
}

var ErrImageRefNotFound = errors.New("image_ref_not_found")
