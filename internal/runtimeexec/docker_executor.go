package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/animus-labs/cubemosaic/internal/domain"
)

type DockerConfig struct {
	DockerBin string
	Image     string
	Scratch   string
}

// DockerExecutor runs linmos in a throwaway container. The image must already
// be present locally.
type DockerExecutor struct {
	dockerBin string
	image     string
	scratch   string
	logger    *slog.Logger
}

func NewDockerExecutor(cfg DockerConfig, logger *slog.Logger) (*DockerExecutor, error) {
	dockerBin := defaultBin(cfg.DockerBin, "docker")
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, domain.NewError(domain.ErrPrecondition, component, dockerBin, fmt.Errorf("docker binary not found: %w", err))
	}
	image := strings.TrimPrefix(strings.TrimSpace(cfg.Image), "docker://")
	if image == "" {
		return nil, errors.New("image ref is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DockerExecutor{dockerBin: dockerBin, image: image, scratch: strings.TrimSpace(cfg.Scratch), logger: logger}, nil
}

func (e *DockerExecutor) Kind() string {
	return KindDocker
}

func (e *DockerExecutor) ResolveImageID(ctx context.Context, imageRef string) (string, error) {
	imageRef = strings.TrimSpace(imageRef)
	if imageRef == "" {
		return "", errors.New("image ref is required")
	}

	cmd := exec.CommandContext(ctx, e.dockerBin, "image", "inspect", "--format", "{{.Id}}", imageRef)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "no such image") || strings.Contains(lower, "not found") || strings.Contains(lower, "no such object") {
			return "", fmt.Errorf("%w: %s", ErrImageRefNotFound, text)
		}
		return "", fmt.Errorf("docker image inspect failed: %w: %s", err, text)
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty docker image id", ErrImageRefNotFound)
	}
	return fields[0], nil
}

func (e *DockerExecutor) Submit(ctx context.Context, spec JobSpec) (domain.Submission, error) {
	if err := requireFile("mosaic config", spec.ConfigPath); err != nil {
		return domain.Submission{}, err
	}
	imageID, err := e.ResolveImageID(ctx, e.image)
	if err != nil {
		return domain.Submission{}, domain.NewError(domain.ErrPrecondition, component, e.image, err)
	}

	workDir := spec.WorkDir
	if strings.TrimSpace(workDir) == "" {
		workDir = filepath.Dir(spec.ConfigPath)
	}
	args := []string{"run", "--rm"}
	if name := strings.TrimSpace(spec.JobName); name != "" {
		args = append(args, "--name", name)
	}
	for _, mount := range mounts(e.scratch, workDir) {
		args = append(args, "-v", mount+":"+mount)
	}
	args = append(args, "-w", workDir, imageID, "linmos", "-c", spec.ConfigPath)

	e.logger.Info("running mosaic", "runtime", KindDocker, "image", e.image, "image_id", imageID, "config", spec.ConfigPath)
	cmd := exec.CommandContext(ctx, e.dockerBin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return domain.Submission{Executor: KindDocker, ExitCode: exitCode(err)},
			domain.Errorf(domain.ErrMosaicExecution, component, spec.ConfigPath, "docker run failed: %v: %s", err, tail(out))
	}
	return domain.Submission{Executor: KindDocker}, nil
}

// mounts returns the distinct bind mounts, dropping workDir when it already
// sits under scratch.
func mounts(scratch, workDir string) []string {
	var out []string
	if scratch != "" {
		out = append(out, scratch)
	}
	if rel, err := filepath.Rel(scratch, workDir); scratch == "" || err != nil || strings.HasPrefix(rel, "..") {
		out = append(out, workDir)
	}
	return out
}
