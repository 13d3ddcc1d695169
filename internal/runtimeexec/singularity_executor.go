package runtimeexec

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/animus-labs/cubemosaic/internal/domain"
)

type SingularityConfig struct {
	SingularityBin string
	Container      string
	Scratch        string
}

// SingularityExecutor runs linmos in the foreground from a local .sif image.
type SingularityExecutor struct {
	cfg    SingularityConfig
	logger *slog.Logger
}

func NewSingularityExecutor(cfg SingularityConfig, logger *slog.Logger) (*SingularityExecutor, error) {
	cfg.SingularityBin = defaultBin(cfg.SingularityBin, "singularity")
	if strings.TrimSpace(cfg.Container) == "" {
		return nil, fmt.Errorf("container image is required")
	}
	if strings.TrimSpace(cfg.Scratch) == "" {
		return nil, fmt.Errorf("scratch path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SingularityExecutor{cfg: cfg, logger: logger}, nil
}

func (e *SingularityExecutor) Kind() string {
	return KindSingularity
}

func (e *SingularityExecutor) Submit(ctx context.Context, spec JobSpec) (domain.Submission, error) {
	if err := requireFile("mosaic config", spec.ConfigPath); err != nil {
		return domain.Submission{}, err
	}
	if err := requireFile("container image", e.cfg.Container); err != nil {
		return domain.Submission{}, err
	}

	args := []string{
		"exec",
		"--bind", e.cfg.Scratch + ":" + e.cfg.Scratch,
		e.cfg.Container,
		"linmos", "-c", spec.ConfigPath,
	}
	e.logger.Info("running mosaic", "runtime", KindSingularity, "config", spec.ConfigPath)
	cmd := exec.CommandContext(ctx, e.cfg.SingularityBin, args...)
	cmd.Dir = spec.WorkDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return domain.Submission{Executor: KindSingularity, ExitCode: exitCode(err)},
			domain.Errorf(domain.ErrMosaicExecution, component, spec.ConfigPath, "linmos failed: %v: %s", err, tail(out))
	}
	return domain.Submission{Executor: KindSingularity}, nil
}
