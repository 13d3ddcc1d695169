package runtimeexec

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/animus-labs/cubemosaic/internal/domain"
	"github.com/animus-labs/cubemosaic/internal/platform/fsutil"
)

// ScriptFileName is the batch script written next to the config.
const ScriptFileName = "linmos.sh"

var submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)

type SlurmConfig struct {
	SbatchBin         string
	SingularityModule string
	Container         string
	Scratch           string
}

// SlurmExecutor writes a batch script that runs linmos inside a Singularity
// container and hands it to sbatch. It returns once the scheduler accepts the
// job; the job's own outcome is not tracked.
type SlurmExecutor struct {
	cfg    SlurmConfig
	logger *slog.Logger
}

func NewSlurmExecutor(cfg SlurmConfig, logger *slog.Logger) (*SlurmExecutor, error) {
	cfg.SbatchBin = defaultBin(cfg.SbatchBin, "sbatch")
	if strings.TrimSpace(cfg.Container) == "" {
		return nil, fmt.Errorf("container image is required")
	}
	if strings.TrimSpace(cfg.Scratch) == "" {
		return nil, fmt.Errorf("scratch path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SlurmExecutor{cfg: cfg, logger: logger}, nil
}

func (e *SlurmExecutor) Kind() string {
	return KindSlurm
}

// Script renders the batch script body for spec.
func (e *SlurmExecutor) Script(spec JobSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	if name := strings.TrimSpace(spec.JobName); name != "" {
		fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", name)
	}
	fmt.Fprintf(&b, "#SBATCH --account=%s\n", spec.Resources.Account)
	fmt.Fprintf(&b, "#SBATCH --time=%s\n", spec.Resources.Time)
	fmt.Fprintf(&b, "#SBATCH --mem=%s\n", spec.Resources.Memory)
	if mod := strings.TrimSpace(e.cfg.SingularityModule); mod != "" {
		fmt.Fprintf(&b, "module load %s\n", mod)
	}
	fmt.Fprintf(&b, "singularity exec --bind %s:%s %s linmos -c %s\n",
		e.cfg.Scratch, e.cfg.Scratch, e.cfg.Container, spec.ConfigPath)
	return b.String()
}

func (e *SlurmExecutor) Submit(ctx context.Context, spec JobSpec) (domain.Submission, error) {
	if err := requireFile("mosaic config", spec.ConfigPath); err != nil {
		return domain.Submission{}, err
	}
	if err := requireFile("container image", e.cfg.Container); err != nil {
		return domain.Submission{}, err
	}
	res := spec.Resources
	if strings.TrimSpace(res.Account) == "" || strings.TrimSpace(res.Time) == "" || strings.TrimSpace(res.Memory) == "" {
		return domain.Submission{}, domain.Errorf(domain.ErrPrecondition, component, "resources",
			"account, time and memory are required")
	}

	workDir := spec.WorkDir
	if strings.TrimSpace(workDir) == "" {
		workDir = filepath.Dir(spec.ConfigPath)
	}
	script := filepath.Join(workDir, ScriptFileName)
	if err := fsutil.WriteFileAtomic(script, []byte(e.Script(spec)), 0o755); err != nil {
		return domain.Submission{}, domain.NewError(domain.ErrSchedulerSubmit, component, script, err)
	}

	cmd := exec.CommandContext(ctx, e.cfg.SbatchBin, script)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return domain.Submission{}, domain.Errorf(domain.ErrSchedulerSubmit, component, script,
			"sbatch failed: %v: %s", err, tail(out))
	}
	m := submittedRe.FindSubmatch(out)
	if m == nil {
		return domain.Submission{}, domain.Errorf(domain.ErrSchedulerSubmit, component, script,
			"unexpected sbatch output: %s", tail(out))
	}

	sub := domain.Submission{Executor: KindSlurm, JobID: string(m[1]), ScriptPath: script}
	e.logger.Info("mosaic job submitted", "job_id", sub.JobID, "script", script, "account", res.Account)
	return sub, nil
}
