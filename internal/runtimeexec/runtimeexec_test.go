package runtimeexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/animus-labs/cubemosaic/internal/domain"
)

// fakeBin writes an executable shell script that records its arguments to
// <dir>/<name>.args and then runs body.
func fakeBin(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\necho \"$@\" > " + filepath.Join(dir, name+".args") + "\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake %s: %v", name, err)
	}
	return path
}

func readArgs(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name+".args"))
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	return strings.TrimSpace(string(b))
}

func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("touch %s: %v", path, err)
	}
	return path
}

func testResources() Resources {
	return Resources{Account: "ja3", Time: "01:00:00", Memory: "32G"}
}

func TestSlurmExecutorSubmit(t *testing.T) {
	bin := t.TempDir()
	work := t.TempDir()
	sbatch := fakeBin(t, bin, "sbatch", "echo 'Submitted batch job 4242'")
	container := touch(t, filepath.Join(bin, "askapsoft.sif"))
	config := touch(t, filepath.Join(work, "linmos.conf"))

	exec, err := NewSlurmExecutor(SlurmConfig{SbatchBin: sbatch, SingularityModule: "singularity/4.1.0", Container: container, Scratch: "/scratch"}, nil)
	if err != nil {
		t.Fatalf("NewSlurmExecutor: %v", err)
	}
	sub, err := exec.Submit(context.Background(), JobSpec{ConfigPath: config, WorkDir: work, Resources: testResources()})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.JobID != "4242" || sub.Executor != KindSlurm {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if sub.ScriptPath != filepath.Join(work, ScriptFileName) {
		t.Fatalf("script path = %q", sub.ScriptPath)
	}

	script, err := os.ReadFile(sub.ScriptPath)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	want := "#!/bin/bash\n" +
		"#SBATCH --account=ja3\n" +
		"#SBATCH --time=01:00:00\n" +
		"#SBATCH --mem=32G\n" +
		"module load singularity/4.1.0\n" +
		"singularity exec --bind /scratch:/scratch " + container + " linmos -c " + config + "\n"
	if string(script) != want {
		t.Fatalf("script mismatch:\n%s\nwant:\n%s", script, want)
	}
	info, err := os.Stat(sub.ScriptPath)
	if err != nil {
		t.Fatalf("stat script: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Fatalf("script not executable: %v", info.Mode())
	}
	if got := readArgs(t, bin, "sbatch"); got != sub.ScriptPath {
		t.Fatalf("sbatch args = %q", got)
	}
}

func TestSlurmExecutorJobName(t *testing.T) {
	e := &SlurmExecutor{cfg: SlurmConfig{Container: "/c.sif", Scratch: "/scratch"}}
	script := e.Script(JobSpec{ConfigPath: "/w/linmos.conf", JobName: "mosaic-abc", Resources: testResources()})
	if !strings.Contains(script, "#SBATCH --job-name=mosaic-abc\n") {
		t.Fatalf("missing job name:\n%s", script)
	}
	if strings.Contains(script, "module load") {
		t.Fatalf("unexpected module line:\n%s", script)
	}
}

func TestSlurmExecutorPreconditions(t *testing.T) {
	bin := t.TempDir()
	work := t.TempDir()
	sbatch := fakeBin(t, bin, "sbatch", "echo 'Submitted batch job 1'")
	container := touch(t, filepath.Join(bin, "askapsoft.sif"))
	config := touch(t, filepath.Join(work, "linmos.conf"))

	cases := map[string]struct {
		container string
		config    string
		res       Resources
	}{
		"missing config":    {container: container, config: filepath.Join(work, "nope.conf"), res: testResources()},
		"missing container": {container: filepath.Join(bin, "nope.sif"), config: config, res: testResources()},
		"missing account":   {container: container, config: config, res: Resources{Time: "1", Memory: "1G"}},
	}
	for name, tc := range cases {
		exec, err := NewSlurmExecutor(SlurmConfig{SbatchBin: sbatch, Container: tc.container, Scratch: "/scratch"}, nil)
		if err != nil {
			t.Fatalf("%s: NewSlurmExecutor: %v", name, err)
		}
		_, err = exec.Submit(context.Background(), JobSpec{ConfigPath: tc.config, WorkDir: work, Resources: tc.res})
		if !errors.Is(err, domain.ErrPrecondition) {
			t.Fatalf("%s: expected precondition error, got %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(bin, "sbatch.args")); !os.IsNotExist(err) {
		t.Fatalf("sbatch must not run when preconditions fail")
	}
	if _, err := os.Stat(filepath.Join(work, ScriptFileName)); !os.IsNotExist(err) {
		t.Fatalf("script must not be written when preconditions fail")
	}
}

func TestSlurmExecutorSchedulerFailure(t *testing.T) {
	bin := t.TempDir()
	work := t.TempDir()
	container := touch(t, filepath.Join(bin, "askapsoft.sif"))
	config := touch(t, filepath.Join(work, "linmos.conf"))

	for name, body := range map[string]string{
		"non-zero exit": "echo 'sbatch: error: invalid account' >&2; exit 1",
		"no job id":     "echo 'queued'",
	} {
		sbatch := fakeBin(t, bin, "sbatch", body)
		exec, err := NewSlurmExecutor(SlurmConfig{SbatchBin: sbatch, Container: container, Scratch: "/scratch"}, nil)
		if err != nil {
			t.Fatalf("NewSlurmExecutor: %v", err)
		}
		_, err = exec.Submit(context.Background(), JobSpec{ConfigPath: config, WorkDir: work, Resources: testResources()})
		if !errors.Is(err, domain.ErrSchedulerSubmit) {
			t.Fatalf("%s: expected scheduler error, got %v", name, err)
		}
	}
}

func TestSingularityExecutor(t *testing.T) {
	bin := t.TempDir()
	work := t.TempDir()
	container := touch(t, filepath.Join(bin, "askapsoft.sif"))
	config := touch(t, filepath.Join(work, "linmos.conf"))

	ok := fakeBin(t, bin, "singularity", "exit 0")
	exec, err := NewSingularityExecutor(SingularityConfig{SingularityBin: ok, Container: container, Scratch: "/scratch"}, nil)
	if err != nil {
		t.Fatalf("NewSingularityExecutor: %v", err)
	}
	sub, err := exec.Submit(context.Background(), JobSpec{ConfigPath: config, WorkDir: work})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Executor != KindSingularity || sub.ExitCode != 0 {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	want := "exec --bind /scratch:/scratch " + container + " linmos -c " + config
	if got := readArgs(t, bin, "singularity"); got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}

	failing := fakeBin(t, bin, "singularity", "echo 'linmos: bad parset'; exit 3")
	exec, _ = NewSingularityExecutor(SingularityConfig{SingularityBin: failing, Container: container, Scratch: "/scratch"}, nil)
	sub, err = exec.Submit(context.Background(), JobSpec{ConfigPath: config, WorkDir: work})
	if !errors.Is(err, domain.ErrMosaicExecution) {
		t.Fatalf("expected execution error, got %v", err)
	}
	if sub.ExitCode != 3 {
		t.Fatalf("exit code = %d", sub.ExitCode)
	}
	if !strings.Contains(err.Error(), "bad parset") {
		t.Fatalf("expected output tail in error: %v", err)
	}

	_, err = exec.Submit(context.Background(), JobSpec{ConfigPath: filepath.Join(work, "missing.conf")})
	if !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestDockerExecutor(t *testing.T) {
	bin := t.TempDir()
	work := t.TempDir()
	config := touch(t, filepath.Join(work, "linmos.conf"))
	docker := fakeBin(t, bin, "docker", `if [ "$1" = "image" ]; then echo sha256:abc123; fi`)

	exec, err := NewDockerExecutor(DockerConfig{DockerBin: docker, Image: "docker://csirocass/askapsoft", Scratch: "/scratch"}, nil)
	if err != nil {
		t.Fatalf("NewDockerExecutor: %v", err)
	}
	id, err := exec.ResolveImageID(context.Background(), "csirocass/askapsoft")
	if err != nil || id != "sha256:abc123" {
		t.Fatalf("ResolveImageID = %q, %v", id, err)
	}

	sub, err := exec.Submit(context.Background(), JobSpec{ConfigPath: config, WorkDir: work, JobName: "mosaic-1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Executor != KindDocker {
		t.Fatalf("executor = %q", sub.Executor)
	}
	want := "run --rm --name mosaic-1 -v /scratch:/scratch -v " + work + ":" + work + " -w " + work + " sha256:abc123 linmos -c " + config
	if got := readArgs(t, bin, "docker"); got != want {
		t.Fatalf("args = %q\nwant %q", got, want)
	}
}

func TestDockerExecutorMissingImage(t *testing.T) {
	bin := t.TempDir()
	work := t.TempDir()
	config := touch(t, filepath.Join(work, "linmos.conf"))
	docker := fakeBin(t, bin, "docker", `echo "Error: No such image: csirocass/askapsoft"; exit 1`)

	exec, err := NewDockerExecutor(DockerConfig{DockerBin: docker, Image: "csirocass/askapsoft", Scratch: "/scratch"}, nil)
	if err != nil {
		t.Fatalf("NewDockerExecutor: %v", err)
	}
	_, err = exec.Submit(context.Background(), JobSpec{ConfigPath: config, WorkDir: work})
	if !errors.Is(err, domain.ErrPrecondition) || !errors.Is(err, ErrImageRefNotFound) {
		t.Fatalf("expected missing image precondition, got %v", err)
	}
}

func TestDockerExecutorRunFailure(t *testing.T) {
	bin := t.TempDir()
	work := t.TempDir()
	config := touch(t, filepath.Join(work, "linmos.conf"))
	docker := fakeBin(t, bin, "docker", `if [ "$1" = "image" ]; then echo sha256:abc; exit 0; fi; echo boom; exit 2`)

	exec, err := NewDockerExecutor(DockerConfig{DockerBin: docker, Image: "csirocass/askapsoft"}, nil)
	if err != nil {
		t.Fatalf("NewDockerExecutor: %v", err)
	}
	sub, err := exec.Submit(context.Background(), JobSpec{ConfigPath: config, WorkDir: work})
	if !errors.Is(err, domain.ErrMosaicExecution) {
		t.Fatalf("expected execution error, got %v", err)
	}
	if sub.ExitCode != 2 {
		t.Fatalf("exit code = %d", sub.ExitCode)
	}
}

func TestMounts(t *testing.T) {
	if got := mounts("/scratch", "/scratch/ja3/out"); len(got) != 1 || got[0] != "/scratch" {
		t.Fatalf("nested workdir: %v", got)
	}
	if got := mounts("/scratch", "/home/u/out"); len(got) != 2 {
		t.Fatalf("separate workdir: %v", got)
	}
	if got := mounts("", "/home/u/out"); len(got) != 1 || got[0] != "/home/u/out" {
		t.Fatalf("no scratch: %v", got)
	}
}
