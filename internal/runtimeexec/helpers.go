package runtimeexec

import (
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/animus-labs/cubemosaic/internal/domain"
)

const outputTailLines = 20

// requireFile reports ErrPrecondition unless path names an existing regular file.
func requireFile(what, path string) error {
	if strings.TrimSpace(path) == "" {
		return domain.Errorf(domain.ErrPrecondition, component, what, "path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return domain.Errorf(domain.ErrPrecondition, component, path, "%s not found", what)
	}
	if info.IsDir() {
		return domain.Errorf(domain.ErrPrecondition, component, path, "%s is a directory", what)
	}
	return nil
}

// tail keeps the last lines of command output for error messages.
func tail(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > outputTailLines {
		lines = lines[len(lines)-outputTailLines:]
	}
	return strings.Join(lines, "\n")
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func defaultBin(bin, fallback string) string {
	if bin = strings.TrimSpace(bin); bin != "" {
		return bin
	}
	return fallback
}
