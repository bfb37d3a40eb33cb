package build

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
)

// Runs commands directly on the host via the shell.
//
// The host's environment is inherited so toolchains on PATH keep working;
// step env entries override it.
type HostRunner struct {
	Root  string // Source tree root; step workdirs resolve beneath it.
	Shell string // Shell binary, defaulting to /bin/sh.
}

func NewHostRunner(root string) *HostRunner {
	return &HostRunner{Root: root, Shell: defaultShell}
}

func (r *HostRunner) Run(ctx context.Context, cmd Command, out io.Writer) (int, error) {
	shell := r.Shell
	if shell == "" {
		shell = defaultShell
	}

	// A started step runs to completion; the executor handles
	// cancellation between steps.
	_ = ctx

	c := exec.Command(shell, "-c", cmd.Script)
	c.Dir = filepath.Join(r.Root, cmd.Dir)
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdout = out
	c.Stderr = out

	err := c.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "starting %q", cmd.Script)
	}

	return 0, nil
}
