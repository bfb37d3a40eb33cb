package build

import (
	"context"
	"io"
	"path"

	"github.com/slipwayhq/slipway/internal/runtime"
)

// Runs commands inside a started builder container.
//
// Step workdirs resolve beneath the worktree bind mount.
type ContainerRunner struct {
	ctr *runtime.Container
}

func (r *ContainerRunner) Run(ctx context.Context, cmd Command, out io.Writer) (int, error) {
	return r.ctr.Exec(ctx, defaultShell, cmd.Script, cmd.Env, path.Join(runtime.WorktreeMount, cmd.Dir), out)
}

// Configures a containerized build environment.
type ContainerConfig struct {
	Archive   string // Path to the builder image archive.
	Platform  string // Target platform; empty selects the host platform.
	Address   string // containerd socket; empty uses the runtime default.
	Namespace string // containerd namespace; empty uses the runtime default.
	ID        string // Container identifier, unique per run.
	Worktree  string // Host path of the fetched source tree.
}

// Executes steps inside a containerd-backed builder container.
//
// The builder image is imported from its archive, a container is started
// with the worktree bind mounted, all steps run as execs in that container,
// and the container is destroyed when execution finishes.
type ContainerExecutor struct {
	cfg  ContainerConfig
	opts Options
}

func NewContainerExecutor(cfg ContainerConfig, opts Options) *ContainerExecutor {
	return &ContainerExecutor{cfg: cfg, opts: opts}
}

func (e *ContainerExecutor) Execute(ctx context.Context) ([]Result, error) {
	rt, err := runtime.New(e.cfg.Address, e.cfg.Namespace)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	ctr, err := rt.StartBuilder(ctx, e.cfg.Archive, e.cfg.ID, e.cfg.Platform, e.cfg.Worktree)
	if err != nil {
		return nil, err
	}
	// Cleanup must run even when the build was cancelled.
	defer ctr.Destroy(context.WithoutCancel(ctx))

	return NewExecutor(&ContainerRunner{ctr: ctr}, e.opts).Execute(ctx)
}
