package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal"
	"github.com/slipwayhq/slipway/internal/build"
	"github.com/slipwayhq/slipway/internal/image"
	"github.com/slipwayhq/slipway/internal/manifest"
	"github.com/slipwayhq/slipway/internal/paths"
	"github.com/slipwayhq/slipway/internal/pipeline"
	"github.com/slipwayhq/slipway/internal/release"
	"github.com/slipwayhq/slipway/internal/source"
	"github.com/slipwayhq/slipway/internal/staging"
)

// Represents the "run" command, which executes the full pipeline for a
// manifest.
type RunCmd struct {
	Manifest  string `arg:"" default:"slipway.yaml" type:"path" help:"Path to the pipeline manifest."`
	Report    string `short:"o" help:"Write the run report to a file instead of stdout." placeholder:"PATH"`
	Workspace string `type:"path" help:"Base directory for run workspaces." placeholder:"DIR"`
	Output    string `type:"path" help:"Directory for the composed image archive." placeholder:"DIR"`
	Keep      bool   `help:"Keep the run workspace after a successful run."`
	Version   string `help:"Release version to use. Pass 'auto' to force a date version." placeholder:"VERSION"`
	Token     string `env:"GITHUB_TOKEN" help:"GitHub token for release lookups."`
	Stamp     bool   `help:"Write the resolved version back into the version file."`
}

// Runs the pipeline and writes the report.
//
// On failure the workspace is kept for inspection and the report names
// the stage that was reached.
func (c *RunCmd) Run(ctx context.Context) error {

	m, err := manifest.Load(c.Manifest)
	if err != nil {
		return err
	}

	base := paths.Runs()
	if c.Workspace != "" {
		base = c.Workspace
	}

	runID := pipeline.NewRunID()
	ws, err := pipeline.NewWorkspace(base, runID)
	if err != nil {
		return err
	}

	p := &pipeline.Pipeline{
		RunID:     runID,
		Worktree:  ws.Source(),
		Source:    source.NewResolver(m.Source),
		Release:   c.release(m),
		Steps:     c.executor(m, ws, runID),
		Artifacts: staging.NewSelector(ws.Source(), ws.Staging(), m.Artifacts),
		Image:     c.composer(m, ws),
	}

	report := p.Run(ctx)

	if err := c.writeReport(report); err != nil {
		return err
	}

	if report.Failed() {
		slog.Info("workspace kept for inspection", "path", ws.Root)
		return errors.Errorf("run failed at %s: %s", report.Failure.State, report.Failure.Message)
	}

	if c.Stamp && report.Release != nil {
		if err := c.stampRelease(m, report.Release); err != nil {
			return err
		}
	}

	if !c.Keep {
		if err := ws.Remove(); err != nil {
			slog.Warn("workspace cleanup failed", "path", ws.Root, "error", err)
		}
	}

	return nil
}

// Builds the release resolver for the run, or nil when the manifest
// does not configure releases and no version was given.
func (c *RunCmd) release(m *manifest.Manifest) pipeline.ReleaseResolver {
	switch {
	case c.Version != "" && c.Version != "auto":
		return staticRelease{release.Manual(strings.TrimPrefix(c.Version, "v"))}
	case c.Version == "auto":
		return &release.Resolver{VersionFile: releaseVersionFile(m)}
	case m.Release != nil:
		return &release.Resolver{
			GitHub:      m.Release.GitHub,
			Token:       c.Token,
			VersionFile: m.Abs(m.Release.VersionFile),
		}
	default:
		return nil
	}
}

// Adapts a fixed release to the resolver interface.
type staticRelease struct {
	rel *release.Release
}

func (s staticRelease) Resolve(ctx context.Context) (*release.Release, error) {
	return s.rel, nil
}

func releaseVersionFile(m *manifest.Manifest) string {
	if m.Release == nil {
		return ""
	}
	return m.Abs(m.Release.VersionFile)
}

// Builds the step executor, containerized when the manifest asks for
// it.
func (c *RunCmd) executor(m *manifest.Manifest, ws *pipeline.Workspace, runID string) pipeline.StepExecutor {
	var echo io.Writer
	if internal.IsVerbose() {
		echo = os.Stderr
	}

	opts := build.Options{
		Steps: m.Build.Steps,
		Env:   m.Build.Env,
		Echo:  echo,
	}

	if ctr := m.Build.Container; ctr != nil {
		return build.NewContainerExecutor(build.ContainerConfig{
			Archive:  m.Abs(ctr.Image),
			Platform: ctr.Platform,
			Address:  RootCmd.Containerd,
			ID:       internal.Name + "-" + runID,
			Worktree: ws.Source(),
		}, opts)
	}

	return build.NewExecutor(build.NewHostRunner(ws.Source()), opts)
}

func (c *RunCmd) composer(m *manifest.Manifest, ws *pipeline.Workspace) *image.Composer {
	output := m.Abs(m.Image.Output)
	if c.Output != "" {
		output = c.Output
	}

	return &image.Composer{
		Base:    baseImagePath(m),
		Staging: ws.Staging(),
		Output:  output,
		Spec:    m.Image,
		RefName: m.Image.Name,
	}
}

// Locates the base image archive, checking the manifest directory first
// and the image cache second. When neither exists, the manifest-local
// path is returned so the failure names it.
func baseImagePath(m *manifest.Manifest) string {
	local := m.Abs(m.Image.Base)
	if _, err := os.Stat(local); err == nil {
		return local
	}

	cached := filepath.Join(paths.Images(), m.Image.Base)
	if _, err := os.Stat(cached); err == nil {
		return cached
	}

	return local
}

func (c *RunCmd) writeReport(report *pipeline.Report) error {
	if c.Report == "" {
		return report.Write(os.Stdout)
	}

	f, err := os.Create(c.Report)
	if err != nil {
		return errors.Wrapf(err, "creating report file")
	}
	defer f.Close()

	return report.Write(f)
}

// Writes the resolved version and changelog back to the manifest's
// release files.
func (c *RunCmd) stampRelease(m *manifest.Manifest, rel *release.Release) error {
	if m.Release == nil {
		slog.Warn("no release section in manifest, skipping stamp")
		return nil
	}

	if err := release.Stamp(m.Abs(m.Release.VersionFile), rel.Version); err != nil {
		return err
	}
	if err := release.WriteChangelog(m.Abs(m.Release.Changelog), rel); err != nil {
		return err
	}

	slog.Info("release stamped", "version", rel.Version, "file", m.Release.VersionFile)
	return nil
}
