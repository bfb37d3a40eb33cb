package pipeline

import (
	"context"
	"log/slog"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/build"
	"github.com/slipwayhq/slipway/internal/image"
	"github.com/slipwayhq/slipway/internal/release"
	"github.com/slipwayhq/slipway/internal/source"
)

// SourceFetcher materializes the pinned source snapshot into a
// directory.
type SourceFetcher interface {
	Fetch(ctx context.Context, dir string) (*source.Resolution, error)
}

// StepExecutor runs the build steps over the fetched source.
type StepExecutor interface {
	Execute(ctx context.Context) ([]build.Result, error)
}

// ArtifactSelector stages build outputs and returns how many files it
// staged.
type ArtifactSelector interface {
	Select() (int, error)
}

// ImageComposer assembles the output image from the staged artifact.
type ImageComposer interface {
	Compose(ctx context.Context, annotations map[string]string) (*image.Summary, error)
}

// ReleaseResolver determines the release version for the run.
type ReleaseResolver interface {
	Resolve(ctx context.Context) (*release.Release, error)
}

// Pipeline runs the stages of one build in order.
//
// Release is optional; the other components are required. Worktree is
// the directory the source is fetched into and the build runs in.
type Pipeline struct {
	RunID    string
	Worktree string

	Source    SourceFetcher
	Release   ReleaseResolver
	Steps     StepExecutor
	Artifacts ArtifactSelector
	Image     ImageComposer
}

// Run executes the stages strictly in order and always returns a
// report.
//
// The first failing stage ends the run; there are no retries and later
// stages do not start. Cancellation is checked on every stage boundary,
// and a stage that has started is left to finish.
func (p *Pipeline) Run(ctx context.Context) *Report {
	report := &Report{RunID: p.RunID, State: StateInit, StartedAt: time.Now().UTC()}
	defer func() {
		report.DurationMS = time.Since(report.StartedAt).Milliseconds()
	}()

	slog.Info("run started", "run", p.RunID)

	if !p.enter(ctx, report, StateResolving) {
		return report
	}
	res, err := p.Source.Fetch(ctx, p.Worktree)
	if err != nil {
		return p.fail(report, err)
	}
	report.Source = res
	if p.Release != nil {
		rel, err := p.Release.Resolve(ctx)
		if err != nil {
			return p.fail(report, err)
		}
		report.Release = rel
	}

	if !p.enter(ctx, report, StateBuilding) {
		return report
	}
	steps, err := p.Steps.Execute(ctx)
	report.Steps = steps
	if err != nil {
		return p.fail(report, err)
	}

	if !p.enter(ctx, report, StateSelecting) {
		return report
	}
	if _, err := p.Artifacts.Select(); err != nil {
		return p.fail(report, err)
	}

	if !p.enter(ctx, report, StateComposing) {
		return report
	}
	summary, err := p.Image.Compose(ctx, p.annotations(report))
	if err != nil {
		return p.fail(report, err)
	}
	report.Image = summary

	report.State = StateDone
	slog.Info("run finished", "run", p.RunID, "duration_ms", time.Since(report.StartedAt).Milliseconds())
	return report
}

// enter advances the report into the next stage unless the run was
// cancelled on the boundary, in which case the report fails at the
// stage it had reached.
func (p *Pipeline) enter(ctx context.Context, report *Report, next State) bool {
	if err := ctx.Err(); err != nil {
		p.fail(report, errors.Wrapf(err, "run interrupted before %s", next))
		return false
	}
	report.State = next
	slog.Debug("entering stage", "run", p.RunID, "state", next)
	return true
}

func (p *Pipeline) fail(report *Report, err error) *Report {
	failure := classify(err)
	failure.State = report.State
	report.State = StateFailed
	report.Failure = failure

	slog.Error("run failed",
		"run", p.RunID,
		"at", failure.State,
		"kind", failure.Kind,
		"error", err,
	)
	return report
}

// annotations derives the OCI annotations recorded on the composed
// image from what the run has resolved so far.
func (p *Pipeline) annotations(report *Report) map[string]string {
	ann := make(map[string]string, 3)
	if report.Source != nil {
		ann[ocispec.AnnotationSource] = report.Source.Repository
		ann[ocispec.AnnotationRevision] = report.Source.Commit
	}
	if report.Release != nil {
		ann[ocispec.AnnotationVersion] = report.Release.Version
	}
	return ann
}
