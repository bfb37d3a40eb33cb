package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/build"
	"github.com/slipwayhq/slipway/internal/image"
	"github.com/slipwayhq/slipway/internal/release"
	"github.com/slipwayhq/slipway/internal/source"
	"github.com/slipwayhq/slipway/internal/staging"
)

// recorder tracks the order in which stage components run.
type recorder struct {
	calls []string
}

type fakeFetcher struct {
	rec *recorder
	res *source.Resolution
	err error
}

func (f *fakeFetcher) Fetch(ctx context.Context, dir string) (*source.Resolution, error) {
	f.rec.calls = append(f.rec.calls, "fetch")
	return f.res, f.err
}

type fakeRelease struct {
	rec *recorder
	rel *release.Release
	err error
}

func (f *fakeRelease) Resolve(ctx context.Context) (*release.Release, error) {
	f.rec.calls = append(f.rec.calls, "release")
	return f.rel, f.err
}

type fakeSteps struct {
	rec     *recorder
	results []build.Result
	err     error
	cancel  context.CancelFunc
}

func (f *fakeSteps) Execute(ctx context.Context) ([]build.Result, error) {
	f.rec.calls = append(f.rec.calls, "build")
	if f.cancel != nil {
		f.cancel()
	}
	return f.results, f.err
}

type fakeSelector struct {
	rec   *recorder
	count int
	err   error
}

func (f *fakeSelector) Select() (int, error) {
	f.rec.calls = append(f.rec.calls, "select")
	return f.count, f.err
}

type fakeComposer struct {
	rec     *recorder
	summary *image.Summary
	err     error
	gotAnn  map[string]string
}

func (f *fakeComposer) Compose(ctx context.Context, annotations map[string]string) (*image.Summary, error) {
	f.rec.calls = append(f.rec.calls, "compose")
	f.gotAnn = annotations
	return f.summary, f.err
}

func testResolution() *source.Resolution {
	return &source.Resolution{
		Repository: "https://github.com/acme/app.git",
		Ref:        "main",
		Commit:     strings.Repeat("a", 40),
	}
}

// newTestPipeline wires a pipeline whose every stage succeeds.
func newTestPipeline() (*Pipeline, *recorder) {
	rec := &recorder{}
	p := &Pipeline{
		RunID:    "test-run",
		Worktree: "/tmp/unused",
		Source:   &fakeFetcher{rec: rec, res: testResolution()},
		Release: &fakeRelease{rec: rec, rel: &release.Release{
			Version: "2026.08.22.1",
			Tag:     "v2026.08.22.1",
			Auto:    true,
		}},
		Steps: &fakeSteps{rec: rec, results: []build.Result{
			{Step: "install", Attempt: build.AttemptPrimary, ExitCode: 0},
			{Step: "compile", Attempt: build.AttemptPrimary, ExitCode: 0},
		}},
		Artifacts: &fakeSelector{rec: rec, count: 3},
		Image: &fakeComposer{rec: rec, summary: &image.Summary{
			Path:   "/out/image.tar",
			Digest: "sha256:abc",
			Layers: 2,
		}},
	}
	return p, rec
}

func TestRunHappyPath(t *testing.T) {
	p, rec := newTestPipeline()

	report := p.Run(context.Background())

	if report.State != StateDone {
		t.Fatalf("report.State = %q, want %q (failure: %+v)", report.State, StateDone, report.Failure)
	}
	wantOrder := []string{"fetch", "release", "build", "select", "compose"}
	if !reflect.DeepEqual(rec.calls, wantOrder) {
		t.Errorf("stage order = %v, want %v", rec.calls, wantOrder)
	}
	if report.RunID != "test-run" {
		t.Errorf("report.RunID = %q, want %q", report.RunID, "test-run")
	}
	if report.Source == nil || report.Source.Commit != strings.Repeat("a", 40) {
		t.Errorf("report.Source = %+v", report.Source)
	}
	if report.Release == nil || report.Release.Version != "2026.08.22.1" {
		t.Errorf("report.Release = %+v", report.Release)
	}
	if len(report.Steps) != 2 {
		t.Errorf("report has %d step results, want 2", len(report.Steps))
	}
	if report.Image == nil || report.Image.Digest != "sha256:abc" {
		t.Errorf("report.Image = %+v", report.Image)
	}
	if report.Failure != nil {
		t.Errorf("report.Failure = %+v, want nil", report.Failure)
	}
	if report.DurationMS < 0 {
		t.Errorf("report.DurationMS = %d", report.DurationMS)
	}
}

func TestRunAnnotatesImage(t *testing.T) {
	p, _ := newTestPipeline()

	p.Run(context.Background())

	composer := p.Image.(*fakeComposer)
	want := map[string]string{
		"org.opencontainers.image.source":   "https://github.com/acme/app.git",
		"org.opencontainers.image.revision": strings.Repeat("a", 40),
		"org.opencontainers.image.version":  "2026.08.22.1",
	}
	if !reflect.DeepEqual(composer.gotAnn, want) {
		t.Errorf("annotations = %v, want %v", composer.gotAnn, want)
	}
}

func TestRunWithoutRelease(t *testing.T) {
	p, rec := newTestPipeline()
	p.Release = nil

	report := p.Run(context.Background())

	if report.State != StateDone {
		t.Fatalf("report.State = %q, want %q", report.State, StateDone)
	}
	if report.Release != nil {
		t.Errorf("report.Release = %+v, want nil", report.Release)
	}
	wantOrder := []string{"fetch", "build", "select", "compose"}
	if !reflect.DeepEqual(rec.calls, wantOrder) {
		t.Errorf("stage order = %v, want %v", rec.calls, wantOrder)
	}
}

func TestRunFailureClassification(t *testing.T) {
	tests := []struct {
		name     string
		wire     func(p *Pipeline, rec *recorder)
		wantKind Kind
		wantAt   State
		check    func(t *testing.T, f *Failure)
	}{
		{
			name: "source unavailable",
			wire: func(p *Pipeline, rec *recorder) {
				p.Source = &fakeFetcher{rec: rec, err: errors.Wrapf(source.ErrUnavailable, "remote down")}
			},
			wantKind: KindSourceUnavailable,
			wantAt:   StateResolving,
		},
		{
			name: "ambiguous ref",
			wire: func(p *Pipeline, rec *recorder) {
				p.Source = &fakeFetcher{rec: rec, err: errors.Wrapf(source.ErrAmbiguousRef, "release matches 2 refs")}
			},
			wantKind: KindAmbiguousRef,
			wantAt:   StateResolving,
		},
		{
			name: "build step failed",
			wire: func(p *Pipeline, rec *recorder) {
				p.Steps = &fakeSteps{
					rec:     rec,
					results: []build.Result{{Step: "compile", Attempt: build.AttemptPrimary, ExitCode: 2}},
					err:     &build.StepError{Step: "compile", ExitCode: 2},
				}
			},
			wantKind: KindBuildStepFailed,
			wantAt:   StateBuilding,
			check: func(t *testing.T, f *Failure) {
				if f.Step != "compile" {
					t.Errorf("failure.Step = %q, want %q", f.Step, "compile")
				}
				if f.ExitCode != 2 {
					t.Errorf("failure.ExitCode = %d, want 2", f.ExitCode)
				}
			},
		},
		{
			name: "artifact missing",
			wire: func(p *Pipeline, rec *recorder) {
				p.Artifacts = &fakeSelector{rec: rec, err: &staging.MissingError{Source: "dist", Dest: "/app"}}
			},
			wantKind: KindArtifactMissing,
			wantAt:   StateSelecting,
			check: func(t *testing.T, f *Failure) {
				if f.Rule != "dist" {
					t.Errorf("failure.Rule = %q, want %q", f.Rule, "dist")
				}
			},
		},
		{
			name: "staging empty",
			wire: func(p *Pipeline, rec *recorder) {
				p.Image = &fakeComposer{rec: rec, err: errors.Wrapf(image.ErrStagingEmpty, "/runs/x/staging")}
			},
			wantKind: KindStagingEmpty,
			wantAt:   StateComposing,
		},
		{
			name: "base image unavailable",
			wire: func(p *Pipeline, rec *recorder) {
				p.Image = &fakeComposer{rec: rec, err: errors.Wrapf(image.ErrBaseUnavailable, "no such file")}
			},
			wantKind: KindBaseImageUnavailable,
			wantAt:   StateComposing,
		},
		{
			name: "unclassified",
			wire: func(p *Pipeline, rec *recorder) {
				p.Steps = &fakeSteps{rec: rec, err: errors.New("runtime exploded")}
			},
			wantKind: KindError,
			wantAt:   StateBuilding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, rec := newTestPipeline()
			tt.wire(p, rec)

			report := p.Run(context.Background())

			if report.State != StateFailed {
				t.Fatalf("report.State = %q, want %q", report.State, StateFailed)
			}
			if report.Failure == nil {
				t.Fatal("report.Failure is nil")
			}
			if report.Failure.Kind != tt.wantKind {
				t.Errorf("failure.Kind = %q, want %q", report.Failure.Kind, tt.wantKind)
			}
			if report.Failure.State != tt.wantAt {
				t.Errorf("failure.State = %q, want %q", report.Failure.State, tt.wantAt)
			}
			if report.Failure.Message == "" {
				t.Error("failure.Message is empty")
			}
			if tt.check != nil {
				tt.check(t, report.Failure)
			}
		})
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	p, rec := newTestPipeline()
	p.Artifacts = &fakeSelector{rec: rec, err: &staging.MissingError{Source: "dist", Dest: "/app"}}

	report := p.Run(context.Background())

	wantOrder := []string{"fetch", "release", "build", "select"}
	if !reflect.DeepEqual(rec.calls, wantOrder) {
		t.Errorf("stage order = %v, want %v", rec.calls, wantOrder)
	}
	if len(report.Steps) != 2 {
		t.Errorf("report lost the completed step results: %+v", report.Steps)
	}
	if report.Source == nil {
		t.Error("report lost the source resolution")
	}
}

func TestRunKeepsStepResultsOnBuildFailure(t *testing.T) {
	p, rec := newTestPipeline()
	failed := []build.Result{
		{Step: "install", Attempt: build.AttemptPrimary, ExitCode: 0},
		{Step: "compile", Attempt: build.AttemptPrimary, ExitCode: 1, Log: "boom\n"},
	}
	p.Steps = &fakeSteps{rec: rec, results: failed, err: &build.StepError{Step: "compile", ExitCode: 1}}

	report := p.Run(context.Background())

	if !reflect.DeepEqual(report.Steps, failed) {
		t.Errorf("report.Steps = %+v, want the partial results", report.Steps)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	p, rec := newTestPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := p.Run(ctx)

	if report.State != StateFailed {
		t.Fatalf("report.State = %q, want %q", report.State, StateFailed)
	}
	if report.Failure.Kind != KindCancelled {
		t.Errorf("failure.Kind = %q, want %q", report.Failure.Kind, KindCancelled)
	}
	if report.Failure.State != StateInit {
		t.Errorf("failure.State = %q, want %q", report.Failure.State, StateInit)
	}
	if len(rec.calls) != 0 {
		t.Errorf("stages ran despite cancellation: %v", rec.calls)
	}
}

func TestRunCancelledBetweenStages(t *testing.T) {
	p, rec := newTestPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	p.Steps = &fakeSteps{
		rec: rec,
		results: []build.Result{
			{Step: "install", Attempt: build.AttemptPrimary, ExitCode: 0},
		},
		cancel: cancel,
	}

	report := p.Run(ctx)

	if report.Failure == nil || report.Failure.Kind != KindCancelled {
		t.Fatalf("report.Failure = %+v, want cancelled", report.Failure)
	}
	if report.Failure.State != StateBuilding {
		t.Errorf("failure.State = %q, want %q", report.Failure.State, StateBuilding)
	}
	wantOrder := []string{"fetch", "release", "build"}
	if !reflect.DeepEqual(rec.calls, wantOrder) {
		t.Errorf("stage order = %v, want %v", rec.calls, wantOrder)
	}
	if len(report.Steps) != 1 {
		t.Errorf("report lost the completed step results: %+v", report.Steps)
	}
}

func TestReportWrite(t *testing.T) {
	p, _ := newTestPipeline()
	report := p.Run(context.Background())

	var buf bytes.Buffer
	if err := report.Write(&buf); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if decoded["state"] != "done" {
		t.Errorf("state = %v, want done", decoded["state"])
	}
	if decoded["run_id"] != "test-run" {
		t.Errorf("run_id = %v, want test-run", decoded["run_id"])
	}
	if _, ok := decoded["failure"]; ok {
		t.Error("successful report carries a failure block")
	}
}

func TestReportWriteFailure(t *testing.T) {
	p, rec := newTestPipeline()
	p.Steps = &fakeSteps{rec: rec, err: &build.StepError{Step: "compile", ExitCode: 7}}
	report := p.Run(context.Background())

	var buf bytes.Buffer
	if err := report.Write(&buf); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	var decoded struct {
		State   string `json:"state"`
		Failure struct {
			AtState  string `json:"at_state"`
			Kind     string `json:"kind"`
			Step     string `json:"step"`
			ExitCode int    `json:"exit_code"`
		} `json:"failure"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if decoded.State != "failed" {
		t.Errorf("state = %q, want failed", decoded.State)
	}
	if decoded.Failure.AtState != "building" {
		t.Errorf("failure.at_state = %q, want building", decoded.Failure.AtState)
	}
	if decoded.Failure.Kind != "build_step_failed" {
		t.Errorf("failure.kind = %q, want build_step_failed", decoded.Failure.Kind)
	}
	if decoded.Failure.Step != "compile" || decoded.Failure.ExitCode != 7 {
		t.Errorf("failure step/exit = %q/%d, want compile/7", decoded.Failure.Step, decoded.Failure.ExitCode)
	}
}

func TestWorkspace(t *testing.T) {
	base := t.TempDir()

	ws, err := NewWorkspace(base, "run-1")
	if err != nil {
		t.Fatalf("NewWorkspace() error: %v", err)
	}
	if ws.Root != filepath.Join(base, "run-1") {
		t.Errorf("ws.Root = %q", ws.Root)
	}
	if _, err := os.Stat(ws.Root); err != nil {
		t.Fatalf("workspace directory missing: %v", err)
	}
	if got, want := ws.Source(), filepath.Join(ws.Root, "source"); got != want {
		t.Errorf("ws.Source() = %q, want %q", got, want)
	}
	if got, want := ws.Staging(), filepath.Join(ws.Root, "staging"); got != want {
		t.Errorf("ws.Staging() = %q, want %q", got, want)
	}

	if err := ws.Remove(); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if _, err := os.Stat(ws.Root); !os.IsNotExist(err) {
		t.Errorf("workspace still present after Remove: %v", err)
	}
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == "" || a == b {
		t.Errorf("NewRunID() = %q, %q; want distinct non-empty ids", a, b)
	}
}
