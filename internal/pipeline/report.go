package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/build"
	"github.com/slipwayhq/slipway/internal/image"
	"github.com/slipwayhq/slipway/internal/release"
	"github.com/slipwayhq/slipway/internal/source"
	"github.com/slipwayhq/slipway/internal/staging"
)

// State identifies a stage of a run.
type State string

const (
	StateInit      State = "init"
	StateResolving State = "resolving"
	StateBuilding  State = "building"
	StateSelecting State = "selecting"
	StateComposing State = "composing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Kind classifies a run failure.
type Kind string

const (
	KindSourceUnavailable    Kind = "source_unavailable"
	KindAmbiguousRef         Kind = "ambiguous_ref"
	KindBuildStepFailed      Kind = "build_step_failed"
	KindArtifactMissing      Kind = "artifact_missing"
	KindBaseImageUnavailable Kind = "base_image_unavailable"
	KindStagingEmpty         Kind = "staging_empty"
	KindCancelled            Kind = "cancelled"
	KindError                Kind = "error"
)

// Report is the machine readable record of a run.
//
// State is the terminal state: done, or failed with the failure block
// describing the stage that was reached and why it did not complete.
// Stage outputs are filled in as stages finish, so a failed report
// still carries everything produced before the failure.
type Report struct {
	RunID      string             `json:"run_id"`
	State      State              `json:"state"`
	StartedAt  time.Time          `json:"started_at"`
	DurationMS int64              `json:"duration_ms"`
	Source     *source.Resolution `json:"source,omitempty"`
	Release    *release.Release   `json:"release,omitempty"`
	Steps      []build.Result     `json:"steps,omitempty"`
	Image      *image.Summary     `json:"image,omitempty"`
	Failure    *Failure           `json:"failure,omitempty"`
}

// Failure describes why and where a run stopped.
type Failure struct {
	State    State  `json:"at_state"`
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
	Step     string `json:"step,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Rule     string `json:"rule,omitempty"`
}

// Failed reports whether the run ended in the failed state.
func (r *Report) Failed() bool {
	return r.State == StateFailed
}

// Write encodes the report as indented JSON.
func (r *Report) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return errors.Wrap(err, "encoding report")
	}
	return nil
}

// classify maps an error onto the failure taxonomy. The caller fills in
// the state.
func classify(err error) *Failure {
	f := &Failure{Kind: KindError, Message: err.Error()}

	var stepErr *build.StepError
	var missing *staging.MissingError
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		f.Kind = KindCancelled
	case errors.As(err, &stepErr):
		f.Kind = KindBuildStepFailed
		f.Step = stepErr.Step
		f.ExitCode = stepErr.ExitCode
	case errors.As(err, &missing):
		f.Kind = KindArtifactMissing
		f.Rule = missing.Source
	case errors.Is(err, source.ErrAmbiguousRef):
		f.Kind = KindAmbiguousRef
	case errors.Is(err, source.ErrUnavailable):
		f.Kind = KindSourceUnavailable
	case errors.Is(err, image.ErrStagingEmpty):
		f.Kind = KindStagingEmpty
	case errors.Is(err, image.ErrBaseUnavailable):
		f.Kind = KindBaseImageUnavailable
	}
	return f
}
