package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/manifest"
)

// Marker prepended to an attempt's log when older output was discarded.
const truncationNote = "[earlier output truncated]\n"

// Runs a single resolved command, streaming combined output to out.
//
// A non-zero exit code is not an error; the error return is reserved for
// commands that could not be run at all.
type Runner interface {
	Run(ctx context.Context, cmd Command, out io.Writer) (int, error)
}

// Configures step execution.
type Options struct {
	Steps    []manifest.Step
	Env      map[string]string // Pipeline-level env applied to every step.
	LogLimit int               // Log bytes retained per attempt; 0 means DefaultLogLimit.
	Echo     io.Writer         // Optional live copy of all output, e.g. for verbose mode.
}

// Executes a step list against a runner.
type Executor struct {
	runner Runner
	opts   Options
}

func NewExecutor(runner Runner, opts Options) *Executor {
	return &Executor{runner: runner, opts: opts}
}

// Executes all steps strictly in order.
//
// A failing primary command is retried once via the step's fallback. If
// the final attempt of a step fails and the step does not allow failure,
// execution aborts with a [StepError] and later steps never run. Results
// for every attempt made are returned even when execution aborts.
//
// Cancellation is honored between steps only; an in-flight command always
// runs to completion.
func (e *Executor) Execute(ctx context.Context) ([]Result, error) {
	var results []Result

	for _, step := range e.opts.Steps {
		if err := ctx.Err(); err != nil {
			return results, errors.Wrapf(err, "build interrupted before step %q", step.Name)
		}

		attempts, ok := e.runStep(ctx, step)
		results = append(results, attempts...)
		if ok {
			continue
		}

		last := attempts[len(attempts)-1]
		if step.AllowFailure {
			results[len(results)-1].Allowed = true
			slog.Warn("step failed, continuing",
				"step", step.Name,
				"exit_code", last.ExitCode,
			)
			continue
		}

		return results, &StepError{Step: step.Name, ExitCode: last.ExitCode}
	}

	return results, nil
}

// Runs one step, attempting the fallback command when the primary fails.
func (e *Executor) runStep(ctx context.Context, step manifest.Step) ([]Result, bool) {
	slog.Info(fmt.Sprintf("running step %q", step.Name))

	primary := e.attempt(ctx, step, AttemptPrimary, step.Run)
	if primary.OK() || step.Fallback == "" {
		return []Result{primary}, primary.OK()
	}

	slog.Warn("primary command failed, trying fallback",
		"step", step.Name,
		"exit_code", primary.ExitCode,
	)

	fallback := e.attempt(ctx, step, AttemptFallback, step.Fallback)
	return []Result{primary, fallback}, fallback.OK()
}

// Runs a single command attempt and captures its outcome.
//
// Runner failures (command impossible to start) are folded into the log
// and recorded as [StartFailureCode] so the report always carries an
// attempt entry.
func (e *Executor) attempt(ctx context.Context, step manifest.Step, attempt Attempt, script string) Result {
	slog.Debug("attempt", "step", step.Name, "kind", attempt, "command", script)

	buf := newTailBuffer(e.opts.LogLimit)
	var out io.Writer = buf
	if e.opts.Echo != nil {
		out = io.MultiWriter(buf, e.opts.Echo)
	}

	start := time.Now()
	code, err := e.runner.Run(ctx, command(step, script, e.opts.Env), out)
	if err != nil {
		code = StartFailureCode
		fmt.Fprintf(out, "slipway: %v\n", err)
	}

	log := buf.String()
	if buf.Truncated() {
		log = truncationNote + log
	}

	return Result{
		Step:       step.Name,
		Attempt:    attempt,
		ExitCode:   code,
		DurationMS: time.Since(start).Milliseconds(),
		Log:        log,
	}
}
