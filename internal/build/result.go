package build

// Which command of a step an attempt ran.
type Attempt string

const (
	AttemptPrimary  Attempt = "primary"
	AttemptFallback Attempt = "fallback"
)

// Exit code recorded when a command could not be started.
const StartFailureCode = -1

// The outcome of one command attempt.
//
// Every attempt produces a result, including failed primaries that were
// retried via a fallback and failures tolerated by allow_failure.
type Result struct {
	Step       string  `json:"step"`
	Attempt    Attempt `json:"attempt"`
	ExitCode   int     `json:"exit_code"`
	DurationMS int64   `json:"duration_ms"`
	Allowed    bool    `json:"allowed_failure,omitempty"`
	Log        string  `json:"log,omitempty"`
}

// Reports whether the attempt exited successfully.
func (r Result) OK() bool {
	return r.ExitCode == 0
}
