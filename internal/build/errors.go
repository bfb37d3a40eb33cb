package build

import "fmt"

// Reported when a step's final attempt fails and the step does not allow
// failure. The exit code is the failing attempt's, or [StartFailureCode]
// when the command could not be started at all.
type StepError struct {
	Step     string
	ExitCode int
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed with exit code %d", e.Step, e.ExitCode)
}
