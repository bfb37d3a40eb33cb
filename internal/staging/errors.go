package staging

import "fmt"

// Reported when a required artifact rule matches nothing.
type MissingError struct {
	Source string
	Dest   string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("required artifact %q not produced by the build", e.Source)
}
