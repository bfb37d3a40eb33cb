package source

import "errors"

var (
	ErrUnavailable  = errors.New("source unavailable")
	ErrAmbiguousRef = errors.New("ambiguous ref")
)
