package image

import "github.com/pkg/errors"

var (
	// ErrBaseUnavailable indicates that the base image could not be read,
	// either because the layout is missing or because its contents are
	// incomplete or corrupt.
	ErrBaseUnavailable = errors.New("base image unavailable")

	// ErrStagingEmpty indicates that the staging directory holds no files,
	// so there is nothing to compose into a layer.
	ErrStagingEmpty = errors.New("staging directory is empty")
)
