package pipeline

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/paths"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Workspace is the on-disk scratch area of a single run. Each run gets
// its own directory, so concurrent runs never share state.
type Workspace struct {
	Root string
}

// NewWorkspace creates the workspace directory for a run under base.
func NewWorkspace(base, runID string) (*Workspace, error) {
	root := filepath.Join(base, runID)
	if err := os.MkdirAll(root, paths.DefaultDirMode); err != nil {
		return nil, errors.Wrapf(err, "creating run workspace %s", root)
	}
	return &Workspace{Root: root}, nil
}

// Source returns the directory the source snapshot is fetched into.
func (w *Workspace) Source() string {
	return filepath.Join(w.Root, "source")
}

// Staging returns the directory selected artifacts are staged into.
func (w *Workspace) Staging() string {
	return filepath.Join(w.Root, "staging")
}

// Remove deletes the workspace and everything in it.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.Root); err != nil {
		return errors.Wrapf(err, "removing run workspace %s", w.Root)
	}
	return nil
}
