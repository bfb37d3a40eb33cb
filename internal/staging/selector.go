package staging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/manifest"
	"github.com/slipwayhq/slipway/internal/paths"
)

// Applies the manifest's artifact rules to a built source tree.
type Selector struct {
	root    string // Source tree the build ran in.
	staging string // Staging directory receiving selected artifacts.
	spec    manifest.Artifacts
}

func NewSelector(root, staging string, spec manifest.Artifacts) *Selector {
	return &Selector{root: root, staging: staging, spec: spec}
}

// Runs exclusion and selection, returning the number of staged files.
//
// Excludes are deleted from the source tree before any rule runs, so an
// excluded path never reaches staging even when a rule would match it.
// Rules apply in declaration order; overlapping destinations resolve to
// the later rule.
func (s *Selector) Select() (int, error) {
	if err := s.applyExcludes(); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(s.staging, paths.DefaultDirMode); err != nil {
		return 0, errors.Wrap(err, "creating staging directory")
	}

	staged := 0
	for _, rule := range s.spec.Rules {
		n, err := s.applyRule(rule)
		if err != nil {
			return staged, err
		}
		staged += n
	}

	slog.Info("artifacts staged", "files", staged)

	return staged, nil
}

// Deletes each exclude path from the source tree.
//
// A missing exclude path is not an error; the goal is its absence.
func (s *Selector) applyExcludes() error {
	for _, p := range s.spec.Exclude {
		target, err := underRoot(s.root, p)
		if err != nil {
			return err
		}

		slog.Debug("excluding", "path", p)

		if err := os.RemoveAll(target); err != nil {
			return errors.Wrapf(err, "excluding %q", p)
		}
	}
	return nil
}

// Applies a single selection rule.
func (s *Selector) applyRule(rule manifest.Rule) (int, error) {
	pattern, err := underRoot(s.root, rule.Source)
	if err != nil {
		return 0, err
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, errors.Wrapf(err, "bad artifact pattern %q", rule.Source)
	}

	if len(matches) == 0 {
		if rule.Optional {
			slog.Debug("optional artifact absent", "source", rule.Source)
			return 0, nil
		}
		return 0, &MissingError{Source: rule.Source, Dest: rule.Dest}
	}

	// A literal source lands exactly at dest; glob matches land inside
	// dest under their own names.
	literal := !strings.ContainsAny(rule.Source, "*?[")

	staged := 0
	for _, match := range matches {
		dest := filepath.Join(s.staging, rule.Dest)
		if !literal {
			dest = filepath.Join(dest, filepath.Base(match))
		}

		slog.Debug("staging", "source", match, "dest", dest)

		n, err := copyPath(match, dest)
		if err != nil {
			return staged, errors.Wrapf(err, "staging %q", rule.Source)
		}
		staged += n
	}

	return staged, nil
}

// Resolves a tree-relative path and rejects anything escaping the root.
func underRoot(root, p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(p) {
		return "", errors.Errorf("path %q must be relative to the source tree", p)
	}

	abs := filepath.Join(root, p)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("path %q escapes the source tree", p)
	}

	return abs, nil
}
