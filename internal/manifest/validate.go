package manifest

import (
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var commitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Validates the manifest.
//
// Returns an error wrapping [ErrManifest] describing the first problem found.
func (m *Manifest) Validate() error {
	if err := m.Source.validate(); err != nil {
		return err
	}
	if err := m.Release.validate(); err != nil {
		return err
	}
	if err := m.Build.validate(); err != nil {
		return err
	}
	if err := m.Artifacts.validate(); err != nil {
		return err
	}
	return m.Image.validate()
}

func (s Source) validate() error {
	if s.Repository == "" {
		return errors.Wrap(ErrManifest, "source.repository is required")
	}
	if s.Ref == "" && s.Commit == "" {
		return errors.Wrap(ErrManifest, "source requires a ref or a commit")
	}
	if s.Commit != "" && !commitPattern.MatchString(s.Commit) {
		return errors.Wrapf(ErrManifest, "source.commit %q is not a full commit hash", s.Commit)
	}
	return nil
}

func (r *Release) validate() error {
	if r == nil {
		return nil
	}
	if gh := r.GitHub; gh != nil {
		if gh.Owner == "" || gh.Repo == "" {
			return errors.Wrap(ErrManifest, "release.github requires owner and repo")
		}
	}
	return nil
}

func (b Build) validate() error {
	if c := b.Container; c != nil && c.Image == "" {
		return errors.Wrap(ErrManifest, "build.container.image is required")
	}

	if len(b.Steps) == 0 {
		return errors.Wrap(ErrManifest, "build.steps must not be empty")
	}

	seen := make(map[string]bool, len(b.Steps))
	for i, step := range b.Steps {
		if step.Name == "" {
			return errors.Wrapf(ErrManifest, "build.steps[%d] has no name", i)
		}
		if seen[step.Name] {
			return errors.Wrapf(ErrManifest, "duplicate step name %q", step.Name)
		}
		seen[step.Name] = true

		if step.Run == "" {
			return errors.Wrapf(ErrManifest, "step %q has no run command", step.Name)
		}
		if step.Workdir != "" && !insideTree(step.Workdir) {
			return errors.Wrapf(ErrManifest, "step %q workdir %q escapes the source tree", step.Name, step.Workdir)
		}
	}

	return nil
}

func (a Artifacts) validate() error {
	for _, p := range a.Exclude {
		if !insideTree(p) {
			return errors.Wrapf(ErrManifest, "exclude path %q escapes the source tree", p)
		}
	}

	if len(a.Rules) == 0 {
		return errors.Wrap(ErrManifest, "artifacts.rules must not be empty")
	}

	for i, rule := range a.Rules {
		if rule.Source == "" {
			return errors.Wrapf(ErrManifest, "artifacts.rules[%d] has no source", i)
		}
		if !insideTree(rule.Source) {
			return errors.Wrapf(ErrManifest, "artifact source %q escapes the source tree", rule.Source)
		}
		if !path.IsAbs(rule.Dest) {
			return errors.Wrapf(ErrManifest, "artifact dest %q must be an absolute image path", rule.Dest)
		}
	}

	return nil
}

func (i Image) validate() error {
	if i.Base == "" {
		return errors.Wrap(ErrManifest, "image.base is required")
	}
	if i.Port < 0 || i.Port > 65535 {
		return errors.Wrapf(ErrManifest, "image.port %d is out of range", i.Port)
	}
	if i.Mode != ModeProduction && i.Mode != ModeDevelopment {
		return errors.Wrapf(ErrManifest, "image.mode %q must be %q or %q", i.Mode, ModeProduction, ModeDevelopment)
	}
	if i.Workdir != "" && !path.IsAbs(i.Workdir) {
		return errors.Wrapf(ErrManifest, "image.workdir %q must be absolute", i.Workdir)
	}

	if (i.Entrypoint == "") == (i.Launcher == nil) {
		return errors.Wrap(ErrManifest, "image requires exactly one of entrypoint or launcher")
	}

	if l := i.Launcher; l != nil {
		if l.Command == "" {
			return errors.Wrap(ErrManifest, "image.launcher.command is required")
		}
		if !path.IsAbs(l.Path) {
			return errors.Wrapf(ErrManifest, "image.launcher.path %q must be absolute", l.Path)
		}
		if l.DataDir != "" && !path.IsAbs(l.DataDir) {
			return errors.Wrapf(ErrManifest, "image.launcher.data_dir %q must be absolute", l.DataDir)
		}
		if l.DataVolume != "" && !path.IsAbs(l.DataVolume) {
			return errors.Wrapf(ErrManifest, "image.launcher.data_volume %q must be absolute", l.DataVolume)
		}
	}

	return nil
}

// Reports whether a manifest path stays inside the source tree.
//
// Paths are slash-separated and relative. The root itself and anything
// reaching above it are rejected.
func insideTree(p string) bool {
	if p == "" || path.IsAbs(p) {
		return false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." {
		return false
	}
	return !strings.HasPrefix(clean, "../")
}
