package manifest

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

const (

	// Runtime modes selectable via the image section.
	ModeProduction  = "production"
	ModeDevelopment = "development"

	// Environment variable carrying the runtime mode.
	envRuntimeMode = "NODE_ENV"

	// Environment variable set when the image runs as a platform add-on.
	envAddon = "ADDON"

	// Defaults applied when the corresponding fields are omitted.
	defaultOutput      = "dist"
	defaultLauncher    = "/run.sh"
	defaultPortEnv     = "PORT"
	defaultDataVolume  = "/data"
	defaultChangelog   = "CHANGELOG.md"
	defaultVersionFile = "config.yaml"
)

// The root document of a pipeline manifest.
type Manifest struct {
	Source    Source    `yaml:"source"`
	Release   *Release  `yaml:"release,omitempty"`
	Build     Build     `yaml:"build"`
	Artifacts Artifacts `yaml:"artifacts"`
	Image     Image     `yaml:"image"`

	dir string // Directory containing the manifest file, for resolving relative paths.
}

// Identifies the application source to fetch.
//
// Ref names a branch or tag on the remote. Commit pins an exact revision;
// when set, Ref is informational only.
type Source struct {
	Repository string `yaml:"repository"`
	Ref        string `yaml:"ref,omitempty"`
	Commit     string `yaml:"commit,omitempty"`
}

// Controls release version resolution and metadata stamping.
type Release struct {
	GitHub      *GitHubRelease `yaml:"github,omitempty"`
	VersionFile string         `yaml:"version_file,omitempty"`
	Changelog   string         `yaml:"changelog,omitempty"`
}

// Names the GitHub repository whose latest release supplies the version.
type GitHubRelease struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
}

// Describes how to build the fetched source.
type Build struct {
	Container *Container        `yaml:"container,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Steps     []Step            `yaml:"steps"`
}

// Selects a containerized build environment.
//
// Image is the path to a builder image archive. When the container section
// is absent, steps run directly on the host.
type Container struct {
	Image    string `yaml:"image"`
	Platform string `yaml:"platform,omitempty"`
}

// A single build step.
//
// Run is the primary shell command. Fallback, when set, is attempted once if
// the primary command fails. Workdir is relative to the fetched source tree.
type Step struct {
	Name         string            `yaml:"name"`
	Run          string            `yaml:"run"`
	Fallback     string            `yaml:"fallback,omitempty"`
	Workdir      string            `yaml:"workdir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	AllowFailure bool              `yaml:"allow_failure,omitempty"`
}

// Describes which build outputs become the packaged artifact.
//
// Exclude paths are deleted from the source tree before selection. Rules are
// applied in order; each copies a file, directory, or glob match set into the
// staging area.
type Artifacts struct {
	Exclude []string `yaml:"exclude,omitempty"`
	Rules   []Rule   `yaml:"rules"`
}

// A single artifact selection rule.
//
// Source is a path or glob relative to the source tree. Dest is the absolute
// path the artifact occupies inside the image. Optional rules are skipped
// without error when nothing matches.
type Rule struct {
	Source   string `yaml:"source"`
	Dest     string `yaml:"dest"`
	Optional bool   `yaml:"optional,omitempty"`
}

// Describes the runtime image to compose.
type Image struct {
	Base       string            `yaml:"base"`
	Name       string            `yaml:"name,omitempty"`
	Output     string            `yaml:"output,omitempty"`
	Platform   string            `yaml:"platform,omitempty"`
	Port       int               `yaml:"port,omitempty"`
	Mode       string            `yaml:"mode,omitempty"`
	Addon      bool              `yaml:"addon,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Entrypoint string            `yaml:"entrypoint,omitempty"`
	Workdir    string            `yaml:"workdir,omitempty"`
	Launcher   *Launcher         `yaml:"launcher,omitempty"`
}

// Describes the generated launcher script for the image entrypoint.
//
// The script exports PortEnv with the configured port as its default, then
// execs Command so the application inherits the container's PID and exit
// status. When DataDir is set, it is created as a symlink to DataVolume so
// application state lands on the mounted volume.
type Launcher struct {
	Path       string `yaml:"path,omitempty"`
	Command    string `yaml:"command"`
	PortEnv    string `yaml:"port_env,omitempty"`
	DataDir    string `yaml:"data_dir,omitempty"`
	DataVolume string `yaml:"data_volume,omitempty"`
}

// Loads and validates a manifest from the given path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrManifest, "reading %s: %v", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(ErrManifest, "parsing %s: %v", path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(ErrManifest, "resolving %s: %v", path, err)
	}
	m.dir = dir

	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Fills in defaults for omitted optional fields.
func (m *Manifest) applyDefaults() {
	if m.Image.Output == "" {
		m.Image.Output = defaultOutput
	}
	if m.Image.Mode == "" {
		m.Image.Mode = ModeProduction
	}

	if l := m.Image.Launcher; l != nil {
		if l.Path == "" {
			l.Path = defaultLauncher
		}
		if l.PortEnv == "" {
			l.PortEnv = defaultPortEnv
		}
		if l.DataDir != "" && l.DataVolume == "" {
			l.DataVolume = defaultDataVolume
		}
	}

	if r := m.Release; r != nil {
		if r.VersionFile == "" {
			r.VersionFile = defaultVersionFile
		}
		if r.Changelog == "" {
			r.Changelog = defaultChangelog
		}
	}
}

// Resolves a manifest-relative path against the manifest's directory.
//
// Absolute paths and the empty string are returned unchanged.
func (m *Manifest) Abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.dir, p)
}

// Returns the environment variables to set on the output image.
//
// The runtime mode and add-on flag map to conventional variables. Explicit
// env entries take precedence over the mapped values.
func (i Image) Environment() map[string]string {
	env := make(map[string]string, len(i.Env)+2)
	if i.Mode != "" {
		env[envRuntimeMode] = i.Mode
	}
	if i.Addon {
		env[envAddon] = "true"
	}
	for k, v := range i.Env {
		env[k] = v
	}
	return env
}
