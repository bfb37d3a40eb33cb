package release

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v52/github"
	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/manifest"
)

// Release is the resolved release metadata for a run.
//
// Auto marks versions derived from the date rather than from an
// upstream release. Notes holds the changelog body.
type Release struct {
	Version string `json:"version"`
	Tag     string `json:"tag"`
	Auto    bool   `json:"auto,omitempty"`
	Notes   string `json:"-"`
}

// Manual returns release metadata for an explicitly chosen version.
func Manual(version string) *Release {
	return &Release{
		Version: version,
		Tag:     "v" + version,
		Notes:   fmt.Sprintf("# v%s\n\nManual release.", version),
	}
}

// Resolver determines the release version for a run.
//
// GitHub, when set, names the repository whose latest release supplies
// the version. VersionFile points at the currently stamped version and
// seeds the same-day counter of the date fallback. Now exists for
// tests.
type Resolver struct {
	GitHub      *manifest.GitHubRelease
	Token       string
	VersionFile string
	Now         func() time.Time

	client *github.Client
}

// Resolve returns the release metadata for this run.
//
// A failed release lookup logs a warning and falls back to the date
// version; only a cancelled context turns into an error.
func (r *Resolver) Resolve(ctx context.Context) (*Release, error) {
	if r.GitHub != nil {
		rel, err := r.latest(ctx)
		if err == nil {
			return rel, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrapf(ctxErr, "release lookup interrupted: %v", err)
		}
		slog.Warn("release lookup failed, deriving a date version", "error", err)
	}

	version := autoVersion(r.current(), r.now())
	return &Release{
		Version: version,
		Tag:     "v" + version,
		Auto:    true,
		Notes:   fmt.Sprintf("# v%s\n\nAuto fallback (no releases in repo).", version),
	}, nil
}

// latest fetches the upstream repository's latest release.
func (r *Resolver) latest(ctx context.Context) (*Release, error) {
	rel, _, err := r.githubClient(ctx).Repositories.GetLatestRelease(ctx, r.GitHub.Owner, r.GitHub.Repo)
	if err != nil {
		return nil, errors.Wrapf(err, "latest release of %s/%s", r.GitHub.Owner, r.GitHub.Repo)
	}

	version := strings.TrimSpace(strings.TrimPrefix(rel.GetTagName(), "v"))
	if version == "" {
		return nil, errors.Errorf("latest release of %s/%s has no tag", r.GitHub.Owner, r.GitHub.Repo)
	}

	notes := rel.GetBody()
	if notes == "" {
		notes = fmt.Sprintf("# v%s\n", version)
	}
	return &Release{Version: version, Tag: "v" + version, Notes: notes}, nil
}

func (r *Resolver) githubClient(ctx context.Context) *github.Client {
	if r.client != nil {
		return r.client
	}
	if r.Token != "" {
		return github.NewTokenClient(ctx, r.Token)
	}
	return github.NewClient(nil)
}

// current reads the version presently stamped into the version file.
// Absent files and missing version lines read as empty.
func (r *Resolver) current() string {
	if r.VersionFile == "" {
		return ""
	}
	data, err := os.ReadFile(r.VersionFile)
	if err != nil {
		return ""
	}
	return detectVersion(data)
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

var versionPattern = regexp.MustCompile(`(?m)^[ \t]*version:[ \t]*(.+?)[ \t]*$`)

// detectVersion extracts the value of the first version line.
func detectVersion(data []byte) string {
	m := versionPattern.FindSubmatch(data)
	if m == nil {
		return ""
	}
	return strings.Trim(string(m[1]), `"'`)
}

// autoVersion derives a YYYY.MM.DD.N version, incrementing N while the
// current version is from the same day and starting at 1 otherwise.
func autoVersion(current string, now time.Time) string {
	today := now.Format("2006.01.02")

	n := 1
	if rest, ok := strings.CutPrefix(current, today); ok {
		n = 2
		if suffix, ok := strings.CutPrefix(rest, "."); ok {
			if prev, err := strconv.Atoi(suffix); err == nil {
				n = prev + 1
			}
		}
	}
	return fmt.Sprintf("%s.%d", today, n)
}
