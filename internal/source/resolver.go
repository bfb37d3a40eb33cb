package source

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/manifest"
	"github.com/slipwayhq/slipway/internal/paths"
)

const (

	// Remote name used in the throwaway fetch repository.
	remoteName = "origin"

	// Suffix marking a peeled (dereferenced) tag in advertised refs.
	peelSuffix = "^{}"
)

var commitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Resolves refs and fetches revisions for a single configured source.
type Resolver struct {
	repository string
	ref        string
	commit     string
	gitPath    string
}

// Creates a resolver for the given source.
func NewResolver(src manifest.Source) *Resolver {
	return &Resolver{
		repository: src.Repository,
		ref:        src.Ref,
		commit:     src.Commit,
		gitPath:    "git",
	}
}

// An exact revision resolved from the configured source.
//
// Ref is the fully qualified remote ref the commit was resolved through,
// or empty when the source pins a commit directly.
type Resolution struct {
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
	Commit     string `json:"commit"`
}

// Resolves the configured ref to an exact commit without fetching.
//
// A pinned commit resolves to itself. Otherwise the remote's advertised
// refs are consulted: a fully qualified name is taken as is, a tag is
// preferred over a branch of the same name, and a bare name matching
// several unrelated refs at different commits is rejected as ambiguous.
func (r *Resolver) Resolve(ctx context.Context) (*Resolution, error) {
	if r.commit != "" {
		return &Resolution{Repository: r.repository, Commit: r.commit}, nil
	}

	refs, err := r.lsRemote(ctx)
	if err != nil {
		return nil, err
	}

	name, commit, err := pick(refs, r.ref)
	if err != nil {
		return nil, err
	}

	return &Resolution{Repository: r.repository, Ref: name, Commit: commit}, nil
}

// Fetches the resolved revision into dir.
//
// The directory is recreated from scratch, populated by a depth-one fetch,
// and stripped of git metadata, so the resulting tree depends only on the
// fetched commit. The returned resolution carries the commit actually
// checked out, which for a moving branch may be newer than a concurrent
// Resolve answer.
func (r *Resolver) Fetch(ctx context.Context, dir string) (*Resolution, error) {
	res, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	want := res.Commit
	if res.Ref != "" {
		want = res.Ref
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "clearing worktree: %v", err)
	}
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "creating worktree: %v", err)
	}

	slog.Info("fetching source", "repository", r.repository, "want", want)

	steps := [][]string{
		{"init", "--quiet"},
		{"remote", "add", remoteName, r.repository},
		{"fetch", "--quiet", "--depth", "1", remoteName, want},
		{"checkout", "--quiet", "--detach", "FETCH_HEAD"},
	}
	for _, args := range steps {
		if _, err := r.git(ctx, dir, args...); err != nil {
			return nil, err
		}
	}

	head, err := r.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	head = strings.TrimSpace(head)

	if r.commit != "" && head != r.commit {
		return nil, errors.Wrapf(ErrUnavailable, "fetched commit %s, want pinned %s", head, r.commit)
	}
	res.Commit = head

	// The worktree is build input only. Dropping the repository metadata
	// keeps re-fetches of the same commit byte-identical.
	if err := os.RemoveAll(filepath.Join(dir, ".git")); err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "removing git metadata: %v", err)
	}

	slog.Info("source fetched", "commit", head)

	return res, nil
}

// Lists the remote's refs matching the configured ref name.
func (r *Resolver) lsRemote(ctx context.Context) (map[string]string, error) {
	out, err := r.git(ctx, "", "ls-remote", "--quiet", "--", r.repository, r.ref)
	if err != nil {
		return nil, err
	}
	return parseAdvertisement(out), nil
}

// Parses ls-remote output into a map of ref name to commit.
//
// Peeled entries are kept under their "^{}" names; pick resolves them.
func parseAdvertisement(out string) map[string]string {
	refs := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		commit, name, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || commit == "" || name == "" {
			continue
		}
		refs[name] = commit
	}
	return refs
}

// Picks the commit for ref from an advertisement.
//
// Precedence: an exact ref name match, then refs/tags/<ref>, then
// refs/heads/<ref>. A name matching both a tag and a branch resolves to
// the tag. Failing those, a single ref whose path ends in "/<ref>" is
// accepted; several such refs at different commits are ambiguous.
func pick(refs map[string]string, ref string) (string, string, error) {
	resolve := func(name string) (string, bool) {
		if commit, ok := refs[name+peelSuffix]; ok {
			return commit, true
		}
		commit, ok := refs[name]
		return commit, ok
	}

	if commit, ok := resolve(ref); ok {
		return ref, commit, nil
	}

	tagName := "refs/tags/" + ref
	branchName := "refs/heads/" + ref
	tag, hasTag := resolve(tagName)
	branch, hasBranch := resolve(branchName)

	if hasTag && hasBranch {
		slog.Warn("ref names both a tag and a branch, using tag",
			"ref", ref,
			"tag", tag,
			"branch", branch,
		)
	}
	if hasTag {
		return tagName, tag, nil
	}
	if hasBranch {
		return branchName, branch, nil
	}

	var names []string
	commits := make(map[string]bool)
	for name := range refs {
		if strings.HasSuffix(name, peelSuffix) || !strings.HasSuffix(name, "/"+ref) {
			continue
		}
		commit, _ := resolve(name)
		names = append(names, name)
		commits[commit] = true
	}
	sort.Strings(names)

	switch {
	case len(names) == 0:
		return "", "", errors.Wrapf(ErrUnavailable, "ref %q not found on remote", ref)
	case len(commits) > 1:
		return "", "", errors.Wrapf(ErrAmbiguousRef, "ref %q matches %s", ref, strings.Join(names, ", "))
	default:
		name := names[0]
		commit, _ := resolve(name)
		return name, commit, nil
	}
}

// Runs git with the given arguments, returning stdout.
//
// An empty dir runs git outside any repository. Failures are reported as
// [ErrUnavailable] with the command's stderr folded into the message.
func (r *Resolver) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.gitPath, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("running git", "args", args, "dir", dir)

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", errors.Wrapf(ctxErr, "git %s interrupted", args[0])
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", errors.Wrapf(ErrUnavailable, "git %s: %s", args[0], detail)
	}

	return stdout.String(), nil
}
