package source

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/slipwayhq/slipway/internal/manifest"
)

// A local fixture repository served over the file transport.
type fixture struct {
	url     string
	main    string // Commit at the tip of main.
	tagged  string // Commit the v1.0.0 tag points at.
	feature string // Commit at the tip of feature/extra.
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	gitOut(t, dir, "init", "--quiet")
	gitOut(t, dir, "checkout", "--quiet", "-b", "main")

	// The file transport runs upload-pack, which by default refuses
	// fetch requests for raw commit hashes.
	gitOut(t, dir, "config", "uploadpack.allowAnySHA1InWant", "true")

	writeFixtureFile(t, dir, "app.js", "console.log('one')\n")
	gitOut(t, dir, "add", ".")
	gitOut(t, dir, "commit", "--quiet", "-m", "first")
	tagged := gitOut(t, dir, "rev-parse", "HEAD")
	gitOut(t, dir, "tag", "-a", "v1.0.0", "-m", "release")

	writeFixtureFile(t, dir, "app.js", "console.log('two')\n")
	gitOut(t, dir, "commit", "--quiet", "-am", "second")
	main := gitOut(t, dir, "rev-parse", "HEAD")

	gitOut(t, dir, "checkout", "--quiet", "-b", "feature/extra")
	writeFixtureFile(t, dir, "extra.js", "console.log('extra')\n")
	gitOut(t, dir, "add", ".")
	gitOut(t, dir, "commit", "--quiet", "-m", "extra")
	feature := gitOut(t, dir, "rev-parse", "HEAD")
	gitOut(t, dir, "checkout", "--quiet", "main")

	return &fixture{
		url:     "file://" + dir,
		main:    main,
		tagged:  tagged,
		feature: feature,
	}
}

func writeFixtureFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestResolveBranch(t *testing.T) {
	requireGit(t)
	fx := newFixture(t)

	r := NewResolver(manifest.Source{Repository: fx.url, Ref: "main"})
	res, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Commit != fx.main {
		t.Fatalf("commit = %s, want %s", res.Commit, fx.main)
	}
	if res.Ref != "refs/heads/main" {
		t.Fatalf("ref = %q, want refs/heads/main", res.Ref)
	}
}

func TestResolveAnnotatedTag(t *testing.T) {
	requireGit(t)
	fx := newFixture(t)

	r := NewResolver(manifest.Source{Repository: fx.url, Ref: "v1.0.0"})
	res, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Commit != fx.tagged {
		t.Fatalf("commit = %s, want peeled %s", res.Commit, fx.tagged)
	}
}

func TestResolveUnknownRef(t *testing.T) {
	requireGit(t)
	fx := newFixture(t)

	r := NewResolver(manifest.Source{Repository: fx.url, Ref: "does-not-exist"})
	if _, err := r.Resolve(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestResolveUnreachableRemote(t *testing.T) {
	requireGit(t)

	r := NewResolver(manifest.Source{
		Repository: "file://" + filepath.Join(t.TempDir(), "absent"),
		Ref:        "main",
	})
	if _, err := r.Resolve(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestFetchBranch(t *testing.T) {
	requireGit(t)
	fx := newFixture(t)
	dir := filepath.Join(t.TempDir(), "src")

	r := NewResolver(manifest.Source{Repository: fx.url, Ref: "main"})
	res, err := r.Fetch(context.Background(), dir)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Commit != fx.main {
		t.Fatalf("commit = %s, want %s", res.Commit, fx.main)
	}

	data, err := os.ReadFile(filepath.Join(dir, "app.js"))
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if string(data) != "console.log('two')\n" {
		t.Fatalf("app.js = %q, want tip content", data)
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); !os.IsNotExist(err) {
		t.Fatal("worktree still contains .git metadata")
	}
}

func TestFetchTagOverridesBranchContent(t *testing.T) {
	requireGit(t)
	fx := newFixture(t)
	dir := filepath.Join(t.TempDir(), "src")

	r := NewResolver(manifest.Source{Repository: fx.url, Ref: "v1.0.0"})
	res, err := r.Fetch(context.Background(), dir)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Commit != fx.tagged {
		t.Fatalf("commit = %s, want %s", res.Commit, fx.tagged)
	}

	data, err := os.ReadFile(filepath.Join(dir, "app.js"))
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if string(data) != "console.log('one')\n" {
		t.Fatalf("app.js = %q, want tagged content", data)
	}
}

func TestFetchPinnedCommit(t *testing.T) {
	requireGit(t)
	fx := newFixture(t)
	dir := filepath.Join(t.TempDir(), "src")

	r := NewResolver(manifest.Source{Repository: fx.url, Ref: "main", Commit: fx.tagged})
	res, err := r.Fetch(context.Background(), dir)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Commit != fx.tagged {
		t.Fatalf("commit = %s, want pinned %s", res.Commit, fx.tagged)
	}

	data, err := os.ReadFile(filepath.Join(dir, "app.js"))
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if string(data) != "console.log('one')\n" {
		t.Fatalf("app.js = %q, want pinned content", data)
	}
}

func TestFetchSuffixMatchedBranch(t *testing.T) {
	requireGit(t)
	fx := newFixture(t)
	dir := filepath.Join(t.TempDir(), "src")

	r := NewResolver(manifest.Source{Repository: fx.url, Ref: "extra"})
	res, err := r.Fetch(context.Background(), dir)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Commit != fx.feature {
		t.Fatalf("commit = %s, want %s", res.Commit, fx.feature)
	}
}

func TestFetchIsRepeatable(t *testing.T) {
	requireGit(t)
	fx := newFixture(t)
	dir := filepath.Join(t.TempDir(), "src")

	r := NewResolver(manifest.Source{Repository: fx.url, Ref: "v1.0.0"})

	first, err := r.Fetch(context.Background(), dir)
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}

	// Dirty the worktree to prove a re-fetch starts clean.
	writeFixtureFile(t, dir, "leftover.txt", "junk\n")

	second, err := r.Fetch(context.Background(), dir)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if first.Commit != second.Commit {
		t.Fatalf("commits differ: %s vs %s", first.Commit, second.Commit)
	}
	if _, err := os.Stat(filepath.Join(dir, "leftover.txt")); !os.IsNotExist(err) {
		t.Fatal("leftover file survived the re-fetch")
	}
}

func TestFetchCancelled(t *testing.T) {
	requireGit(t)
	fx := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver(manifest.Source{Repository: fx.url, Ref: "main"})
	_, err := r.Fetch(ctx, filepath.Join(t.TempDir(), "src"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
