package cli

import (
	"context"
	"fmt"

	"github.com/slipwayhq/slipway/internal/manifest"
	"github.com/slipwayhq/slipway/internal/release"
	"github.com/slipwayhq/slipway/internal/source"
)

// Represents the "resolve" command, which resolves the source revision
// and release version without building anything.
type ResolveCmd struct {
	Manifest string `arg:"" default:"slipway.yaml" type:"path" help:"Path to the pipeline manifest."`
	Token    string `env:"GITHUB_TOKEN" help:"GitHub token for release lookups."`
}

// Resolves and prints the pinned revision and, when configured, the
// release version.
func (c *ResolveCmd) Run(ctx context.Context) error {

	m, err := manifest.Load(c.Manifest)
	if err != nil {
		return err
	}

	res, err := source.NewResolver(m.Source).Resolve(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("source:  %s\n", res.Repository)
	if res.Ref != "" {
		fmt.Printf("ref:     %s\n", res.Ref)
	}
	fmt.Printf("commit:  %s\n", res.Commit)

	if m.Release == nil {
		return nil
	}

	resolver := &release.Resolver{
		GitHub:      m.Release.GitHub,
		Token:       c.Token,
		VersionFile: m.Abs(m.Release.VersionFile),
	}
	rel, err := resolver.Resolve(ctx)
	if err != nil {
		return err
	}

	suffix := ""
	if rel.Auto {
		suffix = " (auto)"
	}
	fmt.Printf("version: %s%s\n", rel.Version, suffix)

	return nil
}
