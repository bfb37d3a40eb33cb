package build

import (
	"sort"

	"github.com/slipwayhq/slipway/internal/manifest"
)

// Shell used when a runner has no explicit override.
const defaultShell = "/bin/sh"

// A fully resolved command ready for a runner.
//
// Dir is relative to the source tree root; runners anchor it to their own
// view of the tree. Env carries only the step-level variables, which
// runners merge onto their base environment.
type Command struct {
	Script string
	Dir    string
	Env    []string
}

// Resolves the command for one attempt of a step.
//
// Pipeline-level env is applied first, then the step's own env on top.
func command(step manifest.Step, script string, base map[string]string) Command {
	return Command{
		Script: script,
		Dir:    step.Workdir,
		Env:    environ(base, step.Env),
	}
}

// Merges env maps into a sorted KEY=VALUE slice.
//
// Later maps override earlier ones. Sorting keeps command construction
// deterministic across runs.
func environ(maps ...map[string]string) []string {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return env
}
