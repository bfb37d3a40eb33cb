// Resolves and fetches application source from git remotes.
//
// Resolution maps a configured ref (branch, tag, or fully qualified ref
// name) to an exact commit using the remote's advertised refs, without
// fetching history. Fetching materializes exactly that revision into a
// worktree via a shallow fetch, so repeated runs against an unchanged
// remote produce identical trees.
//
// All git operations shell out to the git binary on PATH.
package source
