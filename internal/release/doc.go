// Resolves the release version for a run and stamps it into the
// project's packaging metadata.
//
// The version comes from the upstream repository's latest GitHub
// release when one is configured and reachable, and otherwise from a
// date-derived fallback that increments within the same day. Version
// resolution never fails a run; only cancellation propagates.
package release
