// Executes the build steps of a pipeline.
//
// Steps run strictly in order, each as a single shell command on the host
// or inside a builder container. A step may carry a fallback command that
// is attempted once when the primary command fails, and may be marked as
// allowed to fail. Output of every attempt is captured up to a fixed size,
// keeping the newest bytes when the limit overflows.
//
// A started command always runs to completion; cancellation takes effect
// between steps.
package build
