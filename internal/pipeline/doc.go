// Orchestrates a single fetch, build, select, compose run.
//
// A run walks a fixed sequence of stages and produces a machine
// readable report whether it succeeds or fails. Stage components are
// injected as interfaces; the pipeline owns only ordering, cancellation
// between stages, failure classification, and the report.
package pipeline
