// Containerd-backed builder containers.
//
// A builder container provides a hermetic environment for running build
// steps: its image comes from a local OCI archive, the fetched source tree
// is bind mounted at a fixed path, and each step runs as an exec in the
// container's long-running task.
package runtime
