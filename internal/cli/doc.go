// Parses flags and dispatches the slipway subcommands.
//
// The CLI accepts the following global flags:
//
//	-q, --quiet        Suppress informational output.
//	-v, --verbose      Echo build output while steps run.
//	-d, --debug        Enable debug output.
//	    --containerd   Override the containerd socket address.
//
// After parsing, the global logger is reconfigured to reflect the final
// level before the selected command runs. Commands receive a context
// that is cancelled on SIGINT or SIGTERM.
package cli
