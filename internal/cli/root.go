package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/slipwayhq/slipway/internal"
)

// The level of the process logger. main installs it into the default
// handler; Execute adjusts it once flags are parsed.
var LogLevel = new(slog.LevelVar)

// Represents the root command for the slipway CLI.
var RootCmd struct {
	Quiet      bool       `short:"q" help:"Suppress informational output."`
	Verbose    bool       `short:"v" help:"Echo build output while steps run."`
	Debug      bool       `short:"d" help:"Enable debug output."`
	Containerd string     `help:"Override the containerd socket address." placeholder:"ADDRESS"`
	Run        RunCmd     `cmd:"" help:"Run the build pipeline for a manifest."`
	Resolve    ResolveCmd `cmd:"" help:"Resolve the source and release version without building."`
	Version    VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds application images from declarative manifests.\n\nFetches the pinned source, runs the build steps, stages the declared artifacts, and composes the runtime image."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	internal.SetQuiet(RootCmd.Quiet)
	internal.SetDebug(RootCmd.Debug)
	internal.SetVerbose(RootCmd.Verbose)

	switch {
	case RootCmd.Debug:
		LogLevel.Set(slog.LevelDebug)
	case RootCmd.Quiet:
		LogLevel.Set(slog.LevelWarn)
	default:
		LogLevel.Set(slog.LevelInfo)
	}
}
