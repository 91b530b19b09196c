package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/fleetsync/cmd/fleetsync/app/options"
	"github.com/autopeer-io/fleetsync/pkg/app"
)

const (
	commandName = "fleetsync"
	commandDesc = `fleetsync keeps a fleet manager's vehicles, devices and alarms in sync
with the backend. It applies pushed telemetry as it arrives, raises alerts on
dangerous driving, and serves the live state over a local HTTP API. When the
backend is unreachable it runs on offline data.`
)

func NewApp() *app.App {
	opts := options.NewFleetsyncOptions()
	application := app.NewApp(
		commandName,
		"Launch the fleet state synchronizer",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithWatchConfig(),
		app.WithRunFunc(run(opts)),
		app.WithCommands(newSnapshotCommand(opts)),
	)
	return application
}

func run(opts *options.FleetsyncOptions) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		daemon, err := cfg.NewDaemon()
		if err != nil {
			return fmt.Errorf("failed to create fleetsync daemon: %w", err)
		}

		return daemon.Run(ctx)
	}
}
