// Package app builds cobra commands from an options object: flags, config
// file and environment binding, logging setup and validation, then the run
// function.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/fleetsync/pkg/log"
)

// RunFunc is the main body of a command, called once options are valid.
type RunFunc func() error

// App is a command line application.
type App struct {
	name        string
	shortDesc   string
	description string
	options     NamedFlagSetOptions
	runFunc     RunFunc
	noConfig    bool
	watch       bool
	args        cobra.PositionalArgs
	commands    []*cobra.Command

	cmd *cobra.Command
}

// Option configures an App.
type Option func(*App)

// WithOptions sets the options the command binds and validates.
func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) { a.options = opts }
}

func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.runFunc = run }
}

func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// WithNoConfig drops the --config flag.
func WithNoConfig() Option {
	return func(a *App) { a.noConfig = true }
}

// WithWatchConfig logs edits to the config file while the command runs.
func WithWatchConfig() Option {
	return func(a *App) { a.watch = true }
}

// WithDefaultValidArgs rejects positional arguments.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithCommands adds subcommands. They share the parent's persistent flags.
func WithCommands(cmds ...*cobra.Command) Option {
	return func(a *App) { a.commands = append(a.commands, cmds...) }
}

// NewApp creates an App named name.
func NewApp(name string, shortDesc string, opts ...Option) *App {
	a := &App{name: name, shortDesc: shortDesc}
	for _, o := range opts {
		o(a)
	}
	a.buildCommand()
	return a
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           formatBaseName(a.name),
		Short:         a.shortDesc,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          a.args,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true
	cmd.AddCommand(a.commands...)

	if a.runFunc != nil {
		cmd.RunE = a.run
	}

	var fss cliflag.NamedFlagSets
	if a.options != nil {
		fss = a.options.Flags()
		for _, f := range fss.FlagSets {
			cmd.PersistentFlags().AddFlagSet(f)
		}
	}
	if !a.noConfig {
		addConfigFlag(a.name, fss.FlagSet("global"))
		cmd.PersistentFlags().AddFlagSet(fss.FlagSet("global"))
	}
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		return a.complete()
	}

	setUsageAndHelp(cmd, fss)
	a.cmd = cmd
}

// Command returns the root cobra command.
func (a *App) Command() *cobra.Command { return a.cmd }

// Run executes the command and exits the process on failure.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// complete loads configuration into the options and validates them. It runs
// before the root command and every subcommand.
func (a *App) complete() error {
	if a.options == nil {
		return nil
	}
	if !a.noConfig {
		if err := viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
			return err
		}
		if err := viper.Unmarshal(a.options); err != nil {
			return fmt.Errorf("failed to unmarshal configuration: %w", err)
		}
	}
	if err := a.options.Complete(); err != nil {
		return err
	}
	if err := a.options.Validate(); err != nil {
		return err
	}
	if lo, ok := a.options.(interface{ LogOptions() *log.Options }); ok {
		log.Init(lo.LogOptions())
	}
	return nil
}

func (a *App) run(cmd *cobra.Command, args []string) error {
	defer log.Sync()

	if !a.noConfig {
		if used := viper.ConfigFileUsed(); used != "" {
			log.Info("Using config file", "path", used)
		}
		if a.watch {
			watchConfig()
		}
	}
	return a.runFunc()
}
