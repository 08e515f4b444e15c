// Package cli contains the commands of the eventually binary, driving
// the Subscription Engine operations from the command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/get-eventually/go-subscriptions/engine"
	"github.com/get-eventually/go-subscriptions/internal/app"
	"github.com/get-eventually/go-subscriptions/internal/config"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{FormatText, FormatJSON}

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Opener builds the App used by the commands, from the loaded configuration.
type Opener func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app.App, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile   string
	IDs          []string
	Groups       []string
	Format       string
	ThrowOnError bool

	open Opener
}

func (opts *RootOptions) criteria() engine.Criteria {
	return engine.Criteria{IDs: opts.IDs, Groups: opts.Groups}
}

// NewRootCommand creates the root command of the eventually binary.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "eventually",
		Short: "Manage event-sourced subscriptions",
		Long: `Drive the Subscribers registered in the process through the Event Store log,
tracking their progress with durable Subscriptions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}

			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigFile, "config", "c", "eventually.yaml", "path to the YAML configuration file")
	flags.StringSliceVar(&opts.IDs, "id", nil, "only affect the subscriptions with these ids")
	flags.StringSliceVar(&opts.Groups, "group", nil, "only affect the subscriptions in these groups")
	flags.StringVar(&opts.Format, "format", FormatText, "output format (text|json)")
	flags.BoolVar(&opts.ThrowOnError, "throw-on-error", false, "fail on the first subscription error")

	cmd.AddCommand(
		NewSetupCommand(opts),
		NewProcessCommand(opts, "boot", "Catch booting subscriptions up with the event store",
			func(e engine.Engine) processFunc { return e.Boot }),
		NewProcessCommand(opts, "run", "Process new messages for active subscriptions",
			func(e engine.Engine) processFunc { return e.Run }),
		NewOperationCommand(opts, "teardown", "Remove detached subscriptions",
			func(e engine.Engine) operationFunc { return e.Teardown }),
		NewOperationCommand(opts, "remove", "Remove subscriptions in any status",
			func(e engine.Engine) operationFunc { return e.Remove }),
		NewOperationCommand(opts, "pause", "Pause active, booting and failed subscriptions",
			func(e engine.Engine) operationFunc { return e.Pause }),
		NewOperationCommand(opts, "reactivate", "Resume failed, detached, paused and finished subscriptions",
			func(e engine.Engine) operationFunc { return e.Reactivate }),
		NewStatusCommand(opts),
		NewWorkerCommand(opts),
	)

	return cmd
}

// withApp loads the configuration and opens the App for the duration of fn.
func (opts *RootOptions) withApp(cmd *cobra.Command, fn func(a *app.App, eng engine.Engine) error) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	log, _, err := newLogger(cmd, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create logger", err)
	}

	a, err := opts.open(cmd.Context(), cfg, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open the subscription engine", err)
	}

	defer func() {
		if err := a.Close(); err != nil {
			log.ErrorContext(cmd.Context(), "eventually: failed to close resources", slog.Any("error", err))
		}
	}()

	eng := a.Engine
	if opts.ThrowOnError {
		eng = engine.ThrowOnErrorEngine{Engine: eng}
	}

	return fn(a, eng)
}
