package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/get-eventually/go-subscriptions/engine"
	"github.com/get-eventually/go-subscriptions/internal/app"
)

type (
	operationFunc func(ctx context.Context, criteria engine.Criteria) (engine.Result, error)
	processFunc   func(ctx context.Context, criteria engine.Criteria, limit int) (engine.ProcessedResult, error)
)

// NewSetupCommand creates the setup command.
func NewSetupCommand(opts *RootOptions) *cobra.Command {
	var skipBooting bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Discover new subscribers and run their setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(_ *app.App, eng engine.Engine) error {
				result, err := eng.Setup(cmd.Context(), opts.criteria(), skipBooting)
				if err != nil {
					return operationError("setup", err)
				}

				return opts.output(cmd).result("setup", result)
			})
		},
	}

	cmd.Flags().BoolVar(&skipBooting, "skip-booting", false, "activate new subscriptions without booting them")

	return cmd
}

// NewProcessCommand creates a command processing messages through
// one of the engine operations consuming the Event Store.
func NewProcessCommand(opts *RootOptions, name, short string, operation func(engine.Engine) processFunc) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(_ *app.App, eng engine.Engine) error {
				result, err := operation(eng)(cmd.Context(), opts.criteria(), limit)
				if err != nil {
					return operationError(name, err)
				}

				return opts.output(cmd).processed(name, result)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of messages to process (0 for no limit)")

	return cmd
}

// NewOperationCommand creates a command running one of the engine
// operations changing the status of the subscriptions.
func NewOperationCommand(opts *RootOptions, name, short string, operation func(engine.Engine) operationFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(_ *app.App, eng engine.Engine) error {
				result, err := operation(eng)(cmd.Context(), opts.criteria())
				if err != nil {
					return operationError(name, err)
				}

				return opts.output(cmd).result(name, result)
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the subscriptions and their progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(_ *app.App, eng engine.Engine) error {
				subscriptions, err := eng.Subscriptions(cmd.Context(), opts.criteria())
				if err != nil {
					return operationError("status", err)
				}

				return opts.output(cmd).subscriptions(subscriptions)
			})
		},
	}
}

// NewWorkerCommand creates the worker command, processing new messages
// until interrupted.
func NewWorkerCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Keep the subscriptions up to date until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app.App, eng engine.Engine) error {
				worker := a.Worker(opts.criteria())
				worker.Engine = eng

				a.Logger.InfoContext(cmd.Context(), "eventually: worker started",
					slog.Any("ids", opts.IDs),
					slog.Any("groups", opts.Groups))

				err := worker.Run(cmd.Context())
				if errors.Is(err, context.Canceled) {
					a.Logger.InfoContext(cmd.Context(), "eventually: worker stopped")
					return nil
				}

				return operationError("worker", err)
			})
		},
	}
}

func operationError(name string, err error) error {
	if err == nil {
		return nil
	}

	var errs *engine.ErrorsOccurred
	if errors.As(err, &errs) {
		return WrapExitError(ExitFailure, name+" failed", err)
	}

	return WrapExitError(ExitCommandError, name+" failed", err)
}
