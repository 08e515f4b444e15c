package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/get-eventually/go-subscriptions/engine"
	"github.com/get-eventually/go-subscriptions/internal/config"
	"github.com/get-eventually/go-subscriptions/logger"
	"github.com/get-eventually/go-subscriptions/subscription"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // One or more subscriptions failed
	ExitCommandError = 2 // Command error (invalid configuration, store unreachable, etc.)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode extracts the exit code from an error.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	return ExitFailure
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, *slog.LevelVar, error) {
	return logger.New(cmd.ErrOrStderr(), cfg.Log)
}

type output struct {
	format string
	w      io.Writer
}

func (opts *RootOptions) output(cmd *cobra.Command) output {
	return output{format: opts.Format, w: cmd.OutOrStdout()}
}

func (o output) json(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

type errorView struct {
	SubscriptionID string `json:"subscription_id"`
	Message        string `json:"message"`
	Cause          string `json:"cause"`
}

func errorViews(errs []engine.Error) []errorView {
	views := make([]errorView, 0, len(errs))
	for _, err := range errs {
		views = append(views, errorView{
			SubscriptionID: err.SubscriptionID,
			Message:        err.Message,
			Cause:          fmt.Sprint(err.Cause),
		})
	}

	return views
}

func (o output) errors(errs []engine.Error) {
	for _, err := range errs {
		fmt.Fprintf(o.w, "  %s: %s, %v\n", err.SubscriptionID, err.Message, err.Cause)
	}
}

func (o output) result(operation string, result engine.Result) error {
	if o.format == FormatJSON {
		return o.json(struct {
			Operation string      `json:"operation"`
			Errors    []errorView `json:"errors"`
		}{operation, errorViews(result.Errors)})
	}

	fmt.Fprintf(o.w, "%s: done, %d error(s)\n", operation, len(result.Errors))
	o.errors(result.Errors)

	return nil
}

func (o output) processed(operation string, result engine.ProcessedResult) error {
	if o.format == FormatJSON {
		return o.json(struct {
			Operation         string      `json:"operation"`
			ProcessedMessages int         `json:"processed_messages"`
			StreamFinished    bool        `json:"stream_finished"`
			Errors            []errorView `json:"errors"`
		}{operation, result.ProcessedMessages, result.StreamFinished, errorViews(result.Errors)})
	}

	fmt.Fprintf(o.w, "%s: processed %d message(s), stream finished: %t, %d error(s)\n",
		operation, result.ProcessedMessages, result.StreamFinished, len(result.Errors))
	o.errors(result.Errors)

	return nil
}

func (o output) subscriptions(subscriptions []*subscription.Subscription) error {
	if o.format == FormatJSON {
		snapshots := make([]subscription.Snapshot, 0, len(subscriptions))
		for _, s := range subscriptions {
			snapshots = append(snapshots, s.Snapshot())
		}

		return o.json(snapshots)
	}

	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGROUP\tRUN MODE\tSTATUS\tPOSITION\tRETRIES\tLAST SAVED\tERROR")

	for _, s := range subscriptions {
		lastError := "-"
		if e, ok := s.LastError(); ok {
			lastError = e.Message
		}

		lastSavedAt := "-"
		if !s.LastSavedAt().IsZero() {
			lastSavedAt = s.LastSavedAt().Format(time.RFC3339)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.ID(), s.Group(), s.RunMode(), s.Status(), s.Position(), s.RetryAttempt(), lastSavedAt, lastError)
	}

	return tw.Flush()
}
