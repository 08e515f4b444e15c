package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// DefaultCatchUpIterations is the default maximum number of iterations
// of a CatchUpEngine operation.
const DefaultCatchUpIterations = 10_000

var _ Engine = CatchUpEngine{}

// CatchUpEngine is an Engine decorator that repeats Boot and Run until
// an iteration processes no messages, or Iterations is reached.
//
// Combined with a message limit, it drives Subscriptions to the end of the
// Event Store log in bounded steps, persisting their progress after each one.
type CatchUpEngine struct {
	Engine

	Iterations int
}

// NewCatchUpEngine wraps the Engine with a CatchUpEngine
// using DefaultCatchUpIterations.
func NewCatchUpEngine(inner Engine) CatchUpEngine {
	return CatchUpEngine{Engine: inner, Iterations: DefaultCatchUpIterations}
}

// Boot implements Engine.
func (e CatchUpEngine) Boot(ctx context.Context, criteria Criteria, limit int) (ProcessedResult, error) {
	return e.catchUp(ctx, criteria, limit, e.Engine.Boot)
}

// Run implements Engine.
func (e CatchUpEngine) Run(ctx context.Context, criteria Criteria, limit int) (ProcessedResult, error) {
	return e.catchUp(ctx, criteria, limit, e.Engine.Run)
}

func (e CatchUpEngine) catchUp(
	ctx context.Context,
	criteria Criteria,
	limit int,
	fn func(ctx context.Context, criteria Criteria, limit int) (ProcessedResult, error),
) (ProcessedResult, error) {
	iterations := e.Iterations
	if iterations <= 0 {
		iterations = DefaultCatchUpIterations
	}

	var merged ProcessedResult

	for range iterations {
		result, err := fn(ctx, criteria, limit)

		merged.ProcessedMessages += result.ProcessedMessages
		merged.StreamFinished = result.StreamFinished
		merged.Errors = append(merged.Errors, result.Errors...)

		if err != nil {
			return merged, err
		}

		if result.ProcessedMessages == 0 {
			break
		}
	}

	return merged, nil
}

// ErrorsOccurred is returned by ThrowOnErrorEngine when some Subscriptions
// failed during an operation.
type ErrorsOccurred struct {
	Errors []Error

	merr *multierror.Error
}

func newErrorsOccurred(errs []Error) *ErrorsOccurred {
	merr := &multierror.Error{ErrorFormat: formatErrors}
	for _, err := range errs {
		merr = multierror.Append(merr, err)
	}

	return &ErrorsOccurred{Errors: errs, merr: merr}
}

func formatErrors(errs []error) string {
	lines := make([]string, 0, len(errs))
	for _, err := range errs {
		lines = append(lines, "\t* "+err.Error())
	}

	return fmt.Sprintf("engine: %d subscription error(s) occurred:\n%s", len(errs), strings.Join(lines, "\n"))
}

func (err *ErrorsOccurred) Error() string { return err.merr.Error() }

// Unwrap returns every single Subscription Error.
func (err *ErrorsOccurred) Unwrap() []error { return err.merr.WrappedErrors() }

var _ Engine = ThrowOnErrorEngine{}

// ThrowOnErrorEngine is an Engine decorator that turns the Subscription
// errors reported in a Result into an *ErrorsOccurred error, for callers
// that want to fail as soon as a Subscription fails.
type ThrowOnErrorEngine struct {
	Engine
}

// Setup implements Engine.
func (e ThrowOnErrorEngine) Setup(ctx context.Context, criteria Criteria, skipBooting bool) (Result, error) {
	return throwOnError(e.Engine.Setup(ctx, criteria, skipBooting))
}

// Boot implements Engine.
func (e ThrowOnErrorEngine) Boot(ctx context.Context, criteria Criteria, limit int) (ProcessedResult, error) {
	return throwOnProcessedError(e.Engine.Boot(ctx, criteria, limit))
}

// Run implements Engine.
func (e ThrowOnErrorEngine) Run(ctx context.Context, criteria Criteria, limit int) (ProcessedResult, error) {
	return throwOnProcessedError(e.Engine.Run(ctx, criteria, limit))
}

// Teardown implements Engine.
func (e ThrowOnErrorEngine) Teardown(ctx context.Context, criteria Criteria) (Result, error) {
	return throwOnError(e.Engine.Teardown(ctx, criteria))
}

// Remove implements Engine.
func (e ThrowOnErrorEngine) Remove(ctx context.Context, criteria Criteria) (Result, error) {
	return throwOnError(e.Engine.Remove(ctx, criteria))
}

// Reactivate implements Engine.
func (e ThrowOnErrorEngine) Reactivate(ctx context.Context, criteria Criteria) (Result, error) {
	return throwOnError(e.Engine.Reactivate(ctx, criteria))
}

// Pause implements Engine.
func (e ThrowOnErrorEngine) Pause(ctx context.Context, criteria Criteria) (Result, error) {
	return throwOnError(e.Engine.Pause(ctx, criteria))
}

func throwOnError(result Result, err error) (Result, error) {
	if err == nil && len(result.Errors) > 0 {
		err = newErrorsOccurred(result.Errors)
	}

	return result, err
}

func throwOnProcessedError(result ProcessedResult, err error) (ProcessedResult, error) {
	if err == nil && len(result.Errors) > 0 {
		err = newErrorsOccurred(result.Errors)
	}

	return result, err
}
