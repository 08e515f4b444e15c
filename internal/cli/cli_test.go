package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-subscriptions/aggregate"
	"github.com/get-eventually/go-subscriptions/event"
	"github.com/get-eventually/go-subscriptions/internal/app"
	"github.com/get-eventually/go-subscriptions/internal/cli"
	"github.com/get-eventually/go-subscriptions/internal/config"
	"github.com/get-eventually/go-subscriptions/internal/user"
	"github.com/get-eventually/go-subscriptions/logger"
	"github.com/get-eventually/go-subscriptions/subscriber"
	"github.com/get-eventually/go-subscriptions/subscription"
)

var (
	errBoom = errors.New("boom")
	now     = time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
)

// newApp returns an App using in-memory stores, shared by all the commands
// executed through the returned Opener.
func newApp(t *testing.T, accessors ...*subscriber.Accessor) (*app.App, cli.Opener) {
	t.Helper()

	cfg := config.Default()
	cfg.EventStore = config.BackendMemory
	cfg.SubscriptionStore = config.BackendMemory

	a, err := app.New(context.Background(), cfg, app.Options{
		Logger:    logger.Test(t),
		Clock:     clockwork.NewFakeClockAt(now),
		Accessors: accessors,
	})
	require.NoError(t, err)

	return a, func(context.Context, *config.Config, *slog.Logger) (*app.App, error) {
		return a, nil
	}
}

func execute(ctx context.Context, open cli.Opener, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer

	cmd := cli.NewRootCommand(open)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", "testdata/missing.yaml"}, args...))

	err := cmd.ExecuteContext(ctx)

	return stdout.String(), err
}

func saveUser(t *testing.T, store event.Store) {
	t.Helper()

	now := time.Now()
	usr, err := user.Create(uuid.New(), "John", "Doe", "john@doe.com", now.AddDate(-30, 0, 0), now)
	require.NoError(t, err)
	require.NoError(t, aggregate.NewEventSourcedRepository(store, user.Type).Save(context.Background(), usr))
}

func TestCommandPresence(t *testing.T) {
	_, open := newApp(t)
	cmd := cli.NewRootCommand(open)

	commands := []string{"setup", "boot", "run", "teardown", "remove", "pause", "reactivate", "status", "worker"}
	for _, name := range commands {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	projector := user.NewProfileProjector()
	a, open := newApp(t, projector.Accessor("user_profile", subscriber.WithGroup("projectors")))

	saveUser(t, a.EventStore)

	out, err := execute(ctx, open, "setup")
	require.NoError(t, err)
	assert.Equal(t, "setup: done, 0 error(s)\n", out)

	out, err = execute(ctx, open, "boot", "--group", "projectors")
	require.NoError(t, err)
	assert.Equal(t, "boot: processed 1 message(s), stream finished: true, 0 error(s)\n", out)
	assert.Equal(t, 1, projector.Len())

	out, err = execute(ctx, open, "status", "--format", "json")
	require.NoError(t, err)

	var snapshots []subscription.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snapshots))
	require.Len(t, snapshots, 1)
	assert.Equal(t, "user_profile", snapshots[0].ID)
	assert.Equal(t, subscription.StatusActive, snapshots[0].Status)
	assert.Equal(t, uint64(1), snapshots[0].Position)

	_, err = execute(ctx, open, "pause", "--id", "user_profile")
	require.NoError(t, err)

	out, err = execute(ctx, open, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "user_profile")
	assert.Contains(t, out, string(subscription.StatusPaused))

	_, err = execute(ctx, open, "reactivate")
	require.NoError(t, err)

	saveUser(t, a.EventStore)

	out, err = execute(ctx, open, "run", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"operation": "run", "processed_messages": 1, "stream_finished": true, "errors": []}`, out)
	assert.Equal(t, 2, projector.Len())

	_, err = execute(ctx, open, "remove")
	require.NoError(t, err)

	found, err := a.Subscriptions.Find(ctx, subscription.Criteria{})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	failing := subscriber.NewAccessor("failing", nil,
		subscriber.HandleAll(func(context.Context, event.Persisted) error { return errBoom }))
	projector := user.NewProfileProjector()

	a, open := newApp(t, failing, projector.Accessor("user_profile", subscriber.WithGroup("projectors")))
	saveUser(t, a.EventStore)

	_, err := execute(ctx, open, "setup")
	require.NoError(t, err)

	_, err = execute(ctx, open, "boot")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, format := range []string{cli.FormatText, cli.FormatJSON} {
		t.Run(format, func(t *testing.T) {
			out, err := execute(ctx, open, "status", "--format", format)
			require.NoError(t, err)
			g.Assert(t, "status_"+format, []byte(out))
		})
	}
}

func TestThrowOnError(t *testing.T) {
	ctx := context.Background()
	failing := subscriber.NewAccessor("failing", nil,
		subscriber.HandleAll(func(context.Context, event.Persisted) error { return errBoom }))

	a, open := newApp(t, failing)
	saveUser(t, a.EventStore)

	_, err := execute(ctx, open, "setup")
	require.NoError(t, err)

	out, err := execute(ctx, open, "boot")
	require.NoError(t, err, "subscription errors are reported in the output")
	assert.Contains(t, out, "1 error(s)")
	assert.Contains(t, out, "failing")

	_, err = execute(ctx, open, "reactivate")
	require.NoError(t, err)

	_, err = execute(ctx, open, "boot", "--throw-on-error")
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, cli.ExitFailure, cli.ExitCode(err))
}

func TestInvalidFormat(t *testing.T) {
	_, open := newApp(t)

	_, err := execute(context.Background(), open, "status", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, cli.ExitCommandError, cli.ExitCode(err))
}

func TestOpenerFailure(t *testing.T) {
	open := func(context.Context, *config.Config, *slog.Logger) (*app.App, error) {
		return nil, errBoom
	}

	_, err := execute(context.Background(), open, "status")
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, cli.ExitCommandError, cli.ExitCode(err))
}

func TestWorker(t *testing.T) {
	projector := user.NewProfileProjector()
	a, open := newApp(t, projector.Accessor("user_profile"))

	saveUser(t, a.EventStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		_, err := execute(ctx, open, "worker")
		done <- err
	}()

	require.Eventually(t, func() bool { return projector.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, cli.ExitSuccess, cli.ExitCode(nil))
	assert.Equal(t, cli.ExitFailure, cli.ExitCode(errBoom))
	assert.Equal(t, cli.ExitCommandError, cli.ExitCode(cli.WrapExitError(cli.ExitCommandError, "failed", errBoom)))
}
